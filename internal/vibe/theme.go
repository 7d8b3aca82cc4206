package vibe

// Theme is how a score is presented.
type Theme struct {
	Name   string `json:"name"`
	Color  string `json:"color"`
	Symbol string `json:"symbol"`
}

var themes = map[int]Theme{
	-3: {Name: "storm", Color: "#2b1d3a", Symbol: "⛈"},
	-2: {Name: "shadow", Color: "#3d2c5e", Symbol: "🌑"},
	-1: {Name: "mist", Color: "#55607a", Symbol: "🌫"},
	1:  {Name: "ember", Color: "#7a4fd6", Symbol: "✨"},
	2:  {Name: "starlight", Color: "#a67cf2", Symbol: "🌟"},
	3:  {Name: "radiance", Color: "#f2c94c", Symbol: "🔮"},
}

// ThemeFor returns the theme of a score. Out-of-range scores are clamped;
// zero never comes out of Score but maps to the neutral-positive theme.
func ThemeFor(score int) Theme {
	score = clamp(score)
	if score == 0 {
		score = 1
	}
	return themes[score]
}

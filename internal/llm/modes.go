package llm

import "strings"

// Mode is a persona/verbosity profile selecting the system instruction and
// the default token budget.
type Mode string

const (
	ModeBrief    Mode = "brief"
	ModeStandard Mode = "standard"
	ModeDetailed Mode = "detailed"
	ModeEpic     Mode = "epic"
)

// Profile is everything a mode decides about a request.
type Profile struct {
	Mode          Mode
	DefaultTokens int
	Temperature   float32
	Instruction   string
}

const wizardPersona = "You are Wizard, an ancient and whimsical sorcerer who answers " +
	"questions with warmth, playful arcane flourishes and genuinely useful content. "

var profiles = map[Mode]Profile{
	ModeBrief: {
		Mode:          ModeBrief,
		DefaultTokens: 80,
		Temperature:   0.7,
		Instruction: wizardPersona +
			"Answer in one or two short sentences. No preamble.",
	},
	ModeStandard: {
		Mode:          ModeStandard,
		DefaultTokens: 200,
		Temperature:   0.8,
		Instruction: wizardPersona +
			"Answer in a short paragraph with a touch of magic.",
	},
	ModeDetailed: {
		Mode:          ModeDetailed,
		DefaultTokens: 500,
		Temperature:   0.8,
		Instruction: wizardPersona +
			"Give a thorough, well structured answer. Use lists where they help.",
	},
	ModeEpic: {
		Mode:          ModeEpic,
		DefaultTokens: 1200,
		Temperature:   0.9,
		Instruction: wizardPersona +
			"Deliver an epic, richly detailed answer told as a grand tale, " +
			"while keeping every fact accurate.",
	},
}

// ParseMode maps a user supplied name to a Mode. ok is false for unknown
// names, in which case ModeStandard is returned.
func ParseMode(s string) (Mode, bool) {
	m := Mode(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := profiles[m]; ok {
		return m, true
	}
	return ModeStandard, false
}

// ProfileFor returns the profile of mode, falling back to standard.
func ProfileFor(mode Mode) Profile {
	if p, ok := profiles[mode]; ok {
		return p
	}
	return profiles[ModeStandard]
}

// Modes lists the known modes from shortest to longest.
func Modes() []Mode {
	return []Mode{ModeBrief, ModeStandard, ModeDetailed, ModeEpic}
}

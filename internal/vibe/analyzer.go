// Package vibe scores the emotional energy of a message for presentation.
package vibe

import (
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	MinScore = -3
	MaxScore = 3

	defaultMemoSize = 512
)

var positiveKeywords = []string{
	"love", "happy", "joy", "great", "awesome", "amazing", "wonderful",
	"magic", "thank", "beautiful", "excited", "fun", "cool", "brilliant",
	"delight", "hope", "kind", "yay", "glad", "wow",
}

var negativeKeywords = []string{
	"sad", "hate", "angry", "bad", "terrible", "awful", "fear", "scared",
	"pain", "cry", "lonely", "tired", "upset", "worry", "hurt", "broken",
	"curse", "doom", "annoy", "stress",
}

// Analyzer maps text to an energy score in [MinScore, MaxScore]. Results
// are memoized by normalized text. Safe for concurrent use.
type Analyzer struct {
	memo *lru.Cache[string, int]
}

// NewAnalyzer creates an analyzer remembering up to memoSize texts.
func NewAnalyzer(memoSize int) *Analyzer {
	if memoSize <= 0 {
		memoSize = defaultMemoSize
	}
	// New only fails for a non-positive size.
	memo, _ := lru.New[string, int](memoSize)
	return &Analyzer{memo: memo}
}

// Analyze counts distinct positive and negative keywords contained in text
// (case-insensitive substring match). A zero score leans positive.
func (a *Analyzer) Analyze(text string) int {
	normalized := strings.ToLower(strings.TrimSpace(text))
	if score, ok := a.memo.Get(normalized); ok {
		return score
	}

	score := Score(normalized)
	a.memo.Add(normalized, score)
	return score
}

// Score is the uncached scoring function.
func Score(text string) int {
	lower := strings.ToLower(text)

	score := 0
	for _, w := range positiveKeywords {
		if strings.Contains(lower, w) {
			score++
		}
	}
	for _, w := range negativeKeywords {
		if strings.Contains(lower, w) {
			score--
		}
	}

	if score == 0 {
		return 1
	}
	return clamp(score)
}

func clamp(score int) int {
	if score < MinScore {
		return MinScore
	}
	if score > MaxScore {
		return MaxScore
	}
	return score
}

// Len reports how many texts are memoized.
func (a *Analyzer) Len() int {
	return a.memo.Len()
}

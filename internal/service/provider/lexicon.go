package provider

import (
	"math"
	"strings"
	"unicode"
)

var (
	positiveWords = wordSet("bull", "bullish", "rally", "surge", "moon", "pump", "gain", "gains", "profit",
		"buy", "long", "hodl", "positive", "optimistic", "breakthrough", "adoption",
		"institutional", "investment", "growth", "rise", "rises", "increase", "good", "great", "record", "approval")
	negativeWords = wordSet("bear", "bearish", "crash", "dump", "fall", "falls", "loss", "losses", "sell", "short",
		"fear", "panic", "decline", "drop", "negative", "pessimistic", "regulatory",
		"ban", "hack", "scam", "fraud", "bubble", "volatile", "risk", "bad", "lawsuit", "exploit")
)

func wordSet(words ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}

// LexiconScore scores text in [-1,1] from keyword hits: ten times the
// difference between positive and negative word ratios, clamped.
func LexiconScore(text string) float64 {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(words) == 0 {
		return 0
	}
	var pos, neg int
	for _, w := range words {
		if _, ok := positiveWords[w]; ok {
			pos++
		} else if _, ok := negativeWords[w]; ok {
			neg++
		}
	}
	score := float64(pos-neg) / float64(len(words)) * 10
	return math.Max(-1, math.Min(1, score))
}

package collector

import (
	"strings"
	"unicode"
)

// Lexicon-based sentiment scoring. Each event gets a score in [-1, 1]
// computed from the balance of positive and negative terms in its title
// and body. Items with no sentiment-bearing terms stay unscored (nil) so
// the engine can exclude them from the sentiment mean.

var positiveTerms = map[string]struct{}{
	"add": {}, "improve": {}, "improved": {}, "improvement": {}, "fix": {},
	"fixed": {}, "fixes": {}, "feature": {}, "fast": {}, "faster": {},
	"great": {}, "good": {}, "better": {}, "best": {}, "success": {},
	"successful": {}, "stable": {}, "win": {}, "gain": {}, "growth": {},
	"launch": {}, "release": {}, "released": {}, "support": {}, "supported": {},
	"clean": {}, "simplify": {}, "optimize": {}, "optimized": {}, "secure": {},
	"awesome": {}, "excellent": {}, "love": {}, "nice": {}, "thanks": {},
}

var negativeTerms = map[string]struct{}{
	"bug": {}, "broken": {}, "break": {}, "breaks": {}, "crash": {},
	"crashes": {}, "fail": {}, "failed": {}, "failure": {}, "error": {},
	"errors": {}, "regression": {}, "slow": {}, "slower": {}, "leak": {},
	"vulnerability": {}, "exploit": {}, "critical": {}, "severe": {},
	"outage": {}, "down": {}, "deprecated": {}, "removed": {}, "revert": {},
	"bad": {}, "worse": {}, "worst": {}, "hang": {}, "deadlock": {},
	"panic": {}, "corrupt": {}, "corruption": {}, "unstable": {}, "wrong": {},
}

// scoreSentiment returns a score in [-1, 1], or nil when the text carries
// no sentiment-bearing terms.
func scoreSentiment(text string) *float64 {
	if text == "" {
		return nil
	}

	var pos, neg int
	for _, tok := range tokenize(text) {
		if _, ok := positiveTerms[tok]; ok {
			pos++
		} else if _, ok := negativeTerms[tok]; ok {
			neg++
		}
	}

	total := pos + neg
	if total == 0 {
		return nil
	}
	score := float64(pos-neg) / float64(total)
	return &score
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

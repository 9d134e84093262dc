package normalize

import (
	"strings"

	"github.com/antzucaro/matchr"
)

// Thresholds for sound-alike option matching. An option that shares a
// Double Metaphone code with the answer needs a Jaro-Winkler score of
// phoneticThreshold; any other option needs fuzzyThreshold.
const (
	phoneticThreshold = 0.80
	fuzzyThreshold    = 0.90
)

// soundsLike returns the option a misrecognised answer most plausibly
// meant, e.g. "premeum" for "Premium". It runs only after exact and
// containment matching failed.
func soundsLike(answer string, options []string) (string, bool) {
	answer = strings.ToLower(strings.TrimSpace(answer))
	if answer == "" {
		return "", false
	}
	answerTokens := strings.Fields(answer)
	answerCodes := metaphoneCodes(answerTokens)

	var (
		best      string
		bestScore float64
		phonetic  bool
	)
	for _, opt := range options {
		o := strings.ToLower(strings.TrimSpace(opt))
		if o == "" {
			continue
		}
		optTokens := strings.Fields(o)
		score := similarity(answerTokens, optTokens, answer, o)

		if overlaps(answerCodes, metaphoneCodes(optTokens)) {
			if score >= phoneticThreshold && (!phonetic || score > bestScore) {
				best, bestScore, phonetic = opt, score, true
			}
			continue
		}
		if !phonetic && score >= fuzzyThreshold && score > bestScore {
			best, bestScore = opt, score
		}
	}
	return best, best != ""
}

func metaphoneCodes(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

func overlaps(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for c := range a {
		if _, ok := b[c]; ok {
			return true
		}
	}
	return false
}

// similarity is the best Jaro-Winkler score over the full strings, the
// strings without spaces and every token pair.
func similarity(aTokens, bTokens []string, a, b string) float64 {
	score := matchr.JaroWinkler(a, b, false)
	if len(aTokens) > 1 || len(bTokens) > 1 {
		if s := matchr.JaroWinkler(strings.Join(aTokens, ""), strings.Join(bTokens, ""), false); s > score {
			score = s
		}
	}
	for _, at := range aTokens {
		for _, bt := range bTokens {
			if s := matchr.JaroWinkler(at, bt, false); s > score {
				score = s
			}
		}
	}
	return score
}

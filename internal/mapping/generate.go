package mapping

import (
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/MrWong99/vocaform/pkg/tool"
)

// fuzzyThreshold is the minimum Jaro-Winkler similarity for a fuzzy match.
const fuzzyThreshold = 0.92

// synonyms groups normalised field names that refer to the same datum.
var synonyms = [][]string{
	{"firstname", "fname", "givenname"},
	{"lastname", "lname", "surname", "familyname"},
	{"dob", "dateofbirth", "birthdate"},
	{"email", "emailaddress", "mail"},
	{"phone", "phonenumber", "telephone", "mobile", "tel"},
	{"zip", "zipcode", "postalcode", "postcode"},
	{"address", "streetaddress", "addr"},
	{"company", "companyname", "organization", "org"},
}

var synonymGroup = func() map[string]int {
	m := make(map[string]int)
	for i, group := range synonyms {
		for _, name := range group {
			m[name] = i
		}
	}
	return m
}()

// GenerateFieldMappings proposes one mapping per source field. For each
// source it tries, in order: case-insensitive equality, containment after
// stripping separators, the synonym table, and Jaro-Winkler similarity. A
// source with no match maps onto itself. Each target is claimed at most once
// while an unused alternative exists.
func GenerateFieldMappings(source, target []string) []tool.FieldMapping {
	used := make(map[int]bool, len(target))
	normTargets := make([]string, len(target))
	for i, t := range target {
		normTargets[i] = normalizeName(t)
	}

	strategies := []func(src string, tgt int) bool{
		func(src string, i int) bool { return strings.EqualFold(src, target[i]) },
		func(src string, i int) bool {
			ns, nt := normalizeName(src), normTargets[i]
			return ns != "" && nt != "" && (strings.Contains(ns, nt) || strings.Contains(nt, ns))
		},
		func(src string, i int) bool {
			g1, ok1 := synonymGroup[normalizeName(src)]
			g2, ok2 := synonymGroup[normTargets[i]]
			return ok1 && ok2 && g1 == g2
		},
	}

	out := make([]tool.FieldMapping, 0, len(source))
	for _, src := range source {
		idx, fallback := -1, -1
		for _, match := range strategies {
			free, taken := pick(len(target), used, func(i int) bool { return match(src, i) })
			if free >= 0 {
				idx = free
				break
			}
			if fallback < 0 {
				fallback = taken
			}
		}
		if idx < 0 {
			if f := bestFuzzy(normalizeName(src), normTargets, used); f >= 0 && (!used[f] || fallback < 0) {
				idx = f
			} else {
				idx = fallback
			}
		}

		m := tool.FieldMapping{SourceFieldName: src, TargetFieldName: src, Transformation: tool.TransformNone}
		if idx >= 0 {
			used[idx] = true
			m.TargetFieldName = target[idx]
		}
		out = append(out, m)
	}
	return out
}

// pick returns the first unused index satisfying ok and the first already
// claimed one, or -1 for either.
func pick(n int, used map[int]bool, ok func(int) bool) (free, taken int) {
	free, taken = -1, -1
	for i := 0; i < n; i++ {
		if !ok(i) {
			continue
		}
		if !used[i] {
			return i, taken
		}
		if taken < 0 {
			taken = i
		}
	}
	return free, taken
}

func bestFuzzy(src string, targets []string, used map[int]bool) int {
	if src == "" {
		return -1
	}
	best, bestScore := -1, fuzzyThreshold
	bestUsed := true
	for i, t := range targets {
		if t == "" {
			continue
		}
		score := matchr.JaroWinkler(src, t, false)
		if score < fuzzyThreshold {
			continue
		}
		// Prefer unused targets, then higher scores.
		switch {
		case best < 0,
			bestUsed && !used[i],
			bestUsed == used[i] && score > bestScore:
			best, bestScore, bestUsed = i, score, used[i]
		}
	}
	return best
}

func normalizeName(s string) string {
	s = strings.ToLower(s)
	return strings.Map(func(r rune) rune {
		switch r {
		case '_', '-', ' ', '.':
			return -1
		}
		return r
	}, s)
}

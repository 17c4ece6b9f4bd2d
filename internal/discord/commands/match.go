package commands

import (
	"slices"
	"strings"

	"github.com/antzucaro/matchr"
)

// suggestionThreshold is the minimum Jaro-Winkler similarity before a
// "did you mean" hint is offered.
const suggestionThreshold = 0.70

// rankNames orders candidate names by how well they match the typed partial.
// Prefix matches rank above substring matches, which rank above plain fuzzy
// similarity, so the obvious completions surface first while typos still
// find their target. An empty partial keeps the input order.
func rankNames(partial string, names []string, limit int) []string {
	if limit <= 0 || len(names) == 0 {
		return nil
	}
	if partial == "" {
		if len(names) > limit {
			names = names[:limit]
		}
		return names
	}

	p := strings.ToLower(partial)

	type scored struct {
		name  string
		score float64
	}
	ranked := make([]scored, 0, len(names))
	for _, name := range names {
		n := strings.ToLower(name)
		score := matchr.JaroWinkler(p, n, false)
		switch {
		case strings.HasPrefix(n, p):
			score += 2
		case strings.Contains(n, p):
			score++
		}
		ranked = append(ranked, scored{name: name, score: score})
	}

	slices.SortFunc(ranked, func(a, b scored) int {
		if a.score != b.score {
			if a.score > b.score {
				return -1
			}
			return 1
		}
		return strings.Compare(a.name, b.name)
	})

	out := make([]string, 0, limit)
	for _, s := range ranked {
		if len(out) == limit {
			break
		}
		out = append(out, s.name)
	}
	return out
}

// closest returns the name most similar to input, or "" when nothing clears
// the suggestion threshold.
func closest(input string, names []string) string {
	in := strings.ToLower(input)

	best := ""
	bestScore := 0.0
	for _, name := range names {
		score := matchr.JaroWinkler(in, strings.ToLower(name), false)
		if score > bestScore {
			best, bestScore = name, score
		}
	}
	if bestScore < suggestionThreshold {
		return ""
	}
	return best
}

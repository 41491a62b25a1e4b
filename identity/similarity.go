// Package identity reconciles Discord user identities with game-account
// identities (XUID/gamertag): a tiered cache over the stats API, direct
// lookups from persisted associations, and a fuzzy team-scoped matcher for
// everyone else.
package identity

import "strings"

const (
	// exactScore is a case-insensitive exact name match.
	exactScore = 1.0
	// containScore is substring containment in either direction.
	containScore = 0.85
)

// nameSimilarity scores two names in [0,1]. Exact case-insensitive matches
// score maximally, containment scores highly, anything else falls back to
// normalized edit distance.
func nameSimilarity(a, b string) float64 {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return exactScore
	}
	if strings.Contains(a, b) || strings.Contains(b, a) {
		return containScore
	}
	distance := levenshteinDistance(a, b)
	maxLen := len([]rune(a))
	if l := len([]rune(b)); l > maxLen {
		maxLen = l
	}
	return 1.0 - float64(distance)/float64(maxLen)
}

// bestNameScore takes the best similarity across all of a player's name
// variants against the gamertag.
func bestNameScore(p Player, gamertag string) float64 {
	best := 0.0
	for _, variant := range []string{p.Username, p.GlobalName, p.Nickname} {
		if variant == "" {
			continue
		}
		if s := nameSimilarity(variant, gamertag); s > best {
			best = s
		}
	}
	return best
}

// levenshteinDistance is the minimum number of single-character edits
// (insertions, deletions, substitutions) to turn s1 into s2.
func levenshteinDistance(s1, s2 string) int {
	runes1 := []rune(s1)
	runes2 := []rune(s2)

	rows, cols := len(runes1)+1, len(runes2)+1
	dist := make([][]int, rows)
	for i := range dist {
		dist[i] = make([]int, cols)
		dist[i][0] = i
	}
	for j := 1; j < cols; j++ {
		dist[0][j] = j
	}

	for i := 1; i < rows; i++ {
		for j := 1; j < cols; j++ {
			cost := 1
			if runes1[i-1] == runes2[j-1] {
				cost = 0
			}
			dist[i][j] = min(
				dist[i-1][j]+1,
				dist[i][j-1]+1,
				dist[i-1][j-1]+cost,
			)
		}
	}

	return dist[rows-1][cols-1]
}

package ledger

import (
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
)

// DefaultSimilarity is the name similarity at or above which two parties
// are reported as likely duplicates.
const DefaultSimilarity = 0.85

// DuplicateGroup is a set of parties whose names look alike.
type DuplicateGroup struct {
	Key     string       `json:"key" yaml:"key"` // normalized name of the first member
	Exact   bool         `json:"exact" yaml:"exact"`
	Parties []PartyEntry `json:"parties" yaml:"parties"`
}

// NormalizeName lower-cases and trims a party name for comparison.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// NameSimilarity returns 1 - distance/maxLen over normalized names, in [0, 1].
func NameSimilarity(a, b string) float64 {
	a, b = NormalizeName(a), NormalizeName(b)
	if a == b {
		return 1
	}
	maxLen := max(utf8.RuneCountInString(a), utf8.RuneCountInString(b))
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(maxLen)
}

// FindDuplicates groups parties with identical normalized names, then
// joins groups whose names are at least threshold similar. Only groups
// with two or more parties are returned, largest first.
// A threshold <= 0 or > 1 uses DefaultSimilarity; exactly 1 disables
// fuzzy matching.
func FindDuplicates(parties []PartyEntry, threshold float64) []DuplicateGroup {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultSimilarity
	}

	var keys []string
	byName := make(map[string][]PartyEntry)
	for _, e := range parties {
		k := NormalizeName(e.Party.Name)
		if _, ok := byName[k]; !ok {
			keys = append(keys, k)
		}
		byName[k] = append(byName[k], e)
	}
	slices.Sort(keys)

	// Union fuzzy-similar names into the first key of their cluster.
	root := make(map[string]string, len(keys))
	for _, k := range keys {
		root[k] = k
	}
	find := func(k string) string {
		for root[k] != k {
			k = root[k]
		}
		return k
	}
	if threshold < 1 {
		for i, a := range keys {
			for _, b := range keys[i+1:] {
				if NameSimilarity(a, b) >= threshold {
					ra, rb := find(a), find(b)
					if ra != rb {
						root[rb] = ra
					}
				}
			}
		}
	}

	clusters := make(map[string]*DuplicateGroup)
	var order []string
	for _, k := range keys {
		r := find(k)
		g, ok := clusters[r]
		if !ok {
			g = &DuplicateGroup{Key: r, Exact: true}
			clusters[r] = g
			order = append(order, r)
		}
		if k != r {
			g.Exact = false
		}
		g.Parties = append(g.Parties, byName[k]...)
	}

	var groups []DuplicateGroup
	for _, r := range order {
		if g := clusters[r]; len(g.Parties) > 1 {
			slices.SortStableFunc(g.Parties, func(a, b PartyEntry) int {
				return strings.Compare(a.ID, b.ID)
			})
			groups = append(groups, *g)
		}
	}
	slices.SortStableFunc(groups, func(a, b DuplicateGroup) int {
		return len(b.Parties) - len(a.Parties)
	})
	return groups
}

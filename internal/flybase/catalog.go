package flybase

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/lithammer/fuzzysearch/fuzzy"
)

// maxMatches caps how many catalog suggestions one genotype can produce.
const maxMatches = 5

// Entry is one known repository stock in the local catalog snapshot.
type Entry struct {
	Repository string `json:"repository"`
	StockID    string `json:"stock_id"`
	Genotype   string `json:"genotype"`
}

// Match is a catalog entry scored against a query genotype.
// Score is a similarity in [0, 1]; matches are ordered best first.
type Match struct {
	Repository string  `json:"repository"`
	StockID    string  `json:"stock_id"`
	Genotype   string  `json:"genotype"`
	Score      float64 `json:"score"`
}

// Catalog indexes repository stocks for fuzzy genotype lookup.
type Catalog struct {
	entries    []Entry
	normalized []string
	threshold  float64
}

// NewCatalog builds a catalog over the given entries. Matches below
// threshold similarity are dropped; a zero threshold uses 0.9.
func NewCatalog(entries []Entry, threshold float64) *Catalog {
	if threshold <= 0 {
		threshold = 0.9
	}
	normalized := make([]string, len(entries))
	for i, e := range entries {
		normalized[i] = normalizeGenotype(e.Genotype)
	}
	return &Catalog{entries: entries, normalized: normalized, threshold: threshold}
}

// LoadCatalog reads a JSON array of entries from disk.
func LoadCatalog(path string, threshold float64) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	return NewCatalog(entries, threshold), nil
}

// Len returns the number of indexed entries.
func (c *Catalog) Len() int { return len(c.entries) }

// Matches scores the query genotype against every entry and returns
// those at or above the similarity threshold, best first.
func (c *Catalog) Matches(genotype string) []Match {
	q := normalizeGenotype(genotype)
	if q == "" {
		return nil
	}

	var matches []Match
	for i, norm := range c.normalized {
		score := similarity(q, norm)
		if score < c.threshold {
			continue
		}
		e := c.entries[i]
		matches = append(matches, Match{
			Repository: e.Repository,
			StockID:    e.StockID,
			Genotype:   e.Genotype,
			Score:      score,
		})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})
	if len(matches) > maxMatches {
		matches = matches[:maxMatches]
	}
	return matches
}

// similarity converts Levenshtein distance to a [0, 1] score.
func similarity(a, b string) float64 {
	longest := len([]rune(a))
	if l := len([]rune(b)); l > longest {
		longest = l
	}
	if longest == 0 {
		return 0
	}
	if a == b {
		return 1
	}
	dist := fuzzy.LevenshteinDistance(a, b)
	score := 1 - float64(dist)/float64(longest)
	if score < 0 {
		return 0
	}
	return score
}

// normalizeGenotype folds case and collapses runs of whitespace so
// formatting differences do not defeat comparison.
func normalizeGenotype(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

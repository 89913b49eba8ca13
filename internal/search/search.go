// Package search filters cached videos for the dashboard and the CLI.
package search

import (
	"sort"
	"strings"

	lfuzzy "github.com/lithammer/fuzzysearch/fuzzy"
	"github.com/sahilm/fuzzy"

	"github.com/mmcdole/kinosync/internal/domain"
)

// Result is a matched asset with the caption positions to highlight.
type Result struct {
	Asset          domain.CachedAsset
	MatchedIndexes []int // Byte offsets in the lowercase caption, empty for id matches
	Score          int   // Higher is better
}

// Index implements sahilm/fuzzy.Source over lowercase captions.
type Index struct {
	assets   []domain.CachedAsset
	captions []string
	ids      []string
}

// String returns the lowercase caption at index i (implements fuzzy.Source)
func (idx *Index) String(i int) string { return idx.captions[i] }

// Len returns the number of assets (implements fuzzy.Source)
func (idx *Index) Len() int { return len(idx.assets) }

// NewIndex builds an index over assets. The slice is not copied.
func NewIndex(assets []domain.CachedAsset) *Index {
	idx := &Index{
		assets:   assets,
		captions: make([]string, len(assets)),
		ids:      make([]string, len(assets)),
	}
	for i, a := range assets {
		idx.captions[i] = strings.ToLower(a.Caption)
		idx.ids[i] = a.VideoID
	}
	return idx
}

// Filter returns assets matching query. Caption matches come first in
// fuzzy score order, then video id matches by edit distance. An empty query
// returns every asset in index order.
func (idx *Index) Filter(query string) []Result {
	query = strings.TrimSpace(query)
	if query == "" {
		results := make([]Result, len(idx.assets))
		for i, a := range idx.assets {
			results[i] = Result{Asset: a}
		}
		return results
	}

	seen := make(map[int]bool)
	var results []Result

	for _, m := range fuzzy.FindFrom(strings.ToLower(query), idx) {
		seen[m.Index] = true
		results = append(results, Result{
			Asset:          idx.assets[m.Index],
			MatchedIndexes: m.MatchedIndexes,
			Score:          m.Score,
		})
	}

	ranks := lfuzzy.RankFindFold(query, idx.ids)
	sort.Sort(ranks)
	for _, r := range ranks {
		if seen[r.OriginalIndex] {
			continue
		}
		seen[r.OriginalIndex] = true
		results = append(results, Result{
			Asset: idx.assets[r.OriginalIndex],
			Score: -r.Distance,
		})
	}

	return results
}

// Assets returns just the assets of results.
func Assets(results []Result) []domain.CachedAsset {
	out := make([]domain.CachedAsset, len(results))
	for i, r := range results {
		out[i] = r.Asset
	}
	return out
}

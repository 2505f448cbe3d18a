package domain

import (
	"math"
	"sort"
)

// CosineSimilarity returns the cosine of the angle between a and b in [-1, 1].
// Mismatched lengths and zero vectors yield 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// SortScored orders results by descending score, then newer CreatedAt, then ID.
func SortScored(results []*ScoredEntry) {
	sort.SliceStable(results, func(i, j int) bool {
		return scoredLess(results[i], results[j])
	})
}

func scoredLess(a, b *ScoredEntry) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if !a.Entry.CreatedAt.Equal(b.Entry.CreatedAt) {
		return a.Entry.CreatedAt.After(b.Entry.CreatedAt)
	}
	return a.Entry.ID < b.Entry.ID
}

// RankByVector scores every entry passing filters against query and returns the
// top k in SortScored order.
func RankByVector(query []float32, entries []*KnowledgeEntry, filters SearchFilters, k int) []*ScoredEntry {
	if k <= 0 || len(query) == 0 {
		return []*ScoredEntry{}
	}
	scored := make([]*ScoredEntry, 0, len(entries))
	for _, e := range entries {
		if !filters.Matches(e) {
			continue
		}
		scored = append(scored, &ScoredEntry{Entry: e, Score: CosineSimilarity(query, e.Embedding)})
	}
	SortScored(scored)
	if len(scored) > k {
		scored = scored[:k]
	}
	return scored
}

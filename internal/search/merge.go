package search

import (
	"sort"

	"github.com/portfolio-rag/backend/internal/storage/models"
)

// Merge deduplicates by (content_id, content_type), keeping the higher
// similarity. On equal scores the result from the earlier list wins, so
// callers pass the vector results first. Output keeps first-seen order.
func Merge(lists ...[]models.SearchResult) []models.SearchResult {
	index := make(map[models.ResultKey]int)
	var merged []models.SearchResult

	for _, list := range lists {
		for _, r := range list {
			key := r.Key()
			i, seen := index[key]
			if !seen {
				index[key] = len(merged)
				merged = append(merged, r)
				continue
			}
			if r.Similarity > merged[i].Similarity {
				merged[i] = r
			}
		}
	}
	return merged
}

// Filter drops results below threshold.
func Filter(results []models.SearchResult, threshold float64) []models.SearchResult {
	kept := make([]models.SearchResult, 0, len(results))
	for _, r := range results {
		if r.Similarity >= threshold {
			kept = append(kept, r)
		}
	}
	return kept
}

// Rank sorts in place by similarity, highest first. Equal scores keep corpus
// insertion order, then identity, so repeated queries rank identically.
func Rank(results []models.SearchResult) []models.SearchResult {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Similarity != b.Similarity {
			return a.Similarity > b.Similarity
		}
		if a.Seq != b.Seq {
			return a.Seq < b.Seq
		}
		if a.ContentType != b.ContentType {
			return a.ContentType < b.ContentType
		}
		return a.ContentID < b.ContentID
	})
	return results
}

func Truncate(results []models.SearchResult, maxResults int) []models.SearchResult {
	if maxResults <= 0 {
		return results[:0]
	}
	if len(results) > maxResults {
		return results[:maxResults]
	}
	return results
}

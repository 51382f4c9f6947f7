package vector

import (
	"sort"
	"time"
)

// Candidate is a scored item awaiting ranking.
type Candidate[T any] struct {
	Item      T
	Score     float64
	CreatedAt time.Time
}

// Rank orders candidates by descending score, breaking ties by most recent
// CreatedAt, and returns at most k of them. k <= 0 returns nil.
func Rank[T any](candidates []Candidate[T], k int) []Candidate[T] {
	if k <= 0 || len(candidates) == 0 {
		return nil
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].CreatedAt.After(candidates[j].CreatedAt)
	})
	if k > len(candidates) {
		k = len(candidates)
	}
	return candidates[:k]
}

package series

import (
	"cmp"
	"slices"
)

// Timestamp is the set of types a buffer can be indexed by. time.Duration
// and unix-nanosecond int64 both qualify.
type Timestamp interface {
	~int | ~int32 | ~int64 | ~float32 | ~float64
}

// Sample is one timestamped value.
type Sample[T Timestamp, V any] struct {
	Timestamp T `json:"t"`
	Value     V `json:"v"`
}

// SortByTimestamp sorts samples ascending by timestamp, keeping the
// relative order of equal timestamps.
func SortByTimestamp[T Timestamp, V any](samples []Sample[T, V]) {
	slices.SortStableFunc(samples, func(a, b Sample[T, V]) int {
		return cmp.Compare(a.Timestamp, b.Timestamp)
	})
}

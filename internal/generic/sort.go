package generic

import (
	"sort"

	"golang.org/x/exp/constraints"
)

// SortSlice sorts a slice of ordered values in place.
func SortSlice[T constraints.Ordered](arr []T, reverse bool) {
	sort.Slice(arr, func(i, j int) bool {
		return (arr[i] < arr[j]) != reverse
	})
}

// Package xslices provides generic slice and map helpers used throughout
// graphfuse, complementing the standard `slices` package.
package xslices

import (
	"slices"

	"golang.org/x/exp/constraints"
)

// Map executes the given function sequentially for every element on in, and returns a mapped slice.
func Map[In, Out any](in []In, fn func(e In) Out) (out []Out) {
	out = make([]Out, len(in))
	for ii, e := range in {
		out[ii] = fn(e)
	}
	return
}

// SortedKeys returns the keys of the map sorted in ascending order.
func SortedKeys[K constraints.Ordered, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Last returns the last element of a slice. It panics on an empty slice.
func Last[T any](s []T) T {
	return s[len(s)-1]
}

// Iota returns a slice of increasing values [start, start+1, ..., start+n-1].
func Iota[T constraints.Integer](start T, n int) (s []T) {
	s = make([]T, n)
	for ii := range s {
		s[ii] = start + T(ii)
	}
	return
}

package math

import "golang.org/x/exp/constraints"

// Clamp returns the value `f` clamped to the range [low, high].
// It works for any numeric type (integers and floats).
func Clamp[T constraints.Ordered](f, low, high T) T {
	if f < low {
		return low
	}
	if f > high {
		return high
	}
	return f
}

// Align rounds v up to the next multiple of alignment. An alignment of 0 returns v unchanged.
func Align[T constraints.Unsigned](v, alignment T) T {
	if alignment == 0 {
		return v
	}
	return (v + alignment - 1) / alignment * alignment
}

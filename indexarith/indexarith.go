// Package indexarith implements exact integer arithmetic over strided
// slices (arithmetic progressions), used to reason about how rectangular
// shards of a dense N-dimensional array overlap.
//
// All functions here operate on Slice/Index values that are already
// normalized: 0 <= Start < Stop <= length and Step >= 1. Normalize
// produces such values from loosely-specified input (an int, a partial
// slice, or a tuple of either padded with full slices).
package indexarith

import (
	"github.com/pkg/errors"
)

// FullStop, used in a Range's Stop field, means "to the end of the dimension".
const FullStop = -1

// Slice is a normalized arithmetic progression over [0, length): the set of
// integers {Start, Start+Step, Start+2*Step, ...} strictly below Stop.
type Slice struct {
	Start, Stop, Step int
}

// Len returns the number of elements the slice covers.
func (s Slice) Len() int {
	if s.Stop <= s.Start {
		return 0
	}
	return (s.Stop-s.Start-1)/s.Step + 1
}

// Index is a tuple of normalized slices: the coordinate rectangle a shard
// covers in the global array.
type Index []Slice

// Shape returns the per-dimension element counts this index covers.
func (idx Index) Shape() []int {
	shape := make([]int, len(idx))
	for i, s := range idx {
		shape[i] = s.Len()
	}
	return shape
}

// Equal reports whether two indices describe the same set of coordinates.
func (idx Index) Equal(other Index) bool {
	if len(idx) != len(other) {
		return false
	}
	for i := range idx {
		if idx[i] != other[i] {
			return false
		}
	}
	return true
}

// Range is the loosely-specified input to Normalize for one dimension: an
// unresolved slice. Stop == FullStop means "through the end of the
// dimension"; Step == 0 means "default step of 1".
type Range struct {
	Start, Stop, Step int
}

// Full returns a Range spanning an entire dimension.
func Full() Range {
	return Range{Start: 0, Stop: FullStop, Step: 0}
}

// Normalize resolves idx (a mix of int and Range values, at most ndim of
// them) against shape into a fully-resolved Index. Missing trailing
// dimensions are padded with full slices. Integers become a unit-length
// slice (k, k+1, 1).
//
// It rejects (as chunk indices must, per the data model): too many
// dimensions, out-of-bounds integers, negative steps, and empty ranges.
// A zero Step is not rejected: it selects the default step of 1 (see
// Range).
func Normalize(shape []int, idx ...any) (Index, error) {
	ndim := len(shape)
	if len(idx) > ndim {
		return nil, NewIndexError(
			"too many indices for array: array is %d-dimensional, but %d were indexed", ndim, len(idx))
	}

	result := make(Index, ndim)
	for i := 0; i < ndim; i++ {
		var entry any
		if i < len(idx) {
			entry = idx[i]
		} else {
			entry = Full()
		}

		length := shape[i]
		switch v := entry.(type) {
		case int:
			if v < 0 || v >= length {
				return nil, NewIndexError("index %d is out of bounds for axis %d with size %d", v, i, length)
			}
			result[i] = Slice{v, v + 1, 1}
		case Range:
			step := v.Step
			if step == 0 {
				step = 1
			}
			if step < 0 {
				return nil, NewValueError("the index for a chunk cannot have negative slice steps, axis %d", i)
			}
			stop := v.Stop
			if stop == FullStop {
				stop = length
			}
			start := v.Start
			if start < 0 || stop > length {
				return nil, NewIndexError("slice (%d, %d, %d) is out of bounds for axis %d with size %d",
					start, stop, step, i, length)
			}
			if start >= stop {
				return nil, NewValueError("the index is empty on axis %d", i)
			}
			result[i] = Slice{start, stop, step}
		default:
			return nil, NewValueError("invalid index %v (%T) on axis %d: expected int or indexarith.Range", v, v, i)
		}
	}
	return result, nil
}

// extgcd returns (g, x) such that g = gcd(a, b) and a*x + b*y = g for some y.
// Requires a, b > 0.
func extgcd(a, b int) (g, x int) {
	c, d := a, b
	x, u := 1, 0
	for d != 0 {
		r := c / d
		c, d = d, c-d*r
		x, u = u, x-u*r
	}
	return c, x
}

func mod(a, b int) int {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}

// SliceIntersection returns the intersection of two arithmetic progressions
// over [0, length), computed via the extended Euclidean algorithm, and
// whether the intersection is non-empty.
func SliceIntersection(a, b Slice, length int) (Slice, bool) {
	_ = length
	g, x := extgcd(a.Step, b.Step)
	if mod(b.Start-a.Start, g) != 0 {
		return Slice{}, false
	}

	cStep := a.Step / g * b.Step

	aSkip := mod(x*((b.Start-a.Start)/g), cStep/a.Step)
	cStart := a.Start + a.Step*aSkip
	if cStart < b.Start {
		cStart += ((b.Start-cStart-1)/cStep + 1) * cStep
	}

	cStop := min(a.Stop, b.Stop)
	if cStart >= cStop {
		return Slice{}, false
	}
	return Slice{cStart, cStop, cStep}, true
}

// IndexIntersection returns the dimension-wise intersection of two chunk
// indices, and whether it is non-empty (it is empty overall if any
// dimension's intersection is empty).
func IndexIntersection(a, b Index, shape []int) (Index, bool) {
	result := make(Index, len(shape))
	for i := range shape {
		s, ok := SliceIntersection(a[i], b[i], shape[i])
		if !ok {
			return nil, false
		}
		result[i] = s
	}
	return result, true
}

// SliceForSubslice returns the slice c such that indexing a buffer shaped
// by outer with c yields the elements at sub. sub must be contained in
// outer.
func SliceForSubslice(outer, sub Slice, length int) Slice {
	_ = length
	cStart := (sub.Start - outer.Start) / outer.Step
	cStop := (sub.Stop-outer.Start-1)/outer.Step + 1
	cStep := sub.Step / outer.Step
	return Slice{cStart, cStop, cStep}
}

// IndexForSubindex returns the dimension-wise local index, such that
// indexing a buffer shaped by outer with it yields the elements at sub.
func IndexForSubindex(outer, sub Index, shape []int) Index {
	result := make(Index, len(shape))
	for i := range shape {
		result[i] = SliceForSubslice(outer[i], sub[i], shape[i])
	}
	return result
}

// ErrIndex and ErrValue are the sentinels this package's errors wrap,
// exported so the root distarray package can reuse them for its own
// ErrIndex/ErrValue instead of declaring disjoint ones: an error
// produced here still satisfies errors.Is(err, distarray.ErrIndex).
var (
	ErrIndex = errors.New("index error")
	ErrValue = errors.New("value error")
)

// NewIndexError and NewValueError build a wrapped ErrIndex/ErrValue.
var (
	NewIndexError = newIndexError
	NewValueError = newValueError
)

func newIndexError(format string, args ...any) error {
	return errors.Wrapf(ErrIndex, format, args...)
}

func newValueError(format string, args ...any) error {
	return errors.Wrapf(ErrValue, format, args...)
}

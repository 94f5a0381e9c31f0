package distarray

import (
	"fmt"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
)

// Shape describes the dtype and dimensions of a buffer, a chunk, or a
// whole distributed array.
type Shape struct {
	DType      dtypes.DType
	Dimensions []int
}

// NewShape returns a Shape with the given dtype and dimensions.
func NewShape(dtype dtypes.DType, dimensions ...int) Shape {
	dims := make([]int, len(dimensions))
	copy(dims, dimensions)
	return Shape{DType: dtype, Dimensions: dims}
}

// Rank returns the number of dimensions.
func (s Shape) Rank() int {
	return len(s.Dimensions)
}

// Size returns the total number of elements.
func (s Shape) Size() int {
	size := 1
	for _, d := range s.Dimensions {
		size *= d
	}
	return size
}

// Clone returns a deep copy of the shape.
func (s Shape) Clone() Shape {
	return NewShape(s.DType, s.Dimensions...)
}

// Equal reports whether two shapes have the same dtype and dimensions.
func (s Shape) Equal(other Shape) bool {
	if s.DType != other.DType || len(s.Dimensions) != len(other.Dimensions) {
		return false
	}
	for i, d := range s.Dimensions {
		if other.Dimensions[i] != d {
			return false
		}
	}
	return true
}

// DropAxis returns a copy of the shape with dimension axis removed.
func (s Shape) DropAxis(axis int) Shape {
	dims := make([]int, 0, len(s.Dimensions)-1)
	dims = append(dims, s.Dimensions[:axis]...)
	dims = append(dims, s.Dimensions[axis+1:]...)
	return Shape{DType: s.DType, Dimensions: dims}
}

func (s Shape) String() string {
	parts := make([]string, len(s.Dimensions))
	for i, d := range s.Dimensions {
		parts[i] = fmt.Sprintf("%d", d)
	}
	return fmt.Sprintf("%s[%s]", s.DType, strings.Join(parts, ","))
}

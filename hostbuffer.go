package distarray

import (
	"fmt"
	"reflect"

	"github.com/gomlx/gopjrt/dtypes"
)

// HostArray is a flat, row-major buffer paired with its Shape: the host
// representation consumed by NewDistributedArray and produced by
// Materialize.
type HostArray struct {
	Shape Shape
	Flat  []float64
}

// FromValue infers the shape of a (possibly nested) Go slice or scalar
// and flattens it into a HostArray. Multidimensional slices must be
// dense: every sub-slice at a given depth must have the same length.
func FromValue(v any) (HostArray, error) {
	var shape Shape
	var flat []float64
	if err := hostArrayRecursive(&shape, &flat, reflect.ValueOf(v), reflect.TypeOf(v)); err != nil {
		return HostArray{}, err
	}
	return HostArray{Shape: shape, Flat: flat}, nil
}

func hostArrayRecursive(shape *Shape, flat *[]float64, v reflect.Value, t reflect.Type) error {
	if t.Kind() == reflect.Slice {
		t = t.Elem()
		shape.Dimensions = append(shape.Dimensions, v.Len())
		dimsPrefix := append([]int(nil), shape.Dimensions...)

		if v.Len() == 0 {
			return newValueErrorf("value with empty slice not valid for HostArray conversion: %T", v.Interface())
		}
		if err := hostArrayRecursive(shape, flat, v.Index(0), t); err != nil {
			return err
		}

		for i := 1; i < v.Len(); i++ {
			subShape := Shape{Dimensions: append([]int(nil), dimsPrefix...)}
			if err := hostArrayRecursive(&subShape, flat, v.Index(i), t); err != nil {
				return err
			}
			if !shape.Equal(subShape) {
				return newShapeErrorf("ragged input: sub-slice at index %d has shape %s, want %s", i, subShape, *shape)
			}
		}
		return nil
	}
	if t.Kind() == reflect.Pointer {
		return newTypeErrorf("cannot convert pointer type %s to a HostArray element", t)
	}

	dtype := dtypes.FromGoType(t)
	if dtype == dtypes.INVALID {
		return newTypeErrorf("cannot convert type %s to a HostArray element (unsupported dtype)", t)
	}
	if shape.DType == dtypes.INVALID {
		shape.DType = dtype
	} else if shape.DType != dtype {
		return newShapeErrorf("sub-slices have irregular element types, found %s and %s", shape.DType, dtype)
	}
	value, err := toFloat64(v)
	if err != nil {
		return err
	}
	*flat = append(*flat, value)
	return nil
}

func toFloat64(v reflect.Value) (float64, error) {
	switch v.Kind() {
	case reflect.Float32, reflect.Float64:
		return v.Float(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(v.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(v.Uint()), nil
	case reflect.Bool:
		if v.Bool() {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, newTypeErrorf("cannot convert value of kind %s to a HostArray element", v.Kind())
	}
}

func (h HostArray) String() string {
	return fmt.Sprintf("HostArray{%s, %d elements}", h.Shape, len(h.Flat))
}

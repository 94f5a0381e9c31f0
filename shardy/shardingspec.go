package shardy

import (
	"github.com/pkg/errors"
)

// ShardingSpec (also known as PartitionSpec in JAX) defines how a logical tensor is to be sharded (partitioned) across
// a DeviceMesh. This is used by Shardy, and is based on its documentation in [1].
//
// The definition is per axis of the logical tensor -- and not per axis of the Mesh, a common confusion.
// If not all axes of the Tensor are defined, the tail axes are considered simply to be replicated across the whole
// mesh.
//
// Each tensor axis can be replicated or sharded across one or more mesh axes.
//
// Example:
//
//	mesh, _ := NewDeviceMesh("my_mesh", []int{2, 2}, []string{"data", "model"})
//
//	// Input's "batch" axis is sharded across the "data" axis of the mesh.
//	inputSharding := NewShardingSpec(mesh).AddShardedAxis("data")
//
//	// First axis is replicated, second is shared across "model" devices
//	variableSharding := NewShardingSpec(mesh).AddReplicated().AddShardedAxis("model")
//
//	// Second axis is sharded across both "data" and "model" devices.
//	 largeWeights := NewShardingSpec(mesh).AddReplicated().AddShardedAxis("data", "model")
//
// There are two advanced features supported but not tested (pls if you need let us know how it goes, or if you find
// any issues):
//
//  1. The tensor can also be sharded across mesh "sub-axes" -- seed detailed documentation in [1]. Validate checks
//     sub-axes; DeviceMesh.IndexMap does not partition by them.
//  2. If using ShardingSpec for hints, instead of mesh axes one can give an "open" (in StableHLO marked as "?")
//     axis, with the semantics that XLA Shardy can choose any mesh axis (or axes) to shard the tensor. See [1].
//
// [1] https://github.com/openxla/shardy/blob/main/docs/sharding_representation.md
type ShardingSpec struct {
	Mesh *DeviceMesh
	Axes []TensorAxisSpec
}

// TensorAxisSpec specifies how a tensor axis is to be sharded (or replicated).
// See details in ShardingSpec.
//
// Usually, one would create this using ShardingSpec.AddShardedAxis or ShardingSpec.AddReplicated
type TensorAxisSpec struct {
	MeshAxes []MeshAxisSpec
	Opened   bool // If opened to further sharding.
}

type MeshAxisSpec struct {
	AxisName string

	// PreSize, Size are only set if defining a sub-axis of the mesh.
	PreSize, Size int
}

// NewShardingSpec creates a new ShardingSpec.
func NewShardingSpec(mesh *DeviceMesh) *ShardingSpec {
	return &ShardingSpec{mesh, make([]TensorAxisSpec, 0)}
}

// AddShardedAxis adds a new sharded axis to the ShardingSpec using one or more mesh axes.
//
// It returns itself, so calls can be chained.
func (s *ShardingSpec) AddShardedAxis(meshAxesNames ...string) *ShardingSpec {
	axisSpec := TensorAxisSpec{}
	for _, meshAxisName := range meshAxesNames {
		axisSpec.MeshAxes = append(axisSpec.MeshAxes, MeshAxisSpec{AxisName: meshAxisName})
	}
	s.Axes = append(s.Axes, axisSpec)
	return s
}

// AddReplicated adds a new replicated axis to the ShardingSpec.
//
// It returns itself, so calls can be chained.
func (s *ShardingSpec) AddReplicated() *ShardingSpec {
	s.Axes = append(s.Axes, TensorAxisSpec{})
	return s
}

// Rank returns the number of axes this ShardingSpec describes.
//
// Notice this may be smaller than the rank of the tensor using it: if a tensor axis is not defined in ShardingSpec,
// it is assumed to be replicated.
func (s *ShardingSpec) Rank() int {
	return len(s.Axes)
}

// IsReplicated returns true if the tensor is fully replicated
// (i.e., not sharded along any axis and not marked as "open"). A nil
// spec is fully replicated by convention (see Rank).
func (s *ShardingSpec) IsReplicated() bool {
	if s == nil {
		return true
	}
	for _, axisSpec := range s.Axes {
		if axisSpec.MeshAxes != nil || axisSpec.Opened {
			return false
		}
	}
	return true
}

// Validate checks that the ShardingSpec is valid for the given mesh.
func (s *ShardingSpec) Validate() error {
	for i, axisSpec := range s.Axes {
		for j, meshAxisSpec := range axisSpec.MeshAxes {
			axisName := meshAxisSpec.AxisName
			if axisName == "" {
				return errors.Errorf(
					"ShardingSpec tensor axis %d, mesh axis #%d refers to empty mesh axis name", i, j)
			}
			axisIdx, ok := s.Mesh.nameToAxis[axisName]
			if !ok {
				return errors.Errorf(
					"ShardingSpec tensor axis %d, mesh axis #%d refers to unknown mesh axis %q",
					i, j, axisName)
			}
			meshAxisSize := s.Mesh.axesSizes[axisIdx]

			// Check sub-axis specification.
			if meshAxisSpec.Size > 0 {
				if meshAxisSpec.PreSize <= 0 {
					return errors.Errorf("ShardingSpec tensor axis %d, mesh axis #%d %q has invalid PreSize %d",
						i, j, axisName, meshAxisSpec.PreSize)
				}
				if meshAxisSize%(meshAxisSpec.PreSize*meshAxisSpec.Size) != 0 {
					return errors.Errorf(
						"ShardingSpec tensor axis %d, mesh axis #%d %q with PreSize %d and Size %d is not "+
							"compatible with mesh axis of size %d",
						i, j, axisName, meshAxisSpec.PreSize, meshAxisSpec.Size, meshAxisSize)
				}
			}
		}
	}
	return nil
}

// ValidateShape checks the spec against a tensor of the given dimensions:
// a nil spec (fully replicated) is always valid; otherwise the spec must
// itself be valid and no longer in rank than the tensor (tail axes beyond
// the spec's rank are implicitly replicated).
func (s *ShardingSpec) ValidateShape(dims []int) error {
	if s == nil {
		return nil
	}
	if err := s.Validate(); err != nil {
		return err
	}
	if s.Rank() > len(dims) {
		return errors.Errorf("ShardingSpec rank %d is larger than tensor rank %d", s.Rank(), len(dims))
	}
	return nil
}

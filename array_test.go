package distarray_test

import (
	"context"
	"testing"

	"github.com/gomlx/distarray"
	"github.com/gomlx/distarray/indexarith"
	"github.com/gomlx/distarray/internal/simbackend"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"
)

func mustHost(t *testing.T, v any) distarray.HostArray {
	t.Helper()
	h, err := distarray.FromValue(v)
	require.NoError(t, err)
	return h
}

func idx1(start, stop, step int) indexarith.Index {
	return indexarith.Index{{Start: start, Stop: stop, Step: step}}
}

func newReplicaArray(t *testing.T, backend distarray.Backend, host distarray.HostArray, indexMap map[distarray.DeviceID][]indexarith.Index) *distarray.DistributedArray {
	t.Helper()
	devices := make([]distarray.DeviceID, 0, len(indexMap))
	for dev := range indexMap {
		devices = append(devices, dev)
	}
	comms, err := distarray.CreateCommunicators(backend, devices)
	require.NoError(t, err)
	arr, err := distarray.NewDistributedArray(context.Background(), backend, host, indexMap, comms, distarray.ReplicaMode)
	require.NoError(t, err)
	return arr
}

// Scenario 1: replica add.
func TestDistributedArray_ReplicaAdd(t *testing.T) {
	ctx := context.Background()
	backend := simbackend.New()

	indexMap := map[distarray.DeviceID][]indexarith.Index{
		0: {idx1(0, 3, 1)},
		1: {idx1(1, 4, 1)},
	}
	a := newReplicaArray(t, backend, mustHost(t, []float64{1, 2, 3, 4}), indexMap)
	b := newReplicaArray(t, backend, mustHost(t, []float64{10, 20, 30, 40}), indexMap)

	add := func(ins ...[]float64) ([]float64, error) {
		out := make([]float64, len(ins[0]))
		for i := range out {
			out[i] = ins[0][i] + ins[1][i]
		}
		return out, nil
	}

	sum, err := distarray.ElementWise(ctx, add, a, b)
	require.NoError(t, err)

	host, err := sum.Materialize(ctx)
	require.NoError(t, err)
	require.Equal(t, []float64{11, 22, 33, 44}, host.Flat)
}

// Scenario 3: strided overlap, SUM round trip.
func TestDistributedArray_StridedOverlapRoundTrip(t *testing.T) {
	ctx := context.Background()
	backend := simbackend.New()

	indexMap := map[distarray.DeviceID][]indexarith.Index{
		0: {idx1(0, 6, 2)},
		1: {idx1(1, 6, 2)},
	}
	x := newReplicaArray(t, backend, mustHost(t, []float64{0, 1, 2, 3, 4, 5}), indexMap)

	summed, err := x.ToMode(ctx, distarray.SumMode)
	require.NoError(t, err)
	require.Equal(t, distarray.Sum, summed.Mode.Tag)

	replica, err := summed.ToMode(ctx, distarray.ReplicaMode)
	require.NoError(t, err)

	host, err := replica.Materialize(ctx)
	require.NoError(t, err)
	require.Equal(t, []float64{0, 1, 2, 3, 4, 5}, host.Flat)
}

// Scenario 4: overlapping replica -> SUM zero-conflict partition.
func TestDistributedArray_OverlappingReplicaToSum(t *testing.T) {
	ctx := context.Background()
	backend := simbackend.New()

	indexMap := map[distarray.DeviceID][]indexarith.Index{
		0: {idx1(0, 3, 1)},
		1: {idx1(1, 4, 1)},
	}
	x := newReplicaArray(t, backend, mustHost(t, []float64{1, 2, 3, 4}), indexMap)

	summed, err := x.ToMode(ctx, distarray.SumMode)
	require.NoError(t, err)

	host, err := summed.Materialize(ctx)
	require.NoError(t, err)
	require.Equal(t, []float64{1, 2, 3, 4}, host.Flat)
}

// Scenario 5: reshard.
func TestDistributedArray_Reshard(t *testing.T) {
	ctx := context.Background()
	backend := simbackend.New()

	indexMap := map[distarray.DeviceID][]indexarith.Index{
		0: {idx1(0, 3, 1)},
		1: {idx1(1, 4, 1)},
	}
	x := newReplicaArray(t, backend, mustHost(t, []float64{1, 2, 3, 4}), indexMap)

	newIndexMap := map[distarray.DeviceID][]indexarith.Index{
		0: {idx1(0, 4, 1)},
	}
	newComms, err := distarray.CreateCommunicators(backend, []distarray.DeviceID{0})
	require.NoError(t, err)

	resharded, err := x.Reshard(ctx, newIndexMap, newComms)
	require.NoError(t, err)
	require.Equal(t, distarray.Replica, resharded.Mode.Tag)

	host, err := resharded.Materialize(ctx)
	require.NoError(t, err)
	require.Equal(t, []float64{1, 2, 3, 4}, host.Flat)
}

func TestDistributedArray_ReshardRoundTrip(t *testing.T) {
	ctx := context.Background()
	backend := simbackend.New()

	indexMap := map[distarray.DeviceID][]indexarith.Index{
		0: {idx1(0, 3, 1)},
		1: {idx1(1, 4, 1)},
	}
	x := newReplicaArray(t, backend, mustHost(t, []float64{1, 2, 3, 4}), indexMap)

	otherIndexMap := map[distarray.DeviceID][]indexarith.Index{
		0: {idx1(0, 2, 1)},
		1: {idx1(2, 4, 1)},
	}
	otherComms, err := distarray.CreateCommunicators(backend, []distarray.DeviceID{0, 1})
	require.NoError(t, err)

	resharded, err := x.Reshard(ctx, otherIndexMap, otherComms)
	require.NoError(t, err)

	origComms, err := distarray.CreateCommunicators(backend, []distarray.DeviceID{0, 1})
	require.NoError(t, err)
	back, err := resharded.Reshard(ctx, indexMap, origComms)
	require.NoError(t, err)

	host, err := back.Materialize(ctx)
	require.NoError(t, err)
	require.Equal(t, []float64{1, 2, 3, 4}, host.Flat)
}

func TestNewDistributedArray_CoverageError(t *testing.T) {
	ctx := context.Background()
	backend := simbackend.New()

	indexMap := map[distarray.DeviceID][]indexarith.Index{
		0: {idx1(0, 3, 1)}, // leaves element 3 uncovered
	}
	comms, err := distarray.CreateCommunicators(backend, []distarray.DeviceID{0})
	require.NoError(t, err)

	_, err = distarray.NewDistributedArray(ctx, backend, mustHost(t, []float64{1, 2, 3, 4}), indexMap, comms, distarray.ReplicaMode)
	require.ErrorIs(t, err, distarray.ErrCoverage)
}

func TestDistributedArray_ToModeIdempotent(t *testing.T) {
	ctx := context.Background()
	backend := simbackend.New()

	indexMap := map[distarray.DeviceID][]indexarith.Index{
		0: {idx1(0, 4, 1)},
	}
	x := newReplicaArray(t, backend, mustHost(t, []float64{1, 2, 3, 4}), indexMap)

	once, err := x.ToMode(ctx, distarray.SumMode)
	require.NoError(t, err)
	twice, err := once.ToMode(ctx, distarray.SumMode)
	require.NoError(t, err)
	require.Same(t, once, twice)
}

func TestHostArray_FromValue2D(t *testing.T) {
	host, err := distarray.FromValue([][]float64{{1, 2, 3}, {4, 5, 6}})
	require.NoError(t, err)
	require.Equal(t, []int{2, 3}, host.Shape.Dimensions)
	require.Equal(t, dtypes.F64, host.Shape.DType)
	require.Equal(t, []float64{1, 2, 3, 4, 5, 6}, host.Flat)
}

func TestHostArray_FromValueRaggedRejected(t *testing.T) {
	_, err := distarray.FromValue([][]float64{{1, 2, 3}, {4, 5}})
	require.ErrorIs(t, err, distarray.ErrShape)
}

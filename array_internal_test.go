package distarray

import (
	"context"
	"testing"

	"github.com/gomlx/distarray/indexarith"
	"github.com/gomlx/distarray/internal/simbackend"
	"github.com/stretchr/testify/require"
)

func internalSlice(start, stop, step int) indexarith.Index {
	return indexarith.Index{{Start: start, Stop: stop, Step: step}}
}

// Reshard must originate genuine placeholder chunks carrying queued
// updates rather than eagerly-filled buffers, and a placeholder surviving
// through a chain of element-wise ops must materialize correctly on
// first update arrival.
func TestReshard_OriginatesPlaceholders(t *testing.T) {
	ctx := context.Background()
	backend := simbackend.New()

	srcMap := map[DeviceID][]indexarith.Index{0: {internalSlice(0, 4, 1)}}
	host, err := FromValue([]float64{1, 2, 3, 4})
	require.NoError(t, err)
	srcComms, err := CreateCommunicators(backend, []DeviceID{0})
	require.NoError(t, err)
	x, err := NewDistributedArray(ctx, backend, host, srcMap, srcComms, ReplicaMode)
	require.NoError(t, err)

	newIndexMap := map[DeviceID][]indexarith.Index{
		0: {internalSlice(0, 2, 1)},
		1: {internalSlice(2, 4, 1)},
	}
	newComms, err := CreateCommunicators(backend, []DeviceID{0, 1})
	require.NoError(t, err)

	resharded, err := x.Reshard(ctx, newIndexMap, newComms)
	require.NoError(t, err)

	for _, dev := range resharded.sortedDevices() {
		for _, chunk := range resharded.chunksMap[dev] {
			require.True(t, chunk.IsPlaceholder(), "device %d chunk should still be an unresolved placeholder", dev)
			require.True(t, chunk.HasUpdates(), "device %d chunk should carry its queued resharding update", dev)
		}
	}

	yHost, err := FromValue([]float64{10, 20, 30, 40})
	require.NoError(t, err)
	y, err := NewDistributedArray(ctx, backend, yHost, newIndexMap, newComms, ReplicaMode)
	require.NoError(t, err)

	add := func(ins ...[]float64) ([]float64, error) {
		out := make([]float64, len(ins[0]))
		for i := range out {
			out[i] = ins[0][i] + ins[1][i]
		}
		return out, nil
	}

	sum, err := ElementWise(ctx, add, resharded, y)
	require.NoError(t, err)

	for _, dev := range sum.sortedDevices() {
		for _, chunk := range sum.chunksMap[dev] {
			require.True(t, chunk.IsPlaceholder(), "element-wise output over a placeholder operand should itself stay a placeholder")
		}
	}

	result, err := sum.Materialize(ctx)
	require.NoError(t, err)
	require.Equal(t, []float64{11, 22, 33, 44}, result.Flat)
}

package distarray

import (
	"context"
	"sync"

	"github.com/gomlx/distarray/indexarith"
	"github.com/gomlx/gopjrt/dtypes"
	"golang.org/x/sync/errgroup"
)

// ElementWise applies kernel across the given operands. If every operand
// shares the same index map, the kernel runs chunk-by-chunk on each
// device. Otherwise (binary only) it falls back to peer-access mode,
// crossing devices directly for each pair of overlapping shards.
// Grounded on _elementwise.py's _execute/_execute_kernel/_execute_peer_access.
func ElementWise(ctx context.Context, kernel ElementwiseKernel, args ...*DistributedArray) (*DistributedArray, error) {
	if len(args) == 0 {
		return nil, newValueErrorf("element-wise kernel requires at least one operand")
	}
	if sameIndexMap(args) {
		return executeKernel(ctx, kernel, args)
	}
	return executePeerAccess(ctx, kernel, args)
}

func sameIndexMap(args []*DistributedArray) bool {
	first := args[0].indexMap
	for _, arg := range args[1:] {
		if !indexMapsEqual(first, arg.indexMap) {
			return false
		}
	}
	return true
}

func indexMapsEqual(a, b map[DeviceID][]indexarith.Index) bool {
	if len(a) != len(b) {
		return false
	}
	for dev, idxsA := range a {
		idxsB, ok := b[dev]
		if !ok || len(idxsA) != len(idxsB) {
			return false
		}
		for i := range idxsA {
			if !idxsA[i].Equal(idxsB[i]) {
				return false
			}
		}
	}
	return true
}

// ownedUpdates is the single operand's pending-update list surviving
// linearization for one chunk position, or owner == -1 if none survive.
type ownedUpdates struct {
	owner   int
	updates []Update
}

// linearizeUpdates collects pending updates across args for (dev, pos).
// If at most one operand has updates there, they are returned unchanged
// (to be folded lazily by the caller). Otherwise every operand's every
// chunk is force-resolved (apply_updates) so the kernel can read plain
// buffers, and no updates survive. Grounded on _elementwise.py's
// _find_updates.
func linearizeUpdates(ctx context.Context, args []*DistributedArray, dev DeviceID, pos int) (ownedUpdates, error) {
	owner := -1
	for k, arg := range args {
		if arg.chunksMap[dev][pos].HasUpdates() {
			if owner != -1 {
				for _, arg2 := range args {
					for d2, chunks := range arg2.chunksMap {
						device := arg2.backend.Device(d2)
						for _, c2 := range chunks {
							if c2.HasUpdates() {
								if err := c2.ApplyUpdates(ctx, device, arg2.Mode); err != nil {
									return ownedUpdates{owner: -1}, err
								}
							}
						}
					}
				}
				return ownedUpdates{owner: -1}, nil
			}
			owner = k
		}
	}
	if owner == -1 {
		return ownedUpdates{owner: -1}, nil
	}
	return ownedUpdates{owner: owner, updates: args[owner].chunksMap[dev][pos].updates}, nil
}

// executeKernel is the shared-index-map element-wise path. Grounded on
// _elementwise.py's _execute_kernel.
func executeKernel(ctx context.Context, kernel ElementwiseKernel, args []*DistributedArray) (*DistributedArray, error) {
	replicaArgs := make([]*DistributedArray, len(args))
	for i, arg := range args {
		r, err := arg.ToMode(ctx, ReplicaMode)
		if err != nil {
			return nil, err
		}
		replicaArgs[i] = r
	}
	indexMap := replicaArgs[0].indexMap
	backend := replicaArgs[0].backend
	comms := replicaArgs[0].comms
	dtype := replicaArgs[0].Shape.DType

	chunksMap := make(map[DeviceID][]*Chunk, len(indexMap))
	var mu sync.Mutex
	group, _ := errgroup.WithContext(ctx)
	for dev, idxs := range indexMap {
		dev, idxs := dev, idxs
		group.Go(func() error {
			device := backend.Device(dev)
			chunks := make([]*Chunk, len(idxs))
			for i, idx := range idxs {
				chunk, err := executeKernelAtPosition(ctx, kernel, replicaArgs, device, dev, i, idx, dtype)
				if err != nil {
					return err
				}
				chunks[i] = chunk
			}
			mu.Lock()
			chunksMap[dev] = chunks
			mu.Unlock()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	return &DistributedArray{
		Shape:     Shape{DType: dtype, Dimensions: replicaArgs[0].Shape.Dimensions},
		Mode:      ReplicaMode,
		backend:   backend,
		indexMap:  indexMap,
		chunksMap: chunksMap,
		comms:     comms,
	}, nil
}

func executeKernelAtPosition(ctx context.Context, kernel ElementwiseKernel, args []*DistributedArray, device Device, dev DeviceID, pos int, idx indexarith.Index, dtype dtypes.DType) (*Chunk, error) {
	surviving, err := linearizeUpdates(ctx, args, dev, pos)
	if err != nil {
		return nil, err
	}

	anyPlaceholder := false
	var placeholderShape Shape
	operandBufs := make([]Buffer, len(args))
	for k, arg := range args {
		c := arg.chunksMap[dev][pos]
		if c.IsPlaceholder() {
			anyPlaceholder = true
			placeholderShape = c.Shape()
			continue
		}
		if err := c.Ready().Wait(ctx); err != nil {
			return nil, err
		}
		operandBufs[k] = c.Data()
	}

	var outChunk *Chunk
	if anyPlaceholder {
		outChunk = NewPlaceholderChunk(idx, DataPlaceholder{Shape: placeholderShape, Device: dev})
	} else {
		outShape := Shape{DType: dtype, Dimensions: idx.Shape()}
		outBuf, err := device.InvokeElementwise(kernel, outShape, operandBufs...)
		if err != nil {
			return nil, err
		}
		ready := device.Stream().NewEvent()
		ready.Record()
		outChunk = NewChunk(idx, outBuf, ready)
	}

	for _, u := range surviving.updates {
		ins := make([][]float64, len(args))
		for k, arg := range args {
			if k == surviving.owner {
				data, err := u.Transfer.Data.ReadAt(fullIndex(u.Transfer.Data.Shape()))
				if err != nil {
					return nil, err
				}
				ins[k] = data
			} else {
				c := arg.chunksMap[dev][pos]
				if c.IsPlaceholder() {
					if err := arg.resolve(ctx, dev, c); err != nil {
						return nil, err
					}
				}
				if err := c.Ready().Wait(ctx); err != nil {
					return nil, err
				}
				data, err := c.Data().ReadAt(u.LocalIdx)
				if err != nil {
					return nil, err
				}
				ins[k] = data
			}
		}
		if err := u.Transfer.Ready.Wait(ctx); err != nil {
			return nil, err
		}
		result, err := kernel(ins...)
		if err != nil {
			return nil, err
		}

		resultShape := Shape{DType: dtype, Dimensions: u.LocalIdx.Shape()}
		tmpBuf, err := device.Alloc(resultShape)
		if err != nil {
			return nil, err
		}
		if err := tmpBuf.WriteAt(fullIndex(resultShape), result); err != nil {
			return nil, err
		}
		newReady := device.Stream().NewEvent()
		newReady.Record()
		outChunk.AddUpdate(&Transfer{Data: tmpBuf, Ready: newReady, Device: dev}, u.LocalIdx)
	}

	return outChunk, nil
}

// executePeerAccess is the binary, differing-index-map element-wise
// path: every overlapping pair of shards is combined directly across
// devices via the backend's peer-access capability. Grounded on
// _elementwise.py's _execute_peer_access.
func executePeerAccess(ctx context.Context, kernel ElementwiseKernel, args []*DistributedArray) (*DistributedArray, error) {
	if len(args) != 2 {
		return nil, newUnsupportedErrorf(
			"element-wise operation over more than two distributed arrays with differing index maps is not supported (got %d operands)", len(args))
	}
	a, err := args[0].ToMode(ctx, ReplicaMode)
	if err != nil {
		return nil, err
	}
	b, err := args[1].ToMode(ctx, ReplicaMode)
	if err != nil {
		return nil, err
	}

	chunksMap := make(map[DeviceID][]*Chunk, len(a.indexMap))
	for _, devA := range a.sortedDevices() {
		device := a.backend.Device(devA)
		chunks := make([]*Chunk, len(a.chunksMap[devA]))
		for pos, chunkA := range a.chunksMap[devA] {
			if err := a.resolve(ctx, devA, chunkA); err != nil {
				return nil, err
			}
			if err := chunkA.Ready().Wait(ctx); err != nil {
				return nil, err
			}
			outBuf, err := device.Alloc(chunkA.Shape())
			if err != nil {
				return nil, err
			}

			for _, devB := range b.sortedDevices() {
				for _, chunkB := range b.chunksMap[devB] {
					intersection, ok := indexarith.IndexIntersection(chunkA.Index, chunkB.Index, a.Shape.Dimensions)
					if !ok {
						continue
					}
					if devB != devA && !device.PeerAccessible(devB) {
						return nil, newUnsupportedErrorf(
							"device %d cannot peer-access device %d for element-wise kernel", devA, devB)
					}
					aLocal := indexarith.IndexForSubindex(chunkA.Index, intersection, a.Shape.Dimensions)
					bLocal := indexarith.IndexForSubindex(chunkB.Index, intersection, a.Shape.Dimensions)

					if err := b.resolve(ctx, devB, chunkB); err != nil {
						return nil, err
					}
					if err := chunkB.Ready().Wait(ctx); err != nil {
						return nil, err
					}
					aData, err := chunkA.Data().ReadAt(aLocal)
					if err != nil {
						return nil, err
					}
					bData, err := chunkB.Data().ReadAt(bLocal)
					if err != nil {
						return nil, err
					}
					result, err := kernel(aData, bData)
					if err != nil {
						return nil, err
					}
					if err := outBuf.WriteAt(aLocal, result); err != nil {
						return nil, err
					}
				}
			}

			ready := device.Stream().NewEvent()
			ready.Record()
			chunks[pos] = NewChunk(chunkA.Index, outBuf, ready)
		}
		chunksMap[devA] = chunks
	}

	return &DistributedArray{
		Shape:     a.Shape,
		Mode:      ReplicaMode,
		backend:   a.backend,
		indexMap:  a.indexMap,
		chunksMap: chunksMap,
		comms:     a.comms,
	}, nil
}

// normalizeAxis resolves a possibly-negative axis against rank,
// rejecting anything out of bounds.
func normalizeAxis(axis, rank int) (int, error) {
	if axis < 0 {
		axis += rank
	}
	if axis < 0 || axis >= rank {
		return 0, newIndexErrorf("axis %d is out of bounds for array of rank %d", axis, rank)
	}
	return axis, nil
}

func dropAxisFromIndex(idx indexarith.Index, axis int) indexarith.Index {
	result := make(indexarith.Index, 0, len(idx)-1)
	result = append(result, idx[:axis]...)
	result = append(result, idx[axis+1:]...)
	return result
}

// Reduce folds the array along axis using mode's op, dropping axis from
// every chunk index.
//
//   - If mode is not idempotent (e.g. SUM), the array is first converted
//     to mode directly: the operator partition already prevents
//     double-counting, so reducing each shard locally and dropping the
//     axis is exact, and the result stays in mode.
//   - If mode is idempotent (e.g. MAX), the array is first converted to
//     REPLICA so every shard holds true values, reduced locally, then
//     reconciled again (dropping the axis can make previously-disjoint
//     shards newly overlap) and returned as REPLICA.
//
// Grounded on _array.py's __cupy_override_reduction_kernel__.
func (a *DistributedArray) Reduce(ctx context.Context, mode Mode, axis int) (*DistributedArray, error) {
	if !mode.IsOperator() {
		return nil, newUnsupportedErrorf("reduction requires an operator mode with a known op and identity, got REPLICA")
	}
	axis, err := normalizeAxis(axis, a.Shape.Rank())
	if err != nil {
		return nil, err
	}

	var source *DistributedArray
	if mode.Idempotent {
		source, err = a.ToMode(ctx, ReplicaMode)
	} else {
		source, err = a.ToMode(ctx, mode)
	}
	if err != nil {
		return nil, err
	}

	newShape := a.Shape.DropAxis(axis)
	newIndexMap := make(map[DeviceID][]indexarith.Index, len(source.indexMap))
	newChunksMap := make(map[DeviceID][]*Chunk, len(source.chunksMap))
	var mu sync.Mutex
	group, _ := errgroup.WithContext(ctx)
	for _, dev := range source.sortedDevices() {
		dev := dev
		group.Go(func() error {
			device := source.backend.Device(dev)
			chunks := source.chunksMap[dev]
			newIdxs := make([]indexarith.Index, len(chunks))
			newChunks := make([]*Chunk, len(chunks))
			for i, chunk := range chunks {
				if err := source.resolve(ctx, dev, chunk); err != nil {
					return err
				}
				if err := chunk.Ready().Wait(ctx); err != nil {
					return err
				}
				outBuf, err := device.InvokeReduction(chunk.Data(), axis, mode.Op, mode.Identity(newShape.DType))
				if err != nil {
					return err
				}
				newIdx := dropAxisFromIndex(chunk.Index, axis)
				ready := device.Stream().NewEvent()
				ready.Record()
				newIdxs[i] = newIdx
				newChunks[i] = NewChunk(newIdx, outBuf, ready)
			}
			mu.Lock()
			newIndexMap[dev] = newIdxs
			newChunksMap[dev] = newChunks
			mu.Unlock()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	result := &DistributedArray{
		Shape:     newShape,
		Mode:      mode,
		backend:   source.backend,
		indexMap:  newIndexMap,
		chunksMap: newChunksMap,
		comms:     source.comms,
	}
	if !mode.Idempotent {
		return result, nil
	}

	if err := result.allReduceIntersections(ctx, mode.Op, mode.Identity(newShape.DType)); err != nil {
		return nil, err
	}
	result.Mode = ReplicaMode
	return result, nil
}

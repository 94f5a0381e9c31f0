package distarray

import (
	"context"
	"sort"
	"sync"

	"github.com/gomlx/distarray/indexarith"
	"golang.org/x/sync/errgroup"
)

// DistributedArray owns, per device, an ordered sequence of chunks
// covering the declared shape, a reconciliation mode, and the
// collective-communication endpoints shared with every array derived
// from the same parent.
type DistributedArray struct {
	Shape Shape
	Mode  Mode

	backend   Backend
	indexMap  map[DeviceID][]indexarith.Index
	chunksMap map[DeviceID][]*Chunk
	comms     map[DeviceID]Communicator
}

// sortedDevices returns the array's device ids in ascending order, the
// deterministic iteration order used throughout mode conversion and
// resharding (spec's open-question (a): last writer wins by ascending
// device-id order).
func (a *DistributedArray) sortedDevices() []DeviceID {
	devices := make([]DeviceID, 0, len(a.indexMap))
	for d := range a.indexMap {
		devices = append(devices, d)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i] < devices[j] })
	return devices
}

// chunkRef is one (device, position) pair, used to flatten chunksMap into
// the single ordered list mode conversion reasons about.
type chunkRef struct {
	device DeviceID
	pos    int
}

func (a *DistributedArray) flattenChunks() []chunkRef {
	var refs []chunkRef
	for _, dev := range a.sortedDevices() {
		for i := range a.chunksMap[dev] {
			refs = append(refs, chunkRef{device: dev, pos: i})
		}
	}
	return refs
}

func (a *DistributedArray) chunkAt(ref chunkRef) *Chunk {
	return a.chunksMap[ref.device][ref.pos]
}

// NewDistributedArray builds a distributed array from a host buffer, a
// covering index map, and a starting mode. It validates that indexMap
// covers every coordinate of host.Shape before scattering data to
// devices, one device in parallel per goroutine.
func NewDistributedArray(ctx context.Context, backend Backend, host HostArray, indexMap map[DeviceID][]indexarith.Index, comms map[DeviceID]Communicator, mode Mode) (*DistributedArray, error) {
	if !coversShape(host.Shape, indexMap) {
		return nil, newCoverageErrorf("index map does not cover shape %s", host.Shape)
	}

	chunksMap := make(map[DeviceID][]*Chunk, len(indexMap))
	var mu sync.Mutex
	group, _ := errgroup.WithContext(ctx)
	for dev, indices := range indexMap {
		dev, indices := dev, indices
		group.Go(func() error {
			device := backend.Device(dev)
			chunks := make([]*Chunk, len(indices))
			for i, idx := range indices {
				data, err := sliceHost(host, idx)
				if err != nil {
					return err
				}
				shape := Shape{DType: host.Shape.DType, Dimensions: idx.Shape()}
				buf, err := device.Alloc(shape)
				if err != nil {
					return err
				}
				if err := buf.WriteAt(fullIndex(shape), data); err != nil {
					return err
				}
				ready := device.Stream().NewEvent()
				ready.Record()
				chunks[i] = NewChunk(idx, buf, ready)
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
		Shape:     host.Shape,
		Mode:      mode,
		backend:   backend,
		indexMap:  indexMap,
		chunksMap: chunksMap,
		comms:     comms,
	}, nil
}

// coversShape reports whether indexMap's chunk indices, taken together,
// cover every coordinate of shape at least once.
func coversShape(shape Shape, indexMap map[DeviceID][]indexarith.Index) bool {
	total := shape.Size()
	if total == 0 {
		return true
	}
	covered := make([]bool, total)
	remaining := total
	strides := rowMajorStrides(shape.Dimensions)

	for _, indices := range indexMap {
		for _, idx := range indices {
			forEachCoordinate(idx, func(coords []int) {
				off := 0
				for d, c := range coords {
					off += c * strides[d]
				}
				if !covered[off] {
					covered[off] = true
					remaining--
				}
			})
		}
	}
	return remaining == 0
}

func rowMajorStrides(dims []int) []int {
	s := make([]int, len(dims))
	acc := 1
	for i := len(dims) - 1; i >= 0; i-- {
		s[i] = acc
		acc *= dims[i]
	}
	return s
}

// forEachCoordinate calls fn with the global coordinates of every
// element idx covers, in row-major order of idx.
func forEachCoordinate(idx indexarith.Index, fn func(coords []int)) {
	shape := idx.Shape()
	coords := make([]int, len(idx))
	var rec func(dim int)
	rec = func(dim int) {
		if dim == len(idx) {
			global := make([]int, len(idx))
			for d, c := range coords {
				global[d] = idx[d].Start + c*idx[d].Step
			}
			fn(global)
			return
		}
		for i := 0; i < shape[dim]; i++ {
			coords[dim] = i
			rec(dim + 1)
		}
	}
	rec(0)
}

// sliceHost extracts, in row-major order of idx, the elements of host
// covered by idx.
func sliceHost(host HostArray, idx indexarith.Index) ([]float64, error) {
	if len(idx) != len(host.Shape.Dimensions) {
		return nil, newShapeErrorf("index rank %d does not match host array rank %d", len(idx), len(host.Shape.Dimensions))
	}
	strides := rowMajorStrides(host.Shape.Dimensions)
	shape := idx.Shape()
	total := 1
	for _, d := range shape {
		total *= d
	}
	out := make([]float64, 0, total)
	forEachCoordinate(idx, func(coords []int) {
		off := 0
		for d, c := range coords {
			off += c * strides[d]
		}
		out = append(out, host.Flat[off])
	})
	return out, nil
}

// resolve ensures chunk has a real buffer with no pending updates,
// applying them under a.Mode if necessary.
func (a *DistributedArray) resolve(ctx context.Context, dev DeviceID, chunk *Chunk) error {
	if chunk.IsPlaceholder() || chunk.HasUpdates() {
		return chunk.ApplyUpdates(ctx, a.backend.Device(dev), a.Mode)
	}
	return nil
}

// copyChunks deep-copies every chunk (one goroutine per device), used by
// mode conversion so conversions produce new chunks rather than mutating
// the original array's identities.
func (a *DistributedArray) copyChunks(ctx context.Context) (map[DeviceID][]*Chunk, error) {
	result := make(map[DeviceID][]*Chunk, len(a.chunksMap))
	var mu sync.Mutex
	group, _ := errgroup.WithContext(ctx)
	for dev, chunks := range a.chunksMap {
		dev, chunks := dev, chunks
		group.Go(func() error {
			device := a.backend.Device(dev)
			copies := make([]*Chunk, len(chunks))
			for i, c := range chunks {
				if err := a.resolve(ctx, dev, c); err != nil {
					return err
				}
				dup, err := c.Copy(device)
				if err != nil {
					return err
				}
				copies[i] = dup
			}
			mu.Lock()
			result[dev] = copies
			mu.Unlock()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}

// withChunks returns a new array sharing this array's shape, index map,
// backend and comms, but with mode and chunksMap replaced -- the
// "conversions produce new chunks" rule from the design notes.
func (a *DistributedArray) withChunks(mode Mode, chunksMap map[DeviceID][]*Chunk) *DistributedArray {
	return &DistributedArray{
		Shape:     a.Shape,
		Mode:      mode,
		backend:   a.backend,
		indexMap:  a.indexMap,
		chunksMap: chunksMap,
		comms:     a.comms,
	}
}

// ToMode converts the array to target, idempotent: returns the receiver
// unchanged if already in target.
func (a *DistributedArray) ToMode(ctx context.Context, target Mode) (*DistributedArray, error) {
	if target.Tag == a.Mode.Tag {
		return a, nil
	}
	if a.Mode.IsOperator() && target.IsOperator() {
		// op1 -> op2: convert via REPLICA.
		replica, err := a.ToMode(ctx, ReplicaMode)
		if err != nil {
			return nil, err
		}
		return replica.ToMode(ctx, target)
	}
	if a.Mode.IsOperator() {
		return a.toReplica(ctx)
	}
	return a.toOperator(ctx, target)
}

// toReplica implements op -> REPLICA: an all-reduce over overlaps so
// every overlapping coordinate ends up holding the same folded value.
// Grounded on _array.py's to_replica_mode/_all_reduce_intersections.
func (a *DistributedArray) toReplica(ctx context.Context) (*DistributedArray, error) {
	chunksMap, err := a.copyChunks(ctx)
	if err != nil {
		return nil, err
	}
	result := a.withChunks(ReplicaMode, chunksMap)
	if err := result.allReduceIntersections(ctx, a.Mode.Op, a.Mode.Identity(a.Shape.DType)); err != nil {
		return nil, err
	}
	return result, nil
}

// allReduceIntersections reconciles every pair of this array's chunks
// under op: a forward fold-and-zero sweep (src folded into dst, then
// src's contribution zeroed so it isn't double-counted) followed by a
// backward broadcast sweep so every overlapping chunk ends up holding
// the same, fully-folded value. Grounded on
// _array.py's _all_reduce_intersections.
func (a *DistributedArray) allReduceIntersections(ctx context.Context, op func(x, y float64) float64, identity float64) error {
	refs := a.flattenChunks()
	for i := 0; i < len(refs); i++ {
		src := a.chunkAt(refs[i])
		for j := i + 1; j < len(refs); j++ {
			dst := a.chunkAt(refs[j])
			if err := a.foldIntersection(ctx, src, dst, op); err != nil {
				return err
			}
			if err := a.zeroIntersection(ctx, src, dst.Index, identity); err != nil {
				return err
			}
		}
	}
	for j := len(refs) - 1; j >= 0; j-- {
		src := a.chunkAt(refs[j])
		for i := 0; i < j; i++ {
			dst := a.chunkAt(refs[i])
			if err := a.sendIntersection(ctx, src, dst); err != nil {
				return err
			}
		}
	}
	return nil
}

// toOperator implements REPLICA -> op: for each pair (i,j) with i < j in
// flattened chunk order, zero the portion of chunk i that intersects
// chunk j, so the fold over the
// operator equals the replica value (overlapping shards held equal
// values, so leaving one contributor and zeroing the rest is exact).
// Grounded on _array.py's to_sum_mode/_set_zero_on_intersection.
func (a *DistributedArray) toOperator(ctx context.Context, target Mode) (*DistributedArray, error) {
	chunksMap, err := a.copyChunks(ctx)
	if err != nil {
		return nil, err
	}
	result := a.withChunks(target, chunksMap)
	refs := result.flattenChunks()
	identity := target.Identity(a.Shape.DType)

	for i := 0; i < len(refs); i++ {
		src := result.chunkAt(refs[i])
		for j := i + 1; j < len(refs); j++ {
			dst := result.chunkAt(refs[j])
			if err := result.zeroIntersection(ctx, src, dst.Index, identity); err != nil {
				return nil, err
			}
		}
	}
	return result, nil
}

// foldIntersection folds src's contribution at the region it shares with
// dst into dst's buffer via op, crossing devices through the transfer
// engine if necessary.
func (a *DistributedArray) foldIntersection(ctx context.Context, src, dst *Chunk, op func(x, y float64) float64) error {
	intersection, ok := indexarith.IndexIntersection(src.Index, dst.Index, a.Shape.Dimensions)
	if !ok {
		return nil
	}
	srcLocal := indexarith.IndexForSubindex(src.Index, intersection, a.Shape.Dimensions)
	dstLocal := indexarith.IndexForSubindex(dst.Index, intersection, a.Shape.Dimensions)

	payload, err := a.fetchAt(ctx, src, srcLocal, dst.Device())
	if err != nil {
		return err
	}
	current, err := dst.Data().ReadAt(dstLocal)
	if err != nil {
		return err
	}
	folded := make([]float64, len(current))
	for i := range current {
		folded[i] = op(current[i], payload[i])
	}
	return dst.Data().WriteAt(dstLocal, folded)
}

// sendIntersection overwrites dst's region intersecting src with src's
// current value there (a direct copy, no fold); used for the backward
// broadcast sweep.
func (a *DistributedArray) sendIntersection(ctx context.Context, src, dst *Chunk) error {
	intersection, ok := indexarith.IndexIntersection(src.Index, dst.Index, a.Shape.Dimensions)
	if !ok {
		return nil
	}
	srcLocal := indexarith.IndexForSubindex(src.Index, intersection, a.Shape.Dimensions)
	dstLocal := indexarith.IndexForSubindex(dst.Index, intersection, a.Shape.Dimensions)

	payload, err := a.fetchAt(ctx, src, srcLocal, dst.Device())
	if err != nil {
		return err
	}
	return dst.Data().WriteAt(dstLocal, payload)
}

// zeroIntersection overwrites chunk's region intersecting otherIdx with
// value (the target mode's identity), on chunk's own device.
func (a *DistributedArray) zeroIntersection(ctx context.Context, chunk *Chunk, otherIdx indexarith.Index, value float64) error {
	intersection, ok := indexarith.IndexIntersection(chunk.Index, otherIdx, a.Shape.Dimensions)
	if !ok {
		return nil
	}
	local := indexarith.IndexForSubindex(chunk.Index, intersection, a.Shape.Dimensions)
	shape := local.Shape()
	total := 1
	for _, d := range shape {
		total *= d
	}
	filler := make([]float64, total)
	for i := range filler {
		filler[i] = value
	}
	return chunk.Data().WriteAt(local, filler)
}

// fetchAt reads src's data at localIdx, moving it to dstDevice through
// the transfer engine if src isn't already resident there, and blocks
// until the transfer completes.
func (a *DistributedArray) fetchAt(ctx context.Context, src *Chunk, localIdx indexarith.Index, dstDevice DeviceID) ([]float64, error) {
	if src.Device() == dstDevice {
		return src.Data().ReadAt(localIdx)
	}
	transfer, err := a.transferAt(ctx, src, localIdx, dstDevice)
	if err != nil {
		return nil, err
	}
	if err := transfer.Ready.Wait(ctx); err != nil {
		return nil, err
	}
	return transfer.Data.ReadAll(), nil
}

// transferAt moves src's data at localIdx to dstDevice through the
// transfer engine, without waiting for it to land: the caller either
// blocks on the result itself (fetchAt) or queues it as a chunk's
// pending update to be resolved lazily (queueIntersection).
func (a *DistributedArray) transferAt(ctx context.Context, src *Chunk, localIdx indexarith.Index, dstDevice DeviceID) (*Transfer, error) {
	raw, err := src.Data().ReadAt(localIdx)
	if err != nil {
		return nil, err
	}
	shape := Shape{DType: a.Shape.DType, Dimensions: localIdx.Shape()}
	srcDev := a.backend.Device(src.Device())
	tmp, err := srcDev.Alloc(shape)
	if err != nil {
		return nil, err
	}
	if err := tmp.WriteAt(fullIndex(shape), raw); err != nil {
		return nil, err
	}
	ready := srcDev.Stream().NewEvent()
	ready.Record()

	return TransferTo(ctx, a.backend, a.comms, ManagedData{Data: tmp, Ready: ready}, dstDevice)
}

// queueIntersection attaches src's contribution at the region it shares
// with dst as a pending update on dst, instead of blocking on the
// transfer: dst starts (or remains) a placeholder until something reads
// it and forces ApplyUpdates to resolve the queue. This is how Reshard
// originates genuine placeholder chunks.
func (a *DistributedArray) queueIntersection(ctx context.Context, src, dst *Chunk) error {
	intersection, ok := indexarith.IndexIntersection(src.Index, dst.Index, a.Shape.Dimensions)
	if !ok {
		return nil
	}
	srcLocal := indexarith.IndexForSubindex(src.Index, intersection, a.Shape.Dimensions)
	dstLocal := indexarith.IndexForSubindex(dst.Index, intersection, a.Shape.Dimensions)

	transfer, err := a.transferAt(ctx, src, srcLocal, dst.Device())
	if err != nil {
		return err
	}
	dst.AddUpdate(transfer, dstLocal)
	return nil
}

// Reshard converts to REPLICA and originates, for each new shard, a
// placeholder chunk carrying one queued update per overlapping old shard
// (iterated in ascending device-id order, so last writer wins on
// doubly-covered coordinates, spec's open-question (a)). The new chunks
// stay unresolved until something reads them forces ApplyUpdates; the
// result is REPLICA.
func (a *DistributedArray) Reshard(ctx context.Context, newIndexMap map[DeviceID][]indexarith.Index, newComms map[DeviceID]Communicator) (*DistributedArray, error) {
	if !coversShape(a.Shape, newIndexMap) {
		return nil, newCoverageErrorf("reshard target index map does not cover shape %s", a.Shape)
	}
	replica, err := a.ToMode(ctx, ReplicaMode)
	if err != nil {
		return nil, err
	}

	// Resharding reads source chunks directly (queueIntersection ->
	// transferAt -> src.Data()), so any source that is itself still an
	// unresolved placeholder (e.g. the output of a prior Reshard) must be
	// forced to a real buffer first.
	srcRefs := replica.flattenChunks()
	for _, ref := range srcRefs {
		if err := replica.resolve(ctx, ref.device, replica.chunkAt(ref)); err != nil {
			return nil, err
		}
	}

	newChunksMap := make(map[DeviceID][]*Chunk, len(newIndexMap))
	for dev, indices := range newIndexMap {
		chunks := make([]*Chunk, len(indices))
		for i, idx := range indices {
			shape := Shape{DType: replica.Shape.DType, Dimensions: idx.Shape()}
			dstChunk := NewPlaceholderChunk(idx, DataPlaceholder{Shape: shape, Device: dev})
			for _, ref := range srcRefs {
				src := replica.chunkAt(ref)
				if err := replica.queueIntersection(ctx, src, dstChunk); err != nil {
					return nil, err
				}
			}
			chunks[i] = dstChunk
		}
		newChunksMap[dev] = chunks
	}

	return &DistributedArray{
		Shape:     replica.Shape,
		Mode:      ReplicaMode,
		backend:   replica.backend,
		indexMap:  newIndexMap,
		chunksMap: newChunksMap,
		comms:     newComms,
	}, nil
}

// Materialize copies the array's shards into a single host buffer. In
// REPLICA, later devices (ascending id order) overwrite earlier ones at
// overlaps (values are equal there by D2). In operator mode, the host
// buffer starts at the mode's identity and folds every shard in via
// Mode.Op.
func (a *DistributedArray) Materialize(ctx context.Context) (HostArray, error) {
	flat := make([]float64, a.Shape.Size())
	if a.Mode.IsOperator() {
		identity := a.Mode.Identity(a.Shape.DType)
		for i := range flat {
			flat[i] = identity
		}
	}
	strides := rowMajorStrides(a.Shape.Dimensions)

	for _, dev := range a.sortedDevices() {
		for _, chunk := range a.chunksMap[dev] {
			if err := a.resolve(ctx, dev, chunk); err != nil {
				return HostArray{}, err
			}
			if err := chunk.Ready().Wait(ctx); err != nil {
				return HostArray{}, err
			}
			data := chunk.Data().ReadAll()
			i := 0
			forEachCoordinate(chunk.Index, func(coords []int) {
				off := 0
				for d, c := range coords {
					off += c * strides[d]
				}
				if a.Mode.IsOperator() {
					flat[off] = a.Mode.Op(flat[off], data[i])
				} else {
					flat[off] = data[i]
				}
				i++
			})
		}
	}
	return HostArray{Shape: a.Shape, Flat: flat}, nil
}

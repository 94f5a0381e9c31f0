// Package simbackend is an in-memory reference implementation of
// distarray.Backend, used by this module's own tests in place of a real
// GPU/PJRT backend. Every device runs on its own goroutine-free, mutex-
// serialized stream (there is no real concurrency to exploit inside a
// single process's plain slices, but the interface shape — one stream per
// device, event-ordered cross-stream dependencies — matches what a real
// backend provides).
package simbackend

import (
	"context"
	"sync"

	"github.com/gomlx/distarray"
	"github.com/gomlx/distarray/indexarith"
	"github.com/pkg/errors"
)

// Backend is the in-memory distarray.Backend.
type Backend struct {
	mu      sync.Mutex
	devices map[distarray.DeviceID]*device
	// peers, when set, restricts PeerAccessible to the given pairs;
	// nil means every device can peer-access every other.
	peers map[[2]distarray.DeviceID]bool
}

// New returns an empty simulated backend.
func New() *Backend {
	return &Backend{devices: make(map[distarray.DeviceID]*device)}
}

// DenyPeerAccess configures the backend so a's device cannot directly
// access b's memory (and vice versa), forcing the executor's peer-access
// path to report unavailability where exercised by a test.
func (b *Backend) DenyPeerAccess(a, b2 distarray.DeviceID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.peers == nil {
		b.peers = make(map[[2]distarray.DeviceID]bool)
	}
	b.peers[[2]distarray.DeviceID{a, b2}] = false
	b.peers[[2]distarray.DeviceID{b2, a}] = false
}

// Device implements distarray.Backend.
func (b *Backend) Device(id distarray.DeviceID) distarray.Device {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.devices[id]
	if !ok {
		d = &device{id: id, backend: b}
		d.strm = &stream{device: d}
		b.devices[id] = d
	}
	return d
}

// Communicators implements distarray.Backend. The simulated backend has
// no collective library; it always returns nil communicators so the
// transfer engine exercises its device-to-device copy fallback.
func (b *Backend) Communicators(devices []distarray.DeviceID) (map[distarray.DeviceID]distarray.Communicator, error) {
	result := make(map[distarray.DeviceID]distarray.Communicator, len(devices))
	for _, id := range devices {
		result[id] = nil
	}
	return result, nil
}

func (b *Backend) peerAccessible(a, b2 distarray.DeviceID) bool {
	if a == b2 {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.peers == nil {
		return true
	}
	allowed, found := b.peers[[2]distarray.DeviceID{a, b2}]
	if !found {
		return true
	}
	return allowed
}

type device struct {
	id      distarray.DeviceID
	backend *Backend
	strm    *stream
}

func (d *device) ID() distarray.DeviceID  { return d.id }
func (d *device) Stream() distarray.Stream { return d.strm }

func (d *device) Alloc(shape distarray.Shape) (distarray.Buffer, error) {
	return newBuffer(d.id, shape, make([]float64, shape.Size())), nil
}

func (d *device) AllocFilled(shape distarray.Shape, value float64) (distarray.Buffer, error) {
	data := make([]float64, shape.Size())
	for i := range data {
		data[i] = value
	}
	return newBuffer(d.id, shape, data), nil
}

func (d *device) CopyBuffer(src distarray.Buffer) (distarray.Buffer, error) {
	if src.Device() != d.id {
		return nil, errors.Errorf("simbackend: CopyBuffer called on device %d for a buffer resident on %d", d.id, src.Device())
	}
	data := append([]float64(nil), src.ReadAll()...)
	return newBuffer(d.id, src.Shape(), data), nil
}

func (d *device) InvokeElementwise(kernel distarray.ElementwiseKernel, shape distarray.Shape, ins ...distarray.Buffer) (distarray.Buffer, error) {
	flatIns := make([][]float64, len(ins))
	for i, in := range ins {
		flatIns[i] = in.ReadAll()
	}
	out, err := kernel(flatIns...)
	if err != nil {
		return nil, err
	}
	return newBuffer(d.id, shape, out), nil
}

func (d *device) InvokeReduction(in distarray.Buffer, axis int, op func(a, b float64) float64, identity float64) (distarray.Buffer, error) {
	inShape := in.Shape()
	outShape := inShape.DropAxis(axis)
	out := make([]float64, outShape.Size())
	for i := range out {
		out[i] = identity
	}

	inStrides := strides(inShape.Dimensions)
	outStrides := strides(outShape.Dimensions)
	flat := in.ReadAll()

	coords := make([]int, len(inShape.Dimensions))
	for linear := 0; linear < len(flat); linear++ {
		rem := linear
		for d, stride := range inStrides {
			coords[d] = rem / stride
			rem %= stride
		}
		outOffset := 0
		od := 0
		for d, c := range coords {
			if d == axis {
				continue
			}
			outOffset += c * outStrides[od]
			od++
		}
		out[outOffset] = op(out[outOffset], flat[linear])
	}

	return newBuffer(d.id, outShape, out), nil
}

func (d *device) PeerAccessible(other distarray.DeviceID) bool {
	return d.backend.peerAccessible(d.id, other)
}

type stream struct {
	mu     sync.Mutex
	device *device
}

func (s *stream) Device() distarray.DeviceID { return s.device.id }

func (s *stream) NewEvent() distarray.Event {
	return &event{ch: make(chan struct{})}
}

func (s *stream) EnqueueCopy(dst, src distarray.Buffer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data := append([]float64(nil), src.ReadAll()...)
	return dst.WriteAt(fullIndex(dst.Shape()), data)
}

type event struct {
	once  sync.Once
	ch    chan struct{}
}

func (e *event) Record() {
	e.once.Do(func() { close(e.ch) })
}

func (e *event) Wait(ctx context.Context) error {
	select {
	case <-e.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type buffer struct {
	mu     sync.Mutex
	device distarray.DeviceID
	shape  distarray.Shape
	data   []float64
}

func newBuffer(dev distarray.DeviceID, shape distarray.Shape, data []float64) *buffer {
	return &buffer{device: dev, shape: shape, data: data}
}

func (b *buffer) Device() distarray.DeviceID { return b.device }
func (b *buffer) Shape() distarray.Shape     { return b.shape }

func (b *buffer) ReadAll() []float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]float64(nil), b.data...)
}

func (b *buffer) ReadAt(localIdx indexarith.Index) ([]float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	offsets, err := offsetsFor(b.shape.Dimensions, localIdx)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(offsets))
	for i, off := range offsets {
		out[i] = b.data[off]
	}
	return out, nil
}

func (b *buffer) WriteAt(localIdx indexarith.Index, data []float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	offsets, err := offsetsFor(b.shape.Dimensions, localIdx)
	if err != nil {
		return err
	}
	if len(data) != len(offsets) {
		return errors.Errorf("simbackend: WriteAt expected %d values, got %d", len(offsets), len(data))
	}
	for i, off := range offsets {
		b.data[off] = data[i]
	}
	return nil
}

// strides returns the row-major strides for dims.
func strides(dims []int) []int {
	s := make([]int, len(dims))
	acc := 1
	for i := len(dims) - 1; i >= 0; i-- {
		s[i] = acc
		acc *= dims[i]
	}
	return s
}

// offsetsFor returns the flat, row-major offsets into a buffer shaped by
// dims covered by idx, in row-major order of idx itself.
func offsetsFor(dims []int, idx indexarith.Index) ([]int, error) {
	if len(idx) != len(dims) {
		return nil, errors.Errorf("simbackend: index has %d dimensions, buffer has %d", len(idx), len(dims))
	}
	s := strides(dims)

	shape := idx.Shape()
	total := 1
	for _, d := range shape {
		total *= d
	}
	offsets := make([]int, 0, total)

	coords := make([]int, len(idx))
	var rec func(dim int)
	rec = func(dim int) {
		if dim == len(idx) {
			off := 0
			for d, c := range coords {
				off += (idx[d].Start + c*idx[d].Step) * s[d]
			}
			offsets = append(offsets, off)
			return
		}
		for i := 0; i < shape[dim]; i++ {
			coords[dim] = i
			rec(dim + 1)
		}
	}
	rec(0)
	return offsets, nil
}

func fullIndex(shape distarray.Shape) indexarith.Index {
	idx := make(indexarith.Index, len(shape.Dimensions))
	for i, d := range shape.Dimensions {
		idx[i] = indexarith.Slice{Start: 0, Stop: d, Step: 1}
	}
	return idx
}

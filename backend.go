package distarray

import (
	"context"

	"github.com/gomlx/distarray/indexarith"
)

// DeviceID identifies one device in the underlying array runtime.
type DeviceID int

// ElementwiseKernel computes an output flat buffer from one or more input
// flat buffers of equal length, in row-major order of the chunk shape
// they were read from.
type ElementwiseKernel func(ins ...[]float64) ([]float64, error)

// Backend is the required external array runtime: allocation, per-device
// streams and events, device-to-device copy, peer-access capability, and
// kernel invocation. It is out of scope for this module's own
// implementation (a real backend is GPU/PJRT-resident); only the
// interface is referenced here. internal/simbackend provides an
// in-memory implementation used by this module's tests.
type Backend interface {
	// Device returns the device runtime for id, creating it on first use.
	Device(id DeviceID) Device
	// Communicators builds (or returns a cached) set of collective
	// endpoints spanning devices. A nil Communicator on a device signals
	// the transfer engine should fall back to device-to-device copies.
	Communicators(devices []DeviceID) (map[DeviceID]Communicator, error)
}

// Device is a single accelerator's execution context: it owns one stream
// and exposes allocation and kernel-invocation primitives.
type Device interface {
	ID() DeviceID
	Stream() Stream

	// Alloc allocates an uninitialized buffer of shape on this device.
	Alloc(shape Shape) (Buffer, error)
	// AllocFilled allocates a buffer of shape on this device, every
	// element set to value.
	AllocFilled(shape Shape, value float64) (Buffer, error)
	// CopyBuffer returns a new, independent buffer with src's contents,
	// resident on this device. src must already be resident here.
	CopyBuffer(src Buffer) (Buffer, error)

	// InvokeElementwise runs kernel against the full contents of ins
	// (which must share a shape and be resident on this device),
	// returning a new buffer of that shape.
	InvokeElementwise(kernel ElementwiseKernel, shape Shape, ins ...Buffer) (Buffer, error)
	// InvokeReduction folds in along axis using op, seeded with identity,
	// returning a new buffer with axis dropped from the shape.
	InvokeReduction(in Buffer, axis int, op func(a, b float64) float64, identity float64) (Buffer, error)

	// PeerAccessible reports whether this device can directly address
	// memory resident on other.
	PeerAccessible(other DeviceID) bool
}

// Stream is a device's command queue: operations enqueued on it execute
// in submission order; different devices' streams run concurrently.
type Stream interface {
	Device() DeviceID
	// NewEvent returns an event that, once Record is called, fires after
	// every operation enqueued on this stream up to that point completes.
	NewEvent() Event
	// EnqueueCopy enqueues a device-to-device copy of src into dst; used
	// when no collective communicator is available (§4.D fallback). It
	// takes no event, so it does not wait on src's readiness itself:
	// TransferTo waits on it before calling EnqueueCopy.
	EnqueueCopy(dst, src Buffer) error
}

// Event is an ordering token: producers record it after a write,
// consumers wait on it before reading.
type Event interface {
	// Record marks this event as pending completion of everything
	// enqueued on its stream so far.
	Record()
	// Wait blocks until the event fires or ctx is cancelled.
	Wait(ctx context.Context) error
}

// Buffer is a device-resident contiguous slab. Reads and writes are
// expressed in terms of a local index (coordinates within the buffer's
// own shape), per indexarith.
type Buffer interface {
	Device() DeviceID
	Shape() Shape

	// ReadAll returns every element in row-major order.
	ReadAll() []float64
	// ReadAt returns the elements covered by localIdx, in row-major order
	// of localIdx.
	ReadAt(localIdx indexarith.Index) ([]float64, error)
	// WriteAt overwrites the elements covered by localIdx with data, in
	// row-major order of localIdx.
	WriteAt(localIdx indexarith.Index, data []float64) error
}

// Communicator is the optional collective-communication endpoint for one
// device within a device set: point-to-point send/recv grouped by
// groupStart/groupEnd. When a Backend returns a nil Communicator for a
// device, the transfer engine falls back to Stream.EnqueueCopy.
type Communicator interface {
	Device() DeviceID
	Send(buf Buffer, peer DeviceID) error
	Recv(buf Buffer, peer DeviceID) error
	GroupStart()
	GroupEnd() error
}

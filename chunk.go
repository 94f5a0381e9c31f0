package distarray

import (
	"context"

	"github.com/gomlx/distarray/indexarith"
	"github.com/gomlx/gopjrt/dtypes"
)

// DataPlaceholder stands in for a chunk's buffer before it exists: a
// chunk can be produced (as the output of a kernel whose input chunk was
// itself a placeholder) before its dtype is known. It carries only shape
// and device; DType may be dtypes.INVALID until the first update resolves
// it.
type DataPlaceholder struct {
	Shape  Shape
	Device DeviceID
}

// Update is a deferred write attached to a chunk: a transfer (a buffer
// produced elsewhere, already in flight to this device) plus the
// subregion of the chunk's data it affects.
type Update struct {
	Transfer *Transfer
	LocalIdx indexarith.Index
}

// Chunk is one device-resident shard of a distributed array: either a
// real buffer or a placeholder, a readiness event, the chunk index it
// covers in the global array, and a queue of pending partial updates.
type Chunk struct {
	Index indexarith.Index

	buffer      Buffer
	placeholder *DataPlaceholder
	ready       Event
	updates     []Update
	preventGC   []any
}

// NewChunk returns a chunk already holding data, with ready as its
// initial readiness token.
func NewChunk(index indexarith.Index, data Buffer, ready Event) *Chunk {
	return &Chunk{Index: index, buffer: data, ready: ready}
}

// NewPlaceholderChunk returns a chunk with no buffer yet.
func NewPlaceholderChunk(index indexarith.Index, placeholder DataPlaceholder) *Chunk {
	return &Chunk{Index: index, placeholder: &placeholder}
}

// IsPlaceholder reports whether the chunk has no resident buffer.
func (c *Chunk) IsPlaceholder() bool {
	return c.buffer == nil
}

// Data returns the chunk's resident buffer. Callers must ensure
// ApplyUpdates has resolved any placeholder and Ready has fired first.
func (c *Chunk) Data() Buffer {
	return c.buffer
}

// Ready returns the chunk's current readiness token, or nil for an
// unresolved placeholder.
func (c *Chunk) Ready() Event {
	return c.ready
}

// Device returns the device this chunk is resident on.
func (c *Chunk) Device() DeviceID {
	if c.buffer != nil {
		return c.buffer.Device()
	}
	return c.placeholder.Device
}

// Shape returns the chunk's declared shape (its data's shape, or the
// placeholder's).
func (c *Chunk) Shape() Shape {
	if c.buffer != nil {
		return c.buffer.Shape()
	}
	return c.placeholder.Shape
}

// Copy deep-copies the chunk's data on its owning device's stream,
// preserving update-list references (the copy shares the same pending
// updates, which is safe since updates are only ever appended, never
// mutated in place). Placeholder chunks copy as themselves: there is no
// buffer yet to duplicate.
func (c *Chunk) Copy(dev Device) (*Chunk, error) {
	if c.IsPlaceholder() {
		ph := *c.placeholder
		clone := NewPlaceholderChunk(c.Index, ph)
		clone.updates = append([]Update(nil), c.updates...)
		return clone, nil
	}
	dup, err := dev.CopyBuffer(c.buffer)
	if err != nil {
		return nil, err
	}
	clone := NewChunk(c.Index, dup, c.ready)
	clone.updates = append([]Update(nil), c.updates...)
	return clone, nil
}

// AddUpdate appends a pending update to the chunk without touching data.
func (c *Chunk) AddUpdate(transfer *Transfer, localIdx indexarith.Index) {
	c.updates = append(c.updates, Update{Transfer: transfer, LocalIdx: localIdx})
}

// HasUpdates reports whether the chunk has pending updates.
func (c *Chunk) HasUpdates() bool {
	return len(c.updates) > 0
}

// ApplyUpdates folds all pending updates into data, materializing a
// placeholder on first use. See spec: wait on each update's readiness
// token in arrival order, write (REPLICA) or fold via mode.Op (operator
// mode) into the local sub-region, then record a new readiness token and
// retire the old updates into the retention chain.
func (c *Chunk) ApplyUpdates(ctx context.Context, dev Device, mode Mode) error {
	if len(c.updates) == 0 {
		if c.IsPlaceholder() {
			return newValueErrorf("cannot apply zero updates to an unresolved placeholder chunk")
		}
		return nil
	}

	if c.IsPlaceholder() {
		dtype := c.placeholder.Shape.DType
		if dtype == dtypes.INVALID {
			dtype = c.updates[0].Transfer.Data.Shape().DType
		}
		shape := Shape{DType: dtype, Dimensions: c.placeholder.Shape.Dimensions}

		var buf Buffer
		var err error
		if mode.IsOperator() {
			buf, err = dev.AllocFilled(shape, mode.Identity(dtype))
		} else {
			buf, err = dev.Alloc(shape)
		}
		if err != nil {
			return err
		}
		c.buffer = buf
		c.placeholder = nil
	}

	for _, u := range c.updates {
		if err := u.Transfer.Ready.Wait(ctx); err != nil {
			return err
		}
		payload, err := u.Transfer.Data.ReadAt(fullIndex(u.Transfer.Data.Shape()))
		if err != nil {
			return err
		}

		if mode.IsOperator() {
			current, err := c.buffer.ReadAt(u.LocalIdx)
			if err != nil {
				return err
			}
			folded := make([]float64, len(current))
			for i := range current {
				folded[i] = mode.Op(current[i], payload[i])
			}
			if err := c.buffer.WriteAt(u.LocalIdx, folded); err != nil {
				return err
			}
		} else {
			if err := c.buffer.WriteAt(u.LocalIdx, payload); err != nil {
				return err
			}
		}
	}

	newReady := dev.Stream().NewEvent()
	newReady.Record()
	c.preventGC = append(c.preventGC, c.updates)
	c.updates = nil
	c.ready = newReady
	return nil
}

// fullIndex returns the index covering shape's entire extent.
func fullIndex(shape Shape) indexarith.Index {
	idx := make(indexarith.Index, len(shape.Dimensions))
	for i, d := range shape.Dimensions {
		idx[i] = indexarith.Slice{Start: 0, Stop: d, Step: 1}
	}
	return idx
}

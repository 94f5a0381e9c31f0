// Package distarray implements a distributed multi-dimensional array: a
// logical tensor whose data is sharded or replicated as chunks across a set
// of devices, each described by a strided index into the logical shape.
//
// Among its features:
//
// - Index algebra over strided slices (package indexarith): intersection,
//   sub-slice mapping, and shape inference for overlapping chunks.
// - REPLICA and operator (SUM, MAX) consistency modes, with conversion
//   between them driven by an all-reduce sweep over overlapping chunks.
// - Lazy partial updates: a chunk can carry pending updates instead of being
//   eagerly recomputed, resolved on first read.
// - Resharding to a new chunk layout, and a distributed kernel executor for
//   element-wise operations and axis reductions, including a peer-access
//   fallback when operands don't share an index map.
//
// It does not implement an actual multi-device runtime: backend.go
// declares the Backend/Device/Communicator interfaces a real GPU/PJRT/NCCL
// stack would satisfy; package internal/simbackend provides an in-memory
// reference implementation used by this module's own tests.
package distarray

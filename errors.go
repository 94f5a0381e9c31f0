package distarray

import (
	"github.com/pkg/errors"

	"github.com/gomlx/distarray/indexarith"
)

// Error kinds, tested with errors.Is against the sentinels below. Each
// constructor wraps the sentinel with a pkg/errors stack trace so the
// caller gets both a location and a kind.
var (
	// ErrIndex marks a malformed chunk index: integer out of bounds, too
	// many dimensions. Shared with package indexarith, so errors.Is bridges
	// index errors raised there (Normalize, Index construction) into this
	// package's sentinel without a separate wrap.
	ErrIndex = indexarith.ErrIndex
	// ErrValue marks a negative step in a chunk index, or an empty slice.
	// Shared with package indexarith for the same reason as ErrIndex.
	ErrValue = indexarith.ErrValue
	// ErrShape marks disagreeing operand or shard shapes.
	ErrShape = errors.New("shape error")
	// ErrType marks a non-distributed value mixed with a distributed one.
	ErrType = errors.New("type error")
	// ErrCoverage marks an index map that does not cover the declared shape.
	ErrCoverage = errors.New("coverage error")
	// ErrUnsupported marks an operation the runtime deliberately refuses:
	// a reduction lacking an identity where one is required, a
	// peer-access invocation with arity > 2 or keyword args, a kernel
	// returning multiple outputs.
	ErrUnsupported = errors.New("unsupported")
	// ErrTransfer marks a collective or device-to-device copy failure.
	ErrTransfer = errors.New("transfer error")
)

func newIndexErrorf(format string, args ...any) error {
	return errors.Wrapf(ErrIndex, format, args...)
}

func newValueErrorf(format string, args ...any) error {
	return errors.Wrapf(ErrValue, format, args...)
}

func newShapeErrorf(format string, args ...any) error {
	return errors.Wrapf(ErrShape, format, args...)
}

func newTypeErrorf(format string, args ...any) error {
	return errors.Wrapf(ErrType, format, args...)
}

func newCoverageErrorf(format string, args ...any) error {
	return errors.Wrapf(ErrCoverage, format, args...)
}

func newUnsupportedErrorf(format string, args ...any) error {
	return errors.Wrapf(ErrUnsupported, format, args...)
}

func newTransferErrorf(format string, args ...any) error {
	return errors.Wrapf(ErrTransfer, format, args...)
}

package distarray

import (
	"math"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/x448/float16"
)

// ModeTag identifies a reconciliation mode. Rather than virtual dispatch,
// modes are a small closed enum; the op and identity are functions
// parameterized by dtype. Adding a mode means adding a variant here.
type ModeTag int

const (
	// Replica requires overlapping shards to hold equal values.
	Replica ModeTag = iota
	// Sum requires the fold of overlapping shards under + to equal the
	// logical global value.
	Sum
	// Max requires the fold of overlapping shards under max to equal the
	// logical global value. Idempotent: max(x,x) = x.
	Max
)

func (m ModeTag) String() string {
	switch m {
	case Replica:
		return "REPLICA"
	case Sum:
		return "SUM"
	case Max:
		return "MAX"
	default:
		return "UNKNOWN"
	}
}

// Mode is one registered reconciliation discipline: REPLICA, or an
// operator mode with a binary, associative, commutative op and a
// dtype-parameterized identity element.
type Mode struct {
	Tag ModeTag
	// Op folds two shard values at an overlapping coordinate. Nil for
	// Replica.
	Op func(a, b float64) float64
	// Idempotent marks Op(x, x) == x, e.g. Max.
	Idempotent bool
}

// IsOperator reports whether the mode is an operator mode (as opposed to
// Replica).
func (m Mode) IsOperator() bool {
	return m.Tag != Replica
}

// Identity returns the mode's identity element for dtype, e.g. 0 for Sum,
// -Inf for Max. Only meaningful for operator modes.
func (m Mode) Identity(dtype dtypes.DType) float64 {
	switch m.Tag {
	case Sum:
		return 0
	case Max:
		if dtype == dtypes.F16 {
			// Go has no float16 literal; round-trip through float16 to get
			// the dtype's actual representable -Inf rather than assuming
			// float64's -Inf coincides with it.
			return float16.Fromfloat32(float32(math.Inf(-1))).Float32()
		}
		return math.Inf(-1)
	default:
		return 0
	}
}

// ReplicaMode is the REPLICA reconciliation discipline.
var ReplicaMode = Mode{Tag: Replica}

// SumMode is the SUM operator mode: op=+, identity=0.
var SumMode = Mode{
	Tag: Sum,
	Op:  func(a, b float64) float64 { return a + b },
}

// MaxMode is the MAX operator mode: op=max, identity=-Inf, idempotent.
var MaxMode = Mode{
	Tag:        Max,
	Op:         func(a, b float64) float64 { return math.Max(a, b) },
	Idempotent: true,
}

// modeByTag returns the registered Mode for tag, or ReplicaMode for an
// unknown tag.
func modeByTag(tag ModeTag) Mode {
	switch tag {
	case Sum:
		return SumMode
	case Max:
		return MaxMode
	default:
		return ReplicaMode
	}
}

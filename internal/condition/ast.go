package condition

import (
	"github.com/savegress/pulsewatch/internal/metrics"
)

// Result is the three-valued outcome of a condition. Unknown arises when a
// referenced field is absent from the snapshot or has a type the comparison
// cannot use; it never triggers an alert but is reported separately from
// false so missing data is visible in logs and records.
type Result int

const (
	False Result = iota
	True
	Unknown
)

func (r Result) String() string {
	switch r {
	case True:
		return "true"
	case Unknown:
		return "unknown"
	default:
		return "false"
	}
}

// FieldSource resolves field names during evaluation. *metrics.Snapshot
// satisfies it.
type FieldSource interface {
	Field(name string) (metrics.Value, bool)
}

// Detail records why an evaluation came out the way it did: fields that were
// missing, fields whose type did not fit the comparison, and the values
// actually observed.
type Detail struct {
	Missing    []string
	Mismatched []string
	Observed   map[string]metrics.Value
}

func (d *Detail) observe(name string, v metrics.Value) {
	if d.Observed == nil {
		d.Observed = make(map[string]metrics.Value)
	}
	d.Observed[name] = v
}

// Operator is a comparison operator in a condition expression.
type Operator string

const (
	OpLT Operator = "<"
	OpLE Operator = "<="
	OpGT Operator = ">"
	OpGE Operator = ">="
	OpEQ Operator = "=="
	OpNE Operator = "!="
)

// ordering reports whether the operator needs numeric operands.
func (op Operator) ordering() bool {
	switch op {
	case OpLT, OpLE, OpGT, OpGE:
		return true
	}
	return false
}

type node interface {
	eval(src FieldSource, d *Detail) Result
}

type compareNode struct {
	field string
	op    Operator
	lit   metrics.Value
}

func (n *compareNode) eval(src FieldSource, d *Detail) Result {
	v, ok := src.Field(n.field)
	if !ok {
		d.Missing = append(d.Missing, n.field)
		return Unknown
	}
	d.observe(n.field, v)
	if v.Kind != n.lit.Kind {
		d.Mismatched = append(d.Mismatched, n.field)
		return Unknown
	}

	switch v.Kind {
	case metrics.KindNumber:
		return compareNumbers(v.Num, n.op, n.lit.Num)
	case metrics.KindBool:
		if n.op == OpEQ {
			return boolResult(v.Bool == n.lit.Bool)
		}
		return boolResult(v.Bool != n.lit.Bool)
	default:
		if n.op == OpEQ {
			return boolResult(v.Str == n.lit.Str)
		}
		return boolResult(v.Str != n.lit.Str)
	}
}

func compareNumbers(a float64, op Operator, b float64) Result {
	switch op {
	case OpLT:
		return boolResult(a < b)
	case OpLE:
		return boolResult(a <= b)
	case OpGT:
		return boolResult(a > b)
	case OpGE:
		return boolResult(a >= b)
	case OpEQ:
		return boolResult(a == b)
	default:
		return boolResult(a != b)
	}
}

func boolResult(b bool) Result {
	if b {
		return True
	}
	return False
}

type logicalOp int

const (
	opAnd logicalOp = iota
	opOr
)

type binaryNode struct {
	op          logicalOp
	left, right node
}

// Both sides always run so every missing field is recorded; unknown on
// either side makes the whole expression unknown.
func (n *binaryNode) eval(src FieldSource, d *Detail) Result {
	l := n.left.eval(src, d)
	r := n.right.eval(src, d)
	if l == Unknown || r == Unknown {
		return Unknown
	}
	if n.op == opAnd {
		return boolResult(l == True && r == True)
	}
	return boolResult(l == True || r == True)
}

// Condition is a rule expression compiled once at load time and evaluated
// against a snapshot each cycle.
type Condition struct {
	Text string
	root node
}

// Eval evaluates the condition against src.
func (c *Condition) Eval(src FieldSource) (Result, Detail) {
	var d Detail
	return c.root.eval(src, &d), d
}

// Package expr implements the rule language's expression tree and
// evaluator: literals, field references, binary/unary operators, in-list
// membership, and the two window-aware functions (has, baseline).
//
// Expr is a tagged variant rather than an interface hierarchy so the
// evaluator can remain a single match-walk — there is exactly one dynamic
// dispatch point (Eval), and the inner loop over branches in the CEP state
// machine never allocates beyond Value copies.
package expr

import (
	"math"
	"strconv"

	"github.com/wp-labs/wp-reactor-sub001/internal/event"
)

// Kind tags the variant of an Expr node.
type Kind int

const (
	KindLitNumber Kind = iota
	KindLitStr
	KindLitBool
	KindField
	KindBinary
	KindUnaryNeg
	KindUnaryNot
	KindCall
	KindIn
)

// BinOp names a binary operator.
type BinOp int

const (
	OpAnd BinOp = iota
	OpOr
	OpEq
	OpNe
	OpLt
	OpGt
	OpLe
	OpGe
	OpAdd
	OpSub
	OpMul
	OpDiv
)

// Expr is one node of the expression tree. Exactly one of the typed fields
// is meaningful per Kind.
type Expr struct {
	Kind Kind `yaml:"kind"`

	// KindLitNumber / KindLitStr / KindLitBool
	NumLit  float64 `yaml:"num_lit,omitempty"`
	StrLit  string  `yaml:"str_lit,omitempty"`
	BoolLit bool    `yaml:"bool_lit,omitempty"`

	// KindField
	FieldName string `yaml:"field_name,omitempty"`

	// KindBinary
	Op    BinOp  `yaml:"op,omitempty"`
	Left  *Expr  `yaml:"left,omitempty"`
	Right *Expr  `yaml:"right,omitempty"`

	// KindUnaryNeg / KindUnaryNot
	Operand *Expr `yaml:"operand,omitempty"`

	// KindCall — e.g. threat_list.has(x), baseline(x, 5m)
	Qualifier string  `yaml:"qualifier,omitempty"` // "" unless the call is qualified, e.g. "threat_list"
	Func      string  `yaml:"func,omitempty"`
	Args      []*Expr `yaml:"args,omitempty"`

	// KindIn
	InTarget *Expr   `yaml:"in_target,omitempty"`
	InSet    []*Expr `yaml:"in_set,omitempty"`
}

// Num builds a numeric literal.
func Num(n float64) *Expr { return &Expr{Kind: KindLitNumber, NumLit: n} }

// StrLitExpr builds a string literal.
func StrLitExpr(s string) *Expr { return &Expr{Kind: KindLitStr, StrLit: s} }

// BoolLitExpr builds a boolean literal.
func BoolLitExpr(b bool) *Expr { return &Expr{Kind: KindLitBool, BoolLit: b} }

// Field builds a field reference.
func Field(name string) *Expr { return &Expr{Kind: KindField, FieldName: name} }

// Binary builds a binary operator node.
func Binary(op BinOp, l, r *Expr) *Expr { return &Expr{Kind: KindBinary, Op: op, Left: l, Right: r} }

// WindowLookup is implemented by the router to give the evaluator access to
// window contents without it holding any window's write lock.
type WindowLookup interface {
	SnapshotFieldValues(window, field string) (map[string]struct{}, bool)
}

// Baselines tracks a running mean/stddev per (rule, field) pair, owned
// exclusively by one rule task — never shared across tasks.
type Baselines map[string]*RollingStats

// RollingStats accumulates count/sum/sum-of-squares for baseline().
type RollingStats struct {
	count  uint64
	sum    float64
	sumSq  float64
}

// Update folds one more observation into the running statistics.
func (r *RollingStats) Update(v float64) {
	r.count++
	r.sum += v
	r.sumSq += v * v
}

func (r *RollingStats) mean() float64 {
	if r.count == 0 {
		return 0
	}
	return r.sum / float64(r.count)
}

func (r *RollingStats) stddev() float64 {
	if r.count < 2 {
		return 0
	}
	n := float64(r.count)
	variance := (r.sumSq / n) - r.mean()*r.mean()
	if variance < 0 {
		return 0
	}
	return math.Sqrt(variance)
}

// Deviation returns how many standard deviations v is from the mean. Fewer
// than two samples, or zero variance, yields 0 — by design, never an error:
// whether a rule should instead suppress its match in that regime is a
// policy choice left to the rule author.
func (r *RollingStats) Deviation(v float64) float64 {
	std := r.stddev()
	if std == 0 {
		return 0
	}
	return (v - r.mean()) / std
}

// Eval evaluates expr against ev. windows and baselines may be nil when the
// caller knows the rule never references has()/baseline(). Returns nil when
// the expression does not produce a value (missing field, type mismatch,
// unsupported call) — callers treat a nil result as "guard did not pass".
func Eval(e *Expr, ev event.Event, windows WindowLookup, baselines Baselines) *event.Value {
	if e == nil {
		return nil
	}
	switch e.Kind {
	case KindLitNumber:
		v := event.Number(e.NumLit)
		return &v
	case KindLitStr:
		v := event.Str(e.StrLit)
		return &v
	case KindLitBool:
		v := event.Bool(e.BoolLit)
		return &v
	case KindField:
		v, ok := ev.Get(e.FieldName)
		if !ok {
			return nil
		}
		return &v
	case KindUnaryNeg:
		operand := Eval(e.Operand, ev, windows, baselines)
		if operand == nil {
			return nil
		}
		n, ok := operand.AsNumber()
		if !ok {
			return nil
		}
		v := event.Number(-n)
		return &v
	case KindUnaryNot:
		operand := Eval(e.Operand, ev, windows, baselines)
		if operand == nil {
			return nil
		}
		b, ok := operand.AsBool()
		if !ok {
			return nil
		}
		v := event.Bool(!b)
		return &v
	case KindBinary:
		return evalBinary(e, ev, windows, baselines)
	case KindIn:
		return evalIn(e, ev, windows, baselines)
	case KindCall:
		return evalCall(e, ev, windows, baselines)
	default:
		return nil
	}
}

func evalBinary(e *Expr, ev event.Event, windows WindowLookup, baselines Baselines) *event.Value {
	switch e.Op {
	case OpAnd, OpOr:
		l := Eval(e.Left, ev, windows, baselines)
		r := Eval(e.Right, ev, windows, baselines)
		lb, lok := boolOf(l)
		rb, rok := boolOf(r)
		if !lok || !rok {
			return nil
		}
		var v event.Value
		if e.Op == OpAnd {
			v = event.Bool(lb && rb)
		} else {
			v = event.Bool(lb || rb)
		}
		return &v
	case OpEq, OpNe:
		l := Eval(e.Left, ev, windows, baselines)
		r := Eval(e.Right, ev, windows, baselines)
		if l == nil || r == nil {
			return nil
		}
		eq := l.Equal(*r)
		if e.Op == OpNe {
			eq = !eq
		}
		v := event.Bool(eq)
		return &v
	case OpLt, OpGt, OpLe, OpGe:
		l := Eval(e.Left, ev, windows, baselines)
		r := Eval(e.Right, ev, windows, baselines)
		ln, lok := numOf(l)
		rn, rok := numOf(r)
		if !lok || !rok {
			return nil
		}
		var result bool
		switch e.Op {
		case OpLt:
			result = ln < rn
		case OpGt:
			result = ln > rn
		case OpLe:
			result = ln <= rn
		case OpGe:
			result = ln >= rn
		}
		v := event.Bool(result)
		return &v
	case OpAdd, OpSub, OpMul, OpDiv:
		l := Eval(e.Left, ev, windows, baselines)
		r := Eval(e.Right, ev, windows, baselines)
		ln, lok := numOf(l)
		rn, rok := numOf(r)
		if !lok || !rok {
			return nil
		}
		var result float64
		switch e.Op {
		case OpAdd:
			result = ln + rn
		case OpSub:
			result = ln - rn
		case OpMul:
			result = ln * rn
		case OpDiv:
			if rn == 0 {
				return nil
			}
			result = ln / rn
		}
		v := event.Number(result)
		return &v
	default:
		return nil
	}
}

func evalIn(e *Expr, ev event.Event, windows WindowLookup, baselines Baselines) *event.Value {
	target := Eval(e.InTarget, ev, windows, baselines)
	if target == nil {
		return nil
	}
	for _, candidate := range e.InSet {
		v := Eval(candidate, ev, windows, baselines)
		if v != nil && v.Equal(*target) {
			result := event.Bool(true)
			return &result
		}
	}
	result := event.Bool(false)
	return &result
}

func evalCall(e *Expr, ev event.Event, windows WindowLookup, baselines Baselines) *event.Value {
	switch e.Func {
	case "has":
		if windows == nil || e.Qualifier == "" || len(e.Args) != 2 {
			return nil
		}
		fieldArg := Eval(e.Args[0], ev, windows, baselines)
		if fieldArg == nil {
			return nil
		}
		needle := fieldArg.String()
		fieldName, ok := stringArg(e.Args[1])
		if !ok {
			return nil
		}
		values, found := windows.SnapshotFieldValues(e.Qualifier, fieldName)
		if !found {
			return nil
		}
		_, present := values[needle]
		result := event.Bool(present)
		return &result
	case "baseline":
		if baselines == nil || len(e.Args) != 2 {
			return nil
		}
		valArg := Eval(e.Args[0], ev, windows, baselines)
		n, ok := numOf(valArg)
		if !ok {
			return nil
		}
		key := e.Qualifier + "/" + e.Args[0].FieldName
		stats, ok := baselines[key]
		if !ok {
			stats = &RollingStats{}
			baselines[key] = stats
		}
		dev := stats.Deviation(n)
		stats.Update(n)
		result := event.Number(dev)
		return &result
	default:
		return nil
	}
}

func stringArg(e *Expr) (string, bool) {
	if e.Kind == KindLitStr {
		return e.StrLit, true
	}
	if e.Kind == KindField {
		return e.FieldName, true
	}
	return "", false
}

func boolOf(v *event.Value) (bool, bool) {
	if v == nil {
		return false, false
	}
	return v.AsBool()
}

func numOf(v *event.Value) (float64, bool) {
	if v == nil {
		return 0, false
	}
	return v.AsNumber()
}

// TryConstFloat evaluates e with no event/window context and returns its
// numeric value only if e is a constant expression (contains no Field,
// Call, or In nodes) that reduces to a number. Used by the threshold-check
// fast path: a constant numeric threshold compares directly against the
// accumulated f64 measure.
func TryConstFloat(e *Expr) (float64, bool) {
	if e == nil {
		return 0, false
	}
	switch e.Kind {
	case KindLitNumber:
		return e.NumLit, true
	case KindUnaryNeg:
		n, ok := TryConstFloat(e.Operand)
		if !ok {
			return 0, false
		}
		return -n, true
	case KindBinary:
		switch e.Op {
		case OpAdd, OpSub, OpMul, OpDiv:
			l, lok := TryConstFloat(e.Left)
			r, rok := TryConstFloat(e.Right)
			if !lok || !rok {
				return 0, false
			}
			switch e.Op {
			case OpAdd:
				return l + r, true
			case OpSub:
				return l - r, true
			case OpMul:
				return l * r, true
			case OpDiv:
				if r == 0 {
					return 0, false
				}
				return l / r, true
			}
		}
	}
	return 0, false
}

// TryConstValue evaluates e with no event/window context and returns its
// Value only if e is a constant literal (number, string, or bool).
func TryConstValue(e *Expr) (event.Value, bool) {
	if e == nil {
		return event.Value{}, false
	}
	switch e.Kind {
	case KindLitNumber:
		return event.Number(e.NumLit), true
	case KindLitStr:
		return event.Str(e.StrLit), true
	case KindLitBool:
		return event.Bool(e.BoolLit), true
	default:
		return event.Value{}, false
	}
}

// ParseNumberLiteral is a small helper used by the plan decoder to turn a
// YAML scalar into a numeric literal Expr without round-tripping through
// the (out-of-scope) WFL parser.
func ParseNumberLiteral(s string) (*Expr, bool) {
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, false
	}
	return Num(n), true
}

package expr

import (
	"testing"

	"github.com/wp-labs/wp-reactor-sub001/internal/event"
)

func evalNum(t *testing.T, e *Expr, ev event.Event) float64 {
	t.Helper()
	v := Eval(e, ev, nil, nil)
	if v == nil {
		t.Fatal("Eval returned nil")
	}
	n, ok := v.AsNumber()
	if !ok {
		t.Fatalf("Eval result is not a number: %v", v)
	}
	return n
}

func evalBool(t *testing.T, e *Expr, ev event.Event) bool {
	t.Helper()
	v := Eval(e, ev, nil, nil)
	if v == nil {
		t.Fatal("Eval returned nil")
	}
	b, ok := v.AsBool()
	if !ok {
		t.Fatalf("Eval result is not a bool: %v", v)
	}
	return b
}

func TestEvalArithmetic(t *testing.T) {
	ev := event.New()
	e := Binary(OpAdd, Num(2), Binary(OpMul, Num(3), Num(4)))
	if got := evalNum(t, e, ev); got != 14 {
		t.Errorf("2 + 3*4 = %v, want 14", got)
	}
}

func TestEvalDivisionByZeroYieldsNil(t *testing.T) {
	ev := event.New()
	e := Binary(OpDiv, Num(1), Num(0))
	if v := Eval(e, ev, nil, nil); v != nil {
		t.Errorf("division by zero should yield nil, got %v", v)
	}
}

func TestEvalEqualityCrossTypeAlwaysFalse(t *testing.T) {
	ev := event.New().With("port", event.Number(443))
	e := Binary(OpEq, Field("port"), StrLitExpr("443"))
	if got := evalBool(t, e, ev); got {
		t.Error("Number(443) == Str(\"443\") must be false (cross-type equality is always false)")
	}
}

func TestEvalAndOrRequireStrictBoolOperands(t *testing.T) {
	ev := event.New().With("count", event.Number(5))

	// count && true: count is a number, not a bool, so the whole expression is nil.
	e := Binary(OpAnd, Field("count"), BoolLitExpr(true))
	if v := Eval(e, ev, nil, nil); v != nil {
		t.Errorf("&& with a non-bool operand must yield nil, got %v", v)
	}
}

func TestEvalMissingFieldYieldsNil(t *testing.T) {
	ev := event.New()
	if v := Eval(Field("absent"), ev, nil, nil); v != nil {
		t.Errorf("missing field must yield nil, got %v", v)
	}
}

func TestEvalInMembership(t *testing.T) {
	ev := event.New().With("proto", event.Str("tcp"))
	e := &Expr{Kind: KindIn, InTarget: Field("proto"), InSet: []*Expr{StrLitExpr("udp"), StrLitExpr("tcp")}}
	if !evalBool(t, e, ev) {
		t.Error("expected proto in [udp, tcp] to be true")
	}

	e2 := &Expr{Kind: KindIn, InTarget: Field("proto"), InSet: []*Expr{StrLitExpr("icmp")}}
	if evalBool(t, e2, ev) {
		t.Error("expected proto in [icmp] to be false")
	}
}

type fakeWindowLookup map[string]map[string]struct{}

func (f fakeWindowLookup) SnapshotFieldValues(window, field string) (map[string]struct{}, bool) {
	v, ok := f[window+"/"+field]
	return v, ok
}

func TestEvalHasBuiltin(t *testing.T) {
	lookup := fakeWindowLookup{
		"threat_list/ip": {"1.2.3.4": {}},
	}
	ev := event.New().With("src_ip", event.Str("1.2.3.4"))
	e := &Expr{Kind: KindCall, Qualifier: "threat_list", Func: "has", Args: []*Expr{Field("src_ip"), StrLitExpr("ip")}}
	v := Eval(e, ev, lookup, nil)
	if v == nil {
		t.Fatal("Eval returned nil")
	}
	b, ok := v.AsBool()
	if !ok || !b {
		t.Error("expected has() to find src_ip in threat_list.ip")
	}
}

func TestEvalHasBuiltinUnknownWindow(t *testing.T) {
	lookup := fakeWindowLookup{}
	ev := event.New().With("src_ip", event.Str("9.9.9.9"))
	e := &Expr{Kind: KindCall, Qualifier: "unknown_window", Func: "has", Args: []*Expr{Field("src_ip"), StrLitExpr("ip")}}
	if v := Eval(e, ev, lookup, nil); v != nil {
		t.Errorf("has() on an unknown window must yield nil, got %v", v)
	}
}

func TestRollingStatsDeviationRequiresTwoSamples(t *testing.T) {
	var r RollingStats
	if got := r.Deviation(10); got != 0 {
		t.Errorf("Deviation with 0 samples = %v, want 0", got)
	}
	r.Update(5)
	if got := r.Deviation(10); got != 0 {
		t.Errorf("Deviation with 1 sample = %v, want 0", got)
	}
}

func TestRollingStatsDeviationZeroVariance(t *testing.T) {
	var r RollingStats
	r.Update(5)
	r.Update(5)
	if got := r.Deviation(100); got != 0 {
		t.Errorf("Deviation with zero variance = %v, want 0", got)
	}
}

func TestRollingStatsDeviation(t *testing.T) {
	var r RollingStats
	for _, v := range []float64{2, 4, 4, 4, 5, 5, 7, 9} {
		r.Update(v)
	}
	// population mean 5, population stddev 2
	dev := r.Deviation(9)
	if dev < 1.9 || dev > 2.1 {
		t.Errorf("Deviation(9) = %v, want ~2.0", dev)
	}
}

func TestTryConstFloat(t *testing.T) {
	e := Binary(OpAdd, Num(2), Binary(OpMul, Num(3), Num(4)))
	n, ok := TryConstFloat(e)
	if !ok || n != 14 {
		t.Errorf("TryConstFloat = %v, %v; want 14, true", n, ok)
	}

	nonConst := Binary(OpAdd, Field("x"), Num(1))
	if _, ok := TryConstFloat(nonConst); ok {
		t.Error("TryConstFloat on an expression containing a field ref must fail")
	}
}

func TestTryConstValue(t *testing.T) {
	v, ok := TryConstValue(StrLitExpr("tcp"))
	if !ok {
		t.Fatal("expected TryConstValue to succeed on a string literal")
	}
	s, _ := v.AsStr()
	if s != "tcp" {
		t.Errorf("TryConstValue = %q, want tcp", s)
	}

	if _, ok := TryConstValue(Field("x")); ok {
		t.Error("TryConstValue on a field reference must fail")
	}
}

func TestParseNumberLiteral(t *testing.T) {
	e, ok := ParseNumberLiteral("3.14")
	if !ok {
		t.Fatal("expected ParseNumberLiteral to succeed")
	}
	if e.NumLit != 3.14 {
		t.Errorf("NumLit = %v, want 3.14", e.NumLit)
	}

	if _, ok := ParseNumberLiteral("not-a-number"); ok {
		t.Error("expected ParseNumberLiteral to fail on non-numeric input")
	}
}

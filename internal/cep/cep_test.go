package cep

import (
	"testing"
	"time"

	"github.com/wp-labs/wp-reactor-sub001/internal/event"
	"github.com/wp-labs/wp-reactor-sub001/internal/expr"
	"github.com/wp-labs/wp-reactor-sub001/internal/plan"
)

func countStep(source string, threshold float64, cmp plan.CmpOp) plan.Step {
	return plan.Step{
		Branches: []plan.Branch{
			{
				Source: source,
				Agg: plan.AggPlan{
					Measure:   plan.MeasureCount,
					Cmp:       cmp,
					Threshold: expr.Num(threshold),
				},
			},
		},
	}
}

func singleStepPlan(steps ...plan.Step) plan.MatchPlan {
	return plan.MatchPlan{
		Keys:       []string{"host"},
		WindowSpec: plan.WindowSpec{Kind: plan.WindowSliding, Duration: 5 * time.Minute},
		EventSteps: steps,
	}
}

func TestAdvanceSingleStepMatches(t *testing.T) {
	mp := singleStepPlan(countStep("failed_logins", 3, plan.CmpGe))
	inst := NewInstance([]event.Value{event.Str("host-a")}, mp)

	ev := event.New()
	for i := 0; i < 2; i++ {
		res := inst.Advance("brute_force", "failed_logins", ev, int64(i), mp, nil, nil)
		if res.Kind != Accumulate {
			t.Fatalf("event %d: got %v, want Accumulate", i, res.Kind)
		}
	}

	res := inst.Advance("brute_force", "failed_logins", ev, 2, mp, nil, nil)
	if res.Kind != Matched {
		t.Fatalf("3rd event: got %v, want Matched", res.Kind)
	}
	if res.Matched.StepData[0].MeasureValue != 3 {
		t.Errorf("measure value = %v, want 3", res.Matched.StepData[0].MeasureValue)
	}
}

func TestAdvanceMultiStepReturnsAdvanceBeforeFinalMatch(t *testing.T) {
	mp := singleStepPlan(
		countStep("recon", 1, plan.CmpGe),
		countStep("exploit", 1, plan.CmpGe),
	)
	inst := NewInstance([]event.Value{event.Str("host-a")}, mp)
	ev := event.New()

	res := inst.Advance("r", "recon", ev, 0, mp, nil, nil)
	if res.Kind != Advance {
		t.Fatalf("first step satisfied: got %v, want Advance", res.Kind)
	}

	res = inst.Advance("r", "exploit", ev, 1, mp, nil, nil)
	if res.Kind != Matched {
		t.Fatalf("second step satisfied: got %v, want Matched", res.Kind)
	}
}

func TestAdvanceIgnoresWrongAlias(t *testing.T) {
	mp := singleStepPlan(countStep("failed_logins", 1, plan.CmpGe))
	inst := NewInstance([]event.Value{event.Str("host-a")}, mp)
	ev := event.New()

	res := inst.Advance("r", "unrelated_alias", ev, 0, mp, nil, nil)
	if res.Kind != Accumulate {
		t.Fatalf("got %v, want Accumulate (no branch matches this alias)", res.Kind)
	}
}

func TestGuardStrictSemantics(t *testing.T) {
	step := plan.Step{
		Branches: []plan.Branch{
			{
				Source: "login",
				Guard:  expr.Field("success"), // not a bool literal at all in this test — missing field
				Agg: plan.AggPlan{
					Measure:   plan.MeasureCount,
					Cmp:       plan.CmpGe,
					Threshold: expr.Num(1),
				},
			},
		},
	}
	mp := singleStepPlan(step)
	inst := NewInstance(nil, mp)

	// "success" field is absent -> guard evaluates to nil -> strict semantics block it.
	res := inst.Advance("r", "login", event.New(), 0, mp, nil, nil)
	if res.Kind != Accumulate {
		t.Fatalf("missing guard field should block (strict semantics): got %v", res.Kind)
	}

	// explicit false blocks.
	ev := event.New().With("success", event.Bool(false))
	res = inst.Advance("r", "login", ev, 1, mp, nil, nil)
	if res.Kind != Accumulate {
		t.Fatalf("explicit false guard should block: got %v", res.Kind)
	}

	// explicit true passes.
	ev = event.New().With("success", event.Bool(true))
	res = inst.Advance("r", "login", ev, 2, mp, nil, nil)
	if res.Kind != Matched {
		t.Fatalf("explicit true guard should pass: got %v", res.Kind)
	}
}

func TestCloseStepPermissiveGuardSemantics(t *testing.T) {
	closeStep := plan.Step{
		Branches: []plan.Branch{
			{
				Source: "any",
				Guard:  expr.Field("maybe_absent"),
				Agg: plan.AggPlan{
					Measure:   plan.MeasureCount,
					Cmp:       plan.CmpGe,
					Threshold: expr.Num(1),
				},
			},
		},
	}
	mp := plan.MatchPlan{
		WindowSpec: plan.WindowSpec{Duration: time.Minute},
		CloseSteps: []plan.Step{closeStep},
	}
	inst := NewInstance(nil, mp)

	// missing guard field during accumulation -> permissive semantics allow it through.
	inst.Advance("r", "any", event.New(), 0, mp, nil, nil)

	out := inst.Close("r", mp, CloseTimeout, 1000)
	if !out.CloseOK {
		t.Fatalf("expected close-step to be satisfied under permissive guard semantics, got CloseOutput=%+v", out)
	}
}

func TestCloseStepExplicitFalseBlocksAccumulation(t *testing.T) {
	closeStep := plan.Step{
		Branches: []plan.Branch{
			{
				Source: "any",
				Guard:  expr.BoolLitExpr(false),
				Agg: plan.AggPlan{
					Measure:   plan.MeasureCount,
					Cmp:       plan.CmpGe,
					Threshold: expr.Num(1),
				},
			},
		},
	}
	mp := plan.MatchPlan{
		WindowSpec: plan.WindowSpec{Duration: time.Minute},
		CloseSteps: []plan.Step{closeStep},
	}
	inst := NewInstance(nil, mp)
	inst.Advance("r", "any", event.New(), 0, mp, nil, nil)

	out := inst.Close("r", mp, CloseTimeout, 1000)
	if out.CloseOK {
		t.Fatal("expected close-step not satisfied: explicit false guard must block accumulation")
	}
}

func TestDistinctTransformDedups(t *testing.T) {
	step := plan.Step{
		Branches: []plan.Branch{
			{
				Source: "conn",
				Field:  &plan.FieldSelector{Name: "dst_port"},
				Agg: plan.AggPlan{
					Transforms: []plan.Transform{plan.TransformDistinct},
					Measure:    plan.MeasureCount,
					Cmp:        plan.CmpGe,
					Threshold:  expr.Num(3),
				},
			},
		},
	}
	mp := singleStepPlan(step)
	inst := NewInstance(nil, mp)

	ports := []float64{22, 22, 80, 80, 443}
	var lastResult AdvanceResult
	for i, p := range ports {
		ev := event.New().With("dst_port", event.Number(p))
		lastResult = inst.Advance("r", "conn", ev, int64(i), mp, nil, nil)
	}
	// 3 distinct ports (22, 80, 443) out of 5 events with duplicates.
	if lastResult.Kind != Matched {
		t.Fatalf("expected match once 3 distinct ports seen, got %v", lastResult.Kind)
	}
}

func TestMinMaxValueBasedThresholdFallback(t *testing.T) {
	// threshold is a string literal -> constant-numeric fast path fails,
	// falls back to the Value-based comparison for Max on a Str field.
	step := plan.Step{
		Branches: []plan.Branch{
			{
				Source: "conn",
				Field:  &plan.FieldSelector{Name: "severity"},
				Agg: plan.AggPlan{
					Measure:   plan.MeasureMax,
					Cmp:       plan.CmpGe,
					Threshold: expr.StrLitExpr("high"),
				},
			},
		},
	}
	mp := singleStepPlan(step)
	inst := NewInstance(nil, mp)

	ev1 := event.New().With("severity", event.Str("debug"))
	res := inst.Advance("r", "conn", ev1, 0, mp, nil, nil)
	if res.Kind == Matched {
		t.Fatal("\"debug\" sorts before \"high\" and should not satisfy severity >= \"high\"")
	}

	ev2 := event.New().With("severity", event.Str("high"))
	res = inst.Advance("r", "conn", ev2, 1, mp, nil, nil)
	if res.Kind != Matched {
		t.Fatalf("\"high\" should satisfy severity >= \"high\": got %v", res.Kind)
	}
}

func TestManagerScopeKeyIsolation(t *testing.T) {
	mp := singleStepPlan(countStep("failed_logins", 2, plan.CmpGe))
	m := NewManager("brute_force", mp)

	resA := m.AdvanceAt("failed_logins", []event.Value{event.Str("host-a")}, event.New(), 0, nil, nil)
	resB := m.AdvanceAt("failed_logins", []event.Value{event.Str("host-b")}, event.New(), 0, nil, nil)

	if resA.Kind != Accumulate || resB.Kind != Accumulate {
		t.Fatalf("expected both scope keys still accumulating, got %v, %v", resA.Kind, resB.Kind)
	}
	if m.Len() != 2 {
		t.Fatalf("Len() = %d, want 2 distinct instances", m.Len())
	}

	resA = m.AdvanceAt("failed_logins", []event.Value{event.Str("host-a")}, event.New(), 1, nil, nil)
	resB = m.AdvanceAt("failed_logins", []event.Value{event.Str("host-b")}, event.New(), 1, nil, nil)

	if resA.Kind != Matched || resB.Kind != Matched {
		t.Fatalf("expected both scope keys to match independently, got %v, %v", resA.Kind, resB.Kind)
	}
	if m.Len() != 0 {
		t.Errorf("expected matched instances removed, Len() = %d", m.Len())
	}
}

func TestManagerScanExpiredAt(t *testing.T) {
	mp := singleStepPlan(countStep("x", 100, plan.CmpGe)) // never satisfied
	mp.WindowSpec.Duration = 10 * time.Second
	m := NewManager("r", mp)

	m.AdvanceAt("x", []event.Value{event.Str("k1")}, event.New(), 0, nil, nil)

	if closed := m.ScanExpiredAt(5 * int64(time.Second)); len(closed) != 0 {
		t.Fatalf("expected no expirations before deadline, got %d", len(closed))
	}

	closed := m.ScanExpiredAt(11 * int64(time.Second))
	if len(closed) != 1 {
		t.Fatalf("expected 1 expiration after deadline, got %d", len(closed))
	}
	if closed[0].CloseReason != CloseTimeout {
		t.Errorf("CloseReason = %v, want CloseTimeout", closed[0].CloseReason)
	}
	if m.Len() != 0 {
		t.Errorf("expected expired instance removed, Len() = %d", m.Len())
	}
}

func TestManagerCloseAll(t *testing.T) {
	mp := singleStepPlan(countStep("x", 100, plan.CmpGe))
	m := NewManager("r", mp)

	m.AdvanceAt("x", []event.Value{event.Str("k1")}, event.New(), 0, nil, nil)
	m.AdvanceAt("x", []event.Value{event.Str("k2")}, event.New(), 0, nil, nil)

	closed := m.CloseAll(CloseEOS, 0)
	if len(closed) != 2 {
		t.Fatalf("expected 2 closed instances, got %d", len(closed))
	}
	for _, c := range closed {
		if c.CloseReason != CloseEOS {
			t.Errorf("CloseReason = %v, want CloseEOS", c.CloseReason)
		}
	}
	if m.Len() != 0 {
		t.Errorf("expected all instances removed, Len() = %d", m.Len())
	}
}

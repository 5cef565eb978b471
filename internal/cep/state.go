// Package cep implements the complex-event-processing state machine: one
// Instance per (rule, scope-key) pair, tracking event-step progress and
// close-step accumulation across the events routed to it, until it fires
// a match and/or is closed by timeout, flush, or end-of-stream.
package cep

import (
	"math"

	"github.com/wp-labs/wp-reactor-sub001/internal/event"
	"github.com/wp-labs/wp-reactor-sub001/internal/plan"
)

// BranchState is one branch's running accumulator: count/sum/avg plus a
// numeric and a Value-typed extreme (needed because min/max may apply to
// non-numeric fields), and a distinct-set for the Distinct transform.
type BranchState struct {
	Count uint64
	Sum   float64

	AvgSum   float64
	AvgCount uint64

	Min    float64
	MinVal *event.Value

	Max    float64
	MaxVal *event.Value

	DistinctSet map[string]struct{}
}

// NewBranchState returns a BranchState with Min/Max seeded at +/-Inf so the
// first observed value always replaces them.
func NewBranchState() BranchState {
	return BranchState{
		Min: math.Inf(1),
		Max: math.Inf(-1),
	}
}

// StepState holds one BranchState per branch of a plan.Step.
type StepState struct {
	BranchStates []BranchState
}

// NewStepState allocates a StepState with one freshly-seeded BranchState per
// branch in step.
func NewStepState(step plan.Step) StepState {
	states := make([]BranchState, len(step.Branches))
	for i := range states {
		states[i] = NewBranchState()
	}
	return StepState{BranchStates: states}
}

// valueToString renders a Value the way the Distinct transform's dedup key
// and scope-key composition do — by its canonical String() form.
func valueToString(v event.Value) string {
	return v.String()
}

// valueToF64 extracts the numeric payload of a Value, or (0, false) for a
// non-numeric Value.
func valueToF64(v event.Value) (float64, bool) {
	return v.AsNumber()
}

// applyTransforms applies branch.Agg.Transforms in order, mutating bs for
// Distinct dedup bookkeeping. Returns false if the event should be skipped
// for this branch (e.g. a duplicate value already seen by Distinct).
func applyTransforms(transforms []plan.Transform, fieldValue *event.Value, bs *BranchState) bool {
	for _, t := range transforms {
		if t == plan.TransformDistinct {
			if fieldValue == nil {
				return false
			}
			if bs.DistinctSet == nil {
				bs.DistinctSet = make(map[string]struct{})
			}
			key := valueToString(*fieldValue)
			if _, seen := bs.DistinctSet[key]; seen {
				return false
			}
			bs.DistinctSet[key] = struct{}{}
		}
	}
	return true
}

// updateMeasure folds fieldValue into bs per the branch's chosen measure.
func updateMeasure(measure plan.Measure, fieldValue *event.Value, bs *BranchState) {
	var fval float64
	var hasF bool
	if fieldValue != nil {
		fval, hasF = valueToF64(*fieldValue)
	}

	switch measure {
	case plan.MeasureCount:
		bs.Count++
	case plan.MeasureSum:
		if hasF {
			bs.Sum += fval
		}
	case plan.MeasureAvg:
		if hasF {
			bs.AvgSum += fval
			bs.AvgCount++
		}
	case plan.MeasureMin:
		updateExtreme(hasF, fval, fieldValue, &bs.Min, &bs.MinVal, true)
	case plan.MeasureMax:
		updateExtreme(hasF, fval, fieldValue, &bs.Max, &bs.MaxVal, false)
	}
}

// updateExtreme updates both the numeric extreme (for the constant-threshold
// fast path) and the Value-typed extreme (for non-numeric or value-based
// comparison) in one pass.
func updateExtreme(hasF bool, fval float64, fieldValue *event.Value, numAcc *float64, valAcc **event.Value, isMin bool) {
	if hasF {
		if (isMin && fval < *numAcc) || (!isMin && fval > *numAcc) {
			*numAcc = fval
		}
	}
	if fieldValue != nil {
		replace := *valAcc == nil
		if !replace {
			ord := valueOrdering(*fieldValue, **valAcc)
			if isMin {
				replace = ord < 0
			} else {
				replace = ord > 0
			}
		}
		if replace {
			v := *fieldValue
			*valAcc = &v
		}
	}
}

// computeMeasure reads out the scalar summary for measure from bs. No
// accumulation happens here — it is a pure read of already-folded state.
func computeMeasure(measure plan.Measure, bs BranchState) float64 {
	switch measure {
	case plan.MeasureCount:
		return float64(bs.Count)
	case plan.MeasureSum:
		return bs.Sum
	case plan.MeasureAvg:
		if bs.AvgCount == 0 {
			return 0
		}
		return bs.AvgSum / float64(bs.AvgCount)
	case plan.MeasureMin:
		return bs.Min
	case plan.MeasureMax:
		return bs.Max
	default:
		return 0
	}
}

// valueOrdering orders two Values of possibly-differing kinds: numbers sort
// before strings, strings before bools. Same-kind values use their natural
// order. Cross-type comparisons only arise from malformed plans and are
// given an arbitrary but total order so min/max bookkeeping never panics.
func valueOrdering(a, b event.Value) int {
	an, aIsNum := a.AsNumber()
	bn, bIsNum := b.AsNumber()
	if aIsNum && bIsNum {
		switch {
		case an < bn:
			return -1
		case an > bn:
			return 1
		default:
			return 0
		}
	}
	as, aIsStr := a.AsStr()
	bs, bIsStr := b.AsStr()
	if aIsStr && bIsStr {
		switch {
		case as < bs:
			return -1
		case as > bs:
			return 1
		default:
			return 0
		}
	}
	ab, aIsBool := a.AsBool()
	bb, bIsBool := b.AsBool()
	if aIsBool && bIsBool {
		switch {
		case !ab && bb:
			return -1
		case ab && !bb:
			return 1
		default:
			return 0
		}
	}
	if aIsNum {
		return -1
	}
	if bIsNum {
		return 1
	}
	if aIsStr {
		return -1
	}
	return 1
}

// sameKind reports whether a and b carry the same Value variant.
func sameKind(a, b event.Value) bool {
	return a.Kind() == b.Kind()
}

// checkThreshold decides whether bs's accumulated measure crosses the
// branch's threshold. It tries the constant-numeric fast path first (via
// expr.TryConstFloat at the caller), falling back to a Value-based
// comparison for Min/Max on non-numeric fields. A non-constant threshold on
// count/sum/avg is treated as unsatisfied rather than silently compared
// against zero.
func checkThreshold(agg plan.AggPlan, bs BranchState, thresholdF64 float64, thresholdFConst bool, thresholdVal event.Value, thresholdValConst bool) bool {
	measureF64 := computeMeasure(agg.Measure, bs)

	if thresholdFConst {
		switch agg.Measure {
		case plan.MeasureMin, plan.MeasureMax:
			if math.IsInf(measureF64, 0) {
				// fall through to the value-based path below
			} else {
				return compareF64(agg.Cmp, measureF64, thresholdF64)
			}
		default:
			return compareF64(agg.Cmp, measureF64, thresholdF64)
		}
	}

	switch agg.Measure {
	case plan.MeasureMin:
		if bs.MinVal != nil && thresholdValConst {
			return compareValueThreshold(agg.Cmp, *bs.MinVal, thresholdVal)
		}
		return false
	case plan.MeasureMax:
		if bs.MaxVal != nil && thresholdValConst {
			return compareValueThreshold(agg.Cmp, *bs.MaxVal, thresholdVal)
		}
		return false
	default:
		return false
	}
}

func compareF64(cmp plan.CmpOp, lhs, rhs float64) bool {
	const epsilon = 2.220446049250313e-16 // float64 machine epsilon, matching Rust's f64::EPSILON
	switch cmp {
	case plan.CmpEq:
		return math.Abs(lhs-rhs) < epsilon
	case plan.CmpNe:
		return math.Abs(lhs-rhs) >= epsilon
	case plan.CmpLt:
		return lhs < rhs
	case plan.CmpGt:
		return lhs > rhs
	case plan.CmpLe:
		return lhs <= rhs
	case plan.CmpGe:
		return lhs >= rhs
	default:
		return false
	}
}

// compareValueThreshold compares val against threshold under cmp, refusing
// cross-type comparisons (a Str threshold can never satisfy a Number
// accumulator) to avoid false positives from the arbitrary cross-kind
// ordering in valueOrdering.
func compareValueThreshold(cmp plan.CmpOp, val, threshold event.Value) bool {
	if !sameKind(val, threshold) {
		return false
	}
	ord := valueOrdering(val, threshold)
	switch cmp {
	case plan.CmpEq:
		return ord == 0
	case plan.CmpNe:
		return ord != 0
	case plan.CmpLt:
		return ord < 0
	case plan.CmpGt:
		return ord > 0
	case plan.CmpLe:
		return ord <= 0
	case plan.CmpGe:
		return ord >= 0
	default:
		return false
	}
}

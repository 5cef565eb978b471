package cep

import (
	"github.com/wp-labs/wp-reactor-sub001/internal/event"
	"github.com/wp-labs/wp-reactor-sub001/internal/expr"
	"github.com/wp-labs/wp-reactor-sub001/internal/plan"
)

// StepData is a per-step snapshot captured at the moment a step is
// satisfied: which branch fired, its optional label, and the scalar
// measure value that crossed the threshold.
type StepData struct {
	SatisfiedBranchIndex int
	Label                string
	MeasureValue         float64
}

// ResultKind tags the outcome of feeding one event into an Instance.
type ResultKind int

const (
	// Accumulate: the event was folded into branch state but crossed no
	// step boundary.
	Accumulate ResultKind = iota
	// Advance: a step boundary was crossed, but further event steps
	// remain.
	Advance
	// Matched: every event step is now satisfied.
	Matched
)

// MatchedContext is returned when an Instance's event steps are all
// satisfied.
type MatchedContext struct {
	RuleName       string
	ScopeKey       []event.Value
	StepData       []StepData
	EventTimeNanos int64
}

// AdvanceResult is the outcome of Instance.Advance.
type AdvanceResult struct {
	Kind    ResultKind
	Matched *MatchedContext // set only when Kind == Matched
}

// CloseReason names why an Instance was closed.
type CloseReason int

const (
	CloseTimeout CloseReason = iota
	CloseFlush
	CloseEOS
)

func (r CloseReason) String() string {
	switch r {
	case CloseTimeout:
		return "timeout"
	case CloseFlush:
		return "flush"
	case CloseEOS:
		return "eos"
	default:
		return "unknown"
	}
}

// CloseOutput is produced when an Instance is closed, carrying both the
// event-step snapshot (if the instance ever matched) and the close-step
// evaluation performed at close time.
type CloseOutput struct {
	RuleName        string
	ScopeKey        []event.Value
	CloseReason     CloseReason
	EventOK         bool
	CloseOK         bool
	EventStepData   []StepData
	CloseStepData   []StepData
	WatermarkNanos  int64
	LastEventNanos  int64
}

// Instance is the CEP state machine for one (rule, scope-key) pair: its
// event-step progress, close-step accumulators, and bookkeeping for the
// last event time it observed (used as the close-path asof join time).
type Instance struct {
	ScopeKey []event.Value

	stepIdx         int
	eventOK         bool
	completedSteps  []StepData
	eventStepStates []StepState
	closeStepStates []StepState

	lastEventNanos int64
}

// NewInstance allocates an Instance for the given MatchPlan, ready to
// receive its first event.
func NewInstance(scopeKey []event.Value, mp plan.MatchPlan) *Instance {
	eventStates := make([]StepState, len(mp.EventSteps))
	for i, step := range mp.EventSteps {
		eventStates[i] = NewStepState(step)
	}
	closeStates := make([]StepState, len(mp.CloseSteps))
	for i, step := range mp.CloseSteps {
		closeStates[i] = NewStepState(step)
	}
	return &Instance{
		ScopeKey:        scopeKey,
		eventStepStates: eventStates,
		closeStepStates: closeStates,
	}
}

// LastEventNanos returns the event-time of the most recent event folded
// into this instance.
func (in *Instance) LastEventNanos() int64 { return in.lastEventNanos }

// EventOK reports whether every event step has been satisfied.
func (in *Instance) EventOK() bool { return in.eventOK }

// Advance feeds one event into the instance: it evaluates the current
// event step's branches (if event steps are not yet all satisfied) and
// unconditionally accumulates close-step state, mirroring the upstream
// split between step-boundary evaluation and permissive close-step
// accumulation.
func (in *Instance) Advance(ruleName, alias string, ev event.Event, eventTimeNanos int64, mp plan.MatchPlan, windows expr.WindowLookup, baselines expr.Baselines) AdvanceResult {
	if eventTimeNanos > in.lastEventNanos {
		in.lastEventNanos = eventTimeNanos
	}

	result := AdvanceResult{Kind: Accumulate}

	if !in.eventOK && in.stepIdx < len(mp.EventSteps) {
		step := mp.EventSteps[in.stepIdx]
		stepState := &in.eventStepStates[in.stepIdx]
		if branchIdx, measureVal, ok := evaluateStep(alias, ev, step, stepState, windows, baselines); ok {
			label := step.Branches[branchIdx].Label
			in.completedSteps = append(in.completedSteps, StepData{
				SatisfiedBranchIndex: branchIdx,
				Label:                label,
				MeasureValue:         measureVal,
			})
			in.stepIdx++

			if in.stepIdx >= len(mp.EventSteps) {
				in.eventOK = true
				if len(mp.CloseSteps) == 0 {
					result.Kind = Matched
					result.Matched = &MatchedContext{
						RuleName:       ruleName,
						ScopeKey:       in.ScopeKey,
						StepData:       append([]StepData(nil), in.completedSteps...),
						EventTimeNanos: eventTimeNanos,
					}
				} else {
					result.Kind = Advance
				}
			} else {
				result.Kind = Advance
			}
		}
	}

	accumulateCloseSteps(alias, ev, mp.CloseSteps, in.closeStepStates, windows, baselines)

	return result
}

// Close evaluates close steps against their accumulated state and produces
// the final CloseOutput for this instance.
func (in *Instance) Close(ruleName string, mp plan.MatchPlan, reason CloseReason, watermarkNanos int64) CloseOutput {
	closeOK, closeStepData := evaluateCloseSteps(mp.CloseSteps, in.closeStepStates, reason)
	return CloseOutput{
		RuleName:       ruleName,
		ScopeKey:       in.ScopeKey,
		CloseReason:    reason,
		EventOK:        in.eventOK,
		CloseOK:        closeOK,
		EventStepData:  in.completedSteps,
		CloseStepData:  closeStepData,
		WatermarkNanos: watermarkNanos,
		LastEventNanos: in.lastEventNanos,
	}
}

// evaluateStep evaluates all branches of step whose Source matches alias,
// applying strict guard semantics (only an explicit Bool(true) passes),
// returning the first branch that crosses its threshold.
func evaluateStep(alias string, ev event.Event, step plan.Step, stepState *StepState, windows expr.WindowLookup, baselines expr.Baselines) (branchIdx int, measureVal float64, ok bool) {
	for i, branch := range step.Branches {
		if branch.Source != alias {
			continue
		}

		if branch.Guard != nil {
			v := expr.Eval(branch.Guard, ev, windows, baselines)
			b, isBool := boolValue(v)
			if !isBool || !b {
				continue
			}
		}

		fieldValue := extractBranchField(ev, branch.Field)

		bs := &stepState.BranchStates[i]
		if !applyTransforms(branch.Agg.Transforms, fieldValue, bs) {
			continue
		}
		updateMeasure(branch.Agg.Measure, fieldValue, bs)

		if satisfiesThreshold(branch.Agg, *bs) {
			return i, computeMeasure(branch.Agg.Measure, *bs), true
		}
	}
	return 0, 0, false
}

// accumulateCloseSteps folds ev into every close-step branch whose Source
// matches alias, with permissive guard semantics: only an explicit
// Bool(false) blocks accumulation, so an absent or non-bool guard result
// (e.g. a close_reason guard, not yet meaningful during event processing)
// never suppresses accumulation.
func accumulateCloseSteps(alias string, ev event.Event, closeSteps []plan.Step, closeStepStates []StepState, windows expr.WindowLookup, baselines expr.Baselines) {
	for stepIdx, step := range closeSteps {
		stepState := &closeStepStates[stepIdx]
		for branchIdx, branch := range step.Branches {
			if branch.Source != alias {
				continue
			}

			if branch.Guard != nil {
				v := expr.Eval(branch.Guard, ev, windows, baselines)
				if b, isBool := boolValue(v); isBool && !b {
					continue
				}
			}

			fieldValue := extractBranchField(ev, branch.Field)
			bs := &stepState.BranchStates[branchIdx]
			if !applyTransforms(branch.Agg.Transforms, fieldValue, bs) {
				continue
			}
			updateMeasure(branch.Agg.Measure, fieldValue, bs)
		}
	}
}

// evaluateCloseSteps evaluates every close step against its accumulated
// state (no new accumulation), building a synthetic event carrying
// close_reason for guard evaluation.
func evaluateCloseSteps(closeSteps []plan.Step, closeStepStates []StepState, reason CloseReason) (closeOK bool, data []StepData) {
	synthetic := event.New().With("close_reason", event.Str(reason.String()))

	closeOK = true
	data = make([]StepData, 0, len(closeSteps))

	for stepIdx, step := range closeSteps {
		stepState := closeStepStates[stepIdx]
		if branchIdx, measureVal, ok := evaluateCloseStep(step, stepState, synthetic); ok {
			data = append(data, StepData{
				SatisfiedBranchIndex: branchIdx,
				Label:                step.Branches[branchIdx].Label,
				MeasureValue:         measureVal,
			})
		} else {
			closeOK = false
			data = append(data, StepData{})
		}
	}
	return closeOK, data
}

// evaluateCloseStep evaluates a single close step's branches against
// already-accumulated state, with the same permissive guard semantics as
// accumulateCloseSteps, but no new accumulation — the first branch whose
// threshold is already satisfied wins.
func evaluateCloseStep(step plan.Step, stepState StepState, synthetic event.Event) (branchIdx int, measureVal float64, ok bool) {
	for i, branch := range step.Branches {
		if branch.Guard != nil {
			v := expr.Eval(branch.Guard, synthetic, nil, nil)
			if b, isBool := boolValue(v); isBool && !b {
				continue
			}
		}

		bs := stepState.BranchStates[i]
		if satisfiesThreshold(branch.Agg, bs) {
			return i, computeMeasure(branch.Agg.Measure, bs), true
		}
	}
	return 0, 0, false
}

// satisfiesThreshold evaluates branch.Agg.Cmp/Threshold against bs, trying
// the constant-numeric fast path before falling back to a Value-based
// comparison for Min/Max on non-numeric fields.
func satisfiesThreshold(agg plan.AggPlan, bs BranchState) bool {
	fConst, fConstOk := expr.TryConstFloat(agg.Threshold)
	valConst, valConstOk := expr.TryConstValue(agg.Threshold)
	return checkThreshold(agg, bs, fConst, fConstOk, valConst, valConstOk)
}

func extractBranchField(ev event.Event, field *plan.FieldSelector) *event.Value {
	if field == nil {
		return nil
	}
	v, ok := ev.Get(field.Name)
	if !ok {
		return nil
	}
	return &v
}

func boolValue(v *event.Value) (bool, bool) {
	if v == nil {
		return false, false
	}
	return v.AsBool()
}

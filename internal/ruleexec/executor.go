// Package ruleexec composes AlertRecords from CEP match/close outputs: it
// evaluates a RulePlan's score, entity, and yield expressions against a
// synthetic evaluation event built from the matched scope key and step
// data, then formats the wall-clock fired_at timestamp and the composite
// alert_id.
package ruleexec

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/wp-labs/wp-reactor-sub001/internal/alert"
	"github.com/wp-labs/wp-reactor-sub001/internal/cep"
	"github.com/wp-labs/wp-reactor-sub001/internal/event"
	"github.com/wp-labs/wp-reactor-sub001/internal/expr"
	"github.com/wp-labs/wp-reactor-sub001/internal/plan"
)

// Executor evaluates score/entity/yield expressions from one RulePlan and
// produces AlertRecords from CEP match and close outputs. Stateless save
// for the plan itself — safe to share across goroutines (the process-wide
// alert sequence counter is the only mutable state, and it is atomic).
type Executor struct {
	plan plan.RulePlan
}

// New builds an Executor for p.
func New(p plan.RulePlan) *Executor {
	return &Executor{plan: p}
}

// Plan returns the RulePlan the executor was built from.
func (x *Executor) Plan() plan.RulePlan { return x.plan }

// ExecuteMatch produces an AlertRecord from an on-event match.
func (x *Executor) ExecuteMatch(matched cep.MatchedContext) (alert.AlertRecord, error) {
	ctx := buildEvalContext(x.plan.MatchPlan.Keys, matched.ScopeKey, matched.StepData)

	score, err := evalScore(x.plan.ScorePlan, ctx)
	if err != nil {
		return alert.AlertRecord{}, fmt.Errorf("ruleexec: rule %q: %w", x.plan.Name, err)
	}
	entityID, err := evalEntityID(x.plan.EntityPlan.EntityIDExpr, ctx)
	if err != nil {
		return alert.AlertRecord{}, fmt.Errorf("ruleexec: rule %q: %w", x.plan.Name, err)
	}

	firedAt := formatFiredAt(time.Now())
	alertID := buildAlertID(x.plan.Name, matched.ScopeKey, firedAt)
	summary := buildSummary(x.plan.Name, x.plan.MatchPlan.Keys, matched.ScopeKey, matched.StepData, nil)

	return alert.AlertRecord{
		AlertID:     alertID,
		RuleName:    x.plan.Name,
		Score:       score,
		EntityType:  x.plan.EntityPlan.EntityType,
		EntityID:    entityID,
		CloseReason: nil,
		FiredAt:     firedAt,
		YieldTarget: yieldTarget(x.plan.YieldPlan),
		YieldFields: evalYieldFields(x.plan.YieldPlan, ctx),
		Summary:     summary,
	}, nil
}

// ExecuteClose produces an AlertRecord from a close output, or (nil, nil)
// when !EventOK || !CloseOK — the instance never fully satisfied the rule.
func (x *Executor) ExecuteClose(out cep.CloseOutput) (*alert.AlertRecord, error) {
	if !out.EventOK || !out.CloseOK {
		return nil, nil
	}

	allStepData := make([]cep.StepData, 0, len(out.EventStepData)+len(out.CloseStepData))
	allStepData = append(allStepData, out.EventStepData...)
	allStepData = append(allStepData, out.CloseStepData...)

	ctx := buildEvalContext(x.plan.MatchPlan.Keys, out.ScopeKey, allStepData)

	score, err := evalScore(x.plan.ScorePlan, ctx)
	if err != nil {
		return nil, fmt.Errorf("ruleexec: rule %q: %w", x.plan.Name, err)
	}
	entityID, err := evalEntityID(x.plan.EntityPlan.EntityIDExpr, ctx)
	if err != nil {
		return nil, fmt.Errorf("ruleexec: rule %q: %w", x.plan.Name, err)
	}

	closeReasonStr := out.CloseReason.String()
	firedAt := formatFiredAt(time.Now())
	alertID := buildAlertID(x.plan.Name, out.ScopeKey, firedAt)
	summary := buildSummary(x.plan.Name, x.plan.MatchPlan.Keys, out.ScopeKey, allStepData, &closeReasonStr)

	return &alert.AlertRecord{
		AlertID:     alertID,
		RuleName:    x.plan.Name,
		Score:       score,
		EntityType:  x.plan.EntityPlan.EntityType,
		EntityID:    entityID,
		CloseReason: &closeReasonStr,
		FiredAt:     firedAt,
		YieldTarget: yieldTarget(x.plan.YieldPlan),
		YieldFields: evalYieldFields(x.plan.YieldPlan, ctx),
		Summary:     summary,
	}, nil
}

// buildEvalContext assembles a synthetic Event from match context so
// score/entity/yield expressions can reference both scope-key fields and
// step labels by name.
//
//   - keys[i] -> scopeKey[i], with the value's original type preserved.
//   - Every labelled step's label -> Number(measure_value), skipped when
//     the label collides with a key field name (keys take priority).
func buildEvalContext(keys []string, scopeKey []event.Value, stepData []cep.StepData) event.Event {
	ctx := event.New()
	for i, name := range keys {
		if i >= len(scopeKey) {
			break
		}
		ctx = ctx.With(name, scopeKey[i])
	}
	for _, sd := range stepData {
		if sd.Label == "" {
			continue
		}
		if _, exists := ctx.Get(sd.Label); exists {
			continue
		}
		ctx = ctx.With(sd.Label, event.Number(sd.MeasureValue))
	}
	return ctx
}

func evalScore(scoreExpr *expr.Expr, ctx event.Event) (float64, error) {
	v := expr.Eval(scoreExpr, ctx, nil, nil)
	if v == nil {
		return 0, fmt.Errorf("score expression evaluated to no value")
	}
	n, ok := v.AsNumber()
	if !ok {
		return 0, fmt.Errorf("score expression evaluated to non-numeric value %q", v.String())
	}
	return clampScore(n), nil
}

func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func evalEntityID(entityIDExpr *expr.Expr, ctx event.Event) (string, error) {
	v := expr.Eval(entityIDExpr, ctx, nil, nil)
	if v == nil {
		return "", fmt.Errorf("entity_id expression evaluated to no value")
	}
	return v.String(), nil
}

func yieldTarget(yp *plan.YieldPlan) *string {
	if yp == nil || yp.Target == "" {
		return nil
	}
	target := yp.Target
	return &target
}

// evalYieldFields evaluates each named expression in yp.Fields against
// ctx, in plan order. A field whose expression evaluates to no value is
// carried through with a nil Value so AlertRecord's marshaller can drop
// it, matching "unknown or empty yield fields are omitted."
func evalYieldFields(yp *plan.YieldPlan, ctx event.Event) []alert.YieldField {
	if yp == nil || len(yp.Fields) == 0 {
		return nil
	}
	out := make([]alert.YieldField, 0, len(yp.Fields))
	for _, f := range yp.Fields {
		v := expr.Eval(f.Expr, ctx, nil, nil)
		out = append(out, alert.YieldField{Name: f.Name, Value: valueToJSON(v)})
	}
	return out
}

func valueToJSON(v *event.Value) interface{} {
	if v == nil {
		return nil
	}
	switch v.Kind() {
	case event.KindNumber:
		n, _ := v.AsNumber()
		return n
	case event.KindBool:
		b, _ := v.AsBool()
		return b
	default:
		return v.String()
	}
}

// formatFiredAt renders t as an ISO-8601 UTC string with millisecond
// precision, using a hand-rolled civil-calendar conversion rather than a
// calendar library dependency (see civilFromDays).
func formatFiredAt(t time.Time) string {
	t = t.UTC()
	unixNanos := t.UnixNano()
	totalSecs := unixNanos / int64(time.Second)
	millis := (unixNanos / int64(time.Millisecond)) % 1000
	if millis < 0 {
		millis += 1000
	}

	secsOfDay := totalSecs % 86400
	if secsOfDay < 0 {
		secsOfDay += 86400
	}
	daysSinceEpoch := floorDiv(totalSecs, 86400)

	year, month, day := civilFromDays(daysSinceEpoch)
	hour := secsOfDay / 3600
	minute := (secsOfDay % 3600) / 60
	second := secsOfDay % 60

	return fmt.Sprintf("%04d-%02d-%02dT%02d:%02d:%02d.%03dZ",
		year, month, day, hour, minute, second, millis)
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// civilFromDays converts days since 1970-01-01 to (year, month, day) using
// Howard Hinnant's civil_from_days algorithm:
// https://howardhinnant.github.io/date_algorithms.html#civil_from_days
func civilFromDays(z int64) (year int64, month, day uint32) {
	z += 719468
	var era int64
	if z >= 0 {
		era = z / 146097
	} else {
		era = (z - 146096) / 146097
	}
	doe := uint64(z - era*146097)                                      // [0, 146096]
	yoe := (doe - doe/1460 + doe/36524 - doe/146096) / 365             // [0, 399]
	y := int64(yoe) + era*400
	doy := doe - (365*yoe + yoe/4 - yoe/100) // [0, 365]
	mp := (5*doy + 2) / 153                  // [0, 11]
	d := doy - (153*mp+2)/5 + 1              // [1, 31]
	var m uint64
	if mp < 10 {
		m = mp + 3
	} else {
		m = mp - 9
	}
	if m <= 2 {
		y++
	}
	return y, uint32(m), uint32(d)
}

// alertSeq is the process-wide monotonic counter appended to every
// alert_id for same-millisecond uniqueness.
var alertSeq uint64

// encodeAlertSegment percent-encodes the characters that would otherwise
// break alert_id's "rule|keys|fired_at#seq" structure: '%', '|', '#', and
// the unit separator '\x1f'.
func encodeAlertSegment(s string) string {
	if !strings.ContainsAny(s, "%|#\x1f") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch r {
		case '%':
			b.WriteString("%25")
		case '|':
			b.WriteString("%7C")
		case '#':
			b.WriteString("%23")
		case '\x1f':
			b.WriteString("%1F")
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// buildAlertID composes "rule|key1\x1fkey2|fired_at#seq": each segment
// percent-encoded, scope-key components joined with the unit separator,
// and a process-wide sequence number for uniqueness within one
// millisecond. An empty scope key (a rule with no match keys) renders as
// the literal segment "global".
func buildAlertID(ruleName string, scopeKey []event.Value, firedAt string) string {
	ruleEnc := encodeAlertSegment(ruleName)

	var keysPart string
	if len(scopeKey) == 0 {
		keysPart = "global"
	} else {
		parts := make([]string, len(scopeKey))
		for i, v := range scopeKey {
			parts[i] = encodeAlertSegment(v.String())
		}
		keysPart = strings.Join(parts, "\x1f")
	}

	seq := atomic.AddUint64(&alertSeq, 1) - 1
	return fmt.Sprintf("%s|%s|%s#%d", ruleEnc, keysPart, firedAt, seq)
}

// buildSummary composes the human-readable summary:
// "rule=<name>; scope=[k=v,...]; stepN=<measure>|label=<measure>...; [close_reason=<r>]".
func buildSummary(ruleName string, keys []string, scopeKey []event.Value, stepData []cep.StepData, closeReason *string) string {
	parts := make([]string, 0, 2+len(stepData)+1)
	parts = append(parts, "rule="+ruleName)

	if len(scopeKey) == 0 {
		parts = append(parts, "scope=global")
	} else {
		keyStrs := make([]string, 0, len(scopeKey))
		for i, v := range scopeKey {
			name := ""
			if i < len(keys) {
				name = keys[i]
			}
			keyStrs = append(keyStrs, fmt.Sprintf("%s=%s", name, v.String()))
		}
		parts = append(parts, fmt.Sprintf("scope=[%s]", strings.Join(keyStrs, ", ")))
	}

	for i, sd := range stepData {
		if sd.Label != "" {
			parts = append(parts, fmt.Sprintf("%s=%.1f", sd.Label, sd.MeasureValue))
		} else {
			parts = append(parts, fmt.Sprintf("step%d=%.1f", i, sd.MeasureValue))
		}
	}

	if closeReason != nil {
		parts = append(parts, "close_reason="+*closeReason)
	}

	return strings.Join(parts, "; ")
}

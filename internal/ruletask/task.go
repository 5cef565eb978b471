// Package ruletask implements the per-rule scheduler: one task per rule,
// reading new batches from its bound windows via cursor-based replay,
// advancing a CEP Manager, executing matches/closes into AlertRecords,
// rate-limiting emission, and racing window notifications against a
// timeout-scan ticker and shutdown cancellation.
package ruletask

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/wp-labs/wp-reactor-sub001/internal/alert"
	"github.com/wp-labs/wp-reactor-sub001/internal/cep"
	"github.com/wp-labs/wp-reactor-sub001/internal/event"
	"github.com/wp-labs/wp-reactor-sub001/internal/expr"
	"github.com/wp-labs/wp-reactor-sub001/internal/plan"
	"github.com/wp-labs/wp-reactor-sub001/internal/ratelimit"
	"github.com/wp-labs/wp-reactor-sub001/internal/ruleexec"
	"github.com/wp-labs/wp-reactor-sub001/internal/window"
)

// taskSeq is a process-wide counter used to build a unique task_id
// (rule_name#seq) when the same rule is scheduled more than once, e.g.
// across a config reload.
var taskSeq uint64

// aliasBind is one (alias, optional filter) pair reading from a window,
// pre-grouped by window name so Pull never re-scans the full bind list
// per batch.
type aliasBind struct {
	alias  string
	filter *expr.Expr
}

// Config bundles everything a Task needs to run.
type Config struct {
	Plan                plan.RulePlan
	Registry            *window.Registry
	Lookup              expr.WindowLookup // typically the shared *window.Router
	Sink                alert.Sink
	TimeoutScanInterval time.Duration
	Logger              zerolog.Logger
}

// Task holds all mutable runtime state for one rule's processing loop. It
// owns its CEP Manager exclusively — no locking — matching the upstream
// "each engine task owns its state machine exclusively" invariant.
type Task struct {
	id     string
	log    zerolog.Logger
	plan   plan.RulePlan
	binds  map[string][]aliasBind // window name -> aliases reading from it

	registry *window.Registry
	lookup   expr.WindowLookup
	sink     alert.Sink

	manager   *cep.Manager
	executor  *ruleexec.Executor
	limiter   *ratelimit.EmitLimiter
	baselines expr.Baselines

	cursors             map[string]uint64
	timeoutScanInterval time.Duration
}

// New builds a Task from cfg: groups binds by window, seeds each window's
// cursor at its current NextSeq (historical data is never replayed), and
// constructs an EmitLimiter when the plan's limits_plan configures a
// non-empty max_emit_rate.
func New(cfg Config) (*Task, error) {
	binds := make(map[string][]aliasBind)
	for _, b := range cfg.Plan.Binds {
		if !cfg.Registry.Contains(b.Window) {
			return nil, fmt.Errorf("ruletask: rule %q binds alias %q to unknown window %q", cfg.Plan.Name, b.Alias, b.Window)
		}
		binds[b.Window] = append(binds[b.Window], aliasBind{alias: b.Alias, filter: b.Filter})
	}

	cursors := make(map[string]uint64, len(binds))
	for windowName := range binds {
		e := cfg.Registry.GetWindow(windowName)
		buf := e.RLock()
		cursors[windowName] = buf.NextSeq()
		e.RUnlock()
	}

	seq := atomic.AddUint64(&taskSeq, 1) - 1
	taskID := fmt.Sprintf("%s#%d", cfg.Plan.Name, seq)

	var limiter *ratelimit.EmitLimiter
	if lp := cfg.Plan.LimitsPlan; lp != nil && len(lp.MaxEmitRate) > 0 {
		rates := make(map[time.Duration]int, len(lp.MaxEmitRate))
		for _, rl := range lp.MaxEmitRate {
			rates[rl.Window.AsDuration()] = rl.Count
		}
		policy := convertExceedPolicy(lp.OnExceed)
		limiter = ratelimit.NewEmitLimiter(rates, policy)
	}

	return &Task{
		id:                  taskID,
		log:                 cfg.Logger.With().Str("rule", cfg.Plan.Name).Str("task_id", taskID).Logger(),
		plan:                cfg.Plan,
		binds:               binds,
		registry:            cfg.Registry,
		lookup:              cfg.Lookup,
		sink:                cfg.Sink,
		manager:             cep.NewManager(cfg.Plan.Name, cfg.Plan.MatchPlan),
		executor:            ruleexec.New(cfg.Plan),
		limiter:             limiter,
		baselines:           make(expr.Baselines),
		cursors:             cursors,
		timeoutScanInterval: cfg.TimeoutScanInterval,
	}, nil
}

func convertExceedPolicy(p plan.ExceedPolicy) ratelimit.ExceedPolicy {
	switch p {
	case plan.ExceedDropOldest:
		return ratelimit.PolicyDropOldest
	case plan.ExceedFailRule:
		return ratelimit.PolicyFailRule
	default:
		return ratelimit.PolicyThrottle
	}
}

// Run drives the task until ctx is cancelled: it pulls and advances,
// then races every bound window's notifier against the timeout-scan
// ticker and ctx.Done(), using reflect.Select since the window count is
// only known at construction time (the Go analogue of enabling every
// window's pre-registered Notified future before the blocking select, as
// upstream's poll_any_notified does).
func (t *Task) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.timeoutScanInterval)
	defer ticker.Stop()

	windowNames := make([]string, 0, len(t.binds))
	for name := range t.binds {
		windowNames = append(windowNames, name)
	}

	for {
		t.pullAndAdvance()

		cases := make([]reflect.SelectCase, 0, len(windowNames)+2)
		for _, name := range windowNames {
			e := t.registry.GetWindow(name)
			ch := e.Notifier().Wait()
			cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ch)})
		}
		tickerIdx := len(cases)
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ticker.C)})
		doneIdx := len(cases)
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ctx.Done())})

		chosen, _, _ := reflect.Select(cases)
		switch {
		case chosen == doneIdx:
			t.pullAndAdvance()
			t.flush()
			t.log.Debug().Msg("rule task shutdown complete")
			return ctx.Err()
		case chosen == tickerIdx:
			t.scanTimeouts()
		default:
			// Data arrived on a window notifier — loop back to read it.
		}
	}
}

// pullAndAdvance reads new batches from every bound window, converts them
// to events, applies each alias's optional bind filter, and advances the
// CEP manager.
func (t *Task) pullAndAdvance() {
	for windowName, aliases := range t.binds {
		e := t.registry.GetWindow(windowName)

		buf := e.RLock()
		batches, newCursor, gap := buf.ReadSince(t.cursors[windowName])
		e.RUnlock()

		if gap {
			t.log.Warn().Str("window", windowName).Msg("cursor gap detected — some data was lost to eviction")
		}
		t.cursors[windowName] = newCursor

		for _, bat := range batches {
			timeField := ""
			if bat.TimeIndex >= 0 && bat.TimeIndex < len(bat.Schema) {
				timeField = bat.Schema[bat.TimeIndex].Name
			}
			for _, ev := range bat.Events() {
				eventTimeNanos := eventTime(ev, timeField)
				for _, ab := range aliases {
					if ab.filter != nil {
						v := expr.Eval(ab.filter, ev, t.lookup, t.baselines)
						if b, ok := v.AsBool(); !ok || !b {
							continue
						}
					}
					result := t.manager.AdvanceAt(ab.alias, scopeKeyFor(t.plan.MatchPlan.Keys, ev), ev, eventTimeNanos, t.lookup, t.baselines)
					if result.Kind == cep.Matched {
						t.emitMatch(*result.Matched)
					}
				}
			}
		}
	}
}

// scopeKeyFor projects ev's named fields into the scope-key tuple the CEP
// manager indexes instances by. A missing field projects as an empty
// string, matching the event package's null-by-absence model.
func scopeKeyFor(keys []string, ev event.Event) []event.Value {
	if len(keys) == 0 {
		return nil
	}
	out := make([]event.Value, len(keys))
	for i, k := range keys {
		v, ok := ev.Get(k)
		if !ok {
			v = event.Str("")
		}
		out[i] = v
	}
	return out
}

func eventTime(ev event.Event, timeField string) int64 {
	if timeField == "" {
		return 0
	}
	v, ok := ev.Get(timeField)
	if !ok {
		return 0
	}
	n, ok := v.AsNumber()
	if !ok {
		return 0
	}
	return int64(n)
}

// scanTimeouts closes every instance whose sliding-window deadline has
// passed as of the rule's current watermark and emits any resulting
// alerts.
func (t *Task) scanTimeouts() {
	watermark := t.currentWatermark()
	for _, closeOut := range t.manager.ScanExpiredAt(watermark) {
		t.emitClose(closeOut)
	}
}

// flush closes every active instance under CloseFlush (shutdown drain)
// and emits any resulting alerts.
func (t *Task) flush() {
	emitted := 0
	for _, closeOut := range t.manager.CloseAll(cep.CloseFlush, t.currentWatermark()) {
		if closeOut.EventOK && closeOut.CloseOK {
			emitted++
		}
		t.emitClose(closeOut)
	}
	if emitted > 0 {
		t.log.Debug().Int("alerts", emitted).Msg("flush complete")
	}
}

// currentWatermark reports the maximum watermark across every bound
// window, since a rule's instances may read from more than one window.
func (t *Task) currentWatermark() int64 {
	var max int64
	for windowName := range t.binds {
		e := t.registry.GetWindow(windowName)
		buf := e.RLock()
		wm := buf.WatermarkNanos()
		e.RUnlock()
		if wm > max {
			max = wm
		}
	}
	return max
}

func (t *Task) emitMatch(matched cep.MatchedContext) {
	record, err := t.executor.ExecuteMatch(matched)
	if err != nil {
		t.log.Warn().Err(err).Msg("execute_match error")
		return
	}
	t.emit(record)
}

func (t *Task) emitClose(closeOut cep.CloseOutput) {
	record, err := t.executor.ExecuteClose(closeOut)
	if err != nil {
		t.log.Warn().Err(err).Msg("execute_close error")
		return
	}
	if record == nil {
		return
	}
	t.emit(*record)
}

func (t *Task) emit(record alert.AlertRecord) {
	category := scopeKeyCategory(record.AlertID)
	if allowed, err := t.limiter.Allow(category); err != nil {
		t.log.Warn().Err(err).Str("scope", category).Msg("emit rate exceeded")
		return
	} else if !allowed {
		t.log.Debug().Str("scope", category).Msg("alert dropped by emit rate limiter")
		return
	}

	if err := t.sink.Send(record); err != nil {
		t.log.Warn().Err(err).Msg("alert sink error")
	}
}

// scopeKeyCategory derives the EmitLimiter category from an alert_id's
// percent-encoded key segment — the same value build_alert_id joined with
// the unit separator, reused here instead of threading the raw scope key
// through a second parameter.
func scopeKeyCategory(alertID string) string {
	start := strings.IndexByte(alertID, '|') + 1
	if start == 0 {
		return alertID
	}
	rest := alertID[start:]
	if end := strings.IndexByte(rest, '|'); end >= 0 {
		return rest[:end]
	}
	return rest
}

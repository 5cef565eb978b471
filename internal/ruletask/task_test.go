package ruletask

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/wp-labs/wp-reactor-sub001/internal/alert"
	"github.com/wp-labs/wp-reactor-sub001/internal/batch"
	"github.com/wp-labs/wp-reactor-sub001/internal/expr"
	"github.com/wp-labs/wp-reactor-sub001/internal/humantime"
	"github.com/wp-labs/wp-reactor-sub001/internal/plan"
	"github.com/wp-labs/wp-reactor-sub001/internal/window"
)

// testSchema is a 2-column window: a string key and a numeric timestamp.
func testSchema() []plan.FieldSchema {
	return []plan.FieldSchema{
		{Name: "host", Type: plan.FieldStr},
		{Name: "ts", Type: plan.FieldTimestamp},
	}
}

func buildRegistry(t *testing.T, windowName string, over time.Duration) *window.Registry {
	t.Helper()
	reg, err := window.Build([]window.Def{
		{
			Params: window.Params{
				Name:      windowName,
				Schema:    testSchema(),
				TimeIndex: 1,
				Over:      over,
			},
			Streams: []string{"s1"},
			Config:  plan.WindowConfig{},
		},
	})
	if err != nil {
		t.Fatalf("window.Build: %v", err)
	}
	return reg
}

// appendRow appends one (host, ts) row directly to windowName's buffer,
// bypassing the router since these tests exercise ruletask in isolation.
func appendRow(t *testing.T, reg *window.Registry, windowName, host string, tsNanos int64) {
	t.Helper()
	bat := &batch.Batch{
		Schema:    testSchema(),
		TimeIndex: 1,
		Rows:      1,
		Columns: []batch.Column{
			{Type: plan.FieldStr, Strs: []string{host}, Valid: []bool{true}},
			{Type: plan.FieldTimestamp, Numbers: []float64{float64(tsNanos)}, Valid: []bool{true}},
		},
	}
	e := reg.GetWindow(windowName)
	buf := e.Lock()
	if _, err := buf.AppendWithWatermark(bat); err != nil {
		e.Unlock()
		t.Fatalf("AppendWithWatermark: %v", err)
	}
	e.Unlock()
}

// countPlan builds a rule that matches on the second event bound to alias
// "a" reading from windowName, scoped by "host".
func countPlan(windowName string) plan.RulePlan {
	return plan.RulePlan{
		Name: "many_events",
		Binds: []plan.Bind{
			{Alias: "a", Window: windowName},
		},
		MatchPlan: plan.MatchPlan{
			Keys:       []string{"host"},
			WindowSpec: plan.WindowSpec{Kind: plan.WindowSliding, Duration: 5 * time.Minute},
			EventSteps: []plan.Step{
				{
					Branches: []plan.Branch{
						{
							Source: "a",
							Agg: plan.AggPlan{
								Measure:   plan.MeasureCount,
								Cmp:       plan.CmpGe,
								Threshold: expr.Num(2),
							},
						},
					},
				},
			},
		},
		EntityPlan: plan.EntityPlan{
			EntityType:   "host",
			EntityIDExpr: expr.Field("host"),
		},
		ScorePlan: expr.Num(80),
	}
}

type recordingSink struct {
	mu      sync.Mutex
	records []alert.AlertRecord
}

func (s *recordingSink) Send(record alert.AlertRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, record)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func TestNewRejectsUnknownWindowBind(t *testing.T) {
	reg := buildRegistry(t, "w1", 0)
	p := countPlan("w1")
	p.Binds = append(p.Binds, plan.Bind{Alias: "b", Window: "does_not_exist"})

	_, err := New(Config{
		Plan:                p,
		Registry:            reg,
		Sink:                &recordingSink{},
		TimeoutScanInterval: time.Minute,
		Logger:              testLogger(),
	})
	if err == nil {
		t.Fatal("expected error binding to unknown window")
	}
}

func TestNewSeedsCursorAtNextSeq(t *testing.T) {
	reg := buildRegistry(t, "w1", 0)
	appendRow(t, reg, "w1", "host-a", 1) // historical data, predates the task

	sink := &recordingSink{}
	task, err := New(Config{
		Plan:                countPlan("w1"),
		Registry:            reg,
		Sink:                sink,
		TimeoutScanInterval: time.Minute,
		Logger:              testLogger(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// Historical row must not be replayed.
	task.pullAndAdvance()
	if sink.count() != 0 {
		t.Fatalf("historical data should not be replayed, got %d alerts", sink.count())
	}

	// Fresh rows after construction advance the manager normally.
	appendRow(t, reg, "w1", "host-a", 2)
	appendRow(t, reg, "w1", "host-a", 3)
	task.pullAndAdvance()
	if sink.count() != 1 {
		t.Fatalf("expected 1 alert after 2 fresh events, got %d", sink.count())
	}
}

func TestPullAndAdvanceDeliversMatchToSink(t *testing.T) {
	reg := buildRegistry(t, "w1", 0)
	sink := &recordingSink{}
	task, err := New(Config{
		Plan:                countPlan("w1"),
		Registry:            reg,
		Sink:                sink,
		TimeoutScanInterval: time.Minute,
		Logger:              testLogger(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	appendRow(t, reg, "w1", "host-a", 1)
	appendRow(t, reg, "w1", "host-a", 2)
	task.pullAndAdvance()

	if sink.count() != 1 {
		t.Fatalf("expected 1 alert, got %d", sink.count())
	}
	rec := sink.records[0]
	if rec.EntityID != "host-a" {
		t.Errorf("EntityID = %q, want host-a", rec.EntityID)
	}
	if rec.Score != 80 {
		t.Errorf("Score = %v, want 80", rec.Score)
	}
}

func TestBindFilterSuppressesEvents(t *testing.T) {
	reg := buildRegistry(t, "w1", 0)
	p := countPlan("w1")
	// Only events with host == "host-a" count toward the match.
	p.Binds[0].Filter = expr.Binary(expr.OpEq, expr.Field("host"), expr.StrLitExpr("host-a"))

	sink := &recordingSink{}
	task, err := New(Config{
		Plan:                p,
		Registry:            reg,
		Sink:                sink,
		TimeoutScanInterval: time.Minute,
		Logger:              testLogger(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	appendRow(t, reg, "w1", "host-b", 1)
	appendRow(t, reg, "w1", "host-b", 2)
	task.pullAndAdvance()
	if sink.count() != 0 {
		t.Fatalf("events failing the bind filter must not advance the manager, got %d alerts", sink.count())
	}

	appendRow(t, reg, "w1", "host-a", 3)
	appendRow(t, reg, "w1", "host-a", 4)
	task.pullAndAdvance()
	if sink.count() != 1 {
		t.Fatalf("expected 1 alert from the filtered-in host, got %d", sink.count())
	}
}

func TestScanTimeoutsClosesExpiredInstances(t *testing.T) {
	reg := buildRegistry(t, "w1", 0)
	p := countPlan("w1")
	p.MatchPlan.WindowSpec.Duration = 10 * time.Second
	// Threshold never satisfied by one event, so the instance survives to
	// its timeout deadline instead of matching immediately.
	p.MatchPlan.EventSteps[0].Branches[0].Agg.Threshold = expr.Num(100)

	sink := &recordingSink{}
	task, err := New(Config{
		Plan:                p,
		Registry:            reg,
		Sink:                sink,
		TimeoutScanInterval: time.Minute,
		Logger:              testLogger(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	appendRow(t, reg, "w1", "host-a", int64(5*time.Second))
	task.pullAndAdvance()
	if task.manager.Len() != 1 {
		t.Fatalf("expected 1 live instance, got %d", task.manager.Len())
	}

	// Advance the window watermark past the instance's deadline and scan.
	appendRow(t, reg, "w1", "host-b", int64(30*time.Second))
	task.pullAndAdvance()
	task.scanTimeouts()

	if task.manager.Len() != 1 {
		t.Fatalf("expected host-a's instance closed by timeout, %d remain", task.manager.Len())
	}
}

func TestFlushEmitsCloseAlerts(t *testing.T) {
	reg := buildRegistry(t, "w1", 0)
	p := countPlan("w1")
	p.MatchPlan.CloseSteps = []plan.Step{
		{
			Branches: []plan.Branch{
				{
					Source: "a",
					Agg: plan.AggPlan{
						Measure:   plan.MeasureCount,
						Cmp:       plan.CmpGe,
						Threshold: expr.Num(1),
					},
				},
			},
		},
	}
	// Satisfied by the single event below, but a rule with close steps never
	// emits an on-event match alert — EventOK becomes true and the instance
	// is carried into the close phase, where flush is what actually produces
	// the alert.
	p.MatchPlan.EventSteps[0].Branches[0].Agg.Threshold = expr.Num(1)

	sink := &recordingSink{}
	task, err := New(Config{
		Plan:                p,
		Registry:            reg,
		Sink:                sink,
		TimeoutScanInterval: time.Minute,
		Logger:              testLogger(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	appendRow(t, reg, "w1", "host-a", 1)
	task.pullAndAdvance()
	if sink.count() != 0 {
		t.Fatalf("expected no alert before flush (close steps defer emission), got %d", sink.count())
	}

	task.flush()

	if sink.count() != 1 {
		t.Fatalf("expected 1 close alert from flush, got %d", sink.count())
	}
	closeRecord := sink.records[0]
	if closeRecord.CloseReason == nil || *closeRecord.CloseReason != "flush" {
		t.Errorf("CloseReason = %v, want flush", closeRecord.CloseReason)
	}
	if task.manager.Len() != 0 {
		t.Errorf("flush should remove every instance, %d remain", task.manager.Len())
	}
}

// TestEmitRateLimiterThrottlesExcessAlerts exercises emit()'s integration
// with the configured EmitLimiter directly against two synthetic records
// sharing the same scope-key segment of their alert_id, sidestepping the
// CEP lifecycle (an Instance only ever matches once before it must be
// closed and recreated) to isolate the throttle/category-derivation logic.
func TestEmitRateLimiterThrottlesExcessAlerts(t *testing.T) {
	reg := buildRegistry(t, "w1", 0)
	p := countPlan("w1")
	p.LimitsPlan = &plan.LimitsPlan{
		MaxEmitRate: []plan.RateLimit{
			{Window: humantime.NewDuration(time.Minute), Count: 1},
		},
		OnExceed: plan.ExceedThrottle,
	}

	sink := &recordingSink{}
	task, err := New(Config{
		Plan:                p,
		Registry:            reg,
		Sink:                sink,
		TimeoutScanInterval: time.Minute,
		Logger:              testLogger(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if task.limiter == nil {
		t.Fatal("expected a non-nil EmitLimiter from a configured LimitsPlan")
	}

	rec1 := alert.AlertRecord{AlertID: "many_events|host-a|2026-07-29T00:00:00.000Z#0"}
	rec2 := alert.AlertRecord{AlertID: "many_events|host-a|2026-07-29T00:00:00.100Z#1"}
	task.emit(rec1)
	task.emit(rec2)

	if sink.count() != 1 {
		t.Fatalf("expected only 1 alert admitted under max_emit_rate=1/min for the same scope key, got %d", sink.count())
	}

	// A distinct scope key is an independent category and is unaffected.
	rec3 := alert.AlertRecord{AlertID: "many_events|host-b|2026-07-29T00:00:00.200Z#2"}
	task.emit(rec3)
	if sink.count() != 2 {
		t.Fatalf("expected a different scope key's alert to be admitted independently, got %d", sink.count())
	}
}

type failingSink struct{}

func (failingSink) Send(alert.AlertRecord) error { return errors.New("boom") }

func TestEmitLogsSinkErrorsWithoutPanicking(t *testing.T) {
	reg := buildRegistry(t, "w1", 0)
	task, err := New(Config{
		Plan:                countPlan("w1"),
		Registry:            reg,
		Sink:                failingSink{},
		TimeoutScanInterval: time.Minute,
		Logger:              testLogger(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	appendRow(t, reg, "w1", "host-a", 1)
	appendRow(t, reg, "w1", "host-a", 2)
	task.pullAndAdvance() // must not panic despite the sink failing
}

func TestRunReactsToWindowNotification(t *testing.T) {
	reg := buildRegistry(t, "w1", 0)
	sink := &recordingSink{}
	task, err := New(Config{
		Plan:                countPlan("w1"),
		Registry:            reg,
		Sink:                sink,
		TimeoutScanInterval: time.Hour, // never ticks during this test
		Logger:              testLogger(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- task.Run(ctx) }()

	appendRow(t, reg, "w1", "host-a", 1)
	appendRow(t, reg, "w1", "host-a", 2)
	reg.GetWindow("w1").Notifier().Notify()

	deadline := time.After(2 * time.Second)
	for sink.count() == 0 {
		select {
		case <-deadline:
			cancel()
			<-done
			t.Fatal("timed out waiting for Run to observe the notified data")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestRunFlushesOnCancellation(t *testing.T) {
	reg := buildRegistry(t, "w1", 0)
	p := countPlan("w1")
	p.MatchPlan.CloseSteps = []plan.Step{
		{
			Branches: []plan.Branch{
				{
					Source: "a",
					Agg: plan.AggPlan{
						Measure:   plan.MeasureCount,
						Cmp:       plan.CmpGe,
						Threshold: expr.Num(1),
					},
				},
			},
		},
	}
	// Satisfied by the single event below, but a rule with close steps never
	// emits an on-event match alert — EventOK becomes true and the instance
	// is carried into the close phase, where shutdown's flush is what
	// actually produces the alert.
	p.MatchPlan.EventSteps[0].Branches[0].Agg.Threshold = expr.Num(1)

	sink := &recordingSink{}
	task, err := New(Config{
		Plan:                p,
		Registry:            reg,
		Sink:                sink,
		TimeoutScanInterval: time.Hour,
		Logger:              testLogger(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	appendRow(t, reg, "w1", "host-a", 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- task.Run(ctx) }()

	// Give the loop one pass so the row above is picked up before shutdown.
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	if sink.count() != 1 {
		t.Fatalf("expected 1 close alert from flush-on-shutdown, got %d", sink.count())
	}
	closeRecord := sink.records[0]
	if closeRecord.CloseReason == nil || *closeRecord.CloseReason != "flush" {
		t.Errorf("CloseReason = %v, want flush", closeRecord.CloseReason)
	}
}

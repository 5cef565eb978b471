package window

import (
	"github.com/wp-labs/wp-reactor-sub001/internal/batch"
	"github.com/wp-labs/wp-reactor-sub001/internal/plan"
)

// RouteReport summarises a single Router.Route call.
type RouteReport struct {
	Delivered       int
	DroppedLate     int
	SkippedNonLocal int
}

// Router is the watermark-aware routing layer wrapping a Registry.
type Router struct {
	registry *Registry
}

// NewRouter builds a Router over an already-built Registry.
func NewRouter(registry *Registry) *Router {
	return &Router{registry: registry}
}

// Registry exposes the underlying registry for window lookups (has(),
// snapshot joins) that must happen without holding any window's write lock.
func (r *Router) Registry() *Registry {
	return r.registry
}

// Route delivers bat to every window subscribed to streamTag. A tag with no
// subscribers is a successful no-op. For each Local-mode subscriber it
// calls AppendWithWatermark; on Appended it notifies the window's notifier
// only after releasing the write lock, so that waiters can immediately
// acquire a read lock. Non-local subscriptions are counted as
// SkippedNonLocal and never delivered (no distributed/replicated/
// partitioned mode is implemented).
func (r *Router) Route(streamTag string, bat *batch.Batch) (RouteReport, error) {
	var report RouteReport

	for _, sub := range r.registry.subscribersOf(streamTag) {
		if sub.mode != plan.DistLocal {
			report.SkippedNonLocal++
			continue
		}

		e := r.registry.GetWindow(sub.windowName)
		if e == nil {
			continue // registry invariant violation would be a bug, not a runtime error
		}

		buf := e.Lock()
		outcome, err := buf.AppendWithWatermark(bat)
		e.Unlock()
		if err != nil {
			return report, err
		}

		switch outcome {
		case Appended:
			report.Delivered++
			e.Notifier().Notify()
		case DroppedLate:
			report.DroppedLate++
		}
	}

	return report, nil
}

// SnapshotFieldValues returns distinct stringified values of field in the
// named window, for the expression evaluator's has() builtin. Returns
// (nil, false) if the window does not exist.
func (r *Router) SnapshotFieldValues(windowName, field string) (map[string]struct{}, bool) {
	bats, ok := r.registry.Snapshot(windowName)
	if !ok {
		return nil, false
	}
	out := make(map[string]struct{})
	for _, bat := range bats {
		for _, ev := range bat.Events() {
			if v, present := ev.Get(field); present {
				out[v.String()] = struct{}{}
			}
		}
	}
	return out, true
}

package cep

import (
	"strings"

	"github.com/wp-labs/wp-reactor-sub001/internal/event"
	"github.com/wp-labs/wp-reactor-sub001/internal/expr"
	"github.com/wp-labs/wp-reactor-sub001/internal/plan"
)

// scopeKeySeparator joins per-field scope-key components into one map key.
// Unit separator (0x1f) never occurs in the rendering of a number or a
// bool. Components are not escaped, so a string value that itself contains
// 0x1f can make two distinct key tuples join to the same map key.
const scopeKeySeparator = "\x1f"

// ScopeKeyString renders a scope-key tuple into the string used to index
// Manager's instance map.
func ScopeKeyString(keys []event.Value) string {
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteString(scopeKeySeparator)
		}
		b.WriteString(k.String())
	}
	return b.String()
}

// tracked pairs an Instance with the watermark-relative deadline at which
// it becomes eligible for timeout closure.
type tracked struct {
	instance *Instance
	deadline int64 // nanoseconds; compared against the routed watermark
}

// Manager owns every live Instance for one rule: one Instance per distinct
// scope-key tuple observed so far. It is owned exclusively by the rule
// task that created it — no internal locking.
type Manager struct {
	ruleName string
	plan     plan.MatchPlan
	windowNs int64 // Sliding/Fixed width or Session gap, from plan.WindowSpec.Duration

	instances map[string]*tracked
}

// NewManager builds an empty Manager for one rule's MatchPlan.
func NewManager(ruleName string, mp plan.MatchPlan) *Manager {
	return &Manager{
		ruleName:  ruleName,
		plan:      mp,
		windowNs:  mp.WindowSpec.Duration.Nanoseconds(),
		instances: make(map[string]*tracked),
	}
}

// Len reports the number of live instances.
func (m *Manager) Len() int { return len(m.instances) }

// AdvanceAt routes one event (already known to belong to scopeKey) into its
// Instance, creating a fresh Instance on first sight of that scope-key
// tuple. eventTimeNanos also extends the instance's timeout deadline by the
// MatchPlan's window duration (sliding semantics: every event pushes the
// deadline forward).
func (m *Manager) AdvanceAt(alias string, scopeKey []event.Value, ev event.Event, eventTimeNanos int64, windows expr.WindowLookup, baselines expr.Baselines) AdvanceResult {
	key := ScopeKeyString(scopeKey)
	tr, exists := m.instances[key]
	if !exists {
		tr = &tracked{instance: NewInstance(scopeKey, m.plan)}
		m.instances[key] = tr
	}

	tr.deadline = eventTimeNanos + m.windowNs

	result := tr.instance.Advance(m.ruleName, alias, ev, eventTimeNanos, m.plan, windows, baselines)
	if result.Kind == Matched {
		delete(m.instances, key)
	}
	return result
}

// ScanExpiredAt closes and removes every instance whose deadline has
// passed as of watermarkNanos, returning one CloseOutput per closed
// instance. Instances are removed from the map before control returns to
// the caller, so a timed-out scope-key starts fresh on its next event.
func (m *Manager) ScanExpiredAt(watermarkNanos int64) []CloseOutput {
	var out []CloseOutput
	for key, tr := range m.instances {
		if watermarkNanos < tr.deadline {
			continue
		}
		out = append(out, tr.instance.Close(m.ruleName, m.plan, CloseTimeout, watermarkNanos))
		delete(m.instances, key)
	}
	return out
}

// CloseAll closes and removes every live instance under reason (Flush or
// EOS), used at shutdown and explicit flush requests.
func (m *Manager) CloseAll(reason CloseReason, watermarkNanos int64) []CloseOutput {
	out := make([]CloseOutput, 0, len(m.instances))
	for key, tr := range m.instances {
		out = append(out, tr.instance.Close(m.ruleName, m.plan, reason, watermarkNanos))
		delete(m.instances, key)
	}
	return out
}

package ratelimit

import "time"

// ExceedPolicy names what happens to an alert emission that would exceed a
// rule's configured max_emit_rate.
type ExceedPolicy int

const (
	// PolicyThrottle silently drops the emission; the rule instance's state
	// is otherwise unaffected and may fire again once the window admits it.
	PolicyThrottle ExceedPolicy = iota
	// PolicyDropOldest evicts the single oldest tracked emission timestamp
	// for the category before re-attempting admission, biasing the limiter
	// toward the most recent activity.
	PolicyDropOldest
	// PolicyFailRule surfaces the violation to the caller as an error rather
	// than silently dropping it, so the rule task can log and count it.
	PolicyFailRule
)

// ParseExceedPolicy maps a RulePlan's on_exceed string to an ExceedPolicy.
func ParseExceedPolicy(s string) (ExceedPolicy, bool) {
	switch s {
	case "", "throttle":
		return PolicyThrottle, true
	case "drop_oldest":
		return PolicyDropOldest, true
	case "fail_rule":
		return PolicyFailRule, true
	default:
		return 0, false
	}
}

// EmitLimiter enforces a RulePlan's max_emit_rate against per-scope-key alert
// emission, applying the rule's configured on_exceed policy when a category
// would exceed its sliding-window budget.
//
// A rule with no limits_plan configured uses a nil *EmitLimiter; Allow on a
// nil receiver always admits.
type EmitLimiter struct {
	limiter *Limiter
	policy  ExceedPolicy
}

// NewEmitLimiter builds an EmitLimiter from a RulePlan's rate table and
// on_exceed policy. rates may be empty, in which case the returned limiter
// always admits.
func NewEmitLimiter(rates map[time.Duration]int, policy ExceedPolicy) *EmitLimiter {
	if len(rates) == 0 {
		return nil
	}
	return &EmitLimiter{
		limiter: NewLimiter(rates),
		policy:  policy,
	}
}

// ErrRateExceeded is returned by Allow under PolicyFailRule when the
// category's emit rate is currently exceeded.
type ErrRateExceeded struct {
	ScopeKey string
	NextSlot time.Time
}

func (e *ErrRateExceeded) Error() string {
	return "ratelimit: emit rate exceeded for scope " + e.ScopeKey
}

// Allow decides whether an alert for scopeKey may be emitted now, applying
// the configured on_exceed policy. It returns true if the alert should be
// emitted and an error only under PolicyFailRule when the rate is exceeded.
func (e *EmitLimiter) Allow(scopeKey string) (bool, error) {
	if e == nil {
		return true, nil
	}

	next, ok := e.limiter.Allow(scopeKey)
	if ok {
		return true, nil
	}

	switch e.policy {
	case PolicyDropOldest:
		e.limiter.dropOldest(scopeKey)
		_, ok2 := e.limiter.Allow(scopeKey)
		return ok2, nil
	case PolicyFailRule:
		return false, &ErrRateExceeded{ScopeKey: scopeKey, NextSlot: next}
	default: // PolicyThrottle
		return false, nil
	}
}

// dropOldest evicts the single oldest tracked timestamp for category, making
// room for a fresh admission attempt under PolicyDropOldest.
func (x *Limiter) dropOldest(category any) {
	if !x.ok() {
		return
	}
	value, loaded := x.categories.Load(category)
	if !loaded {
		return
	}
	data := value.(*categoryData)
	data.mu.Lock()
	defer data.mu.Unlock()
	if data.events.Len() > 0 {
		data.events.RemoveBefore(1)
	}
	data.storeNext(nextZeroValue)
}

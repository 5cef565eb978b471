// Package ratelimit implements multi-window sliding rate limiting per
// category, used by rule tasks to enforce a RulePlan's max_emit_rate limit.
// Rates are applied independently to each category (one category per scope
// key, or a single fixed category for a rule-wide limit), with separate
// event buckets per category.
//
// It is intended for cases that don't lend themselves well to token buckets
// or fixed-window counters: exact sliding-window enforcement over a small,
// bursty number of categories (one per active rule instance).
package ratelimit

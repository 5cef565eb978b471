// Package plan defines the intermediate representation the core consumes
// from the (out-of-scope) WFL/WFS compiler: WindowSchema, WindowConfig, and
// RulePlan. These are plain data — no behaviour — decoded from YAML
// documents and validated by the config loader.
package plan

import (
	"time"

	"github.com/wp-labs/wp-reactor-sub001/internal/expr"
	"github.com/wp-labs/wp-reactor-sub001/internal/humantime"
)

// FieldType names a typed schema column.
type FieldType int

const (
	FieldNumber FieldType = iota
	FieldStr
	FieldBool
	FieldTimestamp
)

// FieldSchema is one (name, type) pair in a WindowSchema.
type FieldSchema struct {
	Name string    `yaml:"name"`
	Type FieldType `yaml:"type"`
}

// WindowSchema is the compiler's description of a window's shape: the
// streams that feed it, its optional time column, and its retention.
type WindowSchema struct {
	Name      string            `yaml:"name"`
	Streams   []string          `yaml:"streams"`
	TimeField string            `yaml:"time_field"`
	Over      humantime.Duration `yaml:"over"`
	Fields    []FieldSchema     `yaml:"fields"`
}

// DistMode names a window's distribution mode. Only Local is implemented;
// the others are accepted by the config grammar and by validation, and the
// router skips their subscriptions (counted as SkippedNonLocal).
type DistMode int

const (
	DistLocal DistMode = iota
	DistReplicated
	DistPartitioned
)

// EvictPolicy names the memory-phase eviction strategy. The engine
// implements the "largest window first" strategy described by TimeFirst;
// Lru is accepted by the config grammar for forward compatibility.
type EvictPolicy int

const (
	EvictTimeFirst EvictPolicy = iota
	EvictLRU
)

// LatePolicy names how a window handles batches that arrive after the
// watermark has passed them by. Only Drop has defined runtime behaviour;
// Revise and SideOutput are accepted but treated as Drop (see DESIGN.md).
type LatePolicy int

const (
	LateDrop LatePolicy = iota
	LateRevise
	LateSideOutput
)

// WindowConfig is the operator-supplied operational policy for one window,
// layered on top of its WindowSchema.
type WindowConfig struct {
	Name            string             `yaml:"name"`
	Mode            DistMode           `yaml:"mode"`
	PartitionKey    string             `yaml:"partition_key"`
	MaxWindowBytes  humantime.ByteSize `yaml:"max_window_bytes"`
	OverCap         humantime.Duration `yaml:"over_cap"`
	EvictPolicy     EvictPolicy        `yaml:"evict_policy"`
	WatermarkLag    humantime.Duration `yaml:"watermark"`
	AllowedLateness humantime.Duration `yaml:"allowed_lateness"`
	LatePolicy      LatePolicy         `yaml:"late_policy"`
}

// Measure is the scalar summary computed from a branch's accumulator.
type Measure int

const (
	MeasureCount Measure = iota
	MeasureSum
	MeasureAvg
	MeasureMin
	MeasureMax
)

// Transform is a per-event filter applied before accumulation.
type Transform int

const (
	TransformDistinct Transform = iota
)

// CmpOp is a threshold comparison operator.
type CmpOp int

const (
	CmpEq CmpOp = iota
	CmpNe
	CmpLt
	CmpGt
	CmpLe
	CmpGe
)

// FieldSelector names the event field a branch aggregates over.
type FieldSelector struct {
	Name string `yaml:"name"`
}

// AggPlan is a branch's aggregation: which transforms apply, which measure
// to compute, and the threshold comparison that decides satisfaction.
type AggPlan struct {
	Transforms []Transform `yaml:"transforms"`
	Measure    Measure     `yaml:"measure"`
	Cmp        CmpOp       `yaml:"cmp"`
	Threshold  *expr.Expr  `yaml:"threshold"`
}

// Branch is one disjunct inside a Step: a source alias, optional field
// selector, optional guard, and an aggregation plan.
type Branch struct {
	Label  string         `yaml:"label"`
	Source string         `yaml:"source"`
	Field  *FieldSelector `yaml:"field"`
	Guard  *expr.Expr     `yaml:"guard"`
	Agg    AggPlan        `yaml:"agg"`
}

// Step is one ordered stage of a match plan, satisfied when any of its
// branches' measure crosses its threshold.
type Step struct {
	Branches []Branch `yaml:"branches"`
}

// WindowSpec names the match plan's windowing mode over event-time.
type WindowSpec struct {
	Kind     WindowSpecKind `yaml:"kind"`
	Duration time.Duration  `yaml:"duration"` // Sliding/Fixed width, or Session gap; a plain time.Duration, so YAML gives it as an integer nanosecond count (not a humantime literal)
}

type WindowSpecKind int

const (
	WindowSliding WindowSpecKind = iota
	WindowFixed
	WindowSession
)

// MatchPlan is the heart of a RulePlan: the scope-key projection, the
// windowing mode, and the event/close step sequences.
type MatchPlan struct {
	Keys       []string   `yaml:"keys"`
	WindowSpec WindowSpec `yaml:"window_spec"`
	EventSteps []Step     `yaml:"event_steps"`
	CloseSteps []Step     `yaml:"close_steps"`
}

// Bind associates a rule alias with a source window and an optional filter
// expression applied before the event reaches match evaluation.
type Bind struct {
	Alias  string     `yaml:"alias"`
	Window string     `yaml:"window"`
	Filter *expr.Expr `yaml:"filter"`
}

// EntityPlan composes the alert's entity_type/entity_id.
type EntityPlan struct {
	EntityType   string     `yaml:"entity_type"`
	EntityIDExpr *expr.Expr `yaml:"entity_id_expr"`
}

// YieldField is one named value expression in a YieldPlan.
type YieldField struct {
	Name string     `yaml:"name"`
	Expr *expr.Expr `yaml:"expr"`
}

// YieldPlan names additional structured fields attached to an alert.
type YieldPlan struct {
	Target  string       `yaml:"target"`
	Version string       `yaml:"version"`
	Fields  []YieldField `yaml:"fields"`
}

// ExceedPolicy names what happens when a rule's max_emit_rate is exceeded.
type ExceedPolicy int

const (
	ExceedThrottle ExceedPolicy = iota
	ExceedDropOldest
	ExceedFailRule
)

// RateLimit is one (window, count) pair in a LimitsPlan.max_emit_rate.
type RateLimit struct {
	Window humantime.Duration `yaml:"window"`
	Count  int                `yaml:"count"`
}

// LimitsPlan bounds a rule instance's resource usage and emission rate.
type LimitsPlan struct {
	MaxStateBytes  humantime.ByteSize `yaml:"max_state_bytes"`
	MaxCardinality int                `yaml:"max_cardinality"`
	MaxEmitRate    []RateLimit        `yaml:"max_emit_rate"`
	OnExceed       ExceedPolicy       `yaml:"on_exceed"`
}

// ConvPlan is a post-match conversion chain (sort/top/dedup/where) applied
// to close-phase outputs in Fixed window rules.
type ConvPlan struct {
	Sort  []string   `yaml:"sort"`
	Top   int        `yaml:"top"`
	Dedup []string   `yaml:"dedup"`
	Where *expr.Expr `yaml:"where"`
}

// RulePlan is the complete, already-validated description of one rule, as
// produced by the (out-of-scope) compiler.
type RulePlan struct {
	Name       string      `yaml:"name"`
	Binds      []Bind      `yaml:"binds"`
	MatchPlan  MatchPlan   `yaml:"match_plan"`
	EntityPlan EntityPlan  `yaml:"entity_plan"`
	YieldPlan  *YieldPlan  `yaml:"yield_plan"`
	ScorePlan  *expr.Expr  `yaml:"score_plan"`
	ConvPlan   *ConvPlan   `yaml:"conv_plan"`
	LimitsPlan *LimitsPlan `yaml:"limits_plan"`
}

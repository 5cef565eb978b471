// Package window implements the windowed batch store: append-only columnar
// buffers with watermarks, late-data policy, cursor-based replay, and
// global-memory eviction, plus the registry/router pair that feeds them
// from the TCP ingest path and the per-rule scheduler that reads from them.
package window

import (
	"fmt"
	"time"

	"github.com/wp-labs/wp-reactor-sub001/internal/batch"
	"github.com/wp-labs/wp-reactor-sub001/internal/plan"
)

// AppendOutcome reports what append_with_watermark did with a batch.
type AppendOutcome int

const (
	Appended AppendOutcome = iota
	DroppedLate
)

// seqBatch pairs a monotonic sequence number with its batch.
type seqBatch struct {
	seq   uint64
	batch *batch.Batch
}

// Params describes a window's static shape, independent of operator policy.
type Params struct {
	Name        string
	Schema      []plan.FieldSchema
	TimeIndex   int // index into Schema, or -1 if the window has no time column
	Over        time.Duration
}

// Buffer is one window's append-only batch sequence plus watermark and
// eviction bookkeeping. Callers are expected to hold the owning registry
// entry's lock (entry.Lock/RLock) — Buffer itself does no locking, matching
// the split between Router and Evictor (writers) and rule tasks (readers)
// each taking that window's RWMutex.
type Buffer struct {
	Params Params
	Config plan.WindowConfig

	batches        []seqBatch
	nextSeq        uint64
	firstSurviving uint64 // seq of the oldest batch still resident
	watermarkNanos int64
}

// NewBuffer constructs an empty window buffer.
func NewBuffer(params Params, config plan.WindowConfig) *Buffer {
	return &Buffer{Params: params, Config: config}
}

// Append validates schema shape and appends unconditionally, assigning the
// next sequence number. Used by tests and static lookup tables that do not
// need watermark tracking.
func (b *Buffer) Append(bat *batch.Batch) error {
	if !batch.SchemaEqual(bat.Schema, b.Params.Schema) {
		return fmt.Errorf("window: schema mismatch appending to %q", b.Params.Name)
	}
	b.appendUnchecked(bat)
	return nil
}

func (b *Buffer) appendUnchecked(bat *batch.Batch) {
	seq := b.nextSeq
	b.nextSeq++
	if len(b.batches) == 0 {
		b.firstSurviving = seq
	}
	b.batches = append(b.batches, seqBatch{seq: seq, batch: bat})
}

// AppendWithWatermark computes the batch's max event-time; if the window's
// late_policy is Drop and that time is strictly less than
// watermark - allowed_lateness, the batch is rejected as DroppedLate and
// never stored. Otherwise it is appended and the watermark advances to
// max(watermark, max_event_time - watermark_lag).
//
// late_policy values Revise and SideOutput are treated identically to Drop
// at runtime (see DESIGN.md); only Drop has defined behaviour upstream.
func (b *Buffer) AppendWithWatermark(bat *batch.Batch) (AppendOutcome, error) {
	if !batch.SchemaEqual(bat.Schema, b.Params.Schema) {
		return 0, fmt.Errorf("window: schema mismatch appending to %q", b.Params.Name)
	}

	maxTime, hasTime := bat.MaxEventTimeNanos()

	lateCutoff := b.watermarkNanos - b.Config.AllowedLateness.AsDuration().Nanoseconds()
	if hasTime && maxTime < lateCutoff {
		return DroppedLate, nil
	}

	b.appendUnchecked(bat)

	if hasTime {
		lag := b.Config.WatermarkLag.AsDuration().Nanoseconds()
		candidate := maxTime - lag
		if candidate > b.watermarkNanos {
			b.watermarkNanos = candidate
		}
	}
	return Appended, nil
}

// Snapshot clones the current ordered batch list.
func (b *Buffer) Snapshot() []*batch.Batch {
	out := make([]*batch.Batch, len(b.batches))
	for i, sb := range b.batches {
		out[i] = sb.batch
	}
	return out
}

// ReadSince returns all batches with seq >= cursor, the cursor's new value
// (one past the highest seq returned, or cursor unchanged if none), and
// whether a gap was detected (cursor predates the first surviving batch,
// meaning some batches in [cursor, firstSurviving) were evicted before this
// reader ever saw them).
func (b *Buffer) ReadSince(cursor uint64) (batches []*batch.Batch, newCursor uint64, gapDetected bool) {
	gapDetected = len(b.batches) > 0 && cursor < b.firstSurviving
	newCursor = cursor
	for _, sb := range b.batches {
		if sb.seq >= cursor {
			batches = append(batches, sb.batch)
			newCursor = sb.seq + 1
		}
	}
	return batches, newCursor, gapDetected
}

// EvictExpired drops all batches whose max event-time is strictly less than
// now_nanos - over. A window with Over == 0 is static and never evicted by
// time.
func (b *Buffer) EvictExpired(nowNanos int64) (evicted int) {
	if b.Params.Over == 0 {
		return 0
	}
	cutoff := nowNanos - b.Params.Over.Nanoseconds()
	kept := b.batches[:0]
	for _, sb := range b.batches {
		maxTime, hasTime := sb.batch.MaxEventTimeNanos()
		if hasTime && maxTime < cutoff {
			evicted++
			continue
		}
		kept = append(kept, sb)
	}
	b.batches = kept
	b.updateFirstSurviving()
	return evicted
}

// EvictOldest removes and returns the oldest resident batch, or nil if the
// buffer is empty. Used by the global memory evictor.
func (b *Buffer) EvictOldest() *batch.Batch {
	if len(b.batches) == 0 {
		return nil
	}
	oldest := b.batches[0]
	b.batches = b.batches[1:]
	b.updateFirstSurviving()
	return oldest.batch
}

func (b *Buffer) updateFirstSurviving() {
	if len(b.batches) > 0 {
		b.firstSurviving = b.batches[0].seq
	}
}

// MemoryUsage sums MemoryUsage over all resident batches.
func (b *Buffer) MemoryUsage() int {
	total := 0
	for _, sb := range b.batches {
		total += sb.batch.MemoryUsage()
	}
	return total
}

// NextSeq returns the seq that will be assigned to the next appended
// batch — the initial cursor value for a new reader, since historical data
// is never replayed.
func (b *Buffer) NextSeq() uint64 {
	return b.nextSeq
}

// BatchCount reports the number of resident batches.
func (b *Buffer) BatchCount() int {
	return len(b.batches)
}

// WatermarkNanos returns the current watermark.
func (b *Buffer) WatermarkNanos() int64 {
	return b.watermarkNanos
}

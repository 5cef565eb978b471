// Package batch implements the columnar record batch that flows from the
// TCP ingest path through the router into window buffers: an ordered
// (name, type) schema, a row count, and column arrays. Batches are
// immutable once produced.
package batch

import (
	"fmt"

	"github.com/wp-labs/wp-reactor-sub001/internal/event"
	"github.com/wp-labs/wp-reactor-sub001/internal/plan"
)

// Column is one typed column's backing storage. Exactly one of the slices
// is populated, selected by the parallel entry in Schema.Fields[i].Type.
// Nulls are represented by a Valid bitmap.
type Column struct {
	Type    plan.FieldType
	Numbers []float64 // FieldNumber, FieldTimestamp (nanoseconds as float64)
	Strs    []string  // FieldStr
	Bools   []bool    // FieldBool
	Valid   []bool    // len == row count; false marks a null at that row
}

// Batch is an immutable columnar record batch.
type Batch struct {
	Schema    []plan.FieldSchema
	TimeIndex int // index into Schema of the time column, or -1
	Rows      int
	Columns   []Column
}

// Validate checks that Columns line up with Schema and that every column's
// backing slice has exactly Rows entries.
func (b *Batch) Validate() error {
	if len(b.Columns) != len(b.Schema) {
		return fmt.Errorf("batch: %d columns but schema has %d fields", len(b.Columns), len(b.Schema))
	}
	for i, col := range b.Columns {
		if len(col.Valid) != b.Rows {
			return fmt.Errorf("batch: column %d (%s) has %d valid-bits, want %d", i, b.Schema[i].Name, len(col.Valid), b.Rows)
		}
		if col.Type != b.Schema[i].Type {
			return fmt.Errorf("batch: column %d (%s) has type %v, schema says %v", i, b.Schema[i].Name, col.Type, b.Schema[i].Type)
		}
		var n int
		switch col.Type {
		case plan.FieldNumber, plan.FieldTimestamp:
			n = len(col.Numbers)
		case plan.FieldStr:
			n = len(col.Strs)
		case plan.FieldBool:
			n = len(col.Bools)
		default:
			continue
		}
		if n != b.Rows {
			return fmt.Errorf("batch: column %d (%s) has %d values, want %d", i, b.Schema[i].Name, n, b.Rows)
		}
	}
	return nil
}

// SchemaEqual reports whether two schemas describe the same ordered
// (name, type) list.
func SchemaEqual(a, b []plan.FieldSchema) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Name != b[i].Name || a[i].Type != b[i].Type {
			return false
		}
	}
	return true
}

// MaxEventTimeNanos returns the maximum value in the time column, or
// (0, false) if there is no time column or the batch is empty.
func (b *Batch) MaxEventTimeNanos() (int64, bool) {
	if b.TimeIndex < 0 || b.TimeIndex >= len(b.Columns) || b.Rows == 0 {
		return 0, false
	}
	col := b.Columns[b.TimeIndex]
	var max int64
	found := false
	for i := 0; i < b.Rows; i++ {
		if !col.Valid[i] {
			continue
		}
		v := int64(col.Numbers[i])
		if !found || v > max {
			max = v
			found = true
		}
	}
	return max, found
}

// MemoryUsage estimates resident bytes, mirroring Arrow's
// get_array_memory_size: a flat sum over each column's backing storage plus
// its validity bitmap, without accounting for allocator slack.
func (b *Batch) MemoryUsage() int {
	total := 0
	for _, col := range b.Columns {
		total += len(col.Valid) // 1 byte per validity entry, approximated
		switch col.Type {
		case plan.FieldNumber, plan.FieldTimestamp:
			total += len(col.Numbers) * 8
		case plan.FieldStr:
			for _, s := range col.Strs {
				total += len(s)
			}
		case plan.FieldBool:
			total += len(col.Bools)
		}
	}
	return total
}

// Events converts the batch to a slice of events, one per row. For each
// row, for each column non-null at that row, the column's typed value is
// mapped into an event.Value; columns outside {Number, Str, Bool,
// Timestamp} are ignored, and Timestamp columns map to Number (nanoseconds)
// like any other numeric field so rule expressions can reference them.
func (b *Batch) Events() []event.Event {
	out := make([]event.Event, b.Rows)
	for r := 0; r < b.Rows; r++ {
		ev := event.New()
		for c, field := range b.Schema {
			col := b.Columns[c]
			if !col.Valid[r] {
				continue
			}
			switch field.Type {
			case plan.FieldNumber, plan.FieldTimestamp:
				ev.Fields[field.Name] = event.Number(col.Numbers[r])
			case plan.FieldStr:
				ev.Fields[field.Name] = event.Str(col.Strs[r])
			case plan.FieldBool:
				ev.Fields[field.Name] = event.Bool(col.Bools[r])
			}
		}
		out[r] = ev
	}
	return out
}

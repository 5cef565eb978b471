// Package alert defines the AlertRecord output type and the sink
// interfaces that consume it: a single-file JSON-Lines sink and a
// fan-out broadcaster over multiple sinks.
package alert

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/wp-labs/wp-reactor-sub001/internal/jsonenc"
)

// YieldField is one ordered (name, value) pair attached to an alert by a
// rule's yield_plan. Value is already a JSON-marshalable scalar (string,
// float64, or bool) — the rule executor resolves the underlying
// expr.Expr before constructing this.
type YieldField struct {
	Name  string
	Value interface{}
}

// AlertRecord is the structured output of a matched or closed rule
// instance. MatchedRows is an internal bookkeeping field and is never
// serialised; YieldFields are emitted as additional top-level keys in
// their original order, skipping any field whose Value is nil.
type AlertRecord struct {
	AlertID     string
	RuleName    string
	Score       float64
	EntityType  string
	EntityID    string
	CloseReason *string
	FiredAt     string
	YieldTarget *string
	YieldFields []YieldField
	Summary     string

	// MatchedRows is populated by L2 join execution (out of scope here);
	// always empty in this implementation and never serialised.
	MatchedRows []interface{}
}

// MarshalJSON renders the fixed fields first, in the order shown by the
// wire-format example, followed by any non-nil yield fields in plan order.
func (r AlertRecord) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')

	writeField := func(first bool, key string, val interface{}) error {
		if !first {
			buf.WriteByte(',')
		}
		buf.WriteByte('"')
		buf.WriteString(key)
		buf.WriteString("\":")
		// Every float64 value (the score, and any yield field value that
		// is a float64) is rendered through jsonenc directly rather than
		// round-tripping through encoding/json's reflection-based float path.
		if f, ok := val.(float64); ok {
			buf.Write(jsonenc.AppendFloat64(nil, f))
			return nil
		}
		enc, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(enc)
		return nil
	}

	fields := []struct {
		key string
		val interface{}
	}{
		{"alert_id", r.AlertID},
		{"rule_name", r.RuleName},
		{"score", r.Score},
		{"entity_type", r.EntityType},
		{"entity_id", r.EntityID},
		{"close_reason", r.CloseReason},
		{"fired_at", r.FiredAt},
		{"yield_target", r.YieldTarget},
		{"summary", r.Summary},
	}
	for i, f := range fields {
		if err := writeField(i == 0, f.key, f.val); err != nil {
			return nil, err
		}
	}
	for _, yf := range r.YieldFields {
		if yf.Value == nil {
			continue
		}
		if err := writeField(false, yf.Name, yf.Value); err != nil {
			return nil, err
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Sink is implemented by alert output destinations.
type Sink interface {
	Send(record AlertRecord) error
}

// FileSink appends alerts as JSON Lines to a file, guarded by a mutex so
// concurrent rule tasks can share one sink safely.
type FileSink struct {
	mu   sync.Mutex
	file *os.File
}

// OpenFileSink opens (creating if necessary) path in append mode.
func OpenFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("alert: open sink file %q: %w", path, err)
	}
	return &FileSink{file: f}, nil
}

// Send writes record as one JSON line, flushing immediately so alerts
// survive a subsequent crash.
func (s *FileSink) Send(record AlertRecord) error {
	enc, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("alert: marshal record: %w", err)
	}
	enc = append(enc, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.file.Write(enc); err != nil {
		return fmt.Errorf("alert: write sink file: %w", err)
	}
	return s.file.Sync()
}

// Close releases the underlying file handle.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// FanOutSink broadcasts each record to every wrapped sink, continuing
// past individual failures and reporting only the first error.
type FanOutSink struct {
	sinks []Sink
}

// NewFanOutSink builds a FanOutSink over sinks, in delivery order.
func NewFanOutSink(sinks []Sink) *FanOutSink {
	return &FanOutSink{sinks: sinks}
}

// Send delivers record to every sink regardless of earlier failures,
// returning the first error encountered (if any).
func (f *FanOutSink) Send(record AlertRecord) error {
	var firstErr error
	for _, s := range f.sinks {
		if err := s.Send(record); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

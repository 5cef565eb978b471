// Package ingest implements the TCP frame receiver: one goroutine per
// accepted connection, each looping over a 4-byte big-endian length-prefix
// framing of Arrow-IPC stream payloads, decoded via
// github.com/apache/arrow-go/v18's ipc.Reader and converted into the
// engine's internal batch.Batch before being handed to the router.
package ingest

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog"

	"github.com/wp-labs/wp-reactor-sub001/internal/batch"
	"github.com/wp-labs/wp-reactor-sub001/internal/plan"
	"github.com/wp-labs/wp-reactor-sub001/internal/window"
)

// streamTagKey is the Arrow schema metadata key naming a record batch's
// destination stream.
const streamTagKey = "stream_tag"

// timeFieldKey optionally names which column is the batch's event-time
// column; absent, the converted batch carries no time index.
const timeFieldKey = "time_field"

// Receiver accepts connections on a TCP listener and routes every decoded
// record batch through router.Route.
type Receiver struct {
	router *window.Router
	log    zerolog.Logger
}

// New builds a Receiver over router, logging through log.
func New(router *window.Router, log zerolog.Logger) *Receiver {
	return &Receiver{router: router, log: log.With().Str("component", "ingest").Logger()}
}

// Serve accepts connections on ln until ctx is cancelled or ln's Accept
// fails. Each connection is handled in its own goroutine; a malformed frame
// closes only that connection. Serve returns ctx.Err() on cancellation.
func (r *Receiver) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("ingest: accept: %w", err)
		}
		go r.handleConn(ctx, conn)
	}
}

func (r *Receiver) handleConn(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr().String()
	log := r.log.With().Str("remote_addr", remote).Logger()
	defer conn.Close()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		var lenBuf [4]byte
		if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
			if err != io.EOF {
				log.Warn().Err(err).Msg("ingest: truncated frame length prefix, closing connection")
			}
			return
		}
		frameLen := binary.BigEndian.Uint32(lenBuf[:])

		payload := make([]byte, frameLen)
		if _, err := io.ReadFull(conn, payload); err != nil {
			log.Warn().Err(err).Msg("ingest: truncated frame payload, closing connection")
			return
		}

		bat, streamTag, err := decodeFrame(payload)
		if err != nil {
			log.Warn().Err(err).Msg("ingest: malformed frame, closing connection")
			return
		}

		if _, err := r.router.Route(streamTag, bat); err != nil {
			log.Warn().Err(err).Str("stream_tag", streamTag).Msg("ingest: route error, closing connection")
			return
		}
	}
}

// decodeFrame parses one Arrow-IPC record batch from payload and converts
// it into an internal batch.Batch, returning the stream_tag it was tagged
// with.
func decodeFrame(payload []byte) (*batch.Batch, string, error) {
	reader, err := ipc.NewReader(bytes.NewReader(payload), ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return nil, "", fmt.Errorf("ingest: ipc decode: %w", err)
	}
	defer reader.Release()

	if !reader.Next() {
		if err := reader.Err(); err != nil {
			return nil, "", fmt.Errorf("ingest: ipc decode: %w", err)
		}
		return nil, "", fmt.Errorf("ingest: empty record batch")
	}
	rec := reader.Record()

	streamTag, ok := metadataValue(rec.Schema().Metadata(), streamTagKey)
	if !ok || streamTag == "" {
		return nil, "", fmt.Errorf("ingest: record batch missing %q metadata", streamTagKey)
	}
	timeField, _ := metadataValue(rec.Schema().Metadata(), timeFieldKey)

	bat, err := recordToBatch(rec, timeField)
	if err != nil {
		return nil, "", err
	}
	return bat, streamTag, nil
}

// recordToBatch converts an Arrow array.Record into the engine's internal
// columnar batch representation, mapping each Arrow array kind to the
// matching plan.FieldType.
func recordToBatch(rec arrow.Record, timeField string) (*batch.Batch, error) {
	numFields := int(rec.NumCols())
	rows := int(rec.NumRows())

	schema := make([]plan.FieldSchema, numFields)
	columns := make([]batch.Column, numFields)
	timeIndex := -1

	for i := 0; i < numFields; i++ {
		name := rec.ColumnName(i)
		if name == timeField && timeField != "" {
			timeIndex = i
		}

		col, fieldType, err := convertColumn(rec.Column(i), name == timeField)
		if err != nil {
			return nil, fmt.Errorf("ingest: column %q: %w", name, err)
		}
		schema[i] = plan.FieldSchema{Name: name, Type: fieldType}
		columns[i] = col
	}

	bat := &batch.Batch{Schema: schema, TimeIndex: timeIndex, Rows: rows, Columns: columns}
	if err := bat.Validate(); err != nil {
		return nil, fmt.Errorf("ingest: %w", err)
	}
	return bat, nil
}

// convertColumn converts one Arrow array into a batch.Column, choosing the
// internal plan.FieldType from the array's concrete type. asTime forces the
// FieldTimestamp representation for a column named by time_field metadata
// even when its Arrow type is a plain integer/float.
func convertColumn(arr arrow.Array, asTime bool) (batch.Column, plan.FieldType, error) {
	rows := arr.Len()
	valid := make([]bool, rows)
	for i := 0; i < rows; i++ {
		valid[i] = !arr.IsNull(i)
	}

	switch a := arr.(type) {
	case *array.Float64:
		nums := make([]float64, rows)
		for i := 0; i < rows; i++ {
			if valid[i] {
				nums[i] = a.Value(i)
			}
		}
		ft := plan.FieldNumber
		if asTime {
			ft = plan.FieldTimestamp
		}
		return batch.Column{Type: ft, Numbers: nums, Valid: valid}, ft, nil

	case *array.Int64:
		nums := make([]float64, rows)
		for i := 0; i < rows; i++ {
			if valid[i] {
				nums[i] = float64(a.Value(i))
			}
		}
		ft := plan.FieldNumber
		if asTime {
			ft = plan.FieldTimestamp
		}
		return batch.Column{Type: ft, Numbers: nums, Valid: valid}, ft, nil

	case *array.Timestamp:
		unit := a.DataType().(*arrow.TimestampType).Unit
		nums := make([]float64, rows)
		for i := 0; i < rows; i++ {
			if valid[i] {
				nums[i] = float64(toNanoseconds(int64(a.Value(i)), unit))
			}
		}
		return batch.Column{Type: plan.FieldTimestamp, Numbers: nums, Valid: valid}, plan.FieldTimestamp, nil

	case *array.String:
		strs := make([]string, rows)
		for i := 0; i < rows; i++ {
			if valid[i] {
				strs[i] = a.Value(i)
			}
		}
		return batch.Column{Type: plan.FieldStr, Strs: strs, Valid: valid}, plan.FieldStr, nil

	case *array.Boolean:
		bools := make([]bool, rows)
		for i := 0; i < rows; i++ {
			if valid[i] {
				bools[i] = a.Value(i)
			}
		}
		return batch.Column{Type: plan.FieldBool, Bools: bools, Valid: valid}, plan.FieldBool, nil

	default:
		return batch.Column{}, 0, fmt.Errorf("unsupported arrow type %s", arr.DataType())
	}
}

func toNanoseconds(v int64, unit arrow.TimeUnit) int64 {
	switch unit {
	case arrow.Second:
		return v * 1e9
	case arrow.Millisecond:
		return v * 1e6
	case arrow.Microsecond:
		return v * 1e3
	default: // arrow.Nanosecond
		return v
	}
}

// metadataValue looks up key in md, the way arrow.Metadata's parallel
// key/value slices are meant to be queried.
func metadataValue(md arrow.Metadata, key string) (string, bool) {
	idx := md.FindKey(key)
	if idx < 0 {
		return "", false
	}
	return md.Values()[idx], true
}

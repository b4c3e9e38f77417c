package ingest

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// Sink receives every non-empty batch in stream order. Batches are shared
// between sinks and must not be modified.
type Sink interface {
	Consume(ctx context.Context, b Batch) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, b Batch) error

// Consume calls f(ctx, b).
func (f SinkFunc) Consume(ctx context.Context, b Batch) error { return f(ctx, b) }

// JSONLSink writes one JSON object per packet.
type JSONLSink struct {
	mu       sync.Mutex
	enc      *json.Encoder
	typeName func(int) string
}

type jsonRecord struct {
	TS         string    `json:"ts"`
	Batch      uint64    `json:"batch"`
	Type       int       `json:"type"`
	TypeName   string    `json:"type_name,omitempty"`
	ByteLength int       `json:"byte_length"`
	Params     []int     `json:"params"`
	Data       []float64 `json:"data"`
}

// NewJSONLSink returns a sink writing to w. typeName, when non-nil, labels
// each record with a readable packet type.
func NewJSONLSink(w io.Writer, typeName func(int) string) *JSONLSink {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &JSONLSink{enc: enc, typeName: typeName}
}

func (j *JSONLSink) Consume(_ context.Context, b Batch) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	ts := b.ReceivedAt.UTC().Format(time.RFC3339Nano)
	for _, p := range b.Packets {
		rec := jsonRecord{
			TS:         ts,
			Batch:      b.Seq,
			Type:       p.Type,
			ByteLength: p.ByteLength,
			Params:     p.Params,
			Data:       p.Data,
		}
		if j.typeName != nil {
			rec.TypeName = j.typeName(p.Type)
		}
		if err := j.enc.Encode(rec); err != nil {
			return err
		}
	}
	return nil
}

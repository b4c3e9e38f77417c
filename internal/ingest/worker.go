// Package ingest drives a stream.Session from a channel of raw chunks on a
// single goroutine and hands decoded packets to sinks.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/kserial/internal/monitoring"
	"github.com/banshee-data/kserial/internal/stream"
	"github.com/banshee-data/kserial/internal/timeutil"
)

var logf = monitoring.Tagged("ingest")

// OverflowPolicy selects what the worker does when a chunk does not fit in
// the session's working buffer.
type OverflowPolicy string

const (
	// OverflowDrop discards the chunk and keeps the buffered bytes.
	OverflowDrop OverflowPolicy = "drop"
	// OverflowReset resets the session and retries the chunk once.
	OverflowReset OverflowPolicy = "reset"
	// OverflowStop ends Run with the capacity error.
	OverflowStop OverflowPolicy = "stop"
)

// ParseOverflowPolicy parses a policy name. The empty string selects
// OverflowDrop.
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch p := OverflowPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return OverflowDrop, nil
	case OverflowDrop, OverflowReset, OverflowStop:
		return p, nil
	}
	return "", fmt.Errorf("unknown overflow policy %q: expected drop, reset or stop", s)
}

// Batch is the set of packets decoded from one chunk.
type Batch struct {
	Seq        uint64          `json:"seq"`
	ReceivedAt time.Time       `json:"received_at"`
	Packets    []stream.Packet `json:"packets"`
}

// Status is the worker's published view of its session. LinkDropped counts
// chunks the transport discarded before the worker read them; any non-zero
// value means the byte stream has gaps.
type Status struct {
	stream.Snapshot
	Running        bool      `json:"running"`
	DroppedChunks  uint64    `json:"dropped_chunks"`
	DecodeFailures uint64    `json:"decode_failures"`
	Resets         uint64    `json:"resets"`
	SinkErrors     uint64    `json:"sink_errors"`
	LinkDropped    uint64    `json:"link_dropped_chunks"`
	LastError      string    `json:"last_error,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Option configures a Worker.
type Option func(*Worker)

// WithSink registers a sink. Sinks are called in registration order.
func WithSink(s Sink) Option {
	return func(w *Worker) {
		if s != nil {
			w.sinks = append(w.sinks, s)
		}
	}
}

// WithOverflowPolicy sets the capacity overflow policy.
func WithOverflowPolicy(p OverflowPolicy) Option {
	return func(w *Worker) {
		if p != "" {
			w.policy = p
		}
	}
}

// WithSmoothing makes the worker advance the session's exponential frequency
// filter with weighting after every chunk that yields packets.
func WithSmoothing(weighting float64) Option {
	return func(w *Worker) { w.smoothing = weighting }
}

// WithLinkDrops reports chunks the transport discarded for this worker's
// subscription, as returned by dropped.
func WithLinkDrops(dropped func() uint64) Option {
	return func(w *Worker) { w.linkDrops = dropped }
}

// WithClock sets the clock used to stamp batches and status updates.
func WithClock(c timeutil.Clock) Option {
	return func(w *Worker) {
		if c != nil {
			w.clock = c
		}
	}
}

// Worker is the single consumer of a Session. All Session calls go through
// the worker's lock so HTTP handlers may read history and status while Run
// is active.
type Worker struct {
	clock     timeutil.Clock
	policy    OverflowPolicy
	smoothing float64
	sinks     []Sink
	linkDrops func() uint64

	mu      sync.Mutex
	session *stream.Session
	status  Status
	seq     uint64
}

// NewWorker returns a worker for session.
func NewWorker(session *stream.Session, opts ...Option) *Worker {
	w := &Worker{
		clock:   timeutil.RealClock{},
		policy:  OverflowDrop,
		session: session,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.mu.Lock()
	w.publishLocked()
	w.mu.Unlock()
	return w
}

// Run consumes chunks until ctx is cancelled or chunks is closed. A closed
// channel is a disconnect: the session is closed and Run returns nil.
func (w *Worker) Run(ctx context.Context, chunks <-chan []byte) error {
	w.setRunning(true)
	defer w.setRunning(false)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case chunk, ok := <-chunks:
			if !ok {
				w.mu.Lock()
				w.session.Close()
				w.publishLocked()
				w.mu.Unlock()
				logf("chunk source closed, session disconnected")
				return nil
			}
			if err := w.process(ctx, chunk); err != nil {
				return err
			}
		}
	}
}

func (w *Worker) process(ctx context.Context, chunk []byte) error {
	w.mu.Lock()
	packets, err := w.session.ProcessChunk(chunk)
	if err != nil {
		packets, err = w.handleLocked(chunk, err)
		if err != nil {
			w.status.LastError = err.Error()
			w.publishLocked()
			w.mu.Unlock()
			return err
		}
	}
	if len(packets) > 0 && w.smoothing > 0 {
		w.session.Frequency(w.smoothing)
	}
	w.publishLocked()
	var batch Batch
	if len(packets) > 0 {
		w.seq++
		batch = Batch{Seq: w.seq, ReceivedAt: w.status.UpdatedAt, Packets: packets}
	}
	w.mu.Unlock()

	if len(packets) == 0 {
		return nil
	}
	for _, s := range w.sinks {
		if err := s.Consume(ctx, batch); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.mu.Lock()
			w.status.SinkErrors++
			w.status.LastError = err.Error()
			w.mu.Unlock()
			logf("sink %T: %v", s, err)
		}
	}
	return nil
}

// handleLocked applies the error policy. A nil error means the worker keeps
// going with the returned packets.
func (w *Worker) handleLocked(chunk []byte, err error) ([]stream.Packet, error) {
	switch {
	case errors.Is(err, stream.ErrCapacityExceeded):
		switch w.policy {
		case OverflowStop:
			return nil, err
		case OverflowReset:
			w.status.Resets++
			logf("%v; resetting session", err)
			w.session.Reset()
			packets, retryErr := w.session.ProcessChunk(chunk)
			if retryErr == nil {
				return packets, nil
			}
			logf("chunk rejected after reset: %v", retryErr)
		default:
			logf("%v; dropping %d byte chunk", err, len(chunk))
		}
		w.status.DroppedChunks++
		w.status.LastError = err.Error()
		return nil, nil

	case errors.Is(err, stream.ErrDecodeFailure):
		w.status.DecodeFailures++
		w.status.LastError = err.Error()
		logf("%v", err)
		return nil, nil
	}
	// invalid consume and closed sessions cannot make progress
	return nil, err
}

func (w *Worker) publishLocked() {
	if w.linkDrops != nil {
		if n := w.linkDrops(); n > w.status.LinkDropped {
			logf("link dropped %d chunks (%d total); frames spanning the gap are lost",
				n-w.status.LinkDropped, n)
			w.status.LinkDropped = n
		}
	}
	w.status.Snapshot = w.session.Snapshot()
	w.status.UpdatedAt = w.clock.Now()
}

func (w *Worker) setRunning(running bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status.Running = running
}

// Status returns the most recently published status.
func (w *Worker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// History returns a copy of the session's packet history.
func (w *Worker) History() []stream.Packet {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.session.SavedPackets()
}

// EnableLossDetection toggles loss detection on the live session.
func (w *Worker) EnableLossDetection(enabled bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.session.EnableLossDetection(enabled)
	w.publishLocked()
}

// Reset clears the session's buffer, history and statistics.
func (w *Worker) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.session.Reset()
	w.status.LastError = ""
	w.publishLocked()
}

package db

import (
	"context"
	"time"

	"github.com/banshee-data/kserial/internal/ingest"
	"github.com/banshee-data/kserial/internal/stream"
	"github.com/banshee-data/kserial/internal/timeutil"
)

// Recorder writes batches and periodic statistics for one session.
type Recorder struct {
	db        *DB
	sessionID string
	clock     timeutil.Clock
}

var _ ingest.Sink = (*Recorder)(nil)

// NewRecorder starts a session row and returns a recorder bound to it.
func NewRecorder(db *DB, meta SessionMeta, clock timeutil.Clock) (*Recorder, error) {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	id, err := db.StartSession(meta, clock.Now())
	if err != nil {
		return nil, err
	}
	logf("recording session %s (%s)", id, meta.Port)
	return &Recorder{db: db, sessionID: id, clock: clock}, nil
}

// SessionID returns the id of the session being recorded.
func (r *Recorder) SessionID() string { return r.sessionID }

// Consume implements ingest.Sink.
func (r *Recorder) Consume(ctx context.Context, b ingest.Batch) error {
	return r.db.RecordPackets(ctx, r.sessionID, b.Seq, b.ReceivedAt, b.Packets)
}

// RecordStats persists one statistics snapshot.
func (r *Recorder) RecordStats(ctx context.Context, s stream.Snapshot) error {
	return r.db.RecordStats(ctx, r.sessionID, r.clock.Now(), s)
}

// Run records snapshot() every interval until ctx is done, then records a
// final snapshot and closes the session row.
func (r *Recorder) Run(ctx context.Context, interval time.Duration, snapshot func() stream.Snapshot) error {
	ticker := r.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			// the parent context is gone; give the final writes their own deadline
			final, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := r.RecordStats(final, snapshot()); err != nil {
				logf("final stats: %v", err)
			}
			return r.db.EndSession(r.sessionID, r.clock.Now())
		case <-ticker.C():
			if err := r.RecordStats(ctx, snapshot()); err != nil && ctx.Err() == nil {
				logf("stats snapshot: %v", err)
			}
		}
	}
}

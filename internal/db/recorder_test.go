package db

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/kserial/internal/ingest"
	"github.com/banshee-data/kserial/internal/stream"
	"github.com/banshee-data/kserial/internal/timeutil"
)

func TestRecorder_ConsumeAndRun(t *testing.T) {
	db := newTestDB(t)
	clock := timeutil.NewMockClock(t0)

	rec, err := NewRecorder(db, SessionMeta{Port: "dev", Decoder: "kserial"}, clock)
	require.NoError(t, err)
	require.NotEmpty(t, rec.SessionID())

	require.NoError(t, rec.Consume(context.Background(), ingest.Batch{
		Seq: 1, ReceivedAt: t0, Packets: []stream.Packet{{Type: 2, Data: []float64{7}}},
	}))

	var total uint64
	snapshot := func() stream.Snapshot {
		total++
		return stream.Snapshot{PacketTotal: total}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rec.Run(ctx, time.Second, snapshot) }()

	require.Eventually(t, func() bool {
		clock.Advance(time.Second)
		got, err := db.LatestStats(rec.SessionID())
		return err == nil && got.PacketTotal >= 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	sessions, err := db.Sessions()
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.NotNil(t, sessions[0].EndedAt)
	assert.Equal(t, int64(1), sessions[0].Packets)

	final, err := db.LatestStats(rec.SessionID())
	require.NoError(t, err)
	assert.Equal(t, total, final.PacketTotal, "a final snapshot is written on shutdown")
}

func TestAttachAdminRoutes(t *testing.T) {
	db := newTestDB(t)
	mux := http.NewServeMux()
	require.NoError(t, db.AttachAdminRoutes(mux))

	req := httptest.NewRequest(http.MethodGet, "/debug/backup", nil)
	req.RemoteAddr = "127.0.0.1:12345"
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "application/gzip", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), ".db.gz")
	assert.NotZero(t, w.Body.Len())
}

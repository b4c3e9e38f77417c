package db

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/kserial/internal/stream"
	"github.com/banshee-data/kserial/internal/testutil"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	testutil.QuietLogs(t)

	db, err := NewDB(testutil.TempPath(t, "kserial.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestNewDB_MigratesToLatest(t *testing.T) {
	db := newTestDB(t)

	version, dirty, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(LatestSchemaVersion), version)
	assert.False(t, dirty)

	for _, table := range []string{"sessions", "packets", "stats_snapshots"} {
		var n int
		require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&n))
		assert.Equal(t, 1, n, table)
	}

	// reopening an up-to-date database is a no-op
	require.NoError(t, db.MigrateUp())
}

func TestMigrateDown(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.MigrateDown())

	version, _, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE name='stats_snapshots'`).Scan(&n))
	assert.Zero(t, n)
}

func TestSessions(t *testing.T) {
	db := newTestDB(t)

	first, err := db.StartSession(SessionMeta{Port: "/dev/rfcomm0", Decoder: "kserial"}, t0)
	require.NoError(t, err)
	second, err := db.StartSession(SessionMeta{Port: "dev", Config: map[string]int{"history": 10}}, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	require.NoError(t, db.EndSession(first, t0.Add(30*time.Second)))
	assert.ErrorIs(t, db.EndSession("missing", t0), ErrUnknownSession)

	require.NoError(t, db.RecordPackets(context.Background(), first, 1, t0, []stream.Packet{{Type: 1}}))

	sessions, err := db.Sessions()
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, second, sessions[0].ID)
	assert.JSONEq(t, `{"history":10}`, sessions[0].Config)
	assert.Nil(t, sessions[0].EndedAt)

	assert.Equal(t, first, sessions[1].ID)
	assert.Equal(t, "/dev/rfcomm0", sessions[1].Port)
	assert.Equal(t, t0, sessions[1].StartedAt)
	require.NotNil(t, sessions[1].EndedAt)
	assert.Equal(t, t0.Add(30*time.Second), *sessions[1].EndedAt)
	assert.Equal(t, int64(1), sessions[1].Packets)
}

func TestRecordAndReadPackets(t *testing.T) {
	db := newTestDB(t)
	id, err := db.StartSession(SessionMeta{}, t0)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, db.RecordPackets(ctx, id, 1, t0, []stream.Packet{
		{Type: 10, ByteLength: 12, Params: []int{1, 0}, Data: []float64{1.5}},
		{Type: 8, ByteLength: 8, Params: []int{0xD0, 0}},
	}))
	require.NoError(t, db.RecordPackets(ctx, id, 2, t0.Add(time.Second), []stream.Packet{
		{Type: 10, ByteLength: 12, Params: []int{2, 0}, Data: []float64{2.5}},
	}))

	all, err := db.Packets(id, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, stream.Packet{Type: 10, ByteLength: 12, Params: []int{1, 0}, Data: []float64{1.5}}, all[0].Packet)
	assert.Empty(t, all[1].Data)
	assert.Equal(t, uint64(2), all[2].BatchSeq)
	assert.Equal(t, t0.Add(time.Second), all[2].ReceivedAt)

	recent, err := db.Packets(id, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, []float64{2.5}, recent[1].Data, "limit keeps the newest packets in stream order")

	none, err := db.Packets("other", 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRecordPackets_UnknownSessionRollsBack(t *testing.T) {
	db := newTestDB(t)
	err := db.RecordPackets(context.Background(), "nope", 1, t0, []stream.Packet{{Type: 1}})
	assert.Error(t, err, "foreign key violation")

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM packets`).Scan(&n))
	assert.Zero(t, n)
}

func TestStats(t *testing.T) {
	db := newTestDB(t)
	id, err := db.StartSession(SessionMeta{}, t0)
	require.NoError(t, err)

	_, err = db.LatestStats(id)
	assert.ErrorIs(t, err, sql.ErrNoRows)

	ctx := context.Background()
	require.NoError(t, db.RecordStats(ctx, id, t0, stream.Snapshot{PacketTotal: 1}))
	want := stream.Snapshot{
		Frequency: 50, FilteredFrequency: 49.5, Elapsed: 2.5,
		PacketTotal: 125, Lost: 3, BytesReceived: 1500, Chunks: 40, TimingAnomalies: 1,
	}
	require.NoError(t, db.RecordStats(ctx, id, t0.Add(time.Second), want))

	got, err := db.LatestStats(id)
	require.NoError(t, err)
	assert.Equal(t, want, got.Snapshot)
	assert.Equal(t, t0.Add(time.Second), got.RecordedAt)
}

// Package db persists decoded packets and periodic statistics to sqlite.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/kserial/internal/monitoring"
	"github.com/banshee-data/kserial/internal/stream"
)

var logf = monitoring.Tagged("db")

// ErrUnknownSession is returned when a session id has no row.
var ErrUnknownSession = errors.New("unknown session")

type DB struct {
	*sql.DB
	path string
}

// connection pragmas applied to every pooled connection
var pragmas = []string{
	"busy_timeout(5000)",
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
	"foreign_keys(1)",
}

func dsn(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	var b strings.Builder
	b.WriteString(path)
	for _, p := range pragmas {
		b.WriteString(sep)
		b.WriteString("_pragma=")
		b.WriteString(p)
		sep = "&"
	}
	return b.String()
}

// NewDB opens the database at path and migrates it to the latest schema.
func NewDB(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, err
	}
	db := &DB{DB: sqlDB, path: path}
	if err := db.MigrateUp(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// SessionMeta describes the link a session recorded.
type SessionMeta struct {
	Port    string `json:"port"`
	Decoder string `json:"decoder"`
	Config  any    `json:"config,omitempty"`
}

// SessionInfo is one row of the sessions table.
type SessionInfo struct {
	ID        string     `json:"id"`
	Port      string     `json:"port"`
	Decoder   string     `json:"decoder"`
	Config    string     `json:"config"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Packets   int64      `json:"packets"`
}

// StartSession inserts a new session row and returns its id.
func (db *DB) StartSession(meta SessionMeta, at time.Time) (string, error) {
	cfg := []byte("{}")
	if meta.Config != nil {
		var err error
		if cfg, err = json.Marshal(meta.Config); err != nil {
			return "", fmt.Errorf("failed to encode session config: %w", err)
		}
	}
	id := uuid.NewString()
	_, err := db.Exec(
		`INSERT INTO sessions (session_id, port, decoder, config_json, started_unix_ms) VALUES (?, ?, ?, ?, ?)`,
		id, meta.Port, meta.Decoder, string(cfg), at.UnixMilli(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to start session: %w", err)
	}
	return id, nil
}

// EndSession stamps the session's end time.
func (db *DB) EndSession(id string, at time.Time) error {
	res, err := db.Exec(`UPDATE sessions SET ended_unix_ms = ? WHERE session_id = ?`, at.UnixMilli(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	return nil
}

// Sessions lists sessions, newest first.
func (db *DB) Sessions() ([]SessionInfo, error) {
	rows, err := db.Query(`
		SELECT s.session_id, s.port, s.decoder, s.config_json, s.started_unix_ms, s.ended_unix_ms,
		       (SELECT COUNT(*) FROM packets p WHERE p.session_id = s.session_id)
		FROM sessions s
		ORDER BY s.started_unix_ms DESC, s.rowid DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []SessionInfo
	for rows.Next() {
		var (
			info    SessionInfo
			started int64
			ended   sql.NullInt64
		)
		if err := rows.Scan(&info.ID, &info.Port, &info.Decoder, &info.Config, &started, &ended, &info.Packets); err != nil {
			return nil, err
		}
		info.StartedAt = time.UnixMilli(started).UTC()
		if ended.Valid {
			t := time.UnixMilli(ended.Int64).UTC()
			info.EndedAt = &t
		}
		sessions = append(sessions, info)
	}
	return sessions, rows.Err()
}

// StoredPacket is a packet row.
type StoredPacket struct {
	stream.Packet
	ID         int64     `json:"id"`
	BatchSeq   uint64    `json:"batch_seq"`
	ReceivedAt time.Time `json:"received_at"`
}

// RecordPackets stores one batch in a single transaction.
func (db *DB) RecordPackets(ctx context.Context, sessionID string, batchSeq uint64, receivedAt time.Time, packets []stream.Packet) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO packets (session_id, batch_seq, received_unix_ms, type, byte_length, params_json, data_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	ms := receivedAt.UnixMilli()
	for _, p := range packets {
		params, err := json.Marshal(nonNilInts(p.Params))
		if err != nil {
			return err
		}
		data, err := json.Marshal(nonNilFloats(p.Data))
		if err != nil {
			return fmt.Errorf("failed to encode packet data: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, sessionID, batchSeq, ms, p.Type, p.ByteLength, string(params), string(data)); err != nil {
			return fmt.Errorf("failed to insert packet: %w", err)
		}
	}
	return tx.Commit()
}

func nonNilInts(v []int) []int {
	if v == nil {
		return []int{}
	}
	return v
}

func nonNilFloats(v []float64) []float64 {
	if v == nil {
		return []float64{}
	}
	return v
}

// Packets returns up to limit of the session's most recent packets, oldest
// first. A limit <= 0 returns all of them.
func (db *DB) Packets(sessionID string, limit int) ([]StoredPacket, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.Query(`
		SELECT packet_id, batch_seq, received_unix_ms, type, byte_length, params_json, data_json
		FROM (
			SELECT * FROM packets WHERE session_id = ? ORDER BY packet_id DESC LIMIT ?
		) ORDER BY packet_id ASC`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var packets []StoredPacket
	for rows.Next() {
		var (
			sp             StoredPacket
			received       int64
			params, values string
		)
		if err := rows.Scan(&sp.ID, &sp.BatchSeq, &received, &sp.Type, &sp.ByteLength, &params, &values); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(params), &sp.Params); err != nil {
			return nil, fmt.Errorf("packet %d: bad params: %w", sp.ID, err)
		}
		if err := json.Unmarshal([]byte(values), &sp.Data); err != nil {
			return nil, fmt.Errorf("packet %d: bad data: %w", sp.ID, err)
		}
		sp.ReceivedAt = time.UnixMilli(received).UTC()
		packets = append(packets, sp)
	}
	return packets, rows.Err()
}

// StatsRecord is one persisted statistics snapshot.
type StatsRecord struct {
	stream.Snapshot
	RecordedAt time.Time `json:"recorded_at"`
}

// RecordStats stores a statistics snapshot for the session.
func (db *DB) RecordStats(ctx context.Context, sessionID string, at time.Time, s stream.Snapshot) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO stats_snapshots (
			session_id, recorded_unix_ms, frequency_hz, filtered_frequency_hz, elapsed_s,
			packet_total, lost, bytes_received, chunks, timing_anomalies
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, at.UnixMilli(), s.Frequency, s.FilteredFrequency, s.Elapsed,
		s.PacketTotal, s.Lost, s.BytesReceived, s.Chunks, s.TimingAnomalies,
	)
	if err != nil {
		return fmt.Errorf("failed to record stats: %w", err)
	}
	return nil
}

// LatestStats returns the most recent snapshot recorded for the session, or
// sql.ErrNoRows when there is none.
func (db *DB) LatestStats(sessionID string) (StatsRecord, error) {
	var (
		rec      StatsRecord
		recorded int64
	)
	err := db.QueryRow(`
		SELECT recorded_unix_ms, frequency_hz, filtered_frequency_hz, elapsed_s,
		       packet_total, lost, bytes_received, chunks, timing_anomalies
		FROM stats_snapshots WHERE session_id = ?
		ORDER BY snapshot_id DESC LIMIT 1`, sessionID).Scan(
		&recorded, &rec.Frequency, &rec.FilteredFrequency, &rec.Elapsed,
		&rec.PacketTotal, &rec.Lost, &rec.BytesReceived, &rec.Chunks, &rec.TimingAnomalies,
	)
	if err != nil {
		return StatsRecord{}, err
	}
	rec.RecordedAt = time.UnixMilli(recorded).UTC()
	return rec, nil
}

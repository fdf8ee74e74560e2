package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const checkpointSchema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	trace_id   TEXT    NOT NULL,
	round      INTEGER NOT NULL,
	model      TEXT    NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	data       BLOB    NOT NULL,
	PRIMARY KEY (trace_id, round)
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_created ON checkpoints(created_at);
`

// SQLiteStore keeps checkpoints in a single SQLite database. Handles have
// the form "{trace_id}:{round}".
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path. Use ":memory:"
// for a throwaway store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection keeps ":memory:" databases alive and serializes writers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(checkpointSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create checkpoint table: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func sqliteHandle(traceID string, round int) string {
	return traceID + ":" + strconv.Itoa(round)
}

func parseSQLiteHandle(handle string) (string, int, error) {
	i := strings.LastIndex(handle, ":")
	if i <= 0 {
		return "", 0, fmt.Errorf("malformed checkpoint handle %q", handle)
	}
	round, err := strconv.Atoi(handle[i+1:])
	if err != nil {
		return "", 0, fmt.Errorf("malformed checkpoint handle %q: %w", handle, err)
	}
	return handle[:i], round, nil
}

// Save upserts cp.
func (s *SQLiteStore) Save(cp *Checkpoint) (string, error) {
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return "", fmt.Errorf("encode checkpoint: %w", err)
	}
	_, err = s.db.ExecContext(context.Background(), `
		INSERT INTO checkpoints (trace_id, round, model, created_at, data)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(trace_id, round) DO UPDATE SET
			model = excluded.model, created_at = excluded.created_at, data = excluded.data`,
		cp.TraceID, cp.Round, cp.Model, cp.CreatedAt.UnixNano(), data)
	if err != nil {
		return "", fmt.Errorf("save checkpoint: %w", err)
	}
	return sqliteHandle(cp.TraceID, cp.Round), nil
}

// Load reads the checkpoint identified by handle.
func (s *SQLiteStore) Load(handle string) (*Checkpoint, error) {
	traceID, round, err := parseSQLiteHandle(handle)
	if err != nil {
		return nil, err
	}
	return s.scan(s.db.QueryRow(`SELECT data FROM checkpoints WHERE trace_id = ? AND round = ?`, traceID, round), handle)
}

// LoadLatest returns the highest-round checkpoint for traceID.
func (s *SQLiteStore) LoadLatest(traceID string) (*Checkpoint, error) {
	return s.scan(s.db.QueryRow(
		`SELECT data FROM checkpoints WHERE trace_id = ? ORDER BY round DESC LIMIT 1`, traceID), traceID)
}

func (s *SQLiteStore) scan(row *sql.Row, what string) (*Checkpoint, error) {
	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("checkpoint %s: %w", what, ErrNotFound)
		}
		return nil, fmt.Errorf("load checkpoint %s: %w", what, err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("parse checkpoint %s: %w", what, err)
	}
	return &cp, nil
}

// Cleanup deletes every checkpoint for traceID.
func (s *SQLiteStore) Cleanup(traceID string) (int, error) {
	res, err := s.db.Exec(`DELETE FROM checkpoints WHERE trace_id = ?`, traceID)
	if err != nil {
		return 0, fmt.Errorf("delete checkpoints: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// TraceIDs lists every trace with at least one checkpoint, newest first.
func (s *SQLiteStore) TraceIDs() ([]string, error) {
	rows, err := s.db.Query(`
		SELECT trace_id FROM checkpoints
		GROUP BY trace_id ORDER BY MAX(created_at) DESC`)
	if err != nil {
		return nil, fmt.Errorf("list traces: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

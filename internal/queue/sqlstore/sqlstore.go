// Package sqlstore is the durable, single-file persisted-queue backend
// (§6: "durable file per backend"), backed by modernc.org/sqlite — a
// pure-Go driver, avoiding a cgo dependency for the CLI and any WASM
// build target.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/vaultco/cosigncore/internal/domain"
	"github.com/vaultco/cosigncore/internal/queue"
)

// Store is a queue.Store backed by a single SQLite file.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the SQLite file at path and ensures the
// schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open %s: %w", path, err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS objects (
	collection TEXT NOT NULL,
	key        TEXT NOT NULL,
	revision   INTEGER NOT NULL,
	data       BLOB NOT NULL,
	PRIMARY KEY (collection, key)
);
CREATE TABLE IF NOT EXISTS transition_log (
	flow_id           TEXT NOT NULL,
	event_seq         INTEGER NOT NULL,
	command_id        TEXT NOT NULL,
	state_before      TEXT NOT NULL,
	state_after       TEXT NOT NULL,
	side_effect_key   TEXT,
	dispatched        INTEGER NOT NULL,
	side_effect_outcome TEXT,
	recorded_at_ms    INTEGER NOT NULL,
	PRIMARY KEY (flow_id, event_seq)
);
`)
	if err != nil {
		return fmt.Errorf("sqlstore: migrate: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Get(ctx context.Context, collection queue.Collection, key string) ([]byte, uint64, error) {
	row := s.db.QueryRowContext(ctx, `SELECT revision, data FROM objects WHERE collection = ? AND key = ?`, string(collection), key)
	var revision uint64
	var data []byte
	if err := row.Scan(&revision, &data); err != nil {
		if err == sql.ErrNoRows {
			return nil, 0, queue.ErrNotFound
		}
		return nil, 0, fmt.Errorf("sqlstore: get: %w", err)
	}
	return data, revision, nil
}

func (s *Store) CompareAndSwap(ctx context.Context, collection queue.Collection, key string, expectedRevision uint64, data []byte) (uint64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlstore: begin tx: %w", err)
	}
	defer tx.Rollback()

	var currentRevision uint64
	row := tx.QueryRowContext(ctx, `SELECT revision FROM objects WHERE collection = ? AND key = ?`, string(collection), key)
	err = row.Scan(&currentRevision)
	exists := err == nil
	if err != nil && err != sql.ErrNoRows {
		return 0, fmt.Errorf("sqlstore: read current revision: %w", err)
	}
	if exists && currentRevision != expectedRevision {
		return 0, queue.ErrRevisionConflict
	}
	if !exists && expectedRevision != 0 {
		return 0, queue.ErrRevisionConflict
	}

	newRevision := expectedRevision + 1
	_, err = tx.ExecContext(ctx, `
INSERT INTO objects (collection, key, revision, data) VALUES (?, ?, ?, ?)
ON CONFLICT(collection, key) DO UPDATE SET revision = excluded.revision, data = excluded.data
`, string(collection), key, newRevision, data)
	if err != nil {
		return 0, fmt.Errorf("sqlstore: upsert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlstore: commit: %w", err)
	}
	return newRevision, nil
}

func (s *Store) Delete(ctx context.Context, collection queue.Collection, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM objects WHERE collection = ? AND key = ?`, string(collection), key)
	if err != nil {
		return fmt.Errorf("sqlstore: delete: %w", err)
	}
	return nil
}

func (s *Store) Keys(ctx context.Context, collection queue.Collection) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM objects WHERE collection = ? ORDER BY key`, string(collection))
	if err != nil {
		return nil, fmt.Errorf("sqlstore: keys: %w", err)
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *Store) AppendTransitionLog(ctx context.Context, flowID string, record domain.TransitionLogRecord) error {
	var lastSeq uint64
	row := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(event_seq), 0) FROM transition_log WHERE flow_id = ?`, flowID)
	if err := row.Scan(&lastSeq); err != nil {
		return fmt.Errorf("sqlstore: read last event_seq: %w", err)
	}
	if record.EventSeq != lastSeq+1 {
		return fmt.Errorf("sqlstore: event_seq %d is not contiguous with last recorded %d for flow %s", record.EventSeq, lastSeq, flowID)
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO transition_log (flow_id, event_seq, command_id, state_before, state_after, side_effect_key, dispatched, side_effect_outcome, recorded_at_ms)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`, flowID, record.EventSeq, record.CommandID, record.StateBefore, record.StateAfter, record.SideEffectKey, record.Dispatched, record.SideEffectOutcome, record.RecordedAtMs)
	if err != nil {
		return fmt.Errorf("sqlstore: append transition log: %w", err)
	}
	return nil
}

func (s *Store) ReadTransitionLog(ctx context.Context, flowID string) ([]domain.TransitionLogRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT event_seq, command_id, state_before, state_after, side_effect_key, dispatched, side_effect_outcome, recorded_at_ms
FROM transition_log WHERE flow_id = ? ORDER BY event_seq ASC
`, flowID)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: read transition log: %w", err)
	}
	defer rows.Close()
	var out []domain.TransitionLogRecord
	for rows.Next() {
		var r domain.TransitionLogRecord
		r.FlowID = flowID
		if err := rows.Scan(&r.EventSeq, &r.CommandID, &r.StateBefore, &r.StateAfter, &r.SideEffectKey, &r.Dispatched, &r.SideEffectOutcome, &r.RecordedAtMs); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

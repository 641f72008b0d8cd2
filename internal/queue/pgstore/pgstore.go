// Package pgstore is the optional Postgres-backed persisted-queue store:
// a dual-backend pattern (SQLite "lite mode" vs a real Postgres ledger)
// for deployments that already run Postgres rather
// than shipping a SQLite file.
package pgstore

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/vaultco/cosigncore/internal/domain"
	"github.com/vaultco/cosigncore/internal/queue"
)

// Store is a queue.Store backed by Postgres.
type Store struct {
	db *sql.DB
}

// Open connects to dsn and ensures the schema exists.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("pgstore: open: %w", err)
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
	revision   BIGINT NOT NULL,
	data       BYTEA NOT NULL,
	PRIMARY KEY (collection, key)
);
CREATE TABLE IF NOT EXISTS transition_log (
	flow_id             TEXT NOT NULL,
	event_seq           BIGINT NOT NULL,
	command_id          TEXT NOT NULL,
	state_before        TEXT NOT NULL,
	state_after         TEXT NOT NULL,
	side_effect_key     TEXT,
	dispatched          BOOLEAN NOT NULL,
	side_effect_outcome TEXT,
	recorded_at_ms      BIGINT NOT NULL,
	PRIMARY KEY (flow_id, event_seq)
);
`)
	if err != nil {
		return fmt.Errorf("pgstore: migrate: %w", err)
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Get(ctx context.Context, collection queue.Collection, key string) ([]byte, uint64, error) {
	row := s.db.QueryRowContext(ctx, `SELECT revision, data FROM objects WHERE collection = $1 AND key = $2`, string(collection), key)
	var revision uint64
	var data []byte
	if err := row.Scan(&revision, &data); err != nil {
		if err == sql.ErrNoRows {
			return nil, 0, queue.ErrNotFound
		}
		return nil, 0, fmt.Errorf("pgstore: get: %w", err)
	}
	return data, revision, nil
}

func (s *Store) CompareAndSwap(ctx context.Context, collection queue.Collection, key string, expectedRevision uint64, data []byte) (uint64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("pgstore: begin tx: %w", err)
	}
	defer tx.Rollback()

	var currentRevision uint64
	row := tx.QueryRowContext(ctx, `SELECT revision FROM objects WHERE collection = $1 AND key = $2 FOR UPDATE`, string(collection), key)
	err = row.Scan(&currentRevision)
	exists := err == nil
	if err != nil && err != sql.ErrNoRows {
		return 0, fmt.Errorf("pgstore: read current revision: %w", err)
	}
	if exists && currentRevision != expectedRevision {
		return 0, queue.ErrRevisionConflict
	}
	if !exists && expectedRevision != 0 {
		return 0, queue.ErrRevisionConflict
	}

	newRevision := expectedRevision + 1
	_, err = tx.ExecContext(ctx, `
INSERT INTO objects (collection, key, revision, data) VALUES ($1, $2, $3, $4)
ON CONFLICT (collection, key) DO UPDATE SET revision = excluded.revision, data = excluded.data
`, string(collection), key, newRevision, data)
	if err != nil {
		return 0, fmt.Errorf("pgstore: upsert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("pgstore: commit: %w", err)
	}
	return newRevision, nil
}

func (s *Store) Delete(ctx context.Context, collection queue.Collection, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM objects WHERE collection = $1 AND key = $2`, string(collection), key)
	if err != nil {
		return fmt.Errorf("pgstore: delete: %w", err)
	}
	return nil
}

func (s *Store) Keys(ctx context.Context, collection queue.Collection) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM objects WHERE collection = $1 ORDER BY key`, string(collection))
	if err != nil {
		return nil, fmt.Errorf("pgstore: keys: %w", err)
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
	row := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(event_seq), 0) FROM transition_log WHERE flow_id = $1`, flowID)
	if err := row.Scan(&lastSeq); err != nil {
		return fmt.Errorf("pgstore: read last event_seq: %w", err)
	}
	if record.EventSeq != lastSeq+1 {
		return fmt.Errorf("pgstore: event_seq %d is not contiguous with last recorded %d for flow %s", record.EventSeq, lastSeq, flowID)
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO transition_log (flow_id, event_seq, command_id, state_before, state_after, side_effect_key, dispatched, side_effect_outcome, recorded_at_ms)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
`, flowID, record.EventSeq, record.CommandID, record.StateBefore, record.StateAfter, record.SideEffectKey, record.Dispatched, record.SideEffectOutcome, record.RecordedAtMs)
	if err != nil {
		return fmt.Errorf("pgstore: append transition log: %w", err)
	}
	return nil
}

func (s *Store) ReadTransitionLog(ctx context.Context, flowID string) ([]domain.TransitionLogRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT event_seq, command_id, state_before, state_after, side_effect_key, dispatched, side_effect_outcome, recorded_at_ms
FROM transition_log WHERE flow_id = $1 ORDER BY event_seq ASC
`, flowID)
	if err != nil {
		return nil, fmt.Errorf("pgstore: read transition log: %w", err)
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

// Package queue implements the persisted store contract of §4.3: object
// collections keyed by natural identifier, CAS writes on state_revision,
// the single-writer lock, the transition log, and the replay engine that
// reconstructs flow state from the log at startup.
package queue

import (
	"context"
	"errors"

	"github.com/vaultco/cosigncore/internal/domain"
)

// ErrRevisionConflict is returned by a CAS write whose expected_revision
// did not match the stored value (§4.3).
var ErrRevisionConflict = errors.New("queue: state_revision mismatch")

// ErrNotFound is returned when a natural key has no stored object.
var ErrNotFound = errors.New("queue: object not found")

// Collection names the six object collections of §6.
type Collection string

const (
	CollectionTxs             Collection = "txs"
	CollectionMessages        Collection = "messages"
	CollectionExternalRequests Collection = "external_requests"
	CollectionTransitionLog   Collection = "transition_log"
	CollectionWriterLock      Collection = "writer_lock"
	CollectionConfig          Collection = "config"
)

// Store is the persisted layout contract of §6: atomic CAS on
// (collection, key, expected_revision), plus transition-log append and
// per-flow replay. Implementations: in-memory (tests), sqlstore
// (modernc.org/sqlite), pgstore (lib/pq).
type Store interface {
	// Get loads the canonical JSON bytes and current revision for key in
	// collection. Returns ErrNotFound if absent.
	Get(ctx context.Context, collection Collection, key string) (data []byte, revision uint64, err error)

	// CompareAndSwap writes data for key in collection iff the stored
	// revision equals expectedRevision, then atomically increments it by
	// exactly one. A mismatch returns ErrRevisionConflict. expectedRevision
	// of 0 with no stored object creates it.
	CompareAndSwap(ctx context.Context, collection Collection, key string, expectedRevision uint64, data []byte) (newRevision uint64, err error)

	// Delete removes key from collection unconditionally. No orchestrator
	// command or CLI subcommand in this module calls it.
	Delete(ctx context.Context, collection Collection, key string) error

	// Keys lists all keys currently stored in collection, for rehydration
	// and inspection tooling.
	Keys(ctx context.Context, collection Collection) ([]string, error)

	// AppendTransitionLog appends record for flowID; the store enforces
	// event_seq is exactly one greater than the last recorded value for
	// that flow (§8 monotonic event sequence).
	AppendTransitionLog(ctx context.Context, flowID string, record domain.TransitionLogRecord) error

	// ReadTransitionLog returns every record for flowID in event_seq order.
	ReadTransitionLog(ctx context.Context, flowID string) ([]domain.TransitionLogRecord, error)
}

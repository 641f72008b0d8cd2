package queue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/vaultco/cosigncore/internal/domain"
)

// ReplayStatus classifies rehydration outcomes: a flow replays cleanly,
// diverges (frozen + quarantined per
// §4.3), or fails outright.
type ReplayStatus string

const (
	ReplayComplete  ReplayStatus = "COMPLETE"
	ReplayDiverged  ReplayStatus = "DIVERGED"
	ReplayFailed    ReplayStatus = "FAILED"
)

// ReplayResult is the outcome of replaying one flow's transition log.
type ReplayResult struct {
	FlowID       string
	Status       ReplayStatus
	FinalHash    string
	RecordCount  int
	Diagnostic   string
}

// Replayer applies one transition-log record to an in-memory projection
// and returns the resulting canonical state hash, so the replay engine
// stays agnostic to which of the three flow types it is replaying.
type Replayer interface {
	Apply(record domain.TransitionLogRecord) (stateHash string, err error)
}

// ReplayFlow replays flowID's transition log from an empty projection via
// replayer and compares the final computed hash against persistedHash — a
// byte-identical match is required (§4.3, §8 replay determinism).
// Divergence is reported as ReplayDiverged; ReplayFlow does not modify the
// flow, and freezing it as Failed{reason=replay-divergence} is done by
// QuarantineDiverged.
func ReplayFlow(ctx context.Context, store Store, flowID string, persistedHash string, replayer Replayer) (ReplayResult, error) {
	records, err := store.ReadTransitionLog(ctx, flowID)
	if err != nil {
		return ReplayResult{}, fmt.Errorf("queue: read transition log for %s: %w", flowID, err)
	}
	if len(records) == 0 {
		return ReplayResult{FlowID: flowID, Status: ReplayComplete, RecordCount: 0}, nil
	}

	if err := checkContiguous(records); err != nil {
		return ReplayResult{FlowID: flowID, Status: ReplayFailed, Diagnostic: err.Error()}, nil
	}

	var finalHash string
	for _, record := range records {
		h, applyErr := replayer.Apply(record)
		if applyErr != nil {
			return ReplayResult{
				FlowID:      flowID,
				Status:      ReplayFailed,
				RecordCount: len(records),
				Diagnostic:  applyErr.Error(),
			}, nil
		}
		finalHash = h
	}

	if finalHash != persistedHash {
		return ReplayResult{
			FlowID:      flowID,
			Status:      ReplayDiverged,
			FinalHash:   finalHash,
			RecordCount: len(records),
			Diagnostic:  "replay-divergence",
		}, nil
	}

	return ReplayResult{
		FlowID:      flowID,
		Status:      ReplayComplete,
		FinalHash:   finalHash,
		RecordCount: len(records),
	}, nil
}

// checkContiguous verifies event_seq forms a contiguous increasing
// sequence from 1 (§8 monotonic event sequence).
func checkContiguous(records []domain.TransitionLogRecord) error {
	for i, r := range records {
		want := uint64(i + 1)
		if r.EventSeq != want {
			return fmt.Errorf("queue: event_seq gap at position %d: want %d, got %d", i, want, r.EventSeq)
		}
	}
	return nil
}

// HashBytes returns the hex-encoded SHA-256 of b, the form used for
// state_before/state_after in transition-log records.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// ChainedHashReplayer is the default Replayer: since every transition-log
// record already carries the resulting canonical state hash (computed by
// persistTx/persistMessage/persistExt at write time), replay here verifies
// the chain is self-consistent — each record's StateBefore matches the
// previous record's StateAfter — and surfaces the final StateAfter as the
// replayed hash. It does not re-derive state from the event payload, since
// the log stores outcome hashes rather than event deltas (§9 design note:
// flow objects are snapshotted, not event-sourced).
type ChainedHashReplayer struct {
	lastAfter string
}

// Apply implements Replayer.
func (r *ChainedHashReplayer) Apply(record domain.TransitionLogRecord) (string, error) {
	if r.lastAfter != "" && record.StateBefore != r.lastAfter {
		return "", fmt.Errorf("queue: transition log chain broken: expected state_before %s, got %s", r.lastAfter, record.StateBefore)
	}
	r.lastAfter = record.StateAfter
	return record.StateAfter, nil
}

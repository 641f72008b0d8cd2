package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vaultco/cosigncore/internal/domain"
)

// RehydrationRecorder receives a rehydration pass's duration, letting the
// caller back the rehydration_budget_ms SLO (§6) without this package
// depending on the observability package.
type RehydrationRecorder interface {
	RecordRehydrationDuration(ctx context.Context, d time.Duration)
}

// FlowReplayer produces a Replayer for a given flow's collection and flow
// ID, so RehydrateAll can replay every
// collection without knowing each flow type's internals.
type FlowReplayer func(collection Collection, flowID string) Replayer

// RehydrateAll replays every flow in the tx/message/external-request
// collections against their transition logs and reports any divergence.
// Flows whose replay diverges are left untouched in the store — the
// caller quarantines them by the usual write path, since this package
// does not mutate flow state on divergence.
func RehydrateAll(ctx context.Context, store Store, newReplayer FlowReplayer, recorder RehydrationRecorder) ([]ReplayResult, error) {
	start := time.Now()
	var results []ReplayResult

	for _, collection := range []Collection{CollectionTxs, CollectionMessages, CollectionExternalRequests} {
		keys, err := store.Keys(ctx, collection)
		if err != nil {
			return nil, fmt.Errorf("queue: list keys for %s: %w", collection, err)
		}
		for _, flowID := range keys {
			data, _, err := store.Get(ctx, collection, flowID)
			if err != nil {
				return nil, fmt.Errorf("queue: load %s/%s: %w", collection, flowID, err)
			}
			persistedHash := HashBytes(data)
			result, err := ReplayFlow(ctx, store, flowID, persistedHash, newReplayer(collection, flowID))
			if err != nil {
				return nil, fmt.Errorf("queue: replay %s/%s: %w", collection, flowID, err)
			}
			results = append(results, result)
		}
	}

	if recorder != nil {
		recorder.RecordRehydrationDuration(ctx, time.Since(start))
	}
	return results, nil
}

// Diverged filters results to just the ones that failed to replay cleanly,
// for the caller to surface and quarantine (§4.3).
func Diverged(results []ReplayResult) []ReplayResult {
	var out []ReplayResult
	for _, r := range results {
		if r.Status != ReplayComplete {
			out = append(out, r)
		}
	}
	return out
}

// ErrRehydrationDiverged is returned by callers that treat any divergence
// as fatal to startup (the CLI's `queue replay` subcommand does not; it
// reports diagnostics instead).
var ErrRehydrationDiverged = fmt.Errorf("queue: one or more flows diverged on replay")

// QuarantineDiverged marks each diverged flow Failed{reason=replay-divergence}
// by direct CAS write, bypassing the state machine since a diverged flow's
// own transition log cannot be trusted to drive ApplyTx/ApplyMessage/ApplyExternal.
// The stored integrity_mac is left stale deliberately: a quarantined object
// must never again pass loadAndVerify's MAC check and re-enter normal
// mutation, only read-only inspection.
func QuarantineDiverged(ctx context.Context, store Store, result ReplayResult) error {
	var collection Collection
	for _, c := range []Collection{CollectionTxs, CollectionMessages, CollectionExternalRequests} {
		if _, _, err := store.Get(ctx, c, result.FlowID); err == nil {
			collection = c
			break
		}
	}
	if collection == "" {
		return fmt.Errorf("queue: quarantine %s: flow not found in any collection", result.FlowID)
	}
	data, revision, err := store.Get(ctx, collection, result.FlowID)
	if err != nil {
		return err
	}
	quarantined, err := markQuarantined(collection, data)
	if err != nil {
		return err
	}
	_, err = store.CompareAndSwap(ctx, collection, result.FlowID, revision, quarantined)
	return err
}

func markQuarantined(collection Collection, data []byte) ([]byte, error) {
	switch collection {
	case CollectionTxs:
		var tx domain.Tx
		if err := json.Unmarshal(data, &tx); err != nil {
			return nil, err
		}
		tx.Status = domain.TxFailed
		tx.Diagnostic = &domain.Diagnostic{Code: domain.CodeIntegrityMACInvalid, Message: "replay-divergence"}
		return json.Marshal(tx)
	case CollectionMessages:
		var msg domain.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, err
		}
		msg.Status = domain.MsgFailed
		msg.Diagnostic = &domain.Diagnostic{Code: domain.CodeIntegrityMACInvalid, Message: "replay-divergence"}
		return json.Marshal(msg)
	case CollectionExternalRequests:
		var ext domain.ExternalRequest
		if err := json.Unmarshal(data, &ext); err != nil {
			return nil, err
		}
		ext.Status = domain.ExtFailed
		ext.Diagnostic = &domain.Diagnostic{Code: domain.CodeIntegrityMACInvalid, Message: "replay-divergence"}
		return json.Marshal(ext)
	default:
		return nil, fmt.Errorf("queue: unrecognized collection %s for quarantine", collection)
	}
}

// Package orchestrator implements the single-threaded cooperative command
// loop of §4.7/§5: for each command it loads the flow object and verifies
// its integrity MAC, calls the appropriate state-machine pure function,
// dispatches the declared side effect to its port adapter, MACs and
// CAS-writes the new flow object, and then appends a transition-log
// record: one typed command surface, one switch, no reflection. Dispatch
// neither acquires nor checks the writer lock; the lock is taken only by
// the separate acquire_writer_lock command.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/vaultco/cosigncore/internal/codec"
	"github.com/vaultco/cosigncore/internal/codec/keys"
	"github.com/vaultco/cosigncore/internal/domain"
	"github.com/vaultco/cosigncore/internal/observability"
	"github.com/vaultco/cosigncore/internal/orchestrator/policy"
	"github.com/vaultco/cosigncore/internal/pairingport"
	"github.com/vaultco/cosigncore/internal/providerport"
	"github.com/vaultco/cosigncore/internal/queue"
	"github.com/vaultco/cosigncore/internal/queue/archive"
	"github.com/vaultco/cosigncore/internal/serviceport"
)

// Clock abstracts time so replay and tests can inject a deterministic
// now_ms source.
type Clock func() int64

// Orchestrator holds every explicit dependency the command loop needs —
// no ambient singletons (§9 "global state -> queue + writer lock").
type Orchestrator struct {
	Store       queue.Store
	Keyring     *keys.Keyring
	Provider    providerport.Provider
	Service     serviceport.Transport
	RetryPolicy serviceport.RetryPolicyConfig
	Guard       *providerport.ChainAccountGuard
	Policy      *policy.Evaluator
	Responder   pairingport.Responder
	Archiver    *archive.BundleArchiver
	Observability *observability.Provider
	Dedup       providerport.Deduplicator
	Logger      *slog.Logger
	Now         Clock
	HolderID    string

	eventsOnce sync.Once
}

// New constructs an Orchestrator. now is stored as given, with no default
// for nil; the CLI passes a millisecond wall-clock read and tests pass a
// fixed Clock.
func New(store queue.Store, keyring *keys.Keyring, logger *slog.Logger, holderID string, now Clock) *Orchestrator {
	return &Orchestrator{
		Store:   store,
		Keyring: keyring,
		RetryPolicy: serviceport.RetryPolicyConfig{
			MaxAttempts: 5, BaseDelayMs: 250, MaxDelayMs: 8_000,
		},
		Logger:   logger.With("component", "orchestrator"),
		HolderID: holderID,
		Now:      now,
	}
}

// newCommandID generates a fresh command ID for internally-originated
// follow-up commands (e.g. a service-port result re-entering the loop).
func newCommandID() string {
	return uuid.NewString()
}

// Dispatch is the command loop's single entry point (§4.7). It routes on
// cmd.Type to the matching handler and returns the uniform result shape
// of §6's error envelope. When Observability is configured, it also backs
// the command_latency_budget_ms SLO (§6) with a trace span and a latency
// histogram sample per command.
func (o *Orchestrator) Dispatch(ctx context.Context, cmd domain.Command) (result domain.CommandResult) {
	if o.Observability != nil {
		start := time.Now()
		attrs := []attribute.KeyValue{attribute.String("command.type", string(cmd.Type))}
		var end func(error)
		ctx, end = o.Observability.TrackCommand(ctx, string(cmd.Type), attrs...)
		defer func() {
			var err error
			if !result.OK && result.Error != nil {
				err = result.Error
			}
			end(err)
			o.Observability.RecordCommandLatency(ctx, time.Since(start), attrs...)
		}()
	}
	switch cmd.Type {
	case domain.CmdCreateTx:
		return o.handleCreateTx(ctx, cmd)
	case domain.CmdCreateTxFromABI:
		return o.handleCreateTxFromABI(ctx, cmd)
	case domain.CmdAddTxSignature:
		return o.handleAddTxSignature(ctx, cmd)
	case domain.CmdStartPreflight:
		return o.handleStartPreflight(ctx, cmd)
	case domain.CmdProposeTx:
		return o.handleProposeTx(ctx, cmd)
	case domain.CmdConfirmTx:
		return o.handleConfirmTx(ctx, cmd)
	case domain.CmdExecuteTx:
		return o.handleExecuteTx(ctx, cmd)
	case domain.CmdAcquireWriterLock:
		return o.handleAcquireWriterLock(ctx, cmd)
	case domain.CmdRefreshOwners:
		return o.handleRefreshOwners(ctx, cmd)
	case domain.CmdSignMessage:
		return o.handleSignMessage(ctx, cmd)
	case domain.CmdAddMessageSig:
		return o.handleAddMessageSignature(ctx, cmd)
	case domain.CmdExtSessionAction:
		return o.handleExtSessionAction(ctx, cmd)
	case domain.CmdRespondExt:
		return o.handleRespondExt(ctx, cmd)
	case domain.CmdImportBundle:
		return o.handleImportBundle(ctx, cmd)
	case domain.CmdImportURLPayload:
		return o.handleImportURLPayload(ctx, cmd)
	case domain.CmdExportBundle:
		return o.handleExportBundle(ctx, cmd)
	case domain.CmdConnectProvider:
		return o.handleConnectProvider(ctx, cmd)
	default:
		return errResult(cmd.CorrelationID, domain.NewCoreError(domain.CodeUnsupportedMethod, cmd.CorrelationID, "unrecognized command type"))
	}
}

func okResult(result map[string]any) domain.CommandResult {
	return domain.CommandResult{OK: true, Result: result}
}

func errResult(correlationID string, err *domain.CoreError) domain.CommandResult {
	if err.CorrelationID == "" {
		err.CorrelationID = correlationID
	}
	return domain.CommandResult{OK: false, Error: err}
}

// loadAndVerifyTx loads the Tx stored under payloadHash and verifies its
// integrity MAC before any mutation is applied (invariant 5).
func (o *Orchestrator) loadAndVerifyTx(ctx context.Context, payloadHash string) (domain.Tx, uint64, error) {
	data, revision, err := o.Store.Get(ctx, queue.CollectionTxs, payloadHash)
	if err != nil {
		return domain.Tx{}, 0, err
	}
	var tx domain.Tx
	if err := codec.RoundTrip(data, &tx); err != nil {
		return domain.Tx{}, 0, err
	}
	withoutMAC, err := codec.CanonicalizeOmitting(tx, "integrity_mac")
	if err != nil {
		return domain.Tx{}, 0, err
	}
	if err := codec.VerifyEnvelopeMAC(o.Keyring, tx.MACKeyID, withoutMAC, tx.IntegrityMAC); err != nil {
		return domain.Tx{}, 0, err
	}
	return tx, revision, nil
}

// persistTx dispatches the event's declared side effect to its port
// adapter, then MACs and CAS-writes tx, and appends a transition-log
// record carrying the dispatch outcome (§4.7). The dispatch runs before
// the MAC/CAS step so that an adapter result which changes tx's own state
// (a failed remote call moving the flow to Failed, a successful broadcast
// recording the real executed hash) lands in the same persisted write and
// the same log record as the event that triggered it.
func (o *Orchestrator) persistTx(ctx context.Context, tx domain.Tx, expectedRevision uint64, cmd domain.Command, stateBefore string, effects []domain.SideEffect) (domain.Tx, error) {
	var effectKey, effectOutcome string
	dispatched := false
	if len(effects) > 0 {
		effectKey = string(effects[0].Kind) + ":" + effects[0].Key
		dispatched, effectOutcome = o.dispatchTxSideEffect(ctx, &tx, effects[0])
	}

	macKeyID, err := o.Keyring.Active()
	if err != nil {
		return domain.Tx{}, err
	}
	macKey, err := o.Keyring.Resolve(macKeyID)
	if err != nil {
		return domain.Tx{}, err
	}
	tx.MACKeyID = macKeyID
	tx.MACAlgorithm = domain.HMACSHA256
	tx.StateRevision = expectedRevision + 1
	tx.UpdatedAtMs = o.Now()

	withoutMAC, err := codec.CanonicalizeOmitting(tx, "integrity_mac")
	if err != nil {
		return domain.Tx{}, err
	}
	tx.IntegrityMAC = codec.ComputeMAC(macKey, withoutMAC)

	encoded, err := codec.Canonicalize(tx)
	if err != nil {
		return domain.Tx{}, err
	}

	newRevision, err := o.Store.CompareAndSwap(ctx, queue.CollectionTxs, tx.PayloadHash, expectedRevision, encoded)
	if err != nil {
		if err == queue.ErrRevisionConflict {
			return domain.Tx{}, domain.NewCoreError(domain.CodeWriterLockConflict, cmd.CorrelationID, "state_revision conflict")
		}
		return domain.Tx{}, err
	}
	tx.StateRevision = newRevision

	lastSeq, _ := o.lastEventSeq(ctx, tx.PayloadHash)
	record := domain.TransitionLogRecord{
		EventSeq:          lastSeq + 1,
		CommandID:         cmd.CommandID,
		FlowID:            tx.PayloadHash,
		StateBefore:       stateBefore,
		StateAfter:        queue.HashBytes(encoded),
		SideEffectKey:     effectKey,
		Dispatched:        dispatched,
		SideEffectOutcome: effectOutcome,
		RecordedAtMs:      o.Now(),
	}
	if err := o.Store.AppendTransitionLog(ctx, tx.PayloadHash, record); err != nil {
		return domain.Tx{}, err
	}
	return tx, nil
}

func (o *Orchestrator) lastEventSeq(ctx context.Context, flowID string) (uint64, error) {
	records, err := o.Store.ReadTransitionLog(ctx, flowID)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}
	return records[len(records)-1].EventSeq, nil
}

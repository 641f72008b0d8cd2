package orchestrator

import (
	"context"
	"fmt"

	"github.com/vaultco/cosigncore/internal/codec"
	"github.com/vaultco/cosigncore/internal/domain"
	"github.com/vaultco/cosigncore/internal/queue"
	"github.com/vaultco/cosigncore/internal/statemachine"
)

func (o *Orchestrator) loadAndVerifyExt(ctx context.Context, requestID string) (domain.ExternalRequest, uint64, error) {
	data, revision, err := o.Store.Get(ctx, queue.CollectionExternalRequests, requestID)
	if err != nil {
		return domain.ExternalRequest{}, 0, err
	}
	var ext domain.ExternalRequest
	if err := codec.RoundTrip(data, &ext); err != nil {
		return domain.ExternalRequest{}, 0, err
	}
	withoutMAC, err := codec.CanonicalizeOmitting(ext, "integrity_mac")
	if err != nil {
		return domain.ExternalRequest{}, 0, err
	}
	if err := codec.VerifyEnvelopeMAC(o.Keyring, ext.MACKeyID, withoutMAC, ext.IntegrityMAC); err != nil {
		return domain.ExternalRequest{}, 0, err
	}
	return ext, revision, nil
}

// persistExt mirrors persistTx for the ExternalRequest collection,
// dispatching the event's declared side effect before the MAC/CAS-write
// step.
func (o *Orchestrator) persistExt(ctx context.Context, ext domain.ExternalRequest, expectedRevision uint64, cmd domain.Command, stateBefore string, effects []domain.SideEffect) (domain.ExternalRequest, error) {
	var effectKey, effectOutcome string
	dispatched := false
	if len(effects) > 0 {
		effectKey = string(effects[0].Kind) + ":" + effects[0].Key
		dispatched, effectOutcome = o.dispatchExtSideEffect(ctx, &ext, effects[0])
	}

	macKeyID, err := o.Keyring.Active()
	if err != nil {
		return domain.ExternalRequest{}, err
	}
	macKey, err := o.Keyring.Resolve(macKeyID)
	if err != nil {
		return domain.ExternalRequest{}, err
	}
	ext.MACKeyID = macKeyID
	ext.MACAlgorithm = domain.HMACSHA256
	ext.StateRevision = expectedRevision + 1
	ext.UpdatedAtMs = o.Now()

	withoutMAC, err := codec.CanonicalizeOmitting(ext, "integrity_mac")
	if err != nil {
		return domain.ExternalRequest{}, err
	}
	ext.IntegrityMAC = codec.ComputeMAC(macKey, withoutMAC)

	encoded, err := codec.Canonicalize(ext)
	if err != nil {
		return domain.ExternalRequest{}, err
	}
	newRevision, err := o.Store.CompareAndSwap(ctx, queue.CollectionExternalRequests, ext.RequestID, expectedRevision, encoded)
	if err != nil {
		if err == queue.ErrRevisionConflict {
			return domain.ExternalRequest{}, domain.NewCoreError(domain.CodeWriterLockConflict, cmd.CorrelationID, "state_revision conflict")
		}
		return domain.ExternalRequest{}, err
	}
	ext.StateRevision = newRevision

	lastSeq, _ := o.lastEventSeq(ctx, ext.RequestID)
	record := domain.TransitionLogRecord{
		EventSeq:          lastSeq + 1,
		CommandID:         cmd.CommandID,
		FlowID:            ext.RequestID,
		StateBefore:       stateBefore,
		StateAfter:        queue.HashBytes(encoded),
		SideEffectKey:     effectKey,
		Dispatched:        dispatched,
		SideEffectOutcome: effectOutcome,
		RecordedAtMs:      o.Now(),
	}
	if err := o.Store.AppendTransitionLog(ctx, ext.RequestID, record); err != nil {
		return domain.ExternalRequest{}, err
	}
	return ext, nil
}

// handleExtSessionAction implements `ext_session_action`: creates or
// advances an ExternalRequest flow driven by the pairing-session lifecycle
// (approve/reject/bind/hash-available/executed-elsewhere/expire/error).
func (o *Orchestrator) handleExtSessionAction(ctx context.Context, cmd domain.Command) domain.CommandResult {
	p := cmd.Payload
	action := stringField(p, "action")
	requestID := stringField(p, "request_id")

	if action == "create" {
		return o.createExternalRequest(ctx, cmd)
	}

	ext, revision, err := o.loadAndVerifyExt(ctx, requestID)
	if err != nil {
		return errResult(cmd.CorrelationID, toCoreError(err, domain.CodeIntegrityMACInvalid, cmd.CorrelationID))
	}

	var event domain.ExtEvent
	switch action {
	case "approve":
		event = domain.ExtEvent{Kind: domain.ExtEventApproveSession, MethodSupported: boolField(p, "method_supported")}
		ext.SessionStatus = domain.SessionApproved
	case "reject":
		event = domain.ExtEvent{Kind: domain.ExtEventRejectSession}
		ext.SessionStatus = domain.SessionRejected
	case "bind":
		event = domain.ExtEvent{Kind: domain.ExtEventBind, LinkedPayloadHash: stringField(p, "linked_payload_hash")}
		ext.LinkedPayloadHash = stringField(p, "linked_payload_hash")
	case "hash_available":
		event = domain.ExtEvent{Kind: domain.ExtEventHashAvailable, HashNow: stringField(p, "hash_now"), LinkedPayloadHash: ext.LinkedPayloadHash}
	case "executed_elsewhere":
		event = domain.ExtEvent{Kind: domain.ExtEventExecutedElsewhere, ExecutedHash: stringField(p, "executed_hash")}
	case "expire":
		event = domain.ExtEvent{Kind: domain.ExtEventExpire}
	case "error":
		event = domain.ExtEvent{Kind: domain.ExtEventExternalError, ErrorCode: domain.FailureCode(stringField(p, "error_code")), ErrorMessage: stringField(p, "error_message")}
	default:
		return errResult(cmd.CorrelationID, domain.NewCoreError(domain.CodeUnsupportedMethod, cmd.CorrelationID, fmt.Sprintf("unrecognized ext_session_action action %q", action)))
	}

	before := extStateHash(ext)
	outcome := statemachine.ApplyExternal(ext.Status, event, o.Now(), statemachine.ExtGuardContext{
		SessionStatus: ext.SessionStatus,
		ExpiresAtMs:   ext.ExpiresAtMs,
	})
	if !outcome.Accepted {
		return errResult(cmd.CorrelationID, domain.NewCoreError(outcome.Diagnostic.Code, cmd.CorrelationID, outcome.Diagnostic.Reason))
	}

	ext.Status = outcome.NextExtStatus
	ext, err = o.persistExt(ctx, ext, revision, cmd, before, outcome.SideEffects)
	if err != nil {
		return errResult(cmd.CorrelationID, toCoreError(err, domain.CodeWriterLockConflict, cmd.CorrelationID))
	}
	return okResult(map[string]any{"status": string(ext.Status), "session_status": string(ext.SessionStatus)})
}

func (o *Orchestrator) createExternalRequest(ctx context.Context, cmd domain.Command) domain.CommandResult {
	p := cmd.Payload
	requestID := stringField(p, "request_id")
	if requestID == "" {
		requestID = newCommandID()
	}
	ttlMs := int64Field(p, "ttl_ms")
	if ttlMs == 0 {
		ttlMs = 120_000
	}

	ext := domain.ExternalRequest{
		Envelope: domain.Envelope{
			SchemaVersion:  1,
			ChainID:        int64Field(p, "chain_id"),
			SafeAddress:    stringField(p, "safe_address"),
			IdempotencyKey: fmt.Sprintf("ext:%s", requestID),
			CreatedAtMs:    o.Now(),
			UpdatedAtMs:    o.Now(),
			CorrelationID:  cmd.CorrelationID,
			Retry:          domain.RetryBudget{MaxAttempts: 5},
		},
		RequestID:     requestID,
		Topic:         stringField(p, "topic"),
		SessionStatus: domain.SessionProposed,
		Method:        domain.SigningMethod(stringField(p, "method")),
		ExpiresAtMs:   o.Now() + ttlMs,
		Status:        domain.ExtPending,
	}

	macKeyID, err := o.Keyring.Active()
	if err != nil {
		return errResult(cmd.CorrelationID, domain.NewCoreError(domain.CodeIntegrityMACInvalid, cmd.CorrelationID, err.Error()))
	}
	macKey, _ := o.Keyring.Resolve(macKeyID)
	ext.MACKeyID = macKeyID
	ext.MACAlgorithm = domain.HMACSHA256
	withoutMAC, err := codec.CanonicalizeOmitting(ext, "integrity_mac")
	if err != nil {
		return errResult(cmd.CorrelationID, domain.NewCoreError(domain.CodeIntegrityMACInvalid, cmd.CorrelationID, err.Error()))
	}
	ext.IntegrityMAC = codec.ComputeMAC(macKey, withoutMAC)

	encoded, err := codec.Canonicalize(ext)
	if err != nil {
		return errResult(cmd.CorrelationID, domain.NewCoreError(domain.CodeIntegrityMACInvalid, cmd.CorrelationID, err.Error()))
	}
	newRevision, err := o.Store.CompareAndSwap(ctx, queue.CollectionExternalRequests, requestID, 0, encoded)
	if err != nil {
		return errResult(cmd.CorrelationID, domain.NewCoreError(domain.CodeIdempotencyConflict, cmd.CorrelationID, "external request with this request_id already exists"))
	}
	ext.StateRevision = newRevision

	record := domain.TransitionLogRecord{
		EventSeq:     1,
		CommandID:    cmd.CommandID,
		FlowID:       requestID,
		StateAfter:   queue.HashBytes(encoded),
		RecordedAtMs: o.Now(),
	}
	if err := o.Store.AppendTransitionLog(ctx, requestID, record); err != nil {
		return errResult(cmd.CorrelationID, domain.NewCoreError(domain.CodeIdempotencyConflict, cmd.CorrelationID, err.Error()))
	}

	return okResult(map[string]any{"request_id": requestID, "status": string(ext.Status)})
}

// handleRespondExt dispatches the pairing-port response for a flow that has
// reached RespondingImmediate/RespondingDeferred, via o.Responder.
func (o *Orchestrator) handleRespondExt(ctx context.Context, cmd domain.Command) domain.CommandResult {
	if o.Responder == nil {
		return errResult(cmd.CorrelationID, domain.NewCoreError(domain.CodeUnsupportedMethod, cmd.CorrelationID, "no pairing responder configured"))
	}
	p := cmd.Payload
	requestID := stringField(p, "request_id")
	ext, _, err := o.loadAndVerifyExt(ctx, requestID)
	if err != nil {
		return errResult(cmd.CorrelationID, toCoreError(err, domain.CodeIntegrityMACInvalid, cmd.CorrelationID))
	}
	switch ext.Status {
	case domain.ExtRespondingImmediate:
		if err := o.Responder.RespondImmediate(ctx, requestID, stringField(p, "hash")); err != nil {
			return errResult(cmd.CorrelationID, domain.NewCoreError(domain.CodeUnsupportedMethod, cmd.CorrelationID, err.Error()))
		}
	case domain.ExtRespondingDeferred:
		if err := o.Responder.RespondDeferred(ctx, requestID, stringField(p, "executed_hash")); err != nil {
			return errResult(cmd.CorrelationID, domain.NewCoreError(domain.CodeUnsupportedMethod, cmd.CorrelationID, err.Error()))
		}
	default:
		return errResult(cmd.CorrelationID, domain.NewCoreError(domain.CodeUnsupportedMethod, cmd.CorrelationID, "request is not awaiting a response dispatch"))
	}
	return okResult(map[string]any{"request_id": requestID})
}

func extStateHash(ext domain.ExternalRequest) string {
	encoded, err := codec.Canonicalize(ext)
	if err != nil {
		return ""
	}
	return queue.HashBytes(encoded)
}

package orchestrator

import (
	"context"
	"fmt"

	"github.com/vaultco/cosigncore/internal/chainsig"
	"github.com/vaultco/cosigncore/internal/codec"
	"github.com/vaultco/cosigncore/internal/domain"
	"github.com/vaultco/cosigncore/internal/queue"
	"github.com/vaultco/cosigncore/internal/statemachine"
)

// loadAndVerifyMessage mirrors loadAndVerifyTx for the Message collection.
func (o *Orchestrator) loadAndVerifyMessage(ctx context.Context, messageHash string) (domain.Message, uint64, error) {
	data, revision, err := o.Store.Get(ctx, queue.CollectionMessages, messageHash)
	if err != nil {
		return domain.Message{}, 0, err
	}
	var msg domain.Message
	if err := codec.RoundTrip(data, &msg); err != nil {
		return domain.Message{}, 0, err
	}
	withoutMAC, err := codec.CanonicalizeOmitting(msg, "integrity_mac")
	if err != nil {
		return domain.Message{}, 0, err
	}
	if err := codec.VerifyEnvelopeMAC(o.Keyring, msg.MACKeyID, withoutMAC, msg.IntegrityMAC); err != nil {
		return domain.Message{}, 0, err
	}
	return msg, revision, nil
}

// persistMessage mirrors persistTx for the Message collection, dispatching
// the event's declared side effect before the MAC/CAS-write step.
func (o *Orchestrator) persistMessage(ctx context.Context, msg domain.Message, expectedRevision uint64, cmd domain.Command, stateBefore string, effects []domain.SideEffect) (domain.Message, error) {
	var effectKey, effectOutcome string
	dispatched := false
	if len(effects) > 0 {
		effectKey = string(effects[0].Kind) + ":" + effects[0].Key
		dispatched, effectOutcome = o.dispatchMessageSideEffect(ctx, &msg, effects[0])
	}

	macKeyID, err := o.Keyring.Active()
	if err != nil {
		return domain.Message{}, err
	}
	macKey, err := o.Keyring.Resolve(macKeyID)
	if err != nil {
		return domain.Message{}, err
	}
	msg.MACKeyID = macKeyID
	msg.MACAlgorithm = domain.HMACSHA256
	msg.StateRevision = expectedRevision + 1
	msg.UpdatedAtMs = o.Now()

	withoutMAC, err := codec.CanonicalizeOmitting(msg, "integrity_mac")
	if err != nil {
		return domain.Message{}, err
	}
	msg.IntegrityMAC = codec.ComputeMAC(macKey, withoutMAC)

	encoded, err := codec.Canonicalize(msg)
	if err != nil {
		return domain.Message{}, err
	}
	newRevision, err := o.Store.CompareAndSwap(ctx, queue.CollectionMessages, msg.MessageHash, expectedRevision, encoded)
	if err != nil {
		if err == queue.ErrRevisionConflict {
			return domain.Message{}, domain.NewCoreError(domain.CodeWriterLockConflict, cmd.CorrelationID, "state_revision conflict")
		}
		return domain.Message{}, err
	}
	msg.StateRevision = newRevision

	lastSeq, _ := o.lastEventSeq(ctx, msg.MessageHash)
	record := domain.TransitionLogRecord{
		EventSeq:          lastSeq + 1,
		CommandID:         cmd.CommandID,
		FlowID:            msg.MessageHash,
		StateBefore:       stateBefore,
		StateAfter:        queue.HashBytes(encoded),
		SideEffectKey:     effectKey,
		Dispatched:        dispatched,
		SideEffectOutcome: effectOutcome,
		RecordedAtMs:      o.Now(),
	}
	if err := o.Store.AppendTransitionLog(ctx, msg.MessageHash, record); err != nil {
		return domain.Message{}, err
	}
	return msg, nil
}

// handleSignMessage implements `sign_message`: hashes a personal-sign or
// typed-data message per method and creates a new Message flow in Draft.
func (o *Orchestrator) handleSignMessage(ctx context.Context, cmd domain.Command) domain.CommandResult {
	p := cmd.Payload
	chainID := int64Field(p, "chain_id")
	safeAddress, err := chainsig.NormalizeAddress(stringField(p, "safe_address"))
	if err != nil {
		return errResult(cmd.CorrelationID, domain.NewCoreError(domain.CodeInvalidSignature, cmd.CorrelationID, err.Error()))
	}
	method := domain.SigningMethod(stringField(p, "method"))

	var digest []byte
	switch method {
	case domain.MethodPersonalSign:
		digest = chainsig.PersonalSignHash([]byte(stringField(p, "message")))
	case domain.MethodLegacyEthSign:
		raw, decodeErr := decodeHexField(stringField(p, "raw_hash"))
		if decodeErr != nil {
			return errResult(cmd.CorrelationID, domain.NewCoreError(domain.CodeInvalidSignature, cmd.CorrelationID, decodeErr.Error()))
		}
		digest = chainsig.LegacyEthSignHash(raw)
	case domain.MethodTypedData, domain.MethodTypedDataV4:
		return errResult(cmd.CorrelationID, domain.NewCoreError(domain.CodeUnsupportedMethod, cmd.CorrelationID, "typed-data message signing requires the caller-supplied typed-data hash via sign_message.message_hash"))
	default:
		return errResult(cmd.CorrelationID, domain.NewCoreError(domain.CodeUnsupportedMethod, cmd.CorrelationID, fmt.Sprintf("unsupported signing method %q", method)))
	}
	messageHash := fmt.Sprintf("0x%x", digest)

	owners := domain.OwnerSnapshot{Threshold: int(int64Field(p, "threshold"))}
	if ownersRaw, ok := p["owners"].([]string); ok {
		owners.Owners = ownersRaw
	}

	msg := domain.Message{
		Envelope: domain.Envelope{
			SchemaVersion:  1,
			ChainID:        chainID,
			SafeAddress:    safeAddress,
			IdempotencyKey: fmt.Sprintf("%d:%s:%s:sign_message", chainID, safeAddress, messageHash),
			CreatedAtMs:    o.Now(),
			UpdatedAtMs:    o.Now(),
			CorrelationID:  cmd.CorrelationID,
			Owners:         owners,
			Retry:          domain.RetryBudget{MaxAttempts: 5},
		},
		Method:             method,
		MessageHash:        messageHash,
		Status:             domain.MsgDraft,
		LinkedExtRequestID: stringField(p, "linked_ext_request_id"),
	}

	macKeyID, err := o.Keyring.Active()
	if err != nil {
		return errResult(cmd.CorrelationID, domain.NewCoreError(domain.CodeIntegrityMACInvalid, cmd.CorrelationID, err.Error()))
	}
	macKey, _ := o.Keyring.Resolve(macKeyID)
	msg.MACKeyID = macKeyID
	msg.MACAlgorithm = domain.HMACSHA256
	withoutMAC, err := codec.CanonicalizeOmitting(msg, "integrity_mac")
	if err != nil {
		return errResult(cmd.CorrelationID, domain.NewCoreError(domain.CodeIntegrityMACInvalid, cmd.CorrelationID, err.Error()))
	}
	msg.IntegrityMAC = codec.ComputeMAC(macKey, withoutMAC)

	encoded, err := codec.Canonicalize(msg)
	if err != nil {
		return errResult(cmd.CorrelationID, domain.NewCoreError(domain.CodeIntegrityMACInvalid, cmd.CorrelationID, err.Error()))
	}
	newRevision, err := o.Store.CompareAndSwap(ctx, queue.CollectionMessages, messageHash, 0, encoded)
	if err != nil {
		return errResult(cmd.CorrelationID, domain.NewCoreError(domain.CodeIdempotencyConflict, cmd.CorrelationID, "message with this message_hash already exists"))
	}
	msg.StateRevision = newRevision

	record := domain.TransitionLogRecord{
		EventSeq:     1,
		CommandID:    cmd.CommandID,
		FlowID:       messageHash,
		StateAfter:   queue.HashBytes(encoded),
		RecordedAtMs: o.Now(),
	}
	if err := o.Store.AppendTransitionLog(ctx, messageHash, record); err != nil {
		return errResult(cmd.CorrelationID, domain.NewCoreError(domain.CodeIdempotencyConflict, cmd.CorrelationID, err.Error()))
	}

	return okResult(map[string]any{"message_hash": messageHash, "status": string(msg.Status)})
}

// handleAddMessageSignature implements `add_message_signature`.
func (o *Orchestrator) handleAddMessageSignature(ctx context.Context, cmd domain.Command) domain.CommandResult {
	p := cmd.Payload
	messageHash := stringField(p, "message_hash")
	msg, revision, err := o.loadAndVerifyMessage(ctx, messageHash)
	if err != nil {
		return errResult(cmd.CorrelationID, toCoreError(err, domain.CodeIntegrityMACInvalid, cmd.CorrelationID))
	}

	sig := domain.Signature{
		Signer:         stringField(p, "signer"),
		SignatureBytes: stringField(p, "signature_bytes"),
		Source:         domain.SignatureSource(stringField(p, "source")),
		Method:         msg.Method,
		ChainID:        msg.ChainID,
		SafeAddress:    msg.SafeAddress,
		PayloadHash:    msg.MessageHash,
		ExpectedSigner: stringField(p, "expected_signer"),
		AddedAtMs:      o.Now(),
	}
	sigBytes, decodeErr := decodeHexField(sig.SignatureBytes)
	if decodeErr != nil {
		return errResult(cmd.CorrelationID, domain.NewCoreError(domain.CodeInvalidSignature, cmd.CorrelationID, decodeErr.Error()))
	}
	digest, decodeErr := decodeHexField(msg.MessageHash)
	if decodeErr != nil {
		return errResult(cmd.CorrelationID, domain.NewCoreError(domain.CodeInvalidSignature, cmd.CorrelationID, decodeErr.Error()))
	}
	if recovered, recoverErr := chainsig.RecoverSigner(digest, sigBytes); recoverErr == nil {
		sig.RecoveredSigner = recovered
	}

	before := messageStateHash(msg)
	outcome := statemachine.ApplyMessage(msg.Status, domain.MessageEvent{
		Kind:           domain.MsgEventAddSignature,
		Signature:      &sig,
		LinkedApproved: boolField(p, "linked_approved"),
	}, o.Now(), statemachine.MessageGuardContext{
		Owners:             msg.Owners,
		ExistingSignatures: msg.Signatures,
		ChainID:            msg.ChainID,
		SafeAddress:        msg.SafeAddress,
		MessageHash:        msg.MessageHash,
		RetryBudget:        msg.Retry,
		Linked:             msg.LinkedExtRequestID != "",
	})
	if !outcome.Accepted {
		return errResult(cmd.CorrelationID, domain.NewCoreError(outcome.Diagnostic.Code, cmd.CorrelationID, outcome.Diagnostic.Reason))
	}

	msg.Signatures = append(msg.Signatures, sig)
	msg.Status = outcome.NextMsgStatus
	msg, err = o.persistMessage(ctx, msg, revision, cmd, before, outcome.SideEffects)
	if err != nil {
		return errResult(cmd.CorrelationID, toCoreError(err, domain.CodeWriterLockConflict, cmd.CorrelationID))
	}
	return okResult(map[string]any{"status": string(msg.Status), "recovered_signer": sig.RecoveredSigner})
}

func messageStateHash(msg domain.Message) string {
	encoded, err := codec.Canonicalize(msg)
	if err != nil {
		return ""
	}
	return queue.HashBytes(encoded)
}

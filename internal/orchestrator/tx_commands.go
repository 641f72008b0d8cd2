package orchestrator

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/vaultco/cosigncore/internal/chainsig"
	"github.com/vaultco/cosigncore/internal/codec"
	"github.com/vaultco/cosigncore/internal/domain"
	"github.com/vaultco/cosigncore/internal/queue"
	"github.com/vaultco/cosigncore/internal/statemachine"
)

func stringField(payload map[string]any, key string) string {
	if v, ok := payload[key].(string); ok {
		return v
	}
	return ""
}

func int64Field(payload map[string]any, key string) int64 {
	switch v := payload[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

func boolField(payload map[string]any, key string) bool {
	v, _ := payload[key].(bool)
	return v
}

// handleCreateTx implements the `create_tx` command: it builds the
// Vault-transaction typed-data payload, computes payload_hash, and
// persists a new Tx in Draft status.
func (o *Orchestrator) handleCreateTx(ctx context.Context, cmd domain.Command) domain.CommandResult {
	p := cmd.Payload
	chainID := int64Field(p, "chain_id")
	safeAddress, err := chainsig.NormalizeAddress(stringField(p, "safe_address"))
	if err != nil {
		return errResult(cmd.CorrelationID, domain.NewCoreError(domain.CodeInvalidSignature, cmd.CorrelationID, err.Error()))
	}

	payload := domain.TxPayload{
		To:        stringField(p, "to"),
		Value:     stringField(p, "value"),
		Data:      stringField(p, "data"),
		Operation: int(int64Field(p, "operation")),
	}
	message := map[string]interface{}{
		"to": payload.To, "value": payload.Value, "data": payload.Data,
		"operation": payload.Operation, "safeTxGas": "0", "baseGas": "0",
		"gasPrice": "0", "gasToken": "0x0000000000000000000000000000000000000000",
		"refundReceiver": "0x0000000000000000000000000000000000000000",
		"nonce":           fmt.Sprintf("%d", int64Field(p, "nonce")),
	}
	td := chainsig.SafeTxTypedData(chainID, safeAddress, message)
	digest, err := chainsig.HashTypedData(td)
	if err != nil {
		return errResult(cmd.CorrelationID, domain.NewCoreError(domain.CodeABIParseFailed, cmd.CorrelationID, err.Error()))
	}
	payloadHash := fmt.Sprintf("0x%x", digest)

	owners := domain.OwnerSnapshot{}
	if ownersRaw, ok := p["owners"].([]string); ok {
		owners.Owners = ownersRaw
	}
	owners.Threshold = int(int64Field(p, "threshold"))

	tx := domain.Tx{
		Envelope: domain.Envelope{
			SchemaVersion:  1,
			ChainID:        chainID,
			SafeAddress:    safeAddress,
			IdempotencyKey: fmt.Sprintf("%d:%s:%s:create_tx", chainID, safeAddress, payloadHash),
			CreatedAtMs:    o.Now(),
			UpdatedAtMs:    o.Now(),
			CorrelationID:  cmd.CorrelationID,
			Owners:         owners,
			Retry:          domain.RetryBudget{MaxAttempts: 5},
		},
		Nonce:       uint64(int64Field(p, "nonce")),
		Payload:     payload,
		BuildSource: domain.BuildRawCalldata,
		PayloadHash: payloadHash,
		Status:      domain.TxDraft,
	}

	macKeyID, err := o.Keyring.Active()
	if err != nil {
		return errResult(cmd.CorrelationID, domain.NewCoreError(domain.CodeIntegrityMACInvalid, cmd.CorrelationID, err.Error()))
	}
	macKey, _ := o.Keyring.Resolve(macKeyID)
	tx.MACKeyID = macKeyID
	tx.MACAlgorithm = domain.HMACSHA256
	withoutMAC, err := codec.CanonicalizeOmitting(tx, "integrity_mac")
	if err != nil {
		return errResult(cmd.CorrelationID, domain.NewCoreError(domain.CodeIntegrityMACInvalid, cmd.CorrelationID, err.Error()))
	}
	tx.IntegrityMAC = codec.ComputeMAC(macKey, withoutMAC)

	encoded, err := codec.Canonicalize(tx)
	if err != nil {
		return errResult(cmd.CorrelationID, domain.NewCoreError(domain.CodeIntegrityMACInvalid, cmd.CorrelationID, err.Error()))
	}
	newRevision, err := o.Store.CompareAndSwap(ctx, queue.CollectionTxs, payloadHash, 0, encoded)
	if err != nil {
		return errResult(cmd.CorrelationID, domain.NewCoreError(domain.CodeIdempotencyConflict, cmd.CorrelationID, "transaction with this payload_hash already exists"))
	}
	tx.StateRevision = newRevision

	record := domain.TransitionLogRecord{
		EventSeq:     1,
		CommandID:    cmd.CommandID,
		FlowID:       payloadHash,
		StateBefore:  "",
		StateAfter:   queue.HashBytes(encoded),
		RecordedAtMs: o.Now(),
	}
	if err := o.Store.AppendTransitionLog(ctx, payloadHash, record); err != nil {
		return errResult(cmd.CorrelationID, domain.NewCoreError(domain.CodeIdempotencyConflict, cmd.CorrelationID, err.Error()))
	}

	return okResult(map[string]any{"payload_hash": payloadHash, "status": string(tx.Status)})
}

// handleCreateTxFromABI builds a Tx whose build_source is abi-method-form,
// enforcing the ABI selector gate up front unless overridden (invariant 7).
func (o *Orchestrator) handleCreateTxFromABI(ctx context.Context, cmd domain.Command) domain.CommandResult {
	p := cmd.Payload
	abiCtx := &domain.ABIContext{
		MethodSignature:     stringField(p, "method_signature"),
		MethodSelector:      stringField(p, "method_selector"),
		EncodedArguments:    stringField(p, "encoded_arguments"),
		RawCalldataOverride: boolField(p, "override"),
	}
	calldata := stringField(p, "data")
	if err := chainsig.CheckSelector(abiCtx, calldata); err != nil {
		if ce, ok := err.(*domain.CoreError); ok {
			return errResult(cmd.CorrelationID, ce)
		}
		return errResult(cmd.CorrelationID, domain.NewCoreError(domain.CodeABIParseFailed, cmd.CorrelationID, err.Error()))
	}

	innerResult := o.handleCreateTx(ctx, cmd)
	if !innerResult.OK {
		return innerResult
	}
	if abiCtx.RawCalldataOverride {
		innerResult.Result["reason"] = "override_acknowledged"
	}
	return innerResult
}

// handleAddTxSignature implements `add_tx_signature`: the gate of §4.2's
// AddSignature event, applied through ApplyTx.
func (o *Orchestrator) handleAddTxSignature(ctx context.Context, cmd domain.Command) domain.CommandResult {
	p := cmd.Payload
	payloadHash := stringField(p, "payload_hash")
	tx, revision, err := o.loadAndVerifyTx(ctx, payloadHash)
	if err != nil {
		return errResult(cmd.CorrelationID, toCoreError(err, domain.CodeIntegrityMACInvalid, cmd.CorrelationID))
	}

	sig := domain.Signature{
		Signer:         stringField(p, "signer"),
		SignatureBytes: stringField(p, "signature_bytes"),
		Source:         domain.SignatureSource(stringField(p, "source")),
		Method:         domain.SigningMethod(stringField(p, "method")),
		ChainID:        tx.ChainID,
		SafeAddress:    tx.SafeAddress,
		PayloadHash:    tx.PayloadHash,
		ExpectedSigner: stringField(p, "expected_signer"),
		AddedAtMs:      o.Now(),
	}

	sigBytes, decodeErr := decodeHexField(sig.SignatureBytes)
	if decodeErr != nil {
		return errResult(cmd.CorrelationID, domain.NewCoreError(domain.CodeInvalidSignature, cmd.CorrelationID, decodeErr.Error()))
	}
	digest, decodeErr := decodeHexField(tx.PayloadHash)
	if decodeErr != nil {
		return errResult(cmd.CorrelationID, domain.NewCoreError(domain.CodeInvalidSignature, cmd.CorrelationID, decodeErr.Error()))
	}
	recovered, recoverErr := chainsig.RecoverSigner(digest, sigBytes)
	if recoverErr == nil {
		sig.RecoveredSigner = recovered
	}

	before := stateHashOf(tx)
	outcome := statemachine.ApplyTx(tx.Status, domain.TxEvent{Kind: domain.TxEventAddSignature, Signature: &sig}, o.Now(), statemachine.TxGuardContext{
		Owners:             tx.Owners,
		ExistingSignatures: tx.Signatures,
		ChainID:            tx.ChainID,
		SafeAddress:        tx.SafeAddress,
		PayloadHash:        tx.PayloadHash,
		RetryBudget:        tx.Retry,
	})
	if !outcome.Accepted {
		return errResult(cmd.CorrelationID, domain.NewCoreError(outcome.Diagnostic.Code, cmd.CorrelationID, outcome.Diagnostic.Reason))
	}

	tx.Signatures = append(tx.Signatures, sig)
	tx.Status = outcome.NextTxStatus
	tx, err = o.persistTx(ctx, tx, revision, cmd, before, outcome.SideEffects)
	if err != nil {
		return errResult(cmd.CorrelationID, toCoreError(err, domain.CodeWriterLockConflict, cmd.CorrelationID))
	}
	return okResult(map[string]any{"status": string(tx.Status), "recovered_signer": sig.RecoveredSigner})
}

func (o *Orchestrator) handleStartPreflight(ctx context.Context, cmd domain.Command) domain.CommandResult {
	chainMatches := true
	if v, ok := cmd.Payload["chain_matches"].(bool); ok {
		chainMatches = v
	}
	accountMatches := true
	if v, ok := cmd.Payload["account_matches"].(bool); ok {
		accountMatches = v
	}
	return o.applyTxEvent(ctx, cmd, domain.TxEvent{
		Kind:           domain.TxEventStartPreflight,
		ChainMatches:   chainMatches,
		AccountMatches: accountMatches,
	})
}

func (o *Orchestrator) handleProposeTx(ctx context.Context, cmd domain.Command) domain.CommandResult {
	return o.applyTxEvent(ctx, cmd, domain.TxEvent{Kind: domain.TxEventPropose})
}

func (o *Orchestrator) handleConfirmTx(ctx context.Context, cmd domain.Command) domain.CommandResult {
	return o.applyTxEvent(ctx, cmd, domain.TxEvent{
		Kind:                    domain.TxEventConfirm,
		RemoteAlreadyRegistered: boolField(cmd.Payload, "remote_already_registered"),
	})
}

func (o *Orchestrator) handleExecuteTx(ctx context.Context, cmd domain.Command) domain.CommandResult {
	return o.applyTxEvent(ctx, cmd, domain.TxEvent{
		Kind:           domain.TxEventExecute,
		PreflightValid: true,
		ChainMatches:   true,
	})
}

// applyTxEvent is the shared load -> apply -> persist path for the
// propose/confirm/execute/preflight events, all of which need no
// additional payload beyond the flow's own state and owner snapshot.
func (o *Orchestrator) applyTxEvent(ctx context.Context, cmd domain.Command, event domain.TxEvent) domain.CommandResult {
	payloadHash := stringField(cmd.Payload, "payload_hash")
	tx, revision, err := o.loadAndVerifyTx(ctx, payloadHash)
	if err != nil {
		return errResult(cmd.CorrelationID, toCoreError(err, domain.CodeIntegrityMACInvalid, cmd.CorrelationID))
	}

	before := stateHashOf(tx)
	outcome := statemachine.ApplyTx(tx.Status, event, o.Now(), statemachine.TxGuardContext{
		Owners:             tx.Owners,
		ExistingSignatures: tx.Signatures,
		ChainID:            tx.ChainID,
		SafeAddress:        tx.SafeAddress,
		PayloadHash:        tx.PayloadHash,
		AlreadyProposed:    tx.Status == domain.TxProposed || tx.Status == domain.TxConfirming,
		NonceResolved:      true,
		RetryBudget:        tx.Retry,
	})
	if !outcome.Accepted {
		return errResult(cmd.CorrelationID, domain.NewCoreError(outcome.Diagnostic.Code, cmd.CorrelationID, outcome.Diagnostic.Reason))
	}

	tx.Status = outcome.NextTxStatus
	tx, err = o.persistTx(ctx, tx, revision, cmd, before, outcome.SideEffects)
	if err != nil {
		return errResult(cmd.CorrelationID, toCoreError(err, domain.CodeWriterLockConflict, cmd.CorrelationID))
	}
	return okResult(map[string]any{"status": string(tx.Status), "executed_external_hash": tx.ExecutedExternalHash})
}

func (o *Orchestrator) handleAcquireWriterLock(ctx context.Context, cmd domain.Command) domain.CommandResult {
	ttl := int64Field(cmd.Payload, "ttl_ms")
	if ttl == 0 {
		ttl = 30_000
	}
	lock, err := queue.AcquireWriterLock(ctx, o.Store, o.HolderID, ttl, o.Now())
	if err != nil {
		return errResult(cmd.CorrelationID, toCoreError(err, domain.CodeWriterLockConflict, cmd.CorrelationID))
	}
	return okResult(map[string]any{"holder_id": lock.HolderID, "nonce": lock.Nonce, "lock_epoch": lock.LockEpoch})
}

// handleRefreshOwners applies the supplemental RefreshOwners command: the
// only path by which a flow's bound OwnerSnapshot may change.
func (o *Orchestrator) handleRefreshOwners(ctx context.Context, cmd domain.Command) domain.CommandResult {
	payloadHash := stringField(cmd.Payload, "payload_hash")
	tx, revision, err := o.loadAndVerifyTx(ctx, payloadHash)
	if err != nil {
		return errResult(cmd.CorrelationID, toCoreError(err, domain.CodeIntegrityMACInvalid, cmd.CorrelationID))
	}
	if tx.Status.Terminal() {
		return errResult(cmd.CorrelationID, domain.NewCoreError(domain.CodeUnsupportedMethod, cmd.CorrelationID, "cannot refresh owners on a terminal flow"))
	}
	before := stateHashOf(tx)
	ownersRaw, _ := cmd.Payload["owners"].([]string)
	tx.Owners = domain.OwnerSnapshot{
		Owners:        ownersRaw,
		Threshold:     int(int64Field(cmd.Payload, "threshold")),
		SnapshotBlock: uint64(int64Field(cmd.Payload, "snapshot_block")),
		SnapshotNonce: uint64(int64Field(cmd.Payload, "snapshot_nonce")),
	}
	tx, err = o.persistTx(ctx, tx, revision, cmd, before, nil)
	if err != nil {
		return errResult(cmd.CorrelationID, toCoreError(err, domain.CodeWriterLockConflict, cmd.CorrelationID))
	}
	return okResult(map[string]any{"status": string(tx.Status)})
}

func stateHashOf(tx domain.Tx) string {
	encoded, err := codec.Canonicalize(tx)
	if err != nil {
		return ""
	}
	return queue.HashBytes(encoded)
}

func decodeHexField(s string) ([]byte, error) {
	s = strings.TrimPrefix(s, "0x")
	s = strings.TrimPrefix(s, "0X")
	return hex.DecodeString(s)
}

func toCoreError(err error, fallback domain.FailureCode, correlationID string) *domain.CoreError {
	if ce, ok := err.(*domain.CoreError); ok {
		return ce
	}
	return domain.NewCoreError(fallback, correlationID, err.Error())
}

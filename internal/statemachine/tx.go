// Package statemachine implements the three pure transition functions of
// §4.2 — ApplyTx, ApplyMessage, ApplyExternal — plus their shared guard
// helpers. Each function is total: every (state, event) pair returns a
// defined Outcome, legal transition or guard failure, and never panics
// (§8 transition totality).
package statemachine

import (
	"github.com/vaultco/cosigncore/internal/domain"
)

// TxGuardContext carries the facts a guard needs that are not present on
// the event itself: the owner/threshold snapshot, the signatures already
// collected, and flow-level flags a pure function cannot derive from a
// single event value alone.
type TxGuardContext struct {
	Owners            domain.OwnerSnapshot
	ExistingSignatures []domain.Signature
	ChainID           int64
	SafeAddress       string
	PayloadHash       string
	AlreadyProposed   bool
	NonceResolved     bool
	RetryBudget       domain.RetryBudget
}

// distinctValidSigners counts distinct valid signers across existing plus
// one candidate signature (or just existing, if candidate is nil).
func distinctValidSigners(existing []domain.Signature, candidate *domain.Signature) int {
	seen := make(map[string]bool)
	for _, s := range existing {
		if s.Valid() {
			seen[s.Signer] = true
		}
	}
	if candidate != nil && candidate.Valid() {
		seen[candidate.Signer] = true
	}
	return len(seen)
}

// ApplyTx is the transaction flow's pure transition function (§4.2).
func ApplyTx(state domain.TxStatus, event domain.TxEvent, nowMs int64, ctx TxGuardContext) domain.Outcome {
	if state.Terminal() && event.Kind != domain.TxEventRetry {
		return domain.Rejected(domain.CodeUnsupportedMethod, "terminal states admit only diagnostic metadata updates")
	}

	switch event.Kind {
	case domain.TxEventStartPreflight:
		if state != domain.TxDraft && state != domain.TxFailed {
			return domain.Rejected(domain.CodeUnsupportedMethod, "StartPreflight not legal from this state")
		}
		if !event.ChainMatches {
			return domain.Rejected(domain.CodeChainMismatch, "live chain differs from flow chain")
		}
		if !event.AccountMatches {
			return domain.Rejected(domain.CodeAccountMismatch, "active account is not the expected vault owner")
		}
		return domain.Outcome{
			Accepted:     true,
			NextTxStatus: domain.TxSigning,
			SideEffects: []domain.SideEffect{
				{Kind: domain.EffectPreflightRequest, Key: "preflight:" + ctx.PayloadHash},
			},
		}

	case domain.TxEventAddSignature:
		if state != domain.TxSigning && state != domain.TxProposed && state != domain.TxConfirming {
			return domain.Rejected(domain.CodeUnsupportedMethod, "AddSignature not legal from this state")
		}
		sig := event.Signature
		if sig == nil {
			return domain.Rejected(domain.CodeInvalidSignature, "missing signature")
		}
		if !sig.Bound(ctx.ChainID, ctx.SafeAddress, ctx.PayloadHash) {
			return domain.Rejected(domain.CodeSignerMismatch, "signature not bound to this flow's (chain_id, safe_address, payload_hash)")
		}
		if !sig.Valid() {
			return domain.Rejected(domain.CodeSignerMismatch, "recovered signer does not match expected signer")
		}
		if !ctx.Owners.IsOwner(sig.RecoveredSigner) {
			return domain.Rejected(domain.CodeAccountMismatch, "recovered signer is not an owner of the vault")
		}
		next := state
		if distinctValidSigners(ctx.ExistingSignatures, sig) >= ctx.Owners.Threshold {
			next = domain.TxReadyToExecute
		}
		return domain.Outcome{Accepted: true, NextTxStatus: next}

	case domain.TxEventPropose:
		if state != domain.TxSigning {
			return domain.Rejected(domain.CodeUnsupportedMethod, "Propose only legal from Signing")
		}
		if distinctValidSigners(ctx.ExistingSignatures, nil) < 1 {
			return domain.Rejected(domain.CodeUnsupportedMethod, "Propose requires at least one valid signature")
		}
		if !ctx.NonceResolved {
			return domain.Rejected(domain.CodeUnsupportedMethod, "nonce not yet resolved")
		}
		if ctx.AlreadyProposed {
			return domain.Rejected(domain.CodeIdempotencyConflict, "transaction already proposed")
		}
		return domain.Outcome{
			Accepted:     true,
			NextTxStatus: domain.TxProposed,
			SideEffects: []domain.SideEffect{
				{Kind: domain.EffectServicePropose, Key: "propose:" + ctx.PayloadHash},
			},
		}

	case domain.TxEventConfirm:
		if state != domain.TxProposed && state != domain.TxConfirming {
			return domain.Rejected(domain.CodeUnsupportedMethod, "Confirm not legal from this state")
		}
		if event.RemoteAlreadyRegistered {
			return domain.Rejected(domain.CodeIdempotencyConflict, "signature already registered remotely")
		}
		return domain.Outcome{
			Accepted:     true,
			NextTxStatus: domain.TxConfirming,
			SideEffects: []domain.SideEffect{
				{Kind: domain.EffectServiceConfirm, Key: "confirm:" + ctx.PayloadHash},
			},
		}

	case domain.TxEventExecute:
		if state != domain.TxReadyToExecute {
			return domain.Rejected(domain.CodeUnsupportedMethod, "Execute only legal from ReadyToExecute")
		}
		if distinctValidSigners(ctx.ExistingSignatures, nil) < ctx.Owners.Threshold {
			return domain.Rejected(domain.CodeUnsupportedMethod, "threshold not met")
		}
		if !event.PreflightValid {
			return domain.Rejected(domain.CodeUnsupportedMethod, "preflight not valid for current revision")
		}
		if !event.ChainMatches {
			return domain.Rejected(domain.CodeChainMismatch, "chain mismatch at execution time")
		}
		return domain.Outcome{
			Accepted:     true,
			NextTxStatus: domain.TxExecuting,
			SideEffects: []domain.SideEffect{
				{Kind: domain.EffectProviderSend, Key: "execute:" + ctx.PayloadHash},
			},
		}

	case domain.TxEventExternalError:
		if state.Terminal() {
			return domain.Rejected(domain.CodeUnsupportedMethod, "already terminal")
		}
		return domain.Outcome{
			Accepted:     true,
			NextTxStatus: domain.TxFailed,
			Diagnostic:   &domain.Diagnostic{Code: event.ErrorCode, Message: event.ErrorMessage},
			SideEffects:  []domain.SideEffect{{Kind: domain.EffectLog, Key: "error:" + ctx.PayloadHash}},
		}

	case domain.TxEventRetry:
		if state != domain.TxFailed {
			return domain.Rejected(domain.CodeUnsupportedMethod, "Retry only legal from Failed")
		}
		if ctx.RetryBudget.Exhausted() {
			return domain.Rejected(domain.CodeUnsupportedMethod, "retry budget exhausted")
		}
		return domain.Outcome{
			Accepted:     true,
			NextTxStatus: domain.TxSigning,
			SideEffects:  []domain.SideEffect{{Kind: domain.EffectLog, Key: "retry:" + ctx.PayloadHash}},
		}

	default:
		return domain.Rejected(domain.CodeUnsupportedMethod, "unrecognized transaction event")
	}
}

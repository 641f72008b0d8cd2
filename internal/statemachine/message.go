package statemachine

import "github.com/vaultco/cosigncore/internal/domain"

// MessageGuardContext mirrors TxGuardContext for the Message flow, which
// has no propose/execute leg (§4.2: "Message transitions mirror the above
// with no propose/execute").
type MessageGuardContext struct {
	Owners             domain.OwnerSnapshot
	ExistingSignatures []domain.Signature
	ChainID            int64
	SafeAddress        string
	MessageHash        string
	RetryBudget        domain.RetryBudget
	Linked             bool // flow has a linked ExternalRequest
}

// ApplyMessage is the message flow's pure transition function.
func ApplyMessage(state domain.MessageStatus, event domain.MessageEvent, nowMs int64, ctx MessageGuardContext) domain.Outcome {
	if state.Terminal() && event.Kind != domain.MsgEventRetry {
		return domain.Rejected(domain.CodeUnsupportedMethod, "terminal states admit only diagnostic metadata updates")
	}

	switch event.Kind {
	case domain.MsgEventStartPreflight:
		if state != domain.MsgDraft && state != domain.MsgFailed {
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
			NextMsgStatus: domain.MsgSigning,
			SideEffects: []domain.SideEffect{
				{Kind: domain.EffectPreflightRequest, Key: "preflight:" + ctx.MessageHash},
			},
		}

	case domain.MsgEventAddSignature:
		if state != domain.MsgSigning && state != domain.MsgAwaitingThreshold {
			return domain.Rejected(domain.CodeUnsupportedMethod, "AddSignature not legal from this state")
		}
		sig := event.Signature
		if sig == nil {
			return domain.Rejected(domain.CodeInvalidSignature, "missing signature")
		}
		if !sig.Bound(ctx.ChainID, ctx.SafeAddress, ctx.MessageHash) {
			return domain.Rejected(domain.CodeSignerMismatch, "signature not bound to this flow's (chain_id, safe_address, message_hash)")
		}
		if !sig.Valid() {
			return domain.Rejected(domain.CodeSignerMismatch, "recovered signer does not match expected signer")
		}
		if !ctx.Owners.IsOwner(sig.RecoveredSigner) {
			return domain.Rejected(domain.CodeAccountMismatch, "recovered signer is not an owner of the vault")
		}
		next := domain.MsgAwaitingThreshold
		var effects []domain.SideEffect
		if distinctValidSigners(ctx.ExistingSignatures, sig) >= ctx.Owners.Threshold {
			next = domain.MsgThresholdMet
			if ctx.Linked && event.LinkedApproved {
				next = domain.MsgResponded
				effects = append(effects, domain.SideEffect{Kind: domain.EffectPairingRespond, Key: "respond:" + ctx.MessageHash})
			}
		}
		return domain.Outcome{Accepted: true, NextMsgStatus: next, SideEffects: effects}

	case domain.MsgEventExternalError:
		if state.Terminal() {
			return domain.Rejected(domain.CodeUnsupportedMethod, "already terminal")
		}
		return domain.Outcome{
			Accepted:      true,
			NextMsgStatus: domain.MsgFailed,
			Diagnostic:    &domain.Diagnostic{Code: event.ErrorCode, Message: event.ErrorMessage},
			SideEffects:   []domain.SideEffect{{Kind: domain.EffectLog, Key: "error:" + ctx.MessageHash}},
		}

	case domain.MsgEventRetry:
		if state != domain.MsgFailed {
			return domain.Rejected(domain.CodeUnsupportedMethod, "Retry only legal from Failed")
		}
		if ctx.RetryBudget.Exhausted() {
			return domain.Rejected(domain.CodeUnsupportedMethod, "retry budget exhausted")
		}
		return domain.Outcome{
			Accepted:      true,
			NextMsgStatus: domain.MsgSigning,
			SideEffects:   []domain.SideEffect{{Kind: domain.EffectLog, Key: "retry:" + ctx.MessageHash}},
		}

	default:
		return domain.Rejected(domain.CodeUnsupportedMethod, "unrecognized message event")
	}
}

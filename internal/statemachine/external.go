package statemachine

import "github.com/vaultco/cosigncore/internal/domain"

// ExtGuardContext carries the facts ApplyExternal needs beyond the event.
type ExtGuardContext struct {
	SessionStatus domain.ExtSessionStatus
	ExpiresAtMs   int64
}

// ApplyExternal is the ExternalRequest flow's pure transition function
// (§4.2). Expiry is checked on every call, matching "evaluated on every
// command and on a lazy timer check".
func ApplyExternal(state domain.ExtStatus, event domain.ExtEvent, nowMs int64, ctx ExtGuardContext) domain.Outcome {
	if !state.Terminal() && ctx.ExpiresAtMs > 0 && nowMs >= ctx.ExpiresAtMs && event.Kind != domain.ExtEventExpire {
		return domain.Outcome{Accepted: true, NextExtStatus: domain.ExtExpired}
	}
	if state.Terminal() {
		return domain.Rejected(domain.CodeUnsupportedMethod, "terminal states admit only diagnostic metadata updates")
	}

	switch event.Kind {
	case domain.ExtEventApproveSession:
		if state != domain.ExtPending {
			return domain.Rejected(domain.CodeUnsupportedMethod, "ApproveSession only legal from Pending")
		}
		if ctx.SessionStatus != domain.SessionApproved {
			return domain.Rejected(domain.CodeWCSessionNotApproved, "session not approved")
		}
		if !event.MethodSupported {
			return domain.Rejected(domain.CodeUnsupportedMethod, "signing method not supported")
		}
		return domain.Outcome{Accepted: true, NextExtStatus: domain.ExtRouted}

	case domain.ExtEventRejectSession:
		if state.Terminal() {
			return domain.Rejected(domain.CodeUnsupportedMethod, "already terminal")
		}
		return domain.Outcome{Accepted: true, NextExtStatus: domain.ExtFailed}

	case domain.ExtEventBind:
		if state != domain.ExtRouted {
			return domain.Rejected(domain.CodeUnsupportedMethod, "Bind only legal from Routed")
		}
		if event.LinkedPayloadHash == "" {
			return domain.Rejected(domain.CodeUnsupportedMethod, "Bind requires a linked payload hash")
		}
		return domain.Outcome{Accepted: true, NextExtStatus: domain.ExtAwaitingThreshold}

	case domain.ExtEventHashAvailable:
		if state != domain.ExtAwaitingThreshold {
			return domain.Rejected(domain.CodeUnsupportedMethod, "HashAvailable only legal from AwaitingThreshold")
		}
		if ctx.SessionStatus != domain.SessionApproved {
			return domain.Rejected(domain.CodeWCSessionNotApproved, "session must be approved before dispatching a response")
		}
		if event.HashNow != "" {
			return domain.Outcome{
				Accepted:     true,
				NextExtStatus: domain.ExtRespondingImmediate,
				SideEffects:  []domain.SideEffect{{Kind: domain.EffectPairingRespond, Key: "respond:" + event.LinkedPayloadHash}},
			}
		}
		return domain.Outcome{Accepted: true, NextExtStatus: domain.ExtRespondingDeferred}

	case domain.ExtEventExecutedElsewhere:
		if state != domain.ExtRespondingDeferred {
			return domain.Rejected(domain.CodeUnsupportedMethod, "ExecutedElsewhere only legal from RespondingDeferred")
		}
		if event.ExecutedHash == "" {
			return domain.Rejected(domain.CodeUnsupportedMethod, "executed-external-hash required")
		}
		return domain.Outcome{
			Accepted:     true,
			NextExtStatus: domain.ExtResponded,
			SideEffects:  []domain.SideEffect{{Kind: domain.EffectPairingRespond, Key: "respond:" + event.ExecutedHash}},
		}

	case domain.ExtEventExpire:
		return domain.Outcome{Accepted: true, NextExtStatus: domain.ExtExpired}

	case domain.ExtEventExternalError:
		return domain.Outcome{
			Accepted:     true,
			NextExtStatus: domain.ExtFailed,
			Diagnostic:   &domain.Diagnostic{Code: event.ErrorCode, Message: event.ErrorMessage},
		}

	default:
		return domain.Rejected(domain.CodeUnsupportedMethod, "unrecognized external-request event")
	}
}

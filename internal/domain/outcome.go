package domain

// SideEffectKind enumerates the declared side effects a pure transition
// function can request; the orchestrator dispatches each to the matching
// port adapter (§4.7).
type SideEffectKind string

const (
	EffectPreflightRequest SideEffectKind = "preflight_request"
	EffectServicePropose   SideEffectKind = "service.propose"
	EffectServiceConfirm   SideEffectKind = "service.confirm"
	EffectServiceNextNonce SideEffectKind = "service.next_nonce"
	EffectServiceStatus    SideEffectKind = "service.fetch_status"
	EffectProviderSend     SideEffectKind = "provider.send"
	EffectPairingRespond   SideEffectKind = "pairing.respond"
	EffectLog              SideEffectKind = "log"
)

// SideEffect is a declarative instruction produced by a state-machine
// transition; it carries no closures and no direct port reference so the
// transition function stays pure and total (§4.2, §9).
type SideEffect struct {
	Kind    SideEffectKind
	Key     string // dedup key for idempotent replay of the same effect
	Payload map[string]any
}

// Outcome is the result of applying one event to one flow state: the next
// state, zero or more side effects to dispatch, and an optional structured
// diagnostic when the event was refused by a guard (§4.2).
type Outcome struct {
	NextTxStatus  TxStatus
	NextMsgStatus MessageStatus
	NextExtStatus ExtStatus

	SideEffects []SideEffect
	Diagnostic  *Diagnostic

	// Accepted is false when a guard rejected the event; in that case the
	// Next*Status fields are left at their zero value and no transition
	// occurred, so the caller keeps the input state.
	Accepted bool
}

// Rejected builds a guard-failure Outcome that leaves state unchanged.
func Rejected(code FailureCode, reason string) Outcome {
	return Outcome{
		Accepted:   false,
		Diagnostic: &Diagnostic{Code: code, Message: string(code), Reason: reason},
	}
}

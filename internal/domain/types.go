// Package domain defines the entities, enums, and canonical-serialization
// contract shared by every flow: the common envelope, the three flow
// payloads, signature records, the writer lock, and the transition log
// record. Nothing in this package performs I/O; it is pure data plus the
// invariants checked elsewhere against it.
package domain

// MACAlgorithm is the closed set of supported integrity-MAC algorithms.
type MACAlgorithm string

// HMACSHA256 is the only supported algorithm in this phase (§4.1).
const HMACSHA256 MACAlgorithm = "HMAC-SHA256"

// BuildSource describes how a transaction's calldata was produced.
type BuildSource string

const (
	BuildRawCalldata  BuildSource = "raw-calldata"
	BuildABIMethod    BuildSource = "abi-method-form"
	BuildFromURLImport BuildSource = "url-import"
)

// SigningMethod is the wallet-facing signing method tag, shared by Message
// and ExternalRequest flows.
type SigningMethod string

const (
	MethodPersonalSign   SigningMethod = "personal-sign"
	MethodLegacyEthSign  SigningMethod = "legacy-eth-sign"
	MethodTypedData      SigningMethod = "typed-data"
	MethodTypedDataV4    SigningMethod = "typed-data-v4"
)

// SignatureSource records where a collected signature entered the flow.
type SignatureSource string

const (
	SourceInjectedProvider SignatureSource = "injected-provider"
	SourcePairingSession   SignatureSource = "pairing-session"
	SourceImportedBundle   SignatureSource = "imported-bundle"
	SourceManualEntry      SignatureSource = "manual-entry"
)

// TxStatus is the Transaction flow's status lattice (§3).
type TxStatus string

const (
	TxDraft          TxStatus = "Draft"
	TxSigning        TxStatus = "Signing"
	TxProposed       TxStatus = "Proposed"
	TxConfirming     TxStatus = "Confirming"
	TxReadyToExecute TxStatus = "ReadyToExecute"
	TxExecuting      TxStatus = "Executing"
	TxExecuted       TxStatus = "Executed"
	TxFailed         TxStatus = "Failed"
	TxCancelled      TxStatus = "Cancelled"
)

// Terminal reports whether a status admits only diagnostic metadata
// updates (invariant 8).
func (s TxStatus) Terminal() bool {
	switch s {
	case TxExecuted, TxCancelled:
		return true
	default:
		return false
	}
}

// MessageStatus is the Message flow's status lattice.
type MessageStatus string

const (
	MsgDraft            MessageStatus = "Draft"
	MsgSigning          MessageStatus = "Signing"
	MsgAwaitingThreshold MessageStatus = "AwaitingThreshold"
	MsgThresholdMet     MessageStatus = "ThresholdMet"
	MsgResponded        MessageStatus = "Responded"
	MsgFailed           MessageStatus = "Failed"
	MsgCancelled        MessageStatus = "Cancelled"
)

func (s MessageStatus) Terminal() bool {
	switch s {
	case MsgResponded, MsgCancelled:
		return true
	default:
		return false
	}
}

// ExtSessionStatus is the pairing session status carried on an
// ExternalRequest flow, independent of the flow's own status lattice.
type ExtSessionStatus string

const (
	SessionProposed     ExtSessionStatus = "Proposed"
	SessionApproved     ExtSessionStatus = "Approved"
	SessionRejected     ExtSessionStatus = "Rejected"
	SessionDisconnected ExtSessionStatus = "Disconnected"
)

// ExtStatus is the ExternalRequest flow's own status lattice.
type ExtStatus string

const (
	ExtPending             ExtStatus = "Pending"
	ExtRouted              ExtStatus = "Routed"
	ExtAwaitingThreshold   ExtStatus = "AwaitingThreshold"
	ExtRespondingImmediate ExtStatus = "RespondingImmediate"
	ExtRespondingDeferred  ExtStatus = "RespondingDeferred"
	ExtResponded           ExtStatus = "Responded"
	ExtExpired             ExtStatus = "Expired"
	ExtFailed              ExtStatus = "Failed"
)

func (s ExtStatus) Terminal() bool {
	switch s {
	case ExtResponded, ExtExpired, ExtFailed:
		return true
	default:
		return false
	}
}

// Envelope holds the fields shared by every flow object (§3). It is
// embedded by Tx, Message, and ExternalRequest rather than referenced by
// pointer, so canonical encoding sees one flat object per flow, matching
// the "flow objects never own other flow objects" design note (§9).
type Envelope struct {
	SchemaVersion  int          `json:"schema_version"`
	ChainID        int64        `json:"chain_id"`
	SafeAddress    string       `json:"safe_address"` // 20-byte hex, 0x-prefixed
	StateRevision  uint64       `json:"state_revision"`
	IdempotencyKey string       `json:"idempotency_key"`
	CreatedAtMs    int64        `json:"created_at_ms"`
	UpdatedAtMs    int64        `json:"updated_at_ms"`
	MACAlgorithm   MACAlgorithm `json:"mac_algorithm"`
	MACKeyID       string       `json:"mac_key_id"`
	IntegrityMAC   string       `json:"integrity_mac"` // hex, omitted during MAC computation
	CorrelationID  string       `json:"correlation_id"`

	// Owners is the owner-set + threshold snapshot bound at creation time,
	// refreshed only by an explicit RefreshOwners command.
	Owners OwnerSnapshot `json:"owners"`

	// Retry is the retry-budget accounting checked by the Retry event's
	// guard (supplemental feature). No code path in this module advances
	// Attempts; the service port's backoff counts its attempts per call only.
	Retry RetryBudget `json:"retry"`
}

// OwnerSnapshot binds the Vault's owner set and signing threshold at flow
// creation time so a later owner-set change cannot retroactively alter
// which already-collected signatures are considered valid.
type OwnerSnapshot struct {
	Owners         []string `json:"owners"` // 20-byte hex addresses, ascending
	Threshold      int      `json:"threshold"`
	SnapshotBlock  uint64   `json:"snapshot_block"`
	SnapshotNonce  uint64   `json:"snapshot_nonce"`
}

// IsOwner reports whether addr (already normalized lowercase hex) is a
// member of the snapshot's owner set.
func (o OwnerSnapshot) IsOwner(addr string) bool {
	for _, owner := range o.Owners {
		if owner == addr {
			return true
		}
	}
	return false
}

// RetryBudget tracks how many retry attempts a flow has consumed and when
// the next attempt becomes eligible. Non-retryable failure codes never
// advance Attempts (§4.2).
type RetryBudget struct {
	Attempts        int   `json:"attempts"`
	MaxAttempts     int   `json:"max_attempts"`
	NextEligibleAtMs int64 `json:"next_eligible_at_ms"`
}

// Exhausted reports whether the budget is used up, i.e. no further retry
// attempt is permitted.
func (b RetryBudget) Exhausted() bool {
	return b.Attempts >= b.MaxAttempts
}

// ABIContext is the optional ABI metadata bound to a transaction whose
// build_source is abi-method-form.
type ABIContext struct {
	ABIDigest           string `json:"abi_digest"` // hex
	MethodSignature     string `json:"method_signature"`
	MethodSelector      string `json:"method_selector"` // 4-byte hex, 0x-prefixed
	EncodedArguments    string `json:"encoded_arguments"` // hex
	RawCalldataOverride bool   `json:"raw_calldata_override"`
}

// TxPayload is a Vault transaction's calldata-bearing payload.
type TxPayload struct {
	To        string `json:"to"`
	Value     string `json:"value"` // decimal string, wei
	Data      string `json:"data"`  // hex, 0x-prefixed
	Operation int    `json:"operation"`
	GasLimit  string `json:"gas_limit,omitempty"`
	GasPrice  string `json:"gas_price,omitempty"`
}

// Signature is a single collected signature, bound to a specific flow
// payload and signer expectation (§3).
type Signature struct {
	Signer           string          `json:"signer"` // 20-byte hex, lowercase
	SignatureBytes   string          `json:"signature_bytes"` // hex
	Source           SignatureSource `json:"source"`
	Method           SigningMethod   `json:"method"`
	ChainID          int64           `json:"chain_id"`
	SafeAddress      string          `json:"safe_address"`
	PayloadHash      string          `json:"payload_hash"` // hex, 32 bytes
	ExpectedSigner   string          `json:"expected_signer"`
	RecoveredSigner  string          `json:"recovered_signer"` // set by the gate
	AddedAtMs        int64           `json:"added_at_ms"`
}

// Bound reports whether the signature's binding fields match the given
// flow coordinates (invariant 2).
func (s Signature) Bound(chainID int64, safeAddress, payloadHash string) bool {
	return s.ChainID == chainID && s.SafeAddress == safeAddress && s.PayloadHash == payloadHash
}

// Valid reports whether the recovered signer matches the expected signer
// (invariant 3) — the hard acceptance gate.
func (s Signature) Valid() bool {
	return s.RecoveredSigner != "" && s.RecoveredSigner == s.ExpectedSigner
}

// Tx is the Transaction flow object.
type Tx struct {
	Envelope
	Nonce                uint64        `json:"nonce"`
	Payload              TxPayload     `json:"payload"`
	BuildSource          BuildSource   `json:"build_source"`
	ABIContext           *ABIContext   `json:"abi_context,omitempty"`
	PayloadHash          string        `json:"payload_hash"`
	Signatures           []Signature   `json:"signatures"`
	ExecutedExternalHash string        `json:"executed_external_hash,omitempty"`
	Status               TxStatus      `json:"status"`
	Diagnostic           *Diagnostic   `json:"diagnostic,omitempty"`
}

// Message is the Message flow object.
type Message struct {
	Envelope
	Method      SigningMethod `json:"method"`
	MessageHash string        `json:"message_hash"`
	Signatures  []Signature   `json:"signatures"`
	Status      MessageStatus `json:"status"`
	Diagnostic  *Diagnostic   `json:"diagnostic,omitempty"`

	// LinkedExtRequestID, when set, is the request_id of an ExternalRequest
	// this message answers; the response side effect fires only once that
	// request's session_status == Approved.
	LinkedExtRequestID string `json:"linked_ext_request_id,omitempty"`
}

// ExternalRequest is the pairing-protocol flow object.
type ExternalRequest struct {
	Envelope
	RequestID         string           `json:"request_id"`
	Topic             string           `json:"topic"`
	SessionStatus     ExtSessionStatus `json:"session_status"`
	Method            SigningMethod    `json:"method"`
	LinkedPayloadHash string           `json:"linked_payload_hash,omitempty"`
	ExpiresAtMs       int64            `json:"expires_at_ms"`
	Status            ExtStatus        `json:"status"`
	Diagnostic        *Diagnostic      `json:"diagnostic,omitempty"`
}

// Diagnostic is the structured guard-failure payload a pure transition
// function attaches when it refuses a transition (§4.2 Outcome).
type Diagnostic struct {
	Code    FailureCode `json:"code"`
	Message string      `json:"message"`
	Reason  string      `json:"reason,omitempty"`
}

// WriterLock is the single-writer lock token (§3, §4.3).
type WriterLock struct {
	HolderID    string `json:"holder_id"`
	Nonce       string `json:"nonce"` // 32-byte hex, random
	LockEpoch   uint64 `json:"lock_epoch"`
	AcquiredAtMs int64 `json:"acquired_at_ms"`
	ExpiresAtMs  int64 `json:"expires_at_ms"`
}

// Matches reports whether holder/nonce/epoch identify the current lock
// holder exactly (§4.3: "every mutation carries this triple").
func (l WriterLock) Matches(holderID, nonce string, epoch uint64) bool {
	return l.HolderID == holderID && l.Nonce == nonce && l.LockEpoch == epoch
}

// Expired reports whether the lock's TTL has lapsed as of now.
func (l WriterLock) Expired(nowMs int64) bool {
	return nowMs >= l.ExpiresAtMs
}

// TransitionLogRecord is one append-only transition-log entry (§3, §4.3).
type TransitionLogRecord struct {
	EventSeq          uint64      `json:"event_seq"`
	CommandID         string      `json:"command_id"`
	FlowID            string      `json:"flow_id"`
	StateBefore       string      `json:"state_before"` // canonical hash
	StateAfter        string      `json:"state_after"`  // canonical hash
	SideEffectKey      string      `json:"side_effect_key,omitempty"`
	Dispatched        bool        `json:"dispatched"`
	SideEffectOutcome string      `json:"side_effect_outcome,omitempty"`
	RecordedAtMs      int64       `json:"recorded_at_ms"`
}

package domain

// TxEvent is the tagged sum type of events the transaction state machine
// accepts. Exactly one field is meaningful per Kind; this mirrors the
// "dynamic dispatch -> tagged variants" design note (§9) rather than using
// an interface with runtime type assertions.
type TxEventKind string

const (
	TxEventStartPreflight TxEventKind = "StartPreflight"
	TxEventAddSignature   TxEventKind = "AddSignature"
	TxEventPropose        TxEventKind = "Propose"
	TxEventConfirm        TxEventKind = "Confirm"
	TxEventExecute        TxEventKind = "Execute"
	TxEventExternalError  TxEventKind = "ExternalError"
	TxEventRetry          TxEventKind = "Retry"
)

type TxEvent struct {
	Kind TxEventKind

	Signature            *Signature
	ResolvedNonce         *uint64
	PreflightValid        bool
	ChainMatches          bool
	AccountMatches        bool
	RemoteAlreadyRegistered bool
	ExecutedExternalHash  string
	ErrorCode             FailureCode
	ErrorMessage          string
}

type MessageEventKind string

const (
	MsgEventStartPreflight MessageEventKind = "StartPreflight"
	MsgEventAddSignature   MessageEventKind = "AddSignature"
	MsgEventExternalError  MessageEventKind = "ExternalError"
	MsgEventRetry          MessageEventKind = "Retry"
)

type MessageEvent struct {
	Kind MessageEventKind

	Signature      *Signature
	ChainMatches   bool
	AccountMatches bool
	LinkedApproved bool
	ErrorCode      FailureCode
	ErrorMessage   string
}

type ExtEventKind string

const (
	ExtEventApproveSession    ExtEventKind = "ApproveSession"
	ExtEventRejectSession     ExtEventKind = "RejectSession"
	ExtEventBind              ExtEventKind = "Bind"
	ExtEventHashAvailable     ExtEventKind = "HashAvailable"
	ExtEventExecutedElsewhere ExtEventKind = "ExecutedElsewhere"
	ExtEventExpire            ExtEventKind = "Expire"
	ExtEventExternalError     ExtEventKind = "ExternalError"
)

type ExtEvent struct {
	Kind ExtEventKind

	MethodSupported   bool
	LinkedPayloadHash string
	HashNow           string
	ExecutedHash      string
	NowMs             int64
	ErrorCode         FailureCode
	ErrorMessage      string
}

// CommandType is the orchestrator's public typed-command surface (§4.7).
type CommandType string

const (
	CmdConnectProvider   CommandType = "connect_provider"
	CmdCreateTx          CommandType = "create_tx"
	CmdCreateTxFromABI   CommandType = "create_tx_from_abi"
	CmdAddTxSignature    CommandType = "add_tx_signature"
	CmdStartPreflight    CommandType = "start_preflight"
	CmdProposeTx         CommandType = "propose_tx"
	CmdConfirmTx         CommandType = "confirm_tx"
	CmdExecuteTx         CommandType = "execute_tx"
	CmdSignMessage       CommandType = "sign_message"
	CmdAddMessageSig     CommandType = "add_message_signature"
	CmdExtSessionAction  CommandType = "ext_session_action"
	CmdRespondExt        CommandType = "respond_ext"
	CmdImportBundle      CommandType = "import_bundle"
	CmdImportURLPayload  CommandType = "import_url_payload"
	CmdExportBundle      CommandType = "export_bundle"
	CmdAcquireWriterLock CommandType = "acquire_writer_lock"
	CmdRefreshOwners     CommandType = "refresh_owners"
)

// Command is the envelope every orchestrator command loop iteration
// consumes: a type tag, a stable ID for idempotent replay, and an
// untyped-but-documented payload the dispatcher decodes per Type.
type Command struct {
	Type          CommandType
	CommandID     string
	CorrelationID string
	Payload       map[string]any
}

// CommandResult is the uniform shape returned to the caller (§4.7, §6).
type CommandResult struct {
	OK     bool
	Result map[string]any
	Error  *CoreError
}

package bundle

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/vaultco/cosigncore/internal/domain"
)

// URLImportKey is the closed set of accepted URL-compatibility keys (§4.1,
// §6): exactly these four lowercase strings.
type URLImportKey string

const (
	KeyImportTx     URLImportKey = "importTx"
	KeyImportSig    URLImportKey = "importSig"
	KeyImportMsg    URLImportKey = "importMsg"
	KeyImportMsgSig URLImportKey = "importMsgSig"
)

func (k URLImportKey) valid() bool {
	switch k {
	case KeyImportTx, KeyImportSig, KeyImportMsg, KeyImportMsgSig:
		return true
	default:
		return false
	}
}

// schemas holds the compiled JSON schema each key's payload must satisfy
// before it enters the shared merge pipeline.
var schemas = map[URLImportKey]*jsonschema.Schema{}

func init() {
	compiler := jsonschema.NewCompiler()
	add := func(key URLImportKey, name, doc string) {
		if err := compiler.AddResource(name, bytes.NewReader([]byte(doc))); err != nil {
			panic(fmt.Sprintf("bundle: add schema resource %s: %v", name, err))
		}
		s, err := compiler.Compile(name)
		if err != nil {
			panic(fmt.Sprintf("bundle: compile schema %s: %v", name, err))
		}
		schemas[key] = s
	}

	add(KeyImportTx, "importTx.json", txSchema)
	add(KeyImportSig, "importSig.json", sigSchema)
	add(KeyImportMsg, "importMsg.json", msgSchema)
	add(KeyImportMsgSig, "importMsgSig.json", sigSchema)
}

const txSchema = `{
	"type": "object",
	"required": ["chain_id", "safe_address", "payload_hash", "payload"],
	"properties": {
		"chain_id": {"type": "integer"},
		"safe_address": {"type": "string"},
		"payload_hash": {"type": "string"},
		"payload": {"type": "object"}
	}
}`

const sigSchema = `{
	"type": "object",
	"required": ["signer", "signature_bytes", "payload_hash"],
	"properties": {
		"signer": {"type": "string"},
		"signature_bytes": {"type": "string"},
		"payload_hash": {"type": "string"}
	}
}`

const msgSchema = `{
	"type": "object",
	"required": ["chain_id", "safe_address", "message_hash", "method"],
	"properties": {
		"chain_id": {"type": "integer"},
		"safe_address": {"type": "string"},
		"message_hash": {"type": "string"},
		"method": {"type": "string"}
	}
}`

// DecodeURLPayload decodes a base64url payload for key, validates it
// against key's schema, and size-caps it. Unknown keys or oversize
// payloads yield URL_IMPORT_SCHEMA_INVALID without side effects (§4.1).
func DecodeURLPayload(key string, payload string, maxBytes int64) (map[string]any, error) {
	urlKey := URLImportKey(key)
	if !urlKey.valid() {
		return nil, domain.NewCoreError(domain.CodeURLImportSchema, "", fmt.Sprintf("unknown url-import key %q", key))
	}
	if int64(len(payload)) > maxBytes {
		return nil, domain.NewCoreError(domain.CodeURLImportSchema, "", "payload exceeds url_import_max_payload_bytes")
	}
	raw, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(payload)
	if err != nil {
		if raw, err = base64.URLEncoding.DecodeString(payload); err != nil {
			return nil, domain.NewCoreError(domain.CodeURLImportSchema, "", "payload is not valid base64url")
		}
	}
	if int64(len(raw)) > maxBytes {
		return nil, domain.NewCoreError(domain.CodeURLImportSchema, "", "decoded payload exceeds url_import_max_payload_bytes")
	}

	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, domain.NewCoreError(domain.CodeURLImportSchema, "", "payload is not valid json")
	}
	if err := schemas[urlKey].Validate(decoded); err != nil {
		return nil, domain.NewCoreError(domain.CodeURLImportSchema, "", fmt.Sprintf("payload failed schema validation: %v", err))
	}
	obj, ok := decoded.(map[string]any)
	if !ok {
		return nil, domain.NewCoreError(domain.CodeURLImportSchema, "", "payload is not a json object")
	}
	return obj, nil
}

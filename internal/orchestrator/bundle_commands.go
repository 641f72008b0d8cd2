package orchestrator

import (
	"context"
	"fmt"

	"github.com/vaultco/cosigncore/internal/codec"
	"github.com/vaultco/cosigncore/internal/codec/bundle"
	"github.com/vaultco/cosigncore/internal/domain"
	"github.com/vaultco/cosigncore/internal/providerport"
	"github.com/vaultco/cosigncore/internal/queue"
)

// storeSink adapts the persisted store to bundle.Sink: each merged object
// is created with expected_revision=0, so an object already present under
// the same natural key is skipped (added=false) rather than overwritten —
// import never clobbers an existing flow.
type storeSink struct {
	ctx   context.Context
	store queue.Store
}

func (s storeSink) MergeTx(tx domain.Tx) (bool, error) {
	encoded, err := codec.Canonicalize(tx)
	if err != nil {
		return false, err
	}
	if _, err := s.store.CompareAndSwap(s.ctx, queue.CollectionTxs, tx.PayloadHash, 0, encoded); err != nil {
		if err == queue.ErrRevisionConflict {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s storeSink) MergeMessage(msg domain.Message) (bool, error) {
	encoded, err := codec.Canonicalize(msg)
	if err != nil {
		return false, err
	}
	if _, err := s.store.CompareAndSwap(s.ctx, queue.CollectionMessages, msg.MessageHash, 0, encoded); err != nil {
		if err == queue.ErrRevisionConflict {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s storeSink) MergeExternalRequest(ext domain.ExternalRequest) (bool, error) {
	encoded, err := codec.Canonicalize(ext)
	if err != nil {
		return false, err
	}
	if _, err := s.store.CompareAndSwap(s.ctx, queue.CollectionExternalRequests, ext.RequestID, 0, encoded); err != nil {
		if err == queue.ErrRevisionConflict {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// providerSigner adapts the active Provider's personal_sign method to
// bundle.Signer, used when exporting a bundle this node signs itself.
type providerSigner struct {
	ctx      context.Context
	provider providerport.Provider
	signer   string
}

func (p providerSigner) SignPersonal(msg []byte) ([]byte, string, error) {
	resp, err := p.provider.Request(p.ctx, providerport.Request{
		Method: providerport.MethodPersonalSign,
		Params: map[string]any{"message": fmt.Sprintf("0x%x", msg), "signer": p.signer},
	})
	if err != nil {
		return nil, "", err
	}
	if resp.Error != nil {
		return nil, "", resp.Error
	}
	sigHex, _ := resp.Result["signature"].(string)
	sigBytes, err := decodeHexField(sigHex)
	if err != nil {
		return nil, "", err
	}
	return sigBytes, p.signer, nil
}

// handleImportBundle implements `import_bundle`: decode, validate, merge —
// fail-closed, no partial merge (§4.1).
func (o *Orchestrator) handleImportBundle(ctx context.Context, cmd domain.Command) domain.CommandResult {
	p := cmd.Payload
	var b bundle.Bundle
	raw, _ := p["bundle_json"].(string)
	if raw == "" {
		return errResult(cmd.CorrelationID, domain.NewCoreError(domain.CodeURLImportSchema, cmd.CorrelationID, "bundle_json payload is required"))
	}
	if err := codec.RoundTrip([]byte(raw), &b); err != nil {
		return errResult(cmd.CorrelationID, domain.NewCoreError(domain.CodeURLImportSchema, cmd.CorrelationID, err.Error()))
	}

	maxBytes := int64Field(p, "import_max_bundle_bytes")
	if maxBytes == 0 {
		maxBytes = 5 * 1024 * 1024
	}
	maxObjects := int(int64Field(p, "import_max_object_count"))
	if maxObjects == 0 {
		maxObjects = 500
	}

	counters, err := bundle.Import(b, o.Keyring, maxBytes, maxObjects, storeSink{ctx: ctx, store: o.Store})
	if err != nil {
		return errResult(cmd.CorrelationID, toCoreError(err, domain.CodeImportAuthFailed, cmd.CorrelationID))
	}
	return okResult(map[string]any{
		"txs_added":               counters.TxsAdded,
		"messages_added":          counters.MessagesAdded,
		"external_requests_added": counters.ExternalRequestsAdded,
	})
}

// handleImportURLPayload implements `import_url_payload`: decode a single
// base64url-encoded importTx/importSig/importMsg/importMsgSig object.
func (o *Orchestrator) handleImportURLPayload(ctx context.Context, cmd domain.Command) domain.CommandResult {
	p := cmd.Payload
	key := stringField(p, "key")
	payload := stringField(p, "payload")
	maxBytes := int64Field(p, "url_import_max_payload_bytes")
	if maxBytes == 0 {
		maxBytes = 16 * 1024
	}
	obj, err := bundle.DecodeURLPayload(key, payload, maxBytes)
	if err != nil {
		return errResult(cmd.CorrelationID, toCoreError(err, domain.CodeURLImportSchema, cmd.CorrelationID))
	}
	return okResult(map[string]any{"key": key, "decoded": obj})
}

// handleExportBundle implements `export_bundle`: collects the requested
// flows from the store, signs, and MACs the bundle.
func (o *Orchestrator) handleExportBundle(ctx context.Context, cmd domain.Command) domain.CommandResult {
	p := cmd.Payload
	var txs []domain.Tx
	if payloadHashes, ok := p["payload_hashes"].([]string); ok {
		for _, h := range payloadHashes {
			tx, _, err := o.loadAndVerifyTx(ctx, h)
			if err != nil {
				return errResult(cmd.CorrelationID, toCoreError(err, domain.CodeIntegrityMACInvalid, cmd.CorrelationID))
			}
			txs = append(txs, tx)
		}
	}
	var messages []domain.Message
	if messageHashes, ok := p["message_hashes"].([]string); ok {
		for _, h := range messageHashes {
			msg, _, err := o.loadAndVerifyMessage(ctx, h)
			if err != nil {
				return errResult(cmd.CorrelationID, toCoreError(err, domain.CodeIntegrityMACInvalid, cmd.CorrelationID))
			}
			messages = append(messages, msg)
		}
	}

	signerAddr := stringField(p, "exporter_id")
	if o.Provider == nil || signerAddr == "" {
		return errResult(cmd.CorrelationID, domain.NewCoreError(domain.CodeUnsupportedMethod, cmd.CorrelationID, "export requires a connected provider and exporter_id"))
	}

	b := bundle.Bundle{
		SchemaVersion: bundle.SchemaVersion,
		ExportedAtMs:  o.Now(),
		ExporterID:    signerAddr,
		ToolVersion:   stringField(p, "tool_version"),
		Txs:           txs,
		Messages:      messages,
	}

	macKeyID, err := o.Keyring.Active()
	if err != nil {
		return errResult(cmd.CorrelationID, domain.NewCoreError(domain.CodeIntegrityMACInvalid, cmd.CorrelationID, err.Error()))
	}
	macKey, _ := o.Keyring.Resolve(macKeyID)

	built, err := bundle.Build(b, providerSigner{ctx: ctx, provider: o.Provider, signer: signerAddr}, macKey, macKeyID)
	if err != nil {
		return errResult(cmd.CorrelationID, domain.NewCoreError(domain.CodeImportAuthFailed, cmd.CorrelationID, err.Error()))
	}
	encoded, err := codec.Canonicalize(built)
	if err != nil {
		return errResult(cmd.CorrelationID, domain.NewCoreError(domain.CodeImportAuthFailed, cmd.CorrelationID, err.Error()))
	}

	if o.Archiver != nil {
		if err := o.Archiver.Put(ctx, built.BundleDigest, encoded); err != nil {
			return errResult(cmd.CorrelationID, domain.NewCoreError(domain.CodeImportAuthFailed, cmd.CorrelationID, err.Error()))
		}
	}

	return okResult(map[string]any{"bundle_json": string(encoded), "bundle_digest": built.BundleDigest})
}

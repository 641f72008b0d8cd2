// Package bundle implements the authenticated export/import bundle codec
// and the URL-compatibility payload codec of §4.1/§6: a bundle_digest
// over the canonical envelope, a personal-sign bundle_signature by the
// exporter, and a fail-closed, no-partial-merge import pipeline.
package bundle

import (
	"encoding/hex"
	"fmt"

	"github.com/vaultco/cosigncore/internal/chainsig"
	"github.com/vaultco/cosigncore/internal/codec"
	"github.com/vaultco/cosigncore/internal/domain"
)

// SchemaVersion is the only bundle schema version this build accepts. An
// unknown version rejects with URL_IMPORT_SCHEMA_INVALID (§6).
const SchemaVersion = 1

// domainPrefix is the fixed-prefix domain string prepended to the hex
// digest before the exporter signs it (§4.1), preventing a bundle
// signature from being replayed as a signature over an unrelated message.
const domainPrefix = "cosigncore-bundle-export-v1:"

// Bundle is the export/import envelope (§4.1).
type Bundle struct {
	SchemaVersion    int                      `json:"schema_version"`
	ExportedAtMs     int64                    `json:"exported_at_ms"`
	ExporterID       string                   `json:"exporter_id"`
	ToolVersion      string                   `json:"tool_version,omitempty"`
	BundleDigest     string                   `json:"bundle_digest"`
	BundleSignature  string                   `json:"bundle_signature"`
	Txs              []domain.Tx              `json:"txs"`
	Messages         []domain.Message         `json:"messages"`
	ExternalRequests []domain.ExternalRequest `json:"external_requests"`
	MACAlgorithm     domain.MACAlgorithm      `json:"mac_algorithm"`
	MACKeyID         string                   `json:"mac_key_id"`
	IntegrityMAC     string                   `json:"integrity_mac"`
}

// digestFields is used to compute bundle_digest: the envelope sans
// bundle_signature and integrity_mac (§4.1).
type digestFields struct {
	SchemaVersion    int                      `json:"schema_version"`
	ExportedAtMs     int64                    `json:"exported_at_ms"`
	ExporterID       string                   `json:"exporter_id"`
	ToolVersion      string                   `json:"tool_version,omitempty"`
	Txs              []domain.Tx              `json:"txs"`
	Messages         []domain.Message         `json:"messages"`
	ExternalRequests []domain.ExternalRequest `json:"external_requests"`
	MACAlgorithm     domain.MACAlgorithm      `json:"mac_algorithm"`
	MACKeyID         string                   `json:"mac_key_id"`
}

// ComputeDigest returns the hex canonical-JSON hash of b sans
// bundle_signature and integrity_mac.
func ComputeDigest(b Bundle) (string, error) {
	fields := digestFields{
		SchemaVersion: b.SchemaVersion, ExportedAtMs: b.ExportedAtMs, ExporterID: b.ExporterID,
		ToolVersion: b.ToolVersion, Txs: b.Txs, Messages: b.Messages, ExternalRequests: b.ExternalRequests,
		MACAlgorithm: b.MACAlgorithm, MACKeyID: b.MACKeyID,
	}
	canon, err := codec.Canonicalize(fields)
	if err != nil {
		return "", fmt.Errorf("bundle: canonicalize digest fields: %w", err)
	}
	sum := codec.HashSHA256(canon)
	return hex.EncodeToString(sum), nil
}

// Signer produces a personal-sign signature over msg, used for the
// bundle_signature (and anywhere else a raw personal-sign is needed).
type Signer interface {
	SignPersonal(msg []byte) (sigBytes []byte, signerAddress string, err error)
}

// Build computes bundle_digest and bundle_signature for b, then computes and
// attaches the integrity MAC. b.ExporterID must already hold the signer's
// address: it is covered by the digest, and Build fails if the signature
// recovers to a different address.
func Build(b Bundle, signer Signer, macKey []byte, macKeyID string) (Bundle, error) {
	b.MACAlgorithm = domain.HMACSHA256
	b.MACKeyID = macKeyID
	digest, err := ComputeDigest(b)
	if err != nil {
		return Bundle{}, err
	}
	b.BundleDigest = digest

	domainMsg := []byte(domainPrefix + digest)
	digestHash := chainsig.PersonalSignHash(domainMsg)
	sigBytes, signerAddr, err := signer.SignPersonal(domainMsg)
	if err != nil {
		return Bundle{}, fmt.Errorf("bundle: sign bundle digest: %w", err)
	}
	recovered, err := chainsig.RecoverSigner(digestHash, sigBytes)
	if err != nil || recovered != signerAddr {
		return Bundle{}, fmt.Errorf("bundle: exporter signature did not recover to its own address")
	}
	if b.ExporterID != signerAddr {
		return Bundle{}, fmt.Errorf("bundle: exporter_id does not match the signing address")
	}
	b.BundleSignature = hex.EncodeToString(sigBytes)

	withoutMAC, err := codec.CanonicalizeOmitting(b, "integrity_mac")
	if err != nil {
		return Bundle{}, err
	}
	b.IntegrityMAC = codec.ComputeMAC(macKey, withoutMAC)
	return b, nil
}

// MergeCounters reports how many objects of each kind a successful import
// added (§8 scenario 3: "merge counters report >=1 added").
type MergeCounters struct {
	TxsAdded              int
	MessagesAdded         int
	ExternalRequestsAdded int
}

// Sink receives merged objects; the orchestrator's store-backed
// implementation writes each via CAS with expected_revision=0 (create).
type Sink interface {
	MergeTx(domain.Tx) (added bool, err error)
	MergeMessage(domain.Message) (added bool, err error)
	MergeExternalRequest(domain.ExternalRequest) (added bool, err error)
}

// Import validates b end-to-end (schema version, size limits, integrity
// MAC, exporter recovery) and merges its contents into sink. Any failure
// quarantines the whole bundle: no partial merge (§4.1).
func Import(b Bundle, resolver codec.KeyResolver, maxBundleBytes int64, maxObjectCount int, sink Sink) (MergeCounters, error) {
	if b.SchemaVersion != SchemaVersion {
		return MergeCounters{}, domain.NewCoreError(domain.CodeURLImportSchema, "", fmt.Sprintf("unknown bundle schema_version %d", b.SchemaVersion))
	}

	objectCount := len(b.Txs) + len(b.Messages) + len(b.ExternalRequests)
	if objectCount > maxObjectCount {
		return MergeCounters{}, domain.NewCoreError(domain.CodeURLImportSchema, "", "bundle exceeds import_max_object_count")
	}

	full, err := codec.Canonicalize(b)
	if err != nil {
		return MergeCounters{}, fmt.Errorf("bundle: canonicalize for size check: %w", err)
	}
	if int64(len(full)) > maxBundleBytes {
		return MergeCounters{}, domain.NewCoreError(domain.CodeURLImportSchema, "", "bundle exceeds import_max_bundle_bytes")
	}

	withoutMAC, err := codec.CanonicalizeOmitting(b, "integrity_mac")
	if err != nil {
		return MergeCounters{}, err
	}
	if err := codec.VerifyEnvelopeMAC(resolver, b.MACKeyID, withoutMAC, b.IntegrityMAC); err != nil {
		return MergeCounters{}, err
	}

	digest, err := ComputeDigest(b)
	if err != nil {
		return MergeCounters{}, err
	}
	if digest != b.BundleDigest {
		return MergeCounters{}, domain.NewCoreError(domain.CodeImportAuthFailed, "", "bundle_digest does not match recomputed canonical digest")
	}

	sigBytes, err := hex.DecodeString(b.BundleSignature)
	if err != nil {
		return MergeCounters{}, domain.NewCoreError(domain.CodeImportAuthFailed, "", "bundle_signature is not valid hex")
	}
	domainMsg := []byte(domainPrefix + digest)
	digestHash := chainsig.PersonalSignHash(domainMsg)
	recovered, err := chainsig.RecoverSigner(digestHash, sigBytes)
	if err != nil {
		return MergeCounters{}, domain.NewCoreError(domain.CodeImportAuthFailed, "", "bundle_signature does not recover to a valid address")
	}
	expected, err := chainsig.NormalizeAddress(b.ExporterID)
	if err != nil {
		return MergeCounters{}, domain.NewCoreError(domain.CodeImportAuthFailed, "", "exporter_id is not a valid address")
	}
	if recovered != expected {
		return MergeCounters{}, domain.NewCoreError(domain.CodeImportAuthFailed, "", "recovered exporter does not equal declared exporter_id")
	}

	var counters MergeCounters
	for _, tx := range b.Txs {
		added, err := sink.MergeTx(tx)
		if err != nil {
			return MergeCounters{}, fmt.Errorf("bundle: merge tx: %w", err)
		}
		if added {
			counters.TxsAdded++
		}
	}
	for _, msg := range b.Messages {
		added, err := sink.MergeMessage(msg)
		if err != nil {
			return MergeCounters{}, fmt.Errorf("bundle: merge message: %w", err)
		}
		if added {
			counters.MessagesAdded++
		}
	}
	for _, ext := range b.ExternalRequests {
		added, err := sink.MergeExternalRequest(ext)
		if err != nil {
			return MergeCounters{}, fmt.Errorf("bundle: merge external request: %w", err)
		}
		if added {
			counters.ExternalRequestsAdded++
		}
	}
	return counters, nil
}

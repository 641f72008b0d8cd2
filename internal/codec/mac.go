package codec

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"github.com/vaultco/cosigncore/internal/domain"
)

// ComputeMAC returns the hex-encoded HMAC-SHA-256 over data using key —
// the single supported algorithm in this phase (§4.1). Callers pass the
// canonical bytes of the envelope with the integrity_mac field omitted.
func ComputeMAC(key []byte, data []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyMAC recomputes the MAC over data with key and compares against
// expectedHex in constant time. A single-byte mutation of data must flip
// this to false (§8 MAC law).
func VerifyMAC(key []byte, data []byte, expectedHex string) bool {
	expected, err := hex.DecodeString(expectedHex)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	got := mac.Sum(nil)
	if len(got) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare(got, expected) == 1
}

// KeyResolver looks up the MAC key bytes by key ID (§4.1 key management:
// rotation is out of scope, but lookup by mac_key_id is still required so
// a quarantined object's MAC can still be checked against the key it was
// created under).
type KeyResolver interface {
	Resolve(keyID string) ([]byte, error)
}

// VerifyEnvelopeMAC recomputes the MAC for a flow envelope's canonical
// bytes (with integrity_mac omitted) and compares against the stored
// value. A failure quarantines the object per invariant 5 — callers must
// not apply any mutation past a failed call.
func VerifyEnvelopeMAC(resolver KeyResolver, macKeyID string, canonicalWithoutMAC []byte, storedMACHex string) error {
	key, err := resolver.Resolve(macKeyID)
	if err != nil {
		return fmt.Errorf("codec: resolve mac key %q: %w", macKeyID, err)
	}
	if !VerifyMAC(key, canonicalWithoutMAC, storedMACHex) {
		return domain.NewCoreError(domain.CodeIntegrityMACInvalid, "", "stored integrity_mac does not verify against canonical bytes")
	}
	return nil
}

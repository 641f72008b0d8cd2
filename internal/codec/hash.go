package codec

import "crypto/sha256"

// HashSHA256 returns the raw SHA-256 digest of canonical bytes — the
// "canonical hash" referenced throughout §3/§4 (payload_hash,
// message_hash, bundle_digest, transition-log state hashes) all reduce to
// this single primitive applied to different canonical byte strings.
func HashSHA256(canonicalBytes []byte) []byte {
	sum := sha256.Sum256(canonicalBytes)
	return sum[:]
}

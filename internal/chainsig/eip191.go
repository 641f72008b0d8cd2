package chainsig

import (
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
)

// PersonalSignHash returns the EIP-191 "personal_sign" digest:
// keccak256("\x19Ethereum Signed Message:\n" + len(message) + message).
func PersonalSignHash(message []byte) []byte {
	prefixed := fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(message), message)
	return crypto.Keccak256([]byte(prefixed))
}

// LegacyEthSignHash returns the digest used for the legacy eth_sign path.
// The message is expected to already be the raw 32-byte hash the wallet
// was asked to sign directly — eth_sign has no framing of its own, unlike
// personal_sign. The v-byte normalization ambiguity the open question in
// §9 raises is resolved at the recovery step (RecoverSigner), not here:
// this function only ever returns the bytes that were actually signed.
func LegacyEthSignHash(rawHash []byte) []byte {
	out := make([]byte, len(rawHash))
	copy(out, rawHash)
	return out
}

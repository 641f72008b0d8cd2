// Package chainsig implements the secp256k1 recovery gate and the
// EIP-191/EIP-712 hashing rules the signature collection gate depends on
// (§4.1 invariant 3, §4.2 AddSignature guard). It is grounded on
// go-ethereum's crypto and signer/core/apitypes packages, the same stack
// used by the EVM-signing reference material in this codebase's lineage.
package chainsig

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// RecoverSigner recovers the signer address from a 65-byte signature
// (r||s||v, v in {0,1,27,28}) over digest. digest must already be the
// method-appropriate hash (EIP-191 or EIP-712), never the raw message.
func RecoverSigner(digest []byte, sig []byte) (string, error) {
	if len(sig) != 65 {
		return "", fmt.Errorf("chainsig: signature must be 65 bytes, got %d", len(sig))
	}
	normalized := make([]byte, 65)
	copy(normalized, sig)
	switch normalized[64] {
	case 27, 28:
		normalized[64] -= 27
	case 0, 1:
		// already normalized
	default:
		return "", fmt.Errorf("chainsig: invalid recovery id %d", sig[64])
	}
	pub, err := crypto.SigToPub(digest, normalized)
	if err != nil {
		return "", fmt.Errorf("chainsig: recover public key: %w", err)
	}
	addr := crypto.PubkeyToAddress(*pub)
	return strings.ToLower(addr.Hex()), nil
}

// NormalizeAddress lowercases and validates a hex address, the canonical
// form stored in Signature.Signer/ExpectedSigner/RecoveredSigner.
func NormalizeAddress(addr string) (string, error) {
	if !common.IsHexAddress(addr) {
		return "", fmt.Errorf("chainsig: %q is not a valid hex address", addr)
	}
	return strings.ToLower(common.HexToAddress(addr).Hex()), nil
}

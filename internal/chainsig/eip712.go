package chainsig

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// SafeTxTypes is the EIP-712 type set for a Vault (Gnosis-Safe-shaped)
// transaction, the primary type whose hash becomes payload_hash (§3).
var SafeTxTypes = apitypes.Types{
	"EIP712Domain": []apitypes.Type{
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"SafeTx": []apitypes.Type{
		{Name: "to", Type: "address"},
		{Name: "value", Type: "uint256"},
		{Name: "data", Type: "bytes"},
		{Name: "operation", Type: "uint8"},
		{Name: "safeTxGas", Type: "uint256"},
		{Name: "baseGas", Type: "uint256"},
		{Name: "gasPrice", Type: "uint256"},
		{Name: "gasToken", Type: "address"},
		{Name: "refundReceiver", Type: "address"},
		{Name: "nonce", Type: "uint256"},
	},
}

// SafeTxTypedData builds the apitypes.TypedData envelope for a Vault
// transaction, mirroring the domain/types/message shape go-ethereum's
// apitypes expects — the same construction used by EIP-712 typed-data
// signing elsewhere in the ecosystem (e.g. exchange agent-signing flows).
func SafeTxTypedData(chainID int64, safeAddress string, message map[string]interface{}) apitypes.TypedData {
	return apitypes.TypedData{
		Types:       SafeTxTypes,
		PrimaryType: "SafeTx",
		Domain: apitypes.TypedDataDomain{
			ChainId:           math.NewHexOrDecimal256(chainID),
			VerifyingContract: safeAddress,
		},
		Message: message,
	}
}

// HashTypedData computes the EIP-712 digest: keccak256(0x19 0x01 ||
// domainSeparator || hashStruct(primaryType, message)), i.e. typed-data-v4
// semantics. Callers building the legacy (non-v4) variant apply the same
// hashing here — the v4/legacy distinction in this codebase is in which
// provider RPC method is invoked (§6 "typed-data signing (v4 preferred)"),
// not in the digest computed from a given typed-data document.
func HashTypedData(td apitypes.TypedData) ([]byte, error) {
	digest, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		return nil, fmt.Errorf("chainsig: hash typed data: %w", err)
	}
	return digest, nil
}

// HashStructLenient hashes only the message fields declared in the
// primary type, dropping any extra fields the caller's map may carry —
// grounded on the same lenient-hashStruct pattern used when typed-data
// messages are assembled generically rather than from a fixed struct.
func HashStructLenient(td apitypes.TypedData, primaryType string, message apitypes.TypedDataMessage) ([]byte, error) {
	filtered := make(apitypes.TypedDataMessage, len(td.Types[primaryType]))
	for _, field := range td.Types[primaryType] {
		if v, ok := message[field.Name]; ok {
			filtered[field.Name] = v
		}
	}
	hash, err := td.HashStruct(primaryType, filtered)
	if err != nil {
		return nil, fmt.Errorf("chainsig: hash struct %q: %w", primaryType, err)
	}
	return hash, nil
}

package chainsig

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/vaultco/cosigncore/internal/domain"
)

// CheckSelector enforces invariant 7 / the §8 ABI selector gate: for
// build_source == abi-method-form without raw_calldata_override, the first
// four bytes of calldata must equal abi_context.method_selector.
func CheckSelector(abiCtx *domain.ABIContext, calldataHex string) error {
	if abiCtx == nil {
		return fmt.Errorf("chainsig: abi_context is required for abi-method-form")
	}
	if abiCtx.RawCalldataOverride {
		return nil
	}
	calldata, err := decodeHex(calldataHex)
	if err != nil {
		return domain.NewCoreError(domain.CodeABIParseFailed, "", fmt.Sprintf("calldata is not valid hex: %v", err))
	}
	if len(calldata) < 4 {
		return domain.NewCoreError(domain.CodeABISelectorMismatch, "", "calldata shorter than 4 bytes")
	}
	selector, err := decodeHex(abiCtx.MethodSelector)
	if err != nil || len(selector) != 4 {
		return domain.NewCoreError(domain.CodeABIParseFailed, "", "method_selector is not a valid 4-byte hex value")
	}
	for i := 0; i < 4; i++ {
		if calldata[i] != selector[i] {
			return domain.NewCoreError(domain.CodeABISelectorMismatch, "", "calldata[0..4] does not match abi_context.method_selector")
		}
	}
	return nil
}

func decodeHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(s, "0x")
	s = strings.TrimPrefix(s, "0X")
	return hex.DecodeString(s)
}

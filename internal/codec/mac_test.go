package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubResolver struct {
	keys map[string][]byte
}

func (s stubResolver) Resolve(keyID string) ([]byte, error) {
	key, ok := s.keys[keyID]
	if !ok {
		return nil, assert.AnError
	}
	return key, nil
}

func TestComputeAndVerifyMAC(t *testing.T) {
	key := []byte("a-mac-key-that-is-32-bytes-long")
	data := []byte(`{"payload_hash":"0xabc"}`)

	mac := ComputeMAC(key, data)
	assert.True(t, VerifyMAC(key, data, mac))
}

// TestMACLaw is §8's MAC law: a single-byte mutation of the MACed bytes
// must flip verification to false.
func TestMACLaw(t *testing.T) {
	key := []byte("a-mac-key-that-is-32-bytes-long")
	data := []byte(`{"payload_hash":"0xabc"}`)
	mac := ComputeMAC(key, data)

	mutated := append([]byte(nil), data...)
	mutated[0] ^= 0xFF

	assert.False(t, VerifyMAC(key, mutated, mac))
}

func TestVerifyEnvelopeMAC(t *testing.T) {
	key := []byte("a-mac-key-that-is-32-bytes-long")
	resolver := stubResolver{keys: map[string][]byte{"k1": key}}
	data := []byte(`{"payload_hash":"0xabc"}`)
	mac := ComputeMAC(key, data)

	require.NoError(t, VerifyEnvelopeMAC(resolver, "k1", data, mac))
	assert.Error(t, VerifyEnvelopeMAC(resolver, "k1", data, "00"))
	assert.Error(t, VerifyEnvelopeMAC(resolver, "unknown-key", data, mac))
}

package chainsig

import (
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

func TestRecoverSigner_PersonalSignRoundTrip(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	want, err := NormalizeAddress(crypto.PubkeyToAddress(key.PublicKey).Hex())
	require.NoError(t, err)

	digest := PersonalSignHash([]byte("hello vault"))
	sig, err := crypto.Sign(digest, key)
	require.NoError(t, err)
	sig[64] += 27 // wallets return v in {27,28}

	got, err := RecoverSigner(digest, sig)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestRecoverSigner_RejectsWrongLength(t *testing.T) {
	_, err := RecoverSigner([]byte("digest"), []byte{1, 2, 3})
	require.Error(t, err)
}

func TestNormalizeAddress_RejectsInvalid(t *testing.T) {
	_, err := NormalizeAddress("not-an-address")
	require.Error(t, err)
}

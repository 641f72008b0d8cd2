package codec

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalize_KeyOrderIndependent(t *testing.T) {
	a := map[string]any{"b": 1, "a": 2, "c": 3}
	b := map[string]any{"c": 3, "a": 2, "b": 1}

	encodedA, err := Canonicalize(a)
	require.NoError(t, err)
	encodedB, err := Canonicalize(b)
	require.NoError(t, err)

	assert.Equal(t, string(encodedA), string(encodedB))
	assert.Equal(t, `{"a":2,"b":1,"c":3}`, string(encodedA))
}

func TestCanonicalizeOmitting_FieldAbsentNotBlank(t *testing.T) {
	v := map[string]any{"integrity_mac": "deadbeef", "payload_hash": "0xabc"}
	encoded, err := CanonicalizeOmitting(v, "integrity_mac")
	require.NoError(t, err)
	assert.NotContains(t, string(encoded), "integrity_mac")
	assert.Contains(t, string(encoded), "payload_hash")
}

func TestRoundTrip_StableForCanonicalInput(t *testing.T) {
	input, err := Canonicalize(map[string]any{"x": 1, "y": "hello"})
	require.NoError(t, err)

	var dst map[string]any
	assert.NoError(t, RoundTrip(input, &dst))
}

// TestCanonicalRoundTripLaw is a property-based check of §8's round-trip
// law: canonicalizing arbitrary flat string-keyed maps is idempotent once
// canonical, independent of the generated key insertion order.
func TestCanonicalRoundTripLaw(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	properties.Property("canonicalize is idempotent", prop.ForAll(
		func(m map[string]string) bool {
			generic := make(map[string]any, len(m))
			for k, v := range m {
				generic[k] = v
			}
			first, err := Canonicalize(generic)
			if err != nil {
				return false
			}
			var decoded map[string]any
			if err := RoundTrip(first, &decoded); err != nil {
				return false
			}
			second, err := Canonicalize(decoded)
			if err != nil {
				return false
			}
			return string(first) == string(second)
		},
		gen.MapOf(gen.AlphaString(), gen.AlphaString()),
	))

	properties.TestingRun(t)
}

// Package codec implements the canonical-serialization, integrity-MAC, and
// bundle/URL envelope codecs of §4.1: deterministic JSON encoding, HMAC-based
// integrity verification, and the authenticated import/export pipeline.
package codec

import (
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Canonicalize produces the deterministic JSON encoding of v: object keys
// sorted ascending by byte value, UTF-8, no whitespace outside strings.
// This is the sole input to hashing and MAC (§4.1). Recomputing from a
// parsed object must byte-for-byte match — the round-trip law of §8.
//
// v is first marshaled with the standard encoder (which already renders
// numbers/strings/escapes per Go's JSON rules) and then transformed by
// gowebpki/jcs into RFC 8785 canonical form, rather than hand-rolling a
// second JSON walker.
func Canonicalize(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec: marshal before canonicalization: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("codec: jcs transform: %w", err)
	}
	return out, nil
}

// CanonicalizeOmitting canonicalizes v after decoding it into a map,
// deleting the named top-level JSON fields and re-marshaling the map, so
// the omitted fields are entirely absent from the canonical bytes rather
// than merely blank (§4.1: "omitted, not merely zeroed").
func CanonicalizeOmitting(v any, omit ...string) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec: marshal before omission: %w", err)
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("codec: decode into map for omission: %w", err)
	}
	for _, field := range omit {
		delete(m, field)
	}
	omitted, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("codec: re-marshal after omission: %w", err)
	}
	out, err := jcs.Transform(omitted)
	if err != nil {
		return nil, fmt.Errorf("codec: jcs transform after omission: %w", err)
	}
	return out, nil
}

// RoundTrip decodes canonical bytes into dst and re-canonicalizes, failing
// if the result is not byte-identical to the input — this is the property
// of §8's canonical round-trip law exercised as a runtime check at import
// boundaries, not merely a test.
func RoundTrip(input []byte, dst any) error {
	if err := json.Unmarshal(input, dst); err != nil {
		return fmt.Errorf("codec: decode for round-trip check: %w", err)
	}
	reencoded, err := Canonicalize(dst)
	if err != nil {
		return err
	}
	transformed, err := jcs.Transform(input)
	if err != nil {
		return fmt.Errorf("codec: jcs transform of input for round-trip check: %w", err)
	}
	if string(reencoded) != string(transformed) {
		return fmt.Errorf("codec: round-trip mismatch, canonical form is not stable for this input")
	}
	return nil
}

// Package keys implements the passphrase-derived root key and the HKDF
// subkey derivation of §4.1: a memory-hard KDF (Argon2id) primary path with
// an iteration-hard fallback (scrypt), and two HKDF-derived subkeys — an
// encryption key and a MAC key — each under a distinct context label. Key
// rotation is explicitly out of scope (§4.1).
package keys

import (
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/scrypt"
)

const (
	rootKeyLen = 32

	// Argon2id parameters, chosen for a browser-adjacent desktop/laptop
	// threat model: memory-hard, single-digit-hundred-ms target.
	argonTime    = 3
	argonMemory  = 64 * 1024 // KiB
	argonThreads = 2

	// scrypt fallback parameters (iteration-hard, used only when the
	// Argon2id path is unavailable for the caller's environment).
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

// Algorithm names the root-KDF algorithm actually used to derive a key, so
// it can be recorded alongside mac_key_id for later key-resolution.
type Algorithm string

const (
	Argon2id Algorithm = "argon2id"
	Scrypt   Algorithm = "scrypt"
)

// DeriveRoot derives a 32-byte root key from passphrase and salt using
// Argon2id. Callers needing the iteration-hard fallback (e.g. an
// environment where Argon2id's memory requirement cannot be met) call
// DeriveRootScrypt instead; both produce a root key of identical shape so
// downstream HKDF derivation is algorithm-agnostic.
func DeriveRoot(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, argonTime, argonMemory, argonThreads, rootKeyLen)
}

// DeriveRootScrypt is the iteration-hard fallback root-key derivation.
func DeriveRootScrypt(passphrase, salt []byte) ([]byte, error) {
	key, err := scrypt.Key(passphrase, salt, scryptN, scryptR, scryptP, rootKeyLen)
	if err != nil {
		return nil, fmt.Errorf("keys: scrypt derivation: %w", err)
	}
	return key, nil
}

// Context labels for HKDF subkey derivation — distinct per §4.1 so the
// encryption key and MAC key are cryptographically independent even
// though both descend from the same root key.
const (
	labelEncryption = "cosigncore/v1/encryption"
	labelMAC        = "cosigncore/v1/mac"
)

// Subkeys holds the two keys derived from a root key.
type Subkeys struct {
	Encryption []byte
	MAC        []byte
}

// DeriveSubkeys runs HKDF-SHA256 twice over root, once per context label,
// producing the encryption key and the MAC key (§4.1).
func DeriveSubkeys(root []byte) (*Subkeys, error) {
	enc, err := hkdfExpand(root, []byte(labelEncryption), rootKeyLen)
	if err != nil {
		return nil, fmt.Errorf("keys: derive encryption subkey: %w", err)
	}
	mac, err := hkdfExpand(root, []byte(labelMAC), rootKeyLen)
	if err != nil {
		return nil, fmt.Errorf("keys: derive mac subkey: %w", err)
	}
	return &Subkeys{Encryption: enc, MAC: mac}, nil
}

func hkdfExpand(root, info []byte, size int) ([]byte, error) {
	r := hkdf.New(newSHA256, root, nil, info)
	out := make([]byte, size)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

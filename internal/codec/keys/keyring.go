package keys

import (
	"fmt"
	"sync"
)

// Keyring resolves a mac_key_id to the MAC subkey bytes derived for it.
// Keys are added at derivation time and never rotated in place (§4.1: "key
// rotation is out of scope") — a new passphrase derivation adds a new
// entry under a new key ID rather than replacing an existing one.
type Keyring struct {
	mu   sync.RWMutex
	keys map[string][]byte
}

// NewKeyring returns an empty keyring.
func NewKeyring() *Keyring {
	return &Keyring{keys: make(map[string][]byte)}
}

// Add registers the MAC subkey for keyID. Re-adding the same keyID with a
// different value is rejected: a key ID identifies one immutable key.
func (k *Keyring) Add(keyID string, macKey []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if existing, ok := k.keys[keyID]; ok {
		if string(existing) != string(macKey) {
			return fmt.Errorf("keys: key id %q already bound to a different key", keyID)
		}
		return nil
	}
	k.keys[keyID] = macKey
	return nil
}

// Resolve implements codec.KeyResolver.
func (k *Keyring) Resolve(keyID string) ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	key, ok := k.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("keys: unknown mac_key_id %q", keyID)
	}
	return key, nil
}

// Active returns the lexicographically last registered key ID: a
// deterministic "pick the last key" selection rule for new writes when
// no key ID is pinned by the caller.
func (k *Keyring) Active() (string, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	var active string
	for id := range k.keys {
		if id > active {
			active = id
		}
	}
	if active == "" {
		return "", fmt.Errorf("keys: keyring is empty")
	}
	return active, nil
}

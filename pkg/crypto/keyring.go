package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/scopecfg/scopecfg/pkg/types"
)

// Keyring holds the active encryption key and any retired keys that
// remain decrypt-capable during a re-key.
type Keyring struct {
	activeID string
	keys     map[string]cipher.AEAD
}

// KeyID derives the stable public identifier for a key. The
// identifier is embedded in every envelope, so it must be a pure
// function of the key material.
func KeyID(material []byte) string {
	sum := sha256.Sum256(material)
	return hex.EncodeToString(sum[:4])
}

// NewKeyring creates a keyring with one active key and zero or more
// retired keys. Every key must be 32 bytes for AES-256-GCM.
func NewKeyring(active []byte, retired ...[]byte) (*Keyring, error) {
	kr := &Keyring{keys: make(map[string]cipher.AEAD)}

	id, aead, err := buildAEAD(active)
	if err != nil {
		return nil, fmt.Errorf("active key: %w", err)
	}
	kr.activeID = id
	kr.keys[id] = aead

	for i, material := range retired {
		id, aead, err := buildAEAD(material)
		if err != nil {
			return nil, fmt.Errorf("retired key %d: %w", i, err)
		}
		kr.keys[id] = aead
	}

	return kr, nil
}

func buildAEAD(key []byte) (string, cipher.AEAD, error) {
	if len(key) != 32 {
		return "", nil, fmt.Errorf("encryption key must be 32 bytes for AES-256, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return KeyID(key), gcm, nil
}

// ActiveKeyID returns the identifier of the key new envelopes use
func (kr *Keyring) ActiveKeyID() string {
	return kr.activeID
}

// aeadFor looks up the AEAD for a key identifier
func (kr *Keyring) aeadFor(keyID string) (cipher.AEAD, error) {
	aead, ok := kr.keys[keyID]
	if !ok {
		return nil, types.Ef(types.KindKeyUnknown, "ciphertext references unknown key %q", keyID)
	}
	return aead, nil
}

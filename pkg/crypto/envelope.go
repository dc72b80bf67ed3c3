package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"github.com/scopecfg/scopecfg/pkg/types"
)

// SchemeV1 is the envelope scheme identifier for AES-256-GCM with a
// 96-bit random nonce and a 128-bit tag.
const SchemeV1 = "v1"

const (
	envelopeSep    = ":"
	envelopeFields = 5
	gcmTagSize     = 16
)

var b64 = base64.RawURLEncoding

// Encrypt encrypts a plaintext string under the active key and
// returns a printable envelope. The same plaintext encrypts to a
// different envelope each call because the nonce is fresh.
func (kr *Keyring) Encrypt(plaintext string) (string, error) {
	aead := kr.keys[kr.activeID]

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := aead.Seal(nil, nonce, []byte(plaintext), nil)
	ct, tag := sealed[:len(sealed)-gcmTagSize], sealed[len(sealed)-gcmTagSize:]

	return strings.Join([]string{
		SchemeV1,
		kr.activeID,
		b64.EncodeToString(nonce),
		b64.EncodeToString(ct),
		b64.EncodeToString(tag),
	}, envelopeSep), nil
}

// Decrypt opens an envelope produced by Encrypt. It fails with
// KindKeyUnknown when the envelope's key is not in the keyring and
// with KindTamperDetected when authentication fails.
func (kr *Keyring) Decrypt(envelope string) (string, error) {
	scheme, keyID, nonce, ct, tag, err := parseEnvelope(envelope)
	if err != nil {
		return "", err
	}
	if scheme != SchemeV1 {
		return "", types.Ef(types.KindInvalidInput, "unsupported envelope scheme %q", scheme)
	}

	aead, err := kr.aeadFor(keyID)
	if err != nil {
		return "", err
	}

	plaintext, err := aead.Open(nil, nonce, append(ct, tag...), nil)
	if err != nil {
		return "", types.Wrap(types.KindTamperDetected,
			fmt.Sprintf("authentication failed for envelope under key %q", keyID), err)
	}
	return string(plaintext), nil
}

// EnvelopeKeyID returns the key identifier an envelope was encrypted
// under without decrypting it.
func EnvelopeKeyID(envelope string) (string, error) {
	_, keyID, _, _, _, err := parseEnvelope(envelope)
	return keyID, err
}

// IsEnvelope reports whether a string parses as a v1 envelope. Used
// to distinguish already-encrypted values from plaintext during
// subtree walks and re-keys.
func IsEnvelope(s string) bool {
	_, _, _, _, _, err := parseEnvelope(s)
	return err == nil
}

func parseEnvelope(envelope string) (scheme, keyID string, nonce, ct, tag []byte, err error) {
	parts := strings.Split(envelope, envelopeSep)
	if len(parts) != envelopeFields {
		return "", "", nil, nil, nil,
			types.Ef(types.KindInvalidInput, "malformed envelope: %d fields, want %d", len(parts), envelopeFields)
	}
	scheme, keyID = parts[0], parts[1]
	if scheme != SchemeV1 || keyID == "" {
		return "", "", nil, nil, nil, types.E(types.KindInvalidInput, "malformed envelope header")
	}
	if nonce, err = b64.DecodeString(parts[2]); err != nil {
		return "", "", nil, nil, nil, types.Wrap(types.KindInvalidInput, "malformed envelope nonce", err)
	}
	if len(nonce) != 12 {
		return "", "", nil, nil, nil, types.Ef(types.KindInvalidInput, "envelope nonce is %d bytes, want 12", len(nonce))
	}
	if ct, err = b64.DecodeString(parts[3]); err != nil {
		return "", "", nil, nil, nil, types.Wrap(types.KindInvalidInput, "malformed envelope ciphertext", err)
	}
	if tag, err = b64.DecodeString(parts[4]); err != nil {
		return "", "", nil, nil, nil, types.Wrap(types.KindInvalidInput, "malformed envelope tag", err)
	}
	if len(tag) != gcmTagSize {
		return "", "", nil, nil, nil, types.Ef(types.KindInvalidInput, "envelope tag is %d bytes, want %d", len(tag), gcmTagSize)
	}
	return scheme, keyID, nonce, ct, tag, nil
}

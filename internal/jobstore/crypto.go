package jobstore

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// payloadCipher seals Job.Payload and the serialized EnvAllowlist at rest.
// The daemon's database file is the one artifact most likely to end up in
// a backup or a support bundle; a caller who sets Options.EncryptionKey
// gets those two columns encrypted rather than stored as cleartext BLOBs.
type payloadCipher struct {
	aead cipher.AEAD
}

// newPayloadCipher derives a chacha20poly1305 key from the caller-supplied
// master key via HKDF-SHA256, so callers can hand in a passphrase hash or
// any other 32-byte secret without it doubling as the raw AEAD key.
func newPayloadCipher(masterKey []byte) (*payloadCipher, error) {
	kdf := hkdf.New(sha256.New, masterKey, nil, []byte("taskord-jobstore-payload-v1"))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive payload key: %w", err)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}
	return &payloadCipher{aead: aead}, nil
}

// seal encrypts plaintext, prefixing the nonce. A nil plaintext seals to
// nil rather than an empty ciphertext, so optional columns stay NULL.
func (c *payloadCipher) seal(plaintext []byte) ([]byte, error) {
	if c == nil || plaintext == nil {
		return plaintext, nil
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// open reverses seal. Returns ErrCorrupt if the ciphertext was truncated or
// failed authentication — tampering or a key mismatch, either way the
// daemon must not silently treat it as valid data.
func (c *payloadCipher) open(ciphertext []byte) ([]byte, error) {
	if c == nil || ciphertext == nil {
		return ciphertext, nil
	}
	ns := c.aead.NonceSize()
	if len(ciphertext) < ns {
		return nil, fmt.Errorf("%w: payload shorter than nonce", ErrCorrupt)
	}
	nonce, body := ciphertext[:ns], ciphertext[ns:]
	plain, err := c.aead.Open(nil, nonce, body, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: payload authentication failed: %v", ErrCorrupt, err)
	}
	return plain, nil
}

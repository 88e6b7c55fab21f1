package account

import (
	"bytes"
	"fmt"
	"io"

	"filippo.io/age"
)

// seal encrypts plaintext with an scrypt recipient derived from the
// configured passphrase.
func seal(passphrase string, plaintext []byte) ([]byte, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("encryption passphrase not configured")
	}
	recipient, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return nil, fmt.Errorf("derive recipient: %w", err)
	}
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipient)
	if err != nil {
		return nil, fmt.Errorf("begin encrypt: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, fmt.Errorf("encrypt: %w", err)
	}
	// Close flushes the final chunk; the ciphertext is incomplete without it.
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finish encrypt: %w", err)
	}
	return buf.Bytes(), nil
}

// unseal decrypts a blob produced by seal.
func unseal(passphrase string, blob []byte) ([]byte, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("encryption passphrase not configured")
	}
	identity, err := age.NewScryptIdentity(passphrase)
	if err != nil {
		return nil, fmt.Errorf("derive identity: %w", err)
	}
	r, err := age.Decrypt(bytes.NewReader(blob), identity)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read plaintext: %w", err)
	}
	return plaintext, nil
}

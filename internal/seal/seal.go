// Package seal encrypts deliverables to the job poster's age keys
// before they are published.
package seal

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"filippo.io/age"
	"filippo.io/age/armor"
)

// Sealer encrypts to a fixed set of X25519 recipients.
type Sealer struct {
	recipients []age.Recipient
}

// NewSealer parses recipient public keys (age1...).
func NewSealer(keys []string) (*Sealer, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("at least one recipient is required")
	}
	recipients := make([]age.Recipient, 0, len(keys))
	for _, key := range keys {
		r, err := age.ParseX25519Recipient(strings.TrimSpace(key))
		if err != nil {
			return nil, fmt.Errorf("parsing recipient key %q: %w", key, err)
		}
		recipients = append(recipients, r)
	}
	return &Sealer{recipients: recipients}, nil
}

// Seal returns the ASCII-armored age ciphertext of plaintext.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	var buf bytes.Buffer
	aw := armor.NewWriter(&buf)
	w, err := age.Encrypt(aw, s.recipients...)
	if err != nil {
		return nil, fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, fmt.Errorf("writing plaintext: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finalizing encryption: %w", err)
	}
	if err := aw.Close(); err != nil {
		return nil, fmt.Errorf("closing armor: %w", err)
	}
	return buf.Bytes(), nil
}

// Open decrypts armored ciphertext. identities is an age identity file:
// one or more AGE-SECRET-KEY-1... lines, with # comments allowed.
func Open(ciphertext []byte, identities string) ([]byte, error) {
	ids, err := age.ParseIdentities(strings.NewReader(identities))
	if err != nil {
		return nil, fmt.Errorf("parsing identities: %w", err)
	}
	r, err := age.Decrypt(armor.NewReader(bytes.NewReader(ciphertext)), ids...)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading plaintext: %w", err)
	}
	return plaintext, nil
}

package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/dmitrijs2005/otpkeeper/internal/common"
	"golang.org/x/crypto/hkdf"
)

const stateKeyInfo = "otpkeeper oauth state v1"

// StateSealer protects the OAuth "state" round-trip parameter. The key is
// derived from the state secret with HKDF-SHA256, so the state secret and the
// vault secret never share key material even when an operator reuses them.
type StateSealer struct {
	aead cipher.AEAD
}

// NewStateSealer derives the sealing key from secret.
func NewStateSealer(secret string) (*StateSealer, error) {
	if secret == "" {
		return nil, fmt.Errorf("empty oauth state secret")
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(stateKeyInfo)), key); err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &StateSealer{aead: aead}, nil
}

// Seal encrypts data into a URL-safe string.
func (s *StateSealer) Seal(data []byte) string {
	nonce := common.GenerateRandByteArray(s.aead.NonceSize())
	out := s.aead.Seal(nonce, nonce, data, nil)
	return base64.RawURLEncoding.EncodeToString(out)
}

// Open reverses Seal. Any tampering yields common.ErrInvalidState.
func (s *StateSealer) Open(state string) ([]byte, error) {
	raw, err := base64.RawURLEncoding.DecodeString(state)
	if err != nil || len(raw) < s.aead.NonceSize() {
		return nil, common.ErrInvalidState
	}
	nonce, body := raw[:s.aead.NonceSize()], raw[s.aead.NonceSize():]
	data, err := s.aead.Open(nil, nonce, body, nil)
	if err != nil {
		return nil, common.ErrInvalidState
	}
	return data, nil
}

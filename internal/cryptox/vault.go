// Package cryptox holds the symmetric primitives used by the server: the
// credential vault that protects stored fields, the placeholder generator
// shown to callers without access, and the sealer for OAuth state values.
package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/dmitrijs2005/otpkeeper/internal/common"
)

// nonceSize matches the 16-byte IV of values already stored in production.
const nonceSize = 16

// Vault encrypts and decrypts sensitive strings with AES-256-GCM.
//
// The key is SHA-256 of the operator supplied secret. Each Encrypt call uses a
// fresh random nonce and produces
//
//	hex(nonce) + ":" + hex(tag) + ":" + hex(ciphertext)
//
// Decrypt fails closed with common.ErrDecryption on any malformed triple or
// tag mismatch. Fallback to legacy plaintext is the caller's decision, see
// DecryptOrPlain.
type Vault struct {
	aead cipher.AEAD
}

// NewVault derives the key from secret and prepares the AEAD.
func NewVault(secret string) (*Vault, error) {
	if secret == "" {
		return nil, fmt.Errorf("empty encryption secret")
	}
	key := sha256.Sum256([]byte(secret))

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, err
	}
	return &Vault{aead: aead}, nil
}

// Encrypt seals plaintext and returns it in vault wire format.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}

	sealed := v.aead.Seal(nil, nonce, []byte(plaintext), nil)
	tagStart := len(sealed) - v.aead.Overhead()
	body, tag := sealed[:tagStart], sealed[tagStart:]

	return hex.EncodeToString(nonce) + ":" + hex.EncodeToString(tag) + ":" + hex.EncodeToString(body), nil
}

// Decrypt opens a value produced by Encrypt.
func (v *Vault) Decrypt(ciphertext string) (string, error) {
	nonce, tag, body, err := v.split(ciphertext)
	if err != nil {
		return "", err
	}

	sealed := make([]byte, 0, len(body)+len(tag))
	sealed = append(sealed, body...)
	sealed = append(sealed, tag...)

	plaintext, err := v.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", common.ErrDecryption, err)
	}
	return string(plaintext), nil
}

// DecryptOrPlain returns the decrypted value, or s unchanged when s is not a
// value produced by this vault (legacy plaintext or foreign key). The boolean
// reports whether decryption actually happened.
func (v *Vault) DecryptOrPlain(s string) (string, bool) {
	if s == "" {
		return "", false
	}
	plaintext, err := v.Decrypt(s)
	if err != nil {
		return s, false
	}
	return plaintext, true
}

func (v *Vault) split(s string) (nonce, tag, body []byte, err error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return nil, nil, nil, fmt.Errorf("%w: expected 3 parts, got %d", common.ErrDecryption, len(parts))
	}

	decoded := make([][]byte, 3)
	for i, p := range parts {
		decoded[i], err = hex.DecodeString(p)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("%w: part %d is not hex", common.ErrDecryption, i)
		}
	}

	if len(decoded[0]) != nonceSize || len(decoded[1]) != v.aead.Overhead() {
		return nil, nil, nil, fmt.Errorf("%w: bad nonce or tag length", common.ErrDecryption)
	}
	return decoded[0], decoded[1], decoded[2], nil
}

// LooksEncrypted reports whether s has the three hex segment structure of a
// vault value. It does not verify the tag.
func LooksEncrypted(s string) bool {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return false
	}
	for _, p := range parts[:2] {
		if p == "" {
			return false
		}
	}
	for _, p := range parts {
		if _, err := hex.DecodeString(p); err != nil {
			return false
		}
	}
	return true
}

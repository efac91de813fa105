// Package secrets encrypts and decrypts tenant API keys.
//
// Keys are stored as AES-256-GCM ciphertext together with the nonce, the GCM
// auth tag, and a reference to the master key that sealed them. The master
// key itself never leaves process memory; per-record keys are derived from it
// with HKDF-SHA256 so rotating the master key only requires re-sealing rows
// that reference the old key id.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const gcmTagSize = 16

// Sealed is the persisted form of an encrypted secret.
type Sealed struct {
	Ciphertext   string `json:"ciphertext"`    // base64
	IV           string `json:"iv"`            // base64 nonce
	AuthTag      string `json:"auth_tag"`      // base64 GCM tag
	MasterKeyRef string `json:"master_key_ref"`
}

// Keyring holds the active master key and decrypts with any key it knows.
type Keyring struct {
	activeRef string
	keys      map[string][]byte // ref → 32-byte derived key
}

// NewKeyring derives a keyring from the configured master key material.
// The ref identifies this key generation (e.g. "mk-1").
func NewKeyring(masterKey []byte, ref string) (*Keyring, error) {
	if len(masterKey) == 0 {
		return nil, fmt.Errorf("secrets: master key must not be empty")
	}
	if ref == "" {
		return nil, fmt.Errorf("secrets: master key ref must not be empty")
	}
	derived, err := deriveKey(masterKey, ref)
	if err != nil {
		return nil, err
	}
	return &Keyring{
		activeRef: ref,
		keys:      map[string][]byte{ref: derived},
	}, nil
}

// AddRetiredKey registers an old master key so rows sealed under it can still
// be opened. Retired keys are never used for new Seal calls.
func (k *Keyring) AddRetiredKey(masterKey []byte, ref string) error {
	derived, err := deriveKey(masterKey, ref)
	if err != nil {
		return err
	}
	k.keys[ref] = derived
	return nil
}

// deriveKey stretches the raw master key into a 32-byte AES key bound to ref.
func deriveKey(masterKey []byte, ref string) ([]byte, error) {
	r := hkdf.New(sha256.New, masterKey, []byte("voidai-secrets-v1"), []byte(ref))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("secrets: derive key: %w", err)
	}
	return key, nil
}

// Seal encrypts plaintext under the active master key.
func (k *Keyring) Seal(plaintext string) (Sealed, error) {
	gcm, err := k.aead(k.activeRef)
	if err != nil {
		return Sealed{}, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return Sealed{}, fmt.Errorf("secrets: nonce: %w", err)
	}

	out := gcm.Seal(nil, nonce, []byte(plaintext), nil)
	body, tag := out[:len(out)-gcmTagSize], out[len(out)-gcmTagSize:]

	return Sealed{
		Ciphertext:   base64.StdEncoding.EncodeToString(body),
		IV:           base64.StdEncoding.EncodeToString(nonce),
		AuthTag:      base64.StdEncoding.EncodeToString(tag),
		MasterKeyRef: k.activeRef,
	}, nil
}

// Open decrypts a sealed secret. Fails if the referenced master key is not in
// the keyring or the auth tag does not verify.
func (k *Keyring) Open(s Sealed) (string, error) {
	gcm, err := k.aead(s.MasterKeyRef)
	if err != nil {
		return "", err
	}

	body, err := base64.StdEncoding.DecodeString(s.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("secrets: decode ciphertext: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(s.IV)
	if err != nil {
		return "", fmt.Errorf("secrets: decode iv: %w", err)
	}
	tag, err := base64.StdEncoding.DecodeString(s.AuthTag)
	if err != nil {
		return "", fmt.Errorf("secrets: decode auth tag: %w", err)
	}

	plaintext, err := gcm.Open(nil, nonce, append(body, tag...), nil)
	if err != nil {
		return "", fmt.Errorf("secrets: decrypt: %w", err)
	}
	return string(plaintext), nil
}

func (k *Keyring) aead(ref string) (cipher.AEAD, error) {
	key, ok := k.keys[ref]
	if !ok {
		return nil, fmt.Errorf("secrets: unknown master key ref %q", ref)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secrets: cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secrets: gcm: %w", err)
	}
	return gcm, nil
}

// Hash returns the hex SHA-256 digest of s. Used for API-key lookups so the
// plaintext key is never stored.
func Hash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// HMAC returns the hex HMAC-SHA256 of msg under key.
func HMAC(key []byte, msg string) string {
	m := hmac.New(sha256.New, key)
	m.Write([]byte(msg))
	return hex.EncodeToString(m.Sum(nil))
}

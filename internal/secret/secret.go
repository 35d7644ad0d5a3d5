// Package secret binds the engine's cryptographic capabilities (password-style
// hashing, keyed signatures, authenticated encryption, constant-time equality)
// to golang.org/x/crypto and the standard library primitives.
package secret

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// MasterKeySize is the required length of the master key in bytes.
const MasterKeySize = 32

var (
	ErrShortKey       = errors.New("secret: master key must be 32 bytes")
	ErrMalformedHash  = errors.New("secret: malformed hash")
	ErrUnknownHasher  = errors.New("secret: unknown hash algorithm")
	ErrCiphertextSize = errors.New("secret: ciphertext too short")
)

// Hasher derives a salted, slow hash from a secret and verifies candidates
// against it in constant time.
type Hasher interface {
	Hash(secret string) (string, error)
	Verify(secret, encoded string) (bool, error)
	Algorithm() string
}

// Signer produces keyed, deterministic signatures. Deterministic output lets a
// signature double as a lookup index.
type Signer interface {
	Sign(data []byte) []byte
	Verify(data, signature []byte) bool
}

// Sealer encrypts and authenticates small payloads at rest.
type Sealer interface {
	Seal(plaintext, additionalData []byte) ([]byte, error)
	Open(ciphertext, additionalData []byte) ([]byte, error)
}

// Equal compares two byte slices in constant time.
func Equal(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// EqualString compares two strings in constant time.
func EqualString(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Keyring derives purpose-bound subkeys from one master key with HKDF-SHA256.
type Keyring struct {
	master []byte
}

// NewKeyring validates the master key and returns a keyring.
func NewKeyring(master []byte) (*Keyring, error) {
	if len(master) != MasterKeySize {
		return nil, ErrShortKey
	}
	cp := make([]byte, len(master))
	copy(cp, master)
	return &Keyring{master: cp}, nil
}

// ParseMasterKey decodes a hex-encoded master key.
func ParseMasterKey(hexKey string) ([]byte, error) {
	key, err := hex.DecodeString(strings.TrimSpace(hexKey))
	if err != nil {
		return nil, fmt.Errorf("secret: decode master key: %w", err)
	}
	if len(key) != MasterKeySize {
		return nil, ErrShortKey
	}
	return key, nil
}

// RandomMasterKey returns a fresh random master key. Intended for development
// and tests; production keys come from configuration.
func RandomMasterKey() ([]byte, error) {
	key := make([]byte, MasterKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

// Derive returns a size-byte subkey bound to purpose.
func (k *Keyring) Derive(purpose string, size int) ([]byte, error) {
	out := make([]byte, size)
	r := hkdf.New(sha256.New, k.master, nil, []byte("accessgate/"+purpose))
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("secret: derive %s: %w", purpose, err)
	}
	return out, nil
}

// Signer returns an HMAC-SHA256 signer keyed for purpose.
func (k *Keyring) Signer(purpose string) (Signer, error) {
	key, err := k.Derive(purpose, 32)
	if err != nil {
		return nil, err
	}
	return &hmacSigner{key: key}, nil
}

type hmacSigner struct {
	key []byte
}

func (s *hmacSigner) Sign(data []byte) []byte {
	mac := hmac.New(sha256.New, s.key)
	mac.Write(data)
	return mac.Sum(nil)
}

func (s *hmacSigner) Verify(data, signature []byte) bool {
	return hmac.Equal(s.Sign(data), signature)
}

// SignHex is a convenience returning the hex form of a signature.
func SignHex(s Signer, data string) string {
	return hex.EncodeToString(s.Sign([]byte(data)))
}

// Package cryptoutil seals import credentials at rest.
package cryptoutil

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/JakeFAU/exam-importer/internal/importer"
)

const (
	prefixV1   = "v1:"
	prefixNoop = "noop:"
	keySize    = 32
)

// ErrCiphertext is returned for input that was not produced by this package.
var ErrCiphertext = errors.New("invalid ciphertext")

// Encryptor seals and opens opaque secrets.
type Encryptor interface {
	Encrypt(plaintext []byte) (string, error)
	Decrypt(ciphertext string) ([]byte, error)
}

// AESGCM encrypts with AES-256-GCM. Output is "v1:" followed by the base64
// of nonce||ciphertext.
type AESGCM struct {
	aead cipher.AEAD
}

// NewAESGCM builds an encryptor from a 32-byte key.
func NewAESGCM(key []byte) (*AESGCM, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("aes-gcm key must be %d bytes, got %d", keySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm mode: %w", err)
	}
	return &AESGCM{aead: aead}, nil
}

// ParseKey decodes a base64 key as it appears in configuration.
func ParseKey(encoded string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("decode encryption key: %w", err)
	}
	if len(key) != keySize {
		return nil, fmt.Errorf("encryption key must decode to %d bytes, got %d", keySize, len(key))
	}
	return key, nil
}

// Encrypt seals plaintext under a fresh random nonce.
func (e *AESGCM) Encrypt(plaintext []byte) (string, error) {
	nonce := make([]byte, e.aead.NonceSize(), e.aead.NonceSize()+len(plaintext)+e.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("read nonce: %w", err)
	}
	sealed := e.aead.Seal(nonce, nonce, plaintext, nil)
	return prefixV1 + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt. Values written by NoopEncryptor
// are accepted so a deployment can turn encryption on without a migration.
func (e *AESGCM) Decrypt(ciphertext string) ([]byte, error) {
	if rest, ok := strings.CutPrefix(ciphertext, prefixNoop); ok {
		return decodeNoop(rest)
	}
	rest, ok := strings.CutPrefix(ciphertext, prefixV1)
	if !ok {
		return nil, fmt.Errorf("%w: unknown version", ErrCiphertext)
	}
	data, err := base64.StdEncoding.DecodeString(rest)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCiphertext, err)
	}
	n := e.aead.NonceSize()
	if len(data) < n {
		return nil, fmt.Errorf("%w: too short", ErrCiphertext)
	}
	plaintext, err := e.aead.Open(nil, data[:n], data[n:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCiphertext, err)
	}
	return plaintext, nil
}

// NoopEncryptor only encodes. It is for local development and tests.
type NoopEncryptor struct{}

// Encrypt base64-encodes plaintext behind a marker prefix.
func (NoopEncryptor) Encrypt(plaintext []byte) (string, error) {
	return prefixNoop + base64.StdEncoding.EncodeToString(plaintext), nil
}

// Decrypt reverses Encrypt.
func (NoopEncryptor) Decrypt(ciphertext string) ([]byte, error) {
	rest, ok := strings.CutPrefix(ciphertext, prefixNoop)
	if !ok {
		return nil, fmt.Errorf("%w: not a noop value", ErrCiphertext)
	}
	return decodeNoop(rest)
}

func decodeNoop(s string) ([]byte, error) {
	out, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCiphertext, err)
	}
	return out, nil
}

// SealCredentials serializes and encrypts creds.
func SealCredentials(enc Encryptor, creds importer.Credentials) (string, error) {
	raw, err := json.Marshal(creds)
	if err != nil {
		return "", fmt.Errorf("marshal credentials: %w", err)
	}
	sealed, err := enc.Encrypt(raw)
	if err != nil {
		return "", fmt.Errorf("encrypt credentials: %w", err)
	}
	return sealed, nil
}

// OpenCredentials reverses SealCredentials.
func OpenCredentials(enc Encryptor, sealed string) (importer.Credentials, error) {
	raw, err := enc.Decrypt(sealed)
	if err != nil {
		return importer.Credentials{}, fmt.Errorf("decrypt credentials: %w", err)
	}
	var creds importer.Credentials
	if err := json.Unmarshal(raw, &creds); err != nil {
		return importer.Credentials{}, fmt.Errorf("unmarshal credentials: %w", err)
	}
	return creds, nil
}

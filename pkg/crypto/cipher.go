package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
)

// ErrMissingKey is returned when sealing or opening without key material.
var ErrMissingKey = errors.New("crypto: encryption key not configured")

const keyInfo = "zipper applet secrets v1"

// deriveKey stretches secret into a 32 byte AES key with HKDF-SHA256.
func deriveKey(secret string) ([]byte, error) {
	if secret == "" {
		return nil, ErrMissingKey
	}
	key := make([]byte, 32)
	reader := hkdf.New(sha256.New, []byte(secret), nil, []byte(keyInfo))
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, err
	}
	return key, nil
}

func newGCM(secret string) (cipher.AEAD, error) {
	key, err := deriveKey(secret)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// EncryptString encrypts plaintext using AES-GCM. The nonce is prepended to
// the ciphertext.
func EncryptString(secret string, plaintext string) ([]byte, error) {
	gcm, err := newGCM(secret)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

// DecryptToString decrypts AES-GCM data back to plaintext.
func DecryptToString(secret string, payload []byte) (string, error) {
	gcm, err := newGCM(secret)
	if err != nil {
		return "", err
	}
	nonceSize := gcm.NonceSize()
	if len(payload) < nonceSize {
		return "", io.ErrUnexpectedEOF
	}
	nonce := payload[:nonceSize]
	ciphertext := payload[nonceSize:]
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// Package aead wraps AES-256-GCM with the fixed nonce and tag sizes
// the container format (internal/container) is built around: a 96-bit
// nonce and a 128-bit authentication tag, no associated data.
package aead

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

const (
	// NonceSize is the GCM nonce length in bytes (96 bits).
	NonceSize = 12
	// TagSize is the GCM authentication tag length in bytes (128 bits).
	TagSize = 16
)

// ErrAuthFailed is returned when a chunk fails authentication: either
// the wrong key was used (device mismatch) or the ciphertext, nonce,
// or tag was tampered with. Callers must treat this as fatal for the
// decryption session, never as silent corruption.
var ErrAuthFailed = errors.New("aead: authentication failed")

// Cipher seals and opens individual chunks under a single 256-bit key.
type Cipher struct {
	gcm cipher.AEAD
}

// New constructs a Cipher from 32 bytes of key material.
func New(key []byte) (*Cipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aead: create cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithTagSize(block, TagSize)
	if err != nil {
		return nil, fmt.Errorf("aead: create gcm: %w", err)
	}
	return &Cipher{gcm: gcm}, nil
}

// Seal encrypts plaintext under a freshly drawn random nonce and
// returns nonce || tag || ciphertext. A fresh nonce is drawn on every
// call; reusing a nonce under the same key is a programming error this
// function does not allow a caller to commit.
//
// Go's cipher.AEAD.Seal appends the tag after the ciphertext; this
// method reorders the two so the record written to disk carries the
// tag immediately after the nonce.
func (c *Cipher) Seal(plaintext []byte) (record []byte, err error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("aead: generate nonce: %w", err)
	}

	sealed := c.gcm.Seal(nil, nonce, plaintext, nil)
	ciphertext, tag := sealed[:len(sealed)-TagSize], sealed[len(sealed)-TagSize:]

	record = make([]byte, 0, NonceSize+TagSize+len(ciphertext))
	record = append(record, nonce...)
	record = append(record, tag...)
	record = append(record, ciphertext...)
	return record, nil
}

// Open decrypts a chunk given its nonce and tag||ciphertext (the tag
// first, as Seal writes it). It returns ErrAuthFailed on any
// authentication failure rather than the underlying crypto error, so
// callers never have to special-case library-specific error types.
func (c *Cipher) Open(nonce, tagAndCiphertext []byte) ([]byte, error) {
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("aead: nonce must be %d bytes, got %d", NonceSize, len(nonce))
	}
	if len(tagAndCiphertext) < TagSize {
		return nil, ErrAuthFailed
	}
	tag, ciphertext := tagAndCiphertext[:TagSize], tagAndCiphertext[TagSize:]

	// Go's cipher.AEAD.Open expects the tag appended after the
	// ciphertext; undo Seal's reordering before handing it to gcm.
	ciphertextAndTag := make([]byte, 0, len(ciphertext)+TagSize)
	ciphertextAndTag = append(ciphertextAndTag, ciphertext...)
	ciphertextAndTag = append(ciphertextAndTag, tag...)

	plaintext, err := c.gcm.Open(nil, nonce, ciphertextAndTag, nil)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

package content

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the collection key length.
const KeySize = chacha20poly1305.KeySize

// sealVersion is prepended to every sealed file and authenticated as AAD.
const sealVersion byte = 0x01

const sealOverhead = 1 + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead

var ErrUnsealed = errors.New("content: sealed file is malformed")

// Seal encrypts plaintext with XChaCha20-Poly1305:
//
//	[version 1B] [nonce 24B] [ciphertext+tag]
//
// The collection id is bound as additional data, so a file sealed for one
// collection can't be moved into another.
func Seal(key []byte, collectionID string, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}
	out := make([]byte, 1+chacha20poly1305.NonceSizeX, sealOverhead+len(plaintext))
	out[0] = sealVersion
	if _, err := io.ReadFull(rand.Reader, out[1:]); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	nonce := out[1 : 1+chacha20poly1305.NonceSizeX]
	return aead.Seal(out, nonce, plaintext, aad(collectionID)), nil
}

// Unseal reverses Seal.
func Unseal(key []byte, collectionID string, sealed []byte) ([]byte, error) {
	if len(sealed) < sealOverhead || sealed[0] != sealVersion {
		return nil, ErrUnsealed
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}
	nonce := sealed[1 : 1+chacha20poly1305.NonceSizeX]
	pt, err := aead.Open(nil, nonce, sealed[1+chacha20poly1305.NonceSizeX:], aad(collectionID))
	if err != nil {
		return nil, fmt.Errorf("decrypt (wrong key or tampered data): %w", err)
	}
	return pt, nil
}

func aad(collectionID string) []byte {
	b := make([]byte, 0, 1+len(collectionID))
	b = append(b, sealVersion)
	return append(b, collectionID...)
}

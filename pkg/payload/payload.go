// Package payload seals PE files into an authenticated container so they can
// sit on disk encrypted until load time. The layout is nonce followed by
// ciphertext; the key is derived from a password with BLAKE2b.
package payload

import (
	"crypto/rand"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
)

// Seal encrypts plain under password and returns nonce||ciphertext.
func Seal(plain []byte, password string) ([]byte, error) {
	kd := blake2b.Sum256([]byte(password))

	aead, err := chacha20poly1305.New(kd[:])
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	return aead.Seal(nonce, nonce, plain, nil), nil
}

// Decrypt opens a sealed blob produced by Seal.
func Decrypt(blob []byte, password string) ([]byte, error) {
	if len(blob) < chacha20poly1305.NonceSize {
		return nil, errors.New("sealed payload is too small")
	}

	// Split nonce and ciphertext.
	nonce, ciphertext := blob[:chacha20poly1305.NonceSize], blob[chacha20poly1305.NonceSize:]

	kd := blake2b.Sum256([]byte(password))

	aead, err := chacha20poly1305.New(kd[:])
	if err != nil {
		return nil, err
	}

	// Decrypt the message and check it wasn't tampered with.
	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("open sealed payload: %w", err)
	}

	return plain, nil
}

// Open reads and decrypts a sealed payload file.
func Open(path, password string) ([]byte, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Decrypt(blob, password)
}

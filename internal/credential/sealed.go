package credential

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/nacl/secretbox"
)

// SealedPrefix marks a configuration value encrypted with Seal.
const SealedPrefix = "enc:"

const (
	saltSize  = 16
	nonceSize = 24

	argon2Time    = 1
	argon2Memory  = 64 * 1024
	argon2Threads = 4
	argon2KeyLen  = 32
)

var (
	ErrNoPassphrase  = errors.New("sealed credential requires CREDENTIAL_KEY")
	ErrInvalidSealed = errors.New("invalid sealed credential")
	ErrDecryptFailed = errors.New("sealed credential could not be decrypted")
)

// IsSealed reports whether value was produced by Seal.
func IsSealed(value string) bool {
	return strings.HasPrefix(value, SealedPrefix)
}

// Seal encrypts plaintext under a key derived from passphrase.
// Layout before base64: salt (16B) || nonce (24B) || secretbox ciphertext.
func Seal(plaintext, passphrase string) (string, error) {
	if passphrase == "" {
		return "", ErrNoPassphrase
	}

	buf := make([]byte, saltSize+nonceSize)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	var nonce [nonceSize]byte
	copy(nonce[:], buf[saltSize:])
	key := deriveKey(passphrase, buf[:saltSize])

	out := secretbox.Seal(buf, []byte(plaintext), &nonce, &key)
	return SealedPrefix + base64.StdEncoding.EncodeToString(out), nil
}

// Open reverses Seal.
func Open(sealed, passphrase string) (string, error) {
	if passphrase == "" {
		return "", ErrNoPassphrase
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(sealed, SealedPrefix))
	if err != nil || len(raw) < saltSize+nonceSize+secretbox.Overhead {
		return "", ErrInvalidSealed
	}

	var nonce [nonceSize]byte
	copy(nonce[:], raw[saltSize:saltSize+nonceSize])
	key := deriveKey(passphrase, raw[:saltSize])

	plaintext, ok := secretbox.Open(nil, raw[saltSize+nonceSize:], &nonce, &key)
	if !ok {
		return "", ErrDecryptFailed
	}
	return string(plaintext), nil
}

func deriveKey(passphrase string, salt []byte) [32]byte {
	var key [32]byte
	copy(key[:], argon2.IDKey([]byte(passphrase), salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen))
	return key
}

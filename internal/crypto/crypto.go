// Package crypto keeps credentials encrypted at rest with AES-256-GCM. Keys
// are derived from a secret with PBKDF2; every sealed value carries its own
// salt.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	stderrors "errors"
	"io"
	"os"
	"runtime"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	saltSize   = 16
	keySize    = 32
	iterations = 100000
)

var (
	// ErrInvalidCiphertext is returned when decryption fails.
	ErrInvalidCiphertext = stderrors.New("invalid ciphertext")
	// ErrInvalidKey is returned when the secret is empty.
	ErrInvalidKey = stderrors.New("invalid key")
)

func newGCM(secret string, salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(secret), salt, iterations, keySize, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Seal encrypts plaintext under secret. The result is base64 of
// salt | nonce | ciphertext.
func Seal(plaintext []byte, secret string) (string, error) {
	if secret == "" {
		return "", ErrInvalidKey
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", err
	}
	gcm, err := newGCM(secret, salt)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	out := append(salt, nonce...)
	out = gcm.Seal(out, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Open reverses Seal.
func Open(sealed, secret string) ([]byte, error) {
	if secret == "" {
		return nil, ErrInvalidKey
	}
	data, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil || len(data) < saltSize {
		return nil, ErrInvalidCiphertext
	}

	gcm, err := newGCM(secret, data[:saltSize])
	if err != nil {
		return nil, err
	}
	rest := data[saltSize:]
	if len(rest) < gcm.NonceSize() {
		return nil, ErrInvalidCiphertext
	}
	nonce, ciphertext := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	return plaintext, nil
}

// MachineSecret identifies this device. Credentials sealed with it do not
// decrypt on another machine.
func MachineSecret() string {
	if runtime.GOOS == "linux" {
		for _, path := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
			if data, err := os.ReadFile(path); err == nil {
				if id := strings.TrimSpace(string(data)); id != "" {
					return "fieldsync:" + id
				}
			}
		}
	}
	hostname, _ := os.Hostname()
	return "fieldsync:" + runtime.GOOS + ":" + hostname
}

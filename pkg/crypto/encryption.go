// Package crypto provides passphrase-based encryption for stored exchange secrets.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"errors"
	"fmt"
)

const (
	// KeySize is the required size for AES-256 keys (32 bytes)
	KeySize = 32
	// NonceSize is the size of GCM nonce (12 bytes)
	NonceSize = 12
	// SaltSize is the size of the per-record KDF salt (16 bytes)
	SaltSize = 16
)

var (
	ErrInvalidKey        = errors.New("invalid encryption key: must be 32 bytes")
	ErrInvalidCiphertext = errors.New("invalid ciphertext format")
	ErrDecryptionFailed  = errors.New("decryption failed")
)

// Sealed is a secret encrypted under a passphrase-derived key. All fields are base64.
type Sealed struct {
	Ciphertext string
	IV         string
	Salt       string
	Iterations int
}

// Encryptor handles AES-256-GCM encryption and decryption with an explicit IV.
type Encryptor struct {
	key []byte
}

// NewEncryptor creates a new Encryptor with the given key.
// Key must be 32 bytes for AES-256.
func NewEncryptor(key []byte) (*Encryptor, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	return &Encryptor{key: key}, nil
}

// Encrypt encrypts plaintext using AES-256-GCM under the given 12-byte IV.
// The returned ciphertext includes the GCM auth tag.
func (e *Encryptor) Encrypt(plaintext, iv []byte) ([]byte, error) {
	if len(iv) != NonceSize {
		return nil, fmt.Errorf("iv must be %d bytes", NonceSize)
	}
	gcm, err := e.gcm()
	if err != nil {
		return nil, err
	}
	return gcm.Seal(nil, iv, plaintext, nil), nil
}

// Decrypt reverses Encrypt. A wrong key or tampered data yields ErrDecryptionFailed.
func (e *Encryptor) Decrypt(ciphertext, iv []byte) ([]byte, error) {
	if len(iv) != NonceSize || len(ciphertext) == 0 {
		return nil, ErrInvalidCiphertext
	}
	gcm, err := e.gcm()
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

func (e *Encryptor) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(e.key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return gcm, nil
}

// SealWithPassphrase derives a key from passphrase with a fresh salt and encrypts plaintext
// under a fresh IV.
func SealWithPassphrase(plaintext, passphrase string, iterations int) (Sealed, error) {
	salt, err := RandomBytes(SaltSize)
	if err != nil {
		return Sealed{}, fmt.Errorf("generate salt: %w", err)
	}
	iv, err := RandomBytes(NonceSize)
	if err != nil {
		return Sealed{}, fmt.Errorf("generate iv: %w", err)
	}
	iterations = normalizeIterations(iterations)

	enc, err := NewEncryptor(DeriveKey(passphrase, salt, iterations))
	if err != nil {
		return Sealed{}, err
	}
	ct, err := enc.Encrypt([]byte(plaintext), iv)
	if err != nil {
		return Sealed{}, err
	}
	return Sealed{
		Ciphertext: base64.StdEncoding.EncodeToString(ct),
		IV:         base64.StdEncoding.EncodeToString(iv),
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Iterations: iterations,
	}, nil
}

// OpenWithPassphrase decrypts a Sealed value. A wrong passphrase yields ErrDecryptionFailed.
func OpenWithPassphrase(s Sealed, passphrase string) (string, error) {
	ct, err := base64.StdEncoding.DecodeString(s.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: ciphertext: %v", ErrInvalidCiphertext, err)
	}
	iv, err := base64.StdEncoding.DecodeString(s.IV)
	if err != nil {
		return "", fmt.Errorf("%w: iv: %v", ErrInvalidCiphertext, err)
	}
	salt, err := base64.StdEncoding.DecodeString(s.Salt)
	if err != nil || len(salt) == 0 {
		return "", fmt.Errorf("%w: salt", ErrInvalidCiphertext)
	}

	enc, err := NewEncryptor(DeriveKey(passphrase, salt, normalizeIterations(s.Iterations)))
	if err != nil {
		return "", err
	}
	pt, err := enc.Decrypt(ct, iv)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

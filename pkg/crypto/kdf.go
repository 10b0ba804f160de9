package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

// DefaultIterations is the PBKDF2 work factor used for stored profiles.
const DefaultIterations = 1_000_000

// cryptoRandRead is a variable so tests can stub randomness failures.
var cryptoRandRead = func(b []byte) (int, error) {
	return io.ReadFull(rand.Reader, b)
}

// DeriveKey stretches passphrase into a 32-byte AES key with PBKDF2-SHA256.
func DeriveKey(passphrase string, salt []byte, iterations int) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, normalizeIterations(iterations), KeySize, sha256.New)
}

// RandomBytes returns n bytes from the system CSPRNG.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := cryptoRandRead(b); err != nil {
		return nil, err
	}
	return b, nil
}

func normalizeIterations(n int) int {
	if n <= 0 {
		return DefaultIterations
	}
	return n
}

package crypto

import (
	"errors"
	"testing"
)

const testIterations = 1000

func TestSealOpenRoundTrip(t *testing.T) {
	tests := []struct {
		name      string
		plaintext string
	}{
		{"empty", ""},
		{"short", "hello"},
		{"api_secret", "SKTEST456"},
		{"long", "this is a very long string that represents an API secret key from the exchange"},
		{"unicode", "中文測試 🔐"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sealed, err := SealWithPassphrase(tt.plaintext, "Str0ng!Pass", testIterations)
			if err != nil {
				t.Fatalf("SealWithPassphrase failed: %v", err)
			}
			if sealed.Iterations != testIterations {
				t.Errorf("iterations = %d, want %d", sealed.Iterations, testIterations)
			}

			got, err := OpenWithPassphrase(sealed, "Str0ng!Pass")
			if err != nil {
				t.Fatalf("OpenWithPassphrase failed: %v", err)
			}
			if got != tt.plaintext {
				t.Errorf("decrypted = %q, want %q", got, tt.plaintext)
			}
		})
	}
}

func TestOpenWrongPassphrase(t *testing.T) {
	sealed, err := SealWithPassphrase("SKTEST456", "Str0ng!Pass", testIterations)
	if err != nil {
		t.Fatalf("SealWithPassphrase failed: %v", err)
	}
	if _, err := OpenWithPassphrase(sealed, "wrong"); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("expected ErrDecryptionFailed, got %v", err)
	}
}

func TestSealFreshSaltAndIV(t *testing.T) {
	s1, _ := SealWithPassphrase("same-secret", "Str0ng!Pass", testIterations)
	s2, _ := SealWithPassphrase("same-secret", "Str0ng!Pass", testIterations)

	if s1.Salt == s2.Salt {
		t.Error("expected different salts per call")
	}
	if s1.IV == s2.IV {
		t.Error("expected different IVs per call")
	}
	if s1.Ciphertext == s2.Ciphertext {
		t.Error("expected different ciphertexts for same plaintext")
	}
}

func TestInvalidKey(t *testing.T) {
	_, err := NewEncryptor([]byte("short"))
	if err != ErrInvalidKey {
		t.Errorf("expected ErrInvalidKey, got %v", err)
	}
}

func TestOpenInvalidSealed(t *testing.T) {
	good, _ := SealWithPassphrase("x", "Str0ng!Pass", testIterations)

	invalids := []Sealed{
		{},
		{Ciphertext: "!!!invalid", IV: good.IV, Salt: good.Salt},
		{Ciphertext: good.Ciphertext, IV: "AAAA", Salt: good.Salt},
		{Ciphertext: good.Ciphertext, IV: good.IV, Salt: ""},
	}
	for i, s := range invalids {
		if _, err := OpenWithPassphrase(s, "Str0ng!Pass"); err == nil {
			t.Errorf("case %d: expected error for invalid sealed value", i)
		}
	}
}

func TestRandomBytesFailure(t *testing.T) {
	orig := cryptoRandRead
	defer func() { cryptoRandRead = orig }()
	cryptoRandRead = func(b []byte) (int, error) { return 0, errors.New("entropy exhausted") }

	if _, err := SealWithPassphrase("x", "Str0ng!Pass", testIterations); err == nil {
		t.Fatal("expected error when randomness fails")
	}
}

func TestDeriveKeyDeterministic(t *testing.T) {
	salt := []byte("0123456789abcdef")
	k1 := DeriveKey("Str0ng!Pass", salt, testIterations)
	k2 := DeriveKey("Str0ng!Pass", salt, testIterations)
	if len(k1) != KeySize {
		t.Fatalf("key length = %d, want %d", len(k1), KeySize)
	}
	if string(k1) != string(k2) {
		t.Error("expected identical keys for identical inputs")
	}
	if string(k1) == string(DeriveKey("Str0ng!Pass", salt, testIterations+1)) {
		t.Error("expected iteration count to change the key")
	}
}

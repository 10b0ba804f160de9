package db

import "time"

// VaultConfig is the singleton vault header row.
type VaultConfig struct {
	Initialized bool
	Verifier    string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Profile is a stored exchange credential set. Only the secret is encrypted.
type Profile struct {
	ID              string
	Name            string
	Environment     string
	PublicKey       string
	EncryptedSecret string
	IV              string
	Salt            string
	Iterations      int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// AuditRecord is a persisted audit entry; Payload is JSON.
type AuditRecord struct {
	ID        string
	Type      string
	Payload   string
	CreatedAt time.Time
}

// Package vault stores exchange credentials encrypted under a user passphrase and holds the
// unlocked session credentials in memory.
package vault

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"execution-core/internal/errs"
	"execution-core/pkg/crypto"
	"execution-core/pkg/db"
	"execution-core/pkg/exchanges/common"
)

const (
	DefaultMaxProfiles = 10
	activeProfileKey   = "active_profile_id"
)

var (
	ErrVaultInitialized    = errors.New("vault already initialized")
	ErrVaultNotInitialized = errors.New("vault not initialized")
	ErrProfileLimit        = errors.New("profile limit reached")
	ErrInvalidProfile      = errors.New("profile requires name, api key and api secret")
)

// Profile is the non-secret view of a stored credential set.
type Profile struct {
	ID          string             `json:"id"`
	Name        string             `json:"name"`
	Environment common.Environment `json:"environment"`
	PublicKey   string             `json:"apiKey"`
	CreatedAt   time.Time          `json:"createdAt"`
	UpdatedAt   time.Time          `json:"updatedAt"`
}

// ProfileInput is what SaveProfile accepts.
type ProfileInput struct {
	Name        string
	Environment string
	APIKey      string
	APISecret   string
}

// Vault is the credential vault. Safe for concurrent use.
type Vault struct {
	db          *db.Database
	iterations  int
	maxProfiles int
	bcryptCost  int

	mu      sync.RWMutex
	session *session
}

type session struct {
	profile Profile
	apiKey  string
	secret  []byte
}

type Option func(*Vault)

// WithIterations sets the PBKDF2 work factor for newly sealed secrets.
func WithIterations(n int) Option {
	return func(v *Vault) {
		if n > 0 {
			v.iterations = n
		}
	}
}

func WithMaxProfiles(n int) Option {
	return func(v *Vault) {
		if n > 0 {
			v.maxProfiles = n
		}
	}
}

// WithBcryptCost sets the verifier cost.
func WithBcryptCost(cost int) Option {
	return func(v *Vault) { v.bcryptCost = cost }
}

func New(database *db.Database, opts ...Option) *Vault {
	v := &Vault{
		db:          database,
		iterations:  crypto.DefaultIterations,
		maxProfiles: DefaultMaxProfiles,
		bcryptCost:  bcrypt.DefaultCost,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// ValidatePassphraseStrength accepts length ≥ 8 with at least three of upper, lower, digit and
// symbol, or any passphrase of length ≥ 12.
func ValidatePassphraseStrength(p string) bool {
	n := len([]rune(p))
	if n < 8 {
		return false
	}
	if n >= 12 {
		return true
	}
	var upper, lower, digit, symbol bool
	for _, r := range p {
		switch {
		case r >= 'A' && r <= 'Z':
			upper = true
		case r >= 'a' && r <= 'z':
			lower = true
		case r >= '0' && r <= '9':
			digit = true
		default:
			symbol = true
		}
	}
	met := 0
	for _, ok := range []bool{upper, lower, digit, symbol} {
		if ok {
			met++
		}
	}
	return met >= 3
}

// bcrypt only reads 72 bytes, so the verifier hashes a fixed-length digest.
func verifierInput(passphrase string) []byte {
	sum := sha256.Sum256([]byte(passphrase))
	return []byte(hex.EncodeToString(sum[:]))
}

// IsInitialized reports whether a passphrase has been set.
func (v *Vault) IsInitialized(ctx context.Context) (bool, error) {
	cfg, err := v.db.Store().GetVaultConfig(ctx)
	if errors.Is(err, db.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return cfg.Initialized, nil
}

// Initialize sets the vault passphrase. The passphrase itself is never stored.
func (v *Vault) Initialize(ctx context.Context, passphrase string) error {
	if !ValidatePassphraseStrength(passphrase) {
		return errs.ErrWeakPassphrase
	}
	hash, err := bcrypt.GenerateFromPassword(verifierInput(passphrase), v.bcryptCost)
	if err != nil {
		return fmt.Errorf("hash passphrase: %w", err)
	}
	err = v.db.InTx(ctx, func(s *db.Store) error {
		cfg, err := s.GetVaultConfig(ctx)
		if err == nil && cfg.Initialized {
			return ErrVaultInitialized
		}
		if err != nil && !errors.Is(err, db.ErrNotFound) {
			return err
		}
		return s.PutVaultConfig(ctx, db.VaultConfig{Initialized: true, Verifier: string(hash)})
	})
	if err != nil {
		return err
	}
	log.Info().Msg("vault initialized")
	return nil
}

// VerifyPassphrase compares candidate against the stored verifier in constant time.
func (v *Vault) VerifyPassphrase(ctx context.Context, candidate string) (bool, error) {
	cfg, err := v.db.Store().GetVaultConfig(ctx)
	if errors.Is(err, db.ErrNotFound) || (err == nil && !cfg.Initialized) {
		return false, ErrVaultNotInitialized
	}
	if err != nil {
		return false, err
	}
	err = bcrypt.CompareHashAndPassword([]byte(cfg.Verifier), verifierInput(candidate))
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("compare verifier: %w", err)
	}
	return true, nil
}

func (v *Vault) requirePassphrase(ctx context.Context, passphrase string) error {
	ok, err := v.VerifyPassphrase(ctx, passphrase)
	if err != nil {
		return err
	}
	if !ok {
		return errs.ErrInvalidPassphrase
	}
	return nil
}

// SaveProfile encrypts the secret under passphrase and upserts the profile by name. The first
// saved profile becomes active.
func (v *Vault) SaveProfile(ctx context.Context, in ProfileInput, passphrase string) (Profile, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.APIKey = strings.TrimSpace(in.APIKey)
	in.APISecret = strings.TrimSpace(in.APISecret)
	if in.Name == "" || in.APIKey == "" || in.APISecret == "" {
		return Profile{}, ErrInvalidProfile
	}
	env := common.EnvTest
	if in.Environment != "" {
		parsed, ok := common.ParseEnvironment(in.Environment)
		if !ok {
			return Profile{}, fmt.Errorf("unknown environment %q", in.Environment)
		}
		env = parsed
	}
	if err := v.requirePassphrase(ctx, passphrase); err != nil {
		return Profile{}, err
	}

	sealed, err := crypto.SealWithPassphrase(in.APISecret, passphrase, v.iterations)
	if err != nil {
		return Profile{}, fmt.Errorf("seal secret: %w", err)
	}

	var saved db.Profile
	err = v.db.InTx(ctx, func(s *db.Store) error {
		now := time.Now().UTC()
		existing, err := s.GetProfileByName(ctx, in.Name)
		switch {
		case errors.Is(err, db.ErrNotFound):
			n, err := s.CountProfiles(ctx)
			if err != nil {
				return err
			}
			if n >= v.maxProfiles {
				return ErrProfileLimit
			}
			saved = db.Profile{ID: uuid.NewString(), CreatedAt: now}
		case err != nil:
			return err
		default:
			saved = *existing
		}
		saved.Name = in.Name
		saved.Environment = string(env)
		saved.PublicKey = in.APIKey
		saved.EncryptedSecret = sealed.Ciphertext
		saved.IV = sealed.IV
		saved.Salt = sealed.Salt
		saved.Iterations = sealed.Iterations
		saved.UpdatedAt = now
		if err := s.UpsertProfile(ctx, saved); err != nil {
			return err
		}

		if _, err := s.GetSetting(ctx, activeProfileKey); errors.Is(err, db.ErrNotFound) {
			return s.PutSetting(ctx, activeProfileKey, saved.ID)
		} else if err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return Profile{}, err
	}

	log.Info().Str("profile", saved.Name).Str("environment", saved.Environment).Msg("profile saved")
	return toProfile(saved), nil
}

// GetDecryptedCredentials decrypts a profile's secret.
func (v *Vault) GetDecryptedCredentials(ctx context.Context, profileID, passphrase string) (common.Credentials, error) {
	if err := v.requirePassphrase(ctx, passphrase); err != nil {
		return common.Credentials{}, err
	}
	p, err := v.db.Store().GetProfile(ctx, profileID)
	if errors.Is(err, db.ErrNotFound) {
		return common.Credentials{}, errs.ErrProfileNotFound
	}
	if err != nil {
		return common.Credentials{}, err
	}
	secret, err := crypto.OpenWithPassphrase(crypto.Sealed{
		Ciphertext: p.EncryptedSecret,
		IV:         p.IV,
		Salt:       p.Salt,
		Iterations: p.Iterations,
	}, passphrase)
	if errors.Is(err, crypto.ErrDecryptionFailed) {
		return common.Credentials{}, errs.ErrInvalidPassphrase
	}
	if err != nil {
		return common.Credentials{}, fmt.Errorf("open secret: %w", err)
	}
	return common.Credentials{
		APIKey:      p.PublicKey,
		APISecret:   secret,
		Environment: common.Environment(p.Environment),
	}, nil
}

// ListProfiles returns every profile without secrets.
func (v *Vault) ListProfiles(ctx context.Context) ([]Profile, error) {
	rows, err := v.db.Store().ListProfiles(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Profile, 0, len(rows))
	for _, p := range rows {
		out = append(out, toProfile(p))
	}
	return out, nil
}

// DeleteProfile removes a profile. Deleting the active profile clears the active id and locks
// the session.
func (v *Vault) DeleteProfile(ctx context.Context, profileID string) error {
	var wasActive bool
	err := v.db.InTx(ctx, func(s *db.Store) error {
		if err := s.DeleteProfile(ctx, profileID); err != nil {
			if errors.Is(err, db.ErrNotFound) {
				return errs.ErrProfileNotFound
			}
			return err
		}
		active, err := s.GetSetting(ctx, activeProfileKey)
		if err != nil && !errors.Is(err, db.ErrNotFound) {
			return err
		}
		if active == profileID {
			wasActive = true
			return s.DeleteSetting(ctx, activeProfileKey)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if wasActive {
		v.Lock()
	}
	return nil
}

// SetActiveProfile records profileID as active. An unlocked session for another profile is
// locked.
func (v *Vault) SetActiveProfile(ctx context.Context, profileID string) error {
	err := v.db.InTx(ctx, func(s *db.Store) error {
		if _, err := s.GetProfile(ctx, profileID); err != nil {
			if errors.Is(err, db.ErrNotFound) {
				return errs.ErrProfileNotFound
			}
			return err
		}
		return s.PutSetting(ctx, activeProfileKey, profileID)
	})
	if err != nil {
		return err
	}

	v.mu.RLock()
	stale := v.session != nil && v.session.profile.ID != profileID
	v.mu.RUnlock()
	if stale {
		v.Lock()
	}
	return nil
}

// GetActiveProfileID returns the active profile id, or "" when none is set.
func (v *Vault) GetActiveProfileID(ctx context.Context) (string, error) {
	id, err := v.db.Store().GetSetting(ctx, activeProfileKey)
	if errors.Is(err, db.ErrNotFound) {
		return "", nil
	}
	return id, err
}

// Clear irreversibly wipes profiles, vault header and settings.
func (v *Vault) Clear(ctx context.Context) error {
	if err := v.db.InTx(ctx, func(s *db.Store) error { return s.WipeVault(ctx) }); err != nil {
		return err
	}
	v.Lock()
	log.Warn().Msg("vault cleared")
	return nil
}

// Unlock decrypts the active profile and holds its credentials for the session.
func (v *Vault) Unlock(ctx context.Context, passphrase string) (Profile, error) {
	id, err := v.GetActiveProfileID(ctx)
	if err != nil {
		return Profile{}, err
	}
	if id == "" {
		return Profile{}, errs.ErrNoActiveProfile
	}
	creds, err := v.GetDecryptedCredentials(ctx, id, passphrase)
	if err != nil {
		return Profile{}, err
	}
	row, err := v.db.Store().GetProfile(ctx, id)
	if err != nil {
		return Profile{}, err
	}
	p := toProfile(*row)

	v.mu.Lock()
	v.dropSessionLocked()
	v.session = &session{profile: p, apiKey: creds.APIKey, secret: []byte(creds.APISecret)}
	v.mu.Unlock()

	log.Info().Str("profile", p.Name).Str("environment", string(p.Environment)).Msg("session unlocked")
	return p, nil
}

// Session returns the unlocked credentials or ErrNoActiveProfile.
func (v *Vault) Session() (common.Credentials, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.session == nil {
		return common.Credentials{}, errs.ErrNoActiveProfile
	}
	return common.Credentials{
		APIKey:      v.session.apiKey,
		APISecret:   string(v.session.secret),
		Environment: v.session.profile.Environment,
	}, nil
}

// ActiveProfile returns the profile behind the unlocked session.
func (v *Vault) ActiveProfile() (Profile, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.session == nil {
		return Profile{}, false
	}
	return v.session.profile, true
}

// Lock destroys the in-memory session credentials.
func (v *Vault) Lock() {
	v.mu.Lock()
	v.dropSessionLocked()
	v.mu.Unlock()
}

func (v *Vault) dropSessionLocked() {
	if v.session == nil {
		return
	}
	for i := range v.session.secret {
		v.session.secret[i] = 0
	}
	v.session = nil
}

func toProfile(p db.Profile) Profile {
	return Profile{
		ID:          p.ID,
		Name:        p.Name,
		Environment: common.Environment(p.Environment),
		PublicKey:   p.PublicKey,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}

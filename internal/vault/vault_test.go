package vault

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"execution-core/internal/errs"
	"execution-core/pkg/db"
	"execution-core/pkg/exchanges/common"
)

const pass = "Str0ng!Pass"

func newVault(t *testing.T, opts ...Option) *Vault {
	t.Helper()
	database, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	opts = append([]Option{WithIterations(1000), WithBcryptCost(bcrypt.MinCost)}, opts...)
	return New(database, opts...)
}

func TestPassphraseStrength(t *testing.T) {
	cases := map[string]bool{
		"":             false,
		"short1A":      false,
		"alllowercase": true, // length ≥ 12
		"lowercase1":   false,
		"Lowercase1":   true,
		"Str0ng!Pass":  true,
		"abc!def1":     true,
		"passwordpass": true,
		"ABCDEFGH":     false,
	}
	for p, want := range cases {
		assert.Equal(t, want, ValidatePassphraseStrength(p), p)
	}
}

func TestProfileScenario(t *testing.T) {
	ctx := context.Background()
	v := newVault(t)

	require.NoError(t, v.Initialize(ctx, pass))
	assert.ErrorIs(t, v.Initialize(ctx, pass), ErrVaultInitialized)

	p, err := v.SaveProfile(ctx, ProfileInput{Name: "main", Environment: "testnet", APIKey: "AKTEST123", APISecret: "SKTEST456"}, pass)
	require.NoError(t, err)
	assert.Equal(t, common.EnvTest, p.Environment)

	creds, err := v.GetDecryptedCredentials(ctx, p.ID, pass)
	require.NoError(t, err)
	assert.Equal(t, "AKTEST123", creds.APIKey)
	assert.Equal(t, "SKTEST456", creds.APISecret)

	_, err = v.GetDecryptedCredentials(ctx, p.ID, "wrong")
	assert.ErrorIs(t, err, errs.ErrInvalidPassphrase)

	_, err = v.GetDecryptedCredentials(ctx, "missing", pass)
	assert.ErrorIs(t, err, errs.ErrProfileNotFound)

	active, err := v.GetActiveProfileID(ctx)
	require.NoError(t, err)
	assert.Equal(t, p.ID, active, "first profile becomes active")
}

func TestWeakPassphraseRejected(t *testing.T) {
	v := newVault(t)
	assert.ErrorIs(t, v.Initialize(context.Background(), "weak"), errs.ErrWeakPassphrase)

	ok, err := v.IsInitialized(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSecretNeverStoredInPlaintext(t *testing.T) {
	ctx := context.Background()
	v := newVault(t)
	require.NoError(t, v.Initialize(ctx, pass))
	p, err := v.SaveProfile(ctx, ProfileInput{Name: "main", APIKey: "AKTEST123", APISecret: "SKTEST456"}, pass)
	require.NoError(t, err)

	row, err := v.db.Store().GetProfile(ctx, p.ID)
	require.NoError(t, err)
	assert.NotContains(t, row.EncryptedSecret, "SKTEST456")
	assert.NotEmpty(t, row.Salt)
	assert.NotEmpty(t, row.IV)
	assert.Equal(t, 1000, row.Iterations)

	cfg, err := v.db.Store().GetVaultConfig(ctx)
	require.NoError(t, err)
	assert.NotContains(t, cfg.Verifier, pass)
}

func TestSaveProfileUpsertAndLimit(t *testing.T) {
	ctx := context.Background()
	v := newVault(t, WithMaxProfiles(2))
	require.NoError(t, v.Initialize(ctx, pass))

	first, err := v.SaveProfile(ctx, ProfileInput{Name: "a", APIKey: "k1", APISecret: "s1"}, pass)
	require.NoError(t, err)
	again, err := v.SaveProfile(ctx, ProfileInput{Name: "a", APIKey: "k2", APISecret: "s2"}, pass)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, "k2", again.PublicKey)

	_, err = v.SaveProfile(ctx, ProfileInput{Name: "b", Environment: "live", APIKey: "k", APISecret: "s"}, pass)
	require.NoError(t, err)
	_, err = v.SaveProfile(ctx, ProfileInput{Name: "c", APIKey: "k", APISecret: "s"}, pass)
	assert.ErrorIs(t, err, ErrProfileLimit)

	_, err = v.SaveProfile(ctx, ProfileInput{Name: "d", APIKey: "k", APISecret: "s"}, "wrong")
	assert.ErrorIs(t, err, errs.ErrInvalidPassphrase)

	_, err = v.SaveProfile(ctx, ProfileInput{Name: "", APIKey: "k", APISecret: "s"}, pass)
	assert.ErrorIs(t, err, ErrInvalidProfile)

	list, err := v.ListProfiles(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	v := newVault(t)

	_, err := v.Session()
	assert.ErrorIs(t, err, errs.ErrNoActiveProfile)

	require.NoError(t, v.Initialize(ctx, pass))
	_, err = v.Unlock(ctx, pass)
	assert.ErrorIs(t, err, errs.ErrNoActiveProfile)

	main, err := v.SaveProfile(ctx, ProfileInput{Name: "main", APIKey: "AKTEST123", APISecret: "SKTEST456"}, pass)
	require.NoError(t, err)
	other, err := v.SaveProfile(ctx, ProfileInput{Name: "other", Environment: "mainnet", APIKey: "AK2", APISecret: "SK2"}, pass)
	require.NoError(t, err)

	_, err = v.Unlock(ctx, pass)
	require.NoError(t, err)
	creds, err := v.Session()
	require.NoError(t, err)
	assert.Equal(t, "SKTEST456", creds.APISecret)

	require.NoError(t, v.SetActiveProfile(ctx, other.ID))
	_, err = v.Session()
	assert.ErrorIs(t, err, errs.ErrNoActiveProfile, "switching profile locks the old session")

	p, err := v.Unlock(ctx, pass)
	require.NoError(t, err)
	assert.Equal(t, common.EnvLive, p.Environment)

	require.NoError(t, v.DeleteProfile(ctx, other.ID))
	_, err = v.Session()
	assert.ErrorIs(t, err, errs.ErrNoActiveProfile)
	active, err := v.GetActiveProfileID(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	assert.ErrorIs(t, v.DeleteProfile(ctx, other.ID), errs.ErrProfileNotFound)
	assert.ErrorIs(t, v.SetActiveProfile(ctx, "missing"), errs.ErrProfileNotFound)
	require.NoError(t, v.SetActiveProfile(ctx, main.ID))
}

func TestClearWipesEverything(t *testing.T) {
	ctx := context.Background()
	v := newVault(t)
	require.NoError(t, v.Initialize(ctx, pass))
	_, err := v.SaveProfile(ctx, ProfileInput{Name: "main", APIKey: "AKTEST123", APISecret: "SKTEST456"}, pass)
	require.NoError(t, err)
	_, err = v.Unlock(ctx, pass)
	require.NoError(t, err)

	require.NoError(t, v.Clear(ctx))

	ok, err := v.IsInitialized(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	list, err := v.ListProfiles(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
	_, err = v.Session()
	assert.ErrorIs(t, err, errs.ErrNoActiveProfile)

	_, err = v.VerifyPassphrase(ctx, pass)
	assert.ErrorIs(t, err, ErrVaultNotInitialized)
}

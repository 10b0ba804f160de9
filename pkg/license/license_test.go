package license

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newKeys(t *testing.T) (string, string) {
	t.Helper()
	priv, pub, err := GenerateKeyPair(2048)
	require.NoError(t, err)
	return priv, pub
}

func issue(t *testing.T, privPEM string, opts IssueOptions) string {
	t.Helper()
	key, err := ParsePrivateKey(privPEM)
	require.NoError(t, err)
	tok, err := CreateToken(key, opts)
	require.NoError(t, err)
	return tok
}

func TestVerifyScopes(t *testing.T) {
	priv, pub := newKeys(t)
	v, err := NewVerifier(pub, "issuer-a", "proxy")
	require.NoError(t, err)

	good := issue(t, priv, IssueOptions{Issuer: "issuer-a", Audience: "proxy", Scopes: []string{ScopeMainnet}, TTL: time.Hour})
	claims, err := v.RequireScope(good, ScopeMainnet)
	require.NoError(t, err)
	assert.True(t, claims.HasScope(ScopeMainnet))

	noScope := issue(t, priv, IssueOptions{Issuer: "issuer-a", Audience: "proxy", Scopes: []string{ScopeMultiProfile}, TTL: time.Hour})
	_, err = v.RequireScope(noScope, ScopeMainnet)
	assert.ErrorIs(t, err, ErrInsufficientScope)

	wrongIssuer := issue(t, priv, IssueOptions{Issuer: "other", Audience: "proxy", Scopes: []string{ScopeMainnet}, TTL: time.Hour})
	_, err = v.Verify(wrongIssuer)
	assert.Error(t, err)

	wrongAudience := issue(t, priv, IssueOptions{Issuer: "issuer-a", Audience: "web", Scopes: []string{ScopeMainnet}, TTL: time.Hour})
	_, err = v.Verify(wrongAudience)
	assert.Error(t, err)
}

func TestVerifyRejectsForeignKey(t *testing.T) {
	priv, _ := newKeys(t)
	_, otherPub := newKeys(t)
	v, err := NewVerifier(otherPub, "", "")
	require.NoError(t, err)

	_, err = v.Verify(issue(t, priv, IssueOptions{Scopes: []string{ScopeMainnet}, TTL: time.Hour}))
	assert.Error(t, err)
}

func TestVerifierWithoutKey(t *testing.T) {
	v, err := NewVerifier("", "", "")
	require.NoError(t, err)
	_, err = v.Verify("abc")
	assert.ErrorIs(t, err, ErrKeyNotConfigured)
	_, err = v.Verify("")
	assert.ErrorIs(t, err, ErrMissingToken)
}

func TestInspectAndGate(t *testing.T) {
	priv, pub := newKeys(t)

	assert.False(t, Inspect("").Active)
	assert.False(t, Inspect("not-a-jwt").Active)

	expiring := issue(t, priv, IssueOptions{Scopes: []string{ScopeMainnet}, TTL: 10 * time.Second})
	st := Inspect(expiring)
	assert.False(t, st.Active)
	assert.True(t, st.Expired)

	live := issue(t, priv, IssueOptions{Scopes: []string{ScopeMainnet}, TTL: time.Hour})
	st = Inspect(live)
	assert.True(t, st.Active)
	assert.Equal(t, "pro", st.Plan)

	assert.True(t, NewGate(live, nil).MainnetAllowed())
	assert.False(t, NewGate("", nil).MainnetAllowed())

	v, err := NewVerifier(pub, "", "")
	require.NoError(t, err)
	assert.True(t, NewGate(live, v).MainnetAllowed())

	_, otherPub := newKeys(t)
	strict, err := NewVerifier(otherPub, "", "")
	require.NoError(t, err)
	assert.False(t, NewGate(live, strict).MainnetAllowed())
}

func TestInstallIDStable(t *testing.T) {
	assert.NotEmpty(t, InstallID())
}

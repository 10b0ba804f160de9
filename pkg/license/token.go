// Package license issues and checks RS256 entitlement tokens that gate live trading.
package license

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Scope names carried in the "scopes" claim.
const (
	ScopeMainnet      = "mainnet"
	ScopeMultiProfile = "multi_profile"
)

var (
	ErrMissingToken      = errors.New("missing_license_token")
	ErrKeyNotConfigured  = errors.New("license_public_key_not_configured")
	ErrInsufficientScope = errors.New("insufficient_scope")
	ErrExpired           = errors.New("license_expired")
)

// Claims is the license payload.
type Claims struct {
	Plan      string   `json:"plan,omitempty"`
	Scopes    []string `json:"scopes"`
	InstallID string   `json:"installId,omitempty"`
	jwt.RegisteredClaims
}

// HasScope reports whether scope was granted.
func (c *Claims) HasScope(scope string) bool {
	return c != nil && slices.Contains(c.Scopes, scope)
}

// IssueOptions configures CreateToken.
type IssueOptions struct {
	Issuer    string
	Audience  string
	Subject   string
	InstallID string
	Plan      string
	Scopes    []string
	TTL       time.Duration
}

// CreateToken signs a license with RS256.
func CreateToken(key *rsa.PrivateKey, opts IssueOptions) (string, error) {
	if key == nil {
		return "", errors.New("signing key required")
	}
	now := time.Now()
	claims := Claims{
		Plan:      opts.Plan,
		Scopes:    opts.Scopes,
		InstallID: opts.InstallID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   opts.Issuer,
			Subject:  opts.Subject,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if opts.Audience != "" {
		claims.Audience = jwt.ClaimStrings{opts.Audience}
	}
	if opts.TTL > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(opts.TTL))
	}
	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
}

// Verifier checks signature, issuer and audience.
type Verifier struct {
	publicKey *rsa.PublicKey
	issuer    string
	audience  string
}

// NewVerifier parses a PEM public key. An empty PEM yields a verifier that rejects every token
// with ErrKeyNotConfigured.
func NewVerifier(publicKeyPEM, issuer, audience string) (*Verifier, error) {
	v := &Verifier{issuer: issuer, audience: audience}
	if publicKeyPEM == "" {
		return v, nil
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(publicKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("parse license public key: %w", err)
	}
	v.publicKey = key
	return v, nil
}

// Verify validates token and returns its claims.
func (v *Verifier) Verify(token string) (*Claims, error) {
	if token == "" {
		return nil, ErrMissingToken
	}
	if v.publicKey == nil {
		return nil, ErrKeyNotConfigured
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}
	tok, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		return v.publicKey, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	claims, ok := tok.Claims.(*Claims)
	if !ok || !tok.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}

// RequireScope verifies token and checks scope.
func (v *Verifier) RequireScope(token, scope string) (*Claims, error) {
	claims, err := v.Verify(token)
	if err != nil {
		return nil, err
	}
	if !claims.HasScope(scope) {
		return claims, ErrInsufficientScope
	}
	return claims, nil
}

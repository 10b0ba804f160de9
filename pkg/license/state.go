package license

import (
	"slices"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// expirySkew treats tokens this close to expiry as expired.
const expirySkew = 30 * time.Second

// State is the client-side view of a stored license.
type State struct {
	Active  bool     `json:"active"`
	Plan    string   `json:"plan"`
	Scopes  []string `json:"scopes"`
	Expired bool     `json:"expired,omitempty"`
}

// Inspect decodes token without verifying its signature. The proxy re-verifies every token it
// receives; this view only decides whether the core should attempt a live order at all.
func Inspect(token string) State {
	if token == "" {
		return State{Plan: "free"}
	}
	var claims Claims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return State{Plan: "free"}
	}
	if claims.ExpiresAt == nil || !time.Now().Add(expirySkew).Before(claims.ExpiresAt.Time) {
		return State{Plan: "free", Expired: true}
	}
	plan := claims.Plan
	if plan == "" {
		plan = "pro"
	}
	return State{Active: true, Plan: plan, Scopes: claims.Scopes}
}

// Gate decides whether live trading is entitled. A configured Verifier enforces the signature
// locally too.
type Gate struct {
	mu       sync.RWMutex
	token    string
	verifier *Verifier
}

func NewGate(token string, verifier *Verifier) *Gate {
	return &Gate{token: token, verifier: verifier}
}

// Token returns the bearer token forwarded to the execution proxy.
func (g *Gate) Token() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.token
}

// SetToken replaces the stored license token.
func (g *Gate) SetToken(token string) {
	g.mu.Lock()
	g.token = token
	g.mu.Unlock()
}

// State is the unverified view of the stored token.
func (g *Gate) State() State { return Inspect(g.Token()) }

// MainnetAllowed reports whether the license grants the mainnet scope.
func (g *Gate) MainnetAllowed() bool {
	if g.verifier != nil && g.verifier.publicKey != nil {
		_, err := g.verifier.RequireScope(g.Token(), ScopeMainnet)
		return err == nil
	}
	st := Inspect(g.Token())
	return st.Active && slices.Contains(st.Scopes, ScopeMainnet)
}

package api

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"execution-core/internal/middleware"
)

const (
	sessionTTL = 12 * time.Hour
	audience   = "execution-core-ui"
)

// SessionClaims identifies one UI session.
type SessionClaims struct {
	jwt.RegisteredClaims
}

func generateToken(secret string, expiresAt time.Time) (string, error) {
	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Audience:  jwt.ClaimStrings{audience},
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func parseToken(tokenStr, secret string) (*SessionClaims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &SessionClaims{}, func(token *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithAudience(audience))
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*SessionClaims); ok && token.Valid {
		return claims, nil
	}
	return nil, errors.New("invalid token claims")
}

// issueToken exchanges the configured API token for a short-lived session JWT.
func (s *Server) issueToken(c *gin.Context) {
	var req struct {
		APIToken string `json:"apiToken"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.APIToken == "" {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", "apiToken is required")
		return
	}
	if s.opts.APIToken == "" {
		respondError(c, http.StatusNotFound, "AUTH_DISABLED", "authentication is not configured")
		return
	}
	if subtle.ConstantTimeCompare([]byte(req.APIToken), []byte(s.opts.APIToken)) != 1 {
		log.Warn().Str("ip", c.ClientIP()).Msg("rejected API token")
		respondError(c, http.StatusUnauthorized, "INVALID_CREDENTIALS", "invalid API token")
		return
	}
	expiresAt := time.Now().Add(sessionTTL)
	token, err := generateToken(s.opts.APIToken, expiresAt)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to generate token")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"expires_at": expiresAt.UTC().Format(time.RFC3339),
	})
}

// tokenAuth enforces a session JWT. With allowQuery the token may also arrive as ?token=,
// which browsers need for websocket upgrades.
func (s *Server) tokenAuth(allowQuery bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.opts.APIToken == "" {
			c.Next()
			return
		}
		token := middleware.BearerToken(c)
		if token == "" && allowQuery {
			token = c.Query("token")
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":  "MISSING_TOKEN",
				"error": "missing Authorization header",
			})
			return
		}
		if _, err := parseToken(token, s.opts.APIToken); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":  "INVALID_TOKEN",
				"error": "invalid or expired token",
			})
			return
		}
		c.Next()
	}
}

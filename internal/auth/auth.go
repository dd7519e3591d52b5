package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"educate-attendance/internal/attendance"
)

const identityKey = "identity"

// Claims is the bearer-token payload for an authenticated student. The
// identity provider that mints these lives outside this service; this
// package is only the consuming edge.
type Claims struct {
	ExternalID string `json:"external_id,omitempty"`
	Role       string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Issue signs a student bearer token. Used by dev tooling and tests; in
// production the identity provider issues these.
func Issue(userID, externalID, role, issuer, key string, ttl time.Duration) (string, error) {
	claims := Claims{
		ExternalID: externalID,
		Role:       role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
}

// Parse validates a bearer token and returns its claims.
func Parse(tokenStr, key, issuer string) (Claims, error) {
	parsed, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(key), nil
	})
	if err != nil {
		return Claims{}, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Claims{}, errors.New("invalid token")
	}
	if issuer != "" && claims.Issuer != issuer {
		return Claims{}, errors.New("issuer mismatch")
	}
	return *claims, nil
}

// StudentAuth enforces bearer JWT tokens and stores the caller's identity
// in the gin context.
func StudentAuth(signingKey, issuer string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authz := c.GetHeader("Authorization")
		if authz == "" || !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{"code": "invalid_token", "message": "missing bearer token"},
			})
			return
		}
		tokenStr := strings.TrimSpace(authz[len("bearer "):])
		claims, err := Parse(tokenStr, signingKey, issuer)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{"code": "invalid_token", "message": "invalid bearer token"},
			})
			return
		}
		c.Set(identityKey, attendance.Identity{
			UserID:     claims.Subject,
			ExternalID: claims.ExternalID,
		})
		c.Next()
	}
}

// IdentityFrom retrieves the authenticated identity set by StudentAuth.
func IdentityFrom(c *gin.Context) (attendance.Identity, bool) {
	v, ok := c.Get(identityKey)
	if !ok {
		return attendance.Identity{}, false
	}
	ident, ok := v.(attendance.Identity)
	return ident, ok && ident.UserID != ""
}

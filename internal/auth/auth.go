// Package auth verifies JWT bearer tokens and exposes the caller's
// identity to handlers. Identity is established upstream; this service
// only trusts the shared signing secret.
package auth

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/tobenna/marketledger/internal/apperr"
)

const (
	ContextUserID = "auth_user_id"
	ContextRole   = "auth_role"

	RoleUser  = "USER"
	RoleAdmin = "ADMIN"
)

// Claims are the token claims this service reads.
type Claims struct {
	UserID string `json:"uid"`
	Role   string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Verifier parses and validates bearer tokens.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Parse validates the token signature and expiry and returns its claims.
func (v *Verifier) Parse(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, apperr.Authentication("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, apperr.Authentication("invalid token")
	}
	if !token.Valid || claims.UserID == "" {
		return nil, apperr.Authentication("invalid token")
	}
	return claims, nil
}

// Sign issues a token for the given identity. Used by tests and the
// local dev login helper.
func (v *Verifier) Sign(userID, role string, ttl time.Duration) (string, error) {
	claims := &Claims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// Middleware rejects requests without a valid bearer token and stores
// the caller's identity in the gin context.
func (v *Verifier) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			apperr.Write(c, apperr.Authentication("missing bearer token"))
			c.Abort()
			return
		}
		claims, err := v.Parse(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			apperr.Write(c, err)
			c.Abort()
			return
		}
		role := claims.Role
		if role == "" {
			role = RoleUser
		}
		c.Set(ContextUserID, claims.UserID)
		c.Set(ContextRole, role)
		c.Next()
	}
}

// RequireAdmin gates a route group to admin callers. Must run after
// Middleware.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if Role(c) != RoleAdmin {
			apperr.Write(c, apperr.Authorization("admin access required"))
			c.Abort()
			return
		}
		c.Next()
	}
}

// UserID returns the authenticated caller's id, empty if unauthenticated.
func UserID(c *gin.Context) string {
	return c.GetString(ContextUserID)
}

// Role returns the authenticated caller's role.
func Role(c *gin.Context) string {
	return c.GetString(ContextRole)
}

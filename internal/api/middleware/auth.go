package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/harvestchain/lending/internal/domain"
	"github.com/harvestchain/lending/internal/service"
)

// ContextKey constants for gin.Context values set by middleware.
const (
	CtxAccount = "account"
	CtxRole    = "role"
)

func abort(c *gin.Context, status int, code string, err error) {
	c.AbortWithStatusJSON(status, gin.H{
		"success": false,
		"error":   err.Error(),
		"code":    code,
	})
}

// ──────────────────────────────────────────────────────────────────────────────
// JWTMiddleware
// ──────────────────────────────────────────────────────────────────────────────

// JWTMiddleware validates the Bearer token in the Authorization header.
// On success it stores the caller's account (string) and role (domain.Role)
// in the gin context.
func JWTMiddleware(authSvc *service.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" || !strings.HasPrefix(header, "Bearer ") {
			abort(c, http.StatusUnauthorized, "UNAUTHORIZED", domain.ErrUnauthorized)
			return
		}

		claims, err := authSvc.ParseAccessToken(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			code := "TOKEN_INVALID"
			if errors.Is(err, domain.ErrTokenExpired) {
				code = "TOKEN_EXPIRED"
			}
			abort(c, http.StatusUnauthorized, code, err)
			return
		}

		c.Set(CtxAccount, claims.Subject)
		c.Set(CtxRole, claims.Role)
		c.Next()
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// RoleMiddleware
// ──────────────────────────────────────────────────────────────────────────────

// RoleMiddleware ensures the authenticated caller has one of the allowed roles.
// Must be placed after JWTMiddleware in the chain.
func RoleMiddleware(roles ...domain.Role) gin.HandlerFunc {
	allowed := make(map[domain.Role]bool, len(roles))
	for _, r := range roles {
		allowed[r] = true
	}
	return func(c *gin.Context) {
		if !allowed[GetRole(c)] {
			abort(c, http.StatusForbidden, "FORBIDDEN", domain.ErrForbidden)
			return
		}
		c.Next()
	}
}

// OperatorMiddleware allows every operator role, read-only included.
func OperatorMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !GetRole(c).IsOperator() {
			abort(c, http.StatusForbidden, "FORBIDDEN", domain.ErrForbidden)
			return
		}
		c.Next()
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Helpers for handlers
// ──────────────────────────────────────────────────────────────────────────────

// GetAccount returns the authenticated caller's ledger account, or "" if the
// middleware was not applied.
func GetAccount(c *gin.Context) string {
	v, _ := c.Get(CtxAccount)
	a, _ := v.(string)
	return a
}

// GetRole returns the authenticated caller's role.
func GetRole(c *gin.Context) domain.Role {
	v, _ := c.Get(CtxRole)
	r, _ := v.(domain.Role)
	return r
}

package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/harvestchain/lending/internal/config"
	"github.com/harvestchain/lending/internal/domain"
)

// ──────────────────────────────────────────────────────────────────────────────
// JWT claims
// ──────────────────────────────────────────────────────────────────────────────

// AppClaims extends jwt.RegisteredClaims with the caller's role. The subject
// is the caller's ledger account, e.g. "0.0.1001".
type AppClaims struct {
	jwt.RegisteredClaims
	Role      domain.Role `json:"role"`
	TokenType string      `json:"type"` // always "access"
}

// ──────────────────────────────────────────────────────────────────────────────
// AuthService
// ──────────────────────────────────────────────────────────────────────────────

// AuthService verifies the access tokens issued by the identity provider.
// IssueAccessToken exists for operator tooling and tests; the lending core
// keeps no credentials of its own.
type AuthService struct {
	secret []byte
	issuer string
}

// NewAuthService creates an AuthService from the JWT config section.
func NewAuthService(cfg config.JWTConfig) *AuthService {
	return &AuthService{secret: []byte(cfg.Secret), issuer: cfg.Issuer}
}

// IssueAccessToken signs an HS256 access token for subject.
func (s *AuthService) IssueAccessToken(subject string, role domain.Role, ttl time.Duration) (string, error) {
	if subject == "" || !role.Valid() {
		return "", fmt.Errorf("auth_service.IssueAccessToken: %w", domain.ErrInvalidRequest)
	}
	now := time.Now().UTC()
	claims := AppClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role:      role,
		TokenType: "access",
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("auth_service.IssueAccessToken: sign: %w", err)
	}
	return tok, nil
}

// ParseAccessToken validates signature, algorithm, expiry and issuer and
// returns the claims of an access token.
func (s *AuthService) ParseAccessToken(tokenString string) (*AppClaims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	tok, err := jwt.ParseWithClaims(tokenString, &AppClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	}, opts...)
	if errors.Is(err, jwt.ErrTokenExpired) {
		return nil, domain.ErrTokenExpired
	}
	if err != nil || !tok.Valid {
		return nil, domain.ErrTokenInvalid
	}
	claims, ok := tok.Claims.(*AppClaims)
	if !ok || claims.TokenType != "access" || claims.Subject == "" || !claims.Role.Valid() {
		return nil, domain.ErrTokenInvalid
	}
	return claims, nil
}

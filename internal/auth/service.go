// Package auth issues and validates the bearer tokens that guard the panel.
package auth

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Common errors returned by the auth service.
var (
	ErrInvalidToken  = errors.New("invalid token")
	ErrExpiredToken  = errors.New("token has expired")
	ErrMissingClaims = errors.New("missing required claims")
	ErrWeakSecret    = errors.New("jwt secret must be at least 32 bytes")
)

const (
	// Issuer is stamped on every token the panel issues.
	Issuer = "botpanel"
	// DefaultTokenExpiry applies when no expiry is configured.
	DefaultTokenExpiry = 24 * time.Hour
	// MinSecretBytes is the minimum HMAC secret length.
	MinSecretBytes = 32
)

// Claims identifies the holder of a validated token.
type Claims struct {
	Subject   string    `json:"sub"`
	TokenID   string    `json:"jti"`
	ExpiresAt time.Time `json:"exp"`
}

// Config holds authentication configuration.
type Config struct {
	JWTSecret   []byte
	TokenExpiry time.Duration
}

// Service signs and verifies HS256 tokens.
type Service struct {
	jwtSecret   []byte
	tokenExpiry time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// NewService creates a new authentication service.
func NewService(cfg *Config, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(cfg.JWTSecret) < MinSecretBytes {
		return nil, ErrWeakSecret
	}
	expiry := cfg.TokenExpiry
	if expiry == 0 {
		expiry = DefaultTokenExpiry
	}
	return &Service{
		jwtSecret:   cfg.JWTSecret,
		tokenExpiry: expiry,
		logger:      logger,
		now:         time.Now,
	}, nil
}

// GenerateToken creates a token for subject. A zero ttl uses the configured
// expiry.
func (s *Service) GenerateToken(subject string, ttl time.Duration) (string, error) {
	if subject == "" {
		return "", ErrMissingClaims
	}
	if ttl == 0 {
		ttl = s.tokenExpiry
	}

	now := s.now()
	claims := jwt.RegisteredClaims{
		Issuer:    Issuer,
		Subject:   subject,
		ID:        uuid.New().String(),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.jwtSecret)
	if err != nil {
		s.logger.Error("failed to sign token", "error", err)
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// ValidateToken verifies a token and returns its claims.
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrInvalidToken
	}

	var rc jwt.RegisteredClaims
	token, err := jwt.ParseWithClaims(tokenString, &rc, func(*jwt.Token) (any, error) {
		return s.jwtSecret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	if rc.Subject == "" {
		return nil, ErrMissingClaims
	}

	return &Claims{
		Subject:   rc.Subject,
		TokenID:   rc.ID,
		ExpiresAt: rc.ExpiresAt.Time,
	}, nil
}

// ExtractBearerToken extracts the token from a Bearer authorization header.
func ExtractBearerToken(authHeader string) string {
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}

	return strings.TrimSpace(parts[1])
}

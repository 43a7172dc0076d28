package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/qcom/accounts/internal/config"
	"github.com/qcom/accounts/internal/models"
)

type TokenKind string

const (
	AccessTokenKind  TokenKind = "access"
	RefreshTokenKind TokenKind = "refresh"
)

var ErrInvalidToken = errors.New("invalid token")

type Claims struct {
	Type string `json:"type"`
	jwt.RegisteredClaims
}

// TokenCodec signs and parses both token kinds. Each kind has its own
// secret and lifetime, fixed at construction.
type TokenCodec struct {
	accessSecret  []byte
	refreshSecret []byte
	accessExpiry  time.Duration
	refreshExpiry time.Duration
	leeway        time.Duration
	now           func() time.Time
}

func NewTokenCodec(cfg *config.JWTConfig) (*TokenCodec, error) {
	if len(cfg.AccessSecret) < 32 || len(cfg.RefreshSecret) < 32 {
		return nil, fmt.Errorf("token secrets must be at least 32 bytes")
	}
	if cfg.AccessSecret == cfg.RefreshSecret {
		return nil, fmt.Errorf("access and refresh secrets must differ")
	}
	if cfg.AccessExpiry <= 0 || cfg.RefreshExpiry <= 0 {
		return nil, fmt.Errorf("token expiry must be positive")
	}
	if cfg.ClockSkew < 0 {
		return nil, fmt.Errorf("clock skew must not be negative")
	}

	return &TokenCodec{
		accessSecret:  []byte(cfg.AccessSecret),
		refreshSecret: []byte(cfg.RefreshSecret),
		accessExpiry:  cfg.AccessExpiry,
		refreshExpiry: cfg.RefreshExpiry,
		leeway:        cfg.ClockSkew,
		now:           time.Now,
	}, nil
}

// WithClock returns a copy of the codec that reads time from now.
func (c *TokenCodec) WithClock(now func() time.Time) *TokenCodec {
	clone := *c
	clone.now = now
	return &clone
}

func (c *TokenCodec) AccessExpiry() time.Duration {
	return c.accessExpiry
}

func (c *TokenCodec) RefreshExpiry() time.Duration {
	return c.refreshExpiry
}

// Mint signs a fresh access/refresh pair for subject. Every token carries a
// random jti, so two pairs minted in the same second still differ.
func (c *TokenCodec) Mint(subject string) (*models.TokenPair, error) {
	now := c.now()

	accessToken, err := c.sign(AccessTokenKind, subject, now)
	if err != nil {
		return nil, fmt.Errorf("failed to sign access token: %w", err)
	}

	refreshToken, err := c.sign(RefreshTokenKind, subject, now)
	if err != nil {
		return nil, fmt.Errorf("failed to sign refresh token: %w", err)
	}

	return &models.TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    int64(c.accessExpiry.Seconds()),
	}, nil
}

// Parse checks signature, algorithm, expiry and kind. Time checks allow the
// configured clock skew in both directions. All failures wrap
// ErrInvalidToken.
func (c *TokenCodec) Parse(kind TokenKind, tokenString string) (*Claims, error) {
	secret, _ := c.material(kind)

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(c.leeway),
		jwt.WithTimeFunc(c.now),
	)

	claims := &Claims{}
	token, err := parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	if claims.Type != string(kind) {
		return nil, fmt.Errorf("%w: expected %s token", ErrInvalidToken, kind)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	return claims, nil
}

func (c *TokenCodec) sign(kind TokenKind, subject string, now time.Time) (string, error) {
	secret, expiry := c.material(kind)
	jti := uuid.New().String()

	claims := &Claims{
		Type: string(kind),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
			ID:        jti,
		},
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

func (c *TokenCodec) material(kind TokenKind) ([]byte, time.Duration) {
	if kind == RefreshTokenKind {
		return c.refreshSecret, c.refreshExpiry
	}
	return c.accessSecret, c.accessExpiry
}

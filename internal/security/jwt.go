// Package security issues and validates the bearer credentials used by
// the admin API. Device-to-control-plane auth (bcrypt-hashed API keys)
// lives in internal/middleware (DeviceAuth); this package covers the
// operator-facing admin JWT only.
package security

import (
	"crypto/rand"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"fleetd.sh/internal/ferrors"
)

// JWTConfig holds admin JWT configuration.
type JWTConfig struct {
	SigningKey []byte
	Issuer     string
	TTL        time.Duration
}

// DefaultJWTConfig returns default JWT configuration with a randomly
// generated signing key. Production deployments should set SigningKey
// explicitly so tokens survive a restart.
func DefaultJWTConfig() (*JWTConfig, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, ferrors.Wrap(err, ferrors.ErrCodeInternal, "failed to generate signing key")
	}
	return &JWTConfig{
		SigningKey: key,
		Issuer:     "rolloutd",
		TTL:        30 * time.Minute,
	}, nil
}

// Claims identifies the operator a token was issued to.
type Claims struct {
	jwt.RegisteredClaims
	OperatorID string `json:"operator_id"`
}

// JWTManager issues and validates admin session tokens.
type JWTManager struct {
	config *JWTConfig
	logger *slog.Logger
}

// NewJWTManager creates a new JWT manager.
func NewJWTManager(config *JWTConfig) (*JWTManager, error) {
	if config == nil {
		var err error
		config, err = DefaultJWTConfig()
		if err != nil {
			return nil, err
		}
	}
	if config.Issuer == "" {
		config.Issuer = "rolloutd"
	}
	if config.TTL == 0 {
		config.TTL = 30 * time.Minute
	}
	return &JWTManager{
		config: config,
		logger: slog.Default().With("component", "jwt"),
	}, nil
}

// Issue generates a signed token for the given operator.
func (m *JWTManager) Issue(operatorID string) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(m.config.TTL)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.config.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		OperatorID: operatorID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.config.SigningKey)
	if err != nil {
		return "", time.Time{}, ferrors.Wrap(err, ferrors.ErrCodeInternal, "failed to sign token")
	}
	return signed, expiresAt, nil
}

// Validate parses and verifies a token, returning its claims.
func (m *JWTManager) Validate(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.config.SigningKey, nil
	})
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.CodeUnauthenticated, "invalid admin token")
	}
	if !token.Valid {
		return nil, ferrors.New(ferrors.CodeUnauthenticated, "invalid admin token")
	}
	return claims, nil
}

package config

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// TokenValidator checks HS256 bearer tokens against the current secret and,
// during a rotation, the previous one.
type TokenValidator struct {
	currentSecret []byte
	oldSecret     []byte
	logger        *zap.Logger
}

// NewTokenValidator creates a validator that supports key rotation.
func NewTokenValidator(currentSecret, oldSecret string, logger *zap.Logger) *TokenValidator {
	if logger == nil {
		logger = zap.NewNop()
	}
	v := &TokenValidator{currentSecret: []byte(currentSecret), logger: logger}
	if oldSecret != "" {
		v.oldSecret = []byte(oldSecret)
	}
	return v
}

// Validate parses tokenString, trying the current key first and then the
// old key.
func (v *TokenValidator) Validate(tokenString string) (*jwt.RegisteredClaims, error) {
	claims, err := parseWith(tokenString, v.currentSecret)
	if err == nil {
		return claims, nil
	}
	if v.oldSecret != nil && !errors.Is(err, jwt.ErrTokenExpired) {
		if claims, oldErr := parseWith(tokenString, v.oldSecret); oldErr == nil {
			v.logger.Warn("token validated with previous JWT secret", zap.String("subject", claims.Subject))
			return claims, nil
		}
	}
	return nil, fmt.Errorf("config: token validation failed: %w", err)
}

func parseWith(tokenString string, secret []byte) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("token is not valid")
	}
	return claims, nil
}

// IssueToken signs an HS256 token for subject, valid for ttl.
func IssueToken(secret, subject string, ttl time.Duration, now time.Time) (string, error) {
	if secret == "" {
		return "", errors.New("config: JWT secret is required to issue tokens")
	}
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		Issuer:    "antivibe",
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("config: sign token: %w", err)
	}
	return signed, nil
}

// GenerateSecureSecret generates a random secret of length bytes, URL-safe
// base64 encoded.
func GenerateSecureSecret(length int) (string, error) {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("config: failed to generate random bytes: %w", err)
	}
	return base64.URLEncoding.EncodeToString(buf), nil
}

// Package jwttest signs access tokens shaped like the ones the banking
// backend issues. It is only imported by tests.
package jwttest

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"bankchat/internal/pkg/jwtutil"
)

// Sign returns an HS256 access token for userID that expires after ttl. A
// negative ttl yields an already expired token.
func Sign(secret string, ttl time.Duration, userID, email, role string) (string, error) {
	now := time.Now()
	claims := jwtutil.Claims{
		Email: email,
		Role:  role,
		Type:  jwtutil.AccessTokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token failed: %w", err)
	}
	return signed, nil
}

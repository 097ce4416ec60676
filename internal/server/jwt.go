package server

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// JWTTTL is the session bearer lifetime.
const JWTTTL = time.Hour

// IssueJWT mints an HS256 bearer for email.
func IssueJWT(secret []byte, email string, now time.Time) (token string, expiresAt time.Time, err error) {
	expiresAt = now.Add(JWTTTL)
	claims := jwt.RegisteredClaims{
		Subject:   email,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
	token, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign JWT: %w", err)
	}
	return token, expiresAt, nil
}

// VerifyJWT validates the bearer and returns the email it was issued to.
func VerifyJWT(secret []byte, token string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("invalid bearer token: %w", err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return "", ErrUnauthorized
	}
	return claims.Subject, nil
}

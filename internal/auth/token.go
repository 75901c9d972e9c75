package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// IssueHMAC signs a session token for profileID. Used by the dev tooling and
// tests; production tokens come from the identity provider.
func IssueHMAC(secret, issuer, profileID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   profileID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

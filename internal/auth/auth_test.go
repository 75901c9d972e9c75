package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractTokenFromQuery(t *testing.T) {
	r := httptest.NewRequest("GET", "/?token=query-token", nil)
	r.Header.Set("Authorization", "Bearer header-token")

	assert.Equal(t, "query-token", ExtractTokenFromRequest(r))
}

func TestExtractTokenFromHeader(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Authorization", "Bearer header-token")

	assert.Equal(t, "header-token", ExtractTokenFromRequest(r))
}

func TestExtractTokenFromCookie(t *testing.T) {
	r := httptest.NewRequest("POST", "/api/users/status", nil)
	r.AddCookie(&http.Cookie{Name: SessionCookie, Value: "cookie-token"})

	assert.Equal(t, "cookie-token", ExtractTokenFromRequest(r))
}

func TestExtractTokenIgnoresBasicAuth(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")

	assert.Empty(t, ExtractTokenFromRequest(r))
}

func TestHMACVerifier(t *testing.T) {
	v := NewHMACVerifier("secret", "chat")

	token, err := IssueHMAC("secret", "chat", "profile-1", time.Minute)
	require.NoError(t, err)

	claims, err := v.Validate("Bearer " + token)
	require.NoError(t, err)
	assert.Equal(t, "profile-1", claims.Subject)
}

func TestHMACVerifierRejects(t *testing.T) {
	v := NewHMACVerifier("secret", "chat")

	wrongSecret, err := IssueHMAC("other", "chat", "profile-1", time.Minute)
	require.NoError(t, err)
	wrongIssuer, err := IssueHMAC("secret", "elsewhere", "profile-1", time.Minute)
	require.NoError(t, err)
	expired, err := IssueHMAC("secret", "chat", "profile-1", -time.Minute)
	require.NoError(t, err)
	noSubject, err := IssueHMAC("secret", "chat", "", time.Minute)
	require.NoError(t, err)

	tests := map[string]string{
		"wrong secret": wrongSecret,
		"wrong issuer": wrongIssuer,
		"expired":      expired,
		"no subject":   noSubject,
		"garbage":      "not-a-jwt",
	}
	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := v.Validate(token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}

	_, err = v.Validate("")
	assert.ErrorIs(t, err, ErrNoToken)
}

func TestJWKSVerifier(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/jwks.json" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(JWKS{Keys: []JWK{{
			Kid: "k1",
			Kty: "RSA",
			Alg: "RS256",
			N:   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
		}}})
	}))
	defer srv.Close()
	issuer := srv.URL

	v, err := NewJWKSVerifier(context.Background(), issuer)
	require.NoError(t, err)

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "profile-9",
		Issuer:    issuer,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}})
	token.Header["kid"] = "k1"
	signed, err := token.SignedString(key)
	require.NoError(t, err)

	claims, err := v.Validate(signed)
	require.NoError(t, err)
	assert.Equal(t, "profile-9", claims.Subject)

	token.Header["kid"] = "unknown"
	signed, err = token.SignedString(key)
	require.NoError(t, err)
	_, err = v.Validate(signed)
	assert.Error(t, err)
}

func TestMiddleware(t *testing.T) {
	v := NewHMACVerifier("secret", "")
	var seen string
	handler := Middleware(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFromContext(r.Context())
		require.True(t, ok)
		seen = claims.Subject
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token, err := IssueHMAC("secret", "", "profile-2", time.Minute)
	require.NoError(t, err)
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "profile-2", seen)
}

package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrNoToken      = errors.New("token is empty")
	ErrInvalidToken = errors.New("invalid token")
)

// Claims identifies the caller. Subject is the chat profile id.
type Claims struct {
	jwt.RegisteredClaims
	Name    string `json:"name,omitempty"`
	Email   string `json:"email,omitempty"`
	Picture string `json:"picture,omitempty"`
}

type JWKS struct {
	Keys []JWK `json:"keys"`
}

type JWK struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
	Alg string `json:"alg"`
}

// Verifier validates session tokens, either against a shared HMAC secret or
// against the RSA keys an issuer publishes at /.well-known/jwks.json.
type Verifier struct {
	secret []byte
	issuer string

	jwksURL    string
	httpClient *http.Client
	mu         sync.RWMutex
	jwks       *JWKS
	keys       map[string]*rsa.PublicKey
}

// NewHMACVerifier accepts HS256/384/512 tokens signed with secret. An empty
// issuer skips the issuer check.
func NewHMACVerifier(secret, issuer string) *Verifier {
	return &Verifier{secret: []byte(secret), issuer: issuer}
}

// NewJWKSVerifier fetches the issuer's key set once before returning.
func NewJWKSVerifier(ctx context.Context, issuerURL string) (*Verifier, error) {
	v := &Verifier{
		issuer:     issuerURL,
		jwksURL:    strings.TrimSuffix(issuerURL, "/") + "/.well-known/jwks.json",
		httpClient: &http.Client{Timeout: 10 * time.Second},
		keys:       make(map[string]*rsa.PublicKey),
	}
	if err := v.Refresh(ctx); err != nil {
		return nil, err
	}
	return v, nil
}

// RefreshEvery reloads the key set until ctx is done.
func (v *Verifier) RefreshEvery(ctx context.Context, interval time.Duration) {
	if v.jwksURL == "" {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := v.Refresh(ctx); err != nil {
				slog.Error("[AUTH] Error refreshing JWKS", "error", err)
			} else {
				slog.Info("[AUTH] JWKS refreshed successfully")
			}
		}
	}
}

func (v *Verifier) Refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.jwksURL, nil)
	if err != nil {
		return fmt.Errorf("failed to build JWKS request: %w", err)
	}
	resp, err := v.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("JWKS endpoint returned status %d", resp.StatusCode)
	}

	var jwks JWKS
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return fmt.Errorf("failed to decode JWKS: %w", err)
	}

	v.mu.Lock()
	v.jwks = &jwks
	// Clear cache to force re-conversion
	v.keys = make(map[string]*rsa.PublicKey)
	v.mu.Unlock()

	slog.Info("[AUTH] JWKS loaded", "keys", len(jwks.Keys))
	return nil
}

// Validate parses and verifies a token. A "Bearer " prefix is tolerated.
func (v *Verifier) Validate(tokenString string) (*Claims, error) {
	tokenString = strings.TrimSpace(strings.TrimPrefix(tokenString, "Bearer "))
	if tokenString == "" {
		return nil, ErrNoToken
	}

	opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, v.keyFunc, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return claims, nil
}

func (v *Verifier) keyFunc(token *jwt.Token) (interface{}, error) {
	if v.jwksURL == "" {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}

	if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
	kid, ok := token.Header["kid"].(string)
	if !ok {
		return nil, errors.New("kid not found in token header")
	}
	return v.publicKey(kid)
}

// publicKey retrieves and caches the public key for a given kid
func (v *Verifier) publicKey(kid string) (*rsa.PublicKey, error) {
	v.mu.RLock()
	key, cached := v.keys[kid]
	jwks := v.jwks
	v.mu.RUnlock()
	if cached {
		return key, nil
	}
	if jwks == nil {
		return nil, errors.New("JWKS not initialized")
	}

	for _, jwk := range jwks.Keys {
		if jwk.Kid != kid {
			continue
		}
		key, err := jwkToPublicKey(jwk)
		if err != nil {
			return nil, err
		}
		v.mu.Lock()
		v.keys[kid] = key
		v.mu.Unlock()
		return key, nil
	}

	return nil, fmt.Errorf("key with kid %s not found in JWKS", kid)
}

func jwkToPublicKey(jwk JWK) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(jwk.N)
	if err != nil {
		return nil, fmt.Errorf("failed to decode modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(jwk.E)
	if err != nil {
		return nil, fmt.Errorf("failed to decode exponent: %w", err)
	}

	var e int
	for _, b := range eBytes {
		e = e<<8 + int(b)
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: e,
	}, nil
}

/**
 * @description
 * Authentication middleware for the rewards API. Member routes carry a Clerk
 * RS256 session token verified against the cached JWKS; internal routes carry
 * the shared X-Internal-API-Key.
 *
 * @dependencies
 * - github.com/golang-jwt/jwt/v5: token parsing and validation.
 */

package api

import (
	"context"
	"crypto/rsa"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bossboothsa-ai/trendle-app-sub001/internal/domain"
	"github.com/golang-jwt/jwt/v5"
)

// PrincipalContextKey is a custom type for the context key to avoid collisions.
type PrincipalContextKey string

const principalKey PrincipalContextKey = "principal"

const jwksRefreshInterval = 10 * time.Minute

// AuthConfig configures session token validation.
type AuthConfig struct {
	JWKSURL  string
	Audience string
	Issuer   string
}

// JWKSCache holds the identity provider's signing keys and refreshes them when
// they go stale or an unknown kid shows up.
type JWKSCache struct {
	url        string
	client     *http.Client
	mu         sync.Mutex
	keys       map[string]*rsa.PublicKey
	fetchedAt  time.Time
	refreshTTL time.Duration
	now        func() time.Time
}

func NewJWKSCache(url string) *JWKSCache {
	return &JWKSCache{
		url:        url,
		client:     &http.Client{Timeout: 10 * time.Second},
		keys:       make(map[string]*rsa.PublicKey),
		refreshTTL: jwksRefreshInterval,
		now:        time.Now,
	}
}

// Key returns the public key for kid, fetching the key set when needed.
func (c *JWKSCache) Key(kid string) (*rsa.PublicKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stale := c.now().Sub(c.fetchedAt) > c.refreshTTL
	if key, ok := c.keys[kid]; ok && !stale {
		return key, nil
	}
	if err := c.refreshLocked(); err != nil {
		if key, ok := c.keys[kid]; ok {
			log.Printf("level=warn component=auth msg=\"jwks refresh failed; using cached key\" kid=%s err=%v", kid, err)
			return key, nil
		}
		return nil, err
	}
	key, ok := c.keys[kid]
	if !ok {
		return nil, fmt.Errorf("key with kid %s not found", kid)
	}
	return key, nil
}

func (c *JWKSCache) refreshLocked() error {
	if c.url == "" {
		return fmt.Errorf("jwks url not configured")
	}
	resp, err := c.client.Get(c.url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("jwks endpoint returned %d", resp.StatusCode)
	}

	var jwks struct {
		Keys []struct {
			Kid string `json:"kid"`
			Kty string `json:"kty"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return err
	}

	keys := make(map[string]*rsa.PublicKey, len(jwks.Keys))
	for _, k := range jwks.Keys {
		if k.Kty != "" && k.Kty != "RSA" {
			continue
		}
		pub, err := parseRSAPublicKey(k.N, k.E)
		if err != nil {
			log.Printf("level=warn component=auth msg=\"skipping malformed jwk\" kid=%s err=%v", k.Kid, err)
			continue
		}
		keys[k.Kid] = pub
	}
	c.keys = keys
	c.fetchedAt = c.now()
	return nil
}

// parseRSAPublicKey parses an RSA public key from its base64url modulus and exponent.
func parseRSAPublicKey(n, e string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("failed to decode modulus: %w", err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("failed to decode exponent: %w", err)
	}
	var exp uint64
	for _, b := range eb {
		exp = (exp << 8) | uint64(b)
	}
	if exp == 0 || len(nb) == 0 {
		return nil, fmt.Errorf("empty modulus or exponent")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: int(exp)}, nil
}

// ClerkAuthMiddleware validates the bearer token and stores the principal in
// the request context.
func ClerkAuthMiddleware(keys *JWKSCache, cfg AuthConfig) func(http.Handler) http.Handler {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"RS256"}), jwt.WithExpirationRequired()}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeError(w, http.StatusUnauthorized, "Authorization header required")
				return
			}
			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader {
				writeError(w, http.StatusUnauthorized, "Invalid Authorization header format")
				return
			}

			claims := jwt.MapClaims{}
			_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
				kid, ok := token.Header["kid"].(string)
				if !ok {
					return nil, fmt.Errorf("kid not found in token header")
				}
				return keys.Key(kid)
			}, opts...)
			if err != nil {
				log.Printf("level=warn component=auth msg=\"token rejected\" err=%v", err)
				writeError(w, http.StatusUnauthorized, "Invalid token")
				return
			}

			user, ok := principalFromClaims(claims)
			if !ok {
				writeError(w, http.StatusUnauthorized, "User ID not found in token")
				return
			}
			ctx := context.WithValue(r.Context(), principalKey, user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func principalFromClaims(claims jwt.MapClaims) (domain.User, bool) {
	sub, _ := claims["sub"].(string)
	if strings.TrimSpace(sub) == "" {
		return domain.User{}, false
	}
	user := domain.User{ID: sub}
	if tier, ok := claims["trust_tier"].(string); ok {
		user.TrustTier = domain.ParseTrustTier(tier)
	}
	switch roles := claims["roles"].(type) {
	case []interface{}:
		for _, r := range roles {
			if s, ok := r.(string); ok && s != "" {
				user.Roles = append(user.Roles, s)
			}
		}
	case string:
		for _, s := range strings.Split(roles, ",") {
			if s = strings.TrimSpace(s); s != "" {
				user.Roles = append(user.Roles, s)
			}
		}
	}
	return user, true
}

// PrincipalFromContext retrieves the authenticated user from the request context.
func PrincipalFromContext(ctx context.Context) (domain.User, bool) {
	user, ok := ctx.Value(principalKey).(domain.User)
	return user, ok
}

// InternalAuthMiddleware guards server-to-server routes. An empty key rejects
// every request.
func InternalAuthMiddleware(requiredKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			provided := r.Header.Get("X-Internal-API-Key")
			if requiredKey == "" || provided == "" ||
				subtle.ConstantTimeCompare([]byte(provided), []byte(requiredKey)) != 1 {
				writeError(w, http.StatusUnauthorized, "Unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

package auth

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/MickyRosa/VisTrain2.0/internal/config"
)

// VerifierConfig configures token verification.
type VerifierConfig struct {
	Algorithm string // RS256 | HS256

	// RS256
	PublicKeyPEM string
	JWKSURL      string

	// HS256
	SecretKey string

	JWKSRefreshInterval time.Duration
	JWKSCacheTimeout    time.Duration
}

// JWK is one JSON Web Key.
type JWK struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// JWKSet is a JSON Web Key Set.
type JWKSet struct {
	Keys []JWK `json:"keys"`
}

type cachedKey struct {
	key     *rsa.PublicKey
	fetched time.Time
}

// Verifier checks RS256 or HS256 signed tokens.
type Verifier struct {
	config     VerifierConfig
	publicKey  *rsa.PublicKey
	httpClient *http.Client

	mu        sync.RWMutex
	jwks      map[string]cachedKey
	lastFetch time.Time
	fetchMu   sync.Mutex
}

var _ TokenVerifier = (*Verifier)(nil)

// NewVerifierFromConfig builds a verifier from the service configuration.
// It returns nil without error when authentication is disabled.
func NewVerifierFromConfig(ctx context.Context, cfg config.AuthConfig) (*Verifier, error) {
	vc := VerifierConfig{
		Algorithm: cfg.Algorithm,
		SecretKey: cfg.HMACSecret,
		JWKSURL:   cfg.JWKSURL,
	}
	switch cfg.Algorithm {
	case "":
		return nil, nil
	case "RS256":
		if cfg.PublicKeyFile != "" {
			data, err := os.ReadFile(cfg.PublicKeyFile)
			if err != nil {
				return nil, fmt.Errorf("failed to read public key: %w", err)
			}
			vc.PublicKeyPEM = string(data)
		}
	}
	return NewVerifier(ctx, vc)
}

// NewVerifier creates a verifier. For RS256 with a JWKS URL the key set is
// fetched once up front.
func NewVerifier(ctx context.Context, cfg VerifierConfig) (*Verifier, error) {
	if cfg.JWKSRefreshInterval <= 0 {
		cfg.JWKSRefreshInterval = 5 * time.Minute
	}
	if cfg.JWKSCacheTimeout <= 0 {
		cfg.JWKSCacheTimeout = time.Hour
	}

	v := &Verifier{
		config:     cfg,
		jwks:       make(map[string]cachedKey),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}

	switch cfg.Algorithm {
	case "RS256":
		if cfg.PublicKeyPEM == "" && cfg.JWKSURL == "" {
			return nil, errors.New("RS256 requires a public key or a JWKS URL")
		}
		if cfg.PublicKeyPEM != "" {
			key, err := parsePublicKeyPEM(cfg.PublicKeyPEM)
			if err != nil {
				return nil, fmt.Errorf("failed to load public key from PEM: %w", err)
			}
			v.publicKey = key
		}
		if cfg.JWKSURL != "" {
			if err := v.fetchJWKS(ctx); err != nil {
				return nil, fmt.Errorf("failed to fetch initial JWKS: %w", err)
			}
		}
	case "HS256":
		if cfg.SecretKey == "" {
			return nil, errors.New("HS256 requires secret key")
		}
	default:
		return nil, fmt.Errorf("unsupported algorithm: %s", cfg.Algorithm)
	}
	return v, nil
}

// VerifyToken implements TokenVerifier.
func (v *Verifier) VerifyToken(tokenString string) (*Claims, error) {
	if strings.TrimSpace(tokenString) == "" {
		return nil, errors.New("token cannot be empty")
	}

	var claims jwt.MapClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, v.keyFunc,
		jwt.WithValidMethods([]string{v.config.Algorithm}))
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return extractClaims(claims)
}

func (v *Verifier) keyFunc(token *jwt.Token) (any, error) {
	if v.config.Algorithm == "HS256" {
		return []byte(v.config.SecretKey), nil
	}

	kid, ok := token.Header["kid"].(string)
	if !ok {
		if v.publicKey == nil {
			return nil, errors.New("no public key available")
		}
		return v.publicKey, nil
	}
	key, err := v.keyForID(context.Background(), kid)
	if err != nil {
		return nil, fmt.Errorf("failed to get key from JWKS: %w", err)
	}
	return key, nil
}

func extractClaims(claims jwt.MapClaims) (*Claims, error) {
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, errors.New("missing or invalid 'sub' claim")
	}
	roles, err := stringSlice(claims, "roles")
	if err != nil {
		return nil, err
	}
	scopes, err := stringSlice(claims, "scopes")
	if err != nil {
		return nil, err
	}
	if !validRoles(roles) {
		return nil, fmt.Errorf("invalid roles: %v", roles)
	}
	if !validScopes(scopes) {
		return nil, fmt.Errorf("invalid scopes: %v", scopes)
	}
	return &Claims{Subject: sub, Roles: roles, Scopes: scopes}, nil
}

func stringSlice(claims jwt.MapClaims, key string) ([]string, error) {
	raw, ok := claims[key]
	if !ok {
		return nil, fmt.Errorf("missing claim: %s", key)
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("invalid %s claim: not a string array", key)
	}
	out := make([]string, len(items))
	for i, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("invalid %s claim: not a string", key)
		}
		out[i] = s
	}
	return out, nil
}

func validRoles(roles []string) bool {
	if len(roles) == 0 {
		return false
	}
	for _, r := range roles {
		if r != RoleViewer && r != RoleOperator {
			return false
		}
	}
	return true
}

func validScopes(scopes []string) bool {
	if len(scopes) == 0 {
		return false
	}
	known := []string{ScopeRead, ScopeControl, ScopeTelemetry}
	for _, s := range scopes {
		if !slices.Contains(known, s) {
			return false
		}
	}
	return true
}

func parsePublicKeyPEM(data string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(data))
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	key, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("not an RSA public key")
	}
	return key, nil
}

func (v *Verifier) fetchJWKS(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.config.JWKSURL, nil)
	if err != nil {
		return fmt.Errorf("failed to build JWKS request: %w", err)
	}
	resp, err := v.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("JWKS fetch failed with status: %d", resp.StatusCode)
	}

	var set JWKSet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return fmt.Errorf("failed to parse JWKS: %w", err)
	}

	now := time.Now()
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, k := range set.Keys {
		if k.Kty != "RSA" || k.Use != "sig" || k.Alg != "RS256" {
			continue
		}
		key, err := jwkToRSAPublicKey(k)
		if err != nil {
			continue
		}
		v.jwks[k.Kid] = cachedKey{key: key, fetched: now}
	}
	v.lastFetch = now
	return nil
}

// keyForID returns a cached key, refreshing the key set at most once per
// refresh interval.
func (v *Verifier) keyForID(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	v.mu.RLock()
	entry, ok := v.jwks[kid]
	stale := time.Since(v.lastFetch) > v.config.JWKSRefreshInterval
	v.mu.RUnlock()

	if ok && time.Since(entry.fetched) < v.config.JWKSCacheTimeout {
		return entry.key, nil
	}
	if !stale {
		return nil, fmt.Errorf("key not found: %s", kid)
	}

	v.fetchMu.Lock()
	v.mu.RLock()
	stale = time.Since(v.lastFetch) > v.config.JWKSRefreshInterval
	v.mu.RUnlock()
	if stale {
		if err := v.fetchJWKS(ctx); err != nil {
			v.fetchMu.Unlock()
			return nil, fmt.Errorf("failed to refresh JWKS: %w", err)
		}
	}
	v.fetchMu.Unlock()

	v.mu.RLock()
	entry, ok = v.jwks[kid]
	v.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("key not found: %s", kid)
	}
	return entry.key, nil
}

func jwkToRSAPublicKey(k JWK) (*rsa.PublicKey, error) {
	n, err := base64URLDecode(k.N)
	if err != nil {
		return nil, fmt.Errorf("failed to decode modulus: %w", err)
	}
	e, err := base64URLDecode(k.E)
	if err != nil {
		return nil, fmt.Errorf("failed to decode exponent: %w", err)
	}

	exp := 0
	for _, b := range e {
		exp = exp<<8 | int(b)
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(n), E: exp}, nil
}

// base64URLDecode accepts padded and unpadded base64url.
func base64URLDecode(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}

package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/MickyRosa/VisTrain2.0/internal/config"
)

const testSecret = "test-secret-key"

func signHS256(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("Failed to sign token: %v", err)
	}
	return s
}

func validClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub":    "operator-1",
		"roles":  []string{RoleOperator},
		"scopes": []string{ScopeRead, ScopeControl},
		"exp":    time.Now().Add(time.Hour).Unix(),
	}
}

func newHS256(t *testing.T) *Verifier {
	t.Helper()
	v, err := NewVerifier(context.Background(), VerifierConfig{Algorithm: "HS256", SecretKey: testSecret})
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	return v
}

func TestNewVerifier(t *testing.T) {
	tests := []struct {
		name    string
		config  VerifierConfig
		wantErr bool
	}{
		{"HS256", VerifierConfig{Algorithm: "HS256", SecretKey: "s"}, false},
		{"HS256 without secret", VerifierConfig{Algorithm: "HS256"}, true},
		{"RS256 without keys", VerifierConfig{Algorithm: "RS256"}, true},
		{"RS256 bad PEM", VerifierConfig{Algorithm: "RS256", PublicKeyPEM: "nope"}, true},
		{"unknown algorithm", VerifierConfig{Algorithm: "ES256"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewVerifier(context.Background(), tt.config)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewVerifier() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNewVerifierFromConfigDisabled(t *testing.T) {
	v, err := NewVerifierFromConfig(context.Background(), config.AuthConfig{})
	if err != nil || v != nil {
		t.Fatalf("expected nil verifier without error, got %v, %v", v, err)
	}
}

func TestVerifyHS256Token(t *testing.T) {
	v := newHS256(t)

	claims, err := v.VerifyToken(signHS256(t, validClaims()))
	if err != nil {
		t.Fatalf("VerifyToken() error = %v", err)
	}
	if claims.Subject != "operator-1" {
		t.Errorf("Expected subject operator-1, got %q", claims.Subject)
	}
	if !HasScopes(claims, ScopeControl) {
		t.Errorf("Expected control scope, got %v", claims.Scopes)
	}
}

func TestVerifyTokenErrors(t *testing.T) {
	v := newHS256(t)

	expired := validClaims()
	expired["exp"] = time.Now().Add(-time.Hour).Unix()

	noSub := validClaims()
	delete(noSub, "sub")

	badRole := validClaims()
	badRole["roles"] = []string{"admin"}

	badScope := validClaims()
	badScope["scopes"] = []string{"layout:admin"}

	noScopes := validClaims()
	delete(noScopes, "scopes")

	wrongSecret, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, validClaims()).SignedString([]byte("other"))
	none, _ := jwt.NewWithClaims(jwt.SigningMethodNone, validClaims()).SignedString(jwt.UnsafeAllowNoneSignatureType)

	tokens := map[string]string{
		"empty":        "",
		"garbage":      "not.a.jwt",
		"expired":      signHS256(t, expired),
		"missing sub":  signHS256(t, noSub),
		"bad role":     signHS256(t, badRole),
		"bad scope":    signHS256(t, badScope),
		"no scopes":    signHS256(t, noScopes),
		"wrong secret": wrongSecret,
		"alg none":     none,
	}
	for name, token := range tokens {
		t.Run(name, func(t *testing.T) {
			if _, err := v.VerifyToken(token); err == nil {
				t.Error("expected verification error")
			}
		})
	}
}

func generateRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("Failed to generate RSA key: %v", err)
	}
	return key
}

func publicKeyPEM(t *testing.T, key *rsa.PrivateKey) string {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("MarshalPKIXPublicKey: %v", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

func TestVerifyRS256WithPublicKeyFile(t *testing.T) {
	key := generateRSAKey(t)
	path := filepath.Join(t.TempDir(), "pub.pem")
	if err := os.WriteFile(path, []byte(publicKeyPEM(t, key)), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	v, err := NewVerifierFromConfig(context.Background(), config.AuthConfig{Algorithm: "RS256", PublicKeyFile: path})
	if err != nil {
		t.Fatalf("NewVerifierFromConfig: %v", err)
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, validClaims()).SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := v.VerifyToken(token); err != nil {
		t.Fatalf("VerifyToken() error = %v", err)
	}

	if _, err := v.VerifyToken(signHS256(t, validClaims())); err == nil {
		t.Fatal("HS256 token accepted by RS256 verifier")
	}
}

func jwkFor(kid string, key *rsa.PrivateKey) JWK {
	return JWK{
		Kty: "RSA",
		Kid: kid,
		Use: "sig",
		Alg: "RS256",
		N:   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
	}
}

func TestVerifyRS256WithJWKSRotation(t *testing.T) {
	first := generateRSAKey(t)
	second := generateRSAKey(t)

	var rotated atomic.Bool
	var fetches atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		set := JWKSet{Keys: []JWK{jwkFor("k1", first)}}
		if rotated.Load() {
			set.Keys = append(set.Keys, jwkFor("k2", second))
		}
		_ = json.NewEncoder(w).Encode(set)
	}))
	defer srv.Close()

	v, err := NewVerifier(context.Background(), VerifierConfig{
		Algorithm:           "RS256",
		JWKSURL:             srv.URL,
		JWKSRefreshInterval: time.Nanosecond,
	})
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}

	sign := func(kid string, key *rsa.PrivateKey) string {
		tok := jwt.NewWithClaims(jwt.SigningMethodRS256, validClaims())
		tok.Header["kid"] = kid
		s, err := tok.SignedString(key)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		return s
	}

	if _, err := v.VerifyToken(sign("k1", first)); err != nil {
		t.Fatalf("k1 token rejected: %v", err)
	}
	if _, err := v.VerifyToken(sign("k2", second)); err == nil {
		t.Fatal("unknown kid accepted")
	}

	rotated.Store(true)
	if _, err := v.VerifyToken(sign("k2", second)); err != nil {
		t.Fatalf("k2 token rejected after rotation: %v", err)
	}
	if fetches.Load() < 2 {
		t.Errorf("expected JWKS refresh, got %d fetches", fetches.Load())
	}
}

func TestBase64URLDecodeVariants(t *testing.T) {
	for _, in := range []string{"AQAB", "AQAB=", "_-8", "_-8="} {
		if _, err := base64URLDecode(in); err != nil {
			t.Errorf("base64URLDecode(%q) error = %v", in, err)
		}
	}
	if _, err := base64URLDecode("***"); err == nil {
		t.Error("expected error for invalid input")
	}
}

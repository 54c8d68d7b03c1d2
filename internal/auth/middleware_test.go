package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type stubVerifier map[string]*Claims

func (s stubVerifier) VerifyToken(token string) (*Claims, error) {
	if c, ok := s[token]; ok {
		return c, nil
	}
	return nil, errors.New("token verification failed")
}

var testVerifier = stubVerifier{
	"viewer-token":   {Subject: "viewer-1", Roles: []string{RoleViewer}, Scopes: []string{ScopeRead, ScopeTelemetry}},
	"operator-token": {Subject: "operator-1", Roles: []string{RoleOperator}, Scopes: []string{ScopeRead, ScopeControl, ScopeTelemetry}},
}

func okHandler(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"sub": claims.Subject})
}

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		header  string
		want    string
		wantErr bool
	}{
		{"Bearer abc", "abc", false},
		{"", "", true},
		{"Basic abc", "", true},
		{"Bearerabc", "", true},
		{"Bearer ", "", true},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if tt.header != "" {
			req.Header.Set("Authorization", tt.header)
		}
		got, err := extractBearerToken(req)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("extractBearerToken(%q) = %q, %v", tt.header, got, err)
		}
	}
}

func TestAuthenticateAndRequireScope(t *testing.T) {
	m := NewMiddleware(testVerifier)
	handler := m.Authenticate(m.RequireScope(ScopeControl)(http.HandlerFunc(okHandler)))

	tests := []struct {
		name   string
		token  string
		status int
		code   string
	}{
		{"no token", "", http.StatusUnauthorized, "UNAUTHORIZED"},
		{"bad token", "forged", http.StatusUnauthorized, "UNAUTHORIZED"},
		{"viewer", "viewer-token", http.StatusForbidden, "FORBIDDEN"},
		{"operator", "operator-token", http.StatusOK, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/runs", nil)
			if tt.token != "" {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
			if tt.code == "" {
				return
			}
			var body map[string]any
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("invalid error body: %v", err)
			}
			if body["code"] != tt.code || body["result"] != "error" {
				t.Errorf("unexpected error body %v", body)
			}
			if id, _ := body["correlationId"].(string); id == "" {
				t.Error("missing correlationId")
			}
		})
	}
}

func TestRequireRole(t *testing.T) {
	m := NewMiddleware(testVerifier)
	handler := m.Authenticate(m.RequireRole(RoleViewer, RoleOperator)(http.HandlerFunc(okHandler)))

	for _, token := range []string{"viewer-token", "operator-token"} {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/estop", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("%s: status = %d", token, rec.Code)
		}
	}
}

func TestRequireScopeWithoutAuthenticate(t *testing.T) {
	m := NewMiddleware(testVerifier)
	rec := httptest.NewRecorder()
	m.RequireScope(ScopeRead)(http.HandlerFunc(okHandler)).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestDisabledAuthUsesLocalOperator(t *testing.T) {
	m := NewMiddleware(nil)
	handler := m.Authenticate(m.RequireScope(ScopeControl)(http.HandlerFunc(okHandler)))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/runs", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]string
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body["sub"] != "local" {
		t.Errorf("subject = %q, want local", body["sub"])
	}
}

func TestHasScopesAndRoles(t *testing.T) {
	viewer := testVerifier["viewer-token"]
	if !HasScopes(viewer, ScopeRead, ScopeTelemetry) {
		t.Error("viewer should have read+telemetry")
	}
	if HasScopes(viewer, ScopeControl) {
		t.Error("viewer must not have control")
	}
	if HasScopes(nil, ScopeRead) || HasAnyRole(nil) {
		t.Error("nil claims must not match")
	}
	if !HasAnyRole(viewer) {
		t.Error("empty role list should match")
	}
}

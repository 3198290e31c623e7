package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "unit-test-secret"

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestParseValidToken(t *testing.T) {
	cfg := Config{Secret: testSecret, Issuer: "wearable-api"}
	token := signToken(t, jwt.MapClaims{
		"sub":    "user-1",
		"iss":    "wearable-api",
		"exp":    time.Now().Add(time.Hour).Unix(),
		"scopes": []string{ScopeRead, ScopeWrite},
	})

	claims, err := Parse(token, cfg)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.Subject != "user-1" {
		t.Fatalf("subject = %q, want user-1", claims.Subject)
	}
	if !claims.HasScope(ScopeWrite) || !claims.HasScope(ScopeRead) {
		t.Fatalf("scopes missing: %v", claims.Scopes)
	}
}

func TestParseSpaceSeparatedScopes(t *testing.T) {
	cfg := Config{Secret: testSecret, Issuer: "wearable-api"}
	token := signToken(t, jwt.MapClaims{
		"sub":    "user-1",
		"iss":    "wearable-api",
		"exp":    time.Now().Add(time.Hour).Unix(),
		"scopes": ScopeRead + " " + ScopeWrite,
	})

	claims, err := Parse(token, cfg)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !claims.HasScope(ScopeRead) {
		t.Fatalf("expected read scope, got %v", claims.Scopes)
	}
}

func TestParseRejectsWrongIssuer(t *testing.T) {
	cfg := Config{Secret: testSecret, Issuer: "wearable-api"}
	token := signToken(t, jwt.MapClaims{
		"sub": "user-1",
		"iss": "someone-else",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	if _, err := Parse(token, cfg); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestParseRejectsExpiredToken(t *testing.T) {
	cfg := Config{Secret: testSecret, Issuer: "wearable-api"}
	token := signToken(t, jwt.MapClaims{
		"sub": "user-1",
		"iss": "wearable-api",
		"exp": time.Now().Add(-time.Minute).Unix(),
	})

	if _, err := Parse(token, cfg); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestParseRejectsMissingSubject(t *testing.T) {
	cfg := Config{Secret: testSecret, Issuer: "wearable-api"}
	token := signToken(t, jwt.MapClaims{
		"iss": "wearable-api",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	if _, err := Parse(token, cfg); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestMiddlewareSkipsHealthEndpoint(t *testing.T) {
	mw := NewMiddleware(Config{Secret: testSecret, Issuer: "wearable-api"}, func(r *http.Request) bool {
		return r.URL.Path == "/healthz"
	})

	called := false
	handler := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if !called {
		t.Fatal("expected skipper to bypass auth")
	}
}

func TestMiddlewareRejectsMissingHeader(t *testing.T) {
	mw := NewMiddleware(Config{Secret: testSecret, Issuer: "wearable-api"}, nil)
	handler := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run without credentials")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/wearables/summary", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestMiddlewareInjectsClaims(t *testing.T) {
	cfg := Config{Secret: testSecret, Issuer: "wearable-api"}
	mw := NewMiddleware(cfg, nil)

	token := signToken(t, jwt.MapClaims{
		"sub":    "user-42",
		"iss":    "wearable-api",
		"exp":    time.Now().Add(time.Hour).Unix(),
		"scopes": []string{ScopeRead},
	})

	handler := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := FromContext(r.Context())
		if !ok {
			t.Fatal("claims missing from context")
		}
		if claims.Subject != "user-42" {
			t.Fatalf("subject = %q", claims.Subject)
		}
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/wearables/summary", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

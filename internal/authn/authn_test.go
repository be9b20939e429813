package authn

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signToken(t *testing.T, secret string, claims Claims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestAuthenticateValidToken(t *testing.T) {
	a := New("test-secret")
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
		UserID:           "user-1",
		ProjectIDs:       []string{"proj-1"},
	}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "test-secret", claims))

	got, err := a.Authenticate(req)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if got.UserID != "user-1" {
		t.Errorf("UserID = %q, want user-1", got.UserID)
	}
}

func TestAuthenticateMissingHeader(t *testing.T) {
	a := New("test-secret")
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if _, err := a.Authenticate(req); err == nil {
		t.Fatal("expected error for missing authorization header")
	}
}

func TestAuthenticateWrongSecret(t *testing.T) {
	a := New("test-secret")
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "wrong-secret", claims))

	if _, err := a.Authenticate(req); err == nil {
		t.Fatal("expected error for token signed with wrong secret")
	}
}

func TestRequireProjectScopeMismatch(t *testing.T) {
	claims := &Claims{ProjectIDs: []string{"proj-1"}}
	if err := RequireProject(claims, "proj-2"); err == nil {
		t.Fatal("expected scope mismatch error")
	}
	if err := RequireProject(claims, "proj-1"); err != nil {
		t.Errorf("expected no error for matching project, got %v", err)
	}
}

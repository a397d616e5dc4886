package middleware

import (
	"crypto/rand"
	"crypto/rsa"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signToken(t *testing.T, key *rsa.PrivateKey, role string, exp time.Time) string {
	t.Helper()
	claims := Claims{
		Role:    role,
		Name:    "Test",
		StoreID: "store-1",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func protected(pub *rsa.PublicKey, required string) http.Handler {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := GetClaims(r)
		w.Header().Set("X-Store", c.StoreID)
		w.WriteHeader(http.StatusNoContent)
	})
	return JWTAuthMiddlewareRS256(pub)(RoleAtLeastMiddleware(required)(inner))
}

func TestJWTAuthAndRoles(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	other, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	h := protected(&key.PublicKey, RoleCreator)
	future := time.Now().Add(time.Hour)

	cases := []struct {
		name   string
		token  string
		status int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"garbage", "not-a-jwt", http.StatusUnauthorized},
		{"wrong key", signToken(t, other, RoleAdmin, future), http.StatusUnauthorized},
		{"expired", signToken(t, key, RoleAdmin, time.Now().Add(-time.Hour)), http.StatusUnauthorized},
		{"hs256", mustHS256(t), http.StatusUnauthorized},
		{"user below creator", signToken(t, key, RoleUser, future), http.StatusForbidden},
		{"unknown role", signToken(t, key, "root", future), http.StatusForbidden},
		{"creator", signToken(t, key, "Creator", future), http.StatusNoContent},
		{"admin", signToken(t, key, RoleAdmin, future), http.StatusNoContent},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if tc.token != "" {
			req.Header.Set("Authorization", "Bearer "+tc.token)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != tc.status {
			t.Fatalf("%s: expected %d, got %d (%s)", tc.name, tc.status, rec.Code, rec.Body.String())
		}
		if tc.status == http.StatusNoContent && rec.Header().Get("X-Store") != "store-1" {
			t.Fatalf("%s: claims not propagated", tc.name)
		}
	}
}

func TestTokenFromCookie(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: "auth_token", Value: signToken(t, key, RoleAdmin, time.Now().Add(time.Hour))})
	rec := httptest.NewRecorder()
	protected(&key.PublicKey, RoleAdmin).ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected cookie auth to pass, got %d", rec.Code)
	}
}

func TestHasRole(t *testing.T) {
	if !HasRole(RoleService, RoleAdmin) || HasRole(RoleCreator, RoleAdmin) || HasRole(RoleAdmin, "owner") {
		t.Fatalf("unexpected role ordering")
	}
}

func mustHS256(t *testing.T) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{Role: RoleAdmin}).SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("sign hs256: %v", err)
	}
	return s
}

package identity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/chatline/internal/store"
	"github.com/golang-jwt/jwt/v5"
)

var testSecret = []byte("test-secret")

func TestSignVerify(t *testing.T) {
	token, err := Sign(testSecret, "u1", "Ann", time.Minute)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	claims, err := Verify(testSecret, token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Subject != "u1" || claims.Name != "Ann" {
		t.Errorf("claims = %+v", claims)
	}
}

func TestVerifyRejects(t *testing.T) {
	expired, _ := Sign(testSecret, "u1", "Ann", -time.Minute)
	otherKey, _ := Sign([]byte("other"), "u1", "Ann", time.Minute)
	noSubject, _ := Sign(testSecret, "", "Ann", time.Minute)
	unsigned, _ := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"sub": "u1",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)

	tests := map[string]string{
		"empty":      "",
		"garbage":    "not-a-token",
		"expired":    expired,
		"wrong key":  otherKey,
		"no subject": noSubject,
		"alg none":   unsigned,
	}
	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := Verify(testSecret, token); !errors.Is(err, ErrInvalidToken) {
				t.Errorf("Verify err = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestTokenFromRequestPrecedence(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws/chat/c1?token=query", nil)
	r.AddCookie(&http.Cookie{Name: TokenCookieName, Value: "cookie"})
	if got := TokenFromRequest(r); got != "query" {
		t.Errorf("query over cookie: got %q", got)
	}

	r.Header.Set("Authorization", "Bearer header")
	if got := TokenFromRequest(r); got != "header" {
		t.Errorf("header first: got %q", got)
	}

	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(&http.Cookie{Name: TokenCookieName, Value: "cookie"})
	if got := TokenFromRequest(r); got != "cookie" {
		t.Errorf("cookie fallback: got %q", got)
	}
}

func TestMiddleware(t *testing.T) {
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	var gotID, gotName string
	h := Middleware(repo, testSecret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID = UserIDFromContext(r.Context())
		gotName = UsernameFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/me", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status %d", w.Code)
	}

	token, _ := Sign(testSecret, "u1", "Ann", time.Minute)
	r := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != http.StatusNoContent {
		t.Fatalf("valid token: status %d", w.Code)
	}
	if gotID != "u1" || gotName != "Ann" {
		t.Errorf("context identity = %q %q", gotID, gotName)
	}

	user, err := repo.GetUser(context.Background(), "u1")
	if err != nil || user == nil || user.Username != "Ann" {
		t.Errorf("stored user = %+v, %v", user, err)
	}

	// A renamed token refreshes the display name.
	token, _ = Sign(testSecret, "u1", "Anne", time.Minute)
	r = httptest.NewRequest(http.MethodGet, "/api/me?token="+token, nil)
	h.ServeHTTP(httptest.NewRecorder(), r)
	user, _ = repo.GetUser(context.Background(), "u1")
	if user.Username != "Anne" {
		t.Errorf("username = %q after rename", user.Username)
	}
}

func TestDeriveUsername(t *testing.T) {
	if got := deriveUsername("1234567890"); got != "user-34567890" {
		t.Errorf("deriveUsername long = %q", got)
	}
	if got := deriveUsername("42"); got != "user-42" {
		t.Errorf("deriveUsername short = %q", got)
	}
}

package server

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func newSessionKeyPair(t *testing.T) (ed25519.PrivateKey, string) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return priv, base64.StdEncoding.EncodeToString(pub)
}

func signSessionToken(t *testing.T, priv ed25519.PrivateKey, claims sessionTokenClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(priv)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func sessionClaims(userID string) sessionTokenClaims {
	return sessionTokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "https://auth.tenebrae.world",
			Audience:  jwt.ClaimStrings{"sync"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		UserID: userID,
	}
}

func TestSessionTokenAuthorizerAcceptsValidToken(t *testing.T) {
	priv, pub := newSessionKeyPair(t)
	authorizer, err := newSessionTokenAuthorizer("https://auth.tenebrae.world", "sync", pub)
	if err != nil {
		t.Fatalf("new authorizer: %v", err)
	}

	token := signSessionToken(t, priv, sessionClaims("user-1"))
	userID, err := authorizer.Authenticate(context.Background(), token)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if userID != "user-1" {
		t.Fatalf("user id = %q, want %q", userID, "user-1")
	}
}

func TestSessionTokenAuthorizerRejectsBadClaims(t *testing.T) {
	priv, pub := newSessionKeyPair(t)
	authorizer, err := newSessionTokenAuthorizer("https://auth.tenebrae.world", "sync", pub)
	if err != nil {
		t.Fatalf("new authorizer: %v", err)
	}

	wrongIssuer := sessionClaims("user-1")
	wrongIssuer.Issuer = "https://evil.example"

	wrongAudience := sessionClaims("user-1")
	wrongAudience.Audience = jwt.ClaimStrings{"web"}

	expired := sessionClaims("user-1")
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))

	missingExpiry := sessionClaims("user-1")
	missingExpiry.ExpiresAt = nil

	notYetActive := sessionClaims("user-1")
	notYetActive.NotBefore = jwt.NewNumericDate(time.Now().Add(time.Hour))

	tests := []struct {
		name  string
		token string
	}{
		{name: "issuer mismatch", token: signSessionToken(t, priv, wrongIssuer)},
		{name: "audience mismatch", token: signSessionToken(t, priv, wrongAudience)},
		{name: "expired", token: signSessionToken(t, priv, expired)},
		{name: "missing expiry", token: signSessionToken(t, priv, missingExpiry)},
		{name: "not yet active", token: signSessionToken(t, priv, notYetActive)},
		{name: "empty user id", token: signSessionToken(t, priv, sessionClaims(""))},
		{name: "garbage", token: "not-a-token"},
		{name: "empty", token: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := authorizer.Authenticate(context.Background(), tt.token); err == nil {
				t.Fatal("expected authentication error")
			}
		})
	}
}

func TestSessionTokenAuthorizerRejectsForeignSignature(t *testing.T) {
	_, pub := newSessionKeyPair(t)
	otherPriv, _ := newSessionKeyPair(t)
	authorizer, err := newSessionTokenAuthorizer("https://auth.tenebrae.world", "sync", pub)
	if err != nil {
		t.Fatalf("new authorizer: %v", err)
	}

	token := signSessionToken(t, otherPriv, sessionClaims("user-1"))
	if _, err := authorizer.Authenticate(context.Background(), token); err == nil {
		t.Fatal("expected signature verification error")
	}
}

func TestNewSessionTokenAuthorizerValidatesConfig(t *testing.T) {
	_, pub := newSessionKeyPair(t)
	if _, err := newSessionTokenAuthorizer("", "sync", pub); err == nil {
		t.Fatal("expected error for empty issuer")
	}
	if _, err := newSessionTokenAuthorizer("https://auth.tenebrae.world", "", pub); err == nil {
		t.Fatal("expected error for empty audience")
	}
	if _, err := newSessionTokenAuthorizer("https://auth.tenebrae.world", "sync", "!!!"); err == nil {
		t.Fatal("expected error for malformed key")
	}
	short := base64.StdEncoding.EncodeToString([]byte("too-short"))
	if _, err := newSessionTokenAuthorizer("https://auth.tenebrae.world", "sync", short); err == nil {
		t.Fatal("expected error for short key")
	}
}

func TestIntrospectionAuthorizerResolvesActiveToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/introspect" {
			t.Errorf("path = %q, want /introspect", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok-1" {
			t.Errorf("authorization = %q, want Bearer tok-1", got)
		}
		if got := r.Header.Get("X-Resource-Secret"); got != "secret-1" {
			t.Errorf("resource secret = %q, want secret-1", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"active":true,"user_id":"user-9"}`))
	}))
	defer srv.Close()

	authorizer := &introspectionAuthorizer{
		authBaseURL:         srv.URL,
		oauthResourceSecret: "secret-1",
		httpClient:          srv.Client(),
	}

	userID, err := authorizer.Authenticate(context.Background(), "tok-1")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if userID != "user-9" {
		t.Fatalf("user id = %q, want %q", userID, "user-9")
	}
}

func TestIntrospectionAuthorizerRejectsInactiveToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"active":false}`))
	}))
	defer srv.Close()

	authorizer := &introspectionAuthorizer{
		authBaseURL:         srv.URL,
		oauthResourceSecret: "secret-1",
		httpClient:          srv.Client(),
	}
	if _, err := authorizer.Authenticate(context.Background(), "tok-1"); err == nil {
		t.Fatal("expected error for inactive token")
	}
}

func TestIntrospectionAuthorizerRejectsUpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	authorizer := &introspectionAuthorizer{
		authBaseURL:         srv.URL,
		oauthResourceSecret: "secret-1",
		httpClient:          srv.Client(),
	}
	if _, err := authorizer.Authenticate(context.Background(), "tok-1"); err == nil {
		t.Fatal("expected error for upstream failure")
	}
}

func TestNewWSAuthorizerSelectsStrategy(t *testing.T) {
	_, pub := newSessionKeyPair(t)

	session, err := newWSAuthorizer(Config{
		SessionIssuer:    "https://auth.tenebrae.world",
		SessionAudience:  "sync",
		SessionPublicKey: pub,
	})
	if err != nil {
		t.Fatalf("session config: %v", err)
	}
	if _, ok := session.(*sessionTokenAuthorizer); !ok {
		t.Fatalf("authorizer = %T, want *sessionTokenAuthorizer", session)
	}

	introspection, err := newWSAuthorizer(Config{
		AuthBaseURL:         "https://auth.tenebrae.world",
		OAuthResourceSecret: "secret-1",
	})
	if err != nil {
		t.Fatalf("introspection config: %v", err)
	}
	if _, ok := introspection.(*introspectionAuthorizer); !ok {
		t.Fatalf("authorizer = %T, want *introspectionAuthorizer", introspection)
	}

	none, err := newWSAuthorizer(Config{})
	if err != nil {
		t.Fatalf("empty config: %v", err)
	}
	if none != nil {
		t.Fatalf("authorizer = %T, want nil", none)
	}
}

package server

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/louisbranch/tenebrae.world/internal/platform/timeouts"
)

const tokenCookieName = "tw_token"

// wsAuthorizer resolves an access token to an authenticated user identity
// before the websocket upgrade.
type wsAuthorizer interface {
	Authenticate(ctx context.Context, accessToken string) (string, error)
}

// newWSAuthorizer selects the verification strategy from config: a local
// ed25519 session key when one is provided, otherwise remote introspection
// against the auth service. Returns nil when neither is configured.
func newWSAuthorizer(config Config) (wsAuthorizer, error) {
	if key := strings.TrimSpace(config.SessionPublicKey); key != "" {
		return newSessionTokenAuthorizer(config.SessionIssuer, config.SessionAudience, key)
	}
	authBaseURL := strings.TrimSpace(config.AuthBaseURL)
	resourceSecret := strings.TrimSpace(config.OAuthResourceSecret)
	if authBaseURL == "" || resourceSecret == "" {
		return nil, nil
	}
	return &introspectionAuthorizer{
		authBaseURL:         authBaseURL,
		oauthResourceSecret: resourceSecret,
		httpClient:          &http.Client{Timeout: timeouts.HTTPRequest},
	}, nil
}

// sessionTokenClaims is the internal claims type used for JWT parsing.
type sessionTokenClaims struct {
	jwt.RegisteredClaims
	UserID string `json:"user_id"`
}

// sessionTokenAuthorizer verifies ed25519-signed session tokens locally,
// without a network round-trip per connection.
type sessionTokenAuthorizer struct {
	issuer   string
	audience string
	key      ed25519.PublicKey
	now      func() time.Time
}

func newSessionTokenAuthorizer(issuer, audience, publicKey string) (*sessionTokenAuthorizer, error) {
	issuer = strings.TrimSpace(issuer)
	audience = strings.TrimSpace(audience)
	if issuer == "" {
		return nil, errors.New("session token issuer is required")
	}
	if audience == "" {
		return nil, errors.New("session token audience is required")
	}
	keyBytes, err := decodeBase64(strings.TrimSpace(publicKey))
	if err != nil {
		return nil, fmt.Errorf("decode session public key: %w", err)
	}
	if len(keyBytes) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("session public key must be %d bytes", ed25519.PublicKeySize)
	}
	return &sessionTokenAuthorizer{
		issuer:   issuer,
		audience: audience,
		key:      ed25519.PublicKey(keyBytes),
		now:      time.Now,
	}, nil
}

func (a *sessionTokenAuthorizer) Authenticate(_ context.Context, accessToken string) (string, error) {
	accessToken = strings.TrimSpace(accessToken)
	if accessToken == "" {
		return "", errors.New("access token is required")
	}

	var parsed sessionTokenClaims
	_, err := jwt.ParseWithClaims(accessToken, &parsed, func(token *jwt.Token) (any, error) {
		return a.key, nil
	},
		jwt.WithValidMethods([]string{"EdDSA"}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenSignatureInvalid) || errors.Is(err, jwt.ErrEd25519Verification) {
			return "", errors.New("session token signature is invalid")
		}
		return "", errors.New("session token is invalid")
	}

	if parsed.Issuer != a.issuer {
		return "", errors.New("session token issuer mismatch")
	}
	if !audienceContains(parsed.Audience, a.audience) {
		return "", errors.New("session token audience mismatch")
	}
	if parsed.ExpiresAt == nil {
		return "", errors.New("session token exp is required")
	}
	now := a.now().UTC()
	if !parsed.ExpiresAt.Time.UTC().After(now) {
		return "", errors.New("session token is expired")
	}
	if parsed.NotBefore != nil && now.Before(parsed.NotBefore.Time.UTC()) {
		return "", errors.New("session token not active yet")
	}

	userID := strings.TrimSpace(parsed.UserID)
	if userID == "" {
		return "", errors.New("session token user id is required")
	}
	return userID, nil
}

// authIntrospectResponse mirrors the auth service introspection payload.
type authIntrospectResponse struct {
	Active bool   `json:"active"`
	UserID string `json:"user_id"`
}

// introspectionAuthorizer validates access tokens against the auth service
// introspection endpoint.
type introspectionAuthorizer struct {
	authBaseURL         string
	oauthResourceSecret string
	httpClient          *http.Client
}

func (a *introspectionAuthorizer) Authenticate(ctx context.Context, accessToken string) (string, error) {
	accessToken = strings.TrimSpace(accessToken)
	if accessToken == "" {
		return "", errors.New("access token is required")
	}
	if a == nil || a.httpClient == nil {
		return "", errors.New("auth is not configured")
	}

	endpoint := strings.TrimRight(a.authBaseURL, "/") + "/introspect"
	authCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(authCtx, http.MethodPost, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("build introspection request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("X-Resource-Secret", a.oauthResourceSecret)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("call auth introspection: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("auth introspection status %d", resp.StatusCode)
	}

	var payload authIntrospectResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode introspection response: %w", err)
	}
	if !payload.Active {
		return "", errors.New("inactive access token")
	}

	userID := strings.TrimSpace(payload.UserID)
	if userID == "" {
		return "", errors.New("introspection returned empty user id")
	}
	return userID, nil
}

// audienceContains reports whether the audience list contains the given value.
func audienceContains(aud jwt.ClaimStrings, value string) bool {
	for _, item := range aud {
		if item == value {
			return true
		}
	}
	return false
}

func decodeBase64(value string) ([]byte, error) {
	if value == "" {
		return nil, errors.New("empty base64 value")
	}
	decoded, err := base64.RawStdEncoding.DecodeString(value)
	if err == nil {
		return decoded, nil
	}
	return base64.StdEncoding.DecodeString(value)
}

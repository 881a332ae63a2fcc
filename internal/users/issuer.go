package users

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

// Issuer obtains credentials for a user.
type Issuer interface {
	Issue(ctx context.Context, user User, scopes []string) (AuthenticatedUser, error)
}

// StaticIssuer hands out the same token to every user.
type StaticIssuer struct {
	Token string
}

// Issue implements Issuer.
func (s StaticIssuer) Issue(_ context.Context, user User, scopes []string) (AuthenticatedUser, error) {
	return AuthenticatedUser{
		User:   user,
		Scopes: append([]string(nil), scopes...),
		Token:  s.Token,
	}, nil
}

// TokenIssuer creates service tokens through the token service admin API at
// {base}/auth/api/v1/tokens.
type TokenIssuer struct {
	endpoint   string
	adminToken string
	client     *http.Client
	limiter    *rate.Limiter
	lifetime   time.Duration
}

// TokenIssuerOption configures a TokenIssuer.
type TokenIssuerOption func(*TokenIssuer)

// WithIssuerHTTPClient overrides the HTTP client.
func WithIssuerHTTPClient(client *http.Client) TokenIssuerOption {
	return func(t *TokenIssuer) {
		t.client = client
	}
}

// WithRate limits token creation to rps requests per second. Zero disables
// limiting.
func WithRate(rps float64) TokenIssuerOption {
	return func(t *TokenIssuer) {
		if rps <= 0 {
			t.limiter = nil
			return
		}
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		t.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithTokenLifetime sets the expiration requested for new tokens. Zero means
// tokens do not expire.
func WithTokenLifetime(d time.Duration) TokenIssuerOption {
	return func(t *TokenIssuer) {
		t.lifetime = d
	}
}

// NewTokenIssuer creates an issuer for the environment at baseURL.
func NewTokenIssuer(baseURL, adminToken string, opts ...TokenIssuerOption) *TokenIssuer {
	t := &TokenIssuer{
		endpoint:   strings.TrimRight(baseURL, "/") + "/auth/api/v1/tokens",
		adminToken: adminToken,
		client:     &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(10), 10),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

type tokenRequest struct {
	Username  string   `json:"username"`
	TokenType string   `json:"token_type"`
	Scopes    []string `json:"scopes"`
	Name      string   `json:"name"`
	UID       *int     `json:"uid,omitempty"`
	GID       *int     `json:"gid,omitempty"`
	Expires   *int64   `json:"expires,omitempty"`
}

// Issue implements Issuer.
func (t *TokenIssuer) Issue(ctx context.Context, user User, scopes []string) (AuthenticatedUser, error) {
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return AuthenticatedUser{}, fmt.Errorf("issue token for %s: %w", user.Username, err)
		}
	}

	payload := tokenRequest{
		Username:  user.Username,
		TokenType: "service",
		Scopes:    scopes,
		Name:      "Mobu Test User",
		UID:       user.UID,
		GID:       user.GID,
	}
	if payload.Scopes == nil {
		payload.Scopes = []string{}
	}
	if t.lifetime > 0 {
		expires := time.Now().Add(t.lifetime).Unix()
		payload.Expires = &expires
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return AuthenticatedUser{}, fmt.Errorf("encode token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return AuthenticatedUser{}, fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.adminToken)

	resp, err := t.client.Do(req)
	if err != nil {
		return AuthenticatedUser{}, fmt.Errorf("issue token for %s: %w", user.Username, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return AuthenticatedUser{}, fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return AuthenticatedUser{}, fmt.Errorf("issue token for %s: status %d: %s",
			user.Username, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	token := gjson.GetBytes(respBody, "token")
	if !token.Exists() || token.String() == "" {
		return AuthenticatedUser{}, fmt.Errorf("issue token for %s: response has no token", user.Username)
	}

	return AuthenticatedUser{
		User:   user,
		Scopes: append([]string(nil), scopes...),
		Token:  token.String(),
	}, nil
}

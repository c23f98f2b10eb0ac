package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// Gateway tokens live roughly a day; refresh well before literal expiry
	tokenLifetime = 23*time.Hour + 30*time.Minute
	refreshBuffer = 30 * time.Minute

	httpTimeout = 10 * time.Second
)

// ErrAuthFailed wraps credential or network failures during authentication.
// The caller decides retry policy.
var ErrAuthFailed = errors.New("broker authentication failed")

// AuthSession produces a currently-valid gateway token and the active account
// list. It owns its private token cache and mutates nothing else.
type AuthSession struct {
	baseURL    string
	username   string
	apiKey     string
	httpClient *http.Client
	log        zerolog.Logger

	mu     sync.Mutex
	token  string
	expiry time.Time
}

// NewAuthSession validates credentials and creates a session. Missing or
// blank credentials fail fast.
func NewAuthSession(baseURL, username, apiKey string, log zerolog.Logger) (*AuthSession, error) {
	if strings.TrimSpace(username) == "" || strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("%w: username and api key are required", ErrAuthFailed)
	}

	return &AuthSession{
		baseURL:    strings.TrimRight(baseURL, "/"),
		username:   username,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: httpTimeout},
		log:        log.With().Str("component", "broker_auth").Logger(),
	}, nil
}

// Token returns a currently-valid gateway token. A cached token inside its
// lifetime is reused; an aging token is validated-and-refreshed; otherwise a
// full login exchanges the credentials for a new token.
func (s *AuthSession) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if s.token != "" && now.Before(s.expiry.Add(-refreshBuffer)) {
		return s.token, nil
	}

	if s.token != "" {
		if token, err := s.validate(ctx); err == nil {
			s.token = token
			s.expiry = now.Add(tokenLifetime)
			s.log.Debug().Msg("Token refreshed via validate")
			return s.token, nil
		} else {
			s.log.Warn().Err(err).Msg("Token validate failed, performing full login")
		}
	}

	token, err := s.login(ctx)
	if err != nil {
		return "", err
	}

	s.token = token
	s.expiry = now.Add(tokenLifetime)
	s.log.Info().Msg("Authenticated with gateway")
	return s.token, nil
}

// ListActiveAccounts fetches accounts the gateway flags as active. Zero
// accounts is an empty slice, not an error.
func (s *AuthSession) ListActiveAccounts(ctx context.Context) ([]ActiveAccount, error) {
	token, err := s.Token(ctx)
	if err != nil {
		return nil, err
	}

	var resp accountSearchResponse
	if err := s.post(ctx, "/api/Account/search", token, accountSearchRequest{OnlyActiveAccounts: true}, &resp); err != nil {
		return nil, fmt.Errorf("account search failed: %w", err)
	}
	if !resp.Success {
		return nil, fmt.Errorf("account search rejected: code %d: %s", resp.ErrorCode, resp.ErrorMessage)
	}

	s.log.Info().Int("count", len(resp.Accounts)).Msg("Fetched active accounts")
	return resp.Accounts, nil
}

// Logout discards the cached token
func (s *AuthSession) Logout() {
	s.mu.Lock()
	s.token = ""
	s.expiry = time.Time{}
	s.mu.Unlock()
	s.log.Info().Msg("Broker session cleared")
}

// login exchanges {username, apiKey} for a fresh token
func (s *AuthSession) login(ctx context.Context) (string, error) {
	var resp loginKeyResponse
	err := s.post(ctx, "/api/Auth/loginKey", "", loginKeyRequest{UserName: s.username, APIKey: s.apiKey}, &resp)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	if !resp.Success || resp.Token == "" {
		return "", fmt.Errorf("%w: code %d: %s", ErrAuthFailed, resp.ErrorCode, resp.ErrorMessage)
	}
	return resp.Token, nil
}

// validate exchanges the existing token for a renewed one. Caller holds the lock.
func (s *AuthSession) validate(ctx context.Context) (string, error) {
	var resp validateResponse
	if err := s.post(ctx, "/api/Auth/validate", s.token, struct{}{}, &resp); err != nil {
		return "", err
	}
	if !resp.Success {
		return "", fmt.Errorf("validate rejected: code %d: %s", resp.ErrorCode, resp.ErrorMessage)
	}
	// The gateway may renew in place without issuing a new token
	if resp.NewToken == "" {
		return s.token, nil
	}
	return resp.NewToken, nil
}

// post sends a JSON POST to the gateway, optionally bearer-authenticated
func (s *AuthSession) post(ctx context.Context, path, token string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway returned status %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}

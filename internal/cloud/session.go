package cloud

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

	"github.com/aristath/relay/internal/security"
)

const (
	httpTimeout = 10 * time.Second

	// Engine access tokens live ~15 minutes; anything inside the buffer is
	// refreshed before use so bearer calls never go out with a dead token
	accessTokenLifetime = 15 * time.Minute
	accessTokenBuffer   = 2 * time.Minute

	activateLimit  = 5
	activateWindow = time.Hour

	refreshLimit  = 20
	refreshWindow = time.Hour

	telemetryLimit  = 100
	telemetryWindow = 15 * time.Minute
)

var (
	// ErrInvalidActivationToken means the engine does not recognize the
	// activation token (single-use tokens expire after redemption)
	ErrInvalidActivationToken = errors.New("activation token is invalid or expired")

	// ErrCloudUnreachable wraps transport-level failures talking to the engine
	ErrCloudUnreachable = errors.New("cannot reach cloud engine")

	// ErrNotActivated means the session has no access token or fingerprint yet
	ErrNotActivated = errors.New("session is not activated")
)

// Session holds the agent's identity with the signal engine and owns the
// persistent command channel. All token state lives behind the mutex; the
// channel never sees token refreshes (an open channel stays up on its original
// token).
type Session struct {
	baseURL    string
	httpClient *http.Client
	log        zerolog.Logger

	activateLimiter  *security.RateLimiter
	refreshLimiter   *security.RateLimiter
	telemetryLimiter *security.RateLimiter

	mu          sync.RWMutex
	credentials Credentials
	issuedAt    time.Time // when the current access token was obtained
	rotated     func(Credentials)

	channel *Channel

	now func() time.Time
}

// NewSession creates an engine session bound to one device fingerprint.
// certFingerprint optionally pins the engine's TLS certificate.
func NewSession(baseURL, wsURL, deviceFingerprint, certFingerprint string, log zerolog.Logger) *Session {
	sessionLog := log.With().Str("component", "cloud_session").Logger()
	return &Session{
		baseURL:          strings.TrimRight(baseURL, "/"),
		httpClient:       newHTTPClient(certFingerprint, httpTimeout),
		log:              sessionLog,
		activateLimiter:  security.NewRateLimiter("activate", activateLimit, activateWindow),
		refreshLimiter:   security.NewRateLimiter("refresh", refreshLimit, refreshWindow),
		telemetryLimiter: security.NewRateLimiter("telemetry", telemetryLimit, telemetryWindow),
		credentials:      Credentials{DeviceFingerprint: deviceFingerprint},
		channel:          NewChannel(wsURL, certFingerprint, log),
		now:              time.Now,
	}
}

// OnCredentialsRotated registers a hook invoked whenever activation or a
// refresh produces new credentials. Used to persist rotated tokens so a
// restart never resumes from a refresh token the engine already retired.
func (s *Session) OnCredentialsRotated(fn func(Credentials)) {
	s.mu.Lock()
	s.rotated = fn
	s.mu.Unlock()
}

// Restore seeds the session with previously persisted credentials. The stored
// fingerprint wins over the computed one so a restored identity stays bound to
// the machine that activated it.
func (s *Session) Restore(creds Credentials) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if creds.DeviceFingerprint == "" {
		creds.DeviceFingerprint = s.credentials.DeviceFingerprint
	}
	s.credentials = creds
	// The restored token's age is unknown, so it stays marked stale and the
	// first bearer call refreshes before sending
	s.issuedAt = time.Time{}
	s.log.Info().Str("bot_id", creds.BotID).Msg("Restored engine credentials")
}

// Credentials returns a copy of the current identity for persistence
func (s *Session) Credentials() Credentials {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.credentials
}

// Activated reports whether the session holds an access token and fingerprint
func (s *Session) Activated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.credentials.AccessToken != "" && s.credentials.DeviceFingerprint != ""
}

// Activate redeems a single-use activation token for engine credentials. The
// rate limit is checked before any network traffic.
func (s *Session) Activate(ctx context.Context, activationToken string) (Credentials, error) {
	if err := s.activateLimiter.CheckLimit(); err != nil {
		return Credentials{}, err
	}

	s.mu.RLock()
	fingerprint := s.credentials.DeviceFingerprint
	s.mu.RUnlock()

	req := activateRequest{ActivationToken: activationToken, DeviceFingerprint: fingerprint}
	var resp activateResponse
	statusCode, err := s.post(ctx, "/activate", "", req, &resp)
	if err != nil {
		return Credentials{}, fmt.Errorf("%w: %v", ErrCloudUnreachable, err)
	}
	if statusCode == http.StatusNotFound {
		return Credentials{}, ErrInvalidActivationToken
	}
	if statusCode != http.StatusOK {
		return Credentials{}, fmt.Errorf("activation failed: engine returned status %d", statusCode)
	}

	s.mu.Lock()
	s.credentials.BotID = resp.BotID
	s.credentials.AccessToken = resp.AccessToken
	s.credentials.RefreshToken = resp.RefreshToken
	s.issuedAt = s.now()
	creds := s.credentials
	rotated := s.rotated
	s.mu.Unlock()

	if rotated != nil {
		rotated(creds)
	}
	s.log.Info().Str("bot_id", creds.BotID).Msg("Activated with engine")
	return creds, nil
}

// RefreshAccessToken exchanges the refresh token for a new access token. The
// refresh token rotates only when the response carries one; each field is
// persisted independently of the other.
func (s *Session) RefreshAccessToken(ctx context.Context) (Credentials, error) {
	if err := s.refreshLimiter.CheckLimit(); err != nil {
		return Credentials{}, err
	}

	s.mu.RLock()
	refreshToken := s.credentials.RefreshToken
	s.mu.RUnlock()
	if refreshToken == "" {
		return Credentials{}, ErrNotActivated
	}

	var resp refreshResponse
	statusCode, err := s.post(ctx, "/refresh", "", refreshRequest{RefreshToken: refreshToken}, &resp)
	if err != nil {
		return Credentials{}, fmt.Errorf("%w: %v", ErrCloudUnreachable, err)
	}
	if statusCode != http.StatusOK {
		return Credentials{}, fmt.Errorf("token refresh failed: engine returned status %d", statusCode)
	}

	s.mu.Lock()
	s.credentials.AccessToken = resp.AccessToken
	if resp.RefreshToken != "" {
		s.credentials.RefreshToken = resp.RefreshToken
	}
	s.issuedAt = s.now()
	creds := s.credentials
	rotated := s.rotated
	s.mu.Unlock()

	if rotated != nil {
		rotated(creds)
	}
	s.log.Info().Bool("refresh_token_rotated", resp.RefreshToken != "").Msg("Access token refreshed")
	return creds, nil
}

// tokenStale reports whether the access token is inside the refresh buffer.
// A session without a token is not stale; that case surfaces as
// ErrNotActivated from the caller instead.
func (s *Session) tokenStale() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.credentials.AccessToken == "" {
		return false
	}
	return s.now().After(s.issuedAt.Add(accessTokenLifetime - accessTokenBuffer))
}

// SendTelemetry uploads an account snapshot, signed with the current access
// token. Missing token or fingerprint is a local, non-retryable failure. A
// token inside the refresh buffer is refreshed first; if that refresh fails
// the upload is still attempted with the token on hand.
func (s *Session) SendTelemetry(ctx context.Context, accounts []AccountTelemetry) error {
	if err := s.telemetryLimiter.CheckLimit(); err != nil {
		return err
	}

	if s.tokenStale() {
		if _, err := s.RefreshAccessToken(ctx); err != nil {
			s.log.Warn().Err(err).Msg("Token refresh before telemetry failed, sending with current token")
		}
	}

	s.mu.RLock()
	creds := s.credentials
	s.mu.RUnlock()
	if creds.AccessToken == "" || creds.DeviceFingerprint == "" {
		return ErrNotActivated
	}

	payload := telemetryPayload{
		BotID:     creds.BotID,
		Accounts:  accounts,
		Timestamp: time.Now().UnixMilli(),
	}
	envelope, err := security.Sign(payload, creds.AccessToken)
	if err != nil {
		return fmt.Errorf("failed to sign telemetry: %w", err)
	}

	statusCode, err := s.post(ctx, "/telemetry", creds.AccessToken, envelope, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCloudUnreachable, err)
	}
	if statusCode != http.StatusNoContent && statusCode != http.StatusOK {
		return fmt.Errorf("telemetry rejected: engine returned status %d", statusCode)
	}

	s.log.Debug().Int("accounts", len(accounts)).Msg("Telemetry sent")
	return nil
}

// Connect opens the persistent command channel with the current access token.
// A later token refresh never reconnects an open channel. A stale token is
// refreshed before dialing: the channel treats an auth rejection as terminal,
// so it must never be handed a token that is already dead.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.RLock()
	token := s.credentials.AccessToken
	s.mu.RUnlock()
	if token == "" {
		return ErrNotActivated
	}

	if s.tokenStale() {
		creds, err := s.RefreshAccessToken(ctx)
		if err != nil {
			return fmt.Errorf("cannot refresh token before connecting: %w", err)
		}
		token = creds.AccessToken
	}

	return s.channel.Connect(ctx, token)
}

// Channel exposes the persistent command channel for handler registration
func (s *Session) Channel() *Channel {
	return s.channel
}

// LimiterStats reports rate-limiter occupancy for the status API
func (s *Session) LimiterStats() map[string]security.RateLimiterStats {
	return map[string]security.RateLimiterStats{
		"activate":  s.activateLimiter.GetStats(),
		"refresh":   s.refreshLimiter.GetStats(),
		"telemetry": s.telemetryLimiter.GetStats(),
	}
}

// Shutdown tears down the channel and its timers
func (s *Session) Shutdown() {
	s.log.Info().Msg("Shutting down engine session")
	s.channel.Close()
}

// post sends a JSON POST to the engine. Non-2xx statuses are returned to the
// caller for interpretation, not treated as transport errors.
func (s *Session) post(ctx context.Context, path, token string, body, out interface{}) (int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	s.mu.RLock()
	if fp := s.credentials.DeviceFingerprint; fp != "" {
		req.Header.Set("X-Device-Fingerprint", fp)
	}
	s.mu.RUnlock()

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}

	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

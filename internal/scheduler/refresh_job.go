package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/relay/internal/cloud"
	"github.com/aristath/relay/internal/security"
)

// RefreshSchedule rotates the cloud access token well inside its ~15 minute
// lifetime. Six refreshes per hour sits comfortably under the 20/hour budget
// even with the session's own on-demand refreshes on top.
const RefreshSchedule = "@every 10m"

// TokenRefreshJob keeps the cloud access token alive between the session's
// on-demand refreshes. Rotated credentials reach the credential store
// through the session's rotation hook.
type TokenRefreshJob struct {
	session *cloud.Session
	log     zerolog.Logger
}

// NewTokenRefreshJob creates the refresh job
func NewTokenRefreshJob(session *cloud.Session, log zerolog.Logger) *TokenRefreshJob {
	return &TokenRefreshJob{
		session: session,
		log:     log.With().Str("component", "refresh_job").Logger(),
	}
}

// Name implements Job
func (j *TokenRefreshJob) Name() string {
	return "token_refresh"
}

// Run implements Job
func (j *TokenRefreshJob) Run() error {
	if !j.session.Activated() {
		j.log.Debug().Msg("Skipping refresh, session not activated")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := j.session.RefreshAccessToken(ctx)

	// On-demand refreshes can crowd the window; skip the tick, the next one
	// or the session itself will catch up
	var limited *security.RateLimitError
	if errors.As(err, &limited) {
		j.log.Warn().Int("retry_after_s", int(limited.RetryAfter.Seconds())).Msg("Refresh rate limited, skipping tick")
		return nil
	}
	return err
}

package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/relay/internal/broker"
)

// FeedTokenSchedule is how often the feed's token is compared against the
// auth session's current gateway token
const FeedTokenSchedule = "@every 15m"

// FeedTokenJob keeps the realtime feed dialed in with the auth session's
// current gateway token. The session rotates its token near expiry; once the
// token the feed holds falls behind, the feed is rebuilt with the fresh one.
type FeedTokenJob struct {
	session broker.Session
	feed    *broker.Feed
	log     zerolog.Logger
}

// NewFeedTokenJob creates the feed token job
func NewFeedTokenJob(session broker.Session, feed *broker.Feed, log zerolog.Logger) *FeedTokenJob {
	return &FeedTokenJob{
		session: session,
		feed:    feed,
		log:     log.With().Str("component", "feed_token_job").Logger(),
	}
}

// Name implements Job
func (j *FeedTokenJob) Name() string {
	return "feed_token"
}

// Run implements Job
func (j *FeedTokenJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	token, err := j.session.Token(ctx)
	if err != nil {
		return err
	}
	if token == j.feed.Token() {
		return nil
	}

	j.log.Info().Msg("Gateway token rotated, rebuilding realtime feed")
	return j.feed.Rebuild(token)
}

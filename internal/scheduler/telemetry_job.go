package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/relay/internal/cloud"
	"github.com/aristath/relay/internal/registry"
	"github.com/aristath/relay/internal/security"
)

// TelemetrySchedule is how often account snapshots go to the engine
const TelemetrySchedule = "@every 30s"

// TelemetrySnapshotJob pushes the registry's account state to the engine.
// Runs are skipped silently while the session has no identity yet.
type TelemetrySnapshotJob struct {
	registry *registry.Registry
	session  *cloud.Session
	log      zerolog.Logger
}

// NewTelemetrySnapshotJob creates the telemetry job
func NewTelemetrySnapshotJob(reg *registry.Registry, session *cloud.Session, log zerolog.Logger) *TelemetrySnapshotJob {
	return &TelemetrySnapshotJob{
		registry: reg,
		session:  session,
		log:      log.With().Str("component", "telemetry_job").Logger(),
	}
}

// Name implements Job
func (j *TelemetrySnapshotJob) Name() string {
	return "telemetry_snapshot"
}

// Run implements Job
func (j *TelemetrySnapshotJob) Run() error {
	if !j.session.Activated() {
		j.log.Debug().Msg("Skipping telemetry, session not activated")
		return nil
	}

	accounts := j.registry.Snapshot()
	if len(accounts) == 0 {
		return nil
	}

	snapshot := make([]cloud.AccountTelemetry, 0, len(accounts))
	for _, a := range accounts {
		snapshot = append(snapshot, cloud.AccountTelemetry{
			AccountID:      a.ID,
			Name:           a.Name,
			Balance:        a.Balance,
			Equity:         a.Equity,
			RealizedPnl:    a.RealizedPnl,
			OpenPnl:        a.UnrealizedPnl,
			TradingEnabled: a.TradingEnabled,
			PositionCount:  len(a.Positions),
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := j.session.SendTelemetry(ctx, snapshot)

	// A full window is expected under load; skip this tick instead of failing
	var limited *security.RateLimitError
	if errors.As(err, &limited) {
		j.log.Warn().Int("retry_after_s", int(limited.RetryAfter.Seconds())).Msg("Telemetry rate limited, skipping tick")
		return nil
	}
	return err
}

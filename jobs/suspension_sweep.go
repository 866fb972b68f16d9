package jobs

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/gatehouse-id/gatehouse/internal/authz"
)

// SuspensionSweepJob closes open suspensions whose until-date has passed.
// Lazy evaluation already treats them as inactive; the sweep only converges
// the ledger.
type SuspensionSweepJob struct {
	service *authz.Service
	logger  *slog.Logger
}

// NewSuspensionSweepJob constructs the job handler.
func NewSuspensionSweepJob(service *authz.Service, logger *slog.Logger) *SuspensionSweepJob {
	return &SuspensionSweepJob{service: service, logger: logger}
}

// Handle processes TaskSuspensionSweep tasks.
func (j *SuspensionSweepJob) Handle(ctx context.Context, t *asynq.Task) error {
	var payload SuspensionSweepPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	closed, err := j.service.ReconcileExpiredSuspensions(ctx, payload.Limit)
	if err != nil {
		return err
	}
	if closed > 0 && j.logger != nil {
		j.logger.Info("suspension sweep", slog.Int("closed", closed))
	}
	return nil
}

package jobs

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/gatehouse-id/gatehouse/internal/tokens"
)

// TokenResyncJob processes role-level credential resyncs off the hot path.
type TokenResyncJob struct {
	sync   *tokens.Synchronizer
	logger *slog.Logger
}

// NewTokenResyncJob constructs the job handler.
func NewTokenResyncJob(sync *tokens.Synchronizer, logger *slog.Logger) *TokenResyncJob {
	return &TokenResyncJob{sync: sync, logger: logger}
}

// Handle processes TaskTokenResyncRole tasks.
func (j *TokenResyncJob) Handle(ctx context.Context, t *asynq.Task) error {
	var payload TokenResyncRolePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if err := j.sync.ResyncRole(ctx, payload.RoleID); err != nil {
		if j.logger != nil {
			j.logger.Error("role resync", slog.Int64("role_id", payload.RoleID), slog.Any("error", err))
		}
		return err
	}
	return nil
}

package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
)

func TestTokenResyncRoleTaskRoundTrip(t *testing.T) {
	task, err := NewTokenResyncRoleTask(42)
	require.NoError(t, err)
	require.Equal(t, TaskTokenResyncRole, task.Type())

	var payload TokenResyncRolePayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	require.Equal(t, int64(42), payload.RoleID)
}

func TestSuspensionSweepTaskRoundTrip(t *testing.T) {
	task, err := NewSuspensionSweepTask(200)
	require.NoError(t, err)
	require.Equal(t, TaskSuspensionSweep, task.Type())

	var payload SuspensionSweepPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	require.Equal(t, 200, payload.Limit)
}

func TestTokenResyncJobSkipsBadPayload(t *testing.T) {
	job := NewTokenResyncJob(nil, slog.Default())
	err := job.Handle(context.Background(), asynq.NewTask(TaskTokenResyncRole, []byte("{broken")))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestSuspensionSweepJobSkipsBadPayload(t *testing.T) {
	job := NewSuspensionSweepJob(nil, slog.Default())
	err := job.Handle(context.Background(), asynq.NewTask(TaskSuspensionSweep, []byte("{broken")))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskTokenResyncRole rewrites credential ability snapshots for every
	// actor holding a role.
	TaskTokenResyncRole = "tokens:resync_role"
	// TaskSuspensionSweep writes closing records for expired suspensions.
	TaskSuspensionSweep = "suspensions:sweep"
)

// TokenResyncRolePayload identifies the role whose membership needs a resync.
type TokenResyncRolePayload struct {
	RoleID int64 `json:"role_id"`
}

// NewTokenResyncRoleTask constructs an Asynq task for a role-level resync.
func NewTokenResyncRoleTask(roleID int64) (*asynq.Task, error) {
	data, err := json.Marshal(TokenResyncRolePayload{RoleID: roleID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTokenResyncRole, data), nil
}

// SuspensionSweepPayload bounds a single sweep run.
type SuspensionSweepPayload struct {
	Limit int `json:"limit"`
}

// NewSuspensionSweepTask constructs an Asynq task for the reconciliation sweep.
func NewSuspensionSweepTask(limit int) (*asynq.Task, error) {
	data, err := json.Marshal(SuspensionSweepPayload{Limit: limit})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskSuspensionSweep, data), nil
}

// Package audit subscribes to domain events and resolver failures,
// persisting structured who/what/when records.
package audit

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/gatehouse-id/gatehouse/internal/authz"
	"github.com/gatehouse-id/gatehouse/internal/shared"
)

// Recorder persists audit rows. *shared.AuditLogger satisfies it.
type Recorder interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Sink converts domain events and fail-closed denials into audit records.
type Sink struct {
	rec    Recorder
	logger *slog.Logger
}

// NewSink constructs the sink.
func NewSink(rec Recorder, logger *slog.Logger) *Sink {
	return &Sink{rec: rec, logger: logger}
}

var _ authz.Subscriber = (*Sink)(nil)
var _ authz.SecurityLog = (*Sink)(nil)

// HandleEvent records a domain event.
func (s *Sink) HandleEvent(ctx context.Context, ev authz.Event) error {
	entity, entityID := "user", strconv.FormatInt(ev.SubjectUserID, 10)
	if ev.Kind == authz.EventPrivilegeGranted || ev.Kind == authz.EventPrivilegeRevoked {
		entity, entityID = "role", ev.RoleSlug
	}
	meta := map[string]any{
		"event_id":    ev.ID,
		"occurred_at": ev.OccurredAt,
	}
	if ev.RoleSlug != "" {
		meta["role"] = ev.RoleSlug
	}
	if ev.PrivilegeSlug != "" {
		meta["privilege"] = ev.PrivilegeSlug
	}
	if ev.Reason != "" {
		meta["reason"] = ev.Reason
	}
	for k, v := range ev.Meta {
		meta[k] = v
	}
	var actorID int64
	if ev.ActorID != nil {
		actorID = *ev.ActorID
	}
	return s.rec.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   string(ev.Kind),
		Entity:   entity,
		EntityID: entityID,
		Meta:     meta,
		At:       ev.OccurredAt,
	})
}

// FailClosed records a resolution failure the gate converted into a denial.
func (s *Sink) FailClosed(ctx context.Context, userID int64, check, subject string, cause error) {
	err := s.rec.Record(ctx, shared.AuditLog{
		ActorID:  userID,
		Action:   "authz.fail_closed",
		Entity:   "user",
		EntityID: strconv.FormatInt(userID, 10),
		Meta: map[string]any{
			"tag":     "fail_closed",
			"check":   check,
			"subject": subject,
			"error":   cause.Error(),
		},
	})
	if err != nil && s.logger != nil {
		s.logger.Error("record fail-closed audit entry",
			slog.Int64("user_id", userID),
			slog.String("check", check),
			slog.Any("error", err))
	}
}

package audit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gatehouse-id/gatehouse/internal/authz"
	"github.com/gatehouse-id/gatehouse/internal/shared"
)

type memoryRecorder struct {
	mu   sync.Mutex
	logs []shared.AuditLog
	err  error
}

func (r *memoryRecorder) Record(ctx context.Context, log shared.AuditLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.logs = append(r.logs, log)
	return nil
}

func TestSinkRecordsUserEvents(t *testing.T) {
	rec := &memoryRecorder{}
	sink := NewSink(rec, slog.Default())
	admin := int64(99)

	err := sink.HandleEvent(context.Background(), authz.Event{
		ID:            "ev-1",
		Kind:          authz.EventRoleAssigned,
		SubjectUserID: 7,
		RoleSlug:      "editor",
		ActorID:       &admin,
		Reason:        "onboarding",
		OccurredAt:    time.Now(),
	})
	require.NoError(t, err)
	require.Len(t, rec.logs, 1)

	log := rec.logs[0]
	require.Equal(t, "role.assigned", log.Action)
	require.Equal(t, "user", log.Entity)
	require.Equal(t, "7", log.EntityID)
	require.Equal(t, int64(99), log.ActorID)
	require.Equal(t, "editor", log.Meta["role"])
	require.Equal(t, "onboarding", log.Meta["reason"])
}

func TestSinkRecordsPrivilegeEventsAgainstRole(t *testing.T) {
	rec := &memoryRecorder{}
	sink := NewSink(rec, slog.Default())

	err := sink.HandleEvent(context.Background(), authz.Event{
		ID:            "ev-2",
		Kind:          authz.EventPrivilegeGranted,
		RoleID:        3,
		RoleSlug:      "editor",
		PrivilegeSlug: "content.publish",
		OccurredAt:    time.Now(),
	})
	require.NoError(t, err)
	require.Len(t, rec.logs, 1)

	log := rec.logs[0]
	require.Equal(t, "privilege.granted", log.Action)
	require.Equal(t, "role", log.Entity)
	require.Equal(t, "editor", log.EntityID)
	require.Equal(t, "content.publish", log.Meta["privilege"])
}

func TestSinkTagsFailClosedEntries(t *testing.T) {
	rec := &memoryRecorder{}
	sink := NewSink(rec, slog.Default())

	sink.FailClosed(context.Background(), 7, "privilege", "content.publish", errors.New("redis down"))

	require.Len(t, rec.logs, 1)
	log := rec.logs[0]
	require.Equal(t, "authz.fail_closed", log.Action)
	require.Equal(t, "fail_closed", log.Meta["tag"])
	require.Equal(t, "privilege", log.Meta["check"])
	require.Equal(t, "content.publish", log.Meta["subject"])
	require.Equal(t, "redis down", log.Meta["error"])
}

func TestSinkFailClosedSwallowsRecorderErrors(t *testing.T) {
	rec := &memoryRecorder{err: errors.New("insert failed")}
	sink := NewSink(rec, slog.Default())

	// Must not panic; the denial has already been returned to the caller.
	sink.FailClosed(context.Background(), 7, "privilege", "content.publish", errors.New("redis down"))
}

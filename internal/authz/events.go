package authz

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventKind names a domain event emitted by the mutation service.
type EventKind string

const (
	EventRoleAssigned     EventKind = "role.assigned"
	EventRoleRevoked      EventKind = "role.revoked"
	EventPrivilegeGranted EventKind = "privilege.granted"
	EventPrivilegeRevoked EventKind = "privilege.revoked"
	EventUserSuspended    EventKind = "user.suspended"
	EventUserUnsuspended  EventKind = "user.unsuspended"
)

// Event carries the subject of a grant mutation, the administrator who
// performed it (nil for system actions) and free-form metadata.
type Event struct {
	ID            string
	Kind          EventKind
	SubjectUserID int64
	RoleID        int64
	RoleSlug      string
	PrivilegeSlug string
	ActorID       *int64
	Reason        string
	Meta          map[string]any
	OccurredAt    time.Time
}

// Subscriber consumes domain events. Registration happens once at startup;
// errors are contained per subscriber and never fail the publishing mutation.
type Subscriber interface {
	HandleEvent(ctx context.Context, ev Event) error
}

// Bus is an in-process, synchronous publish point for domain events.
type Bus struct {
	mu     sync.RWMutex
	subs   []Subscriber
	logger *slog.Logger
}

// NewBus constructs an event bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{logger: logger}
}

// Subscribe registers a subscriber. Call during startup wiring only.
func (b *Bus) Subscribe(s Subscriber) {
	if s == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, s)
}

// Publish dispatches the event to every subscriber in registration order.
// Subscriber failures are logged and swallowed.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	b.mu.RLock()
	subs := make([]Subscriber, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()
	for _, s := range subs {
		if err := s.HandleEvent(ctx, ev); err != nil && b.logger != nil {
			b.logger.Error("event subscriber failed",
				slog.String("event", string(ev.Kind)),
				slog.String("event_id", ev.ID),
				slog.Any("error", err))
		}
	}
}

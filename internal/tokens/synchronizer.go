package tokens

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gatehouse-id/gatehouse/internal/authz"
	"github.com/gatehouse-id/gatehouse/internal/observability"
)

// ActorPager pages the actor IDs currently holding a role, keyset style.
type ActorPager interface {
	ListActorIDsForRole(ctx context.Context, roleID, afterID int64, limit int) ([]int64, error)
}

// RoleResyncEnqueuer hands role-level fan-out to the background worker so
// the mutating request does not pay the full membership cost inline.
type RoleResyncEnqueuer interface {
	EnqueueRoleResync(ctx context.Context, roleID int64) error
}

// Synchronizer keeps credential ability snapshots aligned with the live
// permission graph. It subscribes to the domain event bus; failures are
// logged and counted but never propagate back into the mutation that
// emitted the event.
type Synchronizer struct {
	repo      Repository
	resolver  AbilityResolver
	pager     ActorPager
	enqueuer  RoleResyncEnqueuer
	batchSize int
	metrics   *observability.Metrics
	logger    *slog.Logger
}

// NewSynchronizer constructs the synchronizer. enqueuer may be nil, in
// which case role-level events fan out inline.
func NewSynchronizer(repo Repository, resolver AbilityResolver, pager ActorPager, enqueuer RoleResyncEnqueuer, batchSize int, metrics *observability.Metrics, logger *slog.Logger) *Synchronizer {
	if batchSize <= 0 {
		batchSize = 500
	}
	return &Synchronizer{
		repo:      repo,
		resolver:  resolver,
		pager:     pager,
		enqueuer:  enqueuer,
		batchSize: batchSize,
		metrics:   metrics,
		logger:    logger,
	}
}

var _ authz.Subscriber = (*Synchronizer)(nil)

// HandleEvent reacts to grant-graph mutations.
func (s *Synchronizer) HandleEvent(ctx context.Context, ev authz.Event) error {
	switch ev.Kind {
	case authz.EventRoleAssigned, authz.EventRoleRevoked:
		if err := s.ResyncActor(ctx, ev.SubjectUserID); err != nil {
			s.containFailure(ev, err)
		}
	case authz.EventPrivilegeGranted, authz.EventPrivilegeRevoked:
		if s.enqueuer != nil {
			if err := s.enqueuer.EnqueueRoleResync(ctx, ev.RoleID); err == nil {
				return nil
			} else if s.logger != nil {
				s.logger.Warn("enqueue role resync, falling back inline",
					slog.Int64("role_id", ev.RoleID), slog.Any("error", err))
			}
		}
		if err := s.ResyncRole(ctx, ev.RoleID); err != nil {
			s.containFailure(ev, err)
		}
	case authz.EventUserSuspended:
		// Revoke outright: a suspended actor must be unable to use any
		// previously issued credential at all.
		_, err := s.repo.RevokeAllForActor(ctx, ev.SubjectUserID, "account suspended", time.Now().UTC())
		if err != nil {
			s.containFailure(ev, err)
		}
	case authz.EventUserUnsuspended:
		// Intentionally nothing: revoked credentials stay revoked, the
		// actor must obtain fresh ones.
	}
	return nil
}

// ResyncActor recomputes the actor's ability set and overwrites the
// snapshot on every non-revoked credential.
func (s *Synchronizer) ResyncActor(ctx context.Context, userID int64) error {
	abilities, err := s.resolver.ResolvePrivileges(ctx, userID)
	if err != nil {
		return fmt.Errorf("tokens: resolve abilities for %d: %w", userID, err)
	}
	if _, err := s.repo.UpdateAbilitiesForActor(ctx, userID, abilities); err != nil {
		return fmt.Errorf("tokens: rewrite abilities for %d: %w", userID, err)
	}
	return nil
}

// ResyncRole rewrites snapshots for every actor currently holding the
// role, one keyset batch at a time. Per-actor failures are contained so a
// single bad row cannot stall the rest of the membership.
func (s *Synchronizer) ResyncRole(ctx context.Context, roleID int64) error {
	var afterID int64
	var failures int
	for {
		ids, err := s.pager.ListActorIDsForRole(ctx, roleID, afterID, s.batchSize)
		if err != nil {
			return fmt.Errorf("tokens: page role %d membership: %w", roleID, err)
		}
		if len(ids) == 0 {
			break
		}
		for _, id := range ids {
			if err := s.ResyncActor(ctx, id); err != nil {
				failures++
				s.metrics.ObserveTokenSyncFailure()
				if s.logger != nil {
					s.logger.Error("resync actor credentials",
						slog.Int64("user_id", id),
						slog.Int64("role_id", roleID),
						slog.Any("error", err))
				}
			}
		}
		afterID = ids[len(ids)-1]
		if len(ids) < s.batchSize {
			break
		}
	}
	if failures > 0 {
		return fmt.Errorf("tokens: role %d resync: %d actors failed", roleID, failures)
	}
	return nil
}

func (s *Synchronizer) containFailure(ev authz.Event, err error) {
	s.metrics.ObserveTokenSyncFailure()
	if s.logger != nil {
		s.logger.Error("token synchronization failed",
			slog.String("event", string(ev.Kind)),
			slog.String("event_id", ev.ID),
			slog.Int64("user_id", ev.SubjectUserID),
			slog.Any("error", err))
	}
}

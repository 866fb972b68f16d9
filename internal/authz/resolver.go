package authz

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/singleflight"

	"github.com/gatehouse-id/gatehouse/internal/shared"
)

// Resolver computes the effective, deduplicated role and privilege slug
// sets for an actor. Results come from the cache when present and fall
// through to the grant store on miss; concurrent misses for the same actor
// collapse into a single datastore round trip.
type Resolver struct {
	repo   Repository
	cache  *Cache
	group  singleflight.Group
	logger *slog.Logger
}

// NewResolver constructs a resolver. cache may be nil, in which case every
// call resolves against the grant store.
func NewResolver(repo Repository, cache *Cache, logger *slog.Logger) *Resolver {
	return &Resolver{repo: repo, cache: cache, logger: logger}
}

// ResolveRoles returns the actor's live role slugs. An actor with no live
// assignments resolves to the empty set.
func (r *Resolver) ResolveRoles(ctx context.Context, userID int64) ([]string, error) {
	return r.resolve(ctx, cacheViewRoles, userID,
		r.cache.GetRoleSlugs,
		r.repo.ListLiveRoleSlugsForActor,
		r.cache.SetRoleSlugs)
}

// ResolvePrivileges returns the actor's live privilege slugs, wildcards
// included literally. Pattern expansion happens at check time in the gate,
// never here: the concrete privilege space is open-ended.
func (r *Resolver) ResolvePrivileges(ctx context.Context, userID int64) ([]string, error) {
	return r.resolve(ctx, cacheViewPrivileges, userID,
		r.cache.GetPrivilegeSlugs,
		r.repo.ListLivePrivilegeSlugsForActor,
		r.cache.SetPrivilegeSlugs)
}

func (r *Resolver) resolve(
	ctx context.Context,
	view string,
	userID int64,
	fromCache func(context.Context, int64) ([]string, bool, error),
	fromStore func(context.Context, int64) ([]string, error),
	toCache func(context.Context, int64, []string) error,
) ([]string, error) {
	slugs, hit, err := fromCache(ctx, userID)
	if err != nil {
		// A cache read failure is not fatal while the grant store is
		// reachable; log and re-resolve.
		if r.logger != nil {
			r.logger.Warn("resolution cache read", slog.String("view", view), slog.Int64("user_id", userID), slog.Any("error", err))
		}
	} else if hit {
		return slugs, nil
	}

	v, err, _ := r.group.Do(fmt.Sprintf("%s:%d", view, userID), func() (any, error) {
		slugs, err := fromStore(ctx, userID)
		if err != nil {
			return nil, shared.NewResolutionError("resolve "+view, err)
		}
		if slugs == nil {
			slugs = []string{}
		}
		if err := toCache(ctx, userID, slugs); err != nil && r.logger != nil {
			r.logger.Warn("resolution cache write", slog.String("view", view), slog.Int64("user_id", userID), slog.Any("error", err))
		}
		return slugs, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

package authz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gatehouse-id/gatehouse/internal/observability"
)

const (
	cacheViewRoles      = "roles"
	cacheViewPrivileges = "privileges"
)

// Cache memoizes per-actor resolutions in Redis. Keys derive from the actor
// identifier only, so invalidation can target exactly the affected actors.
// Eviction goes through the Invalidator; nothing else deletes these keys.
type Cache struct {
	client       *redis.Client
	roleTTL      time.Duration
	privilegeTTL time.Duration
	metrics      *observability.Metrics
}

// NewCache constructs the resolution cache. TTLs of zero fall back to one hour.
func NewCache(client *redis.Client, roleTTL, privilegeTTL time.Duration, metrics *observability.Metrics) *Cache {
	if roleTTL <= 0 {
		roleTTL = time.Hour
	}
	if privilegeTTL <= 0 {
		privilegeTTL = time.Hour
	}
	return &Cache{client: client, roleTTL: roleTTL, privilegeTTL: privilegeTTL, metrics: metrics}
}

func roleKey(userID int64) string      { return fmt.Sprintf("authz:roles:%d", userID) }
func privilegeKey(userID int64) string { return fmt.Sprintf("authz:privileges:%d", userID) }

// GetRoleSlugs returns the cached role view, reporting a miss on absence.
func (c *Cache) GetRoleSlugs(ctx context.Context, userID int64) ([]string, bool, error) {
	return c.get(ctx, cacheViewRoles, roleKey(userID))
}

// SetRoleSlugs stores the role view with its TTL.
func (c *Cache) SetRoleSlugs(ctx context.Context, userID int64, slugs []string) error {
	if c == nil {
		return nil
	}
	return c.set(ctx, roleKey(userID), slugs, c.roleTTL)
}

// GetPrivilegeSlugs returns the cached privilege view, reporting a miss on absence.
func (c *Cache) GetPrivilegeSlugs(ctx context.Context, userID int64) ([]string, bool, error) {
	return c.get(ctx, cacheViewPrivileges, privilegeKey(userID))
}

// SetPrivilegeSlugs stores the privilege view with its TTL.
func (c *Cache) SetPrivilegeSlugs(ctx context.Context, userID int64, slugs []string) error {
	if c == nil {
		return nil
	}
	return c.set(ctx, privilegeKey(userID), slugs, c.privilegeTTL)
}

func (c *Cache) get(ctx context.Context, view, key string) ([]string, bool, error) {
	if c == nil || c.client == nil {
		return nil, false, nil
	}
	payload, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			c.metrics.ObserveCache(view, false)
			return nil, false, nil
		}
		return nil, false, err
	}
	var slugs []string
	if err := json.Unmarshal(payload, &slugs); err != nil {
		// Treat a corrupt entry as a miss; the resolver rewrites it.
		c.metrics.ObserveCache(view, false)
		return nil, false, nil
	}
	c.metrics.ObserveCache(view, true)
	return slugs, true, nil
}

func (c *Cache) set(ctx context.Context, key string, slugs []string, ttl time.Duration) error {
	if c == nil || c.client == nil {
		return nil
	}
	if slugs == nil {
		slugs = []string{}
	}
	payload, err := json.Marshal(slugs)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, payload, ttl).Err()
}

// evict removes both views for the actor. Package-private: the Invalidator
// is the single eviction authority.
func (c *Cache) evict(ctx context.Context, userID int64) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Del(ctx, roleKey(userID), privilegeKey(userID)).Err()
}

// Invalidator is the only code path allowed to evict resolution cache
// entries. The mutation service calls it synchronously with each write.
type Invalidator struct {
	cache     *Cache
	repo      Repository
	batchSize int
	logger    *slog.Logger
}

// NewInvalidator constructs the invalidator. batchSize bounds role fan-out;
// zero falls back to 500.
func NewInvalidator(cache *Cache, repo Repository, batchSize int, logger *slog.Logger) *Invalidator {
	if batchSize <= 0 {
		batchSize = 500
	}
	return &Invalidator{cache: cache, repo: repo, batchSize: batchSize, logger: logger}
}

// InvalidateActor evicts both cached views for a single actor.
func (i *Invalidator) InvalidateActor(ctx context.Context, userID int64) error {
	return i.cache.evict(ctx, userID)
}

// InvalidateRole evicts every actor currently holding the role, paging the
// membership in keyset batches so large roles never load into memory at
// once. Evictions are independent per actor; a reader racing a batch can
// observe one stale cached read, the grant rows themselves are already
// updated.
func (i *Invalidator) InvalidateRole(ctx context.Context, roleID int64) error {
	var afterID int64
	for {
		ids, err := i.repo.ListActorIDsForRole(ctx, roleID, afterID, i.batchSize)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		for _, id := range ids {
			if err := i.cache.evict(ctx, id); err != nil {
				if i.logger != nil {
					i.logger.Error("evict actor cache",
						slog.Int64("user_id", id),
						slog.Int64("role_id", roleID),
						slog.Any("error", err))
				}
			}
		}
		afterID = ids[len(ids)-1]
		if len(ids) < i.batchSize {
			return nil
		}
	}
}

package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"golang.org/x/sync/singleflight"

	"github.com/practicehq/authz/pkg/observability"
	"github.com/practicehq/authz/pkg/rbac"
)

// Loader produces a fresh UserContext from the system of record.
type Loader interface {
	Load(ctx context.Context, userID int64) (*rbac.UserContext, error)
}

// RoleSource resolves a role with its permissions from the system of record.
type RoleSource interface {
	RolePermissions(ctx context.Context, roleID int64) (*rbac.Role, error)
}

// Config holds cache TTLs.
type Config struct {
	// ContextTTL bounds how long a permission change can go unobserved via
	// the passive path. Kept short; the invalidator handles the active path.
	ContextTTL time.Duration
	// RolePermissionsTTL is much longer: role definitions change far less
	// often than user sessions come and go.
	RolePermissionsTTL time.Duration
}

// DefaultConfig returns the default cache TTLs.
func DefaultConfig() Config {
	return Config{
		ContextTTL:         60 * time.Second,
		RolePermissionsTTL: 6 * time.Hour,
	}
}

// ContextCache fronts the context loader with two cooperating tiers: a
// request-scoped in-flight de-duplication (singleflight) and a shared Redis
// cache. The Redis tier is an accelerator, never a source of truth: every
// cache error is downgraded to a miss and the database answers instead.
type ContextCache struct {
	redis   *redis.Client
	loader  Loader
	roles   RoleSource
	cfg     Config
	logger  *observability.Logger
	metrics *observability.Metrics

	group singleflight.Group
}

// NewContextCache creates the cache. The redis client may be shared with
// other subsystems.
func NewContextCache(redisClient *redis.Client, loader Loader, roles RoleSource, cfg Config, logger *observability.Logger, metrics *observability.Metrics) *ContextCache {
	if cfg.ContextTTL <= 0 {
		cfg.ContextTTL = DefaultConfig().ContextTTL
	}
	if cfg.RolePermissionsTTL <= 0 {
		cfg.RolePermissionsTTL = DefaultConfig().RolePermissionsTTL
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	if metrics == nil {
		metrics = observability.NopMetrics()
	}
	return &ContextCache{
		redis:   redisClient,
		loader:  loader,
		roles:   roles,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
	}
}

// GetUserContext returns the user's context, consulting the shared cache
// before the loader. Concurrent calls for the same user collapse into a
// single in-flight load; the in-flight entry is forgotten on every exit path
// (success, error, cancellation) so it cannot outlive the call that created
// it.
func (c *ContextCache) GetUserContext(ctx context.Context, userID int64) (*rbac.UserContext, error) {
	key := UserContextKey(userID)
	v, err, shared := c.group.Do(key, func() (interface{}, error) {
		defer c.group.Forget(key)
		return c.loadUserContext(ctx, userID)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		c.metrics.ContextLoadsTotal.WithLabelValues("inflight").Inc()
	}
	return v.(*rbac.UserContext), nil
}

func (c *ContextCache) loadUserContext(ctx context.Context, userID int64) (*rbac.UserContext, error) {
	key := UserContextKey(userID)

	payload, err := c.redis.Get(ctx, key).Result()
	switch {
	case err == nil:
		var uc rbac.UserContext
		if jsonErr := json.Unmarshal([]byte(payload), &uc); jsonErr == nil {
			c.metrics.CacheHitsTotal.WithLabelValues("context").Inc()
			c.metrics.ContextLoadsTotal.WithLabelValues("cache").Inc()
			return &uc, nil
		}
		// Corrupt payload: drop it and fall through to a fresh load.
		c.logger.WithField("key", key).Warn("discarding undecodable cached context")
		c.redis.Del(ctx, key)
	case err == redis.Nil:
		c.metrics.CacheMissesTotal.WithLabelValues("context").Inc()
	default:
		// Cache outage degrades to "always consult the database".
		c.metrics.CacheErrorsTotal.WithLabelValues("get").Inc()
		c.logger.WithError(err).Warn("context cache read failed, falling back to database")
	}

	uc, err := c.loader.Load(ctx, userID)
	if err != nil {
		return nil, err
	}

	c.writeBack(ctx, key, uc, c.cfg.ContextTTL)
	return uc, nil
}

// RolePermissions returns a role with its permission set, via the long-TTL
// role tier. It satisfies the loader's RoleSource, so context assembly for
// two users sharing a role costs one role-permission query, not two.
func (c *ContextCache) RolePermissions(ctx context.Context, roleID int64) (*rbac.Role, error) {
	key := RolePermissionsKey(roleID)

	payload, err := c.redis.Get(ctx, key).Result()
	switch {
	case err == nil:
		var role rbac.Role
		if jsonErr := json.Unmarshal([]byte(payload), &role); jsonErr == nil {
			c.metrics.CacheHitsTotal.WithLabelValues("role").Inc()
			return &role, nil
		}
		c.logger.WithField("key", key).Warn("discarding undecodable cached role")
		c.redis.Del(ctx, key)
	case err == redis.Nil:
		c.metrics.CacheMissesTotal.WithLabelValues("role").Inc()
	default:
		c.metrics.CacheErrorsTotal.WithLabelValues("get").Inc()
		c.logger.WithError(err).Warn("role cache read failed, falling back to database")
	}

	role, err := c.roles.RolePermissions(ctx, roleID)
	if err != nil {
		return nil, err
	}

	c.writeBack(ctx, key, role, c.cfg.RolePermissionsTTL)
	return role, nil
}

// writeBack stores a value best-effort. The request already has its answer;
// a write failure is logged and counted, never propagated.
func (c *ContextCache) writeBack(ctx context.Context, key string, value interface{}, ttl time.Duration) {
	data, err := json.Marshal(value)
	if err != nil {
		c.metrics.CacheWriteBackErrors.Inc()
		c.logger.WithError(err).WithField("key", key).Warn("failed to serialize cache value")
		return
	}
	if err := c.redis.Set(ctx, key, data, ttl).Err(); err != nil {
		c.metrics.CacheWriteBackErrors.Inc()
		c.logger.WithError(err).WithField("key", key).Warn("cache write-back failed")
	}
}

// InvalidateUserContext evicts a user's cached context from both tiers. It
// is idempotent: evicting an absent key is a no-op. The returned flag says
// whether something was actually evicted, for audit logging only; callers
// must not depend on it for correctness.
func (c *ContextCache) InvalidateUserContext(ctx context.Context, userID int64) (bool, error) {
	key := UserContextKey(userID)
	c.group.Forget(key)
	n, err := c.redis.Del(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to invalidate context for user %d: %w", userID, err)
	}
	return n > 0, nil
}

// InvalidateRolePermissions evicts a role's cached permission set.
func (c *ContextCache) InvalidateRolePermissions(ctx context.Context, roleID int64) (bool, error) {
	n, err := c.redis.Del(ctx, RolePermissionsKey(roleID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to invalidate permissions for role %d: %w", roleID, err)
	}
	return n > 0, nil
}

// InvalidateAll evicts every cached context and role permission set by
// SCAN, never FLUSH: the Redis instance is shared with other subsystems.
func (c *ContextCache) InvalidateAll(ctx context.Context) (int64, error) {
	var evicted int64
	for _, pattern := range []string{userContextKeyPattern, rolePermissionsKeyPattern} {
		iter := c.redis.Scan(ctx, 0, pattern, 0).Iterator()
		for iter.Next(ctx) {
			n, err := c.redis.Del(ctx, iter.Val()).Result()
			if err != nil {
				return evicted, fmt.Errorf("failed to evict %s: %w", iter.Val(), err)
			}
			evicted += n
		}
		if err := iter.Err(); err != nil {
			return evicted, fmt.Errorf("scan failed for %s: %w", pattern, err)
		}
	}
	return evicted, nil
}

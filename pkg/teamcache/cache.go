// Package teamcache implements C3: a read-through cache for team lookups
// layered in front of the durable store (pkg/teamstore). Three layers,
// checked in order: an in-process negative cache for absent keys, a
// remote KV store (Redis), and the durable store as the final fallback.
package teamcache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/posthog/capture-flags/pkg/clock"
	"github.com/posthog/capture-flags/pkg/ingesterr"
	"github.com/posthog/capture-flags/pkg/types"
)

// Namespace distinguishes the disjoint API-token and secret-token
// lookup keyspaces; the same cache instance serves both.
type Namespace string

const (
	NamespaceAPIToken    Namespace = "api_token"
	NamespaceSecretToken Namespace = "secret_token"
)

// Outcome records whether a lookup was served from cache or required a
// durable-store load, per §4.3.
type Outcome string

const (
	OutcomeCached Outcome = "cached"
	OutcomeLoaded Outcome = "loaded"
)

// Loader fetches a team from the durable store on a KV miss.
type Loader interface {
	LoadTeamByAPIToken(ctx context.Context, apiToken string) (*types.Team, error)
	LoadTeamBySecretToken(ctx context.Context, secretToken string) (*types.Team, error)
}

// Config controls negative-cache retention and KV key prefixing.
type Config struct {
	NegativeTTL time.Duration // default 300s
	KeyPrefix   string
}

func (c Config) negativeTTL() time.Duration {
	if c.NegativeTTL > 0 {
		return c.NegativeTTL
	}
	return 300 * time.Second
}

// Cache is C3's read-through team cache.
type Cache struct {
	redis  *redis.Client
	loader Loader
	clock  clock.Source
	cfg    Config

	group singleflight.Group

	mu       sync.Mutex
	negative map[string]time.Time // key -> expiry
}

func New(rdb *redis.Client, loader Loader, clk clock.Source, cfg Config) *Cache {
	return &Cache{
		redis:    rdb,
		loader:   loader,
		clock:    clk,
		cfg:      cfg,
		negative: make(map[string]time.Time),
	}
}

// Lookup resolves a team by token within the given namespace, reporting
// whether the result was served from cache or freshly loaded.
func (c *Cache) Lookup(ctx context.Context, ns Namespace, token string) (*types.Team, Outcome, error) {
	key := c.cacheKey(ns, token)

	if c.negativeHit(key) {
		return nil, OutcomeCached, ingesterr.New(ingesterr.KindRowNotFound, "team not found (negative cache)")
	}

	if raw, err := c.redis.Get(ctx, key).Result(); err == nil {
		var t types.Team
		if jerr := json.Unmarshal([]byte(raw), &t); jerr == nil {
			return &t, OutcomeCached, nil
		}
	} else if err != redis.Nil {
		return nil, OutcomeLoaded, ingesterr.Wrap(ingesterr.KindInternal, err, "redis get %s", key)
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		return c.loadAndPopulate(ctx, ns, token, key)
	})
	if err != nil {
		return nil, OutcomeLoaded, err
	}
	return v.(*types.Team), OutcomeLoaded, nil
}

func (c *Cache) loadAndPopulate(ctx context.Context, ns Namespace, token, key string) (*types.Team, error) {
	var (
		team *types.Team
		err  error
	)
	switch ns {
	case NamespaceAPIToken:
		team, err = c.loader.LoadTeamByAPIToken(ctx, token)
	default:
		team, err = c.loader.LoadTeamBySecretToken(ctx, token)
	}

	if err != nil {
		var e *ingesterr.Error
		if ingesterr.As(err, &e) && e.Kind == ingesterr.KindRowNotFound {
			c.setNegative(key)
		}
		return nil, err
	}

	if raw, merr := json.Marshal(team); merr == nil {
		// Populating the KV is best-effort: a write failure doesn't
		// fail the lookup, it just costs a future cache miss.
		_ = c.redis.Set(ctx, key, raw, 0).Err()
	}
	c.clearNegative(key)
	return team, nil
}

func (c *Cache) negativeHit(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	expiry, ok := c.negative[key]
	if !ok {
		return false
	}
	if c.clock.Now().After(expiry) {
		delete(c.negative, key)
		return false
	}
	return true
}

func (c *Cache) setNegative(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.negative[key] = c.clock.Now().Add(c.cfg.negativeTTL())
}

func (c *Cache) clearNegative(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.negative, key)
}

func (c *Cache) cacheKey(ns Namespace, token string) string {
	prefix := c.cfg.KeyPrefix
	if prefix == "" {
		prefix = "team"
	}
	return prefix + ":" + string(ns) + ":" + token
}

package identity

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/scrimtrack/scrimtrack/haloapi"
	"github.com/scrimtrack/scrimtrack/telemetry"
)

// Provider resolves account identities from a stats API deployment.
// Implemented by *haloapi.Client; the Cache is configured with a primary and
// an optional secondary.
type Provider interface {
	UsersByXUIDs(ctx context.Context, xuids []string) ([]haloapi.User, error)
	UsersByGamertags(ctx context.Context, gamertags []string) ([]haloapi.User, error)
}

// cacheEntry wraps a cached identity with its fetch time. Entries never
// expire in redis; freshness is judged in code so an expired entry can still
// be served as a stale fallback when every live source fails.
type cacheEntry struct {
	User      haloapi.User `json:"user"`
	FetchedAt time.Time    `json:"fetchedAt"`
}

// Cache is the tiered identity lookup: fresh cache, primary provider,
// secondary provider (server errors only), then stale cache. A missing
// identity is omitted from results, never an error.
type Cache struct {
	rdb       *redis.Client
	primary   Provider
	secondary Provider // may be nil
	ttl       time.Duration
	logger    *slog.Logger
}

// NewCache builds the cache. secondary may be nil when no fallback
// deployment is configured.
func NewCache(rdb *redis.Client, primary, secondary Provider, ttl time.Duration) *Cache {
	telemetry.Init()
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	return &Cache{
		rdb:       rdb,
		primary:   primary,
		secondary: secondary,
		ttl:       ttl,
		logger:    slog.Default().With(slog.String("component", "identity_cache")),
	}
}

func xuidKey(xuid string) string { return "identity:xuid:" + xuid }
func gtKey(gamertag string) string {
	return "identity:gt:" + strings.ToLower(strings.TrimSpace(gamertag))
}

// UsersByXUIDs resolves XUIDs to identities, serving fresh cache entries and
// fetching only the misses. Results preserve request order; unknown XUIDs are
// omitted.
func (c *Cache) UsersByXUIDs(ctx context.Context, xuids []string) ([]haloapi.User, error) {
	return c.lookup(ctx, xuids, xuidKey, func(ctx context.Context, p Provider, keys []string) ([]haloapi.User, error) {
		return p.UsersByXUIDs(ctx, keys)
	}, func(u haloapi.User) string { return u.XUID })
}

// UsersByGamertags is the gamertag-keyed equivalent of UsersByXUIDs.
// Gamertag keys are case-insensitive.
func (c *Cache) UsersByGamertags(ctx context.Context, gamertags []string) ([]haloapi.User, error) {
	return c.lookup(ctx, gamertags, gtKey, func(ctx context.Context, p Provider, keys []string) ([]haloapi.User, error) {
		return p.UsersByGamertags(ctx, keys)
	}, func(u haloapi.User) string { return strings.ToLower(u.Gamertag) })
}

type fetchFunc func(ctx context.Context, p Provider, keys []string) ([]haloapi.User, error)

// lookup implements the tier walk for one keyspace. requestKey maps a request
// string to its redis key; resultKey maps a fetched user back to the request
// string (lower-cased for gamertags) so results can be returned in request
// order.
func (c *Cache) lookup(ctx context.Context, requested []string, requestKey func(string) string, fetch fetchFunc, resultKey func(haloapi.User) string) ([]haloapi.User, error) {
	if len(requested) == 0 {
		return nil, nil
	}

	fresh := make(map[string]haloapi.User, len(requested))
	stale := make(map[string]haloapi.User)
	var misses []string
	now := time.Now().UTC()

	for _, req := range requested {
		entry, ok := c.readEntry(ctx, requestKey(req))
		if !ok {
			misses = append(misses, req)
			continue
		}
		if now.Sub(entry.FetchedAt) <= c.ttl {
			fresh[normalize(req)] = entry.User
			if telemetry.CacheHits != nil {
				telemetry.CacheHits.Inc()
			}
		} else {
			stale[normalize(req)] = entry.User
			misses = append(misses, req)
		}
	}

	if len(misses) == 0 {
		return inRequestOrder(requested, fresh), nil
	}
	if telemetry.CacheMisses != nil {
		telemetry.CacheMisses.Add(float64(len(misses)))
	}

	fetched, err := fetch(ctx, c.primary, misses)
	if err == nil {
		for _, u := range fetched {
			fresh[normalize(resultKey(u))] = u
			c.writeEntry(ctx, u)
		}
		return inRequestOrder(requested, fresh), nil
	}

	// Server-side primary failure: retry the ORIGINAL full request against
	// the secondary so a degraded primary can't poison partial results.
	if haloapi.IsServerError(err) && c.secondary != nil {
		c.logger.Warn("primary identity provider failed, trying secondary", slog.Any("err", err))
		secFetched, secErr := fetch(ctx, c.secondary, requested)
		if secErr == nil {
			out := make(map[string]haloapi.User, len(secFetched))
			for _, u := range secFetched {
				out[normalize(resultKey(u))] = u
				c.writeEntry(ctx, u)
			}
			return inRequestOrder(requested, out), nil
		}
		c.logger.Warn("secondary identity provider failed", slog.Any("err", secErr))
	} else if !haloapi.IsServerError(err) {
		// Not-found class failures are not retried anywhere; callers cope
		// with the fresh hits alone.
		c.logger.Debug("primary identity lookup failed (non-server error)", slog.Any("err", err))
		return inRequestOrder(requested, fresh), nil
	}

	// All live sources failed: serve whatever stale entries exist.
	if len(stale) > 0 {
		if telemetry.CacheStaleServes != nil {
			telemetry.CacheStaleServes.Add(float64(len(stale)))
		}
		c.logger.Warn("serving stale identity cache entries", slog.Int("stale", len(stale)), slog.Int("fresh", len(fresh)))
		for k, u := range stale {
			if _, ok := fresh[k]; !ok {
				fresh[k] = u
			}
		}
	}
	return inRequestOrder(requested, fresh), nil
}

func normalize(key string) string { return strings.ToLower(strings.TrimSpace(key)) }

// inRequestOrder flattens resolved users back into the caller's key order,
// omitting unresolved keys.
func inRequestOrder(requested []string, resolved map[string]haloapi.User) []haloapi.User {
	out := make([]haloapi.User, 0, len(resolved))
	seen := make(map[string]bool, len(requested))
	for _, req := range requested {
		k := normalize(req)
		if seen[k] {
			continue
		}
		seen[k] = true
		if u, ok := resolved[k]; ok {
			out = append(out, u)
		}
	}
	return out
}

func (c *Cache) readEntry(ctx context.Context, key string) (*cacheEntry, bool) {
	raw, err := c.rdb.Get(ctx, key).Result()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("cache read failed", slog.String("key", key), slog.Any("err", err))
		}
		return nil, false
	}
	var entry cacheEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		c.logger.Warn("cache entry corrupt", slog.String("key", key), slog.Any("err", err))
		return nil, false
	}
	return &entry, true
}

// writeEntry stores the identity under both keyspaces, best effort.
func (c *Cache) writeEntry(ctx context.Context, u haloapi.User) {
	entry := cacheEntry{User: u, FetchedAt: time.Now().UTC()}
	raw, err := json.Marshal(entry)
	if err != nil {
		return
	}
	for _, key := range []string{xuidKey(u.XUID), gtKey(u.Gamertag)} {
		if err := c.rdb.Set(ctx, key, raw, 0).Err(); err != nil {
			c.logger.Warn("cache write failed", slog.String("key", key), slog.Any("err", err))
		}
	}
}

package qod

import (
	"context"
	"time"

	"github.com/goodtune/qodfleet/internal/metrics"
	"github.com/goodtune/qodfleet/internal/nac"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const catalogKey = "profiles"

// Catalog serves the upstream profile list from a short-lived cache.
// Concurrent misses share a single upstream call.
type Catalog struct {
	client  nac.Client
	cache   *expirable.LRU[string, []string] // nil when caching is disabled
	group   singleflight.Group
	timeout time.Duration
	logger  zerolog.Logger
}

// NewCatalog creates a profile catalog. A ttl of zero disables caching.
func NewCatalog(client nac.Client, ttl, timeout time.Duration, logger zerolog.Logger) *Catalog {
	c := &Catalog{
		client:  client,
		timeout: timeout,
		logger:  logger.With().Str("component", "qod-catalog").Logger(),
	}
	if ttl > 0 {
		c.cache = expirable.NewLRU[string, []string](1, nil, ttl)
	}
	if c.timeout == 0 {
		c.timeout = 30 * time.Second
	}
	return c
}

// Profiles returns the current profile names
func (c *Catalog) Profiles(ctx context.Context) ([]string, error) {
	if c.cache != nil {
		if profiles, ok := c.cache.Get(catalogKey); ok {
			metrics.ProfileCacheHits.Inc()
			return append([]string(nil), profiles...), nil
		}
	}
	metrics.ProfileCacheMisses.Inc()

	ch := c.group.DoChan(catalogKey, func() (interface{}, error) {
		// Shared by every waiter, so it must not die with the first caller
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()

		profiles, err := c.client.ListQoDProfiles(fetchCtx)
		if err != nil {
			return nil, err
		}
		if c.cache != nil {
			c.cache.Add(catalogKey, profiles)
		}
		c.logger.Debug().Int("count", len(profiles)).Msg("Refreshed QoD profile catalog")
		return profiles, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return append([]string(nil), res.Val.([]string)...), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Contains reports whether profile is currently offered upstream
func (c *Catalog) Contains(ctx context.Context, profile string) (bool, error) {
	profiles, err := c.Profiles(ctx)
	if err != nil {
		return false, err
	}
	for _, p := range profiles {
		if p == profile {
			return true, nil
		}
	}
	return false, nil
}

// Invalidate drops the cached catalog
func (c *Catalog) Invalidate() {
	if c.cache != nil {
		c.cache.Purge()
	}
}

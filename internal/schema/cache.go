// Package schema caches, per remote repository, which voices exist and which
// presets each voice accepts.
//
// Two layers are kept: a static layer from configuration that applies to
// every endpoint, and a discovered layer per endpoint. A discovered voice
// replaces only its own entry; voices missing from a later discovery are
// retained, so hand-configured voices are never dropped by a refresh.
package schema

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-dispatch/internal/pool"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const (
	logRefreshed      = "schema for endpoint %s refreshed: %d voices"
	logRefreshFailed  = "schema refresh for endpoint %s failed: %v"
	logRefreshSkipped = "schema refresh for endpoint %s skipped: rate limited"

	refreshBurst = 1
)

// ErrPresetNotAllowed reports a preset outside a voice's known preset set.
var ErrPresetNotAllowed = errors.New("preset not allowed for voice")

// Discoverer learns the voice and preset enumeration of one endpoint.
type Discoverer interface {
	Discover(ctx context.Context, endpoint *pool.Endpoint) (map[string][]string, error)
}

type endpointSchema struct {
	voices    map[string][]string
	fetchedAt time.Time
}

// Cache is safe for concurrent use.
type Cache struct {
	mu         sync.RWMutex
	static     map[string][]string
	discovered map[string]*endpointSchema

	ttl     time.Duration
	now     func() time.Time
	limiter *rate.Limiter
	group   singleflight.Group
	log     *logger.Logger
}

// NewCache creates a cache seeded with the statically configured presets.
// On-demand refreshes are limited to one per refreshEvery across endpoints;
// zero disables the limit.
func NewCache(static map[string][]string, ttl, refreshEvery time.Duration, log *logger.Logger) *Cache {
	limit := rate.Inf
	if refreshEvery > 0 {
		limit = rate.Every(refreshEvery)
	}

	return &Cache{
		static:     cloneVoices(static),
		discovered: make(map[string]*endpointSchema),
		ttl:        ttl,
		now:        time.Now,
		limiter:    rate.NewLimiter(limit, refreshBurst),
		log:        log,
	}
}

// SetStatic replaces the configured layer, e.g. after a config reload.
func (c *Cache) SetStatic(static map[string][]string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.static = cloneVoices(static)
}

// Lookup returns the presets for voice on endpoint. A discovered entry wins
// over the static one. ok is false when neither layer knows a non-empty set.
func (c *Cache) Lookup(endpoint, voice string) ([]string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if schema, found := c.discovered[endpoint]; found {
		if presets := schema.voices[voice]; len(presets) > 0 {
			return slices.Clone(presets), true
		}
	}

	if presets := c.static[voice]; len(presets) > 0 {
		return slices.Clone(presets), true
	}

	return nil, false
}

// Validate checks preset against the known set for voice. Unknown voices
// pass: the remote is authoritative for them.
func (c *Cache) Validate(endpoint, voice, preset string) error {
	presets, ok := c.Lookup(endpoint, voice)
	if !ok {
		return nil
	}

	if slices.Contains(presets, preset) {
		return nil
	}

	return fmt.Errorf("%w: voice %q has no preset %q (known: %v)", ErrPresetNotAllowed, voice, preset, presets)
}

// Merge records a discovery result for endpoint. Voices with an empty
// preset list are ignored.
func (c *Cache) Merge(endpoint string, voices map[string][]string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	schema, found := c.discovered[endpoint]
	if !found {
		schema = &endpointSchema{voices: make(map[string][]string)}
		c.discovered[endpoint] = schema
	}

	for voice, presets := range voices {
		if len(presets) == 0 {
			continue
		}

		schema.voices[voice] = slices.Clone(presets)
	}

	schema.fetchedAt = c.now()
}

// Remove drops a discovered voice from endpoint's layer.
func (c *Cache) Remove(endpoint, voice string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if schema, found := c.discovered[endpoint]; found {
		delete(schema.voices, voice)
	}
}

// Voices returns the merged view for endpoint: static entries overlaid with
// discovered ones.
func (c *Cache) Voices(endpoint string) map[string][]string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	merged := cloneVoices(c.static)

	if schema, found := c.discovered[endpoint]; found {
		for voice, presets := range schema.voices {
			merged[voice] = slices.Clone(presets)
		}
	}

	return merged
}

// Stale reports whether endpoint was never discovered or its TTL elapsed.
func (c *Cache) Stale(endpoint string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	schema, found := c.discovered[endpoint]
	if !found {
		return true
	}

	return c.ttl > 0 && c.now().Sub(schema.fetchedAt) > c.ttl
}

// Refresh discovers endpoint's schema now and merges the result.
// Concurrent refreshes of the same endpoint share one remote exchange.
func (c *Cache) Refresh(ctx context.Context, endpoint *pool.Endpoint, discoverer Discoverer) error {
	_, err, _ := c.group.Do(endpoint.Name(), func() (any, error) {
		voices, discoverErr := discoverer.Discover(ctx, endpoint)
		if discoverErr != nil {
			return nil, discoverErr
		}

		c.Merge(endpoint.Name(), voices)
		c.log.Info(logRefreshed, endpoint.Name(), len(voices))

		return nil, nil
	})
	if err != nil {
		c.log.Warn(logRefreshFailed, endpoint.Name(), err)

		return fmt.Errorf("refreshing schema for %s: %w", endpoint.Name(), err)
	}

	return nil
}

// EnsureFresh refreshes endpoint's schema when it is stale and the refresh
// budget allows it. A skipped or failed refresh leaves the cache as it was.
func (c *Cache) EnsureFresh(ctx context.Context, endpoint *pool.Endpoint, discoverer Discoverer) error {
	if !c.Stale(endpoint.Name()) {
		return nil
	}

	if !c.limiter.Allow() {
		c.log.Info(logRefreshSkipped, endpoint.Name())

		return nil
	}

	return c.Refresh(ctx, endpoint, discoverer)
}

func cloneVoices(voices map[string][]string) map[string][]string {
	cloned := make(map[string][]string, len(voices))

	for voice, presets := range voices {
		cloned[voice] = slices.Clone(presets)
	}

	return cloned
}

// Package pool keeps the configured remote repositories and their last known
// load and health, and decides in which order a request should try them.
package pool

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-dispatch/internal/config"
)

const (
	logProbeFailed   = "status probe for endpoint %s failed: %v"
	logCooldown      = "endpoint %s failed %d times in a row, deprioritized until %s"
	logPoolReloaded  = "endpoint pool reloaded with %d endpoints"
	logProbeComplete = "status probe for endpoint %s: queue_size=%d"
)

// ErrNoEndpointsConfigured is returned by SelectOrder on an empty pool.
var ErrNoEndpointsConfigured = errors.New("no endpoints configured")

// Prober reads the current queue length of an endpoint.
type Prober interface {
	QueueSize(ctx context.Context, endpoint *Endpoint) (int, error)
}

// Options tune the selection policy.
type Options struct {
	PreferIdle     bool
	BusyThreshold  int
	StatusTimeout  time.Duration
	StatusMaxAge   time.Duration
	FailureCeiling int
	Cooldown       time.Duration
	// Now overrides the clock, mainly for tests.
	Now func() time.Time
}

// OptionsFromConfig builds the selection options from the loaded config.
func OptionsFromConfig(cfg config.EasyTTSConfig) Options {
	return Options{
		PreferIdle:     cfg.PreferIdleEndpoint,
		BusyThreshold:  cfg.BusyQueueThreshold,
		StatusTimeout:  cfg.Timeouts().Status,
		StatusMaxAge:   cfg.StatusMaxAgeDuration(),
		FailureCeiling: cfg.FailureCeiling,
		Cooldown:       cfg.Cooldown(),
		Now:            nil,
	}
}

type snapshot struct {
	endpoints []*Endpoint
	opts      Options
}

// Pool is safe for concurrent use. Selection reads an immutable snapshot
// and the atomic health fields, so it never waits on a writer.
type Pool struct {
	state atomic.Pointer[snapshot]
	log   *logger.Logger
}

// New creates a pool from the configured endpoints, in configuration order.
func New(endpoints []config.EndpointConfig, opts Options, log *logger.Logger) *Pool {
	pool := &Pool{log: log}
	pool.state.Store(buildSnapshot(endpoints, opts, nil))

	return pool
}

func buildSnapshot(endpoints []config.EndpointConfig, opts Options, previous *snapshot) *snapshot {
	if opts.Now == nil {
		opts.Now = time.Now
	}

	built := &snapshot{endpoints: make([]*Endpoint, 0, len(endpoints)), opts: opts}

	for _, cfg := range endpoints {
		endpoint := newEndpoint(cfg)

		if previous != nil {
			for _, old := range previous.endpoints {
				if old.Name() == cfg.Name {
					endpoint.inherit(old)

					break
				}
			}
		}

		built.endpoints = append(built.endpoints, endpoint)
	}

	return built
}

// Reload swaps in a new endpoint list. Endpoints that keep their name keep
// their health state.
func (p *Pool) Reload(endpoints []config.EndpointConfig, opts Options) {
	p.state.Store(buildSnapshot(endpoints, opts, p.state.Load()))
	p.log.Info(logPoolReloaded, len(endpoints))
}

// Endpoints returns the endpoints in configuration order.
func (p *Pool) Endpoints() []*Endpoint {
	return slices.Clone(p.state.Load().endpoints)
}

// Get returns the endpoint with the given name.
func (p *Pool) Get(name string) (*Endpoint, bool) {
	for _, endpoint := range p.state.Load().endpoints {
		if endpoint.Name() == name {
			return endpoint, true
		}
	}

	return nil, false
}

// PreferIdle reports whether load-aware ordering is enabled.
func (p *Pool) PreferIdle() bool {
	return p.state.Load().opts.PreferIdle
}

type rankedEndpoint struct {
	endpoint  *Endpoint
	penalized bool
	failures  int
	cooling   bool
	tier      int
	queueSize int
}

const (
	tierIdle = iota
	tierUnknown
	tierBusy
)

// SelectOrder returns every endpoint, best candidate first.
//
// With PreferIdle, endpoints with a fresh queue size at or below the busy
// threshold come first (ascending queue size), then endpoints whose size is
// unknown or stale, then busy ones (ascending). Without it, configuration
// order is kept. In both modes endpoints whose consecutive failures exceed
// the ceiling are moved behind every healthy endpoint, fewest failures
// first. Remaining ties keep configuration order.
func (p *Pool) SelectOrder() ([]*Endpoint, error) {
	state := p.state.Load()
	if len(state.endpoints) == 0 {
		return nil, ErrNoEndpointsConfigured
	}

	now := state.opts.Now()
	ranked := make([]rankedEndpoint, 0, len(state.endpoints))

	for _, endpoint := range state.endpoints {
		ranked = append(ranked, rank(endpoint, state.opts, now))
	}

	slices.SortStableFunc(ranked, compareRanked)

	order := make([]*Endpoint, 0, len(ranked))
	for _, entry := range ranked {
		order = append(order, entry.endpoint)
	}

	return order, nil
}

func rank(endpoint *Endpoint, opts Options, now time.Time) rankedEndpoint {
	status := endpoint.Status()

	entry := rankedEndpoint{
		endpoint:  endpoint,
		penalized: status.ConsecutiveFailures > opts.FailureCeiling,
		failures:  status.ConsecutiveFailures,
		cooling:   now.Before(status.CooldownUntil),
		tier:      tierIdle,
		queueSize: 0,
	}

	if !opts.PreferIdle {
		return entry
	}

	stale := opts.StatusMaxAge > 0 && now.Sub(status.CheckedAt) > opts.StatusMaxAge

	switch {
	case !status.QueueKnown || stale:
		entry.tier = tierUnknown
	case status.QueueSize > opts.BusyThreshold:
		entry.tier = tierBusy
		entry.queueSize = status.QueueSize
	default:
		entry.queueSize = status.QueueSize
	}

	return entry
}

func compareRanked(a, b rankedEndpoint) int {
	if a.penalized != b.penalized {
		if a.penalized {
			return 1
		}

		return -1
	}

	if a.penalized {
		if a.failures != b.failures {
			return a.failures - b.failures
		}

		if a.cooling != b.cooling {
			if a.cooling {
				return 1
			}

			return -1
		}
	}

	if a.tier != b.tier {
		return a.tier - b.tier
	}

	return a.queueSize - b.queueSize
}

// ReportOutcome records the result of a synthesis job run through endpoint.
// Only a success resets the failure counter.
func (p *Pool) ReportOutcome(endpoint *Endpoint, success bool) {
	if success {
		endpoint.recordSuccess()

		return
	}

	opts := p.state.Load().opts
	until := opts.Now().Add(opts.Cooldown)

	count := endpoint.recordFailure(opts.FailureCeiling, until)
	if count > opts.FailureCeiling {
		p.log.Warn(logCooldown, endpoint.Name(), count, until.Format(time.RFC3339))
	}
}

// Refresh probes every endpoint concurrently, each bounded by the status
// timeout, and records the readings. A failed probe marks the queue size
// unknown; it does not count as a job failure.
func (p *Pool) Refresh(ctx context.Context, prober Prober) {
	state := p.state.Load()

	var wg sync.WaitGroup

	for _, endpoint := range state.endpoints {
		wg.Add(1)

		go func() {
			defer wg.Done()

			p.probe(ctx, prober, endpoint, state.opts)
		}()
	}

	wg.Wait()
}

func (p *Pool) probe(ctx context.Context, prober Prober, endpoint *Endpoint, opts Options) {
	probeCtx := ctx

	if opts.StatusTimeout > 0 {
		var cancel context.CancelFunc

		probeCtx, cancel = context.WithTimeout(ctx, opts.StatusTimeout)
		defer cancel()
	}

	size, err := prober.QueueSize(probeCtx, endpoint)
	if err != nil {
		endpoint.RecordProbeFailure(opts.Now())
		p.log.Warn(logProbeFailed, endpoint.Name(), err)

		return
	}

	endpoint.RecordQueueSize(size, opts.Now())
	p.log.Info(logProbeComplete, endpoint.Name(), size)
}

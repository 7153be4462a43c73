package pool_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-dispatch/internal/config"
	"github.com/book-expert/tts-dispatch/internal/pool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errProbe = errors.New("probe failed")

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()

	testLogger, err := logger.New(t.TempDir(), "pool-test.log")
	require.NoError(t, err)

	return testLogger
}

func endpointConfigs(names ...string) []config.EndpointConfig {
	cfgs := make([]config.EndpointConfig, 0, len(names))

	for _, name := range names {
		cfgs = append(cfgs, config.EndpointConfig{
			Name:        name,
			BaseURL:     "https://" + name + ".example.com",
			StudioToken: "",
			FnIndex:     config.DefaultFnIndex,
			TriggerID:   config.DefaultTriggerID,
		})
	}

	return cfgs
}

func defaultOptions(now time.Time) pool.Options {
	return pool.Options{
		PreferIdle:     true,
		BusyThreshold:  0,
		StatusTimeout:  time.Second,
		StatusMaxAge:   30 * time.Second,
		FailureCeiling: 2,
		Cooldown:       time.Minute,
		Now:            func() time.Time { return now },
	}
}

func names(endpoints []*pool.Endpoint) []string {
	out := make([]string, 0, len(endpoints))
	for _, endpoint := range endpoints {
		out = append(out, endpoint.Name())
	}

	return out
}

func mustGet(t *testing.T, p *pool.Pool, name string) *pool.Endpoint {
	t.Helper()

	endpoint, ok := p.Get(name)
	require.True(t, ok, "endpoint %s", name)

	return endpoint
}

func TestSelectOrder_EmptyPool(t *testing.T) {
	t.Parallel()

	p := pool.New(nil, defaultOptions(time.Now()), newTestLogger(t))

	_, err := p.SelectOrder()
	require.ErrorIs(t, err, pool.ErrNoEndpointsConfigured)
}

func TestSelectOrder_IdleBeforeBusy(t *testing.T) {
	t.Parallel()

	now := time.Now()
	p := pool.New(endpointConfigs("A", "B"), defaultOptions(now), newTestLogger(t))

	mustGet(t, p, "A").RecordQueueSize(5, now)
	mustGet(t, p, "B").RecordQueueSize(0, now)

	order, err := p.SelectOrder()
	require.NoError(t, err)
	assert.Equal(t, []string{"B", "A"}, names(order))

	again, err := p.SelectOrder()
	require.NoError(t, err)
	assert.Equal(t, names(order), names(again), "selection is idempotent without state change")
}

func TestSelectOrder_Tiers(t *testing.T) {
	t.Parallel()

	now := time.Now()
	opts := defaultOptions(now)
	opts.BusyThreshold = 1

	p := pool.New(endpointConfigs("busy-big", "unknown", "idle-one", "stale", "busy-small", "idle-zero"), opts, newTestLogger(t))

	mustGet(t, p, "busy-big").RecordQueueSize(9, now)
	mustGet(t, p, "idle-one").RecordQueueSize(1, now)
	mustGet(t, p, "stale").RecordQueueSize(0, now.Add(-time.Hour))
	mustGet(t, p, "busy-small").RecordQueueSize(3, now)
	mustGet(t, p, "idle-zero").RecordQueueSize(0, now)

	order, err := p.SelectOrder()
	require.NoError(t, err)
	assert.Equal(t,
		[]string{"idle-zero", "idle-one", "unknown", "stale", "busy-small", "busy-big"},
		names(order),
	)

	again, err := p.SelectOrder()
	require.NoError(t, err)
	assert.Equal(t, names(order), names(again), "selection is idempotent without state change")
}

func TestSelectOrder_NonDecreasingAmongFresh(t *testing.T) {
	t.Parallel()

	now := time.Now()
	p := pool.New(endpointConfigs("a", "b", "c", "d", "e"), defaultOptions(now), newTestLogger(t))

	sizes := map[string]int{"a": 7, "b": 2, "c": 0, "d": 11, "e": 4}
	for name, size := range sizes {
		mustGet(t, p, name).RecordQueueSize(size, now)
	}

	order, err := p.SelectOrder()
	require.NoError(t, err)

	previous := -1

	for _, endpoint := range order {
		size := endpoint.Status().QueueSize
		assert.GreaterOrEqual(t, size, previous)

		previous = size
	}
}

func TestSelectOrder_PreferIdleDisabledKeepsConfigOrder(t *testing.T) {
	t.Parallel()

	now := time.Now()
	opts := defaultOptions(now)
	opts.PreferIdle = false

	p := pool.New(endpointConfigs("A", "B", "C"), opts, newTestLogger(t))
	mustGet(t, p, "A").RecordQueueSize(50, now)

	order, err := p.SelectOrder()
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C"}, names(order))
}

func TestReportOutcome_CooldownDeprioritizes(t *testing.T) {
	t.Parallel()

	now := time.Now()
	p := pool.New(endpointConfigs("A", "B"), defaultOptions(now), newTestLogger(t))

	a := mustGet(t, p, "A")
	mustGet(t, p, "A").RecordQueueSize(0, now)
	mustGet(t, p, "B").RecordQueueSize(4, now)

	for range 3 {
		p.ReportOutcome(a, false)
	}

	status := a.Status()
	assert.Equal(t, 3, status.ConsecutiveFailures)
	assert.Equal(t, now.Add(time.Minute).UnixNano(), status.CooldownUntil.UnixNano())

	order, err := p.SelectOrder()
	require.NoError(t, err)
	assert.Equal(t, []string{"B", "A"}, names(order), "failing endpoint is never first while a healthier one exists")

	p.ReportOutcome(a, true)

	status = a.Status()
	assert.Zero(t, status.ConsecutiveFailures)
	assert.True(t, status.CooldownUntil.IsZero())

	order, err = p.SelectOrder()
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, names(order))
}

func TestReportOutcome_BelowCeilingKeepsOrder(t *testing.T) {
	t.Parallel()

	now := time.Now()
	p := pool.New(endpointConfigs("A", "B"), defaultOptions(now), newTestLogger(t))

	a := mustGet(t, p, "A")
	a.RecordQueueSize(0, now)
	mustGet(t, p, "B").RecordQueueSize(1, now)

	p.ReportOutcome(a, false)
	p.ReportOutcome(a, false)

	order, err := p.SelectOrder()
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, names(order))
	assert.True(t, a.Status().CooldownUntil.IsZero())
}

func TestReportOutcome_Concurrent(t *testing.T) {
	t.Parallel()

	p := pool.New(endpointConfigs("A"), defaultOptions(time.Now()), newTestLogger(t))
	a := mustGet(t, p, "A")

	var wg sync.WaitGroup

	for range 50 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			p.ReportOutcome(a, false)
			_, _ = p.SelectOrder()
		}()
	}

	wg.Wait()

	assert.Equal(t, 50, a.Status().ConsecutiveFailures)
}

type fakeProber struct {
	sizes map[string]int
}

func (f fakeProber) QueueSize(_ context.Context, endpoint *pool.Endpoint) (int, error) {
	size, ok := f.sizes[endpoint.Name()]
	if !ok {
		return 0, errProbe
	}

	return size, nil
}

func TestRefresh(t *testing.T) {
	t.Parallel()

	now := time.Now()
	p := pool.New(endpointConfigs("A", "B", "C"), defaultOptions(now), newTestLogger(t))
	mustGet(t, p, "C").RecordQueueSize(0, now)

	p.Refresh(context.Background(), fakeProber{sizes: map[string]int{"A": 5, "B": 0}})

	assert.Equal(t, 5, mustGet(t, p, "A").Status().QueueSize)
	assert.False(t, mustGet(t, p, "C").Status().QueueKnown, "failed probe marks the size unknown")

	order, err := p.SelectOrder()
	require.NoError(t, err)
	assert.Equal(t, []string{"B", "C", "A"}, names(order))
}

func TestReload_KeepsHealthByName(t *testing.T) {
	t.Parallel()

	now := time.Now()
	opts := defaultOptions(now)
	p := pool.New(endpointConfigs("A", "B"), opts, newTestLogger(t))

	a := mustGet(t, p, "A")
	a.RecordQueueSize(3, now)
	p.ReportOutcome(a, false)

	p.Reload(endpointConfigs("C", "A"), opts)

	assert.Equal(t, []string{"C", "A"}, names(p.Endpoints()))

	_, found := p.Get("B")
	assert.False(t, found)

	reloaded := mustGet(t, p, "A").Status()
	assert.Equal(t, 3, reloaded.QueueSize)
	assert.Equal(t, 1, reloaded.ConsecutiveFailures)
}

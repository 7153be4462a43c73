package pool

import (
	"sync/atomic"
	"time"

	"github.com/book-expert/tts-dispatch/internal/config"
)

const unknownQueueSize = -1

// Endpoint is one remote synthesis repository. Its configuration is
// immutable; its health fields are only touched through atomic operations
// so that concurrent requests never observe a torn update.
type Endpoint struct {
	cfg config.EndpointConfig

	queueSize     atomic.Int64
	checkedAt     atomic.Int64
	failures      atomic.Int64
	cooldownUntil atomic.Int64
}

func newEndpoint(cfg config.EndpointConfig) *Endpoint {
	endpoint := &Endpoint{cfg: cfg}
	endpoint.queueSize.Store(unknownQueueSize)

	return endpoint
}

// Name is the endpoint identity.
func (e *Endpoint) Name() string { return e.cfg.Name }

// BaseURL is the repository root, without a trailing slash.
func (e *Endpoint) BaseURL() string { return e.cfg.BaseURL }

// Token is the studio token, empty for public repositories.
func (e *Endpoint) Token() string { return e.cfg.StudioToken }

// FnIndex identifies the remote synthesis function.
func (e *Endpoint) FnIndex() int { return e.cfg.FnIndex }

// TriggerID identifies the remote UI trigger bound to FnIndex.
func (e *Endpoint) TriggerID() int { return e.cfg.TriggerID }

// Status is a point-in-time copy of an endpoint's health.
type Status struct {
	Name                string
	QueueSize           int
	QueueKnown          bool
	CheckedAt           time.Time
	ConsecutiveFailures int
	CooldownUntil       time.Time
}

// Status returns a snapshot of the health fields. Fields are read
// independently; a concurrent update may be half visible, which only makes
// the snapshot slightly stale.
func (e *Endpoint) Status() Status {
	status := Status{
		Name:                e.cfg.Name,
		QueueSize:           int(e.queueSize.Load()),
		ConsecutiveFailures: int(e.failures.Load()),
	}

	status.QueueKnown = status.QueueSize != unknownQueueSize

	if checked := e.checkedAt.Load(); checked != 0 {
		status.CheckedAt = time.Unix(0, checked)
	}

	if until := e.cooldownUntil.Load(); until != 0 {
		status.CooldownUntil = time.Unix(0, until)
	}

	return status
}

// RecordQueueSize stores a successful status probe.
func (e *Endpoint) RecordQueueSize(size int, at time.Time) {
	e.queueSize.Store(int64(size))
	e.checkedAt.Store(at.UnixNano())
}

// RecordProbeFailure marks the queue size as unknown.
func (e *Endpoint) RecordProbeFailure(at time.Time) {
	e.queueSize.Store(unknownQueueSize)
	e.checkedAt.Store(at.UnixNano())
}

func (e *Endpoint) recordSuccess() {
	e.failures.Store(0)
	e.cooldownUntil.Store(0)
}

// recordFailure bumps the failure counter and, above the ceiling, pushes
// the cooldown deadline forward. The deadline never moves backwards.
func (e *Endpoint) recordFailure(ceiling int, until time.Time) int {
	count := e.failures.Add(1)
	if count <= int64(ceiling) {
		return int(count)
	}

	deadline := until.UnixNano()

	for {
		current := e.cooldownUntil.Load()
		if current >= deadline {
			break
		}

		if e.cooldownUntil.CompareAndSwap(current, deadline) {
			break
		}
	}

	return int(count)
}

// inherit copies the health state of a previous incarnation of the same
// endpoint after a configuration reload.
func (e *Endpoint) inherit(previous *Endpoint) {
	e.queueSize.Store(previous.queueSize.Load())
	e.checkedAt.Store(previous.checkedAt.Load())
	e.failures.Store(previous.failures.Load())
	e.cooldownUntil.Store(previous.cooldownUntil.Load())
}

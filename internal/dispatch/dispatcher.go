// Package dispatch composes endpoint selection, synthesis and delivery into
// one request.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-dispatch/internal/config"
	"github.com/book-expert/tts-dispatch/internal/core"
	"github.com/book-expert/tts-dispatch/internal/pool"
	"github.com/book-expert/tts-dispatch/internal/remote"
	"github.com/book-expert/tts-dispatch/internal/schema"
)

const (
	noticeFormat        = "语音合成失败: %s"
	defaultNoticeBudget = 5 * time.Second
	defaultSchemaBudget = 30 * time.Second
	defaultSchemaWait   = 2 * time.Second

	logFailover      = "endpoint %s failed (%v), trying next candidate"
	logDispatchFail  = "dispatch failed: %v"
	logNoticeFailed  = "error notice could not be sent: %v"
	logSynthesizedOn = "synthesized %d bytes of %s on endpoint %s"
	logSchemaPending = "schema refresh for %s still running, validating against the cached presets"
	logCallerExpired = "request ended while endpoint %s was working (%v), endpoint not penalized"
)

// Remote is the protocol client the dispatcher drives.
type Remote interface {
	pool.Prober
	schema.Discoverer
	Synthesize(ctx context.Context, endpoint *pool.Endpoint, request core.SynthesisRequest) (core.AudioArtifact, error)
}

// Deliverer hands audio to the outbound channel.
type Deliverer interface {
	Deliver(ctx context.Context, audio core.AudioArtifact) (core.DeliveryResult, error)
}

// Attempt is the last error seen on one endpoint.
type Attempt struct {
	Endpoint string
	Err      error
}

// FailoverError reports that no candidate endpoint produced audio. Cause is
// set when the request's own context ended the search; endpoints that were
// never tried have no Attempt.
type FailoverError struct {
	Attempts []Attempt
	Cause    error
}

func (e *FailoverError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, attempt := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %v", attempt.Endpoint, attempt.Err))
	}

	if e.Cause == nil {
		return "all endpoints failed: " + strings.Join(parts, "; ")
	}

	if len(parts) == 0 {
		return fmt.Sprintf("request ended before any endpoint answered: %v", e.Cause)
	}

	return fmt.Sprintf("request ended before any endpoint answered: %v (%s)", e.Cause, strings.Join(parts, "; "))
}

// Unwrap exposes the cause and every attempt's error to errors.Is and
// errors.As.
func (e *FailoverError) Unwrap() []error {
	errs := make([]error, 0, len(e.Attempts)+1)
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}

	for _, attempt := range e.Attempts {
		errs = append(errs, attempt.Err)
	}

	return errs
}

// Dependencies are the collaborators of a Dispatcher. Schema and Notifier
// are optional.
type Dependencies struct {
	Pool     *pool.Pool
	Remote   Remote
	Schema   *schema.Cache
	Delivery Deliverer
	Notifier core.Notifier
}

// Options tune a Dispatcher.
//
// SchemaRefreshTimeout bounds a schema refresh, which runs detached from the
// request so a slow schema API never spends the request's deadline.
// SchemaWait is how long a request waits for that refresh before it goes on
// with the presets already cached.
type Options struct {
	RequestTimeout       time.Duration
	NotifyErrors         bool
	NoticeTimeout        time.Duration
	SchemaRefreshTimeout time.Duration
	SchemaWait           time.Duration
}

// OptionsFromConfig builds dispatcher options from the loaded config.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		RequestTimeout:       cfg.General.RequestTimeout(),
		NotifyErrors:         cfg.General.SendErrorMessages,
		NoticeTimeout:        defaultNoticeBudget,
		SchemaRefreshTimeout: cfg.EasyTTS.Timeouts().SSE,
		SchemaWait:           defaultSchemaWait,
	}
}

// Dispatcher is safe for concurrent use; independent requests run in
// parallel and only share the pool's health state.
type Dispatcher struct {
	deps     Dependencies
	resolver Resolver
	opts     Options
	log      *logger.Logger
}

// New creates a dispatcher.
func New(deps Dependencies, resolver Resolver, opts Options, log *logger.Logger) *Dispatcher {
	if opts.NoticeTimeout <= 0 {
		opts.NoticeTimeout = defaultNoticeBudget
	}

	if opts.SchemaRefreshTimeout <= 0 {
		opts.SchemaRefreshTimeout = defaultSchemaBudget
	}

	if opts.SchemaWait <= 0 {
		opts.SchemaWait = defaultSchemaWait
	}

	return &Dispatcher{deps: deps, resolver: resolver, opts: opts, log: log}
}

// SynthesizeAndSend synthesizes request on the best available endpoint and
// delivers the audio. It never returns an error: failures are reported in
// the result, and an error notice is sent when enabled.
func (d *Dispatcher) SynthesizeAndSend(ctx context.Context, request core.SynthesisRequest) core.DeliveryResult {
	if d.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, d.opts.RequestTimeout)
		defer cancel()
	}

	result, err := d.dispatch(ctx, request)
	if err != nil {
		d.log.Error(logDispatchFail, err)
		d.notify(ctx, err)

		result.Success = false
		result.Message = err.Error()
	}

	return result
}

func (d *Dispatcher) dispatch(ctx context.Context, request core.SynthesisRequest) (core.DeliveryResult, error) {
	resolved, err := d.resolver.Resolve(request)
	if err != nil {
		return core.DeliveryResult{}, err
	}

	if d.deps.Pool.PreferIdle() {
		d.deps.Pool.Refresh(ctx, d.deps.Remote)
	}

	candidates, err := d.deps.Pool.SelectOrder()
	if err != nil {
		return core.DeliveryResult{}, err
	}

	audio, endpoint, err := d.synthesize(ctx, candidates, resolved)
	if err != nil {
		return core.DeliveryResult{}, err
	}

	result, err := d.deps.Delivery.Deliver(ctx, audio)
	result.Endpoint = endpoint.Name()

	if err != nil {
		return result, fmt.Errorf("delivering audio from %s: %w", endpoint.Name(), err)
	}

	return result, nil
}

// synthesize tries candidates in order until one produces audio. A rejected
// preset ends the search at once: another endpoint would only be asked for
// the same invalid value. When the request's context ends, the search stops
// and the endpoint in flight is not charged with a failure.
func (d *Dispatcher) synthesize(
	ctx context.Context,
	candidates []*pool.Endpoint,
	request core.SynthesisRequest,
) (core.AudioArtifact, *pool.Endpoint, error) {
	var attempts []Attempt

	for _, endpoint := range candidates {
		if ctx.Err() != nil {
			return core.AudioArtifact{}, nil, &FailoverError{Attempts: attempts, Cause: ctx.Err()}
		}

		d.refreshSchema(ctx, endpoint)

		audio, err := d.deps.Remote.Synthesize(ctx, endpoint, request)
		if err == nil {
			d.deps.Pool.ReportOutcome(endpoint, true)
			d.log.Info(logSynthesizedOn, len(audio.Bytes), audio.SuggestedFormat, endpoint.Name())

			return audio, endpoint, nil
		}

		var synthesisErr *remote.SynthesisError
		if errors.As(err, &synthesisErr) && synthesisErr.Reason == remote.ReasonRejectedPreset {
			return core.AudioArtifact{}, nil, err
		}

		attempts = append(attempts, Attempt{Endpoint: endpoint.Name(), Err: err})

		if ctx.Err() != nil {
			d.log.Warn(logCallerExpired, endpoint.Name(), err)

			return core.AudioArtifact{}, nil, &FailoverError{Attempts: attempts, Cause: ctx.Err()}
		}

		d.deps.Pool.ReportOutcome(endpoint, false)
		d.log.Warn(logFailover, endpoint.Name(), err)
	}

	return core.AudioArtifact{}, nil, &FailoverError{Attempts: attempts}
}

// refreshSchema starts a refresh of endpoint's schema when it is stale and
// waits for it at most SchemaWait. The refresh keeps running on its own
// budget after the wait ends; concurrent requests share it.
func (d *Dispatcher) refreshSchema(ctx context.Context, endpoint *pool.Endpoint) {
	if d.deps.Schema == nil || !d.deps.Schema.Stale(endpoint.Name()) {
		return
	}

	refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.opts.SchemaRefreshTimeout)
	done := make(chan struct{})

	go func() {
		defer close(done)
		defer cancel()

		_ = d.deps.Schema.EnsureFresh(refreshCtx, endpoint, d.deps.Remote)
	}()

	wait := time.NewTimer(d.opts.SchemaWait)
	defer wait.Stop()

	select {
	case <-done:
	case <-wait.C:
		d.log.Info(logSchemaPending, endpoint.Name())
	case <-ctx.Done():
	}
}

// notify sends a short error notice in the background. It never blocks the
// caller and its own failure is only logged.
func (d *Dispatcher) notify(ctx context.Context, cause error) {
	if !d.opts.NotifyErrors || d.deps.Notifier == nil {
		return
	}

	noticeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.opts.NoticeTimeout)

	go func() {
		defer cancel()

		err := d.deps.Notifier.Notify(noticeCtx, fmt.Sprintf(noticeFormat, cause))
		if err != nil {
			d.log.Warn(logNoticeFailed, err)
		}
	}()
}

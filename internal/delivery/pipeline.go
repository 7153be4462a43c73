// Package delivery turns synthesized audio into a message the outbound
// channel accepts, trying several transports in order.
package delivery

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-dispatch/internal/config"
	"github.com/book-expert/tts-dispatch/internal/core"
	"github.com/google/uuid"
)

const (
	dirPermissions  = 0o755
	filePermissions = 0o644

	logAttemptFailed = "delivery via %s failed: %v"
	logDelivered     = "audio delivered via %s (%d bytes)"

	msgDelivered = "audio delivered via %s"
)

var (
	// ErrEmptyAudio is returned for an artifact without bytes.
	ErrEmptyAudio = errors.New("empty audio buffer")
	// ErrChannelNotConfigured is returned when no outbound channel is set.
	ErrChannelNotConfigured = errors.New("outbound channel not configured")
	// ErrRejected reports a payload the receiver refused.
	ErrRejected = errors.New("receiver rejected the payload")
)

// ExhaustedError reports that every transport failed.
type ExhaustedError struct {
	LastErr error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("all delivery transports exhausted: %v", e.LastErr)
}

func (e *ExhaustedError) Unwrap() error {
	return e.LastErr
}

// Options configure the pipeline.
type Options struct {
	OutputDir      string
	InlinePrimary  bool
	InlinePrefix   string
	AttemptTimeout time.Duration
}

// OptionsFromConfig builds pipeline options from the loaded config.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		OutputDir:      cfg.General.AudioOutputDir,
		InlinePrimary:  cfg.General.UseBase64Audio,
		InlinePrefix:   cfg.General.InlinePrefix,
		AttemptTimeout: cfg.NATS.SendTimeout(),
	}
}

// Pipeline delivers audio through an outbound channel.
type Pipeline struct {
	channel core.OutboundChannel
	cleanup *CleanupScheduler
	opts    Options
	log     *logger.Logger
}

// NewPipeline creates a pipeline. channel may be nil, in which case every
// delivery fails with ErrChannelNotConfigured.
func NewPipeline(channel core.OutboundChannel, cleanup *CleanupScheduler, opts Options, log *logger.Logger) *Pipeline {
	return &Pipeline{
		channel: channel,
		cleanup: cleanup,
		opts:    opts,
		log:     log,
	}
}

// Channel returns the outbound channel.
func (p *Pipeline) Channel() core.OutboundChannel {
	return p.channel
}

// Deliver hands audio to the channel, first success wins:
//
//  1. inline base64, when configured as primary
//  2. absolute path of a freshly written temp file
//  3. file:// URI of the same file
//  4. inline base64 as fallback, unless already tried
//
// A temp file, once written, is always scheduled for delayed deletion,
// whatever the outcome.
func (p *Pipeline) Deliver(ctx context.Context, audio core.AudioArtifact) (core.DeliveryResult, error) {
	if len(audio.Bytes) == 0 {
		return core.DeliveryResult{}, ErrEmptyAudio
	}

	if p.channel == nil {
		return core.DeliveryResult{}, ErrChannelNotConfigured
	}

	var lastErr error

	if p.opts.InlinePrimary {
		lastErr = p.attempt(ctx, core.TransportInline, p.inlinePayload(audio))
		if lastErr == nil {
			return p.success(core.TransportInline, "", len(audio.Bytes)), nil
		}
	}

	path, err := p.writeTemp(ctx, audio)
	if err != nil {
		lastErr = err
		p.log.Warn(logAttemptFailed, core.TransportPath, err)
	}

	if path != "" {
		lastErr = p.attempt(ctx, core.TransportPath, path)
		if lastErr == nil {
			return p.success(core.TransportPath, path, len(audio.Bytes)), nil
		}

		fileURI := (&url.URL{Scheme: "file", Path: filepath.ToSlash(path)}).String()

		lastErr = p.attempt(ctx, core.TransportURI, fileURI)
		if lastErr == nil {
			return p.success(core.TransportURI, path, len(audio.Bytes)), nil
		}
	}

	if !p.opts.InlinePrimary {
		lastErr = p.attempt(ctx, core.TransportInline, p.inlinePayload(audio))
		if lastErr == nil {
			return p.success(core.TransportInline, path, len(audio.Bytes)), nil
		}
	}

	return core.DeliveryResult{ArtifactPath: path}, &ExhaustedError{LastErr: lastErr}
}

func (p *Pipeline) success(kind core.TransportKind, path string, size int) core.DeliveryResult {
	p.log.Info(logDelivered, kind, size)

	return core.DeliveryResult{
		Success:       true,
		Message:       fmt.Sprintf(msgDelivered, kind),
		TransportUsed: kind,
		ArtifactPath:  path,
		Endpoint:      "",
	}
}

// attempt sends one payload under its own timeout.
func (p *Pipeline) attempt(ctx context.Context, kind core.TransportKind, payload string) error {
	attemptCtx := ctx

	if p.opts.AttemptTimeout > 0 {
		var cancel context.CancelFunc

		attemptCtx, cancel = context.WithTimeout(ctx, p.opts.AttemptTimeout)
		defer cancel()
	}

	accepted, err := p.channel.Send(attemptCtx, kind, payload)
	if err == nil && !accepted {
		err = fmt.Errorf("%w: %s", ErrRejected, kind)
	}

	if err != nil {
		p.log.Warn(logAttemptFailed, kind, err)

		return fmt.Errorf("%s: %w", kind, err)
	}

	return nil
}

func (p *Pipeline) inlinePayload(audio core.AudioArtifact) string {
	return p.opts.InlinePrefix + base64.StdEncoding.EncodeToString(audio.Bytes)
}

// writeTemp persists audio under a unique name and schedules its deletion.
// It returns an empty path when nothing was written.
func (p *Pipeline) writeTemp(ctx context.Context, audio core.AudioArtifact) (string, error) {
	dir, err := filepath.Abs(p.opts.OutputDir)
	if err != nil {
		return "", fmt.Errorf("resolving output dir %s: %w", p.opts.OutputDir, err)
	}

	err = os.MkdirAll(dir, dirPermissions)
	if err != nil {
		return "", fmt.Errorf("creating output dir %s: %w", dir, err)
	}

	format := audio.SuggestedFormat
	if format == "" {
		format = "wav"
	}

	path := filepath.Join(dir, fmt.Sprintf("tts_%s.%s", uuid.NewString(), format))

	err = os.WriteFile(path, audio.Bytes, filePermissions)
	if err != nil {
		_ = os.Remove(path)

		return "", fmt.Errorf("writing temp audio %s: %w", path, err)
	}

	if p.cleanup != nil {
		p.cleanup.Schedule(ctx, path)
	}

	return path, nil
}

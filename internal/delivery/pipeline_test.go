package delivery_test

import (
	"context"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-dispatch/internal/core"
	"github.com/book-expert/tts-dispatch/internal/delivery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUnreachable = errors.New("receiver unreachable")

type sent struct {
	kind    core.TransportKind
	payload string
}

// recordingChannel accepts only the configured kinds.
type recordingChannel struct {
	mu      sync.Mutex
	accept  map[core.TransportKind]bool
	fail    map[core.TransportKind]error
	history []sent
}

func (c *recordingChannel) Send(_ context.Context, kind core.TransportKind, payload string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.history = append(c.history, sent{kind: kind, payload: payload})

	if err := c.fail[kind]; err != nil {
		return false, err
	}

	return c.accept[kind], nil
}

func (c *recordingChannel) kinds() []core.TransportKind {
	c.mu.Lock()
	defer c.mu.Unlock()

	kinds := make([]core.TransportKind, 0, len(c.history))
	for _, entry := range c.history {
		kinds = append(kinds, entry.kind)
	}

	return kinds
}

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()

	testLogger, err := logger.New(t.TempDir(), "delivery-test.log")
	require.NoError(t, err)

	return testLogger
}

func newPipeline(
	t *testing.T,
	channel core.OutboundChannel,
	inlinePrimary bool,
	delay time.Duration,
) (*delivery.Pipeline, *delivery.CleanupScheduler, string) {
	t.Helper()

	testLogger := newTestLogger(t)
	outputDir := filepath.Join(t.TempDir(), "audio")
	scheduler := delivery.NewCleanupScheduler(delay, nil, testLogger)
	t.Cleanup(scheduler.Stop)

	pipeline := delivery.NewPipeline(channel, scheduler, delivery.Options{
		OutputDir:      outputDir,
		InlinePrimary:  inlinePrimary,
		InlinePrefix:   "base64://",
		AttemptTimeout: time.Second,
	}, testLogger)

	return pipeline, scheduler, outputDir
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()

	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}

	require.NoError(t, err)

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}

	return names
}

var audio = core.AudioArtifact{Bytes: []byte("fake wav bytes"), SuggestedFormat: "wav"}

func TestDeliver_EmptyAudio(t *testing.T) {
	t.Parallel()

	channel := &recordingChannel{accept: map[core.TransportKind]bool{core.TransportInline: true}}
	pipeline, scheduler, outputDir := newPipeline(t, channel, false, time.Minute)

	_, err := pipeline.Deliver(context.Background(), core.AudioArtifact{Bytes: nil, SuggestedFormat: "wav"})
	require.ErrorIs(t, err, delivery.ErrEmptyAudio)

	assert.Empty(t, channel.kinds(), "no send attempted")
	assert.Empty(t, listDir(t, outputDir), "no file written")
	assert.Zero(t, scheduler.Pending())
}

func TestDeliver_ChannelNotConfigured(t *testing.T) {
	t.Parallel()

	pipeline, _, outputDir := newPipeline(t, nil, false, time.Minute)

	_, err := pipeline.Deliver(context.Background(), audio)
	require.ErrorIs(t, err, delivery.ErrChannelNotConfigured)
	assert.Empty(t, listDir(t, outputDir))
}

func TestDeliver_InlinePrimaryWritesNoFile(t *testing.T) {
	t.Parallel()

	channel := &recordingChannel{accept: map[core.TransportKind]bool{core.TransportInline: true}}
	pipeline, scheduler, outputDir := newPipeline(t, channel, true, time.Minute)

	result, err := pipeline.Deliver(context.Background(), audio)
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, core.TransportInline, result.TransportUsed)
	assert.Empty(t, result.ArtifactPath)
	assert.Empty(t, listDir(t, outputDir))
	assert.Zero(t, scheduler.Pending())

	require.Len(t, channel.history, 1)
	assert.Equal(t, "base64://"+base64.StdEncoding.EncodeToString(audio.Bytes), channel.history[0].payload)
}

func TestDeliver_PathFirst(t *testing.T) {
	t.Parallel()

	channel := &recordingChannel{accept: map[core.TransportKind]bool{core.TransportPath: true}}
	pipeline, scheduler, _ := newPipeline(t, channel, false, time.Minute)

	result, err := pipeline.Deliver(context.Background(), audio)
	require.NoError(t, err)

	assert.Equal(t, core.TransportPath, result.TransportUsed)
	assert.True(t, filepath.IsAbs(result.ArtifactPath))
	assert.True(t, strings.HasSuffix(result.ArtifactPath, ".wav"))
	assert.Equal(t, result.ArtifactPath, channel.history[0].payload)

	data, err := os.ReadFile(result.ArtifactPath)
	require.NoError(t, err, "file is not deleted synchronously")
	assert.Equal(t, audio.Bytes, data)
	assert.Equal(t, 1, scheduler.Pending())
}

func TestDeliver_URIAfterPath(t *testing.T) {
	t.Parallel()

	channel := &recordingChannel{accept: map[core.TransportKind]bool{core.TransportURI: true}}
	pipeline, _, _ := newPipeline(t, channel, false, time.Minute)

	result, err := pipeline.Deliver(context.Background(), audio)
	require.NoError(t, err)

	assert.Equal(t, core.TransportURI, result.TransportUsed)
	assert.Equal(t, []core.TransportKind{core.TransportPath, core.TransportURI}, channel.kinds())
	assert.Equal(t, "file://"+filepath.ToSlash(result.ArtifactPath), channel.history[1].payload)
}

func TestDeliver_InlineFallbackStillSchedulesCleanup(t *testing.T) {
	t.Parallel()

	channel := &recordingChannel{
		accept: map[core.TransportKind]bool{core.TransportInline: true},
		fail:   map[core.TransportKind]error{core.TransportPath: errUnreachable},
	}
	pipeline, scheduler, outputDir := newPipeline(t, channel, false, 100*time.Millisecond)

	result, err := pipeline.Deliver(context.Background(), audio)
	require.NoError(t, err)

	assert.Equal(t, core.TransportInline, result.TransportUsed)
	assert.Equal(t,
		[]core.TransportKind{core.TransportPath, core.TransportURI, core.TransportInline},
		channel.kinds(),
	)
	assert.Equal(t, 1, scheduler.Pending())
	assert.Len(t, listDir(t, outputDir), 1)

	assert.Eventually(t, func() bool {
		return len(listDir(t, outputDir)) == 0 && scheduler.Pending() == 0
	}, 2*time.Second, 20*time.Millisecond, "temp file deleted after the delay")
}

func TestDeliver_Exhausted(t *testing.T) {
	t.Parallel()

	channel := &recordingChannel{fail: map[core.TransportKind]error{core.TransportInline: errUnreachable}}
	pipeline, scheduler, _ := newPipeline(t, channel, true, time.Minute)

	result, err := pipeline.Deliver(context.Background(), audio)

	var exhausted *delivery.ExhaustedError

	require.ErrorAs(t, err, &exhausted)
	require.ErrorIs(t, err, delivery.ErrRejected, "last error is the URI refusal")
	assert.False(t, result.Success)
	assert.Equal(t,
		[]core.TransportKind{core.TransportInline, core.TransportPath, core.TransportURI},
		channel.kinds(),
		"inline is not retried when it was the primary",
	)
	assert.Equal(t, 1, scheduler.Pending())
}

package remote_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-dispatch/internal/config"
	"github.com/book-expert/tts-dispatch/internal/core"
	"github.com/book-expert/tts-dispatch/internal/pool"
	"github.com/book-expert/tts-dispatch/internal/remote"
	"github.com/book-expert/tts-dispatch/internal/remote/remotetest"
	"github.com/book-expert/tts-dispatch/internal/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testAudio = []byte("RIFF....WAVEfmt fake audio payload")

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()

	testLogger, err := logger.New(t.TempDir(), "remote-test.log")
	require.NoError(t, err)

	return testLogger
}

func testOptions() remote.Options {
	return remote.Options{
		Timeouts: config.Timeouts{
			Status:   time.Second,
			Join:     time.Second,
			SSE:      2 * time.Second,
			Download: time.Second,
		},
		MaxAudioBytes: 1 << 20,
		SchemaAPI:     remotetest.SchemaAPI,
		SplitSentence: true,
		TrustEnv:      false,
	}
}

func healthyBehavior() remotetest.Behavior {
	return remotetest.Behavior{
		Voices: map[string][]string{
			"mika":   {"普通", "开心"},
			"sagiri": {"普通"},
		},
		Audio: testAudio,
	}
}

func startFake(t *testing.T, behavior remotetest.Behavior) *remotetest.Server {
	t.Helper()

	fake := remotetest.NewServer(behavior)
	t.Cleanup(fake.Close)

	return fake
}

func endpointFor(t *testing.T, fake *remotetest.Server, token string) *pool.Endpoint {
	t.Helper()

	p := pool.New([]config.EndpointConfig{{
		Name:        "fake",
		BaseURL:     fake.URL,
		StudioToken: token,
		FnIndex:     config.DefaultFnIndex,
		TriggerID:   config.DefaultTriggerID,
	}}, pool.Options{}, newTestLogger(t))

	endpoint, ok := p.Get("fake")
	require.True(t, ok)

	return endpoint
}

func requireReason(t *testing.T, err error, reason remote.Reason) *remote.SynthesisError {
	t.Helper()

	var synthesisErr *remote.SynthesisError

	require.ErrorAs(t, err, &synthesisErr)
	assert.Equal(t, reason, synthesisErr.Reason, "error: %v", err)

	return synthesisErr
}

func TestQueueSize(t *testing.T) {
	t.Parallel()

	behavior := healthyBehavior()
	behavior.QueueSize = 4
	behavior.Token = "secret"
	fake := startFake(t, behavior)

	client := remote.New(testOptions(), nil, newTestLogger(t))

	size, err := client.QueueSize(context.Background(), endpointFor(t, fake, "secret"))
	require.NoError(t, err)
	assert.Equal(t, 4, size)

	_, err = client.QueueSize(context.Background(), endpointFor(t, fake, "wrong"))
	require.ErrorIs(t, err, remote.ErrHTTPStatus)
}

func TestDiscover(t *testing.T) {
	t.Parallel()

	for _, bare := range []bool{false, true} {
		behavior := healthyBehavior()
		behavior.BareChoices = bare
		behavior.FailVoices = []string{"sagiri"}
		fake := startFake(t, behavior)

		client := remote.New(testOptions(), nil, newTestLogger(t))

		voices, err := client.Discover(context.Background(), endpointFor(t, fake, ""))
		require.NoError(t, err)
		assert.Equal(t, map[string][]string{"mika": {"普通", "开心"}}, voices,
			"a failed voice is dropped without affecting the others (bare=%v)", bare)
	}
}

func TestDiscover_SlowAndMalformedVoicesAreDropped(t *testing.T) {
	t.Parallel()

	behavior := healthyBehavior()
	behavior.Voices["rin"] = []string{"普通"}
	behavior.StallVoices = []string{"sagiri"}
	behavior.MalformedVoices = []string{"rin"}
	fake := startFake(t, behavior)

	opts := testOptions()
	opts.Timeouts.SSE = 200 * time.Millisecond
	client := remote.New(opts, nil, newTestLogger(t))

	start := time.Now()

	voices, err := client.Discover(context.Background(), endpointFor(t, fake, ""))
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{"mika": {"普通", "开心"}}, voices)
	assert.Less(t, time.Since(start), 2*time.Second, "a stalled lookup is bounded by the stream timeout")
}

func TestDiscover_NoEnumeration(t *testing.T) {
	t.Parallel()

	behavior := healthyBehavior()
	behavior.NoEnumeration = true
	fake := startFake(t, behavior)

	client := remote.New(testOptions(), nil, newTestLogger(t))

	voices, err := client.Discover(context.Background(), endpointFor(t, fake, ""))
	require.NoError(t, err)
	assert.Empty(t, voices)
}

func TestDiscover_FeedsSchemaCache(t *testing.T) {
	t.Parallel()

	fake := startFake(t, healthyBehavior())
	testLogger := newTestLogger(t)
	cache := schema.NewCache(map[string][]string{"manual": {"x"}}, time.Minute, 0, testLogger)
	client := remote.New(testOptions(), cache, testLogger)
	endpoint := endpointFor(t, fake, "")

	require.NoError(t, cache.Refresh(context.Background(), endpoint, client))

	presets, ok := cache.Lookup(endpoint.Name(), "mika")
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"普通", "开心"}, presets)

	_, ok = cache.Lookup(endpoint.Name(), "manual")
	assert.True(t, ok)
}

func TestSynthesize_Success(t *testing.T) {
	t.Parallel()

	for _, barePath := range []bool{false, true} {
		behavior := healthyBehavior()
		behavior.BarePath = barePath
		behavior.Token = "tok"
		fake := startFake(t, behavior)

		client := remote.New(testOptions(), nil, newTestLogger(t))

		artifact, err := client.Synthesize(context.Background(), endpointFor(t, fake, "tok"),
			core.SynthesisRequest{Text: "こんにちは", Voice: "mika", Preset: "普通"})
		require.NoError(t, err)
		assert.Equal(t, testAudio, artifact.Bytes)
		assert.Equal(t, "wav", artifact.SuggestedFormat)

		joins := fake.Joins()
		require.Len(t, joins, 1)
		assert.Equal(t, []any{"こんにちは", "mika", "普通", true}, joins[0].Data)
		assert.Equal(t, config.DefaultFnIndex, joins[0].FnIndex)
		assert.Equal(t, config.DefaultTriggerID, joins[0].TriggerID)
		assert.NotEmpty(t, joins[0].SessionHash)
	}
}

func TestSynthesize_LocalPresetRejection(t *testing.T) {
	t.Parallel()

	fake := startFake(t, healthyBehavior())
	testLogger := newTestLogger(t)
	cache := schema.NewCache(map[string][]string{"mika": {"普通"}}, time.Minute, 0, testLogger)
	client := remote.New(testOptions(), cache, testLogger)

	_, err := client.Synthesize(context.Background(), endpointFor(t, fake, ""),
		core.SynthesisRequest{Text: "hi", Voice: "mika", Preset: "X"})

	requireReason(t, err, remote.ReasonRejectedPreset)
	require.ErrorIs(t, err, schema.ErrPresetNotAllowed)
	assert.Empty(t, fake.Joins(), "an invalid preset is never forwarded")
}

func TestSynthesize_UnknownVoicePassesThrough(t *testing.T) {
	t.Parallel()

	fake := startFake(t, healthyBehavior())
	testLogger := newTestLogger(t)
	cache := schema.NewCache(nil, time.Minute, 0, testLogger)
	client := remote.New(testOptions(), cache, testLogger)

	_, err := client.Synthesize(context.Background(), endpointFor(t, fake, ""),
		core.SynthesisRequest{Text: "hi", Voice: "mika", Preset: "X"})

	requireReason(t, err, remote.ReasonRejectedPreset)
	assert.Len(t, fake.Joins(), 1, "the remote decides when the cache knows nothing")
}

func TestSynthesize_Failures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*remotetest.Behavior, *remote.Options)
		reason  remote.Reason
		wantErr error
	}{
		{
			name: "join timeout",
			mutate: func(behavior *remotetest.Behavior, opts *remote.Options) {
				behavior.JoinDelay = time.Second
				opts.Timeouts.Join = 100 * time.Millisecond
			},
			reason:  remote.ReasonQueueTimeout,
			wantErr: remote.ErrQueueTimeout,
		},
		{
			name: "never starts",
			mutate: func(behavior *remotetest.Behavior, opts *remote.Options) {
				behavior.NeverStart = true
				opts.Timeouts.Join = 150 * time.Millisecond
			},
			reason:  remote.ReasonQueueTimeout,
			wantErr: remote.ErrQueueTimeout,
		},
		{
			name: "stream timeout",
			mutate: func(behavior *remotetest.Behavior, opts *remote.Options) {
				behavior.NeverStart = true
				opts.Timeouts.Join = time.Second
				opts.Timeouts.SSE = 150 * time.Millisecond
			},
			reason:  remote.ReasonStreamTimeout,
			wantErr: nil,
		},
		{
			name: "remote error",
			mutate: func(behavior *remotetest.Behavior, _ *remote.Options) {
				behavior.FailJob = "CUDA out of memory"
			},
			reason:  remote.ReasonRemoteError,
			wantErr: remote.ErrRemoteFailure,
		},
		{
			name: "audio too large",
			mutate: func(_ *remotetest.Behavior, opts *remote.Options) {
				opts.MaxAudioBytes = 4
			},
			reason:  remote.ReasonDownloadFailed,
			wantErr: remote.ErrAudioTooLarge,
		},
		{
			name: "empty audio",
			mutate: func(behavior *remotetest.Behavior, _ *remote.Options) {
				behavior.Audio = nil
			},
			reason:  remote.ReasonDownloadFailed,
			wantErr: remote.ErrEmptyDownload,
		},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			behavior := healthyBehavior()
			opts := testOptions()
			testCase.mutate(&behavior, &opts)

			fake := startFake(t, behavior)
			client := remote.New(opts, nil, newTestLogger(t))

			_, err := client.Synthesize(context.Background(), endpointFor(t, fake, ""),
				core.SynthesisRequest{Text: "hi", Voice: "mika", Preset: "普通"})

			synthesisErr := requireReason(t, err, testCase.reason)
			assert.Equal(t, "fake", synthesisErr.Endpoint)

			if testCase.wantErr != nil {
				require.ErrorIs(t, err, testCase.wantErr)
			}
		})
	}
}

func TestSynthesize_TransportError(t *testing.T) {
	t.Parallel()

	fake := remotetest.NewServer(healthyBehavior())
	endpoint := endpointFor(t, fake, "")
	fake.Close()

	client := remote.New(testOptions(), nil, newTestLogger(t))

	_, err := client.Synthesize(context.Background(), endpoint,
		core.SynthesisRequest{Text: "hi", Voice: "mika", Preset: "普通"})

	requireReason(t, err, remote.ReasonTransport)
}

func TestSynthesize_CallerDeadline(t *testing.T) {
	t.Parallel()

	behavior := healthyBehavior()
	behavior.NeverStart = true
	fake := startFake(t, behavior)

	opts := testOptions()
	opts.Timeouts.Join = 10 * time.Second
	opts.Timeouts.SSE = 10 * time.Second
	client := remote.New(opts, nil, newTestLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	start := time.Now()

	_, err := client.Synthesize(ctx, endpointFor(t, fake, ""),
		core.SynthesisRequest{Text: "hi", Voice: "mika", Preset: "普通"})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second, "the overall deadline aborts the open stream")
	assert.True(t, errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil)
}

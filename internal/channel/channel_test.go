package channel_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/tts-dispatch/internal/channel"
	"github.com/book-expert/tts-dispatch/internal/core"
	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestNatsClient(t *testing.T) *nats.Conn {
	t.Helper()

	opts := test.DefaultTestOptions
	opts.Port = -1 // Use a random port
	server := test.RunServer(&opts)

	natsConnection, err := nats.Connect(server.ClientURL())
	if err != nil {
		t.Fatalf("Failed to connect to test NATS server: %v", err)
	}

	t.Cleanup(func() {
		natsConnection.Close()
		server.Shutdown()
	})

	return natsConnection
}

func TestNatsChannel_Send(t *testing.T) {
	t.Parallel()

	natsConnection := createTestNatsClient(t)

	received := make(chan channel.OutboundMessage, 4)

	sub, err := natsConnection.Subscribe("outbound", func(msg *nats.Msg) {
		var message channel.OutboundMessage

		_ = json.Unmarshal(msg.Data, &message)
		received <- message

		reply, _ := json.Marshal(channel.OutboundReply{Accepted: message.Kind == core.TransportInline})
		_ = msg.Respond(reply)
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })

	outbound := channel.NewNatsChannel(natsConnection, "outbound", "notice")

	header := events.EventHeader{WorkflowID: "wf-1", TenantID: "tenant"}
	ctx, cancel := context.WithTimeout(channel.WithHeader(context.Background(), header), 2*time.Second)
	defer cancel()

	accepted, err := outbound.Send(ctx, core.TransportPath, "/tmp/a.wav")
	require.NoError(t, err)
	assert.False(t, accepted)

	accepted, err = outbound.Send(ctx, core.TransportInline, "base64://AAAA")
	require.NoError(t, err)
	assert.True(t, accepted)

	first := <-received
	assert.Equal(t, core.TransportPath, first.Kind)
	assert.Equal(t, "/tmp/a.wav", first.Payload)
	assert.Equal(t, "wf-1", first.Header.WorkflowID)
	assert.Equal(t, "tenant", first.Header.TenantID)
	assert.NotEmpty(t, first.Header.EventID)
}

func TestNatsChannel_SendWithoutReceiver(t *testing.T) {
	t.Parallel()

	outbound := channel.NewNatsChannel(createTestNatsClient(t), "nobody-listens", "notice")

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	accepted, err := outbound.Send(ctx, core.TransportPath, "/tmp/a.wav")
	require.Error(t, err)
	assert.False(t, accepted)
}

func TestNatsChannel_Notify(t *testing.T) {
	t.Parallel()

	natsConnection := createTestNatsClient(t)

	sub, err := natsConnection.SubscribeSync("notice")
	require.NoError(t, err)

	outbound := channel.NewNatsChannel(natsConnection, "outbound", "notice")
	require.NoError(t, outbound.Notify(context.Background(), "语音合成失败"))

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)

	var notice channel.Notice

	require.NoError(t, json.Unmarshal(msg.Data, &notice))
	assert.Equal(t, "语音合成失败", notice.Text)
	assert.NotEmpty(t, notice.Header.WorkflowID)
}

func TestFileSink(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	source := filepath.Join(dir, "source.wav")
	audio := []byte("audio bytes")
	require.NoError(t, os.WriteFile(source, audio, 0o600))

	fileURI := (&url.URL{Scheme: "file", Path: filepath.ToSlash(source)}).String()

	tests := []struct {
		name    string
		kind    core.TransportKind
		payload string
	}{
		{name: "path", kind: core.TransportPath, payload: source},
		{name: "uri", kind: core.TransportURI, payload: fileURI},
		{name: "inline", kind: core.TransportInline, payload: "base64://" + base64.StdEncoding.EncodeToString(audio)},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			destination := filepath.Join(t.TempDir(), "out", "say.wav")
			sink := channel.NewFileSink(destination, "base64://", nil)

			accepted, err := sink.Send(context.Background(), testCase.kind, testCase.payload)
			require.NoError(t, err)
			assert.True(t, accepted)

			written, err := os.ReadFile(destination)
			require.NoError(t, err)
			assert.Equal(t, audio, written)
		})
	}
}

func TestFileSink_RestrictedKinds(t *testing.T) {
	t.Parallel()

	var notices bytes.Buffer

	sink := channel.NewFileSink(filepath.Join(t.TempDir(), "say.wav"), "base64://", &notices, core.TransportInline)

	accepted, err := sink.Send(context.Background(), core.TransportPath, "/does/not/matter")
	require.NoError(t, err)
	assert.False(t, accepted)

	require.NoError(t, sink.Notify(context.Background(), "failed"))
	assert.Equal(t, "failed\n", notices.String())
}

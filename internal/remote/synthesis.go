package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/book-expert/tts-dispatch/internal/core"
	"github.com/book-expert/tts-dispatch/internal/eventstream"
	"github.com/book-expert/tts-dispatch/internal/pool"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// Reason classifies a failed synthesis job.
type Reason string

// Failure reasons.
const (
	ReasonRejectedPreset Reason = "RejectedPreset"
	ReasonQueueTimeout   Reason = "QueueTimeout"
	ReasonStreamTimeout  Reason = "StreamTimeout"
	ReasonDownloadFailed Reason = "DownloadFailed"
	ReasonTransport      Reason = "Transport"
	ReasonRemoteError    Reason = "RemoteError"
	ReasonProtocol       Reason = "Protocol"
)

const (
	msgEstimation        = "estimation"
	msgProcessStarts     = "process_starts"
	msgProcessGenerating = "process_generating"
	msgHeartbeat         = "heartbeat"
	msgProcessCompleted  = "process_completed"
	msgCloseStream       = "close_stream"
	msgUnexpectedError   = "unexpected_error"

	rejectedChoiceMarker = "not in the list of choices"

	logQueued     = "job %s on endpoint %s queued at rank %d"
	logJobStarted = "job %s on endpoint %s started"
)

var (
	// ErrQueueTimeout reports a job that never started within the join timeout.
	ErrQueueTimeout = errors.New("job did not start before join timeout")
	// ErrRemoteFailure reports a job the remote completed unsuccessfully.
	ErrRemoteFailure = errors.New("remote job failed")
)

// SynthesisError is returned by Synthesize. Reason tells the caller whether
// failing over makes sense.
type SynthesisError struct {
	Reason   Reason
	Endpoint string
	Err      error
}

func (e *SynthesisError) Error() string {
	return fmt.Sprintf("synthesis on %s failed (%s): %v", e.Endpoint, e.Reason, e.Err)
}

func (e *SynthesisError) Unwrap() error {
	return e.Err
}

func newSynthesisError(reason Reason, endpoint *pool.Endpoint, err error) *SynthesisError {
	return &SynthesisError{Reason: reason, Endpoint: endpoint.Name(), Err: err}
}

// job is one in-flight synthesis exchange.
type job struct {
	endpoint    *pool.Endpoint
	request     core.SynthesisRequest
	sessionHash string
	eventID     string
	submittedAt time.Time
}

// Synthesize runs one synthesis job on endpoint and downloads the audio.
//
// The preset is checked against the schema cache first; a preset the cache
// knows to be invalid is rejected without any remote call. The job is then
// submitted, its result stream followed until a terminal message, and the
// produced file downloaded.
func (c *Client) Synthesize(
	ctx context.Context,
	endpoint *pool.Endpoint,
	request core.SynthesisRequest,
) (core.AudioArtifact, error) {
	if c.schema != nil {
		err := c.schema.Validate(endpoint.Name(), request.Voice, request.Preset)
		if err != nil {
			return core.AudioArtifact{}, newSynthesisError(ReasonRejectedPreset, endpoint, err)
		}
	}

	current := &job{
		endpoint:    endpoint,
		request:     request,
		sessionHash: uuid.NewString(),
		eventID:     "",
		submittedAt: time.Now(),
	}

	err := c.join(ctx, current)
	if err != nil {
		return core.AudioArtifact{}, err
	}

	fileRef, err := c.await(ctx, current)
	if err != nil {
		return core.AudioArtifact{}, err
	}

	return c.download(ctx, endpoint, fileRef)
}

func (c *Client) join(ctx context.Context, current *job) error {
	joinCtx, cancel := context.WithTimeout(ctx, c.opts.Timeouts.Join)
	defer cancel()

	payload := map[string]any{
		"data": []any{
			current.request.Text,
			current.request.Voice,
			current.request.Preset,
			c.opts.SplitSentence,
		},
		"fn_index":     current.endpoint.FnIndex(),
		"trigger_id":   current.endpoint.TriggerID(),
		"session_hash": current.sessionHash,
		"event_data":   nil,
	}

	eventID, err := c.submit(joinCtx, current.endpoint, pathQueueJoin, payload)
	if err != nil {
		switch {
		case joinCtx.Err() != nil:
			return newSynthesisError(ReasonQueueTimeout, current.endpoint, fmt.Errorf("%w: %w", ErrQueueTimeout, err))
		case errors.Is(err, ErrProtocol):
			return newSynthesisError(ReasonProtocol, current.endpoint, err)
		default:
			return newSynthesisError(ReasonTransport, current.endpoint, err)
		}
	}

	current.eventID = eventID

	return nil
}

// await follows the session's result stream until the job completes and
// returns the output file reference.
func (c *Client) await(ctx context.Context, current *job) (gjson.Result, error) {
	streamCtx, cancel := context.WithDeadline(ctx, current.submittedAt.Add(c.opts.Timeouts.SSE))
	defer cancel()

	target := pathQueueData + "?session_hash=" + url.QueryEscape(current.sessionHash)

	body, err := c.openStream(streamCtx, current.endpoint, target)
	if err != nil {
		if streamCtx.Err() != nil {
			return gjson.Result{}, newSynthesisError(ReasonStreamTimeout, current.endpoint, err)
		}

		return gjson.Result{}, newSynthesisError(ReasonTransport, current.endpoint, err)
	}

	queueTimer := time.NewTimer(time.Until(current.submittedAt.Add(c.opts.Timeouts.Join)))
	defer queueTimer.Stop()

	items := eventstream.Pump(streamCtx, body)
	started := false

	for {
		select {
		case <-queueTimer.C:
			if !started {
				return gjson.Result{}, newSynthesisError(ReasonQueueTimeout, current.endpoint, ErrQueueTimeout)
			}

		case item, ok := <-items:
			if !ok {
				return gjson.Result{}, newSynthesisError(ReasonStreamTimeout, current.endpoint,
					fmt.Errorf("%w: %w", eventstream.ErrNoTerminalEvent, streamCtx.Err()))
			}

			if item.Err != nil {
				return gjson.Result{}, c.streamFailure(current, item.Err)
			}

			done, fileRef, msgErr := c.handleMessage(current, item.Event.Data, &started)
			if msgErr != nil {
				return gjson.Result{}, msgErr
			}

			if done {
				return fileRef, nil
			}
		}
	}
}

func (c *Client) streamFailure(current *job, err error) error {
	if errors.Is(err, io.EOF) {
		err = eventstream.ErrNoTerminalEvent
	}

	if errors.Is(err, eventstream.ErrNoTerminalEvent) {
		return newSynthesisError(ReasonStreamTimeout, current.endpoint, err)
	}

	return newSynthesisError(ReasonTransport, current.endpoint, err)
}

// handleMessage applies one queue message. It reports done with the output
// file reference once the job completed successfully.
func (c *Client) handleMessage(current *job, data string, started *bool) (bool, gjson.Result, error) {
	if !gjson.Valid(data) {
		return false, gjson.Result{}, newSynthesisError(ReasonProtocol, current.endpoint,
			fmt.Errorf("%w: %w", ErrProtocol, eventstream.ErrMalformedEvent))
	}

	message := gjson.Parse(data)

	if id := message.Get("event_id"); id.Exists() && id.String() != current.eventID {
		return false, gjson.Result{}, nil
	}

	switch message.Get("msg").String() {
	case msgEstimation:
		c.log.Info(logQueued, current.eventID, current.endpoint.Name(), message.Get("rank").Int())

	case msgProcessStarts, msgProcessGenerating:
		if !*started {
			c.log.Info(logJobStarted, current.eventID, current.endpoint.Name())
		}

		*started = true

	case msgHeartbeat:

	case msgProcessCompleted:
		*started = true

		if !message.Get("success").Bool() {
			return false, gjson.Result{}, completionFailure(current, message)
		}

		fileRef := message.Get("output.data.0")
		if !fileRef.Exists() || fileRef.Type == gjson.Null {
			return false, gjson.Result{}, newSynthesisError(ReasonProtocol, current.endpoint,
				fmt.Errorf("%w: completed job carries no output file", ErrProtocol))
		}

		return true, fileRef, nil

	case msgCloseStream:
		return false, gjson.Result{}, newSynthesisError(ReasonRemoteError, current.endpoint,
			fmt.Errorf("%w: stream closed before completion", ErrRemoteFailure))

	case msgUnexpectedError:
		return false, gjson.Result{}, newSynthesisError(ReasonRemoteError, current.endpoint,
			fmt.Errorf("%w: %s", ErrRemoteFailure, message.Get("message").String()))
	}

	return false, gjson.Result{}, nil
}

func completionFailure(current *job, message gjson.Result) error {
	text := message.Get("output.error").String()
	if text == "" {
		text = message.Get("title").String()
	}

	if strings.Contains(text, rejectedChoiceMarker) {
		return newSynthesisError(ReasonRejectedPreset, current.endpoint,
			fmt.Errorf("%w: preset %q rejected for voice %q: %s", ErrRemoteFailure,
				current.request.Preset, current.request.Voice, text))
	}

	return newSynthesisError(ReasonRemoteError, current.endpoint, fmt.Errorf("%w: %s", ErrRemoteFailure, text))
}

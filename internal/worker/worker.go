// Package worker provides a NATS worker that serves synthesis requests.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/book-expert/tts-dispatch/internal/channel"
	"github.com/book-expert/tts-dispatch/internal/core"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/nats-io/nats.go"
)

const (
	defaultHandleTimeout = 90 * time.Second
	defaultMaxInFlight   = 8
	defaultDedupeSize    = 1024
	defaultDedupeTTL     = 10 * time.Minute
	drainPollInterval    = 10 * time.Millisecond

	// QueueGroup lets several workers share one request subject.
	QueueGroup = "tts-dispatch"
)

// ErrEventIDEmpty indicates a request without an event id.
var ErrEventIDEmpty = errors.New("event id cannot be empty")

// SynthesisRequestedEvent asks for one utterance to be synthesized and delivered.
type SynthesisRequestedEvent struct {
	Header events.EventHeader `json:"header"`
	core.SynthesisRequest
}

// SynthesisCompletedEvent is the reply to a SynthesisRequestedEvent.
type SynthesisCompletedEvent struct {
	Header events.EventHeader `json:"header"`
	core.DeliveryResult
}

// Handler runs one request to completion. It reports failures in the result.
type Handler interface {
	SynthesizeAndSend(ctx context.Context, request core.SynthesisRequest) core.DeliveryResult
}

// Options tune the worker.
type Options struct {
	HandleTimeout time.Duration
	MaxInFlight   int
	DedupeSize    int
	DedupeTTL     time.Duration
}

// NatsWorker listens for synthesis requests on a NATS subject and replies
// with the delivery result. Requests are handled in parallel, up to
// MaxInFlight at a time. A redelivered request (same event id) is answered
// from the result cache instead of being synthesized twice.
type NatsWorker struct {
	natsConnection *nats.Conn
	subject        string
	handler        Handler
	opts           Options
	completed      *expirable.LRU[string, core.DeliveryResult]
	slots          chan struct{}
	inFlight       sync.WaitGroup
	log            *logger.Logger
}

// NewNatsWorker creates a new instance of a NATS worker.
func NewNatsWorker(
	natsConnection *nats.Conn,
	subject string,
	handler Handler,
	opts Options,
	log *logger.Logger,
) (*NatsWorker, error) {
	if opts.HandleTimeout <= 0 {
		opts.HandleTimeout = defaultHandleTimeout
	}

	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = defaultMaxInFlight
	}

	if opts.DedupeSize <= 0 {
		opts.DedupeSize = defaultDedupeSize
	}

	if opts.DedupeTTL <= 0 {
		opts.DedupeTTL = defaultDedupeTTL
	}

	return &NatsWorker{
		natsConnection: natsConnection,
		subject:        subject,
		handler:        handler,
		opts:           opts,
		completed:      expirable.NewLRU[string, core.DeliveryResult](opts.DedupeSize, nil, opts.DedupeTTL),
		slots:          make(chan struct{}, opts.MaxInFlight),
		log:            log,
	}, nil
}

// Run starts the worker and begins listening for messages. It returns after
// ctx is cancelled and every in-flight request has been answered.
func (w *NatsWorker) Run(ctx context.Context) error {
	sub, err := w.natsConnection.QueueSubscribe(w.subject, QueueGroup, w.handleMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe to subject %s: %w", w.subject, err)
	}

	w.log.Info("Listening for synthesis requests on subject: %s", w.subject)

	<-ctx.Done()

	err = sub.Drain()
	if err != nil {
		return fmt.Errorf("failed to drain subscription: %w", err)
	}

	// Drain is asynchronous: pending messages may still reach handleMessage
	// until the subscription closes.
	w.waitForDrain(sub)
	w.inFlight.Wait()

	return nil
}

func (w *NatsWorker) waitForDrain(sub *nats.Subscription) {
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()

	deadline := time.After(w.opts.HandleTimeout)

	for sub.IsValid() {
		select {
		case <-ticker.C:
		case <-deadline:
			w.log.Warn("Subscription on %s did not finish draining", w.subject)

			return
		}
	}
}

// handleMessage parses the request and hands it to a goroutine, so that a
// slow synthesis does not hold up the subscription.
func (w *NatsWorker) handleMessage(msg *nats.Msg) {
	event, err := w.parseAndValidateEvent(msg)
	if err != nil {
		w.log.Error("Failed to parse and validate event: %v", err)
		w.replyFailure(msg, events.EventHeader{}, err)

		return
	}

	w.slots <- struct{}{}

	w.inFlight.Add(1)

	go func() {
		defer w.inFlight.Done()
		defer func() { <-w.slots }()

		w.process(msg, event)
	}()
}

func (w *NatsWorker) process(msg *nats.Msg, event *SynthesisRequestedEvent) {
	result, seen := w.completed.Get(event.Header.EventID)
	if seen {
		w.log.Info("Request %s already handled, replaying result", event.Header.EventID)
	} else {
		ctx, cancel := context.WithTimeout(channel.WithHeader(context.Background(), event.Header), w.opts.HandleTimeout)
		defer cancel()

		result = w.handler.SynthesizeAndSend(ctx, event.SynthesisRequest)
		w.completed.Add(event.Header.EventID, result)
	}

	if !result.Success {
		w.log.Error("Synthesis for workflow %s failed: %s", event.Header.WorkflowID, result.Message)
	}

	err := w.publishReplyEvent(msg, &SynthesisCompletedEvent{Header: replyHeader(event.Header), DeliveryResult: result})
	if err != nil {
		w.log.Error("Failed to publish reply event for workflow %s: %v", event.Header.WorkflowID, err)
	}
}

func (w *NatsWorker) replyFailure(msg *nats.Msg, header events.EventHeader, cause error) {
	reply := &SynthesisCompletedEvent{
		Header: replyHeader(header),
		DeliveryResult: core.DeliveryResult{
			Success:       false,
			Message:       cause.Error(),
			TransportUsed: "",
			ArtifactPath:  "",
			Endpoint:      "",
		},
	}

	err := w.publishReplyEvent(msg, reply)
	if err != nil {
		w.log.Error("Failed to publish failure reply: %v", err)
	}
}

func replyHeader(request events.EventHeader) events.EventHeader {
	return events.EventHeader{
		Timestamp:  time.Now(),
		WorkflowID: request.WorkflowID,
		EventID:    uuid.NewString(),
		UserID:     request.UserID,
		TenantID:   request.TenantID,
	}
}

// publishReplyEvent marshals and responds with the SynthesisCompletedEvent.
// Requests published without a reply subject are fire and forget.
func (w *NatsWorker) publishReplyEvent(msg *nats.Msg, replyEvent *SynthesisCompletedEvent) error {
	if msg.Reply == "" {
		return nil
	}

	replyData, err := json.Marshal(replyEvent)
	if err != nil {
		return fmt.Errorf("failed to marshal reply event: %w", err)
	}

	err = msg.Respond(replyData)
	if err != nil {
		return fmt.Errorf("failed to publish reply event: %w", err)
	}

	return nil
}

func (w *NatsWorker) parseAndValidateEvent(msg *nats.Msg) (*SynthesisRequestedEvent, error) {
	var event SynthesisRequestedEvent

	err := json.Unmarshal(msg.Data, &event)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}

	if event.Header.EventID == "" {
		return nil, ErrEventIDEmpty
	}

	return &event, nil
}

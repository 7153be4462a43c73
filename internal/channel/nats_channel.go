// Package channel provides the outbound message channels audio is delivered to.
package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/tts-dispatch/internal/core"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// OutboundMessage is published for every delivery attempt.
type OutboundMessage struct {
	Header  events.EventHeader `json:"header"`
	Kind    core.TransportKind `json:"kind"`
	Payload string             `json:"payload"`
}

// OutboundReply is what the receiver answers.
type OutboundReply struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// Notice is a short user-visible error message.
type Notice struct {
	Header events.EventHeader `json:"header"`
	Text   string             `json:"text"`
}

type headerKey struct{}

// WithHeader attaches the header of the request being served to ctx, so
// that outbound messages can be correlated with it.
func WithHeader(ctx context.Context, header events.EventHeader) context.Context {
	return context.WithValue(ctx, headerKey{}, header)
}

// headerFrom returns the request header with a fresh event id, or a new
// header when ctx carries none.
func headerFrom(ctx context.Context) events.EventHeader {
	header, ok := ctx.Value(headerKey{}).(events.EventHeader)
	if !ok {
		header = events.EventHeader{
			Timestamp:  time.Time{},
			WorkflowID: uuid.NewString(),
			EventID:    "",
			UserID:     "",
			TenantID:   "",
		}
	}

	header.Timestamp = time.Now()
	header.EventID = uuid.NewString()

	return header
}

// NatsChannel delivers audio as NATS requests; the receiver's reply says
// whether it could use the payload.
type NatsChannel struct {
	natsConnection *nats.Conn
	subject        string
	noticeSubject  string
}

// NewNatsChannel creates a channel publishing to subject and notices to
// noticeSubject.
func NewNatsChannel(natsConnection *nats.Conn, subject, noticeSubject string) *NatsChannel {
	return &NatsChannel{
		natsConnection: natsConnection,
		subject:        subject,
		noticeSubject:  noticeSubject,
	}
}

// Send implements core.OutboundChannel. ctx bounds the wait for the reply.
func (c *NatsChannel) Send(ctx context.Context, kind core.TransportKind, payload string) (bool, error) {
	data, err := json.Marshal(OutboundMessage{Header: headerFrom(ctx), Kind: kind, Payload: payload})
	if err != nil {
		return false, fmt.Errorf("failed to marshal outbound message: %w", err)
	}

	msg, err := c.natsConnection.RequestWithContext(ctx, c.subject, data)
	if err != nil {
		return false, fmt.Errorf("failed to send on subject %s: %w", c.subject, err)
	}

	var reply OutboundReply

	err = json.Unmarshal(msg.Data, &reply)
	if err != nil {
		return false, fmt.Errorf("failed to unmarshal outbound reply: %w", err)
	}

	return reply.Accepted, nil
}

// Notify implements core.Notifier. Notices are fire and forget.
func (c *NatsChannel) Notify(ctx context.Context, text string) error {
	data, err := json.Marshal(Notice{Header: headerFrom(ctx), Text: text})
	if err != nil {
		return fmt.Errorf("failed to marshal notice: %w", err)
	}

	err = c.natsConnection.Publish(c.noticeSubject, data)
	if err != nil {
		return fmt.Errorf("failed to publish notice on subject %s: %w", c.noticeSubject, err)
	}

	return nil
}

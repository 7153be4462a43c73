// Package eventstream decodes server-sent event streams.
//
// The wire format is line oriented: "event:", "data:" and "id:" fields
// accumulate until a blank line dispatches the event. Lines starting with
// ":" are comments. A stream that ends, or is cancelled, before the caller
// saw what it was waiting for is reported as ErrNoTerminalEvent, which is
// distinct from ErrMalformedEvent (a payload that does not decode).
package eventstream

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

const maxLineBytes = 1 << 20

var (
	// ErrNoTerminalEvent reports a stream that ended or timed out early.
	ErrNoTerminalEvent = errors.New("no terminal event before end of stream")
	// ErrMalformedEvent reports an event whose payload could not be decoded.
	ErrMalformedEvent = errors.New("malformed event")
)

// Event is one dispatched server-sent event.
type Event struct {
	Name string
	ID   string
	Data string
}

// Decode unmarshals the event's data payload as JSON.
func (e Event) Decode(target any) error {
	err := json.Unmarshal([]byte(e.Data), target)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}

	return nil
}

// Decoder reads events from a stream.
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	return &Decoder{scanner: scanner}
}

// Next returns the next event carrying data. It returns io.EOF when the
// stream ends cleanly with no pending event.
func (d *Decoder) Next() (Event, error) {
	var (
		event   Event
		data    []string
		hasData bool
	)

	for d.scanner.Scan() {
		line := d.scanner.Text()

		if line == "" {
			if hasData {
				event.Data = strings.Join(data, "\n")

				return event, nil
			}

			event = Event{}

			continue
		}

		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value := splitField(line)

		switch field {
		case "data":
			data = append(data, value)
			hasData = true
		case "event":
			event.Name = value
		case "id":
			event.ID = value
		}
	}

	err := d.scanner.Err()
	if err != nil {
		return Event{}, fmt.Errorf("reading event stream: %w", err)
	}

	if hasData {
		event.Data = strings.Join(data, "\n")

		return event, nil
	}

	return Event{}, io.EOF
}

func splitField(line string) (string, string) {
	field, value, found := strings.Cut(line, ":")
	if !found {
		return line, ""
	}

	return field, strings.TrimPrefix(value, " ")
}

// Item is one element delivered by Pump: either an event or the error that
// ended the stream.
type Item struct {
	Event Event
	Err   error
}

// Pump decodes body in a background goroutine and delivers events on the
// returned channel. The channel is closed after the stream ends; the last
// item carries the terminating error (io.EOF on a clean end). Cancelling
// ctx closes body, which unblocks the pending read, so the underlying
// connection is never leaked.
func Pump(ctx context.Context, body io.ReadCloser) <-chan Item {
	items := make(chan Item)

	stop := context.AfterFunc(ctx, func() {
		_ = body.Close()
	})

	go func() {
		defer close(items)
		defer stop()
		defer body.Close()

		decoder := NewDecoder(body)

		for {
			event, err := decoder.Next()
			if err != nil && ctx.Err() != nil {
				err = fmt.Errorf("%w: %w", ErrNoTerminalEvent, ctx.Err())
			}

			item := Item{Event: event, Err: err}

			select {
			case items <- item:
			case <-ctx.Done():
				return
			}

			if err != nil {
				return
			}
		}
	}()

	return items
}

// First reads until the first event carrying data and returns it.
// Heartbeats are skipped; named "error" events are returned as errors.
func First(ctx context.Context, body io.ReadCloser) (Event, error) {
	for item := range Pump(ctx, body) {
		if item.Err != nil {
			if errors.Is(item.Err, io.EOF) {
				return Event{}, ErrNoTerminalEvent
			}

			return Event{}, item.Err
		}

		if item.Event.Name == "heartbeat" {
			continue
		}

		if item.Event.Name == "error" {
			return Event{}, fmt.Errorf("%w: remote error event: %s", ErrMalformedEvent, item.Event.Data)
		}

		return item.Event, nil
	}

	return Event{}, fmt.Errorf("%w: %w", ErrNoTerminalEvent, ctx.Err())
}

package remote

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/book-expert/tts-dispatch/internal/eventstream"
	"github.com/book-expert/tts-dispatch/internal/pool"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"
)

const (
	logNoEnumeration  = "endpoint %s declares no voice enumeration for %s, using static presets"
	logVoiceFailed    = "preset lookup for voice %s on endpoint %s failed: %v"
	logDiscoveryStats = "endpoint %s: discovered presets for %d of %d voices"

	discoveryParallelism = 4
)

// Discover learns the voice and preset enumeration of endpoint.
//
// The voice list comes from the metadata of the preset lookup operation; an
// endpoint that declares none yields an empty result and no error. Presets
// are then requested per voice. A voice whose lookup fails is left out and
// does not affect the others.
func (c *Client) Discover(ctx context.Context, endpoint *pool.Endpoint) (map[string][]string, error) {
	voices, err := c.voiceEnumeration(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	result := make(map[string][]string, len(voices))
	if len(voices) == 0 {
		c.log.Info(logNoEnumeration, endpoint.Name(), c.opts.SchemaAPI)

		return result, nil
	}

	var (
		mu    sync.Mutex
		group errgroup.Group
	)

	group.SetLimit(discoveryParallelism)

	for _, voice := range voices {
		group.Go(func() error {
			presets, lookupErr := c.lookupPresets(ctx, endpoint, voice)
			if lookupErr != nil {
				c.log.Warn(logVoiceFailed, voice, endpoint.Name(), lookupErr)

				return nil
			}

			if len(presets) == 0 {
				return nil
			}

			mu.Lock()
			result[voice] = presets
			mu.Unlock()

			return nil
		})
	}

	_ = group.Wait()

	c.log.Info(logDiscoveryStats, endpoint.Name(), len(result), len(voices))

	return result, nil
}

// voiceEnumeration reads the first non-empty enum declared by a parameter of
// the preset lookup operation.
func (c *Client) voiceEnumeration(ctx context.Context, endpoint *pool.Endpoint) ([]string, error) {
	infoCtx, cancel := context.WithTimeout(ctx, c.opts.Timeouts.Join)
	defer cancel()

	body, err := c.getJSON(infoCtx, endpoint, pathInfo)
	if err != nil {
		return nil, fmt.Errorf("fetching metadata from %s: %w", endpoint.Name(), err)
	}

	var operation gjson.Result

	gjson.GetBytes(body, "named_endpoints").ForEach(func(key, value gjson.Result) bool {
		if key.String() == c.opts.SchemaAPI {
			operation = value

			return false
		}

		return true
	})

	var voices []string

	operation.Get("parameters").ForEach(func(_, parameter gjson.Result) bool {
		enum := parameter.Get("type.enum")
		if !enum.IsArray() || len(enum.Array()) == 0 {
			return true
		}

		for _, value := range enum.Array() {
			if name := value.String(); name != "" {
				voices = append(voices, name)
			}
		}

		return false
	})

	return voices, nil
}

// lookupPresets runs one preset lookup job and reads the first data event.
func (c *Client) lookupPresets(ctx context.Context, endpoint *pool.Endpoint, voice string) ([]string, error) {
	operation := strings.TrimPrefix(c.opts.SchemaAPI, "/")

	submitCtx, cancelSubmit := context.WithTimeout(ctx, c.opts.Timeouts.Join)
	defer cancelSubmit()

	eventID, err := c.submit(submitCtx, endpoint, pathCall+operation, map[string]any{"data": []string{voice}})
	if err != nil {
		return nil, err
	}

	streamCtx, cancelStream := context.WithTimeout(ctx, c.opts.Timeouts.SSE)
	defer cancelStream()

	body, err := c.openStream(streamCtx, endpoint, pathCall+operation+"/"+url.PathEscape(eventID))
	if err != nil {
		return nil, err
	}

	event, err := eventstream.First(streamCtx, body)
	if err != nil {
		return nil, err
	}

	return parseChoices(event.Data)
}

// parseChoices extracts preset names from a lookup result: a one-element
// array whose element carries "choices", each either a [value, label] pair
// or a bare label.
func parseChoices(data string) ([]string, error) {
	if !gjson.Valid(data) {
		return nil, fmt.Errorf("%w: %w: preset lookup payload is not JSON", ErrProtocol, eventstream.ErrMalformedEvent)
	}

	choices := gjson.Get(data, "0.choices")
	if !choices.IsArray() {
		return nil, fmt.Errorf("%w: %w: preset lookup payload has no choices", ErrProtocol, eventstream.ErrMalformedEvent)
	}

	var presets []string

	for _, choice := range choices.Array() {
		label := choice

		if choice.IsArray() {
			pair := choice.Array()
			if len(pair) == 0 {
				continue
			}

			label = pair[len(pair)-1]
			if len(pair) > 1 {
				label = pair[1]
			}
		}

		if name := label.String(); name != "" {
			presets = append(presets, name)
		}
	}

	return presets, nil
}

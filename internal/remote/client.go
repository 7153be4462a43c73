// Package remote speaks the queue based RPC protocol of a hosted Gradio
// repository: status probes, schema discovery and synthesis jobs.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-dispatch/internal/config"
	"github.com/book-expert/tts-dispatch/internal/pool"
	"github.com/book-expert/tts-dispatch/internal/schema"
	"github.com/tidwall/gjson"
)

const (
	pathQueueStatus = "/gradio_api/queue/status"
	pathInfo        = "/gradio_api/info"
	pathCall        = "/gradio_api/call/"
	pathQueueJoin   = "/gradio_api/queue/join"
	pathQueueData   = "/gradio_api/queue/data"
	pathFile        = "/gradio_api/file="

	tokenCookie   = "studio_token"
	maxJSONBytes  = 4 << 20
	errBodyPrefix = 256
)

var (
	// ErrProtocol reports a response that does not follow the expected shape.
	ErrProtocol = errors.New("protocol error")
	// ErrHTTPStatus reports a non-2xx response.
	ErrHTTPStatus = errors.New("unexpected HTTP status")
)

// Options configure the protocol client.
type Options struct {
	Timeouts      config.Timeouts
	MaxAudioBytes int64
	SchemaAPI     string
	SplitSentence bool
	TrustEnv      bool
}

// OptionsFromConfig builds client options from the loaded config.
func OptionsFromConfig(cfg config.EasyTTSConfig) Options {
	return Options{
		Timeouts:      cfg.Timeouts(),
		MaxAudioBytes: cfg.MaxAudioBytes,
		SchemaAPI:     cfg.SchemaAPI,
		SplitSentence: cfg.RemoteSplitSentence,
		TrustEnv:      cfg.TrustEnv,
	}
}

// Client talks to any endpoint of the pool. It holds no per-endpoint state
// and is safe for concurrent use.
type Client struct {
	httpClient *http.Client
	opts       Options
	schema     *schema.Cache
	log        *logger.Logger
}

// New creates a client. cache may be nil, in which case presets are never
// validated locally.
func New(opts Options, cache *schema.Cache, log *logger.Logger) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if !opts.TrustEnv {
		transport.Proxy = nil
	}

	return &Client{
		httpClient: &http.Client{Transport: transport},
		opts:       opts,
		schema:     cache,
		log:        log,
	}
}

// QueueSize reads the endpoint's current queue length.
func (c *Client) QueueSize(ctx context.Context, endpoint *pool.Endpoint) (int, error) {
	body, err := c.getJSON(ctx, endpoint, pathQueueStatus)
	if err != nil {
		return 0, err
	}

	size := gjson.GetBytes(body, "queue_size")
	if !size.Exists() {
		return 0, fmt.Errorf("%w: queue status without queue_size", ErrProtocol)
	}

	return int(size.Int()), nil
}

func (c *Client) newRequest(
	ctx context.Context,
	endpoint *pool.Endpoint,
	method, target string,
	payload any,
) (*http.Request, error) {
	var body io.Reader

	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}

		body = bytes.NewReader(encoded)
	}

	requestURL := resolveURL(endpoint.BaseURL(), target)

	req, err := http.NewRequestWithContext(ctx, method, requestURL, body)
	if err != nil {
		return nil, fmt.Errorf("building request %s %s: %w", method, requestURL, err)
	}

	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if token := endpoint.Token(); token != "" && sameHost(endpoint.BaseURL(), requestURL) {
		req.Header.Set("Authorization", "Bearer "+token)
		req.AddCookie(&http.Cookie{Name: tokenCookie, Value: token})
	}

	return req, nil
}

// do sends req and returns the response when its status is 2xx. Any other
// status is turned into an ErrHTTPStatus error and the body is closed.
func (c *Client) do(req *http.Request) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, errBodyPrefix))
		_ = resp.Body.Close()

		return nil, fmt.Errorf("%w: %s %s: %d %s", ErrHTTPStatus, req.Method, req.URL.Path, resp.StatusCode,
			strings.TrimSpace(string(snippet)))
	}

	return resp, nil
}

func (c *Client) getJSON(ctx context.Context, endpoint *pool.Endpoint, target string) ([]byte, error) {
	return c.exchangeJSON(ctx, endpoint, http.MethodGet, target, nil)
}

func (c *Client) exchangeJSON(
	ctx context.Context,
	endpoint *pool.Endpoint,
	method, target string,
	payload any,
) ([]byte, error) {
	req, err := c.newRequest(ctx, endpoint, method, target, payload)
	if err != nil {
		return nil, err
	}

	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxJSONBytes))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", target, err)
	}

	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: %s returned invalid JSON", ErrProtocol, target)
	}

	return body, nil
}

// openStream issues a GET for an event stream and returns the open body.
func (c *Client) openStream(ctx context.Context, endpoint *pool.Endpoint, target string) (io.ReadCloser, error) {
	req, err := c.newRequest(ctx, endpoint, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}

	return resp.Body, nil
}

// submit posts a job and returns its event id.
func (c *Client) submit(ctx context.Context, endpoint *pool.Endpoint, target string, payload any) (string, error) {
	body, err := c.exchangeJSON(ctx, endpoint, http.MethodPost, target, payload)
	if err != nil {
		return "", err
	}

	eventID := gjson.GetBytes(body, "event_id").String()
	if eventID == "" {
		return "", fmt.Errorf("%w: %s returned no event_id", ErrProtocol, target)
	}

	return eventID, nil
}

// resolveURL joins target to base unless target is already absolute.
func resolveURL(base, target string) string {
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		return target
	}

	if !strings.HasPrefix(target, "/") {
		target = "/" + target
	}

	return base + target
}

func sameHost(base, target string) bool {
	baseURL, err := url.Parse(base)
	if err != nil {
		return false
	}

	targetURL, err := url.Parse(target)
	if err != nil {
		return false
	}

	return strings.EqualFold(baseURL.Host, targetURL.Host)
}

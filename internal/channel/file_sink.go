package channel

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/book-expert/tts-dispatch/internal/core"
)

// ErrUnsupportedKind is returned for a transport kind the sink cannot read.
var ErrUnsupportedKind = errors.New("unsupported transport kind")

// FileSink is a local receiver that copies the delivered audio to a fixed
// destination. The CLI uses it for one-shot synthesis.
type FileSink struct {
	destination  string
	inlinePrefix string
	notices      io.Writer
	kinds        map[core.TransportKind]bool
}

// NewFileSink creates a sink writing to destination. Notices go to notices.
// When kinds is empty every transport is accepted.
func NewFileSink(destination, inlinePrefix string, notices io.Writer, kinds ...core.TransportKind) *FileSink {
	accepted := make(map[core.TransportKind]bool, len(kinds))
	for _, kind := range kinds {
		accepted[kind] = true
	}

	return &FileSink{
		destination:  destination,
		inlinePrefix: inlinePrefix,
		notices:      notices,
		kinds:        accepted,
	}
}

// Send implements core.OutboundChannel.
func (s *FileSink) Send(_ context.Context, kind core.TransportKind, payload string) (bool, error) {
	if len(s.kinds) > 0 && !s.kinds[kind] {
		return false, nil
	}

	audio, err := s.read(kind, payload)
	if err != nil {
		return false, err
	}

	err = os.MkdirAll(filepath.Dir(s.destination), 0o755)
	if err != nil {
		return false, fmt.Errorf("creating %s: %w", filepath.Dir(s.destination), err)
	}

	err = os.WriteFile(s.destination, audio, 0o644)
	if err != nil {
		return false, fmt.Errorf("writing %s: %w", s.destination, err)
	}

	return true, nil
}

func (s *FileSink) read(kind core.TransportKind, payload string) ([]byte, error) {
	switch kind {
	case core.TransportPath:
		return readFile(payload)

	case core.TransportURI:
		parsed, err := url.Parse(payload)
		if err != nil || parsed.Scheme != "file" {
			return nil, fmt.Errorf("%w: not a file URI: %q", ErrUnsupportedKind, payload)
		}

		return readFile(filepath.FromSlash(parsed.Path))

	case core.TransportInline:
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(payload, s.inlinePrefix))
		if err != nil {
			return nil, fmt.Errorf("decoding inline audio: %w", err)
		}

		return decoded, nil
	}

	return nil, fmt.Errorf("%w: %s", ErrUnsupportedKind, kind)
}

func readFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	return data, nil
}

// Notify implements core.Notifier.
func (s *FileSink) Notify(_ context.Context, text string) error {
	if s.notices == nil {
		return nil
	}

	_, err := fmt.Fprintln(s.notices, text)
	if err != nil {
		return fmt.Errorf("writing notice: %w", err)
	}

	return nil
}

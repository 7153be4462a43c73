package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/book-expert/tts-dispatch/internal/core"
	"github.com/book-expert/tts-dispatch/internal/pool"
	"github.com/tidwall/gjson"
)

const defaultAudioFormat = "wav"

var (
	// ErrAudioTooLarge reports a download above the configured size bound.
	ErrAudioTooLarge = errors.New("audio exceeds maximum size")
	// ErrEmptyDownload reports a download that returned no bytes.
	ErrEmptyDownload = errors.New("audio download returned no data")
)

var contentTypeFormats = map[string]string{
	"audio/wav":    "wav",
	"audio/x-wav":  "wav",
	"audio/wave":   "wav",
	"audio/mpeg":   "mp3",
	"audio/mp3":    "mp3",
	"audio/ogg":    "ogg",
	"audio/flac":   "flac",
	"audio/x-flac": "flac",
	"audio/aac":    "aac",
	"audio/mp4":    "m4a",
	"audio/webm":   "webm",
}

// fileLocation resolves an output file reference to a download target and
// the name used to guess the format. A reference is either an object with
// "url", "path" (or "name") and "orig_name", or a bare path string.
func fileLocation(ref gjson.Result) (string, string) {
	if ref.Type == gjson.String {
		return pathFile + ref.String(), ref.String()
	}

	filePath := ref.Get("path").String()
	if filePath == "" {
		filePath = ref.Get("name").String()
	}

	name := ref.Get("orig_name").String()
	if name == "" {
		name = filePath
	}

	if fileURL := ref.Get("url").String(); fileURL != "" {
		if name == "" {
			name = fileURL
		}

		return fileURL, name
	}

	if filePath == "" {
		return "", ""
	}

	return pathFile + filePath, name
}

// download fetches the job output, bounded by the download timeout and the
// maximum audio size.
func (c *Client) download(ctx context.Context, endpoint *pool.Endpoint, ref gjson.Result) (core.AudioArtifact, error) {
	target, name := fileLocation(ref)
	if target == "" {
		return core.AudioArtifact{}, newSynthesisError(ReasonProtocol, endpoint,
			fmt.Errorf("%w: output file reference has no url or path", ErrProtocol))
	}

	downloadCtx, cancel := context.WithTimeout(ctx, c.opts.Timeouts.Download)
	defer cancel()

	req, err := c.newRequest(downloadCtx, endpoint, http.MethodGet, target, nil)
	if err != nil {
		return core.AudioArtifact{}, newSynthesisError(ReasonDownloadFailed, endpoint, err)
	}

	resp, err := c.do(req)
	if err != nil {
		return core.AudioArtifact{}, newSynthesisError(ReasonDownloadFailed, endpoint, err)
	}
	defer resp.Body.Close()

	limit := c.opts.MaxAudioBytes

	audio, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return core.AudioArtifact{}, newSynthesisError(ReasonDownloadFailed, endpoint, fmt.Errorf("reading audio: %w", err))
	}

	if int64(len(audio)) > limit {
		return core.AudioArtifact{}, newSynthesisError(ReasonDownloadFailed, endpoint,
			fmt.Errorf("%w: more than %d bytes", ErrAudioTooLarge, limit))
	}

	if len(audio) == 0 {
		return core.AudioArtifact{}, newSynthesisError(ReasonDownloadFailed, endpoint, ErrEmptyDownload)
	}

	return core.AudioArtifact{
		Bytes:           audio,
		SuggestedFormat: suggestFormat(name, resp.Header.Get("Content-Type")),
	}, nil
}

// suggestFormat prefers the file extension, then the content type, then wav.
func suggestFormat(name, contentType string) string {
	if parsed, err := url.Parse(name); err == nil && parsed.Path != "" {
		name = parsed.Path
	}

	if ext := strings.TrimPrefix(strings.ToLower(path.Ext(name)), "."); ext != "" {
		return ext
	}

	mediaType, _, err := mime.ParseMediaType(contentType)
	if err == nil {
		if format, ok := contentTypeFormats[strings.ToLower(mediaType)]; ok {
			return format
		}
	}

	return defaultAudioFormat
}

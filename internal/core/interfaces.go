// Package core defines the shared domain types and collaborator interfaces
// for the TTS dispatch service.
package core

import (
	"context"
	"time"
)

// TransportKind names the form in which audio is handed to the outbound channel.
type TransportKind string

const (
	// TransportPath hands the receiver an absolute filesystem path.
	TransportPath TransportKind = "path-reference"
	// TransportURI hands the receiver a file:// URI.
	TransportURI TransportKind = "uri-reference"
	// TransportInline hands the receiver a base64 encoded payload.
	TransportInline TransportKind = "inline-encoded"
)

// OutboundChannel is the downstream messaging capability that receives audio.
// Send reports whether the receiver accepted the payload. An error means the
// attempt itself failed (transport error, timeout) and is treated like a refusal.
type OutboundChannel interface {
	Send(ctx context.Context, kind TransportKind, payload string) (bool, error)
}

// Notifier is an optional capability of an OutboundChannel used for short,
// user-visible error notices.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// AudioArtifact is the in-memory result of a successful synthesis job.
type AudioArtifact struct {
	Bytes           []byte
	SuggestedFormat string
}

// DeliveryResult is the terminal outcome of a dispatch or a delivery.
type DeliveryResult struct {
	Success       bool          `json:"success"`
	Message       string        `json:"message"`
	TransportUsed TransportKind `json:"transport_used,omitempty"`
	ArtifactPath  string        `json:"artifact_path,omitempty"`
	Endpoint      string        `json:"endpoint,omitempty"`
}

// SynthesisRequest is one caller request as it enters the dispatcher.
// Voice may use the "character:preset" form; Emotion selects a preset when
// the voice does not name one explicitly.
type SynthesisRequest struct {
	Text    string `json:"text"`
	Voice   string `json:"voice,omitempty"`
	Preset  string `json:"preset,omitempty"`
	Emotion string `json:"emotion,omitempty"`
}

// CleanupEntry is one pending temp-file deletion.
type CleanupEntry struct {
	Key      string    `json:"key"`
	Path     string    `json:"path"`
	DeleteAt time.Time `json:"delete_at"`
}

// CleanupLedger durably records pending temp-file deletions so that a
// restarted process can sweep files it scheduled before going down.
type CleanupLedger interface {
	Record(ctx context.Context, entry CleanupEntry) error
	Forget(ctx context.Context, key string) error
	Pending(ctx context.Context) ([]CleanupEntry, error)
}

package dispatch

import (
	"errors"
	"slices"
	"strings"

	"github.com/book-expert/tts-dispatch/internal/config"
	"github.com/book-expert/tts-dispatch/internal/core"
)

const voiceSeparator = ":"

// ErrEmptyText is returned for a request without text.
var ErrEmptyText = errors.New("text is empty")

// Resolver turns a caller request into concrete text, voice and preset.
//
// The voice may carry an explicit preset as "character:preset". A request
// without an explicit preset takes the one mapped from its emotion, as long
// as the character's configured presets allow it, and the default preset
// otherwise.
type Resolver struct {
	DefaultCharacter string
	DefaultPreset    string
	EmotionPresets   map[string]string
	StaticPresets    map[string][]string
	MaxTextLength    int
}

// ResolverFromConfig builds a resolver from the loaded config.
func ResolverFromConfig(cfg *config.Config) Resolver {
	return Resolver{
		DefaultCharacter: cfg.EasyTTS.DefaultCharacter,
		DefaultPreset:    cfg.EasyTTS.DefaultPreset,
		EmotionPresets:   cfg.EasyTTS.EmotionPresetMap,
		StaticPresets:    cfg.EasyTTS.StaticPresets(),
		MaxTextLength:    cfg.General.MaxTextLength,
	}
}

// Resolve returns the request as it will be sent to the remote.
func (r Resolver) Resolve(request core.SynthesisRequest) (core.SynthesisRequest, error) {
	text := strings.TrimSpace(request.Text)
	if text == "" {
		return core.SynthesisRequest{}, ErrEmptyText
	}

	if runes := []rune(text); r.MaxTextLength > 0 && len(runes) > r.MaxTextLength {
		text = string(runes[:r.MaxTextLength])
	}

	voice := strings.TrimSpace(request.Voice)
	preset := strings.TrimSpace(request.Preset)

	if character, inline, found := strings.Cut(voice, voiceSeparator); found {
		voice = strings.TrimSpace(character)

		if preset == "" {
			preset = strings.TrimSpace(inline)
		}
	}

	if voice == "" {
		voice = r.DefaultCharacter
	}

	if preset == "" {
		preset = r.presetForEmotion(voice, strings.TrimSpace(request.Emotion))
	}

	return core.SynthesisRequest{Text: text, Voice: voice, Preset: preset, Emotion: request.Emotion}, nil
}

func (r Resolver) presetForEmotion(voice, emotion string) string {
	mapped := r.EmotionPresets[emotion]
	if emotion == "" || mapped == "" {
		return r.DefaultPreset
	}

	allowed := r.StaticPresets[voice]
	if len(allowed) > 0 && !slices.Contains(allowed, mapped) {
		return r.DefaultPreset
	}

	return mapped
}

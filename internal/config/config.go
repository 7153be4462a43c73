// Package config provides the configuration structure for the tts-dispatch service.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"
	"github.com/spf13/viper"
)

// Default values. Every field of Config that is left zero after loading is
// filled from this block.
const (
	DefaultRequestSubject     = "tts.dispatch.request"
	DefaultOutboundSubject    = "tts.dispatch.outbound"
	DefaultNoticeSubject      = "tts.dispatch.notice"
	DefaultCleanupBucket      = "TTS_CLEANUP"
	DefaultSendTimeoutSeconds = 15

	DefaultTimeoutSeconds      = 60
	DefaultMaxTextLength       = 120
	DefaultInlinePrefix        = "base64://"
	DefaultCleanupDelaySeconds = 60

	DefaultCharacter        = "sagiri"
	DefaultPreset           = "普通"
	DefaultStatusTimeout    = 3
	DefaultStatusMaxAge     = 30
	DefaultJoinTimeout      = 30
	DefaultSSETimeout       = 120
	DefaultDownloadTimeout  = 120
	DefaultMaxAudioBytes    = 20 << 20
	DefaultSchemaAPI        = "/get_presets"
	DefaultSchemaTTLSeconds = 600
	DefaultFailureCeiling   = 2
	DefaultCooldownSeconds  = 60
	DefaultFnIndex          = 3
	DefaultTriggerID        = 19

	defaultOutputDirName = "tts-dispatch"
	envPrefix            = "TTSD"
)

var (
	// ErrConfiguration marks every fatal configuration problem.
	ErrConfiguration = errors.New("configuration error")
	// ErrNoEndpoints indicates that the endpoint pool is empty.
	ErrNoEndpoints = fmt.Errorf("%w: no endpoints configured", ErrConfiguration)
	// ErrMissingCredentials indicates that a required credential is absent.
	ErrMissingCredentials = fmt.Errorf("%w: missing credentials", ErrConfiguration)

	errUnsetReference = errors.New("unresolved environment reference")
)

// NATSConfig holds the configuration for NATS. An empty URL disables the
// NATS worker, the NATS outbound channel and the cleanup ledger.
type NATSConfig struct {
	URL                string `mapstructure:"url"                  toml:"url"`
	RequestSubject     string `mapstructure:"request_subject"      toml:"request_subject"`
	OutboundSubject    string `mapstructure:"outbound_subject"     toml:"outbound_subject"`
	NoticeSubject      string `mapstructure:"notice_subject"       toml:"notice_subject"`
	CleanupBucket      string `mapstructure:"cleanup_bucket"       toml:"cleanup_bucket"`
	SendTimeoutSeconds int    `mapstructure:"send_timeout_seconds" toml:"send_timeout_seconds"`
}

// GeneralConfig holds request-level and delivery settings.
type GeneralConfig struct {
	TimeoutSeconds      int    `mapstructure:"timeout_seconds"       toml:"timeout_seconds"`
	MaxTextLength       int    `mapstructure:"max_text_length"       toml:"max_text_length"`
	AudioOutputDir      string `mapstructure:"audio_output_dir"      toml:"audio_output_dir"`
	UseBase64Audio      bool   `mapstructure:"use_base64_audio"      toml:"use_base64_audio"`
	InlinePrefix        string `mapstructure:"inline_prefix"         toml:"inline_prefix"`
	SendErrorMessages   bool   `mapstructure:"send_error_messages"   toml:"send_error_messages"`
	CleanupDelaySeconds int    `mapstructure:"cleanup_delay_seconds" toml:"cleanup_delay_seconds"`
}

// EndpointConfig describes one remote synthesis repository.
type EndpointConfig struct {
	Name        string `mapstructure:"name"         toml:"name"`
	BaseURL     string `mapstructure:"base_url"     toml:"base_url"`
	StudioToken string `mapstructure:"studio_token" toml:"studio_token"`
	FnIndex     int    `mapstructure:"fn_index"     toml:"fn_index"`
	TriggerID   int    `mapstructure:"trigger_id"   toml:"trigger_id"`
}

// CharacterConfig is a statically configured voice and its presets.
type CharacterConfig struct {
	Name    string   `mapstructure:"name"    toml:"name"`
	Presets []string `mapstructure:"presets" toml:"presets"`
}

// EasyTTSConfig holds the endpoint pool and protocol settings.
type EasyTTSConfig struct {
	DefaultCharacter    string            `mapstructure:"default_character"     toml:"default_character"`
	DefaultPreset       string            `mapstructure:"default_preset"        toml:"default_preset"`
	RemoteSplitSentence bool              `mapstructure:"remote_split_sentence" toml:"remote_split_sentence"`
	PreferIdleEndpoint  bool              `mapstructure:"prefer_idle_endpoint"  toml:"prefer_idle_endpoint"`
	BusyQueueThreshold  int               `mapstructure:"busy_queue_threshold"  toml:"busy_queue_threshold"`
	StatusTimeout       int               `mapstructure:"status_timeout"        toml:"status_timeout"`
	StatusMaxAge        int               `mapstructure:"status_max_age"        toml:"status_max_age"`
	JoinTimeout         int               `mapstructure:"join_timeout"          toml:"join_timeout"`
	SSETimeout          int               `mapstructure:"sse_timeout"           toml:"sse_timeout"`
	DownloadTimeout     int               `mapstructure:"download_timeout"      toml:"download_timeout"`
	MaxAudioBytes       int64             `mapstructure:"max_audio_bytes"       toml:"max_audio_bytes"`
	SchemaAPI           string            `mapstructure:"schema_api"            toml:"schema_api"`
	SchemaTTLSeconds    int               `mapstructure:"schema_ttl_seconds"    toml:"schema_ttl_seconds"`
	FailureCeiling      int               `mapstructure:"failure_ceiling"       toml:"failure_ceiling"`
	CooldownSeconds     int               `mapstructure:"cooldown_seconds"      toml:"cooldown_seconds"`
	TrustEnv            bool              `mapstructure:"trust_env"             toml:"trust_env"`
	Endpoints           []EndpointConfig  `mapstructure:"endpoints"             toml:"endpoints"`
	Characters          []CharacterConfig `mapstructure:"characters"            toml:"characters"`
	EmotionPresetMap    map[string]string `mapstructure:"emotion_preset_map"    toml:"emotion_preset_map"`
}

// PathsConfig holds the configuration for file paths.
type PathsConfig struct {
	BaseLogsDir string `mapstructure:"base_logs_dir" toml:"base_logs_dir"`
}

// Config is the root configuration structure.
type Config struct {
	NATS    NATSConfig    `mapstructure:"nats"    toml:"nats"`
	General GeneralConfig `mapstructure:"general" toml:"general"`
	EasyTTS EasyTTSConfig `mapstructure:"easytts" toml:"easytts"`
	Paths   PathsConfig   `mapstructure:"paths"   toml:"paths"`
}

// Load loads the configuration through the central configurator.
func Load(log *logger.Logger) (*Config, error) {
	cfg := Defaults()

	err := configurator.Load(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from configurator: %w", err)
	}

	return finalize(cfg)
}

// LoadFile loads the configuration from an explicit TOML file. Values may be
// overridden with TTSD_ prefixed environment variables (TTSD_GENERAL_TIMEOUT_SECONDS).
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	err := v.ReadInConfig()
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := Defaults()

	err = v.Unmarshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("unmarshalling config %s: %w", path, err)
	}

	return finalize(cfg)
}

// Defaults returns a configuration holding the defaults of every field whose
// zero value is meaningful: booleans, and the limits where 0 disables the
// check (status_max_age, schema_ttl_seconds) or tightens it (failure_ceiling).
// Loaders decode on top of it so that an absent key keeps its default while
// an explicit zero survives.
func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			SendErrorMessages: true,
		},
		EasyTTS: EasyTTSConfig{
			RemoteSplitSentence: true,
			PreferIdleEndpoint:  true,
			StatusMaxAge:        DefaultStatusMaxAge,
			SchemaTTLSeconds:    DefaultSchemaTTLSeconds,
			FailureCeiling:      DefaultFailureCeiling,
		},
	}
}

func finalize(cfg *Config) (*Config, error) {
	cfg.ApplyDefaults()

	for i := range cfg.EasyTTS.Endpoints {
		endpoint := &cfg.EasyTTS.Endpoints[i]

		token, err := resolveEnvRef(endpoint.StudioToken)
		if err != nil {
			return nil, fmt.Errorf("%w: endpoint %q: %w", ErrMissingCredentials, endpoint.Name, err)
		}

		endpoint.StudioToken = token
	}

	err := cfg.Validate()
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyDefaults fills every unset non-boolean field with its documented default.
func (c *Config) ApplyDefaults() {
	setString(&c.NATS.RequestSubject, DefaultRequestSubject)
	setString(&c.NATS.OutboundSubject, DefaultOutboundSubject)
	setString(&c.NATS.NoticeSubject, DefaultNoticeSubject)
	setString(&c.NATS.CleanupBucket, DefaultCleanupBucket)
	setInt(&c.NATS.SendTimeoutSeconds, DefaultSendTimeoutSeconds)

	setInt(&c.General.TimeoutSeconds, DefaultTimeoutSeconds)
	setInt(&c.General.MaxTextLength, DefaultMaxTextLength)
	setString(&c.General.InlinePrefix, DefaultInlinePrefix)
	setInt(&c.General.CleanupDelaySeconds, DefaultCleanupDelaySeconds)
	setString(&c.General.AudioOutputDir, filepath.Join(os.TempDir(), defaultOutputDirName))

	tts := &c.EasyTTS
	setString(&tts.DefaultCharacter, DefaultCharacter)
	setString(&tts.DefaultPreset, DefaultPreset)
	setInt(&tts.StatusTimeout, DefaultStatusTimeout)
	setNonNegative(&tts.StatusMaxAge, DefaultStatusMaxAge)
	setInt(&tts.JoinTimeout, DefaultJoinTimeout)
	setInt(&tts.SSETimeout, DefaultSSETimeout)
	setInt(&tts.DownloadTimeout, DefaultDownloadTimeout)
	setString(&tts.SchemaAPI, DefaultSchemaAPI)
	setNonNegative(&tts.SchemaTTLSeconds, DefaultSchemaTTLSeconds)
	setNonNegative(&tts.FailureCeiling, DefaultFailureCeiling)
	setInt(&tts.CooldownSeconds, DefaultCooldownSeconds)

	if tts.MaxAudioBytes <= 0 {
		tts.MaxAudioBytes = DefaultMaxAudioBytes
	}

	for i := range tts.Endpoints {
		endpoint := &tts.Endpoints[i]
		endpoint.BaseURL = strings.TrimRight(strings.TrimSpace(endpoint.BaseURL), "/")

		if endpoint.FnIndex == 0 && endpoint.TriggerID == 0 {
			endpoint.FnIndex = DefaultFnIndex
			endpoint.TriggerID = DefaultTriggerID
		}
	}

	if tts.EmotionPresetMap == nil {
		tts.EmotionPresetMap = map[string]string{}
	}
}

// Validate checks the loaded configuration once, at load time.
func (c *Config) Validate() error {
	if len(c.EasyTTS.Endpoints) == 0 {
		return ErrNoEndpoints
	}

	seen := make(map[string]struct{}, len(c.EasyTTS.Endpoints))

	for i, endpoint := range c.EasyTTS.Endpoints {
		if endpoint.Name == "" {
			return fmt.Errorf("%w: endpoint #%d has no name", ErrConfiguration, i)
		}

		if _, dup := seen[endpoint.Name]; dup {
			return fmt.Errorf("%w: duplicate endpoint name %q", ErrConfiguration, endpoint.Name)
		}

		seen[endpoint.Name] = struct{}{}

		parsed, err := url.Parse(endpoint.BaseURL)
		if err != nil || !parsed.IsAbs() || (parsed.Scheme != "http" && parsed.Scheme != "https") {
			return fmt.Errorf("%w: endpoint %q has invalid base_url %q", ErrConfiguration, endpoint.Name, endpoint.BaseURL)
		}

		if endpoint.FnIndex < 0 || endpoint.TriggerID < 0 {
			return fmt.Errorf("%w: endpoint %q has negative fn_index/trigger_id", ErrConfiguration, endpoint.Name)
		}
	}

	if c.EasyTTS.BusyQueueThreshold < 0 {
		return fmt.Errorf("%w: busy_queue_threshold must be >= 0", ErrConfiguration)
	}

	for _, character := range c.EasyTTS.Characters {
		if character.Name == "" {
			return fmt.Errorf("%w: character entry without name", ErrConfiguration)
		}
	}

	return nil
}

// MissingTokens lists the endpoints configured without a studio token.
func (c *Config) MissingTokens() []string {
	var names []string

	for _, endpoint := range c.EasyTTS.Endpoints {
		if endpoint.StudioToken == "" {
			names = append(names, endpoint.Name)
		}
	}

	return names
}

// RequestTimeout is the overall per-request deadline.
func (g GeneralConfig) RequestTimeout() time.Duration {
	return seconds(g.TimeoutSeconds)
}

// CleanupDelay is the grace period before a temp file is removed.
func (g GeneralConfig) CleanupDelay() time.Duration {
	return seconds(g.CleanupDelaySeconds)
}

// SendTimeout bounds one outbound channel attempt.
func (n NATSConfig) SendTimeout() time.Duration {
	return seconds(n.SendTimeoutSeconds)
}

// Timeouts groups the remote protocol timeouts as durations.
type Timeouts struct {
	Status   time.Duration
	Join     time.Duration
	SSE      time.Duration
	Download time.Duration
}

// Timeouts returns the protocol timeouts.
func (e EasyTTSConfig) Timeouts() Timeouts {
	return Timeouts{
		Status:   seconds(e.StatusTimeout),
		Join:     seconds(e.JoinTimeout),
		SSE:      seconds(e.SSETimeout),
		Download: seconds(e.DownloadTimeout),
	}
}

// StatusMaxAgeDuration is how long a queue-size reading stays trustworthy.
func (e EasyTTSConfig) StatusMaxAgeDuration() time.Duration {
	return seconds(e.StatusMaxAge)
}

// SchemaTTL is how long a discovered schema stays fresh.
func (e EasyTTSConfig) SchemaTTL() time.Duration {
	return seconds(e.SchemaTTLSeconds)
}

// Cooldown is the deprioritization window after repeated failures.
func (e EasyTTSConfig) Cooldown() time.Duration {
	return seconds(e.CooldownSeconds)
}

// StaticPresets returns the statically configured presets per character.
func (e EasyTTSConfig) StaticPresets() map[string][]string {
	presets := make(map[string][]string, len(e.Characters))

	for _, character := range e.Characters {
		presets[character.Name] = append([]string(nil), character.Presets...)
	}

	return presets
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func setString(field *string, def string) {
	if strings.TrimSpace(*field) == "" {
		*field = def
	}
}

func setInt(field *int, def int) {
	if *field <= 0 {
		*field = def
	}
}

func setNonNegative(field *int, def int) {
	if *field < 0 {
		*field = def
	}
}

// resolveEnvRef replaces a "${VAR_NAME}" reference with the value of the
// environment variable. A reference to an unset or empty variable is an error.
func resolveEnvRef(val string) (string, error) {
	if !strings.HasPrefix(val, "${") || !strings.HasSuffix(val, "}") {
		return val, nil
	}

	envKey := val[2 : len(val)-1]

	envVal := os.Getenv(envKey)
	if envVal == "" {
		return "", fmt.Errorf("%w: token references unset %s", errUnsetReference, envKey)
	}

	return envVal, nil
}

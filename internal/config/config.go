package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values (production)
const (
	DefaultBackendURL    = "http://127.0.0.1:5000"
	DefaultRelayURL      = "ws://127.0.0.1:8080/ws"
	DefaultDriver        = DriverFirestore
	DefaultAgentUsername = "agent"
	DefaultAudioSource   = AudioMicrophone
	DefaultRecordingSink = SinkBackend
	DefaultMinIOBucket   = "call-recordings"

	DefaultStaleAfter         = 15 * time.Minute
	DefaultRearmDelay         = 1500 * time.Millisecond
	DefaultRetryDelay         = 2 * time.Second
	DefaultNegotiationTimeout = 60 * time.Second
	DefaultSegmentLength      = 25 * time.Second
	DefaultSegmentRearm       = 100 * time.Millisecond
	DefaultFlushWait          = 500 * time.Millisecond
	DefaultBackendTimeout     = 30 * time.Second
)

// Signaling drivers.
const (
	DriverFirestore = "firestore"
	DriverRelay     = "relay"
)

// Audio sources.
const (
	AudioMicrophone = "mic"
	AudioSilence    = "silence"
	AudioFile       = "file"
)

// Recording sinks.
const (
	SinkBackend = "backend"
	SinkMinIO   = "minio"
)

// DefaultSTUNServers are the public relay-discovery endpoints both roles use.
// There is no TURN fallback.
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
	"stun:stun3.l.google.com:19302",
	"stun:stun4.l.google.com:19302",
}

// Config holds application configuration. It is loaded once at startup and
// never mutated afterwards.
type Config struct {
	Signaling SignalingConfig
	Firebase  FirebaseConfig
	Backend   BackendConfig
	Recording RecordingConfig
	MinIO     MinIOConfig
	Audio     AudioConfig
	Session   SessionConfig
	Log       LogConfig

	// STUNServers for the peer transport
	STUNServers []string

	// MetricsAddr exposes /metrics when non-empty
	MetricsAddr string
}

type SignalingConfig struct {
	Driver   string
	RelayURL string
}

type FirebaseConfig struct {
	ProjectID   string
	Credentials string
}

type BackendConfig struct {
	URL     string
	Timeout time.Duration
}

type RecordingConfig struct {
	Sink          string
	SegmentLength time.Duration
	SegmentRearm  time.Duration
	FlushWait     time.Duration
}

type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type AudioConfig struct {
	Source string
	File   string
}

type SessionConfig struct {
	AgentUsername      string
	StaleAfter         time.Duration
	RearmDelay         time.Duration
	RetryDelay         time.Duration
	NegotiationTimeout time.Duration
}

type LogConfig struct {
	Level string
	File  string
}

// Options for loading config with CLI flag overrides
type Options struct {
	ConfigFile    string
	Driver        string
	RelayURL      string
	ProjectID     string
	Credentials   string
	BackendURL    string
	STUNServers   []string
	AudioSource   string
	AudioFile     string
	AgentUsername string
	MetricsAddr   string
	LogLevel      string
	LogFile       string
}

// Load reads configuration with the following priority:
// 1. CLI flags (passed via Options) - highest priority
// 2. Environment variables (CALLGUARD_*, plus the legacy names below)
// 3. Config file, when one is given
// 4. Hardcoded defaults - lowest priority
func Load(opts Options) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CALLGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindLegacyEnv(v)

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", opts.ConfigFile, err)
		}
	}

	override(v, "signaling.driver", opts.Driver)
	override(v, "signaling.relay_url", opts.RelayURL)
	override(v, "firebase.project_id", opts.ProjectID)
	override(v, "firebase.credentials", opts.Credentials)
	override(v, "backend.url", opts.BackendURL)
	override(v, "audio.source", opts.AudioSource)
	override(v, "audio.file", opts.AudioFile)
	override(v, "agent.username", opts.AgentUsername)
	override(v, "metrics.addr", opts.MetricsAddr)
	override(v, "log.level", opts.LogLevel)
	override(v, "log.file", opts.LogFile)
	if len(opts.STUNServers) > 0 {
		v.Set("ice.stun", opts.STUNServers)
	}

	cfg := &Config{
		Signaling: SignalingConfig{
			Driver:   strings.ToLower(v.GetString("signaling.driver")),
			RelayURL: v.GetString("signaling.relay_url"),
		},
		Firebase: FirebaseConfig{
			ProjectID:   v.GetString("firebase.project_id"),
			Credentials: v.GetString("firebase.credentials"),
		},
		Backend: BackendConfig{
			URL:     strings.TrimRight(v.GetString("backend.url"), "/"),
			Timeout: v.GetDuration("backend.timeout"),
		},
		Recording: RecordingConfig{
			Sink:          strings.ToLower(v.GetString("recording.sink")),
			SegmentLength: v.GetDuration("recording.segment_length"),
			SegmentRearm:  v.GetDuration("recording.segment_rearm"),
			FlushWait:     v.GetDuration("recording.flush_wait"),
		},
		MinIO: MinIOConfig{
			Endpoint:  v.GetString("minio.endpoint"),
			AccessKey: v.GetString("minio.access_key"),
			SecretKey: v.GetString("minio.secret_key"),
			Bucket:    v.GetString("minio.bucket"),
			UseSSL:    v.GetBool("minio.use_ssl"),
		},
		Audio: AudioConfig{
			Source: strings.ToLower(v.GetString("audio.source")),
			File:   v.GetString("audio.file"),
		},
		Session: SessionConfig{
			AgentUsername:      v.GetString("agent.username"),
			StaleAfter:         v.GetDuration("session.stale_after"),
			RearmDelay:         v.GetDuration("session.rearm_delay"),
			RetryDelay:         v.GetDuration("session.retry_delay"),
			NegotiationTimeout: v.GetDuration("session.negotiation_timeout"),
		},
		Log: LogConfig{
			Level: v.GetString("log.level"),
			File:  v.GetString("log.file"),
		},
		STUNServers: stringList(v, "ice.stun"),
		MetricsAddr: v.GetString("metrics.addr"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("signaling.driver", DefaultDriver)
	v.SetDefault("signaling.relay_url", DefaultRelayURL)
	v.SetDefault("backend.url", DefaultBackendURL)
	v.SetDefault("backend.timeout", DefaultBackendTimeout)
	v.SetDefault("recording.sink", DefaultRecordingSink)
	v.SetDefault("recording.segment_length", DefaultSegmentLength)
	v.SetDefault("recording.segment_rearm", DefaultSegmentRearm)
	v.SetDefault("recording.flush_wait", DefaultFlushWait)
	v.SetDefault("minio.bucket", DefaultMinIOBucket)
	v.SetDefault("audio.source", DefaultAudioSource)
	v.SetDefault("agent.username", DefaultAgentUsername)
	v.SetDefault("session.stale_after", DefaultStaleAfter)
	v.SetDefault("session.rearm_delay", DefaultRearmDelay)
	v.SetDefault("session.retry_delay", DefaultRetryDelay)
	v.SetDefault("session.negotiation_timeout", DefaultNegotiationTimeout)
	v.SetDefault("ice.stun", DefaultSTUNServers)
}

// bindLegacyEnv keeps the variable names the web build used working.
func bindLegacyEnv(v *viper.Viper) {
	_ = v.BindEnv("backend.url", "CALLGUARD_BACKEND_URL", "API_BASE_URL")
	_ = v.BindEnv("firebase.project_id", "CALLGUARD_FIREBASE_PROJECT_ID", "FIREBASE_PROJECT_ID")
	_ = v.BindEnv("firebase.credentials", "CALLGUARD_FIREBASE_CREDENTIALS", "FIREBASE_CREDENTIALS_PATH", "GOOGLE_APPLICATION_CREDENTIALS")
	_ = v.BindEnv("log.level", "CALLGUARD_LOG_LEVEL", "LOG_LEVEL")
}

func override(v *viper.Viper, key, value string) {
	if value != "" {
		v.Set(key, value)
	}
}

// stringList accepts both real lists (flags, config files) and the
// comma-separated form environment variables arrive in.
func stringList(v *viper.Viper, key string) []string {
	var out []string
	for _, item := range v.GetStringSlice(key) {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Validate rejects configurations no component could run with.
func (c *Config) Validate() error {
	var errs []error

	switch c.Signaling.Driver {
	case DriverFirestore:
	case DriverRelay:
		if c.Signaling.RelayURL == "" {
			errs = append(errs, errors.New("signaling.relay_url is required for the relay driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown signaling driver %q", c.Signaling.Driver))
	}

	switch c.Recording.Sink {
	case SinkBackend:
	case SinkMinIO:
		if c.MinIO.Endpoint == "" || c.MinIO.Bucket == "" {
			errs = append(errs, errors.New("minio.endpoint and minio.bucket are required for the minio sink"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown recording sink %q", c.Recording.Sink))
	}

	switch c.Audio.Source {
	case AudioMicrophone, AudioSilence:
	case AudioFile:
		if c.Audio.File == "" {
			errs = append(errs, errors.New("audio.file is required for the file audio source"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown audio source %q", c.Audio.Source))
	}

	if len(c.STUNServers) == 0 {
		errs = append(errs, errors.New("at least one STUN server is required"))
	}
	if c.Backend.URL == "" {
		errs = append(errs, errors.New("backend.url is required"))
	}

	positive := map[string]time.Duration{
		"session.stale_after":      c.Session.StaleAfter,
		"session.rearm_delay":      c.Session.RearmDelay,
		"session.retry_delay":      c.Session.RetryDelay,
		"recording.segment_length": c.Recording.SegmentLength,
		"backend.timeout":          c.Backend.Timeout,
	}
	for key, d := range positive {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", key))
		}
	}
	if c.Session.NegotiationTimeout < 0 {
		errs = append(errs, errors.New("session.negotiation_timeout must not be negative"))
	}

	return errors.Join(errs...)
}

// GetSTUNServers returns STUN server URLs as strings
func (c *Config) GetSTUNServers() []string {
	return append([]string(nil), c.STUNServers...)
}

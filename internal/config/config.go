package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	Traces       bool   `yaml:"traces"`
}

type HTTPConfig struct {
	Bind           string   `yaml:"bind"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	MaxUploadBytes int64    `yaml:"max_upload_bytes"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Node        NodeConfig       `yaml:"node"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Recognizer  RecognizerConfig `yaml:"recognizer"`
	Capture     CaptureConfig    `yaml:"capture"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type NodeConfig struct {
	ID                string `yaml:"id"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

// EventStoreConfig controls transcript history. RetentionMode is one of
// ephemeral (nothing stored), session (final updates only) or persistent
// (every update, interim included).
type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type RecognizerConfig struct {
	Mode              string `yaml:"mode"` // mock, google, exec
	Command           string `yaml:"command"`
	CredentialsFile   string `yaml:"credentials_file"`
	Endpoint          string `yaml:"endpoint"`
	Language          string `yaml:"language"`
	Encoding          string `yaml:"encoding"`
	SampleRate        int    `yaml:"sample_rate"`
	OneShotSampleRate int    `yaml:"oneshot_sample_rate"`
	Channels          int    `yaml:"channels"`
	InterimResults    bool   `yaml:"interim_results"`
}

type CaptureConfig struct {
	ChunkSize       int `yaml:"chunk_size"`
	MaxSessions     int `yaml:"max_sessions"`
	StreamTimeoutMS int `yaml:"stream_timeout_ms"`
	IdleTimeoutMS   int `yaml:"idle_timeout_ms"`
	FrameBuffer     int `yaml:"frame_buffer"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-scribe",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind:           "0.0.0.0",
			Port:           8080,
			MaxUploadBytes: 10 << 20,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "scribe-node-1",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/scribe.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Recognizer: RecognizerConfig{
			Mode:              "mock",
			Language:          "en-US",
			Encoding:          "LINEAR16",
			SampleRate:        16000,
			OneShotSampleRate: 44100,
			Channels:          1,
			InterimResults:    true,
		},
		Capture: CaptureConfig{
			ChunkSize:       4096,
			MaxSessions:     32,
			StreamTimeoutMS: 300000,
			IdleTimeoutMS:   10000,
			FrameBuffer:     64,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "SCRIBE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "SCRIBE_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "SCRIBE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "SCRIBE_HTTP_PORT")
	overrideStringSlice(&cfg.HTTP.AllowedOrigins, "SCRIBE_HTTP_ALLOWED_ORIGINS")
	overrideInt64(&cfg.HTTP.MaxUploadBytes, "SCRIBE_HTTP_MAX_UPLOAD_BYTES")
	overrideString(&cfg.Telemetry.LogLevel, "SCRIBE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "SCRIBE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "SCRIBE_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.Traces, "SCRIBE_TELEMETRY_TRACES")
	overrideBool(&cfg.Bus.Enabled, "SCRIBE_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "SCRIBE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "SCRIBE_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "SCRIBE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "SCRIBE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "SCRIBE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "SCRIBE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "SCRIBE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "SCRIBE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "SCRIBE_NODE_ID")
	overrideInt(&cfg.Node.HeartbeatInterval, "SCRIBE_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "SCRIBE_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "SCRIBE_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "SCRIBE_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "SCRIBE_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "SCRIBE_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "SCRIBE_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Recognizer.Mode, "SCRIBE_RECOGNIZER_MODE")
	overrideString(&cfg.Recognizer.Command, "SCRIBE_RECOGNIZER_COMMAND")
	overrideString(&cfg.Recognizer.CredentialsFile, "SCRIBE_RECOGNIZER_CREDENTIALS_FILE")
	overrideString(&cfg.Recognizer.Endpoint, "SCRIBE_RECOGNIZER_ENDPOINT")
	overrideString(&cfg.Recognizer.Language, "SCRIBE_RECOGNIZER_LANGUAGE")
	overrideString(&cfg.Recognizer.Encoding, "SCRIBE_RECOGNIZER_ENCODING")
	overrideInt(&cfg.Recognizer.SampleRate, "SCRIBE_RECOGNIZER_SAMPLE_RATE")
	overrideInt(&cfg.Recognizer.OneShotSampleRate, "SCRIBE_RECOGNIZER_ONESHOT_SAMPLE_RATE")
	overrideInt(&cfg.Recognizer.Channels, "SCRIBE_RECOGNIZER_CHANNELS")
	overrideBool(&cfg.Recognizer.InterimResults, "SCRIBE_RECOGNIZER_INTERIM_RESULTS")
	overrideInt(&cfg.Capture.ChunkSize, "SCRIBE_CAPTURE_CHUNK_SIZE")
	overrideInt(&cfg.Capture.MaxSessions, "SCRIBE_CAPTURE_MAX_SESSIONS")
	overrideInt(&cfg.Capture.StreamTimeoutMS, "SCRIBE_CAPTURE_STREAM_TIMEOUT_MS")
	overrideInt(&cfg.Capture.IdleTimeoutMS, "SCRIBE_CAPTURE_IDLE_TIMEOUT_MS")
	overrideInt(&cfg.Capture.FrameBuffer, "SCRIBE_CAPTURE_FRAME_BUFFER")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideInt64(target *int64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.HTTP.MaxUploadBytes <= 0 {
		return errors.New("http.max_upload_bytes must be positive")
	}
	switch strings.ToLower(cfg.Telemetry.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Node.ID == "" {
			return errors.New("node.id must not be empty")
		}
		if cfg.Node.HeartbeatInterval <= 0 {
			return errors.New("node.heartbeat_interval_ms must be positive")
		}
		if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
			return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
		}
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionMode != "ephemeral" && cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	switch cfg.Recognizer.Mode {
	case "mock", "google", "exec":
	default:
		return errors.New("recognizer.mode must be one of mock|google|exec")
	}
	if cfg.Recognizer.Mode == "exec" && cfg.Recognizer.Command == "" {
		return errors.New("recognizer.command must be set when mode=exec")
	}
	if cfg.Recognizer.Language == "" {
		return errors.New("recognizer.language must not be empty")
	}
	if cfg.Recognizer.SampleRate <= 0 {
		return errors.New("recognizer.sample_rate must be positive")
	}
	if cfg.Recognizer.OneShotSampleRate <= 0 {
		return errors.New("recognizer.oneshot_sample_rate must be positive")
	}
	if cfg.Recognizer.Channels <= 0 {
		return errors.New("recognizer.channels must be positive")
	}
	if cfg.Capture.ChunkSize <= 0 || cfg.Capture.ChunkSize%2 != 0 {
		return errors.New("capture.chunk_size must be a positive even number of bytes")
	}
	if cfg.Capture.MaxSessions <= 0 {
		return errors.New("capture.max_sessions must be >= 1")
	}
	if cfg.Capture.StreamTimeoutMS < 0 || cfg.Capture.IdleTimeoutMS < 0 {
		return errors.New("capture timeouts must be >= 0")
	}
	if cfg.Capture.FrameBuffer <= 0 {
		return errors.New("capture.frame_buffer must be >= 1")
	}
	return nil
}

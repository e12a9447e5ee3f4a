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
	// StdoutTraces prints spans to stderr when no OTLP endpoint is set.
	StdoutTraces bool `yaml:"stdout_traces"`
}

type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bind    string `yaml:"bind"`
	Port    int    `yaml:"port"`
}

type Config struct {
	RuntimeName  string             `yaml:"runtime_name"`
	Environment  string             `yaml:"environment"`
	HTTP         HTTPConfig         `yaml:"http"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Audio        AudioConfig        `yaml:"audio"`
	Chunking     ChunkingConfig     `yaml:"chunking"`
	STT          STTConfig          `yaml:"stt"`
	Confirmation ConfirmationConfig `yaml:"confirmation"`
	Session      SessionConfig      `yaml:"session"`
	Sinks        SinksConfig        `yaml:"sinks"`
	Bus          BusConfig          `yaml:"bus"`
	EventStore   EventStoreConfig   `yaml:"event_store"`
}

// AudioConfig is fixed for the lifetime of a session.
type AudioConfig struct {
	Source       string `yaml:"source"` // exec, wav, tone
	Command      string `yaml:"command"`
	File         string `yaml:"file"`
	Device       string `yaml:"device"`
	SampleRate   int    `yaml:"sample_rate"`
	Channels     int    `yaml:"channels"`
	SampleWidth  int    `yaml:"sample_width"`
	FrameSamples int    `yaml:"frame_samples"`
	Realtime     bool   `yaml:"realtime"`
}

type ChunkingConfig struct {
	ChunkLengthMS int `yaml:"chunk_length_ms"`
	MaxBufferMS   int `yaml:"max_buffer_ms"`
	QueueDepth    int `yaml:"queue_depth"`
}

type STTConfig struct {
	Mode      string `yaml:"mode"` // mock, exec
	Command   string `yaml:"command"`
	ModelPath string `yaml:"model_path"`
	Language  string `yaml:"language"`
	BeamSize  int    `yaml:"beam_size"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

type ConfirmationConfig struct {
	MinSentences int `yaml:"min_sentences"`
}

type SessionConfig struct {
	RootDir    string `yaml:"root_dir"`
	SaveChunks bool   `yaml:"save_chunks"`
}

type SinksConfig struct {
	Transcript bool `yaml:"transcript"`
	Display    bool `yaml:"display"`
	EventLog   bool `yaml:"event_log"`
	Publish    bool `yaml:"publish"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

func Default() Config {
	return Config{
		RuntimeName: "rtvt-runtime",
		Environment: "development",
		HTTP: HTTPConfig{
			Enabled: true,
			Bind:    "127.0.0.1",
			Port:    8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Audio: AudioConfig{
			Source:       "tone",
			SampleRate:   48000,
			Channels:     1,
			SampleWidth:  2,
			FrameSamples: 1024,
			Realtime:     true,
		},
		Chunking: ChunkingConfig{
			ChunkLengthMS: 10000,
			MaxBufferMS:   60000,
			QueueDepth:    4,
		},
		STT: STTConfig{
			Mode:      "mock",
			Language:  "en",
			BeamSize:  5,
			TimeoutMS: 45000,
		},
		Confirmation: ConfirmationConfig{
			MinSentences: 2,
		},
		Session: SessionConfig{
			RootDir:    "log_files",
			SaveChunks: false,
		},
		Sinks: SinksConfig{
			Transcript: true,
			Display:    true,
			EventLog:   true,
			Publish:    false,
		},
		Bus: BusConfig{
			Embedded:       false,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   1000,
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
	overrideString(&cfg.RuntimeName, "RTVT_RUNTIME_NAME")
	overrideString(&cfg.Environment, "RTVT_RUNTIME_ENVIRONMENT")
	overrideBool(&cfg.HTTP.Enabled, "RTVT_HTTP_ENABLED")
	overrideString(&cfg.HTTP.Bind, "RTVT_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "RTVT_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "RTVT_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "RTVT_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "RTVT_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.StdoutTraces, "RTVT_TELEMETRY_STDOUT_TRACES")
	overrideString(&cfg.Audio.Source, "RTVT_AUDIO_SOURCE")
	overrideString(&cfg.Audio.Command, "RTVT_AUDIO_COMMAND")
	overrideString(&cfg.Audio.File, "RTVT_AUDIO_FILE")
	overrideString(&cfg.Audio.Device, "RTVT_AUDIO_DEVICE")
	overrideInt(&cfg.Audio.SampleRate, "RTVT_AUDIO_SAMPLE_RATE")
	overrideInt(&cfg.Audio.Channels, "RTVT_AUDIO_CHANNELS")
	overrideInt(&cfg.Audio.SampleWidth, "RTVT_AUDIO_SAMPLE_WIDTH")
	overrideInt(&cfg.Audio.FrameSamples, "RTVT_AUDIO_FRAME_SAMPLES")
	overrideBool(&cfg.Audio.Realtime, "RTVT_AUDIO_REALTIME")
	overrideInt(&cfg.Chunking.ChunkLengthMS, "RTVT_CHUNKING_CHUNK_LENGTH_MS")
	overrideInt(&cfg.Chunking.MaxBufferMS, "RTVT_CHUNKING_MAX_BUFFER_MS")
	overrideInt(&cfg.Chunking.QueueDepth, "RTVT_CHUNKING_QUEUE_DEPTH")
	overrideString(&cfg.STT.Mode, "RTVT_STT_MODE")
	overrideString(&cfg.STT.Command, "RTVT_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "RTVT_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "RTVT_STT_LANGUAGE")
	overrideInt(&cfg.STT.BeamSize, "RTVT_STT_BEAM_SIZE")
	overrideInt(&cfg.STT.TimeoutMS, "RTVT_STT_TIMEOUT_MS")
	overrideInt(&cfg.Confirmation.MinSentences, "RTVT_CONFIRMATION_MIN_SENTENCES")
	overrideString(&cfg.Session.RootDir, "RTVT_SESSION_ROOT_DIR")
	overrideBool(&cfg.Session.SaveChunks, "RTVT_SESSION_SAVE_CHUNKS")
	overrideBool(&cfg.Sinks.Transcript, "RTVT_SINKS_TRANSCRIPT")
	overrideBool(&cfg.Sinks.Display, "RTVT_SINKS_DISPLAY")
	overrideBool(&cfg.Sinks.EventLog, "RTVT_SINKS_EVENT_LOG")
	overrideBool(&cfg.Sinks.Publish, "RTVT_SINKS_PUBLISH")
	overrideBool(&cfg.Bus.Embedded, "RTVT_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "RTVT_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "RTVT_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "RTVT_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "RTVT_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "RTVT_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "RTVT_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "RTVT_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "RTVT_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "RTVT_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "RTVT_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "RTVT_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "RTVT_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "RTVT_EVENT_STORE_VACUUM_ON_START")
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
	if cfg.HTTP.Enabled && (cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535) {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch strings.ToLower(cfg.Telemetry.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
	}
	switch cfg.Audio.Source {
	case "tone":
	case "exec":
		if cfg.Audio.Command == "" {
			return errors.New("audio.command must be set when source=exec")
		}
	case "wav":
		if cfg.Audio.File == "" {
			return errors.New("audio.file must be set when source=wav")
		}
	default:
		return errors.New("audio.source must be one of exec|wav|tone")
	}
	if cfg.Audio.SampleRate <= 0 {
		return errors.New("audio.sample_rate must be positive")
	}
	if cfg.Audio.Channels <= 0 {
		return errors.New("audio.channels must be positive")
	}
	if cfg.Audio.SampleWidth != 2 {
		return errors.New("audio.sample_width must be 2 (16-bit PCM)")
	}
	if cfg.Audio.FrameSamples <= 0 {
		return errors.New("audio.frame_samples must be positive")
	}
	if cfg.Chunking.ChunkLengthMS <= 0 {
		return errors.New("chunking.chunk_length_ms must be positive")
	}
	if cfg.Chunking.MaxBufferMS > 0 && cfg.Chunking.MaxBufferMS < cfg.Chunking.ChunkLengthMS {
		return errors.New("chunking.max_buffer_ms must be >= chunk_length_ms")
	}
	if cfg.Chunking.QueueDepth <= 0 {
		return errors.New("chunking.queue_depth must be >= 1")
	}
	switch cfg.STT.Mode {
	case "mock":
	case "exec":
		if cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
	default:
		return errors.New("stt.mode must be one of mock|exec")
	}
	if cfg.STT.TimeoutMS <= 0 {
		return errors.New("stt.timeout_ms must be positive")
	}
	if cfg.Confirmation.MinSentences < 2 {
		return errors.New("confirmation.min_sentences must be >= 2")
	}
	if cfg.Session.RootDir == "" {
		return errors.New("session.root_dir must not be empty")
	}
	if cfg.Sinks.Publish {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	return nil
}

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	LogFormat      string `yaml:"log_format"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Node        NodeConfig       `yaml:"node"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Kafka       KafkaConfig      `yaml:"kafka"`
	Session     SessionConfig    `yaml:"session"`
	Audio       AudioConfig      `yaml:"audio"`
	STT         STTConfig        `yaml:"stt"`
	LLM         LLMConfig        `yaml:"llm"`
}

// NodeConfig identifies this process on the bus for provider presence.
type NodeConfig struct {
	ID                string `yaml:"id"`
	Role              string `yaml:"role"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Host           string   `yaml:"host"`
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

type KafkaConfig struct {
	Enabled       bool     `yaml:"enabled"`
	Brokers       []string `yaml:"brokers"`
	TopicBlocks   string   `yaml:"topic_blocks"`
	TopicAnalysis string   `yaml:"topic_analysis"`
	Principal     string   `yaml:"principal"`
}

// SessionConfig drives block rotation and analysis dispatch.
type SessionConfig struct {
	WindowMS             int      `yaml:"window_ms"`
	TickMS               int      `yaml:"tick_ms"`
	DefaultAgent         string   `yaml:"default_agent"`
	VariantPreference    string   `yaml:"variant_preference"`
	ForceRotateOnTimeout bool     `yaml:"force_rotate_on_timeout"`
	LabelSpeakers        bool     `yaml:"label_speakers"`
	FillerWords          []string `yaml:"filler_words"`
	CaptionLimit         int      `yaml:"caption_limit"`
}

// AudioConfig holds the capture and shaping parameters. Shaping values are
// static for the lifetime of a session.
type AudioConfig struct {
	SampleRate         int     `yaml:"sample_rate"`
	MicFrameSize       int     `yaml:"mic_frame_size"`
	ScreenFrameSize    int     `yaml:"screen_frame_size"`
	FlushOnStop        bool    `yaml:"flush_on_stop"`
	NoiseGateThreshold float64 `yaml:"noise_gate_threshold"`
	ThresholdDB        float64 `yaml:"threshold_db"`
	KneeDB             float64 `yaml:"knee_db"`
	Ratio              float64 `yaml:"ratio"`
	AttackS            float64 `yaml:"attack_s"`
	ReleaseS           float64 `yaml:"release_s"`
	Gain               float64 `yaml:"gain"`

	// Capture commands print raw mono s16le at SampleRate on stdout. An empty
	// screen command makes screen capture unsupported, so sessions fall back
	// to the mic.
	MicCommand    string `yaml:"mic_command"`
	ScreenCommand string `yaml:"screen_command"`

	// ReplayDir is the only directory HTTP start requests may read WAV files
	// from. Empty disables file playback over HTTP.
	ReplayDir string `yaml:"replay_dir"`
}

type STTConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Mode           string `yaml:"mode"` // mock, exec, google
	Command        string `yaml:"command"`
	ModelPath      string `yaml:"model_path"`
	Language       string `yaml:"language"`
	SampleRate     int    `yaml:"sample_rate"`
	Channels       int    `yaml:"channels"`
	UtteranceMS    int    `yaml:"utterance_ms"`
	PartialEveryMS int    `yaml:"partial_every_ms"`
	PublishInterim bool   `yaml:"publish_interim"`
	// EndpointMS finalizes a buffered utterance after this long without frames.
	EndpointMS int `yaml:"endpoint_ms"`
}

type LLMConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Mode        string  `yaml:"mode"` // mock, ollama, exec
	Endpoint    string  `yaml:"endpoint"`
	Command     string  `yaml:"command"`
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`

	// DocumentsDir holds .txt/.md reference files for document-enhanced analysis.
	DocumentsDir string `yaml:"documents_dir"`
	MaxSources   int    `yaml:"max_sources"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-scribe",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			LogFormat:      "json",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Node: NodeConfig{
			ID:                "scribe-node",
			Role:              "scribe",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		Bus: BusConfig{
			Embedded:       true,
			Host:           "127.0.0.1",
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/scribe-timeline.db",
			RetentionMode: "ephemeral",
			RetentionDays: 1,
			MaxSessions:   100,
		},
		Kafka: KafkaConfig{
			Enabled:       false,
			TopicBlocks:   "meeting.transcript.block",
			TopicAnalysis: "meeting.transcript.analysis",
			Principal:     "loqa-scribe",
		},
		Session: SessionConfig{
			WindowMS:          20000,
			TickMS:            1000,
			DefaultAgent:      "MEETING_ANALYST",
			VariantPreference: "original",
			FillerWords:       []string{"you", "uh", "um", "hmm", "mhm", "ah"},
			CaptionLimit:      220,
		},
		Audio: AudioConfig{
			SampleRate:         16000,
			MicFrameSize:       2048,
			ScreenFrameSize:    8192,
			NoiseGateThreshold: 0.01,
			ThresholdDB:        -50,
			KneeDB:             40,
			Ratio:              12,
			AttackS:            0,
			ReleaseS:           0.25,
			Gain:               1.5,
		},
		STT: STTConfig{
			Enabled:        false,
			Mode:           "mock",
			Language:       "en-US",
			SampleRate:     16000,
			Channels:       1,
			UtteranceMS:    4000,
			PartialEveryMS: 800,
			PublishInterim: true,
			EndpointMS:     1500,
		},
		LLM: LLMConfig{
			Enabled:     false,
			Mode:        "mock",
			Endpoint:    "http://localhost:11434",
			Model:       "llama3.2:latest",
			MaxTokens:   512,
			Temperature: 0.4,
			MaxSources:  3,
		},
	}
}

// Load reads the YAML file at path (optional), then any .env file in the
// working directory, then SCRIBE_* environment overrides.
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

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("failed to load .env file: %w", err)
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
	overrideString(&cfg.Telemetry.LogLevel, "SCRIBE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.LogFormat, "SCRIBE_TELEMETRY_LOG_FORMAT")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "SCRIBE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "SCRIBE_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "SCRIBE_TELEMETRY_PROMETHEUS_BIND")
	overrideString(&cfg.Node.ID, "SCRIBE_NODE_ID")
	overrideString(&cfg.Node.Role, "SCRIBE_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "SCRIBE_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "SCRIBE_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideBool(&cfg.Bus.Embedded, "SCRIBE_BUS_EMBEDDED")
	overrideString(&cfg.Bus.Host, "SCRIBE_BUS_HOST")
	overrideInt(&cfg.Bus.Port, "SCRIBE_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "SCRIBE_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "SCRIBE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "SCRIBE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "SCRIBE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "SCRIBE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "SCRIBE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "SCRIBE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "SCRIBE_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "SCRIBE_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "SCRIBE_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "SCRIBE_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "SCRIBE_EVENT_STORE_VACUUM_ON_START")
	overrideBool(&cfg.Kafka.Enabled, "SCRIBE_KAFKA_ENABLED")
	overrideStringSlice(&cfg.Kafka.Brokers, "SCRIBE_KAFKA_BROKERS")
	overrideString(&cfg.Kafka.TopicBlocks, "SCRIBE_KAFKA_TOPIC_BLOCKS")
	overrideString(&cfg.Kafka.TopicAnalysis, "SCRIBE_KAFKA_TOPIC_ANALYSIS")
	overrideString(&cfg.Kafka.Principal, "SCRIBE_KAFKA_PRINCIPAL")
	overrideInt(&cfg.Session.WindowMS, "SCRIBE_SESSION_WINDOW_MS")
	overrideInt(&cfg.Session.TickMS, "SCRIBE_SESSION_TICK_MS")
	overrideString(&cfg.Session.DefaultAgent, "SCRIBE_SESSION_DEFAULT_AGENT")
	overrideString(&cfg.Session.VariantPreference, "SCRIBE_SESSION_VARIANT_PREFERENCE")
	overrideBool(&cfg.Session.ForceRotateOnTimeout, "SCRIBE_SESSION_FORCE_ROTATE_ON_TIMEOUT")
	overrideBool(&cfg.Session.LabelSpeakers, "SCRIBE_SESSION_LABEL_SPEAKERS")
	overrideStringSlice(&cfg.Session.FillerWords, "SCRIBE_SESSION_FILLER_WORDS")
	overrideInt(&cfg.Session.CaptionLimit, "SCRIBE_SESSION_CAPTION_LIMIT")
	overrideInt(&cfg.Audio.SampleRate, "SCRIBE_AUDIO_SAMPLE_RATE")
	overrideInt(&cfg.Audio.MicFrameSize, "SCRIBE_AUDIO_MIC_FRAME_SIZE")
	overrideInt(&cfg.Audio.ScreenFrameSize, "SCRIBE_AUDIO_SCREEN_FRAME_SIZE")
	overrideBool(&cfg.Audio.FlushOnStop, "SCRIBE_AUDIO_FLUSH_ON_STOP")
	overrideFloat(&cfg.Audio.NoiseGateThreshold, "SCRIBE_AUDIO_NOISE_GATE_THRESHOLD")
	overrideFloat(&cfg.Audio.Gain, "SCRIBE_AUDIO_GAIN")
	overrideString(&cfg.Audio.MicCommand, "SCRIBE_AUDIO_MIC_COMMAND")
	overrideString(&cfg.Audio.ScreenCommand, "SCRIBE_AUDIO_SCREEN_COMMAND")
	overrideString(&cfg.Audio.ReplayDir, "SCRIBE_AUDIO_REPLAY_DIR")
	overrideBool(&cfg.STT.Enabled, "SCRIBE_STT_ENABLED")
	overrideString(&cfg.STT.Mode, "SCRIBE_STT_MODE")
	overrideString(&cfg.STT.Command, "SCRIBE_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "SCRIBE_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "SCRIBE_STT_LANGUAGE")
	overrideInt(&cfg.STT.SampleRate, "SCRIBE_STT_SAMPLE_RATE")
	overrideInt(&cfg.STT.Channels, "SCRIBE_STT_CHANNELS")
	overrideInt(&cfg.STT.UtteranceMS, "SCRIBE_STT_UTTERANCE_MS")
	overrideInt(&cfg.STT.PartialEveryMS, "SCRIBE_STT_PARTIAL_EVERY_MS")
	overrideBool(&cfg.STT.PublishInterim, "SCRIBE_STT_PUBLISH_INTERIM")
	overrideInt(&cfg.STT.EndpointMS, "SCRIBE_STT_ENDPOINT_MS")
	overrideBool(&cfg.LLM.Enabled, "SCRIBE_LLM_ENABLED")
	overrideString(&cfg.LLM.Mode, "SCRIBE_LLM_MODE")
	overrideString(&cfg.LLM.Endpoint, "SCRIBE_LLM_ENDPOINT")
	overrideString(&cfg.LLM.Command, "SCRIBE_LLM_COMMAND")
	overrideString(&cfg.LLM.Model, "SCRIBE_LLM_MODEL")
	overrideInt(&cfg.LLM.MaxTokens, "SCRIBE_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "SCRIBE_LLM_TEMPERATURE")
	overrideString(&cfg.LLM.DocumentsDir, "SCRIBE_LLM_DOCUMENTS_DIR")
	overrideInt(&cfg.LLM.MaxSources, "SCRIBE_LLM_MAX_SOURCES")
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

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
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
	switch cfg.Telemetry.LogFormat {
	case "json", "console":
	default:
		return errors.New("telemetry.log_format must be one of json|console")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Node.ID == "" {
		return errors.New("node.id must not be empty")
	}
	if cfg.Node.HeartbeatInterval <= 0 {
		return errors.New("node.heartbeat_interval_ms must be positive")
	}
	if cfg.Node.HeartbeatTimeout < cfg.Node.HeartbeatInterval {
		return errors.New("node.heartbeat_timeout_ms must be >= heartbeat_interval_ms")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionMode != "ephemeral" && cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty unless retention_mode=ephemeral")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Kafka.Enabled && len(cfg.Kafka.Brokers) == 0 {
		return errors.New("kafka.brokers must not be empty when kafka is enabled")
	}
	if cfg.Session.WindowMS <= 0 {
		return errors.New("session.window_ms must be positive")
	}
	if cfg.Session.TickMS <= 0 {
		return errors.New("session.tick_ms must be positive")
	}
	if cfg.Session.DefaultAgent == "" {
		return errors.New("session.default_agent must not be empty")
	}
	switch cfg.Session.VariantPreference {
	case "original", "document", "both":
	default:
		return errors.New("session.variant_preference must be one of original|document|both")
	}
	if cfg.Audio.SampleRate <= 0 {
		return errors.New("audio.sample_rate must be positive")
	}
	if cfg.Audio.MicFrameSize <= 0 || cfg.Audio.ScreenFrameSize <= 0 {
		return errors.New("audio frame sizes must be positive")
	}
	if cfg.Audio.NoiseGateThreshold < 0 || cfg.Audio.NoiseGateThreshold >= 1 {
		return errors.New("audio.noise_gate_threshold must be in [0, 1)")
	}
	if cfg.Audio.Ratio < 1 {
		return errors.New("audio.ratio must be >= 1")
	}
	if cfg.Audio.Gain <= 0 {
		return errors.New("audio.gain must be positive")
	}
	if cfg.STT.Enabled {
		switch cfg.STT.Mode {
		case "mock", "exec", "google":
		default:
			return errors.New("stt.mode must be one of mock|exec|google")
		}
		if cfg.STT.SampleRate <= 0 {
			return errors.New("stt.sample_rate must be positive")
		}
		if cfg.STT.Channels <= 0 {
			return errors.New("stt.channels must be positive")
		}
		if cfg.STT.Mode == "exec" && cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
	}
	if cfg.LLM.Enabled {
		switch cfg.LLM.Mode {
		case "mock", "ollama", "exec":
		default:
			return errors.New("llm.mode must be one of mock|ollama|exec")
		}
		if cfg.LLM.Mode == "ollama" && cfg.LLM.Endpoint == "" {
			return errors.New("llm.endpoint must be set when mode=ollama")
		}
		if cfg.LLM.Mode == "exec" && cfg.LLM.Command == "" {
			return errors.New("llm.command must be set when mode=exec")
		}
		if cfg.LLM.MaxTokens < 0 {
			return errors.New("llm.max_tokens must be >= 0")
		}
	}
	return nil
}

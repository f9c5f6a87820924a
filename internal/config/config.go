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
	LogLevel       string `yaml:"log_level"`
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
	IPC         IPCConfig        `yaml:"ipc"`
	Synthesis   SynthesisConfig  `yaml:"synthesis"`
	Pipeline    PipelineConfig   `yaml:"pipeline"`
	Dispatcher  DispatcherConfig `yaml:"dispatcher"`
	Artifacts   ArtifactsConfig  `yaml:"artifacts"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Router      RouterConfig     `yaml:"router"`
	Node        NodeConfig       `yaml:"node"`
}

// IPCConfig describes the client-facing socket.
type IPCConfig struct {
	Network            string `yaml:"network"` // tcp, unix
	Bind               string `yaml:"bind"`
	Port               int    `yaml:"port"`
	SocketPath         string `yaml:"socket_path"`
	MaxFrameBytes      int    `yaml:"max_frame_bytes"`
	HandshakeTimeoutMS int    `yaml:"handshake_timeout_ms"`
	AllowShutdown      bool   `yaml:"allow_shutdown"`
}

// Address returns the listen address for the configured network.
func (c IPCConfig) Address() string {
	if c.Network == "unix" {
		return c.SocketPath
	}
	return fmt.Sprintf("%s:%d", c.Bind, c.Port)
}

type SynthesisConfig struct {
	Backend    string            `yaml:"backend"`  // mock, exec, gtts
	Fallback   string            `yaml:"fallback"` // optional, same choices
	Command    string            `yaml:"command"`
	Voice      string            `yaml:"voice"`
	Voices     map[string]string `yaml:"voices"`
	Language   string            `yaml:"language"`
	SampleRate int               `yaml:"sample_rate"`
	TimeoutMS  int               `yaml:"timeout_ms"`
	Speed      float64           `yaml:"speed"`
	CacheDir   string            `yaml:"cache_dir"`
	// MockFailure makes the mock backend fail every request with this message.
	MockFailure string `yaml:"mock_failure"`
}

type PipelineConfig struct {
	Workers      int `yaml:"workers"`
	QueueSize    int `yaml:"queue_size"`
	MaxTextRunes int `yaml:"max_text_runes"`
	FrameRate    int `yaml:"frame_rate"`
}

type DispatcherConfig struct {
	ListenerQueue  int `yaml:"listener_queue"`
	WriteTimeoutMS int `yaml:"write_timeout_ms"`
}

type ArtifactsConfig struct {
	Dir            string `yaml:"dir"`
	Retention      string `yaml:"retention"`        // keep, delete_after_delivery
	ReleaseDelayMS int    `yaml:"release_delay_ms"` // grace period before a delivered artifact is deleted
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
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

type RouterConfig struct {
	Enabled           bool   `yaml:"enabled"`
	TranscriptSubject string `yaml:"transcript_subject"`
	BroadcastSubject  string `yaml:"broadcast_subject"`
	Stream            string `yaml:"stream"` // JetStream stream retaining broadcasts; empty publishes core NATS only
	SessionIdleMS     int    `yaml:"session_idle_ms"`
}

// NodeConfig identifies this process on the bus. Capabilities are derived
// from the synthesis and router settings at startup.
type NodeConfig struct {
	ID                string `yaml:"id"`
	Role              string `yaml:"role"`
	Tier              string `yaml:"tier"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-avatar",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		IPC: IPCConfig{
			Network:            "tcp",
			Bind:               "127.0.0.1",
			Port:               8888,
			SocketPath:         "./data/loqa-avatar.sock",
			MaxFrameBytes:      1 << 20,
			HandshakeTimeoutMS: 5000,
		},
		Synthesis: SynthesisConfig{
			Backend:    "mock",
			Voice:      "en-US",
			Language:   "en",
			SampleRate: 22050,
			TimeoutMS:  30000,
			Speed:      1.0,
			Voices: map[string]string{
				"en": "en",
				"pt": "pt-BR",
				"es": "es",
			},
		},
		Pipeline: PipelineConfig{
			Workers:      4,
			QueueSize:    64,
			MaxTextRunes: 4000,
			FrameRate:    30,
		},
		Dispatcher: DispatcherConfig{
			ListenerQueue:  32,
			WriteTimeoutMS: 2000,
		},
		Artifacts: ArtifactsConfig{
			Dir:            "./audio",
			Retention:      "delete_after_delivery",
			ReleaseDelayMS: 60000,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-avatar.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Router: RouterConfig{
			Enabled:           true,
			TranscriptSubject: "stt.text.final",
			BroadcastSubject:  "avatar.utterance.broadcast",
			SessionIdleMS:     600000,
		},
		Node: NodeConfig{
			ID:                "loqa-avatar-1",
			Role:              "avatar",
			Tier:              "balanced",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
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
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideString(&cfg.IPC.Network, "LOQA_IPC_NETWORK")
	overrideString(&cfg.IPC.Bind, "LOQA_IPC_BIND")
	overrideInt(&cfg.IPC.Port, "LOQA_IPC_PORT")
	overrideString(&cfg.IPC.SocketPath, "LOQA_IPC_SOCKET_PATH")
	overrideInt(&cfg.IPC.MaxFrameBytes, "LOQA_IPC_MAX_FRAME_BYTES")
	overrideInt(&cfg.IPC.HandshakeTimeoutMS, "LOQA_IPC_HANDSHAKE_TIMEOUT_MS")
	overrideBool(&cfg.IPC.AllowShutdown, "LOQA_IPC_ALLOW_SHUTDOWN")
	overrideString(&cfg.Synthesis.Backend, "LOQA_SYNTHESIS_BACKEND")
	overrideString(&cfg.Synthesis.Fallback, "LOQA_SYNTHESIS_FALLBACK")
	overrideString(&cfg.Synthesis.Command, "LOQA_SYNTHESIS_COMMAND")
	overrideString(&cfg.Synthesis.Voice, "LOQA_SYNTHESIS_VOICE")
	overrideString(&cfg.Synthesis.Language, "LOQA_SYNTHESIS_LANGUAGE")
	overrideInt(&cfg.Synthesis.SampleRate, "LOQA_SYNTHESIS_SAMPLE_RATE")
	overrideInt(&cfg.Synthesis.TimeoutMS, "LOQA_SYNTHESIS_TIMEOUT_MS")
	overrideFloat(&cfg.Synthesis.Speed, "LOQA_SYNTHESIS_SPEED")
	overrideString(&cfg.Synthesis.CacheDir, "LOQA_SYNTHESIS_CACHE_DIR")
	overrideString(&cfg.Synthesis.MockFailure, "LOQA_SYNTHESIS_MOCK_FAILURE")
	overrideInt(&cfg.Pipeline.Workers, "LOQA_PIPELINE_WORKERS")
	overrideInt(&cfg.Pipeline.QueueSize, "LOQA_PIPELINE_QUEUE_SIZE")
	overrideInt(&cfg.Pipeline.MaxTextRunes, "LOQA_PIPELINE_MAX_TEXT_RUNES")
	overrideInt(&cfg.Pipeline.FrameRate, "LOQA_PIPELINE_FRAME_RATE")
	overrideInt(&cfg.Dispatcher.ListenerQueue, "LOQA_DISPATCHER_LISTENER_QUEUE")
	overrideInt(&cfg.Dispatcher.WriteTimeoutMS, "LOQA_DISPATCHER_WRITE_TIMEOUT_MS")
	overrideString(&cfg.Artifacts.Dir, "LOQA_ARTIFACTS_DIR")
	overrideString(&cfg.Artifacts.Retention, "LOQA_ARTIFACTS_RETENTION")
	overrideInt(&cfg.Artifacts.ReleaseDelayMS, "LOQA_ARTIFACTS_RELEASE_DELAY_MS")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideBool(&cfg.Router.Enabled, "LOQA_ROUTER_ENABLED")
	overrideString(&cfg.Router.TranscriptSubject, "LOQA_ROUTER_TRANSCRIPT_SUBJECT")
	overrideString(&cfg.Router.BroadcastSubject, "LOQA_ROUTER_BROADCAST_SUBJECT")
	overrideString(&cfg.Router.Stream, "LOQA_ROUTER_STREAM")
	overrideInt(&cfg.Router.SessionIdleMS, "LOQA_ROUTER_SESSION_IDLE_MS")
	overrideString(&cfg.Node.ID, "LOQA_NODE_ID")
	overrideString(&cfg.Node.Role, "LOQA_NODE_ROLE")
	overrideString(&cfg.Node.Tier, "LOQA_NODE_TIER")
	overrideInt(&cfg.Node.HeartbeatInterval, "LOQA_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "LOQA_NODE_HEARTBEAT_TIMEOUT_MS")
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

func validBackend(name string) bool {
	switch name {
	case "mock", "exec", "gtts":
		return true
	}
	return false
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	switch cfg.IPC.Network {
	case "tcp":
		if cfg.IPC.Port <= 0 || cfg.IPC.Port > 65535 {
			return errors.New("ipc.port must be between 1 and 65535")
		}
	case "unix":
		if cfg.IPC.SocketPath == "" {
			return errors.New("ipc.socket_path must be set when network=unix")
		}
	default:
		return errors.New("ipc.network must be one of tcp|unix")
	}
	if cfg.IPC.MaxFrameBytes <= 0 {
		return errors.New("ipc.max_frame_bytes must be positive")
	}
	if cfg.IPC.HandshakeTimeoutMS <= 0 {
		return errors.New("ipc.handshake_timeout_ms must be positive")
	}
	if !validBackend(cfg.Synthesis.Backend) {
		return errors.New("synthesis.backend must be one of mock|exec|gtts")
	}
	if cfg.Synthesis.Fallback != "" {
		if !validBackend(cfg.Synthesis.Fallback) {
			return errors.New("synthesis.fallback must be one of mock|exec|gtts")
		}
		if cfg.Synthesis.Fallback == cfg.Synthesis.Backend {
			return errors.New("synthesis.fallback must differ from synthesis.backend")
		}
	}
	if (cfg.Synthesis.Backend == "exec" || cfg.Synthesis.Fallback == "exec") && cfg.Synthesis.Command == "" {
		return errors.New("synthesis.command must be set when exec backend is used")
	}
	if cfg.Synthesis.SampleRate <= 0 {
		return errors.New("synthesis.sample_rate must be positive")
	}
	if cfg.Synthesis.TimeoutMS <= 0 {
		return errors.New("synthesis.timeout_ms must be positive")
	}
	if cfg.Synthesis.Speed < 0 {
		return errors.New("synthesis.speed must be >= 0")
	}
	if cfg.Pipeline.Workers <= 0 {
		return errors.New("pipeline.workers must be >= 1")
	}
	if cfg.Pipeline.QueueSize <= 0 {
		return errors.New("pipeline.queue_size must be >= 1")
	}
	if cfg.Pipeline.MaxTextRunes <= 0 {
		return errors.New("pipeline.max_text_runes must be >= 1")
	}
	if cfg.Pipeline.FrameRate <= 0 || cfg.Pipeline.FrameRate > 240 {
		return errors.New("pipeline.frame_rate must be between 1 and 240")
	}
	if cfg.Dispatcher.ListenerQueue <= 0 {
		return errors.New("dispatcher.listener_queue must be >= 1")
	}
	if cfg.Dispatcher.WriteTimeoutMS <= 0 {
		return errors.New("dispatcher.write_timeout_ms must be positive")
	}
	switch cfg.Artifacts.Retention {
	case "keep", "delete_after_delivery":
	default:
		return errors.New("artifacts.retention must be one of keep|delete_after_delivery")
	}
	if cfg.Artifacts.Dir == "" {
		return errors.New("artifacts.dir must not be empty")
	}
	if cfg.Artifacts.ReleaseDelayMS < 0 {
		return errors.New("artifacts.release_delay_ms must be >= 0")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
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
	if cfg.Router.Enabled && cfg.Bus.Enabled {
		if cfg.Router.TranscriptSubject == "" || cfg.Router.BroadcastSubject == "" {
			return errors.New("router subjects must not be empty when the bus is enabled")
		}
	}
	if cfg.Bus.Enabled {
		if cfg.Node.ID == "" {
			return errors.New("node.id must not be empty when the bus is enabled")
		}
		if cfg.Node.HeartbeatInterval <= 0 {
			return errors.New("node.heartbeat_interval_ms must be positive")
		}
		if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
			return errors.New("node.heartbeat_timeout_ms must exceed heartbeat interval")
		}
	}
	return nil
}

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
	Bus         BusConfig        `yaml:"bus"`
	Worker      WorkerConfig     `yaml:"worker"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	STT         STTConfig        `yaml:"stt"`
	LLM         LLMConfig        `yaml:"llm"`
	TTS         TTSConfig        `yaml:"tts"`
	Agent       AgentConfig      `yaml:"agent"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

// WorkerConfig identifies this agent worker to its peers on the bus.
type WorkerConfig struct {
	ID                string `yaml:"id"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxRooms      int    `yaml:"max_rooms"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type STTConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Mode       string `yaml:"mode"` // mock, exec
	Command    string `yaml:"command"`
	ModelPath  string `yaml:"model_path"`
	Language   string `yaml:"language"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
}

type LLMConfig struct {
	Mode        string  `yaml:"mode"` // mock, ollama, exec, openai
	Endpoint    string  `yaml:"endpoint"`
	APIKey      string  `yaml:"api_key"`
	Command     string  `yaml:"command"`
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
	TimeoutMS   int     `yaml:"timeout_ms"`
}

// TTSConfig configures the synthesis backend and the streaming adapter in
// front of it.
type TTSConfig struct {
	Mode              string  `yaml:"mode"` // mock, exec, cartesia
	Command           string  `yaml:"command"`
	Endpoint          string  `yaml:"endpoint"`
	APIKey            string  `yaml:"api_key"`
	Model             string  `yaml:"model"`
	Language          string  `yaml:"language"`
	Voice             string  `yaml:"voice"`
	Delimiters        string  `yaml:"delimiters"`
	SampleRate        int     `yaml:"sample_rate"`
	Channels          int     `yaml:"channels"`
	MaxInflight       int     `yaml:"max_inflight"`
	RequestTimeoutMS  int     `yaml:"request_timeout_ms"`
	RetryBackoffMS    int     `yaml:"retry_backoff_ms"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
}

type AgentConfig struct {
	Room               string `yaml:"room"`
	SystemPrompt       string `yaml:"system_prompt"`
	Greeting           string `yaml:"greeting"`
	GreetingDelayMS    int    `yaml:"greeting_delay_ms"`
	AllowInterruptions bool   `yaml:"allow_interruptions"`
	HistoryLimit       int    `yaml:"history_limit"`
	ReplyTimeoutMS     int    `yaml:"reply_timeout_ms"`
	QueueSize          int    `yaml:"queue_size"`
}

const defaultSystemPrompt = "Translate user-provided text or numbers into the desired language in a simple, easy-to-understand style. " +
	"Stick strictly to the requested language and person-first language, avoiding explanations, punctuation, or extra details. " +
	"Maintain the original grammatical perspective (first person stays first person)"

// DefaultDelimiters is the sentence boundary set used when none is configured.
const DefaultDelimiters = ".!?;…。！？；\n"

func Default() Config {
	return Config{
		RuntimeName: "loqa-translator",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Embedded:       true,
			Host:           "127.0.0.1",
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Worker: WorkerConfig{
			ID:                "loqa-translator-1",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-translator.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxRooms:      1000,
		},
		STT: STTConfig{
			Enabled:    false,
			Mode:       "mock",
			SampleRate: 16000,
			Channels:   1,
		},
		LLM: LLMConfig{
			Mode:        "mock",
			Endpoint:    "https://api.groq.com/openai/v1",
			Model:       "llama-3.1-70b-versatile",
			MaxTokens:   256,
			Temperature: 0.7,
			TimeoutMS:   60000,
		},
		TTS: TTSConfig{
			Mode:              "mock",
			Endpoint:          "https://api.cartesia.ai",
			Model:             "sonic-multilingual",
			Language:          "hi",
			Voice:             "c1abd502-9231-4558-a054-10ac950c356d",
			Delimiters:        DefaultDelimiters,
			SampleRate:        24000,
			Channels:          1,
			MaxInflight:       4,
			RequestTimeoutMS:  15000,
			RetryBackoffMS:    200,
			RequestsPerSecond: 0,
		},
		Agent: AgentConfig{
			Room:               "default",
			SystemPrompt:       defaultSystemPrompt,
			Greeting:           "Please say the language to translate",
			GreetingDelayMS:    1000,
			AllowInterruptions: true,
			HistoryLimit:       20,
			ReplyTimeoutMS:     120000,
			QueueSize:          16,
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
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideString(&cfg.Bus.Host, "LOQA_BUS_HOST")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Worker.ID, "LOQA_WORKER_ID")
	overrideInt(&cfg.Worker.HeartbeatInterval, "LOQA_WORKER_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Worker.HeartbeatTimeout, "LOQA_WORKER_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxRooms, "LOQA_EVENT_STORE_MAX_ROOMS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideBool(&cfg.STT.Enabled, "LOQA_STT_ENABLED")
	overrideString(&cfg.STT.Mode, "LOQA_STT_MODE")
	overrideString(&cfg.STT.Command, "LOQA_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "LOQA_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "LOQA_STT_LANGUAGE")
	overrideInt(&cfg.STT.SampleRate, "LOQA_STT_SAMPLE_RATE")
	overrideInt(&cfg.STT.Channels, "LOQA_STT_CHANNELS")
	overrideString(&cfg.LLM.Mode, "LOQA_LLM_MODE")
	overrideString(&cfg.LLM.Endpoint, "LOQA_LLM_ENDPOINT")
	overrideString(&cfg.LLM.APIKey, "LOQA_LLM_API_KEY")
	overrideString(&cfg.LLM.Command, "LOQA_LLM_COMMAND")
	overrideString(&cfg.LLM.Model, "LOQA_LLM_MODEL")
	overrideInt(&cfg.LLM.MaxTokens, "LOQA_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "LOQA_LLM_TEMPERATURE")
	overrideInt(&cfg.LLM.TimeoutMS, "LOQA_LLM_TIMEOUT_MS")
	overrideString(&cfg.TTS.Mode, "LOQA_TTS_MODE")
	overrideString(&cfg.TTS.Command, "LOQA_TTS_COMMAND")
	overrideString(&cfg.TTS.Endpoint, "LOQA_TTS_ENDPOINT")
	overrideString(&cfg.TTS.APIKey, "LOQA_TTS_API_KEY")
	overrideString(&cfg.TTS.Model, "LOQA_TTS_MODEL")
	overrideString(&cfg.TTS.Language, "LOQA_TTS_LANGUAGE")
	overrideString(&cfg.TTS.Voice, "LOQA_TTS_VOICE")
	overrideString(&cfg.TTS.Delimiters, "LOQA_TTS_DELIMITERS")
	overrideInt(&cfg.TTS.SampleRate, "LOQA_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.Channels, "LOQA_TTS_CHANNELS")
	overrideInt(&cfg.TTS.MaxInflight, "LOQA_TTS_MAX_INFLIGHT")
	overrideInt(&cfg.TTS.RequestTimeoutMS, "LOQA_TTS_REQUEST_TIMEOUT_MS")
	overrideInt(&cfg.TTS.RetryBackoffMS, "LOQA_TTS_RETRY_BACKOFF_MS")
	overrideFloat(&cfg.TTS.RequestsPerSecond, "LOQA_TTS_REQUESTS_PER_SECOND")
	overrideString(&cfg.Agent.Room, "LOQA_AGENT_ROOM")
	overrideString(&cfg.Agent.SystemPrompt, "LOQA_AGENT_SYSTEM_PROMPT")
	overrideString(&cfg.Agent.Greeting, "LOQA_AGENT_GREETING")
	overrideInt(&cfg.Agent.GreetingDelayMS, "LOQA_AGENT_GREETING_DELAY_MS")
	overrideBool(&cfg.Agent.AllowInterruptions, "LOQA_AGENT_ALLOW_INTERRUPTIONS")
	overrideInt(&cfg.Agent.HistoryLimit, "LOQA_AGENT_HISTORY_LIMIT")
	overrideInt(&cfg.Agent.ReplyTimeoutMS, "LOQA_AGENT_REPLY_TIMEOUT_MS")
	overrideInt(&cfg.Agent.QueueSize, "LOQA_AGENT_QUEUE_SIZE")
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
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else if len(cfg.Bus.Servers) == 0 {
		return errors.New("bus.servers must not be empty when embedded mode is disabled")
	}
	if cfg.Worker.ID == "" {
		return errors.New("worker.id must not be empty")
	}
	if cfg.Worker.HeartbeatInterval <= 0 {
		return errors.New("worker.heartbeat_interval_ms must be positive")
	}
	if cfg.Worker.HeartbeatTimeout <= cfg.Worker.HeartbeatInterval {
		return errors.New("worker.heartbeat_timeout_ms must be greater than heartbeat interval")
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
	if cfg.STT.Enabled {
		switch cfg.STT.Mode {
		case "mock", "exec":
		default:
			return errors.New("stt.mode must be one of mock|exec")
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
	if err := validateLLM(cfg.LLM); err != nil {
		return err
	}
	if err := validateTTS(cfg.TTS); err != nil {
		return err
	}
	if cfg.Agent.Room == "" {
		return errors.New("agent.room must not be empty")
	}
	if cfg.Agent.SystemPrompt == "" {
		return errors.New("agent.system_prompt must not be empty")
	}
	if cfg.Agent.HistoryLimit < 0 {
		return errors.New("agent.history_limit must be >= 0")
	}
	if cfg.Agent.QueueSize <= 0 {
		return errors.New("agent.queue_size must be >= 1")
	}
	return nil
}

func validateLLM(cfg LLMConfig) error {
	switch cfg.Mode {
	case "mock", "ollama", "exec", "openai":
	default:
		return errors.New("llm.mode must be one of mock|ollama|exec|openai")
	}
	if (cfg.Mode == "ollama" || cfg.Mode == "openai") && cfg.Endpoint == "" {
		return fmt.Errorf("llm.endpoint must be set when mode=%s", cfg.Mode)
	}
	if cfg.Mode == "openai" && cfg.APIKey == "" {
		return errors.New("llm.api_key must be set when mode=openai")
	}
	if cfg.Mode == "exec" && cfg.Command == "" {
		return errors.New("llm.command must be set when mode=exec")
	}
	if cfg.MaxTokens < 0 {
		return errors.New("llm.max_tokens must be >= 0")
	}
	return nil
}

// validateTTS only checks presence; language, voice and credentials are
// passed through to the backend untouched.
func validateTTS(cfg TTSConfig) error {
	switch cfg.Mode {
	case "mock", "exec", "cartesia":
	default:
		return errors.New("tts.mode must be one of mock|exec|cartesia")
	}
	if cfg.Mode == "exec" && cfg.Command == "" {
		return errors.New("tts.command must be set when mode=exec")
	}
	if cfg.Mode == "cartesia" {
		if cfg.Endpoint == "" {
			return errors.New("tts.endpoint must be set when mode=cartesia")
		}
		if cfg.APIKey == "" {
			return errors.New("tts.api_key must be set when mode=cartesia")
		}
		if cfg.Channels != 1 {
			return errors.New("tts.channels must be 1 when mode=cartesia")
		}
	}
	if strings.TrimSpace(cfg.Language) == "" {
		return errors.New("tts.language must not be empty")
	}
	if strings.TrimSpace(cfg.Voice) == "" {
		return errors.New("tts.voice must not be empty")
	}
	if cfg.Delimiters == "" {
		return errors.New("tts.delimiters must not be empty")
	}
	if cfg.SampleRate <= 0 {
		return errors.New("tts.sample_rate must be positive")
	}
	if cfg.Channels <= 0 {
		return errors.New("tts.channels must be positive")
	}
	if cfg.MaxInflight <= 0 {
		return errors.New("tts.max_inflight must be >= 1")
	}
	if cfg.RequestsPerSecond < 0 {
		return errors.New("tts.requests_per_second must be >= 0")
	}
	return nil
}

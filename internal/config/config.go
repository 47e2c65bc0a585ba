package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type AuthConfig struct {
	// Secret is the process-wide shared secret every connection must present.
	Secret string `yaml:"secret"`
	// QueryToken accepts a base64-encoded credential in a query parameter
	// instead of the Authorization header.
	QueryToken bool   `yaml:"query_token"`
	QueryParam string `yaml:"query_param"`
}

type ModelsConfig struct {
	// Engine selects the recognizer backend: mock or exec.
	Engine string `yaml:"engine"`
	// Command is the recognizer process command line for the exec engine.
	Command    string `yaml:"command"`
	SampleRate int    `yaml:"sample_rate"`
	// Paths maps language -> size -> model path. Models are loaded once at
	// startup and shared read-only across sessions.
	Paths            map[string]map[string]string `yaml:"paths"`
	SpeakerModelPath string                       `yaml:"speaker_model_path"`
	DefaultLanguage  string                       `yaml:"default_language"`
	DefaultSize      string                       `yaml:"default_size"`
}

type StreamConfig struct {
	// MaxMessageBytes caps one inbound audio frame.
	MaxMessageBytes int64 `yaml:"max_message_bytes"`
	// IdleTimeoutMS closes a connection with no inbound frames. Large by
	// default to suit long dictation sessions.
	IdleTimeoutMS int `yaml:"idle_timeout_ms"`
	// MaxBatchBytes caps a batch request body.
	MaxBatchBytes int64 `yaml:"max_batch_bytes"`
}

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
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
	// PublishInterim also publishes partial hypotheses, not just finals.
	PublishInterim bool `yaml:"publish_interim"`
}

type TranscriptStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type Config struct {
	ServiceName     string                `yaml:"service_name"`
	Environment     string                `yaml:"environment"`
	HTTP            HTTPConfig            `yaml:"http"`
	Auth            AuthConfig            `yaml:"auth"`
	Models          ModelsConfig          `yaml:"models"`
	Stream          StreamConfig          `yaml:"stream"`
	Telemetry       TelemetryConfig       `yaml:"telemetry"`
	Bus             BusConfig             `yaml:"bus"`
	TranscriptStore TranscriptStoreConfig `yaml:"transcript_store"`
}

func Default() Config {
	return Config{
		ServiceName: "scribe-gateway",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Auth: AuthConfig{
			QueryParam: "token",
		},
		Models: ModelsConfig{
			Engine:     "mock",
			SampleRate: 16000,
			Paths: map[string]map[string]string{
				"en": {
					"small":  "./models/small/vosk-model-small-en-us-0.15",
					"medium": "./models/med/vosk-model-en-us-daanzu-20200905",
				},
				"es": {
					"small": "./models/small/vosk-model-small-es-0.42",
				},
			},
			SpeakerModelPath: "./models/speaker_identification/vosk-model-spk-0.4",
			DefaultLanguage:  "en",
			DefaultSize:      "small",
		},
		Stream: StreamConfig{
			MaxMessageBytes: 1 << 20,
			IdleTimeoutMS:   300000,
			MaxBatchBytes:   32 << 20,
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
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		TranscriptStore: TranscriptStoreConfig{
			Path:          "./data/scribe-transcripts.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
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
	overrideString(&cfg.ServiceName, "SCRIBE_SERVICE_NAME")
	overrideString(&cfg.Environment, "SCRIBE_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "SCRIBE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "SCRIBE_HTTP_PORT")
	overrideString(&cfg.Auth.Secret, "SCRIBE_AUTH_SECRET")
	overrideBool(&cfg.Auth.QueryToken, "SCRIBE_AUTH_QUERY_TOKEN")
	overrideString(&cfg.Auth.QueryParam, "SCRIBE_AUTH_QUERY_PARAM")
	overrideString(&cfg.Models.Engine, "SCRIBE_MODELS_ENGINE")
	overrideString(&cfg.Models.Command, "SCRIBE_MODELS_COMMAND")
	overrideInt(&cfg.Models.SampleRate, "SCRIBE_MODELS_SAMPLE_RATE")
	overrideString(&cfg.Models.SpeakerModelPath, "SCRIBE_MODELS_SPEAKER_MODEL_PATH")
	overrideString(&cfg.Models.DefaultLanguage, "SCRIBE_MODELS_DEFAULT_LANGUAGE")
	overrideString(&cfg.Models.DefaultSize, "SCRIBE_MODELS_DEFAULT_SIZE")
	overrideInt64(&cfg.Stream.MaxMessageBytes, "SCRIBE_STREAM_MAX_MESSAGE_BYTES")
	overrideInt(&cfg.Stream.IdleTimeoutMS, "SCRIBE_STREAM_IDLE_TIMEOUT_MS")
	overrideInt64(&cfg.Stream.MaxBatchBytes, "SCRIBE_STREAM_MAX_BATCH_BYTES")
	overrideString(&cfg.Telemetry.LogLevel, "SCRIBE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "SCRIBE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "SCRIBE_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Enabled, "SCRIBE_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "SCRIBE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "SCRIBE_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "SCRIBE_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "SCRIBE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "SCRIBE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "SCRIBE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "SCRIBE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "SCRIBE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "SCRIBE_BUS_CONNECT_TIMEOUT_MS")
	overrideBool(&cfg.Bus.PublishInterim, "SCRIBE_BUS_PUBLISH_INTERIM")
	overrideString(&cfg.TranscriptStore.Path, "SCRIBE_TRANSCRIPT_STORE_PATH")
	overrideString(&cfg.TranscriptStore.RetentionMode, "SCRIBE_TRANSCRIPT_STORE_RETENTION_MODE")
	overrideInt(&cfg.TranscriptStore.RetentionDays, "SCRIBE_TRANSCRIPT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.TranscriptStore.MaxSessions, "SCRIBE_TRANSCRIPT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.TranscriptStore.VacuumOnStart, "SCRIBE_TRANSCRIPT_STORE_VACUUM_ON_START")
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
	if cfg.ServiceName == "" {
		return errors.New("service_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Auth.Secret == "" {
		return errors.New("auth.secret must be set")
	}
	if cfg.Auth.QueryToken && cfg.Auth.QueryParam == "" {
		return errors.New("auth.query_param must not be empty when query_token is enabled")
	}
	switch cfg.Models.Engine {
	case "mock", "exec":
	default:
		return errors.New("models.engine must be one of mock|exec")
	}
	if cfg.Models.Engine == "exec" && cfg.Models.Command == "" {
		return errors.New("models.command must be set when engine=exec")
	}
	if cfg.Models.SampleRate <= 0 {
		return errors.New("models.sample_rate must be positive")
	}
	if cfg.Models.DefaultLanguage == "" || cfg.Models.DefaultSize == "" {
		return errors.New("models.default_language and models.default_size must be set")
	}
	defaults := cfg.Models.Paths[cfg.Models.DefaultLanguage]
	if len(defaults) == 0 {
		return fmt.Errorf("models.paths must contain the default language %q", cfg.Models.DefaultLanguage)
	}
	if defaults[cfg.Models.DefaultSize] == "" {
		return fmt.Errorf("models.paths[%s] must contain the default size %q", cfg.Models.DefaultLanguage, cfg.Models.DefaultSize)
	}
	for lang, sizes := range cfg.Models.Paths {
		if len(sizes) == 0 {
			return fmt.Errorf("models.paths[%s] must not be empty", lang)
		}
		if sizes[cfg.Models.DefaultSize] == "" {
			return fmt.Errorf("models.paths[%s] must contain the default size %q", lang, cfg.Models.DefaultSize)
		}
	}
	if cfg.Stream.MaxMessageBytes <= 0 {
		return errors.New("stream.max_message_bytes must be positive")
	}
	if cfg.Stream.MaxBatchBytes <= 0 {
		return errors.New("stream.max_batch_bytes must be positive")
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
	switch cfg.TranscriptStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("transcript_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.TranscriptStore.RetentionMode != "ephemeral" && cfg.TranscriptStore.Path == "" {
		return errors.New("transcript_store.path must not be empty")
	}
	if cfg.TranscriptStore.RetentionDays < 0 {
		return errors.New("transcript_store.retention_days must be >= 0")
	}
	return nil
}

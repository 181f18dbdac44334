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
	TraceExporter  string `yaml:"trace_exporter"` // none, stdout, otlp
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	EnvFile     string           `yaml:"env_file"`
	Input       string           `yaml:"input"`
	Output      OutputConfig     `yaml:"output"`
	Provider    ProviderConfig   `yaml:"provider"`
	Batch       BatchConfig      `yaml:"batch"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
}

type OutputConfig struct {
	Directory    string `yaml:"directory"`
	Manifest     string `yaml:"manifest"` // relative to directory unless absolute
	Naming       string `yaml:"naming"`   // deterministic, uuid
	PrefixLength int    `yaml:"prefix_length"`
	IndexWidth   int    `yaml:"index_width"`
	DefaultGroup string `yaml:"default_group"`
}

type ProviderConfig struct {
	Mode              string  `yaml:"mode"` // openai, exec, mock
	APIKey            string  `yaml:"api_key"`
	BaseURL           string  `yaml:"base_url"`
	Command           string  `yaml:"command"`
	Model             string  `yaml:"model"`
	Voice             string  `yaml:"voice"`
	Format            string  `yaml:"format"`
	Instructions      string  `yaml:"instructions"`
	Speed             float64 `yaml:"speed"`
	TimeoutMS         int     `yaml:"timeout_ms"`
	RequestsPerMinute int     `yaml:"requests_per_minute"`
}

type BatchConfig struct {
	Concurrency       int      `yaml:"concurrency"`
	MaxRetries        int      `yaml:"max_retries"`
	InitialBackoffMS  int      `yaml:"initial_backoff_ms"`
	BackoffMultiplier float64  `yaml:"backoff_multiplier"`
	MaxBackoffMS      int      `yaml:"max_backoff_ms"`
	ValidateSpans     bool     `yaml:"validate_spans"`
	Sentinels         []string `yaml:"sentinels"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"` // run a local broker for the duration of the batch
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
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
	MaxRuns       int    `yaml:"max_runs"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

const defaultInstructions = "You are a doctor recording a medical report please ignore punctuation and just read fluidly while being sure to pronounce specialized terms correctly."

func Default() Config {
	return Config{
		RuntimeName: "loqa-tts-batch",
		Environment: "development",
		EnvFile:     ".env",
		Input:       "./data/input/sentences.json",
		Output: OutputConfig{
			Directory:    "./data/output",
			Manifest:     "manifest.jsonl",
			Naming:       "deterministic",
			PrefixLength: 3,
			IndexWidth:   2,
			DefaultGroup: "sentences",
		},
		Provider: ProviderConfig{
			Mode:         "openai",
			BaseURL:      "https://api.openai.com/v1",
			Model:        "gpt-4o-mini-tts",
			Voice:        "nova",
			Format:       "wav",
			Instructions: defaultInstructions,
			TimeoutMS:    120000,
		},
		Batch: BatchConfig{
			Concurrency:       6,
			MaxRetries:        3,
			InitialBackoffMS:  1000,
			BackoffMultiplier: 2,
			MaxBackoffMS:      60000,
			ValidateSpans:     true,
			Sentinels:         []string{"nan"},
		},
		Telemetry: TelemetryConfig{
			LogLevel:      "info",
			LogFormat:     "json",
			TraceExporter: "none",
			OTLPInsecure:  true,
		},
		Bus: BusConfig{
			Enabled:        false,
			Host:           "127.0.0.1",
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-tts-runs.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxRuns:       1000,
		},
	}
}

// Load builds the effective configuration: defaults, then the YAML file at path
// (skipped when empty), then the process environment. Variables from env_file
// are made available first but never replace ones already set.
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

	overrideString(&cfg.EnvFile, "LOQA_TTS_ENV_FILE")
	if err := loadEnvFile(cfg.EnvFile); err != nil {
		return cfg, err
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadEnvFile(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat env file: %w", err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_TTS_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_TTS_ENVIRONMENT")
	overrideString(&cfg.Input, "LOQA_TTS_INPUT")
	overrideString(&cfg.Output.Directory, "LOQA_TTS_OUTPUT_DIRECTORY")
	overrideString(&cfg.Output.Manifest, "LOQA_TTS_OUTPUT_MANIFEST")
	overrideString(&cfg.Output.Naming, "LOQA_TTS_OUTPUT_NAMING")
	overrideInt(&cfg.Output.PrefixLength, "LOQA_TTS_OUTPUT_PREFIX_LENGTH")
	overrideInt(&cfg.Output.IndexWidth, "LOQA_TTS_OUTPUT_INDEX_WIDTH")
	overrideString(&cfg.Output.DefaultGroup, "LOQA_TTS_OUTPUT_DEFAULT_GROUP")
	overrideString(&cfg.Provider.Mode, "LOQA_TTS_PROVIDER_MODE")
	overrideString(&cfg.Provider.APIKey, "OPENAI_API_KEY")
	overrideString(&cfg.Provider.APIKey, "LOQA_TTS_PROVIDER_API_KEY")
	overrideString(&cfg.Provider.BaseURL, "OPENAI_BASE_URL")
	overrideString(&cfg.Provider.BaseURL, "LOQA_TTS_PROVIDER_BASE_URL")
	overrideString(&cfg.Provider.Command, "LOQA_TTS_PROVIDER_COMMAND")
	overrideString(&cfg.Provider.Model, "LOQA_TTS_PROVIDER_MODEL")
	overrideString(&cfg.Provider.Voice, "LOQA_TTS_PROVIDER_VOICE")
	overrideString(&cfg.Provider.Format, "LOQA_TTS_PROVIDER_FORMAT")
	overrideString(&cfg.Provider.Instructions, "LOQA_TTS_PROVIDER_INSTRUCTIONS")
	overrideFloat(&cfg.Provider.Speed, "LOQA_TTS_PROVIDER_SPEED")
	overrideInt(&cfg.Provider.TimeoutMS, "LOQA_TTS_PROVIDER_TIMEOUT_MS")
	overrideInt(&cfg.Provider.RequestsPerMinute, "LOQA_TTS_PROVIDER_REQUESTS_PER_MINUTE")
	overrideInt(&cfg.Batch.Concurrency, "LOQA_TTS_BATCH_CONCURRENCY")
	overrideInt(&cfg.Batch.MaxRetries, "LOQA_TTS_BATCH_MAX_RETRIES")
	overrideInt(&cfg.Batch.InitialBackoffMS, "LOQA_TTS_BATCH_INITIAL_BACKOFF_MS")
	overrideFloat(&cfg.Batch.BackoffMultiplier, "LOQA_TTS_BATCH_BACKOFF_MULTIPLIER")
	overrideInt(&cfg.Batch.MaxBackoffMS, "LOQA_TTS_BATCH_MAX_BACKOFF_MS")
	overrideBool(&cfg.Batch.ValidateSpans, "LOQA_TTS_BATCH_VALIDATE_SPANS")
	overrideStringSlice(&cfg.Batch.Sentinels, "LOQA_TTS_BATCH_SENTINELS")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TTS_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.LogFormat, "LOQA_TTS_TELEMETRY_LOG_FORMAT")
	overrideString(&cfg.Telemetry.TraceExporter, "LOQA_TTS_TELEMETRY_TRACE_EXPORTER")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TTS_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TTS_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TTS_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "LOQA_TTS_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_TTS_BUS_EMBEDDED")
	overrideString(&cfg.Bus.Host, "LOQA_TTS_BUS_HOST")
	overrideInt(&cfg.Bus.Port, "LOQA_TTS_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_TTS_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_TTS_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_TTS_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_TTS_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_TTS_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_TTS_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_TTS_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_TTS_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_TTS_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxRuns, "LOQA_TTS_EVENT_STORE_MAX_RUNS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_TTS_EVENT_STORE_VACUUM_ON_START")
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

// Validate reports the first invalid setting. Callers that patch a loaded
// config (CLI flags) run it again before use.
func Validate(cfg Config) error {
	return validate(cfg)
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if strings.TrimSpace(cfg.Input) == "" {
		return errors.New("input must not be empty")
	}
	if strings.TrimSpace(cfg.Output.Directory) == "" {
		return errors.New("output.directory must not be empty")
	}
	if strings.TrimSpace(cfg.Output.Manifest) == "" {
		return errors.New("output.manifest must not be empty")
	}
	switch cfg.Output.Naming {
	case "deterministic", "uuid":
	default:
		return errors.New("output.naming must be one of deterministic|uuid")
	}
	if cfg.Output.PrefixLength <= 0 {
		return errors.New("output.prefix_length must be positive")
	}
	if cfg.Output.IndexWidth <= 0 {
		return errors.New("output.index_width must be positive")
	}
	if cfg.Output.DefaultGroup == "" {
		return errors.New("output.default_group must not be empty")
	}
	switch cfg.Provider.Mode {
	case "openai", "exec", "mock":
	default:
		return errors.New("provider.mode must be one of openai|exec|mock")
	}
	if cfg.Provider.Mode == "exec" && cfg.Provider.Command == "" {
		return errors.New("provider.command must be set when mode=exec")
	}
	if cfg.Provider.Model == "" {
		return errors.New("provider.model must not be empty")
	}
	if cfg.Provider.Voice == "" {
		return errors.New("provider.voice must not be empty")
	}
	if cfg.Provider.Format == "" {
		return errors.New("provider.format must not be empty")
	}
	if cfg.Provider.Speed < 0 {
		return errors.New("provider.speed must be >= 0")
	}
	if cfg.Provider.TimeoutMS <= 0 {
		return errors.New("provider.timeout_ms must be positive")
	}
	if cfg.Provider.RequestsPerMinute < 0 {
		return errors.New("provider.requests_per_minute must be >= 0")
	}
	if cfg.Batch.Concurrency <= 0 {
		return errors.New("batch.concurrency must be >= 1")
	}
	if cfg.Batch.MaxRetries < 0 {
		return errors.New("batch.max_retries must be >= 0")
	}
	if cfg.Batch.InitialBackoffMS < 0 {
		return errors.New("batch.initial_backoff_ms must be >= 0")
	}
	if cfg.Batch.BackoffMultiplier < 1 {
		return errors.New("batch.backoff_multiplier must be >= 1")
	}
	if cfg.Batch.MaxBackoffMS < cfg.Batch.InitialBackoffMS {
		return errors.New("batch.max_backoff_ms must be >= initial_backoff_ms")
	}
	switch cfg.Telemetry.LogFormat {
	case "json", "text":
	default:
		return errors.New("telemetry.log_format must be one of json|text")
	}
	switch cfg.Telemetry.TraceExporter {
	case "none", "stdout":
	case "otlp":
		if strings.TrimSpace(cfg.Telemetry.OTLPEndpoint) == "" {
			return errors.New("telemetry.otlp_endpoint must be set when trace_exporter=otlp")
		}
	default:
		return errors.New("telemetry.trace_exporter must be one of none|stdout|otlp")
	}
	if cfg.Bus.Enabled && !cfg.Bus.Embedded && len(cfg.Bus.Servers) == 0 {
		return errors.New("bus.servers must not be empty when the bus is enabled")
	}
	if cfg.Bus.Embedded && cfg.Bus.Port == 0 {
		return errors.New("bus.port must be set when bus.embedded is true")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral":
	case "session", "persistent":
		if cfg.EventStore.Path == "" {
			return errors.New("event_store.path must not be empty")
		}
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	return nil
}

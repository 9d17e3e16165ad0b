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
	LogLevel      string `yaml:"log_level"`
	LogFormat     string `yaml:"log_format"`
	TraceExporter string `yaml:"trace_exporter"` // none, stdout, otlp
	OTLPEndpoint  string `yaml:"otlp_endpoint"`
	OTLPInsecure  bool   `yaml:"otlp_insecure"`
}

type HTTPConfig struct {
	Bind                string `yaml:"bind"`
	Port                int    `yaml:"port"`
	ReadHeaderTimeoutMS int    `yaml:"read_header_timeout_ms"`
	MaxBodyBytes        int64  `yaml:"max_body_bytes"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Engine      EngineConfig     `yaml:"engine"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
}

type EngineConfig struct {
	Mode            string     `yaml:"mode"` // mock, exec, http
	Command         string     `yaml:"command"`
	Endpoint        string     `yaml:"endpoint"`
	Device          string     `yaml:"device"`
	DefaultLanguage string     `yaml:"default_language"`
	Languages       []string   `yaml:"languages"`
	LoadTimeoutMS   int        `yaml:"load_timeout_ms"`
	SynthTimeoutMS  int        `yaml:"synth_timeout_ms"`
	TempDir         string     `yaml:"temp_dir"`
	MaxSpeed        float64    `yaml:"max_speed"`
	Mock            MockEngine `yaml:"mock"`
}

type MockEngine struct {
	SampleRate int                 `yaml:"sample_rate"`
	Voices     map[string][]string `yaml:"voices"`
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
	Subject        string   `yaml:"subject"`
}

type EventStoreConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
	MaxEntries    int    `yaml:"max_entries"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-voice",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind:                "0.0.0.0",
			Port:                8000,
			ReadHeaderTimeoutMS: 5000,
			MaxBodyBytes:        1 << 20,
		},
		Telemetry: TelemetryConfig{
			LogLevel:      "info",
			LogFormat:     "json",
			TraceExporter: "none",
			OTLPInsecure:  true,
		},
		Engine: EngineConfig{
			Mode:            "mock",
			Device:          "cpu",
			DefaultLanguage: "KR",
			LoadTimeoutMS:   120000,
			SynthTimeoutMS:  60000,
			MaxSpeed:        4.0,
			Mock: MockEngine{
				SampleRate: 44100,
				Voices: map[string][]string{
					"KR": {"KR"},
					"EN": {"EN-US", "EN-BR", "EN_INDIA", "EN-AU", "EN-Default"},
					"JP": {"JP"},
					"ZH": {"ZH"},
					"ES": {"ES"},
					"FR": {"FR"},
				},
			},
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			Subject:        "tts.synthesize",
		},
		EventStore: EventStoreConfig{
			Enabled:       true,
			Path:          "./data/loqa-voice.db",
			RetentionDays: 30,
			MaxEntries:    10000,
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
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_VOICE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_VOICE_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_VOICE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_VOICE_HTTP_PORT")
	overrideInt(&cfg.HTTP.ReadHeaderTimeoutMS, "LOQA_VOICE_HTTP_READ_HEADER_TIMEOUT_MS")
	overrideInt64(&cfg.HTTP.MaxBodyBytes, "LOQA_VOICE_HTTP_MAX_BODY_BYTES")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_VOICE_LOG_LEVEL")
	overrideString(&cfg.Telemetry.LogFormat, "LOQA_VOICE_LOG_FORMAT")
	overrideString(&cfg.Telemetry.TraceExporter, "LOQA_VOICE_TRACE_EXPORTER")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_VOICE_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_VOICE_OTLP_INSECURE")
	overrideString(&cfg.Engine.Mode, "LOQA_VOICE_ENGINE_MODE")
	overrideString(&cfg.Engine.Command, "LOQA_VOICE_ENGINE_COMMAND")
	overrideString(&cfg.Engine.Endpoint, "LOQA_VOICE_ENGINE_ENDPOINT")
	overrideString(&cfg.Engine.Device, "LOQA_VOICE_ENGINE_DEVICE")
	overrideString(&cfg.Engine.DefaultLanguage, "LOQA_VOICE_ENGINE_DEFAULT_LANGUAGE")
	overrideStringSlice(&cfg.Engine.Languages, "LOQA_VOICE_ENGINE_LANGUAGES")
	overrideInt(&cfg.Engine.LoadTimeoutMS, "LOQA_VOICE_ENGINE_LOAD_TIMEOUT_MS")
	overrideInt(&cfg.Engine.SynthTimeoutMS, "LOQA_VOICE_ENGINE_SYNTH_TIMEOUT_MS")
	overrideString(&cfg.Engine.TempDir, "LOQA_VOICE_ENGINE_TEMP_DIR")
	overrideFloat(&cfg.Engine.MaxSpeed, "LOQA_VOICE_ENGINE_MAX_SPEED")
	overrideBool(&cfg.Bus.Enabled, "LOQA_VOICE_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_VOICE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_VOICE_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_VOICE_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_VOICE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_VOICE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_VOICE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_VOICE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_VOICE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_VOICE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.Subject, "LOQA_VOICE_BUS_SUBJECT")
	overrideBool(&cfg.EventStore.Enabled, "LOQA_VOICE_EVENT_STORE_ENABLED")
	overrideString(&cfg.EventStore.Path, "LOQA_VOICE_EVENT_STORE_PATH")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_VOICE_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxEntries, "LOQA_VOICE_EVENT_STORE_MAX_ENTRIES")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_VOICE_EVENT_STORE_VACUUM_ON_START")
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

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

// normalize upper-cases language codes so lookups against the model cache
// agree with what operators write in the file.
func normalize(cfg *Config) {
	cfg.Engine.DefaultLanguage = strings.ToUpper(strings.TrimSpace(cfg.Engine.DefaultLanguage))
	for i, lang := range cfg.Engine.Languages {
		cfg.Engine.Languages[i] = strings.ToUpper(strings.TrimSpace(lang))
	}
	if len(cfg.Engine.Mock.Voices) > 0 {
		voices := make(map[string][]string, len(cfg.Engine.Mock.Voices))
		for lang, names := range cfg.Engine.Mock.Voices {
			voices[strings.ToUpper(strings.TrimSpace(lang))] = names
		}
		cfg.Engine.Mock.Voices = voices
	}
	cfg.Telemetry.LogLevel = strings.ToLower(strings.TrimSpace(cfg.Telemetry.LogLevel))
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.HTTP.MaxBodyBytes <= 0 {
		return errors.New("http.max_body_bytes must be positive")
	}
	switch cfg.Telemetry.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
	}
	switch cfg.Telemetry.LogFormat {
	case "json", "text":
	default:
		return errors.New("telemetry.log_format must be one of json|text")
	}
	switch cfg.Telemetry.TraceExporter {
	case "none", "stdout":
	case "otlp":
		if cfg.Telemetry.OTLPEndpoint == "" {
			return errors.New("telemetry.otlp_endpoint must be set when trace_exporter=otlp")
		}
	default:
		return errors.New("telemetry.trace_exporter must be one of none|stdout|otlp")
	}
	switch cfg.Engine.Mode {
	case "mock":
		if cfg.Engine.Mock.SampleRate <= 0 {
			return errors.New("engine.mock.sample_rate must be positive")
		}
	case "exec":
		if cfg.Engine.Command == "" {
			return errors.New("engine.command must be set when mode=exec")
		}
	case "http":
		if cfg.Engine.Endpoint == "" {
			return errors.New("engine.endpoint must be set when mode=http")
		}
	default:
		return errors.New("engine.mode must be one of mock|exec|http")
	}
	if cfg.Engine.DefaultLanguage == "" {
		return errors.New("engine.default_language must not be empty")
	}
	if cfg.Engine.LoadTimeoutMS <= 0 {
		return errors.New("engine.load_timeout_ms must be positive")
	}
	if cfg.Engine.SynthTimeoutMS <= 0 {
		return errors.New("engine.synth_timeout_ms must be positive")
	}
	if cfg.Engine.MaxSpeed <= 0 {
		return errors.New("engine.max_speed must be positive")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Subject == "" {
			return errors.New("bus.subject must not be empty when the bus is enabled")
		}
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.EventStore.Enabled {
		if cfg.EventStore.Path == "" {
			return errors.New("event_store.path must not be empty")
		}
		if cfg.EventStore.RetentionDays < 0 {
			return errors.New("event_store.retention_days must be >= 0")
		}
		if cfg.EventStore.MaxEntries < 0 {
			return errors.New("event_store.max_entries must be >= 0")
		}
	}
	return nil
}

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

// EngineConfig describes one external synthesis engine executable and how its
// worker processes are pooled.
type EngineConfig struct {
	// Command is the engine invocation, parsed with shell quoting rules.
	// The first word is the executable; the rest are fixed arguments.
	Command string `yaml:"command"`
	// ModelsDir is where per-voice model files live, for engines that load
	// one model per worker process.
	ModelsDir string `yaml:"models_dir"`
	// ModelFlag, when set, appends "<flag> <model-file>" to the command so
	// each worker is bound to one model at start. When empty the model
	// reference travels inside each request instead.
	ModelFlag string `yaml:"model_flag"`
	ModelExt  string `yaml:"model_ext"`
	// WorkDir overrides the worker's working directory. Defaults to the
	// executable's own directory so engines can find bundled runtimes.
	WorkDir      string `yaml:"work_dir"`
	MaxWorkers   int    `yaml:"max_workers"`
	IdleTimeoutS int    `yaml:"idle_timeout_s"`
}

type TTSConfig struct {
	Enabled         bool   `yaml:"enabled"`
	DefaultEngine   string `yaml:"default_engine"`
	DefaultVoice    string `yaml:"default_voice"`
	RequestTimeoutS int    `yaml:"request_timeout_s"`
	AudioBucket     string `yaml:"audio_bucket"`
	StderrTail      int    `yaml:"stderr_tail"`
}

type HistoryConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxRows       int    `yaml:"max_rows"`
}

type Config struct {
	RuntimeName string                  `yaml:"runtime_name"`
	Environment string                  `yaml:"environment"`
	HTTP        HTTPConfig              `yaml:"http"`
	Telemetry   TelemetryConfig         `yaml:"telemetry"`
	Bus         BusConfig               `yaml:"bus"`
	Engines     map[string]EngineConfig `yaml:"engines"`
	TTS         TTSConfig               `yaml:"tts"`
	History     HistoryConfig           `yaml:"history"`
}

func Default() Config {
	return Config{
		RuntimeName: "superfreetts",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Engines: map[string]EngineConfig{
			"kokoro": {
				MaxWorkers:   1,
				IdleTimeoutS: 120,
			},
			"mms": {
				MaxWorkers:   1,
				IdleTimeoutS: 120,
			},
			"piper": {
				ModelFlag:    "--model",
				ModelExt:     ".onnx",
				MaxWorkers:   3,
				IdleTimeoutS: 300,
			},
		},
		TTS: TTSConfig{
			Enabled:         false,
			DefaultEngine:   "piper",
			DefaultVoice:    "",
			RequestTimeoutS: 45,
			AudioBucket:     "superfreetts-audio",
			StderrTail:      20,
		},
		History: HistoryConfig{
			Path:          "./data/superfreetts-history.db",
			RetentionMode: "persistent",
			RetentionDays: 30,
			MaxRows:       10000,
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
	overrideString(&cfg.RuntimeName, "SUPERFREETTS_RUNTIME_NAME")
	overrideString(&cfg.Environment, "SUPERFREETTS_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "SUPERFREETTS_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "SUPERFREETTS_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "SUPERFREETTS_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "SUPERFREETTS_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "SUPERFREETTS_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "SUPERFREETTS_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "SUPERFREETTS_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "SUPERFREETTS_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "SUPERFREETTS_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "SUPERFREETTS_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "SUPERFREETTS_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "SUPERFREETTS_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "SUPERFREETTS_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "SUPERFREETTS_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "SUPERFREETTS_BUS_CONNECT_TIMEOUT_MS")
	overrideBool(&cfg.TTS.Enabled, "SUPERFREETTS_TTS_ENABLED")
	overrideString(&cfg.TTS.DefaultEngine, "SUPERFREETTS_TTS_DEFAULT_ENGINE")
	overrideString(&cfg.TTS.DefaultVoice, "SUPERFREETTS_TTS_DEFAULT_VOICE")
	overrideInt(&cfg.TTS.RequestTimeoutS, "SUPERFREETTS_TTS_REQUEST_TIMEOUT_S")
	overrideString(&cfg.TTS.AudioBucket, "SUPERFREETTS_TTS_AUDIO_BUCKET")
	overrideInt(&cfg.TTS.StderrTail, "SUPERFREETTS_TTS_STDERR_TAIL")
	overrideString(&cfg.History.Path, "SUPERFREETTS_HISTORY_PATH")
	overrideString(&cfg.History.RetentionMode, "SUPERFREETTS_HISTORY_RETENTION_MODE")
	overrideInt(&cfg.History.RetentionDays, "SUPERFREETTS_HISTORY_RETENTION_DAYS")
	overrideInt(&cfg.History.MaxRows, "SUPERFREETTS_HISTORY_MAX_ROWS")

	for name := range cfg.Engines {
		engine := cfg.Engines[name]
		prefix := "SUPERFREETTS_ENGINE_" + strings.ToUpper(name) + "_"
		overrideString(&engine.Command, prefix+"COMMAND")
		overrideString(&engine.ModelsDir, prefix+"MODELS_DIR")
		overrideString(&engine.ModelFlag, prefix+"MODEL_FLAG")
		overrideString(&engine.ModelExt, prefix+"MODEL_EXT")
		overrideString(&engine.WorkDir, prefix+"WORK_DIR")
		overrideInt(&engine.MaxWorkers, prefix+"MAX_WORKERS")
		overrideInt(&engine.IdleTimeoutS, prefix+"IDLE_TIMEOUT_S")
		cfg.Engines[name] = engine
	}
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
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
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
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	for name, engine := range cfg.Engines {
		if engine.MaxWorkers <= 0 {
			return fmt.Errorf("engines.%s.max_workers must be >= 1", name)
		}
		if engine.IdleTimeoutS <= 0 {
			return fmt.Errorf("engines.%s.idle_timeout_s must be positive", name)
		}
		if engine.Command != "" && engine.ModelFlag != "" && engine.ModelsDir == "" {
			return fmt.Errorf("engines.%s.models_dir must be set when model_flag is used", name)
		}
	}
	if cfg.TTS.Enabled {
		engine, ok := cfg.Engines[cfg.TTS.DefaultEngine]
		if !ok {
			return fmt.Errorf("tts.default_engine %q is not a configured engine", cfg.TTS.DefaultEngine)
		}
		if engine.Command == "" {
			return fmt.Errorf("engines.%s.command must be set when tts is enabled", cfg.TTS.DefaultEngine)
		}
		if cfg.TTS.RequestTimeoutS <= 0 {
			return errors.New("tts.request_timeout_s must be positive")
		}
		if cfg.TTS.StderrTail <= 0 {
			return errors.New("tts.stderr_tail must be positive")
		}
		if cfg.TTS.AudioBucket == "" {
			return errors.New("tts.audio_bucket must not be empty")
		}
	}
	switch cfg.History.RetentionMode {
	case "ephemeral", "persistent":
		// ok
	default:
		return errors.New("history.retention_mode must be one of ephemeral|persistent")
	}
	if cfg.History.RetentionMode == "persistent" && cfg.History.Path == "" {
		return errors.New("history.path must not be empty")
	}
	if cfg.History.RetentionDays < 0 {
		return errors.New("history.retention_days must be >= 0")
	}
	return nil
}

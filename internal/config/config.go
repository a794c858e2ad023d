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
	LogLevel         string  `yaml:"log_level"`
	OTLPEndpoint     string  `yaml:"otlp_endpoint"`
	OTLPInsecure     bool    `yaml:"otlp_insecure"`
	PrometheusBind   string  `yaml:"prometheus_bind"`
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"` // fraction of root spans kept
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Node        NodeConfig      `yaml:"node"`
	Catalog     CatalogConfig   `yaml:"catalog"`
	Synthesis   SynthesisConfig `yaml:"synthesis"`
	Lecture     LectureConfig   `yaml:"lecture"`
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

type NodeConfig struct {
	ID                string `yaml:"id"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

type CatalogConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"` // ephemeral, persistent
	RetentionDays int    `yaml:"retention_days"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type SynthesisConfig struct {
	Mode          string  `yaml:"mode"` // mock, exec
	Command       string  `yaml:"command"`
	Voice         string  `yaml:"voice"`
	Speed         float64 `yaml:"speed"`
	Language      string  `yaml:"language"`
	SampleRate    int     `yaml:"sample_rate"`
	ChunkMaxChars int     `yaml:"chunk_max_chars"`
	CacheEnabled  bool    `yaml:"cache_enabled"`
}

type LectureConfig struct {
	Enabled           bool   `yaml:"enabled"`
	OutputDir         string `yaml:"output_dir"`
	PublicPrefix      string `yaml:"public_prefix"`
	Theme             string `yaml:"theme"`
	AccentColor       string `yaml:"accent_color"`
	Watermark         string `yaml:"watermark"`
	RenderWorkers     int    `yaml:"render_workers"`
	MaxConcurrent     int    `yaml:"max_concurrent"`
	TimeoutSeconds    int    `yaml:"timeout_seconds"`
	SortCues          bool   `yaml:"sort_cues"`
	CueAllOccurrences bool   `yaml:"cue_all_occurrences"`
}

func Default() Config {
	return Config{
		RuntimeName: "lecture-runtime",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:         "info",
			OTLPEndpoint:     "",
			OTLPInsecure:     true,
			PrometheusBind:   ":9091",
			TraceSampleRatio: 1,
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "lecture-node-1",
			HeartbeatInterval: 5000,
			HeartbeatTimeout:  15000,
		},
		Catalog: CatalogConfig{
			Path:          "./data/lectures.db",
			RetentionMode: "persistent",
			RetentionDays: 0,
		},
		Synthesis: SynthesisConfig{
			Mode:          "mock",
			Voice:         "liam",
			Speed:         0.95,
			Language:      "en-us",
			SampleRate:    24000,
			ChunkMaxChars: 300,
			CacheEnabled:  true,
		},
		Lecture: LectureConfig{
			Enabled:        true,
			OutputDir:      "./public/lectures",
			PublicPrefix:   "/lectures",
			Theme:          "dark",
			AccentColor:    "#6366f1",
			Watermark:      "AetherLearn",
			RenderWorkers:  4,
			MaxConcurrent:  1,
			TimeoutSeconds: 900,
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
	overrideString(&cfg.RuntimeName, "LECTURE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LECTURE_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LECTURE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LECTURE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LECTURE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LECTURE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LECTURE_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LECTURE_TELEMETRY_PROMETHEUS_BIND")
	overrideFloat(&cfg.Telemetry.TraceSampleRatio, "LECTURE_TELEMETRY_TRACE_SAMPLE_RATIO")
	overrideBool(&cfg.Bus.Embedded, "LECTURE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LECTURE_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LECTURE_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LECTURE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LECTURE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LECTURE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LECTURE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LECTURE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LECTURE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "LECTURE_NODE_ID")
	overrideInt(&cfg.Node.HeartbeatInterval, "LECTURE_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "LECTURE_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.Catalog.Path, "LECTURE_CATALOG_PATH")
	overrideString(&cfg.Catalog.RetentionMode, "LECTURE_CATALOG_RETENTION_MODE")
	overrideInt(&cfg.Catalog.RetentionDays, "LECTURE_CATALOG_RETENTION_DAYS")
	overrideBool(&cfg.Catalog.VacuumOnStart, "LECTURE_CATALOG_VACUUM_ON_START")
	overrideString(&cfg.Synthesis.Mode, "LECTURE_SYNTHESIS_MODE")
	overrideString(&cfg.Synthesis.Command, "LECTURE_SYNTHESIS_COMMAND")
	overrideString(&cfg.Synthesis.Voice, "LECTURE_SYNTHESIS_VOICE")
	overrideFloat(&cfg.Synthesis.Speed, "LECTURE_SYNTHESIS_SPEED")
	overrideString(&cfg.Synthesis.Language, "LECTURE_SYNTHESIS_LANGUAGE")
	overrideInt(&cfg.Synthesis.SampleRate, "LECTURE_SYNTHESIS_SAMPLE_RATE")
	overrideInt(&cfg.Synthesis.ChunkMaxChars, "LECTURE_SYNTHESIS_CHUNK_MAX_CHARS")
	overrideBool(&cfg.Synthesis.CacheEnabled, "LECTURE_SYNTHESIS_CACHE_ENABLED")
	overrideBool(&cfg.Lecture.Enabled, "LECTURE_ENABLED")
	overrideString(&cfg.Lecture.OutputDir, "LECTURE_OUTPUT_DIR")
	overrideString(&cfg.Lecture.PublicPrefix, "LECTURE_PUBLIC_PREFIX")
	overrideString(&cfg.Lecture.Theme, "LECTURE_THEME")
	overrideString(&cfg.Lecture.AccentColor, "LECTURE_ACCENT_COLOR")
	overrideString(&cfg.Lecture.Watermark, "LECTURE_WATERMARK")
	overrideInt(&cfg.Lecture.RenderWorkers, "LECTURE_RENDER_WORKERS")
	overrideInt(&cfg.Lecture.MaxConcurrent, "LECTURE_MAX_CONCURRENT")
	overrideInt(&cfg.Lecture.TimeoutSeconds, "LECTURE_TIMEOUT_SECONDS")
	overrideBool(&cfg.Lecture.SortCues, "LECTURE_SORT_CUES")
	overrideBool(&cfg.Lecture.CueAllOccurrences, "LECTURE_CUE_ALL_OCCURRENCES")
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
	switch strings.ToLower(cfg.Telemetry.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
	}
	if cfg.Telemetry.TraceSampleRatio < 0 || cfg.Telemetry.TraceSampleRatio > 1 {
		return errors.New("telemetry.trace_sample_ratio must be between 0 and 1")
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
	if cfg.Node.ID == "" {
		return errors.New("node.id must not be empty")
	}
	if cfg.Node.HeartbeatInterval <= 0 {
		return errors.New("node.heartbeat_interval_ms must be positive")
	}
	if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
		return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
	}
	switch cfg.Catalog.RetentionMode {
	case "ephemeral", "persistent":
		// ok
	default:
		return errors.New("catalog.retention_mode must be one of ephemeral|persistent")
	}
	if cfg.Catalog.RetentionMode == "persistent" && cfg.Catalog.Path == "" {
		return errors.New("catalog.path must not be empty when retention_mode=persistent")
	}
	if cfg.Catalog.RetentionDays < 0 {
		return errors.New("catalog.retention_days must be >= 0")
	}
	switch cfg.Synthesis.Mode {
	case "mock", "exec":
	default:
		return errors.New("synthesis.mode must be one of mock|exec")
	}
	if cfg.Synthesis.Mode == "exec" && cfg.Synthesis.Command == "" {
		return errors.New("synthesis.command must be set when mode=exec")
	}
	if cfg.Synthesis.Speed < 0.5 || cfg.Synthesis.Speed > 2.0 {
		return errors.New("synthesis.speed must be between 0.5 and 2.0")
	}
	if cfg.Synthesis.SampleRate <= 0 {
		return errors.New("synthesis.sample_rate must be positive")
	}
	if cfg.Synthesis.ChunkMaxChars <= 0 {
		return errors.New("synthesis.chunk_max_chars must be positive")
	}
	if cfg.Lecture.OutputDir == "" {
		return errors.New("lecture.output_dir must not be empty")
	}
	switch cfg.Lecture.Theme {
	case "dark", "light":
	default:
		return errors.New("lecture.theme must be one of dark|light")
	}
	if cfg.Lecture.RenderWorkers <= 0 {
		return errors.New("lecture.render_workers must be >= 1")
	}
	if cfg.Lecture.Enabled {
		if cfg.Lecture.MaxConcurrent <= 0 {
			return errors.New("lecture.max_concurrent must be >= 1")
		}
		if cfg.Lecture.TimeoutSeconds <= 0 {
			return errors.New("lecture.timeout_seconds must be positive")
		}
	}
	return nil
}

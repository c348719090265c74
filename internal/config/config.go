package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	TraceStdout  bool   `yaml:"trace_stdout"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName  string          `yaml:"runtime_name"`
	Environment  string          `yaml:"environment"`
	SettingsPath string          `yaml:"settings_path"`
	HTTP         HTTPConfig      `yaml:"http"`
	Telemetry    TelemetryConfig `yaml:"telemetry"`
	Bus          BusConfig       `yaml:"bus"`
	Backend      BackendConfig   `yaml:"backend"`
	Realtime     RealtimeConfig  `yaml:"realtime"`
	Outbox       OutboxConfig    `yaml:"outbox"`
	Audio        AudioConfig     `yaml:"audio"`
	Paste        PasteConfig     `yaml:"paste"`
	Notify       NotifyConfig    `yaml:"notify"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Token          string   `yaml:"token"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type BackendConfig struct {
	BaseURL        string `yaml:"base_url"`
	AccessToken    string `yaml:"access_token"`
	RequestTimeout int    `yaml:"request_timeout_s"`
	EnableHTTP2    bool   `yaml:"enable_http2"`
	VerifySSL      bool   `yaml:"verify_ssl"`
	UploadPath     string `yaml:"upload_path"`
	StatsPath      string `yaml:"stats_path"`
}

type RealtimeConfig struct {
	URL              string `yaml:"url"`
	Path             string `yaml:"path"`
	CommitTimeoutMS  int    `yaml:"commit_timeout_ms"`
	ConnectTimeoutMS int    `yaml:"connect_timeout_ms"`
	DefaultModel     string `yaml:"default_model"`
}

type OutboxConfig struct {
	Path     string `yaml:"path"`
	MaxItems int    `yaml:"max_items"`
}

type AudioConfig struct {
	RecordingsDir    string `yaml:"recordings_dir"`
	DeviceSampleRate int    `yaml:"device_sample_rate"`
	TargetSampleRate int    `yaml:"target_sample_rate"`
	FrameDurationMS  int    `yaml:"frame_duration_ms"`
	MinDurationMS    int    `yaml:"min_duration_ms"`
	ClipSliceMS      int    `yaml:"clip_slice_ms"`
	Format           string `yaml:"format"`
}

type PasteConfig struct {
	PrePasteDelayMS int    `yaml:"pre_paste_delay_ms"`
	RestoreDelayMS  int    `yaml:"restore_delay_ms"`
	Command         string `yaml:"command"`
}

type NotifyConfig struct {
	Desktop bool `yaml:"desktop"`
}

func Default() Config {
	return Config{
		RuntimeName:  "sayflowd",
		Environment:  "development",
		SettingsPath: "./data/settings.yaml",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 7311,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4333,
			Servers:        []string{"nats://127.0.0.1:4333"},
			ConnectTimeout: 2000,
		},
		Backend: BackendConfig{
			BaseURL:        "http://localhost:8000",
			RequestTimeout: 60,
			EnableHTTP2:    true,
			VerifySSL:      true,
			UploadPath:     "/v1/transcriptions",
			StatsPath:      "/v1/stats",
		},
		Realtime: RealtimeConfig{
			Path:             "/v1/realtime/transcribe",
			CommitTimeoutMS:  3000,
			ConnectTimeoutMS: 10000,
			DefaultModel:     "gpt-4o-mini-transcribe",
		},
		Outbox: OutboxConfig{
			Path:     "./data/outbox.db",
			MaxItems: 50,
		},
		Audio: AudioConfig{
			RecordingsDir:    "./data/recordings",
			DeviceSampleRate: 48000,
			TargetSampleRate: 24000,
			FrameDurationMS:  100,
			MinDurationMS:    200,
			ClipSliceMS:      100,
			Format:           "wav",
		},
		Paste: PasteConfig{
			PrePasteDelayMS: 100,
			RestoreDelayMS:  800,
		},
		Notify: NotifyConfig{
			Desktop: true,
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

// RealtimeURL returns the realtime endpoint, derived from the backend base
// URL when not set explicitly.
func (c Config) RealtimeURL() (string, error) {
	if strings.TrimSpace(c.Realtime.URL) != "" {
		return c.Realtime.URL, nil
	}
	u, err := url.Parse(c.Backend.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse backend base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported backend scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + c.Realtime.Path
	return u.String(), nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "SAYFLOW_RUNTIME_NAME")
	overrideString(&cfg.Environment, "SAYFLOW_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.SettingsPath, "SAYFLOW_SETTINGS_PATH")
	overrideString(&cfg.HTTP.Bind, "SAYFLOW_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "SAYFLOW_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "SAYFLOW_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "SAYFLOW_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "SAYFLOW_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.TraceStdout, "SAYFLOW_TELEMETRY_TRACE_STDOUT")
	overrideBool(&cfg.Bus.Embedded, "SAYFLOW_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "SAYFLOW_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "SAYFLOW_BUS_SERVERS")
	overrideString(&cfg.Bus.Token, "SAYFLOW_BUS_TOKEN")
	overrideInt(&cfg.Bus.ConnectTimeout, "SAYFLOW_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Backend.BaseURL, "SAYFLOW_API_BASE_URL")
	overrideString(&cfg.Backend.AccessToken, "SAYFLOW_ACCESS_TOKEN")
	overrideInt(&cfg.Backend.RequestTimeout, "SAYFLOW_BACKEND_REQUEST_TIMEOUT_S")
	overrideBool(&cfg.Backend.EnableHTTP2, "SAYFLOW_BACKEND_ENABLE_HTTP2")
	overrideBool(&cfg.Backend.VerifySSL, "SAYFLOW_BACKEND_VERIFY_SSL")
	overrideString(&cfg.Realtime.URL, "SAYFLOW_REALTIME_URL")
	overrideInt(&cfg.Realtime.CommitTimeoutMS, "SAYFLOW_REALTIME_COMMIT_TIMEOUT_MS")
	overrideInt(&cfg.Realtime.ConnectTimeoutMS, "SAYFLOW_REALTIME_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Realtime.DefaultModel, "SAYFLOW_REALTIME_DEFAULT_MODEL")
	overrideString(&cfg.Outbox.Path, "SAYFLOW_OUTBOX_PATH")
	overrideInt(&cfg.Outbox.MaxItems, "SAYFLOW_OUTBOX_MAX_ITEMS")
	overrideString(&cfg.Audio.RecordingsDir, "SAYFLOW_AUDIO_RECORDINGS_DIR")
	overrideInt(&cfg.Audio.DeviceSampleRate, "SAYFLOW_AUDIO_DEVICE_SAMPLE_RATE")
	overrideInt(&cfg.Audio.TargetSampleRate, "SAYFLOW_AUDIO_TARGET_SAMPLE_RATE")
	overrideInt(&cfg.Audio.FrameDurationMS, "SAYFLOW_AUDIO_FRAME_DURATION_MS")
	overrideInt(&cfg.Audio.MinDurationMS, "SAYFLOW_AUDIO_MIN_DURATION_MS")
	overrideInt(&cfg.Paste.PrePasteDelayMS, "SAYFLOW_PASTE_PRE_DELAY_MS")
	overrideInt(&cfg.Paste.RestoreDelayMS, "SAYFLOW_PASTE_RESTORE_DELAY_MS")
	overrideString(&cfg.Paste.Command, "SAYFLOW_PASTE_COMMAND")
	overrideBool(&cfg.Notify.Desktop, "SAYFLOW_NOTIFY_DESKTOP")
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
	if cfg.SettingsPath == "" {
		return errors.New("settings_path must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch strings.ToLower(cfg.Telemetry.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
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
	if cfg.Backend.BaseURL == "" {
		return errors.New("backend.base_url must not be empty")
	}
	if cfg.Backend.RequestTimeout <= 0 {
		return errors.New("backend.request_timeout_s must be positive")
	}
	if cfg.Realtime.CommitTimeoutMS <= 0 {
		return errors.New("realtime.commit_timeout_ms must be positive")
	}
	if cfg.Realtime.ConnectTimeoutMS <= 0 {
		return errors.New("realtime.connect_timeout_ms must be positive")
	}
	if _, err := cfg.RealtimeURL(); err != nil {
		return fmt.Errorf("realtime url: %w", err)
	}
	if cfg.Outbox.Path == "" {
		return errors.New("outbox.path must not be empty")
	}
	if cfg.Outbox.MaxItems <= 0 {
		return errors.New("outbox.max_items must be >= 1")
	}
	if cfg.Audio.RecordingsDir == "" {
		return errors.New("audio.recordings_dir must not be empty")
	}
	if cfg.Audio.DeviceSampleRate <= 0 || cfg.Audio.TargetSampleRate <= 0 {
		return errors.New("audio sample rates must be positive")
	}
	if cfg.Audio.DeviceSampleRate%cfg.Audio.TargetSampleRate != 0 {
		return errors.New("audio.device_sample_rate must be an integer multiple of audio.target_sample_rate")
	}
	if cfg.Audio.FrameDurationMS <= 0 {
		return errors.New("audio.frame_duration_ms must be positive")
	}
	if cfg.Audio.ClipSliceMS <= 0 {
		return errors.New("audio.clip_slice_ms must be positive")
	}
	if cfg.Audio.MinDurationMS < 0 {
		return errors.New("audio.min_duration_ms must be >= 0")
	}
	if cfg.Paste.PrePasteDelayMS < 0 || cfg.Paste.RestoreDelayMS < 0 {
		return errors.New("paste delays must be >= 0")
	}
	return nil
}

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/flowz/backend/internal/editor"
	"github.com/spf13/viper"
)

const (
	envPrefix                 = "FLOWZ"
	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultDatabasePath       = "flowz.db"
	defaultLogLevel           = "info"
	defaultLogFormat          = "json"
	defaultCookieName         = "flowz_session"
	defaultSessionIssuer      = "flowz-auth"
	defaultStudioPollInterval = 3 * time.Second
	defaultStudioConcurrency  = 4
	defaultStudioTimeout      = 30 * time.Second
	defaultStudioBatchTimeout = 5 * time.Minute
	defaultHeartbeatInterval  = 25 * time.Second
)

// StudioConfig configures the Photo Studio batch pipeline.
type StudioConfig struct {
	Endpoint        string
	CallbackBaseURL string
	CallbackToken   string
	PollInterval    time.Duration
	Concurrency     int
	RequestTimeout  time.Duration
	BatchTimeout    time.Duration
	// PresetsPath points at a YAML scene catalog; empty uses the embedded one.
	PresetsPath string
}

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress       string
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	SessionSigningKey string
	SessionIssuer     string
	SessionCookieName string
	DatabasePath      string
	LogLevel          string
	LogFormat         string
	Editor            editor.Timing
	ReadOnlyFields    []string
	Studio            StudioConfig
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{"*"})
	configViper.SetDefault("http.heartbeat_interval", defaultHeartbeatInterval)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("session.issuer", defaultSessionIssuer)
	configViper.SetDefault("session.cookie_name", defaultCookieName)

	timing := editor.DefaultTiming()
	configViper.SetDefault("editor.history_capacity", timing.HistoryCapacity)
	configViper.SetDefault("editor.history_debounce", timing.HistoryDebounce)
	configViper.SetDefault("editor.fetch_stabilization", timing.FetchStabilization)
	configViper.SetDefault("editor.save_stabilization", timing.SaveStabilization)
	configViper.SetDefault("editor.auto_save_debounce", timing.AutoSaveDebounce)
	configViper.SetDefault("editor.manual_save_cooldown", timing.ManualSaveCooldown)
	configViper.SetDefault("editor.saved_status_display", timing.SavedStatusDisplay)
	configViper.SetDefault("editor.error_status_display", timing.ErrorStatusDisplay)
	configViper.SetDefault("editor.request_timeout", timing.RequestTimeout)
	configViper.SetDefault("editor.auto_version_interval", timing.AutoVersionInterval)
	configViper.SetDefault("editor.read_only_fields", []string{})

	configViper.SetDefault("studio.poll_interval", defaultStudioPollInterval)
	configViper.SetDefault("studio.concurrency", defaultStudioConcurrency)
	configViper.SetDefault("studio.request_timeout", defaultStudioTimeout)
	configViper.SetDefault("studio.batch_timeout", defaultStudioBatchTimeout)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		AllowedOrigins:    splitList(configViper.GetStringSlice("http.allowed_origins")),
		HeartbeatInterval: configViper.GetDuration("http.heartbeat_interval"),
		SessionSigningKey: configViper.GetString("session.signing_secret"),
		SessionIssuer:     configViper.GetString("session.issuer"),
		SessionCookieName: configViper.GetString("session.cookie_name"),
		DatabasePath:      configViper.GetString("database.path"),
		LogLevel:          configViper.GetString("log.level"),
		LogFormat:         configViper.GetString("log.format"),
		Editor: editor.Timing{
			HistoryCapacity:     configViper.GetInt("editor.history_capacity"),
			HistoryDebounce:     configViper.GetDuration("editor.history_debounce"),
			FetchStabilization:  configViper.GetDuration("editor.fetch_stabilization"),
			SaveStabilization:   configViper.GetDuration("editor.save_stabilization"),
			AutoSaveDebounce:    configViper.GetDuration("editor.auto_save_debounce"),
			ManualSaveCooldown:  configViper.GetDuration("editor.manual_save_cooldown"),
			SavedStatusDisplay:  configViper.GetDuration("editor.saved_status_display"),
			ErrorStatusDisplay:  configViper.GetDuration("editor.error_status_display"),
			RequestTimeout:      configViper.GetDuration("editor.request_timeout"),
			AutoVersionInterval: configViper.GetDuration("editor.auto_version_interval"),
		},
		ReadOnlyFields: splitList(configViper.GetStringSlice("editor.read_only_fields")),
		Studio: StudioConfig{
			Endpoint:        configViper.GetString("studio.endpoint"),
			CallbackBaseURL: configViper.GetString("studio.callback_base_url"),
			CallbackToken:   configViper.GetString("studio.callback_token"),
			PollInterval:    configViper.GetDuration("studio.poll_interval"),
			Concurrency:     configViper.GetInt("studio.concurrency"),
			RequestTimeout:  configViper.GetDuration("studio.request_timeout"),
			BatchTimeout:    configViper.GetDuration("studio.batch_timeout"),
			PresetsPath:     configViper.GetString("studio.presets_path"),
		},
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SessionSigningKey) == "" {
		return fmt.Errorf("session.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.SessionCookieName) == "" {
		return fmt.Errorf("session.cookie_name is required")
	}
	if c.Editor.HistoryCapacity <= 0 {
		return fmt.Errorf("editor.history_capacity must be positive")
	}
	durations := map[string]time.Duration{
		"editor.history_debounce":      c.Editor.HistoryDebounce,
		"editor.fetch_stabilization":   c.Editor.FetchStabilization,
		"editor.save_stabilization":    c.Editor.SaveStabilization,
		"editor.auto_save_debounce":    c.Editor.AutoSaveDebounce,
		"editor.manual_save_cooldown":  c.Editor.ManualSaveCooldown,
		"editor.saved_status_display":  c.Editor.SavedStatusDisplay,
		"editor.error_status_display":  c.Editor.ErrorStatusDisplay,
		"editor.request_timeout":       c.Editor.RequestTimeout,
		"editor.auto_version_interval": c.Editor.AutoVersionInterval,
		"studio.poll_interval":         c.Studio.PollInterval,
		"studio.request_timeout":       c.Studio.RequestTimeout,
		"studio.batch_timeout":         c.Studio.BatchTimeout,
		"http.heartbeat_interval":      c.HeartbeatInterval,
	}
	for key, value := range durations {
		if value <= 0 {
			return fmt.Errorf("%s must be a positive duration", key)
		}
	}
	if c.Studio.Concurrency <= 0 {
		return fmt.Errorf("studio.concurrency must be positive")
	}
	if c.Studio.Endpoint != "" && strings.TrimSpace(c.Studio.CallbackBaseURL) == "" {
		return fmt.Errorf("studio.callback_base_url is required when studio.endpoint is set")
	}
	return nil
}

// splitList accepts both YAML lists and comma separated env values.
func splitList(values []string) []string {
	result := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
	}
	return result
}

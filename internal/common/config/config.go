// Package config provides configuration management for the gateway.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the gateway.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Upstream UpstreamConfig `mapstructure:"upstream"`
	Ask      AskConfig      `mapstructure:"ask"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Threads  ThreadsConfig  `mapstructure:"threads"`
	Dispatch DispatchConfig `mapstructure:"dispatch"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	ReadTimeout int    `mapstructure:"readTimeout"` // in seconds
	// WriteTimeout defaults to 0 (unlimited): /ask holds the response open
	// for up to the caller's timeoutSeconds while polling upstream.
	WriteTimeout int `mapstructure:"writeTimeout"`
}

// UpstreamConfig holds the agent gateway connection configuration.
type UpstreamConfig struct {
	URL            string `mapstructure:"url"`
	GatewayToken   string `mapstructure:"gatewayToken"`   // bearer for /tools/invoke
	HooksToken     string `mapstructure:"hooksToken"`     // bearer for /hooks/agent
	TimeoutSeconds int    `mapstructure:"timeoutSeconds"` // per outbound call
}

// AskConfig holds the /ask flow tuning knobs.
type AskConfig struct {
	DefaultTimeoutSeconds int `mapstructure:"defaultTimeoutSeconds"`
	PollIntervalSeconds   int `mapstructure:"pollIntervalSeconds"`
	InitialDelaySeconds   int `mapstructure:"initialDelaySeconds"`
}

// AuthConfig names the secret sources and the HMAC replay window.
// Secrets themselves are resolved per request by the auth package so that
// rotating the env var or file does not require a restart.
type AuthConfig struct {
	SecretEnv         string `mapstructure:"secretEnv"`
	SecretFile        string `mapstructure:"secretFile"`
	WebhookSecretEnv  string `mapstructure:"webhookSecretEnv"`
	WebhookSecretFile string `mapstructure:"webhookSecretFile"`
	ToleranceSeconds  int    `mapstructure:"toleranceSeconds"`
}

// ThreadsConfig holds the thread log storage configuration.
type ThreadsConfig struct {
	Dir string `mapstructure:"dir"`
}

// DispatchConfig holds dispatch task defaults.
type DispatchConfig struct {
	DefaultTimeoutSeconds int    `mapstructure:"defaultTimeoutSeconds"`
	Workdir               string `mapstructure:"workdir"`
	MaxTurns              int    `mapstructure:"maxTurns"`
	EarlyCheckSeconds     int    `mapstructure:"earlyCheckSeconds"`
}

// NATSConfig holds NATS messaging configuration.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// Addr returns the host:port listen address.
func (s *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Timeout returns the per-call upstream timeout as a time.Duration.
func (u *UpstreamConfig) Timeout() time.Duration {
	return time.Duration(u.TimeoutSeconds) * time.Second
}

// PollInterval returns the history poll cadence as a time.Duration.
func (a *AskConfig) PollInterval() time.Duration {
	return time.Duration(a.PollIntervalSeconds) * time.Second
}

// InitialDelay returns the pre-poll delay as a time.Duration.
func (a *AskConfig) InitialDelay() time.Duration {
	return time.Duration(a.InitialDelaySeconds) * time.Second
}

// Tolerance returns the HMAC timestamp window as a time.Duration.
func (a *AuthConfig) Tolerance() time.Duration {
	return time.Duration(a.ToleranceSeconds) * time.Second
}

// EarlyCheck returns the dispatch early-completion window as a time.Duration.
func (d *DispatchConfig) EarlyCheck() time.Duration {
	return time.Duration(d.EarlyCheckSeconds) * time.Second
}

// DefaultTimeout returns the dispatch default task timeout as a time.Duration.
func (d *DispatchConfig) DefaultTimeout() time.Duration {
	return time.Duration(d.DefaultTimeoutSeconds) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("EDIGW_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 19001)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 0)

	// Upstream agent gateway defaults
	v.SetDefault("upstream.url", "http://127.0.0.1:18789")
	v.SetDefault("upstream.gatewayToken", "")
	v.SetDefault("upstream.hooksToken", "")
	v.SetDefault("upstream.timeoutSeconds", 15)

	// Ask flow defaults
	v.SetDefault("ask.defaultTimeoutSeconds", 120)
	v.SetDefault("ask.pollIntervalSeconds", 1)
	v.SetDefault("ask.initialDelaySeconds", 2)

	// Auth defaults
	v.SetDefault("auth.secretEnv", "EDI_AUTH_SECRET")
	v.SetDefault("auth.secretFile", "/etc/edi/secret")
	v.SetDefault("auth.webhookSecretEnv", "EDI_WEBHOOK_SECRET")
	v.SetDefault("auth.webhookSecretFile", "/etc/edi/webhook-secret")
	v.SetDefault("auth.toleranceSeconds", 300)

	// Thread storage defaults
	v.SetDefault("threads.dir", "~/.edigw/threads")

	// Dispatch defaults
	v.SetDefault("dispatch.defaultTimeoutSeconds", 3600)
	v.SetDefault("dispatch.workdir", "~")
	v.SetDefault("dispatch.maxTurns", 25)
	v.SetDefault("dispatch.earlyCheckSeconds", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix EDI_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory,
// ./config, $HOME/.edigw, or /etc/edigw.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("EDI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings where the published env var name differs from the
	// camelCase config key.
	_ = v.BindEnv("dispatch.defaultTimeoutSeconds", "EDI_DISPATCH_TIMEOUT")
	_ = v.BindEnv("dispatch.workdir", "EDI_DISPATCH_WORKDIR")
	_ = v.BindEnv("dispatch.maxTurns", "EDI_DISPATCH_MAX_TURNS")
	_ = v.BindEnv("dispatch.earlyCheckSeconds", "EDI_DISPATCH_EARLY_CHECK")
	_ = v.BindEnv("upstream.url", "EDI_UPSTREAM_URL")
	_ = v.BindEnv("upstream.gatewayToken", "EDI_UPSTREAM_GATEWAY_TOKEN")
	_ = v.BindEnv("upstream.hooksToken", "EDI_UPSTREAM_HOOKS_TOKEN")
	_ = v.BindEnv("threads.dir", "EDI_THREADS_DIR")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".edigw"))
	}
	v.AddConfigPath("/etc/edigw/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	applyFileFallbacks(&cfg)
	expandPaths(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// applyFileFallbacks resolves the dispatch knobs that publish an env-then-file
// contract: the env var wins, then the contents of a well-known file, then
// whatever viper resolved. Unreadable or unparsable files are skipped.
func applyFileFallbacks(cfg *Config) {
	if s, ok := envOrFile("EDI_DISPATCH_TIMEOUT", "/etc/edi/dispatch-timeout"); ok {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			cfg.Dispatch.DefaultTimeoutSeconds = n
		}
	}
	if s, ok := envOrFile("EDI_DISPATCH_WORKDIR", "/etc/edi/dispatch-workdir"); ok {
		cfg.Dispatch.Workdir = s
	}
	if s, ok := envOrFile("EDI_DISPATCH_MAX_TURNS", "/etc/edi/max-turns"); ok {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			cfg.Dispatch.MaxTurns = n
		}
	}
	if s, ok := envOrFile("EDI_DISPATCH_EARLY_CHECK", "/etc/edi/early-check"); ok {
		if n, err := strconv.Atoi(s); err == nil && n >= 0 {
			cfg.Dispatch.EarlyCheckSeconds = n
		}
	}
}

// envOrFile returns the trimmed env value when set, else the trimmed file
// contents when readable and non-empty.
func envOrFile(envKey, filePath string) (string, bool) {
	if s := strings.TrimSpace(os.Getenv(envKey)); s != "" {
		return s, true
	}
	if b, err := os.ReadFile(filePath); err == nil {
		if s := strings.TrimSpace(string(b)); s != "" {
			return s, true
		}
	}
	return "", false
}

// expandPaths tilde-expands the path-valued settings.
func expandPaths(cfg *Config) {
	cfg.Threads.Dir = ExpandTilde(cfg.Threads.Dir)
	cfg.Dispatch.Workdir = ExpandTilde(cfg.Dispatch.Workdir)
}

// Redacted returns the effective configuration as a nested map in config-file
// key order, with secret-bearing values masked. Used by --print-config.
func (c *Config) Redacted() map[string]interface{} {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "***"
	}
	return map[string]interface{}{
		"server": map[string]interface{}{
			"host":         c.Server.Host,
			"port":         c.Server.Port,
			"readTimeout":  c.Server.ReadTimeout,
			"writeTimeout": c.Server.WriteTimeout,
		},
		"upstream": map[string]interface{}{
			"url":            c.Upstream.URL,
			"gatewayToken":   mask(c.Upstream.GatewayToken),
			"hooksToken":     mask(c.Upstream.HooksToken),
			"timeoutSeconds": c.Upstream.TimeoutSeconds,
		},
		"ask": map[string]interface{}{
			"defaultTimeoutSeconds": c.Ask.DefaultTimeoutSeconds,
			"pollIntervalSeconds":   c.Ask.PollIntervalSeconds,
			"initialDelaySeconds":   c.Ask.InitialDelaySeconds,
		},
		"auth": map[string]interface{}{
			"secretEnv":         c.Auth.SecretEnv,
			"secretFile":        c.Auth.SecretFile,
			"webhookSecretEnv":  c.Auth.WebhookSecretEnv,
			"webhookSecretFile": c.Auth.WebhookSecretFile,
			"toleranceSeconds":  c.Auth.ToleranceSeconds,
		},
		"threads": map[string]interface{}{
			"dir": c.Threads.Dir,
		},
		"dispatch": map[string]interface{}{
			"defaultTimeoutSeconds": c.Dispatch.DefaultTimeoutSeconds,
			"workdir":               c.Dispatch.Workdir,
			"maxTurns":              c.Dispatch.MaxTurns,
			"earlyCheckSeconds":     c.Dispatch.EarlyCheckSeconds,
		},
		"nats": map[string]interface{}{
			"url":           c.NATS.URL,
			"maxReconnects": c.NATS.MaxReconnects,
		},
		"logging": map[string]interface{}{
			"level":      c.Logging.Level,
			"format":     c.Logging.Format,
			"outputPath": c.Logging.OutputPath,
		},
	}
}

// ExpandTilde replaces a leading ~ or ~/ with the current user's home directory.
func ExpandTilde(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Upstream.URL == "" {
		errs = append(errs, "upstream.url is required")
	}
	if cfg.Upstream.TimeoutSeconds <= 0 {
		errs = append(errs, "upstream.timeoutSeconds must be positive")
	}

	if cfg.Ask.DefaultTimeoutSeconds <= 0 {
		errs = append(errs, "ask.defaultTimeoutSeconds must be positive")
	}
	if cfg.Ask.PollIntervalSeconds <= 0 {
		errs = append(errs, "ask.pollIntervalSeconds must be positive")
	}
	if cfg.Ask.InitialDelaySeconds < 0 {
		errs = append(errs, "ask.initialDelaySeconds must not be negative")
	}

	if cfg.Auth.ToleranceSeconds <= 0 {
		errs = append(errs, "auth.toleranceSeconds must be positive")
	}

	if cfg.Threads.Dir == "" {
		errs = append(errs, "threads.dir is required")
	}

	if cfg.Dispatch.DefaultTimeoutSeconds <= 0 {
		errs = append(errs, "dispatch.defaultTimeoutSeconds must be positive")
	}
	if cfg.Dispatch.MaxTurns <= 0 {
		errs = append(errs, "dispatch.maxTurns must be positive")
	}
	if cfg.Dispatch.EarlyCheckSeconds < 0 {
		errs = append(errs, "dispatch.earlyCheckSeconds must not be negative")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

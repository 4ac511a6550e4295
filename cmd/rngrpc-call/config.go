package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/ygrpc/rngrpc/connectbridge"
)

// EnvLogLevel overrides the configured log level.
const EnvLogLevel = "RNGRPC_LOG_LEVEL"

// callConfig is everything one invocation needs.
type callConfig struct {
	Address    string
	Path       string
	Cleartext  bool
	Protocol   connectbridge.Protocol
	Timeout    time.Duration
	Headers    http.Header
	RequestIDs bool
	MaxCalls   int
	LogLevel   slog.Level
}

func defaultCallConfig() callConfig {
	return callConfig{
		Timeout:    30 * time.Second,
		Headers:    make(http.Header),
		RequestIDs: true,
		LogLevel:   slog.LevelInfo,
	}
}

// rngrpc-call config.toml key mapping to callConfig.
type fileConfig struct {
	Address    string            `toml:"address"`
	Path       string            `toml:"path"`
	Cleartext  bool              `toml:"cleartext"`
	Protocol   string            `toml:"protocol"`
	Timeout    string            `toml:"timeout"`
	Headers    map[string]string `toml:"headers"`
	RequestIDs bool              `toml:"request_ids"`
	MaxCalls   int               `toml:"max_calls"`
	LogLevel   string            `toml:"log_level"`
}

// loadCallConfig overlays the keys defined in the TOML file at path onto cfg.
func loadCallConfig(path string, cfg callConfig) (callConfig, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return callConfig{}, fmt.Errorf("load rngrpc-call config: %w", err)
	}

	if meta.IsDefined("address") {
		cfg.Address = strings.TrimSpace(raw.Address)
	}
	if meta.IsDefined("path") {
		cfg.Path = strings.TrimSpace(raw.Path)
	}
	if meta.IsDefined("cleartext") {
		cfg.Cleartext = raw.Cleartext
	}
	if meta.IsDefined("protocol") {
		p, err := connectbridge.ParseProtocol(raw.Protocol)
		if err != nil {
			return callConfig{}, fmt.Errorf("load rngrpc-call config: %w", err)
		}
		cfg.Protocol = p
	}
	if meta.IsDefined("timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Timeout))
		if err != nil {
			return callConfig{}, fmt.Errorf("load rngrpc-call config: timeout: %w", err)
		}
		cfg.Timeout = d
	}
	if meta.IsDefined("headers") {
		for k, v := range raw.Headers {
			cfg.Headers.Set(k, v)
		}
	}
	if meta.IsDefined("request_ids") {
		cfg.RequestIDs = raw.RequestIDs
	}
	if meta.IsDefined("max_calls") {
		if raw.MaxCalls < 0 {
			return callConfig{}, fmt.Errorf("load rngrpc-call config: max_calls must not be negative, got %d", raw.MaxCalls)
		}
		cfg.MaxCalls = raw.MaxCalls
	}
	if meta.IsDefined("log_level") {
		lvl, ok := parseLevel(raw.LogLevel)
		if !ok {
			return callConfig{}, fmt.Errorf("load rngrpc-call config: unknown log_level %q", raw.LogLevel)
		}
		cfg.LogLevel = lvl
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *callConfig) {
	if lvl, ok := parseLevel(os.Getenv(EnvLogLevel)); ok {
		cfg.LogLevel = lvl
	}
}

func parseLevel(raw string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug", "trace":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}

// transportOptions maps cfg onto connectbridge options.
func (cfg callConfig) transportOptions(logger *slog.Logger) []connectbridge.Option {
	opts := []connectbridge.Option{
		connectbridge.WithLogger(logger),
		connectbridge.WithTimeout(cfg.Timeout),
		connectbridge.WithMaxConcurrentCalls(cfg.MaxCalls),
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, connectbridge.WithDefaultHeaders(cfg.Headers))
	}
	if cfg.Protocol != "" {
		opts = append(opts, connectbridge.WithProtocolOption(cfg.Protocol))
	}
	if cfg.Cleartext {
		opts = append(opts, connectbridge.WithCleartext())
	}
	if cfg.RequestIDs {
		opts = append(opts, connectbridge.WithRequestIDs())
	}
	return opts
}

// Package kernelconfig loads the kernel's runtime configuration.
package kernelconfig

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for a kernel process. Every field has a
// documented default applied by Default(), mirroring the
// default-then-override merge pattern the rest of this codebase uses for
// per-call option structs.
type Config struct {
	Procedure ProcedureConfig `yaml:"procedure"`
	Channel   ChannelConfig   `yaml:"channel"`
	ToolExec  ToolExecConfig  `yaml:"tool_exec"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ProcedureConfig configures Procedure defaults.
type ProcedureConfig struct {
	// DefaultTimeout bounds a Procedure invocation when withTimeout wasn't
	// used explicitly. Zero means no default timeout is applied.
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	// MaxMiddleware is the configured per-Procedure middleware count. The
	// kernel does not read it: Procedure.Use accepts any number of
	// middlewares regardless of this value.
	MaxMiddleware int `yaml:"max_middleware"`
}

// ChannelConfig configures Channel/ChannelSession behavior.
type ChannelConfig struct {
	// ResponseCacheTTL is the grace window publish() keeps a response
	// available to a waitForResponse() call that arrives slightly late.
	ResponseCacheTTL time.Duration `yaml:"response_cache_ttl"`
}

// ToolExecConfig configures the tool executor.
type ToolExecConfig struct {
	Concurrency     int           `yaml:"concurrency"`
	PerToolTimeout  time.Duration `yaml:"per_tool_timeout"`
	MaxAttempts     int           `yaml:"max_attempts"`
	RetryBackoff    time.Duration `yaml:"retry_backoff"`
	ConfirmationTTL time.Duration `yaml:"confirmation_ttl"`
}

// TelemetryConfig configures logging, tracing and metrics endpoints.
type TelemetryConfig struct {
	LogLevel        string `yaml:"log_level"`
	LogFormat       string `yaml:"log_format"` // "text" or "json"
	OTLPEndpoint    string `yaml:"otlp_endpoint"`
	MetricsListen   string `yaml:"metrics_listen"`
	ServiceName     string `yaml:"service_name"`
	ServiceVersion  string `yaml:"service_version"`
	SamplingRate    float64 `yaml:"sampling_rate"`
}

// Default returns the kernel's baseline configuration.
func Default() Config {
	return Config{
		Procedure: ProcedureConfig{
			DefaultTimeout: 0,
			MaxMiddleware:  64,
		},
		Channel: ChannelConfig{
			ResponseCacheTTL: 5 * time.Second,
		},
		ToolExec: ToolExecConfig{
			Concurrency:     4,
			PerToolTimeout:  30 * time.Second,
			MaxAttempts:     3,
			RetryBackoff:    200 * time.Millisecond,
			ConfirmationTTL: 0,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			LogFormat:      "text",
			ServiceName:    "kernel",
			ServiceVersion: "dev",
			SamplingRate:   1.0,
		},
	}
}

// Load reads a YAML config file, expanding ${VAR} environment references,
// and merges it over Default(). A missing path is not an error; Default()
// is returned unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("kernelconfig: read %s: %w", path, err)
	}
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return cfg, fmt.Errorf("kernelconfig: parse %s: %w", path, err)
	}
	return cfg, nil
}

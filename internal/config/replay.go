package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ReplayConfig is the optional JSON file accepted by pcap-replay via -config.
// Every field is optional; the Get* methods supply defaults for unset fields,
// and command-line flags override whatever the file sets.
type ReplayConfig struct {
	// Capture
	Filter  *string `json:"filter,omitempty"`
	Backend *string `json:"backend,omitempty"` // "native" or "libpcap"

	// Pacing
	SpeedMultiplier *float64 `json:"speed_multiplier,omitempty"`
	Unpaced         *bool    `json:"unpaced,omitempty"`
	StartSeconds    *float64 `json:"start_seconds,omitempty"`
	DurationSeconds *float64 `json:"duration_seconds,omitempty"`

	// Forwarding
	Forward       *bool   `json:"forward,omitempty"`
	ForwardAddr   *string `json:"forward_addr,omitempty"`
	ForwardPort   *int    `json:"forward_port,omitempty"`
	ForwardBuffer *int    `json:"forward_buffer,omitempty"`

	// Logging
	LogInterval   *string `json:"log_interval,omitempty"` // duration string like "10s"
	ProgressEvery *int    `json:"progress_every,omitempty"`
}

const (
	DefaultFilter        = "udp"
	DefaultBackend       = "native"
	DefaultForwardAddr   = "127.0.0.1"
	DefaultForwardPort   = 2368
	DefaultForwardBuffer = 1000
	DefaultLogInterval   = 10 * time.Second
	DefaultProgressEvery = 10000
)

const maxFileSize = 1 * 1024 * 1024 // 1MB

// LoadReplayConfig loads a ReplayConfig from a JSON file. The path must have
// a .json extension and the file must be under 1MB. Unknown fields are
// rejected so typos surface instead of silently using defaults.
func LoadReplayConfig(path string) (*ReplayConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &ReplayConfig{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *ReplayConfig) Validate() error {
	if c.Filter != nil && strings.TrimSpace(*c.Filter) == "" {
		return fmt.Errorf("filter must not be empty")
	}

	if c.Backend != nil {
		switch *c.Backend {
		case "native", "libpcap":
		default:
			return fmt.Errorf("backend must be \"native\" or \"libpcap\", got %q", *c.Backend)
		}
	}

	if c.SpeedMultiplier != nil && *c.SpeedMultiplier <= 0 {
		return fmt.Errorf("speed_multiplier must be positive, got %f", *c.SpeedMultiplier)
	}

	if c.StartSeconds != nil && *c.StartSeconds < 0 {
		return fmt.Errorf("start_seconds must be non-negative, got %f", *c.StartSeconds)
	}

	if c.GetForward() && c.ForwardAddr != nil && *c.ForwardAddr == "" {
		return fmt.Errorf("forward_addr must not be empty when forward is enabled")
	}

	if c.ForwardPort != nil && (*c.ForwardPort < 1 || *c.ForwardPort > 65535) {
		return fmt.Errorf("forward_port must be between 1 and 65535, got %d", *c.ForwardPort)
	}

	if c.ForwardBuffer != nil && *c.ForwardBuffer < 1 {
		return fmt.Errorf("forward_buffer must be positive, got %d", *c.ForwardBuffer)
	}

	if c.LogInterval != nil && *c.LogInterval != "" {
		d, err := time.ParseDuration(*c.LogInterval)
		if err != nil {
			return fmt.Errorf("invalid log_interval '%s': %w", *c.LogInterval, err)
		}
		if d <= 0 {
			return fmt.Errorf("log_interval must be positive, got %s", *c.LogInterval)
		}
	}

	return nil
}

// GetFilter returns the capture filter expression or the default.
func (c *ReplayConfig) GetFilter() string {
	if c.Filter == nil {
		return DefaultFilter
	}
	return *c.Filter
}

// GetBackend returns the capture backend name or the default.
func (c *ReplayConfig) GetBackend() string {
	if c.Backend == nil {
		return DefaultBackend
	}
	return *c.Backend
}

// GetSpeedMultiplier returns the replay speed or 1.0 (real-time).
func (c *ReplayConfig) GetSpeedMultiplier() float64 {
	if c.SpeedMultiplier == nil {
		return 1.0
	}
	return *c.SpeedMultiplier
}

func (c *ReplayConfig) GetUnpaced() bool {
	return c.Unpaced != nil && *c.Unpaced
}

func (c *ReplayConfig) GetStartSeconds() float64 {
	if c.StartSeconds == nil {
		return 0
	}
	return *c.StartSeconds
}

// GetDurationSeconds returns the replay window length; values <= 0 mean
// replay to the end of the file.
func (c *ReplayConfig) GetDurationSeconds() float64 {
	if c.DurationSeconds == nil {
		return -1
	}
	return *c.DurationSeconds
}

// GetForward reports whether replayed payloads are forwarded over UDP.
func (c *ReplayConfig) GetForward() bool {
	return c.Forward != nil && *c.Forward
}

// GetForwardAddr returns the forwarding host or the default.
func (c *ReplayConfig) GetForwardAddr() string {
	if c.ForwardAddr == nil {
		return DefaultForwardAddr
	}
	return *c.ForwardAddr
}

func (c *ReplayConfig) GetForwardPort() int {
	if c.ForwardPort == nil {
		return DefaultForwardPort
	}
	return *c.ForwardPort
}

func (c *ReplayConfig) GetForwardBuffer() int {
	if c.ForwardBuffer == nil {
		return DefaultForwardBuffer
	}
	return *c.ForwardBuffer
}

// GetLogInterval parses and returns LogInterval as a time.Duration.
func (c *ReplayConfig) GetLogInterval() time.Duration {
	if c.LogInterval == nil || *c.LogInterval == "" {
		return DefaultLogInterval
	}
	d, err := time.ParseDuration(*c.LogInterval)
	if err != nil || d <= 0 {
		return DefaultLogInterval // default on parse error
	}
	return d
}

// GetProgressEvery returns the progress log cadence in packets; negative
// disables progress lines.
func (c *ReplayConfig) GetProgressEvery() int {
	if c.ProgressEvery == nil || *c.ProgressEvery == 0 {
		return DefaultProgressEvery
	}
	return *c.ProgressEvery
}

// Package config loads the flowguard configuration file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hed1ad/flowguard/pkg/detectors"
	"github.com/hed1ad/flowguard/pkg/io/pcap"
)

// Config is the full process configuration.
type Config struct {
	Detector detectors.Config `yaml:"detector"`
	Input    InputConfig      `yaml:"input"`
	Output   OutputConfig     `yaml:"output"`
	Logging  LoggingConfig    `yaml:"logging"`
	Metrics  MetricsConfig    `yaml:"metrics"`
}

// InputConfig selects where flow records come from.
type InputConfig struct {
	// Path of a flow line file, "-" for stdin.
	Path string `yaml:"path"`
	// PCAP, when set, reads a packet capture instead of flow lines.
	PCAP        string `yaml:"pcap"`
	IdleTimeout string `yaml:"idle_timeout"`

	idleTimeout time.Duration
}

// IdleTimeoutDuration returns the parsed flow idle timeout.
func (c InputConfig) IdleTimeoutDuration() time.Duration {
	return c.idleTimeout
}

// OutputConfig sets the report file and how often status lines are printed.
type OutputConfig struct {
	Path           string `yaml:"path"`
	StatusInterval int    `yaml:"status_interval"`
}

// LoggingConfig sets the zap logger level and encoding.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig enables the Prometheus metrics endpoint.
type MetricsConfig struct {
	// Addr is the listen address of the metrics endpoint. Empty disables it.
	Addr string `yaml:"addr"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Detector: detectors.DefaultConfig(),
		Input: InputConfig{
			Path:        "-",
			IdleTimeout: pcap.DefaultIdleTimeout.String(),
			idleTimeout: pcap.DefaultIdleTimeout,
		},
		Output: OutputConfig{
			Path:           "anomalies.json",
			StatusInterval: 100,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads path and overlays it on the defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML document and overlays it on the defaults. Unknown keys
// are rejected.
func Parse(data []byte) (Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Resolve(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Resolve parses derived fields and validates the result. It must be called
// again after fields are changed in place.
func (c *Config) Resolve() error {
	d, err := time.ParseDuration(c.Input.IdleTimeout)
	if err != nil {
		return fmt.Errorf("invalid input.idle_timeout %q: %w", c.Input.IdleTimeout, err)
	}
	if d <= 0 {
		return fmt.Errorf("invalid input.idle_timeout %q: must be positive", c.Input.IdleTimeout)
	}
	c.Input.idleTimeout = d

	if c.Output.StatusInterval < 0 {
		return fmt.Errorf("invalid output.status_interval %d: must not be negative", c.Output.StatusInterval)
	}
	if c.Output.Path == "" {
		return errors.New("output.path must not be empty")
	}

	return c.Detector.Validate()
}

// Package detectors provides unsupervised anomaly detection for network flows.
package detectors

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Scorer is implemented by trained models that score a single sample.
type Scorer interface {
	// Score returns the anomaly score for sample.
	// Scores are in (0, 1] where higher values indicate anomalies.
	Score(sample []float64) float64
}

// AnomalyReport describes a flow whose score exceeded the threshold.
type AnomalyReport struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	SrcIP     string    `json:"src_ip"`
	SrcPort   uint16    `json:"src_port"`
	DstIP     string    `json:"dst_ip"`
	DstPort   uint16    `json:"dst_port"`
	Protocol  string    `json:"protocol"`
	Bytes     uint64    `json:"bytes"`
	Duration  float64   `json:"duration"`
	Features  []float64 `json:"features"`
	Score     float64   `json:"score"`
	Threshold float64   `json:"threshold"`
}

// ErrInvalidConfig is wrapped by every configuration validation error.
var ErrInvalidConfig = errors.New("invalid detector configuration")

// ConfigError reports a rejected configuration field.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %s %s", ErrInvalidConfig, e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error {
	return ErrInvalidConfig
}

// Config holds the streaming detector configuration.
type Config struct {
	// NTrees is the number of isolation trees per model.
	NTrees int `yaml:"trees"`
	// Threshold is the score above which a flow is reported.
	Threshold float64 `yaml:"threshold"`
	// BufferSize is the warm-up length and the retraining window size.
	BufferSize int `yaml:"buffer_size"`
	// RetrainInterval is the number of scored events between retrains.
	RetrainInterval int `yaml:"retrain_interval"`
	// SubsampleSize is the number of window samples drawn per tree.
	SubsampleSize int `yaml:"subsample_size"`
	// RandomSeed for reproducibility.
	RandomSeed int64 `yaml:"seed"`
	// AsyncRetrain moves retraining off the ingestion path.
	AsyncRetrain bool `yaml:"async_retrain"`
}

// DefaultConfig returns sensible defaults for detector configuration.
func DefaultConfig() Config {
	return Config{
		NTrees:          100,
		Threshold:       0.65,
		BufferSize:      256,
		RetrainInterval: 1000,
		SubsampleSize:   256,
		RandomSeed:      42,
	}
}

// Validate rejects configurations the detector cannot run with.
func (c Config) Validate() error {
	switch {
	case c.NTrees <= 0:
		return &ConfigError{Field: "trees", Reason: "must be positive"}
	case c.BufferSize < 2:
		return &ConfigError{Field: "buffer_size", Reason: "must be at least 2"}
	case c.RetrainInterval <= 0:
		return &ConfigError{Field: "retrain_interval", Reason: "must be positive"}
	case c.SubsampleSize < 2:
		return &ConfigError{Field: "subsample_size", Reason: "must be at least 2"}
	case math.IsNaN(c.Threshold) || c.Threshold < 0 || c.Threshold > 1:
		return &ConfigError{Field: "threshold", Reason: "must be within [0, 1]"}
	}
	return nil
}

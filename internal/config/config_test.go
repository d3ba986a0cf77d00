package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/flowguard/pkg/detectors"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Resolve())

	assert.Equal(t, detectors.DefaultConfig(), cfg.Detector)
	assert.Equal(t, "-", cfg.Input.Path)
	assert.Equal(t, 30*time.Second, cfg.Input.IdleTimeoutDuration())
	assert.Equal(t, "anomalies.json", cfg.Output.Path)
	assert.Equal(t, 100, cfg.Output.StatusInterval)
	assert.Empty(t, cfg.Metrics.Addr)
}

func TestParseOverlaysDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
detector:
  trees: 50
  threshold: 0.7
  async_retrain: true
input:
  pcap: capture.pcapng
  idle_timeout: 1m
metrics:
  addr: ":9090"
`))
	require.NoError(t, err)

	assert.Equal(t, 50, cfg.Detector.NTrees)
	assert.Equal(t, 0.7, cfg.Detector.Threshold)
	assert.True(t, cfg.Detector.AsyncRetrain)
	// Unset keys keep their defaults.
	assert.Equal(t, 256, cfg.Detector.BufferSize)
	assert.Equal(t, 1000, cfg.Detector.RetrainInterval)
	assert.Equal(t, "capture.pcapng", cfg.Input.PCAP)
	assert.Equal(t, time.Minute, cfg.Input.IdleTimeoutDuration())
	assert.Equal(t, ":9090", cfg.Metrics.Addr)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestParseEmpty(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, detectors.DefaultConfig(), cfg.Detector)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"unknown key", "detector:\n  forests: 3\n"},
		{"bad yaml", "detector: [\n"},
		{"bad duration", "input:\n  idle_timeout: soon\n"},
		{"zero duration", "input:\n  idle_timeout: 0s\n"},
		{"negative status interval", "output:\n  status_interval: -1\n"},
		{"empty output", "output:\n  path: \"\"\n"},
		{"invalid detector", "detector:\n  threshold: 1.5\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestParseInvalidDetectorWrapsSentinel(t *testing.T) {
	_, err := Parse([]byte("detector:\n  trees: 0\n"))
	assert.ErrorIs(t, err, detectors.ErrInvalidConfig)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flowguard.yaml")
	require.NoError(t, os.WriteFile(path, []byte("output:\n  path: out.json\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "out.json", cfg.Output.Path)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

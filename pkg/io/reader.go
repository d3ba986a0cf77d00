// Package io provides flow sources and anomaly report sinks.
package io

import (
	"context"

	"github.com/hed1ad/flowguard/pkg/detectors"
	"github.com/hed1ad/flowguard/pkg/flow"
)

// RecordReader is the interface for reading flow records from various sources.
type RecordReader interface {
	// Stream returns a channel of records in source order. The channel is
	// closed when the source is exhausted or ctx is done.
	Stream(ctx context.Context) (<-chan flow.Record, error)

	// Err returns the first read error that ended the stream, if any.
	Err() error

	// Close releases resources.
	Close() error
}

// ReportWriter is the interface for writing anomaly reports.
type ReportWriter interface {
	// Write outputs a single report.
	Write(report *detectors.AnomalyReport) error

	// Close releases resources.
	Close() error
}

// Package features turns flow records into numeric vectors and keeps them on a
// comparable scale for tree splitting.
package features

import "github.com/hed1ad/flowguard/pkg/flow"

// NumFeatures is the width of every feature vector.
const NumFeatures = 6

// Feature indices.
const (
	SrcPort = iota
	DstPort
	Bytes
	Duration
	ProtocolCode
	HourOfDay
)

// Vector is a fixed-width feature vector:
// [src_port, dst_port, bytes, duration, protocol_code, hour_of_day].
type Vector [NumFeatures]float64

// Slice returns a copy of v as a slice.
func (v Vector) Slice() []float64 {
	s := make([]float64, NumFeatures)
	copy(s, v[:])
	return s
}

// Extract converts a flow record to its feature vector.
func Extract(r flow.Record) Vector {
	return Vector{
		SrcPort:      float64(r.SrcPort),
		DstPort:      float64(r.DstPort),
		Bytes:        float64(r.Bytes),
		Duration:     r.Duration,
		ProtocolCode: r.Protocol.Code(),
		HourOfDay:    float64(r.Timestamp.Hour()),
	}
}

// Names returns the names of extracted features in vector order.
func Names() []string {
	return []string{
		"src_port",
		"dst_port",
		"bytes",
		"duration",
		"protocol",
		"hour_of_day",
	}
}

// Rows converts vectors into the row layout consumed by detectors.
func Rows(vs []Vector) [][]float64 {
	rows := make([][]float64, len(vs))
	for i, v := range vs {
		rows[i] = v.Slice()
	}
	return rows
}

package flow

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLine(t *testing.T) {
	rec, ok := ParseLine("2024-01-15T10:30:00 192.168.1.10 54321 10.0.0.1 443 TCP 1500 0.05")
	require.True(t, ok)

	assert.Equal(t, time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC), rec.Timestamp)
	assert.Equal(t, netip.MustParseAddr("192.168.1.10"), rec.SrcIP)
	assert.Equal(t, uint16(54321), rec.SrcPort)
	assert.Equal(t, netip.MustParseAddr("10.0.0.1"), rec.DstIP)
	assert.Equal(t, uint16(443), rec.DstPort)
	assert.Equal(t, ProtocolTCP, rec.Protocol)
	assert.Equal(t, uint64(1500), rec.Bytes)
	assert.InDelta(t, 0.05, rec.Duration, 1e-12)
	assert.Equal(t, "192.168.1.10:54321", rec.Source().String())
	assert.Equal(t, "10.0.0.1:443", rec.Destination().String())
}

func TestParseLineRejects(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{name: "empty", line: ""},
		{name: "whitespace", line: "   \t "},
		{name: "comment", line: "# timestamp src_ip src_port ..."},
		{name: "too few fields", line: "2024-01-15T10:30:00 192.168.1.10 54321 10.0.0.1 443 TCP 1500"},
		{name: "too many fields", line: "2024-01-15T10:30:00 192.168.1.10 54321 10.0.0.1 443 TCP 1500 0.05 x"},
		{name: "bad timestamp", line: "yesterday 192.168.1.10 54321 10.0.0.1 443 TCP 1500 0.05"},
		{name: "bad src ip", line: "2024-01-15T10:30:00 300.1.1.1 54321 10.0.0.1 443 TCP 1500 0.05"},
		{name: "port overflow", line: "2024-01-15T10:30:00 192.168.1.10 70000 10.0.0.1 443 TCP 1500 0.05"},
		{name: "negative bytes", line: "2024-01-15T10:30:00 192.168.1.10 54321 10.0.0.1 443 TCP -1 0.05"},
		{name: "negative duration", line: "2024-01-15T10:30:00 192.168.1.10 54321 10.0.0.1 443 TCP 1500 -0.05"},
		{name: "nan duration", line: "2024-01-15T10:30:00 192.168.1.10 54321 10.0.0.1 443 TCP 1500 NaN"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := ParseLine(tt.line)
			assert.False(t, ok)
		})
	}
}

func TestParseLineRFC3339(t *testing.T) {
	rec, ok := ParseLine("2024-01-15T23:59:59+02:00 ::1 1 ::2 2 udp 0 0")
	require.True(t, ok)
	assert.Equal(t, 23, rec.Timestamp.Hour())
	assert.Equal(t, ProtocolUDP, rec.Protocol)
}

func TestParseProtocol(t *testing.T) {
	tests := []struct {
		in   string
		want Protocol
		code float64
	}{
		{in: "TCP", want: ProtocolTCP, code: 0},
		{in: "udp", want: ProtocolUDP, code: 1},
		{in: "Icmp", want: ProtocolICMP, code: 2},
		{in: "GRE", want: ProtocolOther, code: 3},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			p := ParseProtocol(tt.in)
			assert.Equal(t, tt.want, p)
			assert.Equal(t, tt.code, p.Code())
		})
	}
}

func TestFormatRoundTrip(t *testing.T) {
	line := "2024-01-15T10:30:00 192.168.1.10 54321 10.0.0.1 443 ICMP 1500 0.05"
	rec, ok := ParseLine(line)
	require.True(t, ok)
	assert.Equal(t, line, Format(rec))
}

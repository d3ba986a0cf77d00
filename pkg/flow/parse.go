package flow

import (
	"math"
	"net/netip"
	"strconv"
	"strings"
	"time"
)

// LocalTimeLayout is the zone-less timestamp layout accepted by ParseLine.
// Such timestamps are interpreted as UTC.
const LocalTimeLayout = "2006-01-02T15:04:05"

const lineFields = 8

// ParseLine parses one whitespace-separated flow line:
//
//	timestamp src_ip src_port dst_ip dst_port protocol bytes duration
//
// For example:
//
//	2024-01-15T10:30:00 192.168.1.10 54321 10.0.0.1 443 TCP 1500 0.05
//
// Blank lines, comments starting with '#' and malformed lines report false.
func ParseLine(line string) (Record, bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return Record{}, false
	}

	fields := strings.Fields(line)
	if len(fields) != lineFields {
		return Record{}, false
	}

	ts, ok := parseTimestamp(fields[0])
	if !ok {
		return Record{}, false
	}

	srcIP, err := netip.ParseAddr(fields[1])
	if err != nil {
		return Record{}, false
	}
	srcPort, err := strconv.ParseUint(fields[2], 10, 16)
	if err != nil {
		return Record{}, false
	}
	dstIP, err := netip.ParseAddr(fields[3])
	if err != nil {
		return Record{}, false
	}
	dstPort, err := strconv.ParseUint(fields[4], 10, 16)
	if err != nil {
		return Record{}, false
	}

	bytes, err := strconv.ParseUint(fields[6], 10, 64)
	if err != nil {
		return Record{}, false
	}
	duration, err := strconv.ParseFloat(fields[7], 64)
	if err != nil || duration < 0 || math.IsNaN(duration) || math.IsInf(duration, 0) {
		return Record{}, false
	}

	return Record{
		Timestamp: ts,
		SrcIP:     srcIP,
		SrcPort:   uint16(srcPort),
		DstIP:     dstIP,
		DstPort:   uint16(dstPort),
		Protocol:  ParseProtocol(fields[5]),
		Bytes:     bytes,
		Duration:  duration,
	}, true
}

func parseTimestamp(s string) (time.Time, bool) {
	if ts, err := time.Parse(LocalTimeLayout, s); err == nil {
		return ts, true
	}
	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return ts, true
	}
	return time.Time{}, false
}

// Format renders r in the format accepted by ParseLine.
func Format(r Record) string {
	return strings.Join([]string{
		r.Timestamp.UTC().Format(LocalTimeLayout),
		r.SrcIP.String(),
		strconv.FormatUint(uint64(r.SrcPort), 10),
		r.DstIP.String(),
		strconv.FormatUint(uint64(r.DstPort), 10),
		r.Protocol.String(),
		strconv.FormatUint(r.Bytes, 10),
		strconv.FormatFloat(r.Duration, 'f', -1, 64),
	}, " ")
}

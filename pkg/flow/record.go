// Package flow defines network flow records and the text format they arrive in.
package flow

import (
	"net/netip"
	"strings"
	"time"
)

// Protocol is the transport protocol of a flow.
type Protocol uint8

// Known protocols. The numeric values are the stable encoding used as a model
// feature and must not be reordered.
const (
	ProtocolTCP Protocol = iota
	ProtocolUDP
	ProtocolICMP
	ProtocolOther
)

// ParseProtocol maps a protocol name to a Protocol. Matching is case-insensitive
// and unknown names map to ProtocolOther.
func ParseProtocol(s string) Protocol {
	switch strings.ToUpper(s) {
	case "TCP":
		return ProtocolTCP
	case "UDP":
		return ProtocolUDP
	case "ICMP":
		return ProtocolICMP
	default:
		return ProtocolOther
	}
}

// Code returns the numeric encoding of the protocol.
func (p Protocol) Code() float64 {
	return float64(p)
}

func (p Protocol) String() string {
	switch p {
	case ProtocolTCP:
		return "TCP"
	case ProtocolUDP:
		return "UDP"
	case ProtocolICMP:
		return "ICMP"
	default:
		return "OTHER"
	}
}

// Record is a single observed network flow.
type Record struct {
	Timestamp time.Time
	SrcIP     netip.Addr
	SrcPort   uint16
	DstIP     netip.Addr
	DstPort   uint16
	Protocol  Protocol
	// Bytes is the total number of bytes transferred.
	Bytes uint64
	// Duration is the flow duration in seconds.
	Duration float64
}

// Source returns the source endpoint.
func (r Record) Source() netip.AddrPort {
	return netip.AddrPortFrom(r.SrcIP, r.SrcPort)
}

// Destination returns the destination endpoint.
func (r Record) Destination() netip.AddrPort {
	return netip.AddrPortFrom(r.DstIP, r.DstPort)
}

// Package pcap reads packet captures and aggregates packets into flow records.
package pcap

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"go.uber.org/zap"

	"github.com/hed1ad/flowguard/pkg/flow"
)

// DefaultIdleTimeout closes flows that saw no packet for this long, measured
// in capture time.
const DefaultIdleTimeout = 30 * time.Second

// pcapng section header block magic.
var ngMagic = []byte{0x0a, 0x0d, 0x0d, 0x0a}

// Reader reads packets from a pcap or pcapng capture and emits one flow record
// per connection. Packets in both directions count towards the flow opened by
// the first packet seen. Expired flows are swept at most every quarter of the
// close grace period of capture time.
type Reader struct {
	source      gopacket.PacketDataSource
	linkType    layers.LinkType
	closer      io.Closer
	idleTimeout time.Duration
	logger      *zap.Logger

	mu      sync.Mutex
	err     error
	packets uint64
	ignored uint64
}

// Option configures a pcap reader.
type Option func(*Reader)

// WithIdleTimeout sets the capture-time gap after which a flow is closed.
func WithIdleTimeout(d time.Duration) Option {
	return func(r *Reader) {
		if d > 0 {
			r.idleTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Reader) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewFileReader creates a reader for a pcap or pcapng file.
func NewFileReader(filename string, opts ...Option) (*Reader, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}

	r, err := NewReader(file, opts...)
	if err != nil {
		file.Close()
		return nil, err
	}
	r.closer = file
	return r, nil
}

// NewReader creates a reader over a capture stream. The format is detected
// from the leading magic number.
func NewReader(src io.Reader, opts ...Option) (*Reader, error) {
	br := bufio.NewReader(src)
	magic, err := br.Peek(4)
	if err != nil {
		return nil, fmt.Errorf("read capture header: %w", err)
	}

	r := &Reader{
		idleTimeout: DefaultIdleTimeout,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}

	if bytes.Equal(magic, ngMagic) {
		ng, err := pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
		if err != nil {
			return nil, fmt.Errorf("open pcapng: %w", err)
		}
		r.source, r.linkType = ng, ng.LinkType()
		return r, nil
	}

	pr, err := pcapgo.NewReader(br)
	if err != nil {
		return nil, fmt.Errorf("open pcap: %w", err)
	}
	r.source, r.linkType = pr, pr.LinkType()
	return r, nil
}

// closeWait is how long a closed TCP flow keeps absorbing trailing segments,
// such as the last ACK, before it is emitted.
const closeWait = 2 * time.Second

type flowKey struct {
	src, dst netip.AddrPort
	proto    flow.Protocol
}

func (k flowKey) reverse() flowKey {
	return flowKey{src: k.dst, dst: k.src, proto: k.proto}
}

type tcpFlags struct {
	syn, ack, fin, rst bool
}

type flowState struct {
	key         flowKey
	first, last time.Time
	bytes       uint64

	// FIN seen from the flow's source and from its destination.
	finSrc, finDst bool
	// closed is set by a RST or once both sides have sent a FIN.
	closed bool
}

func (s *flowState) record() flow.Record {
	return flow.Record{
		Timestamp: s.first,
		SrcIP:     s.key.src.Addr(),
		SrcPort:   s.key.src.Port(),
		DstIP:     s.key.dst.Addr(),
		DstPort:   s.key.dst.Port(),
		Protocol:  s.key.proto,
		Bytes:     s.bytes,
		Duration:  s.last.Sub(s.first).Seconds(),
	}
}

func (s *flowState) observe(fromSrc bool, flags tcpFlags) {
	if flags.fin {
		if fromSrc {
			s.finSrc = true
		} else {
			s.finDst = true
		}
	}
	if flags.rst || (s.finSrc && s.finDst) {
		s.closed = true
	}
}

// done reports whether the flow should be emitted as of now.
func (s *flowState) done(now time.Time, idle, linger time.Duration) bool {
	gap := now.Sub(s.last)
	return gap > idle || (s.closed && gap > linger)
}

// Stream returns a channel of flow records in the order flows end. A TCP flow
// ends shortly after a RST or after both sides have sent a FIN; any flow ends
// after the idle timeout or at the end of the capture.
func (r *Reader) Stream(ctx context.Context) (<-chan flow.Record, error) {
	if r.source == nil {
		return nil, errors.New("reader not initialized")
	}

	out := make(chan flow.Record, 1000)
	packetSource := gopacket.NewPacketSource(r.source, r.linkType)
	packetSource.DecodeOptions = gopacket.DecodeOptions{Lazy: true}

	idle := r.idleTimeout
	linger := min(closeWait, idle)
	sweepEvery := linger / 4

	go func() {
		defer close(out)

		table := make(map[flowKey]*flowState)
		emit := func(states []*flowState) bool {
			sort.Slice(states, func(i, j int) bool {
				return states[i].first.Before(states[j].first)
			})
			for _, s := range states {
				delete(table, s.key)
				select {
				case out <- s.record():
				case <-ctx.Done():
					return false
				}
			}
			return true
		}

		var nextSweep time.Time
		for {
			packet, err := packetSource.NextPacket()
			if err == io.EOF {
				break
			}
			if err != nil {
				r.setErr(err)
				r.logger.Warn("failed to read packet", zap.Error(err))
				break
			}
			if ctx.Err() != nil {
				return
			}

			ts := packet.Metadata().Timestamp
			if !ts.Before(nextSweep) {
				if !emit(finished(table, ts, idle, linger)) {
					return
				}
				nextSweep = ts.Add(sweepEvery)
			}

			key, flags, ok := classify(packet)
			if !ok {
				r.count(false)
				continue
			}
			r.count(true)

			state, fromSrc := table[key], true
			if state == nil {
				state, fromSrc = table[key.reverse()], false
			}
			// A flow past its deadline, or a fresh SYN on a closed flow,
			// starts a new connection.
			if state != nil && (state.done(ts, idle, linger) || (state.closed && flags.syn && !flags.ack)) {
				if !emit([]*flowState{state}) {
					return
				}
				state = nil
			}
			if state == nil {
				state, fromSrc = &flowState{key: key, first: ts}, true
				table[key] = state
			}

			state.last = ts
			state.bytes += uint64(wireLength(packet))
			state.observe(fromSrc, flags)
		}

		remaining := make([]*flowState, 0, len(table))
		for _, s := range table {
			remaining = append(remaining, s)
		}
		emit(remaining)
	}()

	return out, nil
}

func finished(table map[flowKey]*flowState, now time.Time, idle, linger time.Duration) []*flowState {
	var out []*flowState
	for _, s := range table {
		if s.done(now, idle, linger) {
			out = append(out, s)
		}
	}
	return out
}

// classify returns the flow key for an IP packet and its TCP flags, if any.
func classify(packet gopacket.Packet) (key flowKey, flags tcpFlags, ok bool) {
	var srcIP, dstIP net.IP
	switch ip := packet.NetworkLayer().(type) {
	case *layers.IPv4:
		srcIP, dstIP = ip.SrcIP, ip.DstIP
	case *layers.IPv6:
		srcIP, dstIP = ip.SrcIP, ip.DstIP
	default:
		return flowKey{}, tcpFlags{}, false
	}

	src, ok1 := netip.AddrFromSlice(srcIP)
	dst, ok2 := netip.AddrFromSlice(dstIP)
	if !ok1 || !ok2 {
		return flowKey{}, tcpFlags{}, false
	}
	src, dst = src.Unmap(), dst.Unmap()

	var srcPort, dstPort uint16
	proto := flow.ProtocolOther
	if tcpLayer := packet.Layer(layers.LayerTypeTCP); tcpLayer != nil {
		tcp := tcpLayer.(*layers.TCP)
		proto = flow.ProtocolTCP
		srcPort, dstPort = uint16(tcp.SrcPort), uint16(tcp.DstPort)
		flags = tcpFlags{syn: tcp.SYN, ack: tcp.ACK, fin: tcp.FIN, rst: tcp.RST}
	} else if udpLayer := packet.Layer(layers.LayerTypeUDP); udpLayer != nil {
		udp := udpLayer.(*layers.UDP)
		proto = flow.ProtocolUDP
		srcPort, dstPort = uint16(udp.SrcPort), uint16(udp.DstPort)
	} else if packet.Layer(layers.LayerTypeICMPv4) != nil || packet.Layer(layers.LayerTypeICMPv6) != nil {
		proto = flow.ProtocolICMP
	}

	return flowKey{
		src:   netip.AddrPortFrom(src, srcPort),
		dst:   netip.AddrPortFrom(dst, dstPort),
		proto: proto,
	}, flags, true
}

func wireLength(packet gopacket.Packet) int {
	if md := packet.Metadata(); md != nil && md.Length > 0 {
		return md.Length
	}
	return len(packet.Data())
}

func (r *Reader) count(used bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if used {
		r.packets++
	} else {
		r.ignored++
	}
}

func (r *Reader) setErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

// Err returns the read error that ended the stream, if any.
func (r *Reader) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Packets returns the number of IP packets aggregated into flows and the
// number of packets ignored.
func (r *Reader) Packets() (used, ignored uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.packets, r.ignored
}

// Close releases resources.
func (r *Reader) Close() error {
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}

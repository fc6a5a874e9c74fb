package probe

import (
	"context"
	"encoding/binary"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// ICMPProberConfig holds configuration for the ICMP prober.
type ICMPProberConfig struct {
	Timeout    time.Duration
	IPv6       bool
	Identifier uint16 // if 0, uses process ID — kept constant across a trace, the fixed-flow field
}

// ICMPProber implements Prober by sending ICMP Echo Requests directly and
// reading Echo Reply / Time Exceeded / Destination Unreachable back.
type ICMPProber struct {
	mu sync.Mutex

	conn4      *icmp.PacketConn
	conn6      *icmp.PacketConn
	identifier uint16
	sequence   uint32
	timeout    time.Duration
	ipv6       bool
}

// NewICMPProber creates a new ICMP prober.
func NewICMPProber(config ICMPProberConfig) (*ICMPProber, error) {
	if config.Timeout == 0 {
		config.Timeout = 2500 * time.Millisecond
	}

	identifier := config.Identifier
	if identifier == 0 {
		identifier = uint16(os.Getpid() & 0xffff)
	}

	p := &ICMPProber{
		identifier: identifier,
		timeout:    config.Timeout,
		ipv6:       config.IPv6,
	}

	var err error
	if config.IPv6 {
		p.conn6, err = icmp.ListenPacket("ip6:ipv6-icmp", "::")
	} else {
		p.conn4, err = icmp.ListenPacket("ip4:icmp", "0.0.0.0")
		if err == nil {
			// Request the TTL of every incoming packet so iTTL can be
			// inferred from the reply itself, not just the quoted original.
			err = p.conn4.IPv4PacketConn().SetControlMessage(ipv4.FlagTTL, true)
		}
	}
	if err != nil {
		return nil, err
	}

	return p, nil
}

// SetTimeout sets the per-probe timeout (used for the doubled-timeout
// retry on an anonymous reply).
func (p *ICMPProber) SetTimeout(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timeout = d
}

// Timeout returns the currently configured per-probe timeout.
func (p *ICMPProber) Timeout() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.timeout
}

// SingleProbe sends one ICMP Echo Request at ttl and waits for a reply.
// fixedFlow is accepted for interface symmetry: the ICMP identifier is
// always held constant for this Prober's lifetime, which already gives
// fixed-flow behavior regardless of the flag.
func (p *ICMPProber) SingleProbe(ctx context.Context, dest net.IP, ttl int, fixedFlow bool) (*Record, error) {
	if ttl < 1 || ttl > 255 {
		return nil, ErrInvalidTTL
	}

	conn := p.conn4
	proto := 1
	var icmpType icmp.Type = ipv4.ICMPTypeEcho

	if p.ipv6 || dest.To4() == nil {
		conn = p.conn6
		proto = 58
		icmpType = ipv6.ICMPTypeEchoRequest
	}
	if conn == nil {
		return nil, ErrSocketClosed
	}

	if err := p.setTTL(conn, ttl); err != nil {
		return nil, err
	}

	seq := uint16(atomic.AddUint32(&p.sequence, 1))
	msg := &icmp.Message{
		Type: icmpType,
		Code: 0,
		Body: &icmp.Echo{
			ID:   int(p.identifier),
			Seq:  int(seq),
			Data: TimestampPayload(nil),
		},
	}
	msgBytes, err := msg.Marshal(nil)
	if err != nil {
		return nil, err
	}

	timeout := p.Timeout()
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetDeadline(deadline)

	if _, err := conn.WriteTo(msgBytes, &net.IPAddr{IP: dest}); err != nil {
		return nil, err
	}

	return p.waitForResponse(ctx, conn, proto, seq)
}

func (p *ICMPProber) setTTL(conn *icmp.PacketConn, ttl int) error {
	if p.ipv6 {
		return conn.IPv6PacketConn().SetHopLimit(ttl)
	}
	return conn.IPv4PacketConn().SetTTL(ttl)
}

func (p *ICMPProber) waitForResponse(ctx context.Context, conn *icmp.PacketConn, proto int, expectedSeq uint16) (*Record, error) {
	buf := make([]byte, 1500)

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		n, replyTTL, peer, err := p.readFrom(conn, buf)
		if err != nil {
			if isTimeoutError(err) {
				return &Record{IsAnonymous: true}, nil
			}
			return nil, err
		}

		rec, matched := p.parseResponse(buf[:n], peer, proto, expectedSeq, replyTTL)
		if matched {
			return rec, nil
		}
	}
}

// readFrom reads one packet, extracting the reply's own IP TTL from the
// control message when available (IPv4 only; the x/net/ipv6 package does
// not expose per-read hop limit the same way).
func (p *ICMPProber) readFrom(conn *icmp.PacketConn, buf []byte) (n int, replyTTL int, peer net.Addr, err error) {
	if !p.ipv6 {
		n, cm, addr, rerr := conn.IPv4PacketConn().ReadFrom(buf)
		if rerr != nil {
			return 0, 0, nil, rerr
		}
		if cm != nil {
			replyTTL = cm.TTL
		}
		return n, replyTTL, addr, nil
	}
	n, addr, rerr := conn.ReadFrom(buf)
	return n, 0, addr, rerr
}

func (p *ICMPProber) parseResponse(data []byte, peer net.Addr, proto int, expectedSeq uint16, replyTTL int) (*Record, bool) {
	msg, err := icmp.ParseMessage(proto, data)
	if err != nil {
		return nil, false
	}
	peerIP := extractIP(peer)

	switch msg.Type {
	case ipv4.ICMPTypeEchoReply, ipv6.ICMPTypeEchoReply:
		echo, ok := msg.Body.(*icmp.Echo)
		if !ok || uint16(echo.ID) != p.identifier || uint16(echo.Seq) != expectedSeq {
			return nil, false
		}
		return &Record{ReplyAddr: peerIP, ReplyICMPType: icmpTypeInt(msg.Type), ReplyTTL: replyTTL}, true

	case ipv4.ICMPTypeTimeExceeded, ipv6.ICMPTypeTimeExceeded:
		return p.parseQuoted(msg, peerIP, replyTTL, expectedSeq, false)

	case ipv4.ICMPTypeDestinationUnreachable, ipv6.ICMPTypeDestinationUnreachable:
		return p.parseQuoted(msg, peerIP, replyTTL, expectedSeq, true)
	}

	return nil, false
}

func (p *ICMPProber) parseQuoted(msg *icmp.Message, peerIP net.IP, replyTTL int, expectedSeq uint16, unreachable bool) (*Record, bool) {
	var origData []byte
	switch body := msg.Body.(type) {
	case *icmp.TimeExceeded:
		origData = body.Data
	case *icmp.DstUnreach:
		origData = body.Data
	default:
		return nil, false
	}

	if len(origData) < 28 {
		return nil, false
	}
	ipHeaderLen := int(origData[0]&0x0f) * 4
	if len(origData) < ipHeaderLen+8 {
		return nil, false
	}
	icmpHeader := origData[ipHeaderLen:]
	if icmpHeader[0] != 8 {
		return nil, false
	}
	origID := binary.BigEndian.Uint16(icmpHeader[4:6])
	origSeq := binary.BigEndian.Uint16(icmpHeader[6:8])
	if origID != p.identifier || origSeq != expectedSeq {
		return nil, false
	}

	return &Record{
		ReplyAddr:     peerIP,
		ReplyICMPType: icmpTypeInt(msg.Type),
		ReplyTTL:      replyTTL,
	}, true
}

func icmpTypeInt(t icmp.Type) int {
	switch v := t.(type) {
	case ipv4.ICMPType:
		return int(v)
	case ipv6.ICMPType:
		return int(v)
	default:
		return 0
	}
}

// Close releases resources held by the prober.
func (p *ICMPProber) Close() error {
	var err error
	if p.conn4 != nil {
		err = p.conn4.Close()
		p.conn4 = nil
	}
	if p.conn6 != nil {
		if e := p.conn6.Close(); e != nil && err == nil {
			err = e
		}
		p.conn6 = nil
	}
	return err
}

func extractIP(addr net.Addr) net.IP {
	switch a := addr.(type) {
	case *net.IPAddr:
		return a.IP
	case *net.UDPAddr:
		return a.IP
	default:
		return nil
	}
}

func isTimeoutError(err error) bool {
	if netErr, ok := err.(net.Error); ok {
		return netErr.Timeout()
	}
	return false
}

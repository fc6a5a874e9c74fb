package probe

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// UDPProberConfig holds configuration for the UDP-encapsulated-for-ICMP
// prober.
type UDPProberConfig struct {
	Timeout time.Duration
	Port    int // destination port, held constant for fixed flow (default 33434)
	IPv6    bool
}

// UDPProber implements Prober by sending a UDP datagram to a high port and
// reading back the ICMP Time Exceeded / Destination Unreachable it
// provokes. Source and destination ports are fixed for the Prober's
// lifetime: since a trace probes one TTL at a time sequentially, there is
// never more than one outstanding probe to disambiguate.
type UDPProber struct {
	mu sync.Mutex

	config   UDPProberConfig
	icmpConn *icmp.PacketConn
	udpConn  *net.UDPConn
	timeout  time.Duration
}

// NewUDPProber creates a new UDP prober.
func NewUDPProber(config UDPProberConfig) (*UDPProber, error) {
	if config.Timeout == 0 {
		config.Timeout = 2500 * time.Millisecond
	}
	if config.Port == 0 {
		config.Port = 33434
	}

	var icmpConn *icmp.PacketConn
	var err error
	if config.IPv6 {
		icmpConn, err = icmp.ListenPacket("ip6:ipv6-icmp", "::")
	} else {
		icmpConn, err = icmp.ListenPacket("ip4:icmp", "0.0.0.0")
		if err == nil {
			err = icmpConn.IPv4PacketConn().SetControlMessage(ipv4.FlagTTL, true)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create ICMP listener: %w", err)
	}

	var udpConn *net.UDPConn
	if config.IPv6 {
		udpConn, err = net.ListenUDP("udp6", nil)
	} else {
		udpConn, err = net.ListenUDP("udp4", nil)
	}
	if err != nil {
		icmpConn.Close()
		return nil, fmt.Errorf("failed to create UDP socket: %w", err)
	}

	return &UDPProber{config: config, icmpConn: icmpConn, udpConn: udpConn, timeout: config.Timeout}, nil
}

// SetTimeout sets the per-probe timeout.
func (p *UDPProber) SetTimeout(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timeout = d
}

// Timeout returns the currently configured per-probe timeout.
func (p *UDPProber) Timeout() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.timeout
}

// SingleProbe sends one UDP datagram at ttl. fixedFlow is accepted for
// interface symmetry: the destination port never varies across calls on
// this Prober, which already keeps the load-balanced 5-tuple constant.
func (p *UDPProber) SingleProbe(ctx context.Context, dest net.IP, ttl int, fixedFlow bool) (*Record, error) {
	if ttl < 1 || ttl > 255 {
		return nil, ErrInvalidTTL
	}
	if err := p.setTTL(ttl); err != nil {
		return nil, fmt.Errorf("failed to set TTL: %w", err)
	}

	destAddr := &net.UDPAddr{IP: dest, Port: p.config.Port}
	srcPort := uint16(p.udpConn.LocalAddr().(*net.UDPAddr).Port)

	timeout := p.Timeout()
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := p.icmpConn.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("failed to set deadline: %w", err)
	}

	if _, err := p.udpConn.WriteToUDP(TimestampPayload(nil), destAddr); err != nil {
		return nil, fmt.Errorf("failed to send UDP packet: %w", err)
	}

	return p.receiveResponse(ctx, dest, srcPort, uint16(p.config.Port))
}

func (p *UDPProber) setTTL(ttl int) error {
	rawConn, err := p.udpConn.SyscallConn()
	if err != nil {
		return err
	}
	var setErr error
	if p.config.IPv6 {
		err = rawConn.Control(func(fd uintptr) { setErr = setIPv6HopLimit(fd, ttl) })
	} else {
		err = rawConn.Control(func(fd uintptr) { setErr = setIPv4TTL(fd, ttl) })
	}
	if err != nil {
		return err
	}
	return setErr
}

func (p *UDPProber) receiveResponse(ctx context.Context, dest net.IP, srcPort, dstPort uint16) (*Record, error) {
	buf := make([]byte, 1500)

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		n, replyTTL, peer, err := p.readFrom(buf)
		if err != nil {
			if isTimeoutError(err) {
				return &Record{IsAnonymous: true}, nil
			}
			return nil, fmt.Errorf("read error: %w", err)
		}

		proto := 1
		if p.config.IPv6 {
			proto = 58
		}
		msg, err := icmp.ParseMessage(proto, buf[:n])
		if err != nil {
			continue
		}

		rec, ok := p.matchResponse(msg, srcPort, dstPort, replyTTL)
		if ok {
			rec.ReplyAddr = parseIP(peer)
			return rec, nil
		}
	}
}

func (p *UDPProber) readFrom(buf []byte) (n, replyTTL int, peer net.Addr, err error) {
	if !p.config.IPv6 {
		n, cm, addr, rerr := p.icmpConn.IPv4PacketConn().ReadFrom(buf)
		if rerr != nil {
			return 0, 0, nil, rerr
		}
		if cm != nil {
			replyTTL = cm.TTL
		}
		return n, replyTTL, addr, nil
	}
	n, addr, rerr := p.icmpConn.ReadFrom(buf)
	return n, 0, addr, rerr
}

func (p *UDPProber) matchResponse(msg *icmp.Message, srcPort, dstPort uint16, replyTTL int) (*Record, bool) {
	switch msg.Type {
	case ipv4.ICMPTypeTimeExceeded, ipv6.ICMPTypeTimeExceeded:
		if body, ok := msg.Body.(*icmp.TimeExceeded); ok && p.matchOriginal(body.Data, srcPort, dstPort) {
			return &Record{ReplyICMPType: icmpTypeInt(msg.Type), ReplyTTL: replyTTL}, true
		}
	case ipv4.ICMPTypeDestinationUnreachable, ipv6.ICMPTypeDestinationUnreachable:
		if body, ok := msg.Body.(*icmp.DstUnreach); ok && p.matchOriginal(body.Data, srcPort, dstPort) {
			return &Record{ReplyICMPType: icmpTypeInt(msg.Type), ReplyTTL: replyTTL}, true
		}
	}
	return nil, false
}

// matchOriginal checks that the quoted original packet carries our fixed
// source/destination ports. The IP header is typically 20 bytes, UDP
// header 8 bytes — the minimum an ICMP error is required to quote.
func (p *UDPProber) matchOriginal(data []byte, srcPort, dstPort uint16) bool {
	if len(data) < 28 {
		return false
	}
	ihl := int(data[0]&0x0f) * 4
	if ihl < 20 || len(data) < ihl+8 {
		return false
	}
	udpHeader := data[ihl:]
	gotSrc := binary.BigEndian.Uint16(udpHeader[0:2])
	gotDst := binary.BigEndian.Uint16(udpHeader[2:4])
	return gotSrc == srcPort && gotDst == dstPort
}

func parseIP(addr net.Addr) net.IP {
	switch v := addr.(type) {
	case *net.IPAddr:
		return v.IP
	case *net.UDPAddr:
		return v.IP
	default:
		return nil
	}
}

// Close releases resources held by the prober.
func (p *UDPProber) Close() error {
	var errs []error
	if p.icmpConn != nil {
		if err := p.icmpConn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if p.udpConn != nil {
		if err := p.udpConn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

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

// TCPProberConfig holds configuration for the TCP prober.
type TCPProberConfig struct {
	Timeout time.Duration
	Port    int // destination port, held constant for fixed flow (default 80)
	IPv6    bool
}

// TCPProber implements Prober using TCP SYN segments, reading back either
// an ICMP Time Exceeded / Destination Unreachable, or a direct SYN-ACK/RST
// once the destination itself answers. Source and destination ports are
// fixed for the Prober's lifetime — see the note on UDPProber.
type TCPProber struct {
	mu sync.Mutex

	config   TCPProberConfig
	icmpConn *icmp.PacketConn
	rawConn  net.PacketConn
	localIP  net.IP
	srcPort  uint16
	timeout  time.Duration
}

// NewTCPProber creates a new TCP SYN prober.
func NewTCPProber(config TCPProberConfig) (*TCPProber, error) {
	if config.Timeout == 0 {
		config.Timeout = 2500 * time.Millisecond
	}
	if config.Port == 0 {
		config.Port = 80
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

	var rawConn net.PacketConn
	if config.IPv6 {
		rawConn, err = net.ListenPacket("ip6:tcp", "::")
	} else {
		rawConn, err = net.ListenPacket("ip4:tcp", "0.0.0.0")
	}
	if err != nil {
		icmpConn.Close()
		return nil, fmt.Errorf("failed to create TCP raw socket: %w", err)
	}

	localIP := getOutboundIP(config.IPv6)
	srcPort := uint16(30000 + (time.Now().UnixNano() % 10000))

	return &TCPProber{
		config:   config,
		icmpConn: icmpConn,
		rawConn:  rawConn,
		localIP:  localIP,
		srcPort:  srcPort,
		timeout:  config.Timeout,
	}, nil
}

// SetTimeout sets the per-probe timeout.
func (p *TCPProber) SetTimeout(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timeout = d
}

// Timeout returns the currently configured per-probe timeout.
func (p *TCPProber) Timeout() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.timeout
}

// SingleProbe sends one TCP SYN segment at ttl. fixedFlow is accepted for
// interface symmetry: srcPort/config.Port never vary across calls on this
// Prober.
func (p *TCPProber) SingleProbe(ctx context.Context, dest net.IP, ttl int, fixedFlow bool) (*Record, error) {
	if ttl < 1 || ttl > 255 {
		return nil, ErrInvalidTTL
	}
	if err := p.setTTL(ttl); err != nil {
		return nil, fmt.Errorf("failed to set TTL: %w", err)
	}

	packet := p.buildSYNPacket(p.localIP, dest, p.srcPort, uint16(p.config.Port), 1)

	timeout := p.Timeout()
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := p.icmpConn.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("failed to set ICMP deadline: %w", err)
	}
	if err := p.rawConn.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("failed to set TCP deadline: %w", err)
	}

	if _, err := p.rawConn.WriteTo(packet, &net.IPAddr{IP: dest}); err != nil {
		return nil, fmt.Errorf("failed to send TCP SYN: %w", err)
	}

	return p.receiveResponse(ctx, dest)
}

func (p *TCPProber) setTTL(ttl int) error {
	conn, ok := p.rawConn.(*net.IPConn)
	if !ok {
		return fmt.Errorf("unsupported connection type")
	}
	rawConn, err := conn.SyscallConn()
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

func (p *TCPProber) buildSYNPacket(src, dst net.IP, srcPort, dstPort uint16, seq uint32) []byte {
	tcp := make([]byte, 20)
	binary.BigEndian.PutUint16(tcp[0:2], srcPort)
	binary.BigEndian.PutUint16(tcp[2:4], dstPort)
	binary.BigEndian.PutUint32(tcp[4:8], seq)
	binary.BigEndian.PutUint32(tcp[8:12], 0)
	tcp[12] = 0x50
	tcp[13] = 0x02 // SYN
	binary.BigEndian.PutUint16(tcp[14:16], 65535)
	binary.BigEndian.PutUint16(tcp[16:18], 0)
	binary.BigEndian.PutUint16(tcp[18:20], 0)

	checksum := p.tcpChecksum(src, dst, tcp)
	binary.BigEndian.PutUint16(tcp[16:18], checksum)
	return tcp
}

func (p *TCPProber) tcpChecksum(src, dst net.IP, tcpHeader []byte) uint16 {
	var pseudoHeader []byte
	if p.config.IPv6 {
		pseudoHeader = make([]byte, 40)
		copy(pseudoHeader[0:16], src.To16())
		copy(pseudoHeader[16:32], dst.To16())
		binary.BigEndian.PutUint32(pseudoHeader[32:36], uint32(len(tcpHeader)))
		pseudoHeader[39] = 6
	} else {
		pseudoHeader = make([]byte, 12)
		copy(pseudoHeader[0:4], src.To4())
		copy(pseudoHeader[4:8], dst.To4())
		pseudoHeader[9] = 6
		binary.BigEndian.PutUint16(pseudoHeader[10:12], uint16(len(tcpHeader)))
	}
	data := append(pseudoHeader, tcpHeader...)
	return Checksum(data)
}

// receiveResponse races an ICMP listener against the raw TCP listener,
// returning whichever answers first.
func (p *TCPProber) receiveResponse(ctx context.Context, dest net.IP) (*Record, error) {
	resultCh := make(chan *Record, 2)
	errCh := make(chan error, 2)
	done := make(chan struct{})
	defer close(done)

	go p.readICMP(dest, resultCh, errCh, done)
	go p.readTCP(resultCh, done)

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case rec := <-resultCh:
		return rec, nil
	case err := <-errCh:
		if isTimeoutError(err) {
			return &Record{IsAnonymous: true}, nil
		}
		return nil, err
	}
}

func (p *TCPProber) readICMP(dest net.IP, resultCh chan<- *Record, errCh chan<- error, done <-chan struct{}) {
	buf := make([]byte, 1500)
	for {
		select {
		case <-done:
			return
		default:
		}

		n, replyTTL, peer, err := p.readICMPFrom(buf)
		if err != nil {
			select {
			case errCh <- err:
			case <-done:
			}
			return
		}

		rec, ok := p.parseICMPResponse(buf[:n], replyTTL)
		if ok {
			rec.ReplyAddr = parseIP(peer)
			select {
			case resultCh <- rec:
			case <-done:
			}
			return
		}
	}
}

func (p *TCPProber) readICMPFrom(buf []byte) (n, replyTTL int, peer net.Addr, err error) {
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

func (p *TCPProber) readTCP(resultCh chan<- *Record, done <-chan struct{}) {
	buf := make([]byte, 1500)
	for {
		select {
		case <-done:
			return
		default:
		}

		n, peer, err := p.rawConn.ReadFrom(buf)
		if err != nil {
			return
		}

		rec, ok := p.parseTCPResponse(buf[:n])
		if ok {
			rec.ReplyAddr = parseIP(peer)
			select {
			case resultCh <- rec:
			case <-done:
			}
			return
		}
	}
}

func (p *TCPProber) parseICMPResponse(data []byte, replyTTL int) (*Record, bool) {
	proto := 1
	if p.config.IPv6 {
		proto = 58
	}
	msg, err := icmp.ParseMessage(proto, data)
	if err != nil {
		return nil, false
	}

	switch msg.Type {
	case ipv4.ICMPTypeTimeExceeded, ipv6.ICMPTypeTimeExceeded:
		if body, ok := msg.Body.(*icmp.TimeExceeded); ok && p.matchOriginalTCP(body.Data) {
			return &Record{ReplyICMPType: icmpTypeInt(msg.Type), ReplyTTL: replyTTL}, true
		}
	case ipv4.ICMPTypeDestinationUnreachable, ipv6.ICMPTypeDestinationUnreachable:
		if body, ok := msg.Body.(*icmp.DstUnreach); ok && p.matchOriginalTCP(body.Data) {
			return &Record{ReplyICMPType: icmpTypeInt(msg.Type), ReplyTTL: replyTTL}, true
		}
	}
	return nil, false
}

func (p *TCPProber) matchOriginalTCP(data []byte) bool {
	if len(data) < 28 {
		return false
	}
	ihl := int(data[0]&0x0f) * 4
	if ihl < 20 || len(data) < ihl+8 {
		return false
	}
	tcpHeader := data[ihl:]
	gotSrc := binary.BigEndian.Uint16(tcpHeader[0:2])
	gotDst := binary.BigEndian.Uint16(tcpHeader[2:4])
	return gotSrc == p.srcPort && int(gotDst) == p.config.Port
}

func (p *TCPProber) parseTCPResponse(data []byte) (*Record, bool) {
	if len(data) < 20 {
		return nil, false
	}
	pktSrcPort := binary.BigEndian.Uint16(data[0:2])
	pktDstPort := binary.BigEndian.Uint16(data[2:4])
	flags := data[13]

	if int(pktSrcPort) != p.config.Port || pktDstPort != p.srcPort {
		return nil, false
	}

	synAck := (flags & 0x12) == 0x12
	rst := (flags & 0x04) == 0x04
	if !synAck && !rst {
		return nil, false
	}

	// The destination itself answered directly, not via an intermediate
	// router's ICMP error — there is no TTL to report for this hop.
	return &Record{}, true
}

// Close releases resources held by the prober.
func (p *TCPProber) Close() error {
	var errs []error
	if p.icmpConn != nil {
		if err := p.icmpConn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if p.rawConn != nil {
		if err := p.rawConn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// getOutboundIP gets the preferred outbound IP address, used as the
// source address embedded in the TCP pseudo-header checksum.
func getOutboundIP(ipv6 bool) net.IP {
	network, address := "udp4", "8.8.8.8:80"
	if ipv6 {
		network, address = "udp6", "[2001:4860:4860::8888]:80"
	}

	conn, err := net.Dial(network, address)
	if err != nil {
		if ipv6 {
			return net.ParseIP("::")
		}
		return net.ParseIP("0.0.0.0")
	}
	defer conn.Close()

	return conn.LocalAddr().(*net.UDPAddr).IP
}

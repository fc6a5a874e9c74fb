package probe

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestNewTCPProber(t *testing.T) {
	if !canCreateRawSocketTCP() {
		t.Skip("Skipping: requires elevated privileges")
	}

	prober, err := NewTCPProber(TCPProberConfig{Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("NewTCPProber() error = %v", err)
	}
	defer prober.Close()

	if prober.config.Port != 80 {
		t.Errorf("Port = %d, want 80 (default)", prober.config.Port)
	}
}

func TestTCPProber_InvalidTTL(t *testing.T) {
	if !canCreateRawSocketTCP() {
		t.Skip("Skipping: requires elevated privileges")
	}

	prober, err := NewTCPProber(TCPProberConfig{Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("NewTCPProber() error = %v", err)
	}
	defer prober.Close()

	ctx := context.Background()
	dest := net.ParseIP("127.0.0.1")

	if _, err := prober.SingleProbe(ctx, dest, 0, true); err != ErrInvalidTTL {
		t.Errorf("SingleProbe(ttl=0) error = %v, want ErrInvalidTTL", err)
	}
	if _, err := prober.SingleProbe(ctx, dest, 256, true); err != ErrInvalidTTL {
		t.Errorf("SingleProbe(ttl=256) error = %v, want ErrInvalidTTL", err)
	}
}

func TestTCPProber_BuildSYNPacket(t *testing.T) {
	if !canCreateRawSocketTCP() {
		t.Skip("Skipping: requires elevated privileges")
	}

	prober, err := NewTCPProber(TCPProberConfig{Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("NewTCPProber() error = %v", err)
	}
	defer prober.Close()

	src := net.ParseIP("192.168.1.1")
	dst := net.ParseIP("8.8.8.8")
	srcPort := uint16(12345)
	dstPort := uint16(80)

	packet := prober.buildSYNPacket(src, dst, srcPort, dstPort, 1)

	if len(packet) != 20 {
		t.Errorf("Packet length = %d, want 20", len(packet))
	}
	pktSrcPort := uint16(packet[0])<<8 | uint16(packet[1])
	if pktSrcPort != srcPort {
		t.Errorf("Source port = %d, want %d", pktSrcPort, srcPort)
	}
	pktDstPort := uint16(packet[2])<<8 | uint16(packet[3])
	if pktDstPort != dstPort {
		t.Errorf("Destination port = %d, want %d", pktDstPort, dstPort)
	}
	if packet[13] != 0x02 {
		t.Errorf("Flags = 0x%02x, want 0x02 (SYN)", packet[13])
	}
	if dataOffset := packet[12] >> 4; dataOffset != 5 {
		t.Errorf("Data offset = %d, want 5", dataOffset)
	}
}

func TestTCPProber_Port443(t *testing.T) {
	if !canCreateRawSocketTCP() {
		t.Skip("Skipping: requires elevated privileges")
	}

	prober, err := NewTCPProber(TCPProberConfig{Timeout: 2 * time.Second, Port: 443})
	if err != nil {
		t.Fatalf("NewTCPProber() error = %v", err)
	}
	defer prober.Close()

	if prober.config.Port != 443 {
		t.Errorf("Port = %d, want 443", prober.config.Port)
	}
}

func TestTCPProber_FixedPortPair(t *testing.T) {
	if !canCreateRawSocketTCP() {
		t.Skip("Skipping: requires elevated privileges")
	}

	prober, err := NewTCPProber(TCPProberConfig{Timeout: 500 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewTCPProber() error = %v", err)
	}
	defer prober.Close()

	srcPort := prober.srcPort
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := prober.SingleProbe(ctx, net.ParseIP("192.0.2.1"), 1, true); err != nil {
		t.Fatalf("SingleProbe() error = %v", err)
	}
	if prober.srcPort != srcPort {
		t.Error("source port changed across probes — fixed flow violated")
	}
}

func TestGetOutboundIP(t *testing.T) {
	ip := getOutboundIP(false)
	if ip == nil {
		t.Fatal("getOutboundIP() returned nil")
	}
	if ip.To4() == nil && !ip.Equal(net.ParseIP("0.0.0.0")) {
		t.Errorf("Expected IPv4 address, got %v", ip)
	}
}

// canCreateRawSocketTCP checks if we have privileges for raw TCP sockets.
func canCreateRawSocketTCP() bool {
	conn, err := net.ListenPacket("ip4:tcp", "0.0.0.0")
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

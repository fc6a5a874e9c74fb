package probe

import (
	"context"
	"net"
	"os"
	"runtime"
	"testing"
	"time"
)

func TestNewUDPProber(t *testing.T) {
	if !canCreateRawSocketUDP() {
		t.Skip("Skipping: requires elevated privileges")
	}

	prober, err := NewUDPProber(UDPProberConfig{Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("NewUDPProber() error = %v", err)
	}
	defer prober.Close()

	if prober.config.Port != 33434 {
		t.Errorf("Port = %d, want 33434 (default)", prober.config.Port)
	}
}

func TestUDPProber_InvalidTTL(t *testing.T) {
	if !canCreateRawSocketUDP() {
		t.Skip("Skipping: requires elevated privileges")
	}

	prober, err := NewUDPProber(UDPProberConfig{Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("NewUDPProber() error = %v", err)
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

func TestUDPProber_FixedPortPair(t *testing.T) {
	if !canCreateRawSocketUDP() {
		t.Skip("Skipping: requires elevated privileges")
	}

	prober, err := NewUDPProber(UDPProberConfig{Timeout: 500 * time.Millisecond, Port: 33434})
	if err != nil {
		t.Fatalf("NewUDPProber() error = %v", err)
	}
	defer prober.Close()

	srcPort := prober.udpConn.LocalAddr().(*net.UDPAddr).Port
	if srcPort == 0 {
		t.Fatal("expected a bound local port")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	dest := net.ParseIP("192.0.2.1")

	if _, err := prober.SingleProbe(ctx, dest, 1, true); err != nil {
		t.Fatalf("first SingleProbe() error = %v", err)
	}
	if prober.udpConn.LocalAddr().(*net.UDPAddr).Port != srcPort {
		t.Error("source port changed across probes — fixed flow violated")
	}
	if prober.config.Port != 33434 {
		t.Error("destination port changed across probes — fixed flow violated")
	}
}

func TestUDPProber_ContextCancellation(t *testing.T) {
	if !canCreateRawSocketUDP() {
		t.Skip("Skipping: requires elevated privileges")
	}

	prober, err := NewUDPProber(UDPProberConfig{Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("NewUDPProber() error = %v", err)
	}
	defer prober.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	dest := net.ParseIP("192.0.2.1")
	if _, err := prober.SingleProbe(ctx, dest, 1, true); err == nil {
		t.Error("SingleProbe() should fail with cancelled context")
	}
}

// canCreateRawSocketUDP checks if we have privileges to create raw sockets.
func canCreateRawSocketUDP() bool {
	if runtime.GOOS == "windows" {
		_, err := os.Open("\\\\.\\PHYSICALDRIVE0")
		return err == nil
	}
	return os.Getuid() == 0
}

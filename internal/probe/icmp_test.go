package probe

import (
	"context"
	"net"
	"os"
	"runtime"
	"testing"
	"time"
)

func TestNewICMPProber(t *testing.T) {
	if !canCreateRawSocket() {
		t.Skip("Skipping: requires elevated privileges")
	}

	prober, err := NewICMPProber(ICMPProberConfig{Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("NewICMPProber() error = %v", err)
	}
	defer prober.Close()

	if prober.Timeout() != 2*time.Second {
		t.Errorf("Timeout() = %v, want 2s", prober.Timeout())
	}
}

func TestICMPProber_ProbeLocalhost(t *testing.T) {
	if !canCreateRawSocket() {
		t.Skip("Skipping: requires elevated privileges")
	}

	prober, err := NewICMPProber(ICMPProberConfig{Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("NewICMPProber() error = %v", err)
	}
	defer prober.Close()

	ctx := context.Background()
	rec, err := prober.SingleProbe(ctx, net.ParseIP("127.0.0.1"), 64, true)
	if err != nil {
		t.Fatalf("SingleProbe() error = %v", err)
	}

	if rec.IsAnonymous {
		t.Error("SingleProbe to localhost should not time out")
	}
	if rec.ReplyAddr == nil || !rec.ReplyAddr.Equal(net.ParseIP("127.0.0.1")) {
		t.Errorf("ReplyAddr = %v, want 127.0.0.1", rec.ReplyAddr)
	}
}

func TestICMPProber_InvalidTTL(t *testing.T) {
	if !canCreateRawSocket() {
		t.Skip("Skipping: requires elevated privileges")
	}

	prober, err := NewICMPProber(ICMPProberConfig{Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("NewICMPProber() error = %v", err)
	}
	defer prober.Close()

	ctx := context.Background()

	if _, err := prober.SingleProbe(ctx, net.ParseIP("127.0.0.1"), 0, true); err != ErrInvalidTTL {
		t.Errorf("SingleProbe(TTL=0) error = %v, want ErrInvalidTTL", err)
	}
	if _, err := prober.SingleProbe(ctx, net.ParseIP("127.0.0.1"), 256, true); err != ErrInvalidTTL {
		t.Errorf("SingleProbe(TTL=256) error = %v, want ErrInvalidTTL", err)
	}
}

func TestICMPProber_ContextCancellation(t *testing.T) {
	if !canCreateRawSocket() {
		t.Skip("Skipping: requires elevated privileges")
	}

	prober, err := NewICMPProber(ICMPProberConfig{Timeout: 10 * time.Second})
	if err != nil {
		t.Fatalf("NewICMPProber() error = %v", err)
	}
	defer prober.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := prober.SingleProbe(ctx, net.ParseIP("192.0.2.1"), 64, true); err == nil {
		t.Error("SingleProbe with cancelled context should return error")
	}
}

// canCreateRawSocket checks if we can create raw ICMP sockets.
func canCreateRawSocket() bool {
	if runtime.GOOS == "windows" {
		_, err := os.Open("\\\\.\\PHYSICALDRIVE0")
		return err == nil
	}
	return os.Getuid() == 0
}

package probe

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestNewProber(t *testing.T) {
	cfg := Config{Timeout: 2 * time.Second}

	for _, method := range []Method{MethodICMP, MethodUDP, MethodTCP} {
		if !canCreateRawSocketParis() {
			t.Skip("Skipping: requires elevated privileges")
		}

		prober, err := NewProber(method, cfg)
		if err != nil {
			t.Fatalf("NewProber(%v) error = %v", method, err)
		}
		if prober == nil {
			t.Fatalf("NewProber(%v) returned nil prober", method)
		}
		prober.Close()
	}
}

func TestNewProber_UnknownMethod(t *testing.T) {
	_, err := NewProber(Method(99), Config{})
	if err == nil {
		t.Error("NewProber with unknown method should fail")
	}
}

func TestNewProber_InvalidTTL(t *testing.T) {
	if !canCreateRawSocketParis() {
		t.Skip("Skipping: requires elevated privileges")
	}

	prober, err := NewProber(MethodICMP, Config{Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("NewProber() error = %v", err)
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

func TestMethod_String(t *testing.T) {
	cases := map[Method]string{MethodICMP: "icmp", MethodUDP: "udp", MethodTCP: "tcp"}
	for m, want := range cases {
		if got := m.String(); got != want {
			t.Errorf("Method(%d).String() = %q, want %q", m, got, want)
		}
	}
}

// canCreateRawSocketParis checks if we can create raw sockets.
func canCreateRawSocketParis() bool {
	conn, err := net.ListenPacket("ip4:icmp", "0.0.0.0")
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

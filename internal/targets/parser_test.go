package targets

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/jefgrailet/rtrack/internal/iptable"
)

func TestParse_SingleIPsAndBlocks(t *testing.T) {
	p := New(nil)
	p.Parse("10.0.0.1,10.0.0.0/30,not-an-ip,1.2.3.4", ',')

	if len(p.ips) != 2 {
		t.Fatalf("len(ips) = %d, want 2 (one malformed token skipped)", len(p.ips))
	}
	if len(p.blocks) != 1 {
		t.Fatalf("len(blocks) = %d, want 1", len(p.blocks))
	}
}

func TestParseCommandLine_MixesFileAndPlainTargets(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "targets.txt")
	if err := os.WriteFile(file, []byte("10.0.0.5\n10.0.0.6\n"), 0644); err != nil {
		t.Fatal(err)
	}

	p := New(nil)
	p.ParseCommandLine(file + ",10.0.0.7")

	if len(p.ips) != 3 {
		t.Fatalf("len(ips) = %d, want 3", len(p.ips))
	}
}

func TestInitialTargets_ExcludesLAN(t *testing.T) {
	p := New(nil)
	p.Parse("10.0.0.1,192.168.1.1", ',')

	_, lan, _ := net.ParseCIDR("10.0.0.0/24")
	out := p.InitialTargets(lan, 4)

	for _, ip := range out {
		if lan.Contains(ip) {
			t.Errorf("target %v should have been excluded as part of the LAN", ip)
		}
	}
	if len(out) != 1 {
		t.Fatalf("len(out) = %d, want 1", len(out))
	}
}

func TestInitialTargets_ExpandsBlocks(t *testing.T) {
	p := New(nil)
	p.Parse("10.0.0.0/30", ',')

	out := p.InitialTargets(nil, 8)
	if len(out) != 4 {
		t.Fatalf("len(out) = %d, want 4 (a /30 has 4 addresses)", len(out))
	}
}

func TestReorder_PreservesEveryElementWhenSpreading(t *testing.T) {
	var in []net.IP
	for i := 1; i <= 10; i++ {
		in = append(in, net.IPv4(10, 0, 0, byte(i)))
	}

	out := reorder(in, 3)
	if len(out) != len(in) {
		t.Fatalf("len(out) = %d, want %d", len(out), len(in))
	}

	seen := make(map[string]bool)
	for _, ip := range out {
		seen[ip.String()] = true
	}
	for _, ip := range in {
		if !seen[ip.String()] {
			t.Errorf("reorder dropped %v", ip)
		}
	}
}

func TestReorder_FewerTargetsThanThreadsIsJustAShuffle(t *testing.T) {
	in := []net.IP{net.IPv4(10, 0, 0, 1), net.IPv4(10, 0, 0, 2)}
	out := reorder(in, 8)
	if len(out) != 2 {
		t.Fatalf("len(out) = %d, want 2", len(out))
	}
}

func TestResponsiveTargets_OnlyKeepsKnownAddresses(t *testing.T) {
	p := New(nil)
	p.Parse("10.0.0.1,10.0.0.2", ',')

	tbl := iptable.New()
	tbl.Create(net.ParseIP("10.0.0.1"))

	out := p.ResponsiveTargets(tbl, nil, 8)
	if len(out) != 1 || !out[0].Equal(net.ParseIP("10.0.0.1")) {
		t.Fatalf("ResponsiveTargets() = %v, want [10.0.0.1]", out)
	}
}

func TestTargetsEncompassLAN(t *testing.T) {
	p := New(nil)
	p.Parse("10.0.0.0/24", ',')

	if !p.TargetsEncompassLAN(net.ParseIP("10.0.0.55")) {
		t.Error("expected local address within the parsed block to be detected")
	}
	if p.TargetsEncompassLAN(net.ParseIP("192.168.1.1")) {
		t.Error("unrelated address should not be reported as within targets")
	}
}

// Package targets turns the operator's raw target list — single
// addresses, CIDR blocks, and file paths, any mix of the three
// comma-separated — into the ordered IPv4 address list the engine feeds
// to its tracing phase, LAN-filtered and reordered to spread consecutive
// probes across distinct interfaces.
package targets

import (
	"fmt"
	"io"
	"math/rand"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/jefgrailet/rtrack/internal/iptable"
)

// minTargetLen mirrors TargetParser::MIN_LENGTH_TARGET_STR: a token
// shorter than the smallest possible "a.b.c.d" is never a valid target
// and is skipped without complaint.
const minTargetLen = 7

// Parser accumulates single addresses and address blocks parsed from one
// or more input strings or files.
type Parser struct {
	out io.Writer

	ips    []net.IP
	blocks []*net.IPNet
}

// New creates an empty Parser. Malformed tokens are reported to out, not
// treated as fatal — parsing continues with whatever remains valid.
func New(out io.Writer) *Parser {
	if out == nil {
		out = io.Discard
	}
	return &Parser{out: out}
}

// Parse splits input on sep and adds every valid token as either a single
// address or an address block.
func (p *Parser) Parse(input string, sep byte) {
	if len(input) == 0 {
		return
	}
	for _, tok := range strings.Split(input, string(sep)) {
		tok = strings.TrimSpace(tok)
		if len(tok) < minTargetLen {
			continue
		}

		if idx := strings.IndexByte(tok, '/'); idx != -1 {
			p.addBlock(tok, idx)
			continue
		}

		ip := net.ParseIP(tok)
		if ip == nil || ip.To4() == nil {
			fmt.Fprintf(p.out, "Malformed/Unrecognized destination IP address or host name %q\n", tok)
			continue
		}
		p.ips = append(p.ips, ip.To4())
	}
}

func (p *Parser) addBlock(tok string, slash int) {
	prefixAddr := tok[:slash]
	length, err := strconv.Atoi(tok[slash+1:])
	ip := net.ParseIP(prefixAddr)
	if err != nil || ip == nil || ip.To4() == nil || length < 0 || length > 32 {
		fmt.Fprintf(p.out, "Malformed/Unrecognized address block %q\n", tok)
		return
	}
	_, block, cidrErr := net.ParseCIDR(fmt.Sprintf("%s/%d", ip.String(), length))
	if cidrErr != nil {
		fmt.Fprintf(p.out, "Malformed/Unrecognized address block %q\n", tok)
		return
	}
	p.blocks = append(p.blocks, block)
}

// ParseCommandLine accepts a comma-separated list where each element is
// either a target/block or a file path; file contents are read and
// parsed as newline-separated targets, everything else is parsed as a
// comma-separated target list.
func (p *Parser) ParseCommandLine(targetListStr string) {
	var plain []string
	for _, tok := range strings.Split(targetListStr, ",") {
		data, err := os.ReadFile(tok)
		if err != nil {
			plain = append(plain, tok)
			continue
		}
		p.Parse(string(data), '\n')
	}
	p.Parse(strings.Join(plain, ","), ',')
}

// reorder spreads nbTargets targets out so that, wherever there are more
// targets than maxThreads concurrent workers, each pick lands maxThreads
// positions past the previous one in the shrinking input list, so
// addresses adjacent in the input are mostly not probed back to back
// (with 4 targets and 2 workers the order is 1, 3, 2, 4) — probing
// neighbors at the same moment produces noisier results. With few enough
// targets to run them all in one round there is nothing to spread, so the
// list is simply shuffled instead.
func reorder(in []net.IP, maxThreads int) []net.IP {
	n := len(in)
	if n == 0 {
		return nil
	}
	if n <= maxThreads {
		out := append([]net.IP(nil), in...)
		rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
		return out
	}

	remaining := append([]net.IP(nil), in...)
	out := make([]net.IP, 0, n)
	idx := 0
	for len(remaining) > 0 {
		out = append(out, remaining[idx])
		remaining = append(remaining[:idx], remaining[idx+1:]...)
		if len(remaining) == 0 {
			break
		}
		step := idx - 1 + maxThreads
		idx = ((step % len(remaining)) + len(remaining)) % len(remaining)
	}
	return out
}

func inNet(ip net.IP, lan *net.IPNet) bool {
	return lan != nil && lan.Contains(ip)
}

// InitialTargets expands every parsed address and block into a flat
// address list, excludes anything inside lan (nil lan excludes nothing),
// and reorders the result for maxThreads-wide concurrency.
func (p *Parser) InitialTargets(lan *net.IPNet, maxThreads int) []net.IP {
	var flat []net.IP
	for _, ip := range p.ips {
		if inNet(ip, lan) {
			continue
		}
		flat = append(flat, ip)
	}
	for _, block := range p.blocks {
		for _, ip := range expandBlock(block) {
			if inNet(ip, lan) {
				continue
			}
			flat = append(flat, ip)
		}
	}
	return reorder(flat, maxThreads)
}

// ResponsiveTargets narrows InitialTargets down to addresses already
// present in table — i.e. ones the pre-scan found to be alive.
func (p *Parser) ResponsiveTargets(table *iptable.Table, lan *net.IPNet, maxThreads int) []net.IP {
	initial := p.InitialTargets(lan, maxThreads)
	var responsive []net.IP
	for _, ip := range initial {
		if table.Lookup(ip) != nil {
			responsive = append(responsive, ip)
		}
	}
	return reorder(responsive, maxThreads)
}

// TargetsEncompassLAN reports whether the parsed targets (directly, or
// via a block) include the local machine's own address.
func (p *Parser) TargetsEncompassLAN(localIP net.IP) bool {
	for _, ip := range p.ips {
		if ip.Equal(localIP) {
			return true
		}
	}
	for _, block := range p.blocks {
		if block.Contains(localIP) {
			return true
		}
	}
	return false
}

func expandBlock(block *net.IPNet) []net.IP {
	ones, bits := block.Mask.Size()
	if bits != 32 {
		return nil
	}
	count := 1 << uint(32-ones)
	// Nothing upstream limits the prefix length, so a very short prefix
	// is enumerated in full.
	base := block.IP.To4()
	start := uint32(base[0])<<24 | uint32(base[1])<<16 | uint32(base[2])<<8 | uint32(base[3])
	out := make([]net.IP, 0, count)
	for i := 0; i < count; i++ {
		v := start + uint32(i)
		out = append(out, net.IPv4(byte(v>>24), byte(v>>16), byte(v>>8), byte(v)))
	}
	return out
}

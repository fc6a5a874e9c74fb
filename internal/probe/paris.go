package probe

import (
	"fmt"
	"time"
)

// Config gathers the knobs NewProber needs across all three methods. Only
// the fields relevant to the selected Method are read.
type Config struct {
	Timeout    time.Duration
	IPv6       bool
	Port       int    // UDP/TCP destination port
	Identifier uint16 // ICMP identifier; 0 picks the process ID

	// RegulatingPeriod is the minimum delay enforced between any two
	// probes the returned Prober sends, independent of destination. Zero
	// disables regulation.
	RegulatingPeriod time.Duration
}

// NewProber is the tagged constructor named in the engine's design notes:
// it picks one of the three fixed-flow-capable implementations and returns
// it behind the common Prober interface. Fixed flow is intrinsic to every
// implementation returned here — there is no separate "Paris mode" to
// request, since each Prober instance already pins whatever field a
// load-balancer would hash on for its entire lifetime.
func NewProber(method Method, cfg Config) (Prober, error) {
	var (
		p   Prober
		err error
	)
	switch method {
	case MethodICMP:
		p, err = NewICMPProber(ICMPProberConfig{
			Timeout:    cfg.Timeout,
			IPv6:       cfg.IPv6,
			Identifier: cfg.Identifier,
		})
	case MethodUDP:
		p, err = NewUDPProber(UDPProberConfig{
			Timeout: cfg.Timeout,
			Port:    cfg.Port,
			IPv6:    cfg.IPv6,
		})
	case MethodTCP:
		p, err = NewTCPProber(TCPProberConfig{
			Timeout: cfg.Timeout,
			Port:    cfg.Port,
			IPv6:    cfg.IPv6,
		})
	default:
		return nil, fmt.Errorf("unknown probe method: %v", method)
	}
	if err != nil {
		return nil, err
	}
	return withRegulatingPeriod(p, cfg.RegulatingPeriod), nil
}

package iptable

import (
	"encoding/binary"
	"net"
	"os"
	"sync"
)

// bucketShift and bucketCount mirror IPLookUpTable::SIZE_TABLE: 2^20 buckets keyed by the
// high 20 bits of the address (address >> 12).
const bucketShift = 12
const bucketCount = 1 << 20

// Table is the global, concurrent IP dictionary. Insert is idempotent on
// the address key: a second Create for an address already present returns
// the existing entry and a false "created" flag — it never replaces.
type Table struct {
	mu      sync.Mutex
	buckets [][]*Interface
}

// New creates an empty table with its full bucket array pre-allocated,
// matching the haystack array IPLookUpTable allocates up front.
func New() *Table {
	return &Table{buckets: make([][]*Interface, bucketCount)}
}

func bucketIndex(addr net.IP) uint32 {
	v4 := addr.To4()
	if v4 == nil {
		// Non-IPv4 addresses never occur in this tool (see Non-goals);
		// fold the low 32 bits so lookups stay well-defined regardless.
		v4 = addr.To16()[12:16]
	}
	u := binary.BigEndian.Uint32(v4)
	return (u >> bucketShift) % bucketCount
}

// Lookup returns the existing entry for addr, or nil if it has never been
// created.
func (t *Table) Lookup(addr net.IP) *Interface {
	idx := bucketIndex(addr)
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.buckets[idx] {
		if e.addr.Equal(addr) {
			return e
		}
	}
	return nil
}

// Create inserts a new entry for addr, or returns the existing one
// unchanged if addr is already present. The bucket is kept
// address-ordered, as IPLookUpTable::create sorts it after insertion.
func (t *Table) Create(addr net.IP) (entry *Interface, created bool) {
	idx := bucketIndex(addr)
	t.mu.Lock()
	defer t.mu.Unlock()

	bucket := t.buckets[idx]
	for _, e := range bucket {
		if e.addr.Equal(addr) {
			return e, false
		}
	}

	e := newInterface(addr)
	bucket = append(bucket, e)
	sortBucket(bucket)
	t.buckets[idx] = bucket
	return e, true
}

// LookupOrCreate is the common entry point used by the tracer/repairer:
// look the address up, creating it on first sight.
func (t *Table) LookupOrCreate(addr net.IP) *Interface {
	if e := t.Lookup(addr); e != nil {
		return e
	}
	e, _ := t.Create(addr)
	return e
}

func sortBucket(bucket []*Interface) {
	for i := 1; i < len(bucket); i++ {
		for j := i; j > 0 && addrLess(bucket[j].addr, bucket[j-1].addr); j-- {
			bucket[j], bucket[j-1] = bucket[j-1], bucket[j]
		}
	}
}

func addrLess(a, b net.IP) bool {
	return bytesLess(a, b)
}

// IsEmpty reports whether the table holds no entries at all.
func (t *Table) IsEmpty() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, b := range t.buckets {
		if len(b) > 0 {
			return false
		}
	}
	return true
}

// TotalIPs returns the number of distinct addresses recorded.
func (t *Table) TotalIPs() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	total := 0
	for _, b := range t.buckets {
		total += len(b)
	}
	return total
}

// ForEach walks every entry in bucket order, the same traversal
// outputDictionnary/outputRoundRecords use.
func (t *Table) ForEach(fn func(*Interface)) {
	t.mu.Lock()
	var entries []*Interface
	for _, b := range t.buckets {
		entries = append(entries, b...)
	}
	t.mu.Unlock()

	for _, e := range entries {
		fn(e)
	}
}

// StretchedIPs returns every interface ever flagged stretched.
func (t *Table) StretchedIPs() []*Interface {
	var out []*Interface
	t.ForEach(func(e *Interface) {
		if e.IsStretched() {
			out = append(out, e)
		}
	})
	return out
}

// InCyclesIPs returns every interface ever flagged cycling.
func (t *Table) InCyclesIPs() []*Interface {
	var out []*Interface
	t.ForEach(func(e *Interface) {
		if e.IsCycling() {
			out = append(out, e)
		}
	})
	return out
}

// RateLimitedIPs returns every rate-limit candidate that also has a valid
// analysis target recorded (destination != 0 and TTL > 0).
func (t *Table) RateLimitedIPs() []*Interface {
	var out []*Interface
	t.ForEach(func(e *Interface) {
		if !e.IsRateLimited() {
			return
		}
		target, ttl := e.RLAnalysisTarget()
		if target != nil && !target.IsUnspecified() && ttl > 0 {
			out = append(out, e)
		}
	})
	return out
}

// WriteDictionary writes the `L.ip` file: one ToString line per entry, in
// bucket order. The file is made world-readable, as
// IPLookUpTable::outputDictionnary does with chmod 0766.
func (t *Table) WriteDictionary(path string) error {
	var out []byte
	t.ForEach(func(e *Interface) {
		out = append(out, []byte(e.ToString())...)
	})
	if err := os.WriteFile(path, out, 0644); err != nil {
		return err
	}
	return os.Chmod(path, 0766)
}

// WriteRoundRecords writes the `L.rate-limit` file: for every interface
// that completed at least one rate-limit round, its address followed by
// one ToString line per round.
func (t *Table) WriteRoundRecords(path string) error {
	var out []byte
	t.ForEach(func(e *Interface) {
		if !e.HasRoundRecords() {
			return
		}
		out = append(out, []byte(e.Addr().String()+"\n")...)
		for _, r := range e.RoundRecords() {
			out = append(out, []byte(r.ToString()+"\n")...)
		}
	})
	if err := os.WriteFile(path, out, 0644); err != nil {
		return err
	}
	return os.Chmod(path, 0766)
}

// Package ipgen implements a stateful lazy producer that draws candidate
// addresses from a set of CIDR ranges with an exploit/explore policy,
// biased by success reports toward subnets that have already proven good.
package ipgen

import (
	"math/rand"
	"net/netip"
	"sync"
)

// Family selects which address family draw() should return.
type Family string

const (
	FamilyV4  Family = "ipv4"
	FamilyV6  Family = "ipv6"
	FamilyAny Family = "all"
)

// fallbackIP is returned whenever a draw cannot otherwise be satisfied.
var fallbackIP = netip.MustParseAddr("1.1.1.1")

// exploitProbability is the fraction of draws that pick from the priority
// set rather than the base ranges, when the priority set is non-empty.
const exploitProbability = 0.4

// Generator draws candidate IPs from a mutable set of CIDR ranges, biasing
// toward priority subnets discovered via ReportSuccess. Safe for concurrent
// use by multiple scheduler workers: priority subnets are monotonically
// added and readers tolerate stale reads.
type Generator struct {
	mu         sync.Mutex
	ranges     []netip.Prefix
	priority   map[netip.Prefix]struct{}
	triedCount int64
	rng        *rand.Rand
}

// New creates a Generator seeded with ranges. An empty or all-malformed
// ranges slice still produces a usable (if fallback-only) Generator.
func New(ranges []netip.Prefix) *Generator {
	return &Generator{
		ranges:   append([]netip.Prefix(nil), ranges...),
		priority: make(map[netip.Prefix]struct{}),
		rng:      rand.New(rand.NewSource(rand.Int63())),
	}
}

// TriedCount returns the number of Draw calls made so far.
func (g *Generator) TriedCount() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.triedCount
}

// PrioritySize returns the current number of priority subnets. It never
// exceeds the number of ReportSuccess calls made so far.
func (g *Generator) PrioritySize() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.priority)
}

// Draw returns one candidate address for the requested family. Steps:
// filter by family, then with probability 0.4 (only
// if a filtered priority subnet exists) pick uniformly from priority
// ("exploit"); otherwise pick uniformly from the base ranges ("explore").
// Any failure (empty filtered set, malformed range) returns fallbackIP.
func (g *Generator) Draw(family Family) netip.Addr {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.triedCount++

	filteredRanges := filterByFamily(g.ranges, family)
	filteredPriority := filterByFamilyMap(g.priority, family)

	if len(filteredPriority) > 0 && g.rng.Float64() < exploitProbability {
		subnet := filteredPriority[g.rng.Intn(len(filteredPriority))]
		if addr, ok := randomAddrIn(subnet, g.rng); ok {
			return addr
		}
	}

	if len(filteredRanges) == 0 {
		return fallbackIP
	}
	subnet := filteredRanges[g.rng.Intn(len(filteredRanges))]
	if addr, ok := randomAddrIn(subnet, g.rng); ok {
		return addr
	}
	return fallbackIP
}

// ReportSuccess computes the enclosing /24 (v4) or /120 (v6) around ip and
// adds it to the priority set. The priority set only ever grows within a
// Generator's lifetime.
func (g *Generator) ReportSuccess(ip netip.Addr) {
	ip = ip.Unmap()
	var bits int
	if ip.Is4() {
		bits = 24
	} else {
		bits = 120
	}
	prefix, err := ip.Prefix(bits)
	if err != nil {
		return
	}
	g.mu.Lock()
	g.priority[prefix] = struct{}{}
	g.mu.Unlock()
}

// ReplaceRanges atomically swaps the base CIDR set. Existing priority
// subnets are left untouched.
func (g *Generator) ReplaceRanges(ranges []netip.Prefix) {
	g.mu.Lock()
	g.ranges = append([]netip.Prefix(nil), ranges...)
	g.mu.Unlock()
}

func filterByFamily(ranges []netip.Prefix, family Family) []netip.Prefix {
	if family == FamilyAny {
		return ranges
	}
	out := make([]netip.Prefix, 0, len(ranges))
	for _, r := range ranges {
		if matchesFamily(r.Addr(), family) {
			out = append(out, r)
		}
	}
	return out
}

func filterByFamilyMap(m map[netip.Prefix]struct{}, family Family) []netip.Prefix {
	out := make([]netip.Prefix, 0, len(m))
	for p := range m {
		if family == FamilyAny || matchesFamily(p.Addr(), family) {
			out = append(out, p)
		}
	}
	return out
}

func matchesFamily(addr netip.Addr, family Family) bool {
	switch family {
	case FamilyV4:
		return addr.Is4()
	case FamilyV6:
		return addr.Is6() && !addr.Is4In6()
	default:
		return true
	}
}

// randomAddrIn returns a uniformly random address within prefix, including
// network/broadcast addresses.
func randomAddrIn(prefix netip.Prefix, rng *rand.Rand) (netip.Addr, bool) {
	base := prefix.Masked().Addr()
	hostBits := base.BitLen() - prefix.Bits()
	if hostBits < 0 {
		return netip.Addr{}, false
	}
	if hostBits == 0 {
		return base, true
	}
	if hostBits > 63 {
		// Avoid overflow for huge IPv6 ranges: randomize only the low 63
		// bits and keep the network prefix fixed for the rest.
		hostBits = 63
	}
	var offset uint64
	if hostBits == 63 {
		offset = uint64(rng.Int63())
	} else {
		offset = uint64(rng.Int63n(int64(1) << uint(hostBits)))
	}
	return addOffset(base, offset)
}

func addOffset(base netip.Addr, offset uint64) (netip.Addr, bool) {
	b := base.As16()
	if base.Is4() {
		b4 := base.As4()
		v := uint32(b4[0])<<24 | uint32(b4[1])<<16 | uint32(b4[2])<<8 | uint32(b4[3])
		v += uint32(offset)
		nb := [4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
		return netip.AddrFrom4(nb), true
	}
	// Add offset to the low 64 bits of the 128-bit address, with carry into
	// the high 64 bits.
	var low, high uint64
	for i := 0; i < 8; i++ {
		high = high<<8 | uint64(b[i])
	}
	for i := 8; i < 16; i++ {
		low = low<<8 | uint64(b[i])
	}
	newLow := low + offset
	if newLow < low {
		high++
	}
	var out [16]byte
	for i := 7; i >= 0; i-- {
		out[i] = byte(high)
		high >>= 8
	}
	for i := 15; i >= 8; i-- {
		out[i] = byte(newLow)
		newLow >>= 8
	}
	return netip.AddrFrom16(out), true
}

package ipgen

import (
	"net/netip"
	"testing"
)

func mustPrefix(t *testing.T, s string) netip.Prefix {
	t.Helper()
	p, err := netip.ParsePrefix(s)
	if err != nil {
		t.Fatalf("parse prefix %q: %v", s, err)
	}
	return p
}

func TestDrawNeverExploitsWithEmptyPriority(t *testing.T) {
	g := New([]netip.Prefix{mustPrefix(t, "104.16.0.0/13")})
	for i := 0; i < 1000; i++ {
		addr := g.Draw(FamilyV4)
		if !addr.IsValid() {
			t.Fatalf("draw %d: invalid address", i)
		}
	}
	if g.PrioritySize() != 0 {
		t.Fatalf("priority size should stay 0 without ReportSuccess, got %d", g.PrioritySize())
	}
}

func TestDrawExploitProbability(t *testing.T) {
	g := New([]netip.Prefix{mustPrefix(t, "8.8.8.0/24")})
	priority := mustPrefix(t, "1.2.3.0/24")
	g.priority[priority] = struct{}{}

	const n = 10000
	inPriority := 0
	for i := 0; i < n; i++ {
		addr := g.Draw(FamilyV4)
		if priority.Contains(addr) {
			inPriority++
		}
	}
	frac := float64(inPriority) / float64(n)
	if frac < 0.38 || frac > 0.42 {
		t.Fatalf("exploit fraction %.4f outside [0.38, 0.42]", frac)
	}
}

func TestReportSuccessMonotonicity(t *testing.T) {
	g := New([]netip.Prefix{mustPrefix(t, "9.9.9.0/24")})
	ips := []string{"9.9.9.1", "9.9.9.2", "9.9.9.3", "1.1.1.1"}
	for _, s := range ips {
		addr := netip.MustParseAddr(s)
		g.ReportSuccess(addr)
	}
	if g.PrioritySize() > len(ips) {
		t.Fatalf("priority size %d exceeds number of ReportSuccess calls %d", g.PrioritySize(), len(ips))
	}
	// 9.9.9.1/2/3 all collapse into the same /24; 1.1.1.1 is a second.
	if g.PrioritySize() != 2 {
		t.Fatalf("expected 2 distinct /24s, got %d", g.PrioritySize())
	}
}

func TestDrawFamilyFiltering(t *testing.T) {
	g := New([]netip.Prefix{
		mustPrefix(t, "8.8.8.0/24"),
		mustPrefix(t, "2001:db8::/32"),
	})
	for i := 0; i < 200; i++ {
		addr := g.Draw(FamilyV4)
		if !addr.Is4() {
			t.Fatalf("FamilyV4 draw returned non-v4 address %s", addr)
		}
	}
	for i := 0; i < 200; i++ {
		addr := g.Draw(FamilyV6)
		if addr.Is4() {
			t.Fatalf("FamilyV6 draw returned v4 address %s", addr)
		}
	}
}

func TestReportSuccessIPv6(t *testing.T) {
	g := New(nil)
	addr := netip.MustParseAddr("2606:4700::1111")
	g.ReportSuccess(addr)
	if g.PrioritySize() != 1 {
		t.Fatalf("expected 1 priority subnet, got %d", g.PrioritySize())
	}
	for p := range g.priority {
		if p.Bits() != 120 {
			t.Fatalf("expected /120 for ipv6, got /%d", p.Bits())
		}
		if !p.Contains(addr) {
			t.Fatalf("priority prefix %s does not contain %s", p, addr)
		}
	}
}

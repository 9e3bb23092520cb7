package ipsource

import "testing"

func TestResolveManualExpandsCIDR(t *testing.T) {
	addrs, err := ResolveManual([]string{"203.0.113.0/30"})
	if err != nil {
		t.Fatalf("ResolveManual: %v", err)
	}
	if len(addrs) != 4 {
		t.Fatalf("expected 4 addresses for a /30, got %d: %v", len(addrs), addrs)
	}
	want := []string{"203.0.113.0", "203.0.113.1", "203.0.113.2", "203.0.113.3"}
	for i, w := range want {
		if addrs[i].String() != w {
			t.Errorf("addr[%d] = %s, want %s", i, addrs[i], w)
		}
	}
}

func TestResolveManualSingleIP(t *testing.T) {
	addrs, err := ResolveManual([]string{"198.51.100.1"})
	if err != nil {
		t.Fatalf("ResolveManual: %v", err)
	}
	if len(addrs) != 1 || addrs[0].String() != "198.51.100.1" {
		t.Fatalf("expected exactly [198.51.100.1], got %v", addrs)
	}
}

func TestResolveManualRejectsGarbage(t *testing.T) {
	if _, err := ResolveManual([]string{"not-an-ip"}); err == nil {
		t.Fatal("expected error for unparsable manual IP")
	}
}

func TestBuiltinRangesNonEmpty(t *testing.T) {
	if len(Builtin(KindOfficial)) == 0 {
		t.Fatal("official ranges must be non-empty")
	}
	if len(Builtin(KindFastlyCDN)) == 0 {
		t.Fatal("fastly ranges must be non-empty")
	}
}

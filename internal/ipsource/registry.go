package ipsource

import (
	"context"
	"fmt"
	"net/netip"
)

// Request describes one scan's candidate-source selection.
type Request struct {
	Kind       Kind
	CustomURL  string
	ManualIPs  []string // CIDR or bare IP literals, consumed exactly once
	ISP        string
	Location   string
	Country    string
	GoldLimit  int
}

// Result is what the scan scheduler consumes: either a finite StaticIPs
// list, consumed exactly once, or a Ranges set to hand to the smart IP
// generator for unbounded dynamic draws.
type Result struct {
	StaticIPs []netip.Addr
	Ranges    []netip.Prefix
}

// Registry resolves a Request into a Result, falling back to the built-in
// Cloudflare ranges whenever a live/dynamic source fails: recoverable
// infrastructure failures are handled by fallback and never surfaced as
// scan-fatal.
type Registry struct {
	Fetcher *Fetcher
	Gold    *GoldDomainCache
	History HistoricalGoodStore
}

// NewRegistry wires a Registry with sane defaults.
func NewRegistry(history HistoricalGoodStore) *Registry {
	return &Registry{
		Fetcher: NewFetcher(nil),
		Gold:    NewGoldDomainCache(),
		History: history,
	}
}

// Resolve implements the per-source behavior for each Kind.
func (r *Registry) Resolve(ctx context.Context, req Request) (Result, error) {
	switch req.Kind {
	case KindOfficial:
		return Result{Ranges: CloudflareRanges}, nil

	case KindFastlyCDN:
		return Result{Ranges: FastlyRanges}, nil

	case KindAutoScrape, KindCommunityScrape:
		ranges, err := r.Fetcher.FetchAll(ctx, CommunityScrapeURLs)
		if err != nil {
			return Result{Ranges: CloudflareRanges}, nil
		}
		return Result{Ranges: ranges}, nil

	case KindCustomURL:
		if req.CustomURL == "" {
			return Result{}, fmt.Errorf("ipsource: custom_url source requires custom_url")
		}
		ranges, err := r.Fetcher.FetchRanges(ctx, req.CustomURL)
		if err != nil {
			return Result{Ranges: CloudflareRanges}, nil
		}
		return Result{Ranges: ranges}, nil

	case KindSmartHistory:
		if r.History == nil {
			return Result{Ranges: CloudflareRanges}, nil
		}
		addrs, err := ResolveHistorical(ctx, r.History, req.ISP, req.Location, req.Country, req.GoldLimit)
		if err != nil || len(addrs) == 0 {
			return Result{Ranges: CloudflareRanges}, nil
		}
		return Result{StaticIPs: addrs}, nil

	case KindCommunityGold, KindGoldIPs:
		domains := r.Gold.Domains(req.Country)
		limit := req.GoldLimit
		if limit <= 0 {
			limit = 64
		}
		raw := ResolveGoldIPs(ctx, domains, limit)
		addrs := make([]netip.Addr, 0, len(raw))
		for _, s := range raw {
			if a, err := netip.ParseAddr(s); err == nil {
				addrs = append(addrs, a)
			}
		}
		if len(addrs) == 0 {
			return Result{Ranges: CloudflareRanges}, nil
		}
		return Result{StaticIPs: addrs}, nil

	default:
		return Result{}, fmt.Errorf("ipsource: unknown source kind %q", req.Kind)
	}
}

// ResolveManual expands req.ManualIPs (bare IPs and/or CIDRs) into the
// explicit, ordered, exactly-once candidate list: for example
// manual_ips=["203.0.113.0/30"] yields exactly the 4 addresses of that /30.
func ResolveManual(manual []string) ([]netip.Addr, error) {
	var out []netip.Addr
	for _, m := range manual {
		prefixes := ParseRangeList(m)
		if len(prefixes) == 0 {
			return nil, fmt.Errorf("ipsource: unparsable manual IP/CIDR %q", m)
		}
		for _, p := range prefixes {
			out = append(out, allAddrsIn(p)...)
		}
	}
	return out, nil
}

// allAddrsIn enumerates every address in p, including network/broadcast.
func allAddrsIn(p netip.Prefix) []netip.Addr {
	p = p.Masked()
	if p.Bits() == p.Addr().BitLen() {
		return []netip.Addr{p.Addr()}
	}
	var out []netip.Addr
	addr := p.Addr()
	for {
		out = append(out, addr)
		next := addr.Next()
		if !next.IsValid() || !p.Contains(next) {
			break
		}
		addr = next
		if len(out) > 1<<20 {
			break // implementation safety ceiling
		}
	}
	return out
}

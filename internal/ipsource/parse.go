package ipsource

import (
	"net/netip"
	"strings"
)

// ParseRangeList parses newline-delimited text into CIDR prefixes. A bare IP
// (no '/') is treated as a /32 (v4) or /128 (v6) host route. Blank lines
// and '#' comments are skipped; unparsable lines are skipped rather than
// aborting the whole fetch.
func ParseRangeList(text string) []netip.Prefix {
	var out []netip.Prefix
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !strings.Contains(line, "/") {
			if strings.Contains(line, ":") {
				line += "/128"
			} else {
				line += "/32"
			}
		}
		p, err := netip.ParsePrefix(line)
		if err != nil {
			continue
		}
		out = append(out, p)
	}
	return out
}

// DedupPrefixes returns ranges with exact duplicates removed, preserving
// first-seen order.
func DedupPrefixes(ranges []netip.Prefix) []netip.Prefix {
	seen := make(map[netip.Prefix]struct{}, len(ranges))
	out := make([]netip.Prefix, 0, len(ranges))
	for _, p := range ranges {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

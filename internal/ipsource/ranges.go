// Package ipsource produces candidate IPs or CIDR ranges from one of
// several sources — static built-in CDN ranges, a remote range list
// fetched when the scan resolves its source, a user-supplied IP/CIDR list,
// historical good IPs from persistent storage, or a community aggregate —
// and feeds whichever
// source the scan requested to the smart IP generator or a static
// candidate list.
package ipsource

import "net/netip"

// Kind enumerates the ip_source values accepted by the REST /scan contract.
type Kind string

const (
	KindOfficial        Kind = "official"
	KindSmartHistory    Kind = "smart_history"
	KindCommunityGold   Kind = "community_gold"
	KindGoldIPs         Kind = "gold_ips"
	KindAutoScrape      Kind = "auto_scrape"
	KindCommunityScrape Kind = "community_scrape"
	KindCustomURL       Kind = "custom_url"
	KindFastlyCDN       Kind = "fastly_cdn"
)

// mustPrefixes parses a literal list of CIDRs, panicking on a malformed
// built-in entry (a bug, never a runtime condition).
func mustPrefixes(cidrs ...string) []netip.Prefix {
	out := make([]netip.Prefix, 0, len(cidrs))
	for _, c := range cidrs {
		p, err := netip.ParsePrefix(c)
		if err != nil {
			panic("ipsource: bad built-in CIDR " + c + ": " + err.Error())
		}
		out = append(out, p)
	}
	return out
}

// CloudflareRanges is the fallback/built-in Cloudflare edge range set, used
// when no fresher remote list is available.
var CloudflareRanges = mustPrefixes(
	"173.245.48.0/20", "103.21.244.0/22", "103.22.200.0/22", "103.31.4.0/22",
	"141.101.64.0/18", "108.162.192.0/18", "190.93.240.0/20", "188.114.96.0/20",
	"197.234.240.0/22", "198.41.128.0/17", "162.158.0.0/15", "104.16.0.0/13",
	"104.24.0.0/14", "172.64.0.0/13", "131.0.72.0/22",
	"2400:cb00::/32", "2606:4700::/32", "2803:f800::/32", "2405:b500::/32",
	"2405:8100::/32", "2a06:98c0::/29", "2c0f:f248::/32",
)

// FastlyRanges is the built-in Fastly edge range set, the secondary CDN
// behind Cloudflare.
var FastlyRanges = mustPrefixes(
	"23.235.32.0/20", "43.249.72.0/22", "103.244.50.0/24", "103.245.222.0/23",
	"103.245.224.0/24", "104.156.80.0/20", "140.248.64.0/18", "140.248.128.0/17",
	"146.75.0.0/17", "151.101.0.0/16", "157.52.64.0/18", "167.82.0.0/17",
	"167.82.128.0/20", "167.82.160.0/20", "167.82.224.0/20", "172.111.64.0/18",
	"185.31.16.0/22", "199.27.72.0/21", "199.232.0.0/16",
)

// CommunityScrapeURLs lists plain-text, one-CIDR-or-IP-per-line mirrors
// that auto_scrape/community_scrape pull from.
var CommunityScrapeURLs = []string{
	"https://raw.githubusercontent.com/vfarid/cf-ip-scanner/main/ipv4.txt",
	"https://raw.githubusercontent.com/ircfspace/scanner/main/ipv4.txt",
}

// Builtin returns the built-in range set for official/fastly_cdn sources.
func Builtin(kind Kind) []netip.Prefix {
	switch kind {
	case KindFastlyCDN:
		return FastlyRanges
	default:
		return CloudflareRanges
	}
}

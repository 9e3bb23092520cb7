package ipsource

import (
	"context"
	"net"
	"sync"
	"time"
)

// goldCacheTTL is the freshness window for the gold domain cache.
const goldCacheTTL = 7 * 24 * time.Hour

// FallbackGoldDomains is used when no cache exists and a live scrape is not
// attempted: a fixed list of well-known Cloudflare-fronted domains.
var FallbackGoldDomains = []string{
	"discord.com", "cloudflare.com", "shopify.com", "reddit.com", "chatgpt.com",
	"canva.com", "medium.com", "zoom.us", "fiverr.com", "udemy.com",
	"khanacademy.org", "okta.com", "gitlab.com", "hubspot.com", "zendesk.com",
	"upwork.com", "glassdoor.com", "yelp.com", "quizlet.com", "coursehero.com",
	"patreon.com", "cisco.com", "ibm.com", "trello.com", "asana.com",
}

type goldCacheEntry struct {
	domains []string
	stamped time.Time
}

// GoldDomainCache caches the community-gold domain list per country,
// falling back to FallbackGoldDomains once the TTL expires. Safe for
// concurrent use.
type GoldDomainCache struct {
	mu      sync.Mutex
	entries map[string]goldCacheEntry
	now     func() time.Time
}

// NewGoldDomainCache returns an empty cache.
func NewGoldDomainCache() *GoldDomainCache {
	return &GoldDomainCache{
		entries: make(map[string]goldCacheEntry),
		now:     time.Now,
	}
}

// Domains returns the cached domain list for country if fresh (< 7 days
// old), else FallbackGoldDomains, caching the fallback so repeat calls
// during an outage don't re-derive it.
func (c *GoldDomainCache) Domains(country string) []string {
	if country == "" {
		country = "United States"
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[country]; ok && c.now().Sub(e.stamped) < goldCacheTTL && len(e.domains) > 0 {
		return e.domains
	}
	c.entries[country] = goldCacheEntry{domains: FallbackGoldDomains, stamped: c.now()}
	return FallbackGoldDomains
}

// Put stores a freshly scraped domain list for country (called by an
// operator-supplied scraper; cfedgescan does not scrape BuiltWith itself).
func (c *GoldDomainCache) Put(country string, domains []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[country] = goldCacheEntry{domains: domains, stamped: c.now()}
}

// ResolveGoldIPs resolves each domain in domains to its A/AAAA addresses via
// the default resolver, deduplicating and capping at limit. Individual
// lookup failures are skipped, never fatal to the whole source.
func ResolveGoldIPs(ctx context.Context, domains []string, limit int) []string {
	seen := make(map[string]struct{})
	var out []string
	resolver := net.DefaultResolver
	for _, d := range domains {
		if limit > 0 && len(out) >= limit {
			break
		}
		addrs, err := resolver.LookupHost(ctx, d)
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if _, ok := seen[a]; ok {
				continue
			}
			seen[a] = struct{}{}
			out = append(out, a)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out
}

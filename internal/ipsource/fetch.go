package ipsource

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"time"

	"github.com/andybalholm/brotli"
	"golang.org/x/time/rate"

	"github.com/snapetech/cfedgescan/internal/safeurl"
)

// Fetcher retrieves a remote range list over HTTPS, decoding brotli- or
// gzip-compressed bodies (some community mirrors serve either), and
// rate-limits outbound fetches so a misconfigured refresh interval or a
// burst of custom_url scans never hammers the same upstream.
type Fetcher struct {
	Client  *http.Client
	Limiter *rate.Limiter
}

// NewFetcher returns a Fetcher allowing at most 1 request/second per
// process, bursting to 3 — generous enough for a scan's handful of list
// refreshes, tight enough to never look like abuse to the mirror host.
func NewFetcher(client *http.Client) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Fetcher{
		Client:  client,
		Limiter: rate.NewLimiter(rate.Limit(1), 3),
	}
}

// FetchRanges fetches url (only http/https, SSRF-guarded via safeurl) and
// parses the body as a range list. Network or parse failures return an
// error; callers fall back to Builtin ranges.
func (f *Fetcher) FetchRanges(ctx context.Context, url string) ([]netip.Prefix, error) {
	if !safeurl.IsHTTPOrHTTPS(url) {
		return nil, fmt.Errorf("ipsource: refusing non-http(s) url %q", url)
	}
	if err := f.Limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept-Encoding", "br, gzip")
	req.Header.Set("User-Agent", "cfedgescan/1.0")

	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ipsource: fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ipsource: fetch %s: HTTP %d", url, resp.StatusCode)
	}

	body, err := decodeBody(resp)
	if err != nil {
		return nil, fmt.Errorf("ipsource: decode %s: %w", url, err)
	}

	ranges := ParseRangeList(string(body))
	if len(ranges) == 0 {
		return nil, fmt.Errorf("ipsource: %s produced no valid ranges", url)
	}
	return ranges, nil
}

// FetchAll fetches every URL in urls and merges + dedups the results.
// Individual URL failures are logged-by-omission (skipped); the call only
// fails if every URL failed.
func (f *Fetcher) FetchAll(ctx context.Context, urls []string) ([]netip.Prefix, error) {
	var merged []netip.Prefix
	var lastErr error
	for _, u := range urls {
		ranges, err := f.FetchRanges(ctx, u)
		if err != nil {
			lastErr = err
			continue
		}
		merged = append(merged, ranges...)
	}
	if len(merged) == 0 {
		if lastErr == nil {
			lastErr = fmt.Errorf("ipsource: no urls given")
		}
		return nil, lastErr
	}
	return DedupPrefixes(merged), nil
}

func decodeBody(resp *http.Response) ([]byte, error) {
	switch resp.Header.Get("Content-Encoding") {
	case "br":
		return io.ReadAll(brotli.NewReader(resp.Body))
	case "gzip":
		gr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		defer gr.Close()
		return io.ReadAll(gr)
	default:
		return io.ReadAll(resp.Body)
	}
}

// Package pipeline implements the probe pipeline: the sequence of steps run
// once per candidate IP, from TCP pre-filter through tunneled
// latency/throughput measurement to a final verdict. Every step after the
// tunnel launches through coresuper.Launch runs under a deferred Terminate +
// config-file removal, so cleanup always runs regardless of which step
// exits early.
package pipeline

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"net/netip"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/net/proxy"

	"github.com/snapetech/cfedgescan/internal/coresuper"
	"github.com/snapetech/cfedgescan/internal/proxyuri"
	"github.com/snapetech/cfedgescan/internal/scanjob"
	"github.com/snapetech/cfedgescan/internal/tunnelcfg"
	"github.com/snapetech/cfedgescan/internal/verdict"
)

// trustedIssuerSubstrings matches against the leaf certificate's issuer
// common/organization name during TLS identity verification. Any candidate
// whose chain doesn't mention one of these is classified compromised,
// never silently accepted as a generic failure.
var trustedIssuerSubstrings = []string{
	"Cloudflare", "Google Trust Services", "Let's Encrypt", "DigiCert", "GlobalSign",
}

// Options configures one Run call. CorePath and WorkDir are fixed across a
// scan; everything else varies per probe.
type Options struct {
	CorePath string
	WorkDir  string

	ProxyConfig proxyuri.Config
	Candidate   netip.Addr
	Port        int // 0 = use ProxyConfig.Port

	Thresholds verdict.Thresholds
	VerifyTLS  bool

	Fragment tunnelcfg.FragmentPolicy
	DNS      tunnelcfg.DNSOverride
	SNI      string // overrides ProxyConfig.SNI when set (test_snis)
	UTLSFingerprint string

	// StatusCheck is polled at every suspension point; it returns the job's
	// current status so the pipeline can honor pause/stop mid-probe. May be
	// nil, meaning never pause/abort.
	StatusCheck func() scanjob.Status

	// AcquireThroughput, when set, is called before throughput measurement
	// and must return a release function called once it finishes — a
	// scheduler-owned gate distinct from the discovery semaphore that
	// bounds everything before it. Nil means unbounded.
	AcquireThroughput func() (release func())
}

// probeTimeout bounds total wall-clock for one candidate so a single stuck
// core process can never stall the whole scan indefinitely.
const probeTimeout = 45 * time.Second

// Run executes the full probe pipeline for one candidate and always
// returns a scanjob.Outcome, never an error: every failure path is itself
// a classified outcome.
func Run(ctx context.Context, opt Options) scanjob.Outcome {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	out := scanjob.Outcome{IP: opt.Candidate, Port: effectivePort(opt)}

	if abortIfNeeded(opt, &out) {
		return out
	}

	// Step 1: TCP pre-filter.
	if !tcpReachable(ctx, opt.Candidate, out.Port) {
		out.Status = verdict.OutcomeUnreachable
		return out
	}

	// Step 2: optional TLS identity verification, directly against the
	// candidate (no tunnel needed yet — the cert is served by the edge
	// endpoint itself).
	if opt.VerifyTLS {
		sni := opt.SNI
		if sni == "" {
			sni = opt.ProxyConfig.SNI
		}
		if sni != "" && opt.ProxyConfig.Security != proxyuri.SecurityReality {
			ok, err := verifyTLSIdentity(ctx, opt.Candidate, out.Port, sni)
			if err != nil {
				out.Status = verdict.OutcomeTimeout
				return out
			}
			if !ok {
				out.Status = verdict.OutcomeCompromised
				return out
			}
		}
	}

	localPort := tunnelcfg.RandomLocalPort()
	cfg := opt.ProxyConfig
	if opt.SNI != "" {
		cfg.SNI = opt.SNI
	}
	doc := tunnelcfg.Synthesize(cfg, localPort, tunnelcfg.Options{
		TargetIP:        opt.Candidate.String(),
		TargetPort:      opt.Port,
		Fragment:        opt.Fragment,
		DNS:             opt.DNS,
		UTLSFingerprint: opt.UTLSFingerprint,
	})
	body, err := tunnelcfg.Marshal(doc)
	if err != nil {
		out.Status = verdict.OutcomeError
		return out
	}

	configPath := filepath.Join(opt.WorkDir, fmt.Sprintf("config_%s_%d.json", sanitizeIP(opt.Candidate), out.Port))
	if err := os.WriteFile(configPath, body, 0o600); err != nil {
		out.Status = verdict.OutcomeError
		return out
	}
	// Cleanup always runs: terminate the core and remove its config file
	// regardless of which step below returns.
	defer os.Remove(configPath)

	handle, err := coresuper.Launch(ctx, opt.CorePath, configPath, opt.Candidate.String())
	if err != nil {
		out.Status = verdict.OutcomeError
		return out
	}
	defer handle.Terminate()

	if abortIfNeeded(opt, &out) {
		return out
	}

	// Step 4: readiness poll, up to 5s at 500ms intervals.
	if !waitReady(ctx, localPort) {
		out.Status = verdict.OutcomeTimeout
		return out
	}

	dialer, err := proxy.SOCKS5("tcp", fmt.Sprintf("127.0.0.1:%d", localPort), nil, proxy.Direct)
	if err != nil {
		out.Status = verdict.OutcomeError
		return out
	}
	client := tunnelClient(dialer)

	// Step 5: warmup, 5 probes with 2s backoff between failures. A warmup
	// that never succeeds once is itself a verdict (unreachable through
	// the tunnel), not a silent continuation.
	if !warmup(ctx, client) {
		out.Status = verdict.OutcomeUnreachable
		return out
	}

	// Step 6: cooldown.
	if err := sleepCtx(ctx, 500*time.Millisecond); err != nil {
		out.Status = verdict.OutcomeAbort
		return out
	}

	if abortIfNeeded(opt, &out) {
		return out
	}

	// Step 7: ping/jitter, 6 probes at 200ms spacing, first discarded.
	pingMS, jitterMS, ok := measureLatency(ctx, client)
	if !ok {
		out.Status = verdict.OutcomeUnreachable
		return out
	}
	out.PingMS = pingMS
	out.JitterMS = jitterMS

	// Step 8: datacenter identification.
	out.Datacenter = identifyDatacenter(ctx, client)

	// Step 9: threshold check with one grace recheck.
	if opt.Thresholds.PingFails(pingMS) {
		if !opt.Thresholds.PingGrace(pingMS) {
			out.Status = verdict.OutcomeHighPing
			return out
		}
		recheckPing, recheckJitter, ok := measureLatency(ctx, client)
		if !ok || opt.Thresholds.PingFails(recheckPing) {
			out.Status = verdict.OutcomeHighPing
			return out
		}
		out.PingMS, out.JitterMS = recheckPing, recheckJitter
	}
	if opt.Thresholds.JitterFails(out.JitterMS) {
		if !opt.Thresholds.JitterGrace(out.JitterMS) {
			out.Status = verdict.OutcomeHighJitter
			return out
		}
		_, recheckJitter, ok := measureLatency(ctx, client)
		if !ok || opt.Thresholds.JitterFails(recheckJitter) {
			out.Status = verdict.OutcomeHighJitter
			return out
		}
		out.JitterMS = recheckJitter
	}

	if abortIfNeeded(opt, &out) {
		return out
	}

	// Step 10: throughput, best-of-two download and upload, under the
	// scheduler's throughput semaphore.
	if opt.AcquireThroughput != nil {
		release := opt.AcquireThroughput()
		defer release()
	}
	down, up := measureThroughput(ctx, client)
	out.DownMbps, out.UpMbps = down, up

	if opt.Thresholds.DownloadFails(down) {
		out.Status = verdict.OutcomeLowDownload
		return out
	}
	if opt.Thresholds.UploadFails(up) {
		out.Status = verdict.OutcomeLowUpload
		return out
	}

	out.Status = verdict.OutcomeOK
	out.Link = proxyuri.Reconstruct(cfg, opt.Candidate.String())
	return out
}

func effectivePort(opt Options) int {
	if opt.Port > 0 {
		return opt.Port
	}
	return opt.ProxyConfig.Port
}

// abortIfNeeded polls opt.StatusCheck; if the job has reached a terminal
// state it sets out.Status to abort and returns true so the caller returns
// immediately. A paused job sleeps 500ms between checks until resumed or
// stopped, never silently dropping the in-flight probe.
func abortIfNeeded(opt Options, out *scanjob.Outcome) bool {
	if opt.StatusCheck == nil {
		return false
	}
	for {
		switch opt.StatusCheck() {
		case scanjob.StatusPaused:
			time.Sleep(500 * time.Millisecond)
			continue
		case scanjob.StatusStopped, scanjob.StatusFailed, scanjob.StatusCompleted:
			out.Status = verdict.OutcomeAbort
			return true
		default:
			return false
		}
	}
}

func sanitizeIP(a netip.Addr) string {
	return strings.ReplaceAll(a.String(), ":", "_")
}

func tcpReachable(ctx context.Context, addr netip.Addr, port int) bool {
	d := net.Dialer{Timeout: 1 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(addr.String(), fmt.Sprint(port)))
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// verifyTLSIdentity dials the candidate directly over TLS with the given
// SNI and checks the leaf certificate's issuer against the known-CDN issuer
// list.
func verifyTLSIdentity(ctx context.Context, addr netip.Addr, port int, sni string) (bool, error) {
	d := tls.Dialer{
		NetDialer: &net.Dialer{Timeout: 3 * time.Second},
		Config:    &tls.Config{ServerName: sni, InsecureSkipVerify: true},
	}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(addr.String(), fmt.Sprint(port)))
	if err != nil {
		return false, err
	}
	defer conn.Close()
	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		return false, fmt.Errorf("pipeline: non-TLS connection")
	}
	state := tlsConn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return false, nil
	}
	issuer := state.PeerCertificates[0].Issuer.String()
	for _, trusted := range trustedIssuerSubstrings {
		if strings.Contains(issuer, trusted) {
			return true, nil
		}
	}
	return false, nil
}

func waitReady(ctx context.Context, localPort int) bool {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", localPort), 300*time.Millisecond)
		if err == nil {
			conn.Close()
			return true
		}
		if sleepCtx(ctx, 500*time.Millisecond) != nil {
			return false
		}
	}
	return false
}

func tunnelClient(dialer proxy.Dialer) *http.Client {
	transport := &http.Transport{
		Dial: dialer.Dial,
		ResponseHeaderTimeout: 10 * time.Second,
	}
	return &http.Client{Transport: transport, Timeout: 10 * time.Second}
}

const probeURL = "https://cp.cloudflare.com/generate_204"

func warmup(ctx context.Context, client *http.Client) bool {
	for i := 0; i < 5; i++ {
		if pingOnce(ctx, client) >= 0 {
			return true
		}
		if sleepCtx(ctx, 2*time.Second) != nil {
			return false
		}
	}
	return false
}

// pingOnce returns the round-trip time in milliseconds, or -1 on failure.
func pingOnce(ctx context.Context, client *http.Client) float64 {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, probeURL, nil)
	if err != nil {
		return -1
	}
	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return -1
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return float64(time.Since(start)) / float64(time.Millisecond)
}

// measureLatency runs 6 probes 200ms apart, discards the first (connection
// warmup skew), and returns average ping and jitter (max-min) over the
// remaining 5.
func measureLatency(ctx context.Context, client *http.Client) (pingMS, jitterMS float64, ok bool) {
	var samples []float64
	for i := 0; i < 6; i++ {
		ms := pingOnce(ctx, client)
		if ms >= 0 && i > 0 {
			samples = append(samples, ms)
		}
		if i < 5 {
			if sleepCtx(ctx, 200*time.Millisecond) != nil {
				return 0, 0, false
			}
		}
	}
	if len(samples) == 0 {
		return 0, 0, false
	}
	sort.Float64s(samples)
	sum := 0.0
	for _, s := range samples {
		sum += s
	}
	avg := sum / float64(len(samples))
	jitter := samples[len(samples)-1] - samples[0]
	return avg, jitter, true
}

// identifyDatacenter resolves the serving Cloudflare colo (cdn-cgi/trace
// "colo=" field) or Fastly POP (x-served-by header) over the tunneled
// connection.
func identifyDatacenter(ctx context.Context, client *http.Client) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://cp.cloudflare.com/cdn-cgi/trace", nil)
	if err == nil {
		resp, err := client.Do(req)
		if err == nil {
			defer resp.Body.Close()
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			for _, line := range strings.Split(string(body), "\n") {
				if strings.HasPrefix(line, "colo=") {
					return strings.TrimPrefix(line, "colo=")
				}
			}
		}
	}

	req2, err := http.NewRequestWithContext(ctx, http.MethodHead, "https://www.fastly.com/", nil)
	if err != nil {
		return ""
	}
	resp2, err := client.Do(req2)
	if err != nil {
		return ""
	}
	defer resp2.Body.Close()
	if v := resp2.Header.Get("x-served-by"); v != "" {
		return v
	}
	return ""
}

const (
	downloadTestURL = "https://speed.cloudflare.com/__down?bytes=1000000"
	uploadTestBytes = 1 * 1024 * 1024
)

// measureThroughput runs two download and two upload samples and keeps the
// best of each pair.
func measureThroughput(ctx context.Context, client *http.Client) (down, up float64) {
	for i := 0; i < 2; i++ {
		if m := downloadOnce(ctx, client); m > down {
			down = m
		}
	}
	for i := 0; i < 2; i++ {
		if m := uploadOnce(ctx, client); m > up {
			up = m
		}
	}
	return down, up
}

func downloadOnce(ctx context.Context, client *http.Client) float64 {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadTestURL, nil)
	if err != nil {
		return 0
	}
	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return 0
	}
	defer resp.Body.Close()
	n, _ := io.Copy(io.Discard, resp.Body)
	elapsed := time.Since(start).Seconds()
	if elapsed <= 0 || n == 0 {
		return 0
	}
	return mbps(n, elapsed)
}

func uploadOnce(ctx context.Context, client *http.Client) float64 {
	payload := make([]byte, uploadTestBytes)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://speed.cloudflare.com/__up", newRepeatReader(payload))
	if err != nil {
		return 0
	}
	req.ContentLength = int64(len(payload))
	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return 0
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	elapsed := time.Since(start).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return mbps(int64(len(payload)), elapsed)
}

func mbps(bytesN int64, seconds float64) float64 {
	bits := float64(bytesN) * 8
	return math.Round((bits/seconds/1_000_000)*100) / 100
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

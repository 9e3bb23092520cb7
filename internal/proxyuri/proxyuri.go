// Package proxyuri parses vless:// and trojan:// proxy URIs into a typed
// record and reconstructs them against a new candidate endpoint.
//
// Parse never returns an error to the caller: on any structural problem it
// returns the safe sentinel record documented in Parse's doc comment, since a
// malformed subscription line must never abort a scan.
package proxyuri

import (
	"net/url"
	"strconv"
	"strings"
)

// Scheme is the proxy protocol. Only vless and trojan are supported.
type Scheme string

const (
	SchemeVLESS  Scheme = "vless"
	SchemeTrojan Scheme = "trojan"
)

// Transport is the recognized "type" query parameter.
type Transport string

const (
	TransportTCP  Transport = "tcp"
	TransportWS   Transport = "ws"
	TransportGRPC Transport = "grpc"
)

// Security is the recognized "security" query parameter.
type Security string

const (
	SecurityNone    Security = "none"
	SecurityTLS     Security = "tls"
	SecurityReality Security = "reality"
)

// Fingerprint is the recognized "fp" (uTLS fingerprint) query parameter.
type Fingerprint string

const (
	FingerprintChrome  Fingerprint = "chrome"
	FingerprintFirefox Fingerprint = "firefox"
	FingerprintSafari  Fingerprint = "safari"
	FingerprintIOS     Fingerprint = "ios"
	FingerprintAndroid Fingerprint = "android"
	FingerprintEdge    Fingerprint = "edge"
	FingerprintRandom  Fingerprint = "random"
)

// Config is a parsed proxy URI. Params carries every recognized key
// verbatim (string values, not yet coerced) so Reconstruct can echo them
// back out; query keys outside the recognized set are dropped.
type Config struct {
	Scheme     Scheme
	Credential string // UUID (vless) or password (trojan); the segment before '@'
	Host       string // original host/domain from the URI (not the candidate IP)
	Port       int

	Type        Transport
	Security    Security
	SNI         string
	Fingerprint Fingerprint
	Path        string
	HostHeader  string
	ALPN        []string
	PublicKey   string // pbk (reality)
	ShortID     string // sid (reality)
	SpiderX     string // spx (reality)
	Encryption  string
	Flow        string
	ServiceName string // grpc

	// Params holds every recognized key=value pair verbatim, in first-seen
	// order of the parsed query string, for lossless reconstruction.
	Params map[string]string
	Order  []string
}

// defaultSentinel is returned by Parse on any structural parse failure.
func defaultSentinel() Config {
	return Config{
		Scheme: SchemeVLESS,
		Host:   "127.0.0.1",
		Port:   443,
		Params: map[string]string{},
	}
}

var recognizedParams = map[string]bool{
	"type": true, "security": true, "sni": true, "fp": true, "path": true,
	"host": true, "alpn": true, "pbk": true, "sid": true, "spx": true,
	"encryption": true, "flow": true, "serviceName": true,
}

// Parse extracts scheme, credential, host, port, and recognized query
// parameters from a vless:// or trojan:// URI. The '#' fragment is ignored.
//
// A missing or unparsable port defaults to 443. On any structural error
// (wrong scheme, missing '@', empty credential or host) Parse returns the
// safe sentinel: scheme=vless, host=127.0.0.1, port=443, empty
// params. It never panics and never returns a non-nil error; callers that
// need to distinguish "parsed cleanly" from "fell back to sentinel" should
// compare the result against IsSentinel.
func Parse(raw string) Config {
	raw = strings.TrimSpace(raw)

	var scheme Scheme
	switch {
	case strings.HasPrefix(raw, "vless://"):
		scheme = SchemeVLESS
		raw = strings.TrimPrefix(raw, "vless://")
	case strings.HasPrefix(raw, "trojan://"):
		scheme = SchemeTrojan
		raw = strings.TrimPrefix(raw, "trojan://")
	default:
		return defaultSentinel()
	}

	// Drop fragment first so it never leaks into the query-string split.
	if idx := strings.IndexByte(raw, '#'); idx >= 0 {
		raw = raw[:idx]
	}

	at := strings.LastIndexByte(raw, '@')
	if at < 0 || at == len(raw)-1 {
		return defaultSentinel()
	}
	credential := raw[:at]
	rest := raw[at+1:]
	if credential == "" {
		return defaultSentinel()
	}

	hostPart := rest
	var query string
	if q := strings.IndexByte(rest, '?'); q >= 0 {
		hostPart = rest[:q]
		query = rest[q+1:]
	}

	host, port, ok := splitHostPort(hostPart)
	if !ok {
		return defaultSentinel()
	}

	cfg := Config{
		Scheme:     scheme,
		Credential: credential,
		Host:       host,
		Port:       port,
		Type:       TransportTCP,
		Security:   SecurityNone,
		Params:     map[string]string{},
	}
	applyQuery(&cfg, query)
	return cfg
}

// splitHostPort extracts host and numeric port from "host:port". Port
// defaults to 443 whenever digits are missing or unparsable.
func splitHostPort(s string) (host string, port int, ok bool) {
	if s == "" {
		return "", 0, false
	}
	colon := strings.LastIndexByte(s, ':')
	if colon < 0 {
		return s, 443, true
	}
	host = s[:colon]
	portStr := s[colon+1:]
	if host == "" {
		return "", 0, false
	}
	p, err := strconv.Atoi(portStr)
	if err != nil || p <= 0 || p > 65535 {
		return host, 443, true
	}
	return host, p, true
}

func applyQuery(cfg *Config, query string) {
	if query == "" {
		return
	}
	values, err := url.ParseQuery(query)
	if err != nil {
		// Fall back to manual split: some providers emit raw '&'-joined
		// pairs that net/url's stricter parser rejects (e.g. unescaped
		// reserved characters inside sid/spx).
		values = manualParseQuery(query)
	}
	seen := make(map[string]bool)
	for _, pair := range strings.Split(query, "&") {
		key, _, _ := strings.Cut(pair, "=")
		if uk, err := url.QueryUnescape(key); err == nil {
			key = uk
		}
		if seen[key] || !recognizedParams[key] {
			continue
		}
		seen[key] = true
		if _, ok := values[key]; !ok {
			continue
		}
		v := values.Get(key)
		cfg.Params[key] = v
		cfg.Order = append(cfg.Order, key)
		switch key {
		case "type":
			cfg.Type = Transport(v)
		case "security":
			cfg.Security = Security(v)
		case "sni":
			cfg.SNI = v
		case "fp":
			cfg.Fingerprint = Fingerprint(v)
		case "path":
			cfg.Path = v
		case "host":
			cfg.HostHeader = v
		case "alpn":
			decoded, decErr := url.QueryUnescape(v)
			if decErr != nil {
				decoded = v
			}
			cfg.ALPN = splitNonEmpty(decoded, ",")
		case "pbk":
			cfg.PublicKey = v
		case "sid":
			cfg.ShortID = v
		case "spx":
			cfg.SpiderX = v
		case "encryption":
			cfg.Encryption = v
		case "flow":
			cfg.Flow = v
		case "serviceName":
			cfg.ServiceName = v
		}
	}
}

func manualParseQuery(query string) url.Values {
	out := url.Values{}
	for _, pair := range strings.Split(query, "&") {
		if pair == "" {
			continue
		}
		k, v, found := strings.Cut(pair, "=")
		if !found {
			continue
		}
		if uk, err := url.QueryUnescape(k); err == nil {
			k = uk
		}
		out.Set(k, v)
	}
	return out
}

func splitNonEmpty(s, sep string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, sep)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// IsSentinel reports whether cfg is the safe fallback record Parse returns
// on structural failure.
func IsSentinel(cfg Config) bool {
	return cfg.Scheme == SchemeVLESS && cfg.Credential == "" && cfg.Host == "127.0.0.1" && cfg.Port == 443
}

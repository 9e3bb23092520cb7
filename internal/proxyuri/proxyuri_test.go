package proxyuri

import "testing"

func TestParseReconstructRoundTrip(t *testing.T) {
	cases := []string{
		"vless://11111111-2222-3333-4444-555555555555@example.com:443?type=ws&security=tls&sni=example.com&path=%2Fws#old-name",
		"trojan://hunter2@edge.example.net:8443?type=tcp&security=tls&sni=edge.example.net",
		"vless://uuid-value@198.51.100.1:443?type=grpc&security=reality&pbk=abc&sid=def&fp=chrome",
	}
	for _, raw := range cases {
		cfg := Parse(raw)
		if IsSentinel(cfg) {
			t.Fatalf("Parse(%q) fell back to sentinel, want a real parse", raw)
		}
		rebuilt := Reconstruct(cfg, "203.0.113.9")
		again := Parse(rebuilt)
		if IsSentinel(again) {
			t.Fatalf("Reconstruct(%q) produced an unparsable URI: %q", raw, rebuilt)
		}
		if again.Scheme != cfg.Scheme {
			t.Errorf("scheme mismatch: got %q, want %q", again.Scheme, cfg.Scheme)
		}
		if again.Credential != cfg.Credential {
			t.Errorf("credential mismatch: got %q, want %q", again.Credential, cfg.Credential)
		}
		if again.Host != "203.0.113.9" {
			t.Errorf("reconstructed host = %q, want the candidate IP", again.Host)
		}
		if again.Port != cfg.Port {
			t.Errorf("port mismatch: got %d, want %d", again.Port, cfg.Port)
		}
		for _, k := range cfg.Order {
			if again.Params[k] != cfg.Params[k] {
				t.Errorf("param %q mismatch after round-trip: got %q, want %q", k, again.Params[k], cfg.Params[k])
			}
		}
	}
}

func TestParseMalformedFallsBackToSentinel(t *testing.T) {
	malformed := []string{
		"",
		"http://not-a-proxy-uri",
		"vless://missing-at-sign.example.com:443",
		"vless://@example.com:443", // empty credential
		"trojan://secret@",         // empty host
	}
	for _, raw := range malformed {
		cfg := Parse(raw)
		if !IsSentinel(cfg) {
			t.Errorf("Parse(%q) = %+v, want the sentinel fallback", raw, cfg)
		}
		// Reconstructing a sentinel must itself stay parsable, never panic
		// or produce an empty string.
		rebuilt := Reconstruct(cfg, "203.0.113.9")
		if rebuilt == "" {
			t.Errorf("Reconstruct of sentinel for %q produced an empty string", raw)
		}
		if again := Parse(rebuilt); !IsSentinel(again) {
			t.Errorf("re-parsing reconstructed sentinel for %q did not stay a sentinel: %+v", raw, again)
		}
	}
}

func TestParseDefaultsPortWhenMissing(t *testing.T) {
	cfg := Parse("vless://uuid@example.com?type=tcp")
	if IsSentinel(cfg) {
		t.Fatal("host without explicit port should still parse")
	}
	if cfg.Port != 443 {
		t.Errorf("default port = %d, want 443", cfg.Port)
	}
}

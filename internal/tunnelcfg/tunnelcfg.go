// Package tunnelcfg synthesizes the runtime configuration file consumed by
// the external proxy-core binary: the inbound/outbound JSON document
// xray-core expects, built from a typed Go config so the synthesizer is
// total over the closed set of transport/security combinations.
package tunnelcfg

import (
	"encoding/json"
	"math/rand"

	"github.com/snapetech/cfedgescan/internal/proxyuri"
)

// FragmentPolicy describes a TLS-ClientHello fragmentation dialer, used by
// the "freedom" outbound when censorship-bypass fragmentation is requested.
type FragmentPolicy struct {
	Enabled  bool
	Length   string // e.g. "10-20"
	Interval string // e.g. "10-20"
	Packets  string // "tlshello" | "1" | "2" | "3"
}

// DNSOverride routes port-53 traffic through a dedicated DNS outbound
// instead of the system resolver.
type DNSOverride struct {
	Enabled     bool
	Nameserver  string
	DNSDomain   string
	Mode        string // "dnstt" | "split"
}

// Options carries every probe-time override of the Tunnel Config Synthesizer.
type Options struct {
	TargetIP   string // candidate IP; outbound points here, not cfg.Host
	TargetPort int    // 0 = use the parsed proxy config's port
	Fragment   FragmentPolicy
	DNS        DNSOverride
	// UTLSFingerprint, when set, overrides cfg.Fingerprint on every outbound's
	// tls/reality settings.
	UTLSFingerprint string
}

// inboundSocks is the local SOCKS5 listener every probe dials through.
type inboundSocks struct {
	Listen   string `json:"listen"`
	Port     int    `json:"port"`
	Protocol string `json:"protocol"`
	Settings struct {
		Auth string `json:"auth"`
		UDP  bool   `json:"udp"`
	} `json:"settings"`
}

type sockopt struct {
	TCPNoDelay        bool `json:"tcpNoDelay"`
	TCPKeepAliveIdle  int  `json:"tcpKeepAliveIdle"`
	TCPMaxSeg         int  `json:"tcpMaxSeg"`
}

type tlsSettings struct {
	ServerName      string   `json:"serverName,omitempty"`
	AllowInsecure   bool     `json:"allowInsecure"`
	Fingerprint     string   `json:"fingerprint,omitempty"`
	ALPN            []string `json:"alpn,omitempty"`
}

type realitySettings struct {
	ServerName  string `json:"serverName,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
	PublicKey   string `json:"publicKey,omitempty"`
	ShortID     string `json:"shortId,omitempty"`
	SpiderX     string `json:"spiderX,omitempty"`
}

type wsSettings struct {
	Path    string            `json:"path"`
	Headers map[string]string `json:"headers,omitempty"`
}

type grpcSettings struct {
	ServiceName string `json:"serviceName"`
}

type streamSettings struct {
	Network         string           `json:"network"`
	Security        string           `json:"security"`
	Sockopt         *sockopt         `json:"sockopt,omitempty"`
	TLSSettings     *tlsSettings     `json:"tlsSettings,omitempty"`
	RealitySettings *realitySettings `json:"realitySettings,omitempty"`
	WSSettings      *wsSettings      `json:"wsSettings,omitempty"`
	GRPCSettings    *grpcSettings    `json:"grpcSettings,omitempty"`
}

// proxySettings routes an outbound through another outbound tag instead of
// dialing directly — xray-core's mechanism for chaining the primary
// connection through the fragment dialer.
type proxySettings struct {
	Tag string `json:"tag"`
}

type vnextUser struct {
	ID         string `json:"id,omitempty"`
	Password   string `json:"password,omitempty"`
	Encryption string `json:"encryption,omitempty"`
	Flow       string `json:"flow,omitempty"`
}

type vnext struct {
	Address string      `json:"address"`
	Port    int         `json:"port"`
	Users   []vnextUser `json:"users"`
}

type outbound struct {
	Tag            string         `json:"tag,omitempty"`
	Protocol       string         `json:"protocol"`
	Settings       map[string]any `json:"settings,omitempty"`
	StreamSettings *streamSettings `json:"streamSettings,omitempty"`
	ProxySettings  *proxySettings  `json:"proxySettings,omitempty"`
}

type routingRule struct {
	Type        string   `json:"type"`
	Port        string   `json:"port,omitempty"`
	Network     string   `json:"network,omitempty"`
	OutboundTag string   `json:"outboundTag"`
}

type routing struct {
	Rules []routingRule `json:"rules,omitempty"`
}

// Document is the full proxy-core config file written to disk.
type Document struct {
	Log       map[string]string `json:"log"`
	Inbounds  []inboundSocks    `json:"inbounds"`
	Outbounds []outbound        `json:"outbounds"`
	Routing   *routing          `json:"routing,omitempty"`
}

// RandomLocalPort returns a random ephemeral SOCKS5 listener port in
// [10000, 20000].
func RandomLocalPort() int {
	return 10000 + rand.Intn(10001)
}

// Synthesize builds the Document for one probe: a single SOCKS5 inbound on
// 127.0.0.1:localPort and a primary outbound pointing at opts.TargetIP
// (never cfg.Host), plus optional fragment and DNS-override outbounds.
func Synthesize(cfg proxyuri.Config, localPort int, opts Options) Document {
	port := cfg.Port
	if opts.TargetPort > 0 {
		port = opts.TargetPort
	}

	fp := string(cfg.Fingerprint)
	if opts.UTLSFingerprint != "" {
		fp = opts.UTLSFingerprint
	}

	ss := &streamSettings{
		Network:  string(cfg.Type),
		Security: string(cfg.Security),
		Sockopt: &sockopt{
			TCPNoDelay:       true,
			TCPKeepAliveIdle: 30,
			TCPMaxSeg:        1440,
		},
	}
	switch cfg.Security {
	case proxyuri.SecurityTLS:
		ss.TLSSettings = &tlsSettings{
			ServerName:    cfg.SNI,
			AllowInsecure: true,
			Fingerprint:   fp,
			ALPN:          cfg.ALPN,
		}
	case proxyuri.SecurityReality:
		ss.RealitySettings = &realitySettings{
			ServerName:  cfg.SNI,
			Fingerprint: fp,
			PublicKey:   cfg.PublicKey,
			ShortID:     cfg.ShortID,
			SpiderX:     cfg.SpiderX,
		}
	}
	switch cfg.Type {
	case proxyuri.TransportWS:
		ss.WSSettings = &wsSettings{
			Path: cfg.Path,
			Headers: map[string]string{
				"Host": cfg.HostHeader,
			},
		}
	case proxyuri.TransportGRPC:
		ss.GRPCSettings = &grpcSettings{ServiceName: cfg.ServiceName}
	}

	user := vnextUser{Encryption: cfg.Encryption, Flow: cfg.Flow}
	if cfg.Scheme == proxyuri.SchemeTrojan {
		user.Password = cfg.Credential
		user.Encryption = ""
		user.Flow = ""
	} else {
		user.ID = cfg.Credential
	}

	primary := outbound{
		Tag:      "primary",
		Protocol: string(cfg.Scheme),
		Settings: map[string]any{
			"vnext": []vnext{{
				Address: opts.TargetIP,
				Port:    port,
				Users:   []vnextUser{user},
			}},
		},
		StreamSettings: ss,
	}

	if opts.Fragment.Enabled {
		primary.ProxySettings = &proxySettings{Tag: "fragment"}
	}

	doc := Document{
		Log: map[string]string{"loglevel": "none"},
		Inbounds: []inboundSocks{{
			Listen:   "127.0.0.1",
			Port:     localPort,
			Protocol: "socks",
		}},
		Outbounds: []outbound{primary},
	}
	doc.Inbounds[0].Settings.Auth = "noauth"
	doc.Inbounds[0].Settings.UDP = true

	if opts.Fragment.Enabled {
		// The fragment outbound dials directly (no further proxySettings of
		// its own); primary routes through it via its proxySettings.tag
		// above, matching xray-core's outbound-chaining schema.
		doc.Outbounds = append(doc.Outbounds, outbound{
			Tag:      "fragment",
			Protocol: "freedom",
			Settings: map[string]any{
				"fragment": map[string]string{
					"packets":  opts.Fragment.Packets,
					"length":   opts.Fragment.Length,
					"interval": opts.Fragment.Interval,
				},
			},
		})
	}

	if opts.DNS.Enabled {
		doc.Outbounds = append(doc.Outbounds, outbound{
			Tag:      "dns-out",
			Protocol: "dns",
			Settings: map[string]any{
				"address": opts.DNS.Nameserver,
			},
		})
		doc.Routing = &routing{
			Rules: []routingRule{{
				Type:        "field",
				Port:        "53",
				Network:     "udp,tcp",
				OutboundTag: "dns-out",
			}},
		}
	}

	return doc
}

// Marshal renders the Document as the JSON bytes written to the per-probe
// config file (config_<ip>_<port>.json).
func Marshal(doc Document) ([]byte, error) {
	return json.MarshalIndent(doc, "", "  ")
}

// Package export renders a set of good candidate links into the
// subscription formats consumed by popular proxy clients: a plain base64
// subscription blob, a Clash YAML config, and a sing-box JSON config.
package export

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/netip"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/snapetech/cfedgescan/internal/proxyuri"
)

// Format selects the output encoding for Render.
type Format string

const (
	FormatBase64  Format = "base64"
	FormatClash   Format = "clash"
	FormatSingbox Format = "singbox"
)

// Entry is one good result to export: the parsed base proxy config plus the
// candidate address it was found good on.
type Entry struct {
	Config proxyuri.Config
	IP     netip.Addr
	Name   string // display name; defaults to "cfedgescan-<index>-<ip>" when empty
}

// Render produces the export payload for format. An unknown format returns
// an error rather than silently defaulting, since the caller (the /export
// handler) must be able to surface a 400 on a bad request.
func Render(format Format, entries []Entry) ([]byte, error) {
	switch format {
	case FormatBase64:
		return renderBase64(entries), nil
	case FormatClash:
		return renderClash(entries)
	case FormatSingbox:
		return renderSingbox(entries)
	default:
		return nil, fmt.Errorf("export: unknown format %q", format)
	}
}

func renderBase64(entries []Entry) []byte {
	links := make([]string, 0, len(entries))
	for _, e := range entries {
		links = append(links, proxyuri.Reconstruct(e.Config, e.IP.String()))
	}
	joined := strings.Join(links, "\n")
	return []byte(base64.StdEncoding.EncodeToString([]byte(joined)))
}

type clashProxy struct {
	Name           string   `yaml:"name"`
	Type           string   `yaml:"type"`
	Server         string   `yaml:"server"`
	Port           int      `yaml:"port"`
	UUID           string   `yaml:"uuid,omitempty"`
	Password       string   `yaml:"password,omitempty"`
	Cipher         string   `yaml:"cipher,omitempty"`
	TLS            bool     `yaml:"tls"`
	UDP            bool     `yaml:"udp"`
	SNI            string   `yaml:"servername,omitempty"`
	Network        string   `yaml:"network,omitempty"`
	SkipCertVerify bool     `yaml:"skip-cert-verify"`
	Flow           string   `yaml:"flow,omitempty"`
	ALPN           []string `yaml:"alpn,omitempty"`
}

type clashProxyGroup struct {
	Name    string   `yaml:"name"`
	Type    string   `yaml:"type"`
	Proxies []string `yaml:"proxies"`
}

type clashDocument struct {
	Proxies     []clashProxy      `yaml:"proxies"`
	ProxyGroups []clashProxyGroup `yaml:"proxy-groups"`
	Rules       []string          `yaml:"rules"`
}

func renderClash(entries []Entry) ([]byte, error) {
	doc := clashDocument{Proxies: make([]clashProxy, 0, len(entries))}
	names := make([]string, 0, len(entries))
	for i, e := range entries {
		name := entryName(e, i)
		names = append(names, name)
		cp := clashProxy{
			Name:    name,
			Server:  e.IP.String(),
			Port:    e.Config.Port,
			TLS:     e.Config.Security != proxyuri.SecurityNone,
			UDP:     true,
			SNI:     e.Config.SNI,
			Network: string(e.Config.Type),
			ALPN:    e.Config.ALPN,
		}
		switch e.Config.Scheme {
		case proxyuri.SchemeVLESS:
			cp.Type = "vless"
			cp.UUID = e.Config.Credential
			cp.Flow = e.Config.Flow
		case proxyuri.SchemeTrojan:
			cp.Type = "trojan"
			cp.Password = e.Config.Credential
		}
		if e.Config.Security == proxyuri.SecurityReality {
			cp.SkipCertVerify = true
		}
		doc.Proxies = append(doc.Proxies, cp)
	}
	doc.ProxyGroups = []clashProxyGroup{{
		Name:    "Proxy",
		Type:    "select",
		Proxies: names,
	}}
	doc.Rules = []string{"MATCH,Proxy"}
	out, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("export: marshal clash yaml: %w", err)
	}
	return out, nil
}

type singboxTLS struct {
	Enabled    bool     `json:"enabled"`
	ServerName string   `json:"server_name,omitempty"`
	Insecure   bool     `json:"insecure,omitempty"`
	ALPN       []string `json:"alpn,omitempty"`
}

type singboxOutbound struct {
	Tag       string      `json:"tag"`
	Type      string      `json:"type"`
	Server    string      `json:"server,omitempty"`
	Port      int         `json:"server_port,omitempty"`
	UUID      string      `json:"uuid,omitempty"`
	Password  string      `json:"password,omitempty"`
	Flow      string      `json:"flow,omitempty"`
	TLS       *singboxTLS `json:"tls,omitempty"`
	Default   string      `json:"default,omitempty"`
	Outbounds []string    `json:"outbounds,omitempty"`
}

type singboxDocument struct {
	Outbounds []singboxOutbound `json:"outbounds"`
}

func renderSingbox(entries []Entry) ([]byte, error) {
	doc := singboxDocument{Outbounds: make([]singboxOutbound, 0, len(entries)+1)}
	tags := make([]string, 0, len(entries))
	for i, e := range entries {
		tag := entryName(e, i)
		tags = append(tags, tag)
		ob := singboxOutbound{
			Tag:    tag,
			Server: e.IP.String(),
			Port:   e.Config.Port,
		}
		switch e.Config.Scheme {
		case proxyuri.SchemeVLESS:
			ob.Type = "vless"
			ob.UUID = e.Config.Credential
			ob.Flow = e.Config.Flow
		case proxyuri.SchemeTrojan:
			ob.Type = "trojan"
			ob.Password = e.Config.Credential
		}
		if e.Config.Security != proxyuri.SecurityNone {
			ob.TLS = &singboxTLS{
				Enabled:    true,
				ServerName: e.Config.SNI,
				Insecure:   e.Config.Security == proxyuri.SecurityReality,
				ALPN:       e.Config.ALPN,
			}
		}
		doc.Outbounds = append(doc.Outbounds, ob)
	}
	selector := singboxOutbound{
		Tag:       "select",
		Type:      "selector",
		Outbounds: tags,
	}
	if len(tags) > 0 {
		selector.Default = tags[0]
	}
	doc.Outbounds = append(doc.Outbounds, selector)
	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("export: marshal singbox json: %w", err)
	}
	return out, nil
}

func entryName(e Entry, i int) string {
	if e.Name != "" {
		return e.Name
	}
	return fmt.Sprintf("cfedgescan-%d-%s", i, e.IP.String())
}

// Package resultstore implements layered result persistence: scan results
// are written to whichever backing store is currently reachable, falling
// back through progressively more indirect transports (direct DB, HTTPS
// ingestion proxy, domain-fronted HTTPS, tunneled DB, local embedded
// sqlite) rather than blocking or discarding a result.
package resultstore

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/snapetech/cfedgescan/internal/scanmetrics"
	"github.com/snapetech/cfedgescan/internal/verdict"
)

// Layer names the active persistence tier, surfaced on /health.
type Layer string

const (
	LayerDirectDB       Layer = "direct_db"
	LayerHTTPSProxy      Layer = "https_proxy"
	LayerDomainFronted   Layer = "domain_fronted_https_proxy"
	LayerTunneledDB      Layer = "tunneled_db"
	LayerLocalEmbedded   Layer = "local_embedded"
)

// Record is one persisted scan result row, including the
// datacenter/asn/network_type/port/sni analytics columns carried through
// from the probe outcome.
type Record struct {
	Timestamp    time.Time       `json:"timestamp"`
	UserIP       string          `json:"user_ip"`
	UserLocation string          `json:"user_location"`
	UserISP      string          `json:"user_isp"`
	VlessUUID    string          `json:"vless_uuid"`
	ScannedIP    string          `json:"scanned_ip"`
	IPSource     string          `json:"ip_source"`
	Ping         float64         `json:"ping"`
	Jitter       float64         `json:"jitter"`
	Download     float64         `json:"download"`
	Upload       float64         `json:"upload"`
	Status       verdict.Outcome `json:"-"`
	StatusName   string          `json:"status"`
	Datacenter   string          `json:"datacenter,omitempty"`
	ASN          string          `json:"asn,omitempty"`
	NetworkType  string          `json:"network_type,omitempty"`
	Port         int             `json:"port,omitempty"`
	SNI          string          `json:"sni,omitempty"`
}

// DirectDialer opens a *sql.DB to the remote results database. In
// production this is a MySQL/Postgres driver reachable directly; a dialer
// that returns an error sends the write on to the next tier.
type DirectDialer func(ctx context.Context) (*sql.DB, error)

// HTTPWriter posts one Record to an HTTPS ingestion shim. The same type
// serves the HTTPS-proxy tier and the domain-fronted tier; post sends every
// request through Client (or http.DefaultClient), with that client's own
// TLS settings.
type HTTPWriter struct {
	Endpoint string
	Client   *http.Client
	// FrontSNI names the SNI for the domain-fronted tier. post does not read
	// it: SNI and certificate verification come from Client alone.
	FrontSNI string
}

func (w HTTPWriter) post(ctx context.Context, rec Record) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("resultstore: marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.Endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("resultstore: ingest endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// TunnelDialer opens a *sql.DB against a local dokodemo-door-forwarded port
// (127.0.0.1:33060, tunneled through the same proxy-core binary used for
// probes).
type TunnelDialer func(ctx context.Context) (*sql.DB, error)

// Store cascades a scan result write through up to five tiers, in order,
// until one succeeds, falling back to the local embedded sqlite cache as
// the tier that can never itself fail to accept a write. Persistence
// degrades; it never blocks the scan.
type Store struct {
	mu sync.Mutex

	Direct        DirectDialer
	HTTPSProxy    *HTTPWriter
	DomainFronted *HTTPWriter
	Tunnel        TunnelDialer
	Local         *sql.DB

	activeLayer Layer
}

// Open opens the local embedded fallback database (offline_cache.db) and
// prepares its schema; the other tiers are wired in by the caller after
// construction since they depend on scan-time proxy configuration.
func Open(localPath string) (*Store, error) {
	db, err := sql.Open("sqlite", localPath)
	if err != nil {
		return nil, fmt.Errorf("resultstore: open local cache: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS scan_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp TEXT, user_ip TEXT, user_location TEXT, user_isp TEXT,
		vless_uuid TEXT, scanned_ip TEXT, ip_source TEXT,
		ping REAL, jitter REAL, download REAL, upload REAL, status TEXT,
		datacenter TEXT, asn TEXT, network_type TEXT, port INTEGER, sni TEXT,
		synced INTEGER NOT NULL DEFAULT 0
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("resultstore: migrate local cache: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS usage_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp TEXT, user_ip TEXT, user_location TEXT, user_isp TEXT,
		event_type TEXT, details TEXT
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("resultstore: migrate usage_events: %w", err)
	}
	return &Store{Local: db, activeLayer: LayerLocalEmbedded}, nil
}

// Save persists rec, trying each wired tier in order and recording which
// one succeeded. A failure at every remote tier is not itself an error to
// the caller: the local embedded write always accepts the row, marked
// synced=0 for later reconciliation.
func (s *Store) Save(ctx context.Context, rec Record) error {
	if s.Direct != nil {
		dctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		db, err := s.Direct(dctx)
		cancel()
		if err == nil {
			if err := insertRemote(ctx, db, rec); err == nil {
				s.setActive(LayerDirectDB)
				return nil
			}
		}
	}

	if s.HTTPSProxy != nil {
		if err := s.HTTPSProxy.post(ctx, rec); err == nil {
			s.setActive(LayerHTTPSProxy)
			return nil
		}
	}

	if s.DomainFronted != nil {
		if err := s.DomainFronted.post(ctx, rec); err == nil {
			s.setActive(LayerDomainFronted)
			return nil
		}
	}

	if s.Tunnel != nil {
		tctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		db, err := s.Tunnel(tctx)
		cancel()
		if err == nil {
			if err := insertRemote(ctx, db, rec); err == nil {
				s.setActive(LayerTunneledDB)
				return nil
			}
		}
	}

	s.setActive(LayerLocalEmbedded)
	return s.saveLocal(rec)
}

func insertRemote(ctx context.Context, db *sql.DB, rec Record) error {
	_, err := db.ExecContext(ctx, `INSERT INTO scan_results
		(timestamp, user_ip, user_location, user_isp, vless_uuid, scanned_ip, ip_source,
		 ping, jitter, download, upload, status, datacenter, asn, network_type, port, sni)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Timestamp.UTC().Format(time.RFC3339), rec.UserIP, rec.UserLocation, rec.UserISP,
		rec.VlessUUID, rec.ScannedIP, rec.IPSource, rec.Ping, rec.Jitter, rec.Download, rec.Upload,
		rec.StatusName, rec.Datacenter, rec.ASN, rec.NetworkType, rec.Port, rec.SNI)
	return err
}

func (s *Store) saveLocal(rec Record) error {
	_, err := s.Local.Exec(`INSERT INTO scan_results
		(timestamp, user_ip, user_location, user_isp, vless_uuid, scanned_ip, ip_source,
		 ping, jitter, download, upload, status, datacenter, asn, network_type, port, sni, synced)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		rec.Timestamp.UTC().Format(time.RFC3339), rec.UserIP, rec.UserLocation, rec.UserISP,
		rec.VlessUUID, rec.ScannedIP, rec.IPSource, rec.Ping, rec.Jitter, rec.Download, rec.Upload,
		rec.StatusName, rec.Datacenter, rec.ASN, rec.NetworkType, rec.Port, rec.SNI)
	if err != nil {
		return fmt.Errorf("resultstore: local fallback write failed: %w", err)
	}
	return nil
}

func (s *Store) setActive(l Layer) {
	s.mu.Lock()
	if s.activeLayer != l {
		log.Printf("resultstore: active persistence layer is now %s", l)
	}
	s.activeLayer = l
	s.mu.Unlock()
	for _, layer := range []Layer{LayerDirectDB, LayerHTTPSProxy, LayerDomainFronted, LayerTunneledDB, LayerLocalEmbedded} {
		v := 0.0
		if layer == l {
			v = 1
		}
		scanmetrics.ResultPersistLayer.WithLabelValues(string(layer)).Set(v)
	}
}

// ActiveLayer reports which tier most recently accepted a write, for /health.
func (s *Store) ActiveLayer() Layer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeLayer
}

// LogUsageEvent is a best-effort analytics write to the local cache; never
// returns an error to callers since usage analytics must never affect scan
// control flow.
func (s *Store) LogUsageEvent(userIP, location, isp, eventType, details string) {
	_, err := s.Local.Exec(`INSERT INTO usage_events (timestamp, user_ip, user_location, user_isp, event_type, details)
		VALUES (?, ?, ?, ?, ?, ?)`,
		time.Now().UTC().Format(time.RFC3339), userIP, location, isp, eventType, details)
	if err != nil {
		log.Printf("resultstore: usage event write failed: %v", err)
	}
}

// QueryGoodIPs implements ipsource.HistoricalGoodStore: prioritize the same
// ISP+location, broaden to ISP-only if that yields fewer than limit/2, then
// broaden to any recent "ok" result globally.
func (s *Store) QueryGoodIPs(ctx context.Context, isp, location, country string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	seen := make(map[string]struct{})
	var out []string

	collect := func(query string, args ...any) error {
		rows, err := s.Local.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var ip string
			if err := rows.Scan(&ip); err != nil {
				continue
			}
			if _, ok := seen[ip]; ok {
				continue
			}
			seen[ip] = struct{}{}
			out = append(out, ip)
		}
		return rows.Err()
	}

	if isp != "" && location != "" {
		collect(`SELECT scanned_ip FROM scan_results
			WHERE status = 'ok' AND ping < 300 AND download > 5
			  AND user_isp = ? AND user_location = ?
			ORDER BY timestamp DESC LIMIT ?`, isp, location, limit)
	}

	if len(out) < limit/2 && isp != "" {
		collect(`SELECT scanned_ip FROM scan_results
			WHERE status = 'ok' AND ping < 300 AND download > 5
			  AND user_isp = ?
			ORDER BY timestamp DESC LIMIT ?`, isp, limit)
	}

	if len(out) == 0 {
		collect(`SELECT scanned_ip FROM scan_results
			WHERE status = 'ok'
			ORDER BY timestamp DESC LIMIT ?`, limit)
	}

	return out, nil
}

// Close releases the local database handle.
func (s *Store) Close() error {
	return s.Local.Close()
}

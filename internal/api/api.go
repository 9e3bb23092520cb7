// Package api implements the REST surface: /my-ip, /scan, /scan/{id},
// /scan/{id}/{pause,resume,stop}, /scan-advanced, /export, and /health. A
// job-keyed registry guarded by a mutex backs every handler.
package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/snapetech/cfedgescan/internal/config"
	"github.com/snapetech/cfedgescan/internal/export"
	"github.com/snapetech/cfedgescan/internal/geoip"
	"github.com/snapetech/cfedgescan/internal/ipgen"
	"github.com/snapetech/cfedgescan/internal/ipsource"
	"github.com/snapetech/cfedgescan/internal/proxyuri"
	"github.com/snapetech/cfedgescan/internal/resultstore"
	"github.com/snapetech/cfedgescan/internal/scanjob"
	"github.com/snapetech/cfedgescan/internal/scanscheduler"
	"github.com/snapetech/cfedgescan/internal/taskstore"
	"github.com/snapetech/cfedgescan/internal/verdict"
)

// Server holds every dependency the handlers need. One Server per process.
type Server struct {
	Cfg      *config.Config
	Tasks    *taskstore.Store
	Results  *resultstore.Store
	Registry *ipsource.Registry
	Geo      geoip.Lookup

	mu   sync.Mutex
	jobs map[string]*scanjob.Job
}

// NewServer wires a Server from its dependencies.
func NewServer(cfg *config.Config, tasks *taskstore.Store, results *resultstore.Store, registry *ipsource.Registry, geo geoip.Lookup) *Server {
	return &Server{
		Cfg:      cfg,
		Tasks:    tasks,
		Results:  results,
		Registry: registry,
		Geo:      geo,
		jobs:     make(map[string]*scanjob.Job),
	}
}

// RestoreJobs populates the in-memory registry with jobs recovered from
// taskstore after a process restart, so GET /scan/{id} keeps working for
// scans the process no longer remembers starting.
func (s *Server) RestoreJobs(jobs []*scanjob.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range jobs {
		s.jobs[j.ID()] = j
	}
}

// Mux builds the HTTP router.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/my-ip", s.handleMyIP)
	mux.HandleFunc("/scan", s.handleScan)
	mux.HandleFunc("/scan-advanced", s.handleScanAdvanced)
	mux.HandleFunc("/scan/", s.handleScanSub)
	mux.HandleFunc("/export", s.handleExport)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

func (s *Server) handleMyIP(w http.ResponseWriter, r *http.Request) {
	info, err := s.Geo.Lookup(r.Context(), "")
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var req scanjob.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	s.startScan(w, r, req)
}

// handleScanAdvanced decodes the same scanjob.Request as handleScan and
// starts the same scan; no fragment, SNI, DNS or uTLS variation is applied
// to the probes.
func (s *Server) handleScanAdvanced(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var req scanjob.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	s.startScan(w, r, req)
}

func (s *Server) applyDefaults(req *scanjob.Request) {
	if req.Concurrency <= 0 {
		req.Concurrency = s.Cfg.DefaultConcurrency
	}
	if req.Concurrency > s.Cfg.MaxConcurrency {
		req.Concurrency = s.Cfg.MaxConcurrency
	}
	if req.StopAfter <= 0 {
		req.StopAfter = s.Cfg.DefaultStopAfter
	}
	if req.MaxPingMS <= 0 {
		req.MaxPingMS = s.Cfg.DefaultMaxPingMS
	}
	if req.MaxJitterMS <= 0 {
		req.MaxJitterMS = s.Cfg.DefaultMaxJitterMS
	}
	if req.MinDownMbps <= 0 {
		req.MinDownMbps = s.Cfg.DefaultMinDownMbps
	}
	if req.MinUpMbps <= 0 {
		req.MinUpMbps = s.Cfg.DefaultMinUpMbps
	}
	if req.IPSource == "" {
		req.IPSource = string(ipsource.KindOfficial)
	}
	if req.IPVersion == "" {
		req.IPVersion = "ipv4"
	}
}

func (s *Server) startScan(w http.ResponseWriter, r *http.Request, req scanjob.Request) {
	s.applyDefaults(&req)

	cfg := proxyuri.Parse(req.VlessConfig)
	if proxyuri.IsSentinel(cfg) {
		writeError(w, http.StatusBadRequest, "vless_config is not a valid vless:// or trojan:// URI")
		return
	}

	job := scanjob.New(req)
	s.mu.Lock()
	s.jobs[job.ID()] = job
	s.mu.Unlock()
	if err := s.Tasks.Save(job); err != nil {
		log.Printf("api: initial task save for %s: %v", job.ID(), err)
	}

	var manual []netip.Addr
	if len(req.ManualIPs) > 0 {
		var err error
		manual, err = ipsource.ResolveManual(req.ManualIPs)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	go s.runScan(job, cfg, manual)

	writeJSON(w, http.StatusAccepted, map[string]string{"id": job.ID(), "status": string(job.Status())})
}

func (s *Server) runScan(job *scanjob.Job, cfg proxyuri.Config, manual []netip.Addr) {
	ctx := context.Background()
	flushCtx, cancelFlush := context.WithCancel(ctx)
	defer cancelFlush()
	go taskstore.Flusher(flushCtx, s.Tasks, job, 2*time.Second)

	job.SetStatus(scanjob.StatusRunning)

	req := job.Request()
	family := ipgen.FamilyV4
	switch req.IPVersion {
	case "ipv6":
		family = ipgen.FamilyV6
	case "all":
		family = ipgen.FamilyAny
	}

	var src scanscheduler.Source
	if len(manual) > 0 {
		src.Static = manual
	} else {
		result, err := s.Registry.Resolve(ctx, ipsource.Request{
			Kind:      ipsource.Kind(req.IPSource),
			CustomURL: req.CustomURL,
			ISP:       req.UserISP,
			Location:  req.UserLocation,
			Country:   req.TargetCountry,
		})
		if err != nil {
			job.AppendLog("resolve ip source failed: " + err.Error())
			job.SetStatus(scanjob.StatusFailed)
			cancelFlush()
			s.Tasks.Save(job)
			return
		}
		if len(result.StaticIPs) > 0 {
			src.Static = result.StaticIPs
		} else {
			src.Generator = ipgen.New(result.Ranges)
			src.Family = family
		}
	}

	thresholds := verdict.Thresholds{
		MaxPingMS:   req.MaxPingMS,
		MaxJitterMS: req.MaxJitterMS,
		MinDownMbps: req.MinDownMbps,
		MinUpMbps:   req.MinUpMbps,
	}

	sched := scanscheduler.New(s.Cfg.CorePath, s.Cfg.WorkDir, req.Concurrency, s.Geo)
	sched.Run(ctx, job, src, cfg, thresholds, req.TestPorts, req.TargetCountry, req.StopAfter)

	for _, outcome := range job.Results() {
		s.Results.Save(ctx, resultstore.Record{
			Timestamp:    time.Now(),
			UserIP:       req.UserIP,
			UserLocation: req.UserLocation,
			UserISP:      req.UserISP,
			VlessUUID:    cfg.Credential,
			ScannedIP:    outcome.IP.String(),
			IPSource:     req.IPSource,
			Ping:         outcome.PingMS,
			Jitter:       outcome.JitterMS,
			Download:     outcome.DownMbps,
			Upload:       outcome.UpMbps,
			Status:       outcome.Status,
			StatusName:   string(outcome.Status),
			Datacenter:   outcome.Datacenter,
			Port:         outcome.Port,
			SNI:          outcome.SNI,
		})
	}

	if job.Status() != scanjob.StatusStopped && job.Status() != scanjob.StatusFailed {
		job.SetStatus(scanjob.StatusCompleted)
	}
	cancelFlush()
	if err := s.Tasks.Save(job); err != nil {
		log.Printf("api: final task save for %s: %v", job.ID(), err)
	}
}

func (s *Server) handleScanSub(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/scan/")
	parts := strings.SplitN(path, "/", 2)
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusNotFound, "missing scan id")
		return
	}
	id := parts[0]

	s.mu.Lock()
	job, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "unknown scan id")
		return
	}

	if len(parts) == 1 {
		s.writeScanStatus(w, job)
		return
	}

	switch parts[1] {
	case "pause":
		job.SetStatus(scanjob.StatusPaused)
	case "resume":
		job.SetStatus(scanjob.StatusRunning)
	case "stop":
		job.SetStatus(scanjob.StatusStopped)
	default:
		writeError(w, http.StatusNotFound, "unknown scan action")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": job.ID(), "status": string(job.Status())})
}

func (s *Server) writeScanStatus(w http.ResponseWriter, job *scanjob.Job) {
	writeJSON(w, http.StatusOK, map[string]any{
		"id":      job.ID(),
		"status":  job.Status(),
		"totals":  job.Totals(),
		"stats":   job.Stats(),
		"results": job.Results(),
		"logs":    job.Logs(),
	})
}

type exportRequest struct {
	ScanID string `json:"scan_id"`
	Format string `json:"format"`
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var req exportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	s.mu.Lock()
	job, ok := s.jobs[req.ScanID]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "unknown scan id")
		return
	}

	vlessCfg := proxyuri.Parse(job.Request().VlessConfig)
	entries := make([]export.Entry, 0)
	for _, outcome := range job.Results() {
		entries = append(entries, export.Entry{Config: vlessCfg, IP: outcome.IP})
	}

	payload, err := export.Render(export.Format(req.Format), entries)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(payload)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"persist_layer": s.Results.ActiveLayer(),
		"active_scans":  s.activeScanCount(),
	})
}

func (s *Server) activeScanCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, j := range s.jobs {
		if !scanjob.IsTerminal(j.Status()) {
			n++
		}
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

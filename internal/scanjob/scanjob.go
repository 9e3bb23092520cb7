// Package scanjob defines the scan job and probe outcome data model, plus
// the small concurrency-safe structures the scheduler mutates: the status
// field, the recent-log ring buffer, and the outcome histogram. Each Job is
// a single-owner record behind a mutex, since the scheduler, its worker
// goroutines, and the persistence flusher all touch the same Job
// concurrently.
package scanjob

import (
	"net/netip"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/snapetech/cfedgescan/internal/verdict"
)

// Status is one node of the scan status transition graph:
// queued -> running <-> paused -> {completed, stopped, failed}.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusStopped   Status = "stopped"
	StatusFailed    Status = "failed"
)

// IsTerminal reports whether s is one of the no-further-transition states.
func IsTerminal(s Status) bool {
	return s == StatusCompleted || s == StatusStopped || s == StatusFailed
}

// Request is the immutable per-scan input, carried alongside the job so the
// flusher can persist it verbatim.
type Request struct {
	VlessConfig   string   `json:"vless_config"`
	ManualIPs     []string `json:"manual_ips,omitempty"`
	IPCount       int      `json:"ip_count"`
	Concurrency   int      `json:"concurrency"`
	IPVersion     string   `json:"ip_version"` // ipv4 | ipv6 | all
	StopAfter     int      `json:"stop_after"`
	IPSource      string   `json:"ip_source"`
	CustomURL     string   `json:"custom_url,omitempty"`
	MaxPingMS     float64  `json:"max_ping"`
	MaxJitterMS   float64  `json:"max_jitter"`
	MinDownMbps   float64  `json:"min_download"`
	MinUpMbps     float64  `json:"min_upload"`
	TestPorts     []int    `json:"test_ports,omitempty"`
	VerifyTLS     bool     `json:"verify_tls"` // decoded and persisted; the scheduler does not pass it to the probe pipeline
	TargetCountry string   `json:"target_country,omitempty"`
	UseSystemProxy bool    `json:"use_system_proxy"`

	// Advanced tunnel-fragmentation and DNS-over-tunnel overrides.
	FragmentLengths   []string `json:"fragment_lengths,omitempty"`
	FragmentIntervals []string `json:"fragment_intervals,omitempty"`
	TestSNIs          []string `json:"test_snis,omitempty"`
	TestMode          string   `json:"test_mode,omitempty"` // dnstt | split
	Nameserver        string   `json:"nameserver,omitempty"`
	DNSDomain         string   `json:"dns_domain,omitempty"`
	FragmentSize      string   `json:"fragment_size,omitempty"`
	FragmentInterval  string   `json:"fragment_interval,omitempty"`
	FragmentPackets   string   `json:"fragment_packets,omitempty"` // tlshello | 1-3
	UTLSFingerprint   string   `json:"utls_fingerprint,omitempty"`

	UserIP       string `json:"user_ip,omitempty"`
	UserLocation string `json:"user_location,omitempty"`
	UserISP      string `json:"user_isp,omitempty"`
}

// Outcome is one completed probe's classification and measurements.
type Outcome struct {
	IP         netip.Addr      `json:"ip"`
	PingMS     float64         `json:"ping_ms"`
	JitterMS   float64         `json:"jitter_ms"`
	DownMbps   float64         `json:"down_mbps"`
	UpMbps     float64         `json:"up_mbps"`
	Status     verdict.Outcome `json:"status"`
	Datacenter string          `json:"datacenter,omitempty"`
	Link       string          `json:"link,omitempty"`
	Port       int             `json:"port,omitempty"`
	SNI        string          `json:"sni,omitempty"`
}

// Totals tracks the scan's progress counters.
type Totals struct {
	Total      int `json:"total"`
	Completed  int `json:"completed"`
	FoundGood  int `json:"found_good"`
}

const logRingCap = 100

// Job is the mutable, single-owner record for one scan. All access goes
// through its methods, which hold mu for the duration.
type Job struct {
	mu sync.Mutex

	id      string
	status  Status
	request Request
	totals  Totals
	stats   map[verdict.Outcome]int
	logs    []string
	results []Outcome
}

// New creates a queued Job with a fresh uuid id.
func New(req Request) *Job {
	return &Job{
		id:      uuid.NewString(),
		status:  StatusQueued,
		request: req,
		stats:   make(map[verdict.Outcome]int),
	}
}

// Restore reconstructs a Job from previously persisted fields (taskstore
// recovery after a process restart), rather than minting a fresh id and
// zeroed state the way New does.
func Restore(id string, status Status, req Request, totals Totals, stats map[verdict.Outcome]int, logs []string, results []Outcome) *Job {
	if stats == nil {
		stats = make(map[verdict.Outcome]int)
	}
	return &Job{
		id:      id,
		status:  status,
		request: req,
		totals:  totals,
		stats:   stats,
		logs:    logs,
		results: results,
	}
}

func (j *Job) ID() string { return j.id }

// Status returns the current status under lock.
func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// SetStatus transitions the job's status. It is a no-op once the job has
// reached a terminal state, except that callers transitioning *into* a
// terminal state always succeed (the terminal-state check only blocks
// leaving one).
func (j *Job) SetStatus(s Status) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if IsTerminal(j.status) {
		return
	}
	j.status = s
}

// Request returns a copy of the immutable request payload.
func (j *Job) Request() Request {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.request
}

// Totals returns a snapshot of the progress counters.
func (j *Job) Totals() Totals {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.totals
}

// SetTotal sets the total candidate count (known up-front for static
// sources; updated as dynamic generation proceeds).
func (j *Job) SetTotal(n int) {
	j.mu.Lock()
	j.totals.Total = n
	j.mu.Unlock()
}

// RecordOutcome appends a completed probe outcome, updates the histogram
// and completed/found_good counters, and appends a log line. Returns the
// found_good count after this update so the caller can check its early-exit
// condition without a second lock round trip.
func (j *Job) RecordOutcome(o Outcome, goodAfterGeoFilter bool) (foundGood int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if verdict.Counted(o.Status) {
		j.totals.Completed++
		j.stats[o.Status]++
	}
	if goodAfterGeoFilter {
		j.totals.FoundGood++
		j.results = append(j.results, o)
	}
	j.appendLogLocked(string(o.Status) + " " + o.IP.String())
	return j.totals.FoundGood
}

// AppendLog appends a line to the ring buffer (cap 100).
func (j *Job) AppendLog(line string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.appendLogLocked(line)
}

func (j *Job) appendLogLocked(line string) {
	j.logs = append(j.logs, time.Now().UTC().Format(time.RFC3339)+" "+line)
	if len(j.logs) > logRingCap {
		j.logs = j.logs[len(j.logs)-logRingCap:]
	}
}

// Logs returns a copy of the current ring buffer contents.
func (j *Job) Logs() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]string, len(j.logs))
	copy(out, j.logs)
	return out
}

// Stats returns a copy of the outcome histogram.
func (j *Job) Stats() map[verdict.Outcome]int {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make(map[verdict.Outcome]int, len(j.stats))
	for k, v := range j.stats {
		out[k] = v
	}
	return out
}

// Results returns the good, geo-filtered outcomes sorted by ping ascending.
func (j *Job) Results() []Outcome {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]Outcome, len(j.results))
	copy(out, j.results)
	sortByPing(out)
	return out
}

func sortByPing(out []Outcome) {
	for i := 1; i < len(out); i++ {
		for k := i; k > 0 && out[k].PingMS < out[k-1].PingMS; k-- {
			out[k], out[k-1] = out[k-1], out[k]
		}
	}
}

// FoundGood returns the current found_good counter.
func (j *Job) FoundGood() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.totals.FoundGood
}

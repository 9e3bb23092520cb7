// Package scanscheduler runs one scan job end to end: consuming a candidate
// Source that the caller resolved (a static list, or internal/ipgen draws
// when the source is dynamic), dispatching internal/pipeline probes under two bounded
// concurrency semaphores, and applying the geo-enrichment filter and
// early-exit rule to each result. The worker-pool shape — bounded
// goroutines feeding a shared result sink, pause/stop checked between
// dispatches — is the same one a supervised re-exec'd worker pool uses,
// generalized here to "run at most concurrency probes at a time against a
// shifting candidate stream."
package scanscheduler

import (
	"context"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/snapetech/cfedgescan/internal/geoip"
	"github.com/snapetech/cfedgescan/internal/ipgen"
	"github.com/snapetech/cfedgescan/internal/pipeline"
	"github.com/snapetech/cfedgescan/internal/proxyuri"
	"github.com/snapetech/cfedgescan/internal/scanjob"
	"github.com/snapetech/cfedgescan/internal/scanmetrics"
	"github.com/snapetech/cfedgescan/internal/verdict"
)

// discoveryFactor is how much wider the discovery semaphore is than the
// throughput semaphore: most candidates fail before reaching the expensive
// throughput step, so far more of them can be in flight at the cheap
// TCP/TLS/ping stage than at the bandwidth-saturating stage.
const discoveryFactor = 5

// ResultSink receives a completed probe together with whether it counts
// toward found_good after geo-enrichment, and returns the found_good count
// after recording it. Implemented by the scan job itself.
type ResultSink interface {
	RecordOutcome(o scanjob.Outcome, goodAfterGeoFilter bool) (foundGood int)
	AppendLog(line string)
}

// Scheduler runs one scan's worker pool. Each scan gets its own Scheduler
// instance; it is not reused across jobs.
type Scheduler struct {
	CorePath string
	WorkDir  string
	Geo      geoip.Lookup // optional; nil disables geo-filtering

	discoverySem chan struct{}
	throughSem   chan struct{}
}

// New builds a Scheduler sized for concurrency.
func New(corePath, workDir string, concurrency int, geo geoip.Lookup) *Scheduler {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Scheduler{
		CorePath:     corePath,
		WorkDir:      workDir,
		Geo:          geo,
		discoverySem: make(chan struct{}, concurrency*discoveryFactor),
		throughSem:   make(chan struct{}, concurrency),
	}
}

// Source abstracts where candidates come from: a finite static list,
// consumed exactly once, or a dynamic generator paired with a stop
// condition.
type Source struct {
	Static    []netip.Addr
	Generator *ipgen.Generator
	Family    ipgen.Family
}

// Run drives the worker pool against cfg/thresholds until the source is
// exhausted (static) or stopAfter good results have been found (dynamic),
// or job transitions to a terminal state. It never returns an error: every
// per-candidate failure is folded into a probe outcome.
func (s *Scheduler) Run(ctx context.Context, job *scanjob.Job, src Source, cfg proxyuri.Config, thresholds verdict.Thresholds, testPorts []int, targetCountry string, stopAfter int) {
	var wg sync.WaitGroup
	var stopped atomic.Bool

	statusCheck := func() scanjob.Status { return job.Status() }

	submit := func(candidate netip.Addr, port int) {
		if stopped.Load() {
			return
		}
		s.discoverySem <- struct{}{}
		scanmetrics.DiscoveryInFlight.Inc()
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-s.discoverySem; scanmetrics.DiscoveryInFlight.Dec() }()
			s.runOne(ctx, job, candidate, port, cfg, thresholds, targetCountry, statusCheck, stopAfter, src.Generator, &stopped)
		}()
	}

	if src.Static != nil {
		job.SetTotal(len(src.Static) * portMultiplier(testPorts))
		for _, addr := range src.Static {
			if stopped.Load() || scanjob.IsTerminal(job.Status()) {
				break
			}
			for _, port := range portsOrDefault(testPorts, cfg.Port) {
				submit(addr, port)
			}
		}
		wg.Wait()
		return
	}

	// Dynamic source: draw until stopAfter good results found or the job
	// reaches a terminal state.
	for !stopped.Load() && !scanjob.IsTerminal(job.Status()) {
		if stopAfter > 0 && job.FoundGood() >= stopAfter {
			break
		}
		if job.Status() == scanjob.StatusPaused {
			time.Sleep(500 * time.Millisecond)
			continue
		}
		addr := src.Generator.Draw(src.Family)
		for _, port := range portsOrDefault(testPorts, cfg.Port) {
			submit(addr, port)
		}
	}
	wg.Wait()
}

func portMultiplier(testPorts []int) int {
	if len(testPorts) == 0 {
		return 1
	}
	return len(testPorts)
}

func portsOrDefault(testPorts []int, fallback int) []int {
	if len(testPorts) == 0 {
		return []int{fallback}
	}
	return testPorts
}

func (s *Scheduler) runOne(ctx context.Context, job *scanjob.Job, candidate netip.Addr, port int, cfg proxyuri.Config, thresholds verdict.Thresholds, targetCountry string, statusCheck func() scanjob.Status, stopAfter int, generator *ipgen.Generator, stopped *atomic.Bool) {
	opt := pipeline.Options{
		CorePath:    s.CorePath,
		WorkDir:     s.WorkDir,
		ProxyConfig: cfg,
		Candidate:   candidate,
		Port:        port,
		Thresholds:  thresholds,
		StatusCheck: statusCheck,
		AcquireThroughput: func() func() {
			s.throughSem <- struct{}{}
			scanmetrics.ThroughputInFlight.Inc()
			return func() {
				<-s.throughSem
				scanmetrics.ThroughputInFlight.Dec()
			}
		},
	}

	out := pipeline.Run(ctx, opt)

	good := verdict.IsGood(out.Status)
	if good && !s.passesGeoFilter(ctx, candidate, targetCountry) {
		out.Status = verdict.OutcomeWrongGeo
		good = false
	}

	scanmetrics.Outcomes.WithLabelValues(string(out.Status)).Inc()
	if out.PingMS > 0 {
		scanmetrics.PingMS.Observe(out.PingMS)
	}
	if out.DownMbps > 0 {
		scanmetrics.DownloadMbps.Observe(out.DownMbps)
	}
	if out.UpMbps > 0 {
		scanmetrics.UploadMbps.Observe(out.UpMbps)
	}

	if good && generator != nil {
		generator.ReportSuccess(candidate)
	}
	foundGood := job.RecordOutcome(out, good)

	if stopAfter > 0 && foundGood >= stopAfter {
		stopped.Store(true)
	}
}

// passesGeoFilter reports whether candidate's resolved country matches
// targetCountry. An empty targetCountry or a nil Geo lookup always passes —
// geo-filtering is opt-in, not a silent default restriction.
func (s *Scheduler) passesGeoFilter(ctx context.Context, candidate netip.Addr, targetCountry string) bool {
	if targetCountry == "" || s.Geo == nil {
		return true
	}
	info, err := s.Geo.Lookup(ctx, candidate.String())
	if err != nil {
		return true // lookup failure never excludes an otherwise-good result
	}
	return info.Country == targetCountry
}

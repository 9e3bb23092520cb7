package scanscheduler

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/snapetech/cfedgescan/internal/ipgen"
	"github.com/snapetech/cfedgescan/internal/proxyuri"
	"github.com/snapetech/cfedgescan/internal/scanjob"
	"github.com/snapetech/cfedgescan/internal/verdict"
)

// TestRunPausedDoesNotBusySpinAndResumesOnStop drives the dynamic-draw loop
// with a job parked in StatusPaused. It must neither finish immediately nor
// spin the CPU waiting; once the job transitions to a terminal state, Run
// must return promptly.
func TestRunPausedDoesNotBusySpinAndResumesOnStop(t *testing.T) {
	job := scanjob.New(scanjob.Request{})
	job.SetStatus(scanjob.StatusPaused)

	gen := ipgen.New([]netip.Prefix{netip.MustParsePrefix("203.0.113.0/24")})
	sched := New("/nonexistent/proxy-core", t.TempDir(), 2, nil)

	done := make(chan struct{})
	go func() {
		sched.Run(context.Background(), job, Source{Generator: gen, Family: ipgen.FamilyV4}, proxyuri.Config{Port: 443}, verdict.Thresholds{}, nil, "", 0)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Run returned while job was still paused; it should block until the job leaves paused/running")
	case <-time.After(200 * time.Millisecond):
	}

	job.SetStatus(scanjob.StatusStopped)

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return within 3s of the job being stopped; pause loop may be stuck")
	}
}

// TestRunDynamicStopsOnceStopAfterReached verifies the early-exit check: a
// job that has already reached stopAfter good results before Run starts
// must return immediately without dispatching any probes.
func TestRunDynamicStopsOnceStopAfterReached(t *testing.T) {
	job := scanjob.New(scanjob.Request{})
	for i := 0; i < 3; i++ {
		job.RecordOutcome(scanjob.Outcome{
			IP:     netip.MustParseAddr("203.0.113.1"),
			Status: verdict.OutcomeOK,
		}, true)
	}
	if job.FoundGood() != 3 {
		t.Fatalf("setup: FoundGood() = %d, want 3", job.FoundGood())
	}

	gen := ipgen.New([]netip.Prefix{netip.MustParsePrefix("203.0.113.0/24")})
	sched := New("/nonexistent/proxy-core", t.TempDir(), 2, nil)

	done := make(chan struct{})
	go func() {
		sched.Run(context.Background(), job, Source{Generator: gen, Family: ipgen.FamilyV4}, proxyuri.Config{Port: 443}, verdict.Thresholds{}, nil, "", 3)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit immediately despite stopAfter already reached")
	}

	if job.FoundGood() != 3 {
		t.Fatalf("FoundGood() changed to %d; early exit should not have dispatched any probes", job.FoundGood())
	}
}

// TestRunStaticExhaustsSourceOnTerminalJob confirms the static-source branch
// also honors a pre-terminal job status instead of submitting probes.
func TestRunStaticExhaustsSourceOnTerminalJob(t *testing.T) {
	job := scanjob.New(scanjob.Request{})
	job.SetStatus(scanjob.StatusStopped)

	sched := New("/nonexistent/proxy-core", t.TempDir(), 2, nil)
	static := []netip.Addr{netip.MustParseAddr("203.0.113.5")}

	done := make(chan struct{})
	go func() {
		sched.Run(context.Background(), job, Source{Static: static}, proxyuri.Config{Port: 443}, verdict.Thresholds{}, nil, "", 0)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return promptly against a static source on an already-stopped job")
	}
}

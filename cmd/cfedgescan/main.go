// Command cfedgescan serves the CDN edge-endpoint quality scanner: REST
// endpoints to launch, monitor, and export the results of a scan that
// tunnels through candidate Cloudflare/Fastly IPs using an operator-supplied
// VLESS/Trojan config and an external proxy-core binary.
package main

import (
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/snapetech/cfedgescan/internal/api"
	"github.com/snapetech/cfedgescan/internal/config"
	"github.com/snapetech/cfedgescan/internal/coresuper"
	"github.com/snapetech/cfedgescan/internal/geoip"
	"github.com/snapetech/cfedgescan/internal/ipsource"
	"github.com/snapetech/cfedgescan/internal/resultstore"
	"github.com/snapetech/cfedgescan/internal/taskstore"
)

func main() {
	envFile := flag.String("env", ".env", "optional dotenv file to load before reading CFEDGE_* vars")
	flag.Parse()

	if *envFile != "" {
		if err := config.LoadEnvFile(*envFile); err != nil && !os.IsNotExist(err) {
			log.Printf("main: load env file %s: %v", *envFile, err)
		}
	}
	cfg := config.Load()

	if cfg.CorePath == "" {
		found, err := coresuper.FindCorePath()
		if err != nil {
			log.Fatalf("main: locate proxy-core binary: %v", err)
		}
		cfg.CorePath = found
	}
	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		log.Fatalf("main: create work dir %s: %v", cfg.WorkDir, err)
	}

	tasks, err := taskstore.Open(cfg.TaskDBPath)
	if err != nil {
		log.Fatalf("main: open task store: %v", err)
	}
	defer tasks.Close()

	recovered, err := tasks.RecoverRunningAsPaused()
	if err != nil {
		log.Printf("main: recover running scans: %v", err)
	} else if recovered > 0 {
		log.Printf("main: %d scan(s) were running at last shutdown, marked paused", recovered)
	}

	results, err := resultstore.Open(cfg.LocalResultsDB)
	if err != nil {
		log.Fatalf("main: open result store: %v", err)
	}
	defer results.Close()
	wireResultTiers(results, cfg)

	geo := geoip.NewHTTPLookup()
	registry := ipsource.NewRegistry(results)

	server := api.NewServer(cfg, tasks, results, registry, geo)

	restored, err := tasks.LoadJobs()
	if err != nil {
		log.Printf("main: load persisted scan jobs: %v", err)
	} else if len(restored) > 0 {
		server.RestoreJobs(restored)
		log.Printf("main: restored %d scan job(s) from the task store", len(restored))
	}

	mux := server.Mux()
	mux.Handle("/metrics", promhttp.Handler())

	log.Printf("cfedgescan listening on %s (proxy-core: %s)", cfg.ListenAddr, cfg.CorePath)
	go func() {
		if err := http.ListenAndServe(cfg.ListenAddr, mux); err != nil {
			log.Fatalf("main: http server: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Println("main: shutting down")
}

// wireResultTiers attaches the HTTPS ingestion shim tiers when their
// endpoints are configured. The direct-DB and tunneled-DB tiers require a
// reachable remote schema this deployment does not provision by default, so
// they stay nil (unwired) until an operator supplies a DirectDialer/
// TunnelDialer via a future deployment-specific build; local embedded
// storage always accepts the write regardless.
func wireResultTiers(results *resultstore.Store, cfg *config.Config) {
	if cfg.ResultsEndpoint != "" {
		results.HTTPSProxy = &resultstore.HTTPWriter{Endpoint: cfg.ResultsEndpoint}
	}
	if cfg.FrontedEndpoint != "" {
		results.DomainFronted = &resultstore.HTTPWriter{
			Endpoint: cfg.FrontedEndpoint,
			FrontSNI: cfg.FrontSNI,
		}
	}
}

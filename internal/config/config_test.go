package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	os.Clearenv()
	c := Load()
	if c.ListenAddr != ":8089" {
		t.Errorf("ListenAddr default: got %q", c.ListenAddr)
	}
	if c.DefaultConcurrency != 10 {
		t.Errorf("DefaultConcurrency default: got %d", c.DefaultConcurrency)
	}
	if c.DefaultStopAfter != 20 {
		t.Errorf("DefaultStopAfter default: got %d", c.DefaultStopAfter)
	}
	if c.DefaultMaxPingMS != 300 {
		t.Errorf("DefaultMaxPingMS default: got %v", c.DefaultMaxPingMS)
	}
	if c.HTTPClientTimeout != 15*time.Second {
		t.Errorf("HTTPClientTimeout default: got %v", c.HTTPClientTimeout)
	}
}

func TestLoadOverrides(t *testing.T) {
	os.Clearenv()
	os.Setenv("CFEDGE_LISTEN_ADDR", ":9000")
	os.Setenv("CFEDGE_DEFAULT_CONCURRENCY", "25")
	os.Setenv("CFEDGE_DEFAULT_MAX_PING", "150.5")
	os.Setenv("CFEDGE_HTTP_TIMEOUT", "5s")
	c := Load()
	if c.ListenAddr != ":9000" {
		t.Errorf("ListenAddr: got %q", c.ListenAddr)
	}
	if c.DefaultConcurrency != 25 {
		t.Errorf("DefaultConcurrency: got %d", c.DefaultConcurrency)
	}
	if c.DefaultMaxPingMS != 150.5 {
		t.Errorf("DefaultMaxPingMS: got %v", c.DefaultMaxPingMS)
	}
	if c.HTTPClientTimeout != 5*time.Second {
		t.Errorf("HTTPClientTimeout: got %v", c.HTTPClientTimeout)
	}
}

func TestMaxConcurrencyNeverBelowDefault(t *testing.T) {
	os.Clearenv()
	os.Setenv("CFEDGE_DEFAULT_CONCURRENCY", "40")
	os.Setenv("CFEDGE_MAX_CONCURRENCY", "10")
	c := Load()
	if c.MaxConcurrency != 40 {
		t.Errorf("MaxConcurrency should be raised to DefaultConcurrency; got %d", c.MaxConcurrency)
	}
}

// Package coresuper manages the lifecycle of the external proxy-core
// subprocess spawned once per probe: pipe capture and, in Terminate,
// signal-then-kill escalation for one short-lived tunnel process,
// guaranteeing its entire descendant tree is gone before Terminate returns.
package coresuper

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"sync"
	"time"
)

// Handle is a live proxy-core process. The zero value is not valid; obtain
// one from Launch.
type Handle struct {
	cmd        *exec.Cmd
	configPath string
	waitCh     chan error
	ioWG       sync.WaitGroup
	name       string
}

// Launch starts the proxy-core binary at corePath with "-c configPath" and
// returns once the process has been started (not once it is ready —
// readiness polling is the caller's job). name is used only for log
// prefixes.
func Launch(ctx context.Context, corePath, configPath, name string) (*Handle, error) {
	if err := ensureExecutable(corePath); err != nil {
		return nil, fmt.Errorf("coresuper: %w", err)
	}

	cmd := exec.Command(corePath, "-c", configPath)
	configureProcessGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("coresuper: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("coresuper: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("coresuper: start: %w", err)
	}

	h := &Handle{cmd: cmd, configPath: configPath, name: name, waitCh: make(chan error, 1)}
	h.ioWG.Add(2)
	go func() { defer h.ioWG.Done(); drain(name, "stdout", stdout) }()
	go func() { defer h.ioWG.Done(); drain(name, "stderr", stderr) }()
	go func() { h.waitCh <- cmd.Wait() }()

	return h, nil
}

// Terminate kills the process and its entire descendant tree. It always
// releases OS resources, regardless of whether the process already exited;
// errors are logged, never returned, so cleanup call sites never need their
// own error handling.
func (h *Handle) Terminate() {
	if h == nil || h.cmd == nil || h.cmd.Process == nil {
		return
	}
	killProcessGroup(h.cmd, false)

	select {
	case <-h.waitCh:
	case <-time.After(3 * time.Second):
		killProcessGroup(h.cmd, true)
		select {
		case <-h.waitCh:
		case <-time.After(2 * time.Second):
			log.Printf("coresuper[%s]: process tree did not exit after forced kill", h.name)
		}
	}
	h.ioWG.Wait()
}

// PID returns the tunnel process's PID, or 0 if not started.
func (h *Handle) PID() int {
	if h == nil || h.cmd == nil || h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

func ensureExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("locate proxy-core binary: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("proxy-core path %q is a directory", path)
	}
	return ensureExecutableBit(path, info)
}

func drain(name, stream string, r io.Reader) {
	sc := bufio.NewScanner(r)
	buf := make([]byte, 0, 16*1024)
	sc.Buffer(buf, 256*1024)
	for sc.Scan() {
		log.Printf("coresuper[%s %s]: %s", name, stream, sc.Text())
	}
}

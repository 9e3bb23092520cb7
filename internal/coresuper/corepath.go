package coresuper

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
)

// binaryName is the expected proxy-core executable name per platform.
// Download/install of the binary itself is out of scope; this package only
// locates an already-installed copy.
func binaryName() string {
	if runtime.GOOS == "windows" {
		return "xray.exe"
	}
	return "xray"
}

// FindCorePath searches, in order: alongside the running executable, under
// a platform resource directory ("xray_core/" next to the executable), then
// PATH.
func FindCorePath() (string, error) {
	name := binaryName()

	if exe, err := os.Executable(); err == nil {
		exe, _ = filepath.EvalSymlinks(exe)
		dir := filepath.Dir(exe)
		candidates := []string{
			filepath.Join(dir, name),
			filepath.Join(dir, "xray_core", name),
		}
		for _, c := range candidates {
			if st, err := os.Stat(c); err == nil && !st.IsDir() {
				return c, nil
			}
		}
	}

	if p, err := exec.LookPath(name); err == nil {
		return p, nil
	}

	return "", fmt.Errorf("coresuper: proxy-core binary %q not found alongside executable, under xray_core/, or on PATH", name)
}

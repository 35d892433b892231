package proxy

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// FileWriter is the real Writer: it writes via a temp-file-then-rename so
// a reader of configPath never observes a partial write, and shells out
// to the proxy's own validator/reload binaries.
type FileWriter struct {
	ValidatorPath string
	ReloadPath    string
	Timeout       time.Duration
}

// WriteAtomic implements Writer.
func (w FileWriter) WriteAtomic(path string, contents []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".proxy-config-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp config file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(contents); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp config file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp config file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming config into place: %w", err)
	}
	return nil
}

// Validate implements Writer by running `<validator> -c -f <path>`.
func (w FileWriter) Validate(path string) error {
	return w.run(w.ValidatorPath, "-c", "-f", path)
}

// Reload implements Writer by invoking the configured reload command
// with path as its sole argument.
func (w FileWriter) Reload(path string) error {
	return w.run(w.ReloadPath, path)
}

func (w FileWriter) run(name string, args ...string) error {
	timeout := w.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %v: %w: %s", name, args, err, out)
	}
	return nil
}

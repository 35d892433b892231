// Package bootstrap brings the tenant's docker-compose workload up
// inside the VM: it holds the paths and credentials the compose runner
// needs and retries until the composition is running.
package bootstrap

import (
	"sync"
	"time"
)

// LastError is one recorded bootstrap failure; Context keeps them in an
// append-only history.
type LastError struct {
	ID        string
	Message   string
	Kind      string
	Timestamp time.Time
}

// Context holds everything the compose monitor needs to bring the
// tenant and system compositions up: both compose file paths, the
// tenant's file payload directory, the edge proxy's config path, the
// docker credential file path, build metadata, and the VM's mounted
// ISO path.
type Context struct {
	TenantComposePath string
	SystemComposePath string
	FilesDir          string
	ProxyConfigPath   string
	DockerConfigPath  string
	NilccVersion      string
	VMType            string
	ISOMountPath      string

	mu         sync.Mutex
	lastErrors []LastError
}

// RecordError appends a bootstrap failure to the context's history.
func (c *Context) RecordError(id, kind, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastErrors = append(c.lastErrors, LastError{
		ID:        id,
		Message:   message,
		Kind:      kind,
		Timestamp: time.Now(),
	})
}

// LastErrors returns every recorded bootstrap failure, oldest first.
func (c *Context) LastErrors() []LastError {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]LastError, len(c.lastErrors))
	copy(out, c.lastErrors)
	return out
}

// LastError returns the most recent recorded failure, if any.
func (c *Context) LastError() (LastError, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.lastErrors) == 0 {
		return LastError{}, false
	}
	return c.lastErrors[len(c.lastErrors)-1], true
}

// Package tlsmonitor watches the edge proxy's log stream for ACME
// certificate-issuance outcomes and drives the in-VM system state and
// container runtime accordingly.
package tlsmonitor

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	nilerrors "github.com/virtengine/nilcc/pkg/errors"
)

// Classification is the outcome of examining the edge proxy's newest
// informative log line.
type Classification int

const (
	// Unknown means no informative line was seen this tick.
	Unknown Classification = iota
	// Ok means the proxy reported successful certificate issuance.
	Ok
	// NeedsRestart means the proxy hit the ACME staging directory,
	// indicating a misconfigured environment that requires a restart.
	NeedsRestart
)

func (c Classification) String() string {
	switch c {
	case Ok:
		return "ok"
	case NeedsRestart:
		return "needs-restart"
	default:
		return "unknown"
	}
}

// LogLine is one parsed line of the edge proxy's stderr stream.
type LogLine struct {
	Ts    float64
	Msg   string
	Error string
}

// LogReader pulls the most recent log lines from the edge proxy
// container.
type LogReader interface {
	TailLines(ctx context.Context, n int) ([]LogLine, error)
}

// ContainerRuntime restarts the edge proxy container when its TLS setup
// needs a clean retry (e.g. it fell back to the ACME staging directory).
type ContainerRuntime interface {
	RestartContainer(ctx context.Context, name string) error
}

// SystemState transitions the in-VM agent's recorded state to Ready once
// the edge proxy has a valid certificate.
type SystemState interface {
	SetReady(ctx context.Context) error
}

const (
	tailLineCount           = 10
	acmeStagingDirectoryURL = "https://acme-staging-v02.api.letsencrypt.org/directory"
	certificateObtainedMsg  = "certificate obtained successfully"
)

// Monitor polls the edge proxy's log stream and classifies its newest
// informative line every tick.
type Monitor struct {
	mu        sync.Mutex
	watermark float64

	logs          LogReader
	runtime       ContainerRuntime
	state         SystemState
	containerName string
	interval      time.Duration

	logger zerolog.Logger
}

// Config configures a new Monitor.
type Config struct {
	Logs          LogReader
	Runtime       ContainerRuntime
	State         SystemState
	ContainerName string
	Interval      time.Duration
	Logger        zerolog.Logger
}

// New builds a Monitor.
func New(cfg Config) *Monitor {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Monitor{
		logs:          cfg.Logs,
		runtime:       cfg.Runtime,
		state:         cfg.State,
		containerName: cfg.ContainerName,
		interval:      interval,
		logger:        cfg.Logger.With().Str("component", "edge-tls-monitor").Logger(),
	}
}

// Run polls every tick until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Tick(ctx); err != nil {
				m.logger.Error().Err(err).Msg("failed to poll edge proxy logs")
			}
		}
	}
}

// Tick fetches the last tailLineCount lines, classifies the newest
// informative one among those past the watermark, and acts on the
// result.
func (m *Monitor) Tick(ctx context.Context) error {
	lines, err := m.logs.TailLines(ctx, tailLineCount)
	if err != nil {
		return nilerrors.Wrap("tailing edge proxy logs", err)
	}

	m.mu.Lock()
	watermark := m.watermark
	m.mu.Unlock()

	fresh := make([]LogLine, 0, len(lines))
	for _, l := range lines {
		if l.Ts > watermark {
			fresh = append(fresh, l)
		}
	}
	if len(fresh) == 0 {
		return nil
	}

	sort.Slice(fresh, func(i, j int) bool { return fresh[i].Ts > fresh[j].Ts })

	class := Unknown
	for _, l := range fresh {
		if c, ok := classify(l); ok {
			class = c
			break
		}
	}

	newWatermark := fresh[0].Ts
	for _, l := range fresh {
		if l.Ts > newWatermark {
			newWatermark = l.Ts
		}
	}
	m.mu.Lock()
	m.watermark = newWatermark
	m.mu.Unlock()

	switch class {
	case Ok:
		if err := m.state.SetReady(ctx); err != nil {
			return nilerrors.Wrap("transitioning system state to ready", err)
		}
	case NeedsRestart:
		m.logger.Warn().Msg("edge proxy fell back to ACME staging directory, restarting")
		if err := m.runtime.RestartContainer(ctx, m.containerName); err != nil {
			return nilerrors.Wrap("restarting edge proxy container", err)
		}
	case Unknown:
		// no action
	}
	return nil
}

// classify reports whether line is informative and, if so, its
// classification.
func classify(line LogLine) (Classification, bool) {
	if line.Msg == certificateObtainedMsg {
		return Ok, true
	}
	if strings.Contains(line.Error, acmeStagingDirectoryURL) {
		return NeedsRestart, true
	}
	return Unknown, false
}

// Package proxy keeps the host's view of workload domain routing and
// renders it into the edge reverse-proxy's configuration file.
package proxy

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// Route is one workload's routing entry: its domain and the two local
// ports the edge proxy forwards HTTP and HTTPS traffic to.
type Route struct {
	WorkloadID string
	Domain     string
	HTTPPort   uint16
	HTTPSPort  uint16
}

// Timeouts are the connect/client/server timeouts and connection cap
// rendered into every route.
type Timeouts struct {
	Connect        string
	Client         string
	Server         string
	MaxConnections int
}

// Renderer turns the current route table into the proxy's config file
// text. Kept as an interface so tests can swap in a fixture without
// depending on the real template.
type Renderer interface {
	Render(routes []Route, timeouts Timeouts) (string, error)
}

// Writer persists rendered config atomically, validates it, and reloads
// the running proxy process.
type Writer interface {
	// WriteAtomic writes contents to path without ever exposing a
	// partially-written file to a concurrent reader.
	WriteAtomic(path string, contents []byte) error
	// Validate runs the proxy's config validator against path.
	Validate(path string) error
	// Reload tells the running proxy to pick up path.
	Reload(path string) error
}

// Service is the in-memory workload_id -> route map plus the machinery
// to re-render and reload the edge proxy on every change.
type Service struct {
	mu     sync.Mutex
	routes map[string]Route

	configPath string
	timeouts   Timeouts

	renderer Renderer
	writer   Writer
	logger   zerolog.Logger
}

// Config configures a new Service.
type Config struct {
	ConfigPath string
	Timeouts   Timeouts
	Renderer   Renderer
	Writer     Writer
	Logger     zerolog.Logger
}

// New builds a Service with an empty route table.
func New(cfg Config) *Service {
	return &Service{
		routes:     make(map[string]Route),
		configPath: cfg.ConfigPath,
		timeouts:   cfg.Timeouts,
		renderer:   cfg.Renderer,
		writer:     cfg.Writer,
		logger:     cfg.Logger.With().Str("component", "edge-proxy").Logger(),
	}
}

// StartVMProxy inserts or updates a workload's route and reconciles the
// live config. A failure to reconcile leaves the in-memory table updated
// (the caller observes the new route immediately) and the running proxy
// on its last reloaded config; the file on disk may already hold the new
// render.
func (s *Service) StartVMProxy(route Route) error {
	s.mu.Lock()
	s.routes[route.WorkloadID] = route
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	return s.reconcile(snapshot)
}

// StopVMProxy removes a workload's route and reconciles the live config.
func (s *Service) StopVMProxy(workloadID string) error {
	s.mu.Lock()
	delete(s.routes, workloadID)
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	return s.reconcile(snapshot)
}

// Routes returns the current route table, sorted by workload ID for
// deterministic output.
func (s *Service) Routes() []Route {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Service) snapshotLocked() []Route {
	routes := make([]Route, 0, len(s.routes))
	for _, r := range s.routes {
		routes = append(routes, r)
	}
	sort.Slice(routes, func(i, j int) bool { return routes[i].WorkloadID < routes[j].WorkloadID })
	return routes
}

// reconcile renders, atomically writes, validates, and reloads. On any
// failure it logs and returns the error. Validate and Reload only ever act
// on configPath, which was only just overwritten, so a failed Validate still
// leaves a bad file on disk but the running proxy process, having not
// been reloaded, keeps serving its last-known-good configuration.
func (s *Service) reconcile(routes []Route) error {
	rendered, err := s.renderer.Render(routes, s.timeouts)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to render proxy config")
		return err
	}

	if err := s.writer.WriteAtomic(s.configPath, []byte(rendered)); err != nil {
		s.logger.Error().Err(err).Msg("failed to write proxy config")
		return err
	}

	if err := s.writer.Validate(s.configPath); err != nil {
		s.logger.Error().Err(err).Msg("proxy config failed validation, not reloading")
		return err
	}

	if err := s.writer.Reload(s.configPath); err != nil {
		s.logger.Error().Err(err).Msg("proxy reload failed")
		return err
	}

	return nil
}

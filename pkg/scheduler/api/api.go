// Package api serves the host control HTTP API: workload lifecycle
// operations, container log retrieval, health/stats, bootstrap, and
// artifact upgrades.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	nilerrors "github.com/virtengine/nilcc/pkg/errors"
	"github.com/virtengine/nilcc/pkg/scheduler/workload"
)

// Scheduler is the subset of the workload scheduler this API drives.
type Scheduler interface {
	CreateWorkload(ctx context.Context, req workload.CreateRequest) (uuid.UUID, error)
	DeleteWorkload(ctx context.Context, id uuid.UUID) error
	StartWorkload(ctx context.Context, id uuid.UUID) error
	StopWorkload(ctx context.Context, id uuid.UUID) error
	RestartWorkload(ctx context.Context, id uuid.UUID) error
	ListWorkloads(ctx context.Context) ([]WorkloadSummary, error)
}

// SchedulerAdapter adapts *workload.Scheduler's richer return types to
// the shapes this HTTP API needs on the wire.
type SchedulerAdapter struct {
	*workload.Scheduler
}

// CreateWorkload implements Scheduler.
func (a SchedulerAdapter) CreateWorkload(ctx context.Context, req workload.CreateRequest) (uuid.UUID, error) {
	w, err := a.Scheduler.CreateWorkload(ctx, req)
	if err != nil {
		return uuid.UUID{}, err
	}
	return w.ID, nil
}

// ListWorkloads implements Scheduler.
func (a SchedulerAdapter) ListWorkloads(ctx context.Context) ([]WorkloadSummary, error) {
	workloads, err := a.Scheduler.ListWorkloads(ctx)
	if err != nil {
		return nil, err
	}
	summaries := make([]WorkloadSummary, 0, len(workloads))
	for _, w := range workloads {
		summaries = append(summaries, WorkloadSummary{ID: w.ID, Enabled: w.Enabled, Domain: w.Domain})
	}
	return summaries, nil
}

// WorkloadSummary is the list-endpoint's per-workload shape.
type WorkloadSummary struct {
	ID      uuid.UUID `json:"id"`
	Enabled bool      `json:"enabled"`
	Domain  string    `json:"domain"`
}

// LogReader retrieves recent container log lines.
type LogReader interface {
	ReadLogs(ctx context.Context, container, stream string, tail, maxLines int) ([]string, error)
}

// SystemInfo reports health and resource-usage stats.
type SystemInfo interface {
	Health(ctx context.Context) error
	Stats(ctx context.Context) (interface{}, error)
}

// Bootstrapper handles the in-VM agent's bootstrap callback.
type Bootstrapper interface {
	Bootstrap(ctx context.Context, req BootstrapRequest) error
}

// BootstrapRequest is the /api/v1/system/bootstrap request body.
type BootstrapRequest struct {
	ACME   ACMECredentials    `json:"acme"`
	Docker []DockerCredential `json:"docker"`
}

// ACMECredentials carries the EAB key used to bootstrap the edge TLS
// certificate via ACME.
type ACMECredentials struct {
	EABKeyID  string `json:"eab_key_id"`
	EABMacKey string `json:"eab_mac_key"`
}

// DockerCredential is a registry login to inject into the bootstrapped
// compose environment.
type DockerCredential struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Server   string `json:"server,omitempty"`
}

// Upgrader begins an artifact upgrade.
type Upgrader interface {
	BeginUpgrade(ctx context.Context, version string) error
}

// Server wires the collaborators above into a gorilla/mux router.
type Server struct {
	scheduler    Scheduler
	logs         LogReader
	system       SystemInfo
	bootstrapper Bootstrapper
	upgrader     Upgrader
	logger       zerolog.Logger

	router *mux.Router
}

// Config configures a new Server.
type Config struct {
	Scheduler    Scheduler
	Logs         LogReader
	System       SystemInfo
	Bootstrapper Bootstrapper
	Upgrader     Upgrader
	Logger       zerolog.Logger
}

// New builds a Server and registers its routes.
func New(cfg Config) *Server {
	s := &Server{
		scheduler:    cfg.Scheduler,
		logs:         cfg.Logs,
		system:       cfg.System,
		bootstrapper: cfg.Bootstrapper,
		upgrader:     cfg.Upgrader,
		logger:       cfg.Logger.With().Str("component", "host-control-api").Logger(),
	}
	s.router = s.newRouter()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) newRouter() *mux.Router {
	router := mux.NewRouter()

	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/workloads/create", s.handleCreateWorkload).Methods(http.MethodPost)
	api.HandleFunc("/workloads/delete", s.handleWorkloadCommand(s.scheduler.DeleteWorkload)).Methods(http.MethodPost)
	api.HandleFunc("/workloads/start", s.handleWorkloadCommand(s.scheduler.StartWorkload)).Methods(http.MethodPost)
	api.HandleFunc("/workloads/stop", s.handleWorkloadCommand(s.scheduler.StopWorkload)).Methods(http.MethodPost)
	api.HandleFunc("/workloads/restart", s.handleWorkloadCommand(s.scheduler.RestartWorkload)).Methods(http.MethodPost)
	api.HandleFunc("/workloads/list", s.handleListWorkloads).Methods(http.MethodGet)
	api.HandleFunc("/containers/logs", s.handleContainerLogs).Methods(http.MethodGet)
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/system/stats", s.handleSystemStats).Methods(http.MethodGet)
	api.HandleFunc("/system/bootstrap", s.handleBootstrap).Methods(http.MethodPost)
	api.HandleFunc("/system/artifacts/upgrade", s.handleUpgrade).Methods(http.MethodPost)

	return router
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	typed := nilerrors.Wrap("handling request", err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(nilerrors.HTTPStatus(typed))
	_ = json.NewEncoder(w).Encode(nilerrors.ToEnvelope(typed))
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

package workload

import (
	"context"
	"database/sql"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/virtengine/nilcc/pkg/compose"
	nilerrors "github.com/virtengine/nilcc/pkg/errors"
	"github.com/virtengine/nilcc/pkg/scheduler/lifecycle"
	"github.com/virtengine/nilcc/pkg/scheduler/proxy"
)

// LifecycleRegistry spawns and addresses one lifecycle worker per
// workload.
type LifecycleRegistry interface {
	Spawn(w *Workload)
	Send(id uuid.UUID, cmd lifecycle.Command) error
	Remove(id uuid.UUID)
}

// ProxyAnnouncer is the edge proxy's workload_id -> route bookkeeping.
type ProxyAnnouncer interface {
	StartVMProxy(route proxy.Route) error
	StopVMProxy(workloadID string) error
}

// AdmissionMetrics records the outcome of a CreateWorkload call. Nil is a
// valid Config.Metrics value; the scheduler skips recording when unset.
type AdmissionMetrics interface {
	RecordAdmission(result string)
}

// Scheduler admits workloads under the resource budget, persists them,
// drives their lifecycle workers, and keeps the edge proxy in sync.
type Scheduler struct {
	// mu guards both the allocator and the repository writes together,
	// so two concurrent admissions never observe the same free
	// resources twice (spec: "DB work happens under that [allocator]
	// mutex to prevent double-allocation").
	mu sync.Mutex

	repo      Repository
	allocator *Allocator
	lifecycle LifecycleRegistry
	proxy     ProxyAnnouncer
	metrics   AdmissionMetrics
	logger    zerolog.Logger
}

// Config configures a new Scheduler.
type Config struct {
	Repository Repository
	Allocator  *Allocator
	Lifecycle  LifecycleRegistry
	Proxy      ProxyAnnouncer
	Metrics    AdmissionMetrics
	Logger     zerolog.Logger
}

// New builds a Scheduler.
func New(cfg Config) *Scheduler {
	return &Scheduler{
		repo:      cfg.Repository,
		allocator: cfg.Allocator,
		lifecycle: cfg.Lifecycle,
		proxy:     cfg.Proxy,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger.With().Str("component", "workload-scheduler").Logger(),
	}
}

func (s *Scheduler) recordAdmission(result string) {
	if s.metrics != nil {
		s.metrics.RecordAdmission(result)
	}
}

// Rehydrate replays every persisted workload's reservation against the
// allocator, run once at startup before the scheduler accepts requests.
func (s *Scheduler) Rehydrate(ctx context.Context) error {
	workloads, err := s.repo.List(ctx)
	if err != nil {
		return nilerrors.Wrap("listing persisted workloads", err)
	}
	for _, w := range workloads {
		if err := s.allocator.Rehydrate(w); err != nil {
			return err
		}
		if w.Enabled {
			s.lifecycle.Spawn(w)
		}
	}
	return nil
}

// CreateWorkload admits req, persists the resulting workload, and spawns
// its lifecycle worker and proxy entry.
func (s *Scheduler) CreateWorkload(ctx context.Context, req CreateRequest) (*Workload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	version, err := s.repo.CurrentArtifactsVersion(ctx)
	if err != nil {
		s.recordAdmission("error")
		return nil, nilerrors.Wrap("loading current artifacts version", err)
	}
	if version == "" {
		s.recordAdmission("error")
		return nil, nilerrors.New(nilerrors.KindInternal, nilerrors.CodeInternal, "no artifacts version configured")
	}

	if err := compose.Validate(req.DockerCompose, req.PublicContainerName); err != nil {
		s.recordAdmission("rejected_compose")
		return nil, nilerrors.WrapAs(nilerrors.KindInput, nilerrors.CodeInvalidCompose, "validating docker compose", err)
	}

	reservation, err := s.allocator.Admit(req)
	if err != nil {
		s.recordAdmission("rejected_resources")
		return nil, err
	}

	w := &Workload{
		ID:                  req.ID,
		DockerCompose:       req.DockerCompose,
		EnvVars:             req.EnvVars,
		Files:               req.Files,
		DockerCredentials:   req.DockerCredentials,
		PublicContainerName: req.PublicContainerName,
		PublicContainerPort: req.PublicContainerPort,
		CPUs:                req.CPUs,
		MemoryMiB:           req.MemoryMiB,
		DiskGiB:             req.DiskGiB,
		GPUs:                reservation.GPUs,
		Ports:               reservation.Ports,
		Domain:              req.Domain,
		Enabled:             true,
		ArtifactsVersion:    version,
	}

	if err := s.repo.Insert(ctx, w); err != nil {
		s.allocator.Release(w)
		if errors.Is(err, ErrDomainExists) {
			s.recordAdmission("rejected_domain_exists")
			return nil, nilerrors.WrapAs(nilerrors.KindPolicy, nilerrors.CodeDomainExists, "inserting workload", err)
		}
		s.recordAdmission("error")
		return nil, nilerrors.Wrap("inserting workload", err)
	}
	s.recordAdmission("admitted")

	s.lifecycle.Spawn(w)
	if err := s.proxy.StartVMProxy(proxy.Route{
		WorkloadID: w.ID.String(),
		Domain:     w.Domain,
		HTTPPort:   w.Ports.HTTP,
		HTTPSPort:  w.Ports.HTTPS,
	}); err != nil {
		// A failed announce is logged and not retried; it is not fatal to
		// workload creation.
		s.logger.Error().Err(err).Str("workload_id", w.ID.String()).Msg("failed to announce workload to edge proxy")
	}

	return w, nil
}

// DeleteWorkload removes a workload's record, proxy entry, and VM, and
// returns its reservation to the allocator.
func (s *Scheduler) DeleteWorkload(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, err := s.repo.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, sql.ErrNoRows) {
			return nilerrors.New(nilerrors.KindInput, nilerrors.CodeNotFound, "deleting workload")
		}
		return nilerrors.Wrap("loading workload", err)
	}

	if err := s.repo.Delete(ctx, id); err != nil {
		return nilerrors.Wrap("deleting workload record", err)
	}

	if err := s.proxy.StopVMProxy(id.String()); err != nil {
		s.logger.Error().Err(err).Str("workload_id", id.String()).Msg("failed to remove proxy entry")
	}
	if err := s.lifecycle.Send(id, lifecycle.CommandDelete); err != nil {
		s.logger.Error().Err(err).Str("workload_id", id.String()).Msg("failed to notify lifecycle worker of delete")
	}
	s.lifecycle.Remove(id)

	s.allocator.Release(w)
	return nil
}

// StartWorkload flips a disabled workload's enabled flag on and instructs
// its lifecycle worker to create the VM.
func (s *Scheduler) StartWorkload(ctx context.Context, id uuid.UUID) error {
	return s.setEnabled(ctx, id, true, lifecycle.CommandStart)
}

// StopWorkload flips an enabled workload's enabled flag off and
// instructs its lifecycle worker to delete the VM.
func (s *Scheduler) StopWorkload(ctx context.Context, id uuid.UUID) error {
	return s.setEnabled(ctx, id, false, lifecycle.CommandStop)
}

// RestartWorkload leaves enabled untouched and instructs the lifecycle
// worker to restart the VM.
func (s *Scheduler) RestartWorkload(ctx context.Context, id uuid.UUID) error {
	w, err := s.repo.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, sql.ErrNoRows) {
			return nilerrors.New(nilerrors.KindInput, nilerrors.CodeNotFound, "restarting workload")
		}
		return nilerrors.Wrap("loading workload", err)
	}
	if !w.Enabled {
		return nilerrors.New(nilerrors.KindPolicy, nilerrors.CodeNotFound, "restarting disabled workload")
	}
	return s.lifecycle.Send(id, lifecycle.CommandRestart)
}

func (s *Scheduler) setEnabled(ctx context.Context, id uuid.UUID, enabled bool, cmd lifecycle.Command) error {
	w, err := s.repo.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, sql.ErrNoRows) {
			return nilerrors.New(nilerrors.KindInput, nilerrors.CodeNotFound, "loading workload")
		}
		return nilerrors.Wrap("loading workload", err)
	}
	if w.Enabled == enabled {
		return nil
	}
	if err := s.repo.SetEnabled(ctx, id, enabled); err != nil {
		return nilerrors.Wrap("updating workload enabled flag", err)
	}
	return s.lifecycle.Send(id, cmd)
}

// ListWorkloads returns every persisted workload.
func (s *Scheduler) ListWorkloads(ctx context.Context) ([]*Workload, error) {
	workloads, err := s.repo.List(ctx)
	if err != nil {
		return nil, nilerrors.Wrap("listing workloads", err)
	}
	return workloads, nil
}

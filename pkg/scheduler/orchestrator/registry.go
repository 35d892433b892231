// Package orchestrator ties the workload scheduler to one lifecycle
// worker per workload, the glue workload.LifecycleRegistry describes but
// leaves abstract so the scheduler package never imports hypervisor or
// per-workload networking details directly.
package orchestrator

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/virtengine/nilcc/pkg/scheduler/hypervisor"
	"github.com/virtengine/nilcc/pkg/scheduler/lifecycle"
	"github.com/virtengine/nilcc/pkg/scheduler/workload"
	"github.com/virtengine/nilcc/pkg/verifierkeys"
)

// AgentClientFactory builds the lifecycle.AgentClient a worker uses to
// probe and bootstrap one workload's in-VM agent, addressed by the
// workload's allocated CVMAgent port.
type AgentClientFactory func(w *workload.Workload) lifecycle.AgentClient

// Registry implements workload.LifecycleRegistry, spawning one
// lifecycle.Worker goroutine per workload and forwarding commands to it
// by workload ID.
type Registry struct {
	mu      sync.Mutex
	workers map[uuid.UUID]*lifecycle.Worker
	cancels map[uuid.UUID]context.CancelFunc

	ctx context.Context

	hv          *hypervisor.Client
	disks       lifecycle.DiskRemover
	agentClient AgentClientFactory
	events      chan lifecycle.Event
	socketDir   string
	isoDir      string

	verifierKeys *verifierkeys.Store
	checkedOut   map[uuid.UUID][33]byte

	logger zerolog.Logger
}

// Config configures a new Registry.
type Config struct {
	// Ctx is the parent context every spawned worker's Run loop is
	// derived from; cancelling it stops every worker.
	Ctx         context.Context
	Hypervisor  *hypervisor.Client
	Disks       lifecycle.DiskRemover
	AgentClient AgentClientFactory
	Events      chan lifecycle.Event
	SocketDir   string
	ISODir      string
	// VerifierKeys hands each spawned VM a dedicated report-signing key,
	// checked out for the lifetime of the workload and returned to the
	// pool on removal. Nil disables per-workload key assignment.
	VerifierKeys *verifierkeys.Store
	Logger       zerolog.Logger
}

// New builds a Registry.
func New(cfg Config) *Registry {
	return &Registry{
		workers:      make(map[uuid.UUID]*lifecycle.Worker),
		cancels:      make(map[uuid.UUID]context.CancelFunc),
		ctx:          cfg.Ctx,
		hv:           cfg.Hypervisor,
		disks:        cfg.Disks,
		agentClient:  cfg.AgentClient,
		events:       cfg.Events,
		socketDir:    cfg.SocketDir,
		isoDir:       cfg.ISODir,
		verifierKeys: cfg.VerifierKeys,
		checkedOut:   make(map[uuid.UUID][33]byte),
		logger:       cfg.Logger.With().Str("component", "lifecycle-registry").Logger(),
	}
}

// Spawn implements workload.LifecycleRegistry.
func (r *Registry) Spawn(w *workload.Workload) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.workers[w.ID]; exists {
		return
	}

	socket := fmt.Sprintf("%s/%s.sock", r.socketDir, w.ID)
	spec := hypervisor.VmSpec{
		CPU:       w.CPUs,
		RAMMiB:    w.MemoryMiB,
		GPUs:      w.GPUs,
		CDROMISO:  fmt.Sprintf("%s/%s.iso", r.isoDir, w.ID),
		EnableCVM: true,
		PortForwarding: []hypervisor.PortForward{
			{Host: w.Ports.HTTP, Guest: 80},
			{Host: w.Ports.HTTPS, Guest: 443},
			{Host: w.Ports.CVMAgent, Guest: 8443},
		},
	}

	if r.verifierKeys != nil {
		if kp, err := r.verifierKeys.Next(); err != nil {
			r.logger.Error().Err(err).Str("workload_id", w.ID.String()).Msg("no verifier key available for workload")
		} else {
			r.checkedOut[w.ID] = kp.PublicCompressed
			spec.KernelArgs = "nilcc.verifier_pubkey=" + hex.EncodeToString(kp.PublicCompressed[:])
		}
	}

	workerCtx, cancel := context.WithCancel(r.ctx)
	worker := lifecycle.New(lifecycle.Config{
		WorkloadID: w.ID.String(),
		Spec:       spec,
		Socket:     socket,
		Hypervisor: r.hv,
		Agent:      r.agentClient(w),
		Disks:      r.disks,
		Events:     r.events,
		Logger:     r.logger,
	})

	r.workers[w.ID] = worker
	r.cancels[w.ID] = cancel
	go worker.Run(workerCtx, w.Enabled)
}

// Send implements workload.LifecycleRegistry.
func (r *Registry) Send(id uuid.UUID, cmd lifecycle.Command) error {
	r.mu.Lock()
	worker, ok := r.workers[id]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("orchestrator: no lifecycle worker for workload %s", id)
	}
	worker.Send(cmd)
	return nil
}

// Remove implements workload.LifecycleRegistry.
func (r *Registry) Remove(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cancel, ok := r.cancels[id]; ok {
		cancel()
	}
	delete(r.workers, id)
	delete(r.cancels, id)

	if r.verifierKeys != nil {
		if pub, ok := r.checkedOut[id]; ok {
			if err := r.verifierKeys.Return(pub[:]); err != nil {
				r.logger.Error().Err(err).Str("workload_id", id.String()).Msg("failed to return verifier key to pool")
			}
			delete(r.checkedOut, id)
		}
	}
}

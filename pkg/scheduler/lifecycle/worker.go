// Package lifecycle runs one state-machine worker per workload, driving
// its VM through the hypervisor control socket and the in-VM agent's
// bootstrap handshake.
package lifecycle

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/virtengine/nilcc/pkg/scheduler/hypervisor"
)

// State is one of a workload VM's lifecycle states.
type State int

const (
	Disabled State = iota
	Starting
	Running
	Stopped
)

func (s State) String() string {
	switch s {
	case Disabled:
		return "Disabled"
	case Starting:
		return "Starting"
	case Running:
		return "Running"
	case Stopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// Command is one instruction sent to a worker's FIFO command channel.
type Command int

const (
	CommandStart Command = iota
	CommandStop
	CommandRestart
	CommandDelete
)

// Event is emitted to the event worker whenever a worker's externally
// observable state changes.
type Event struct {
	WorkloadID string
	Kind       string
	Error      string
}

// HypervisorClient is the subset of hypervisor.Client a worker drives.
type HypervisorClient interface {
	StartVM(spec hypervisor.VmSpec, socket string) error
	StopVM(socket string, force bool) error
	RestartVM(socket string) error
	IsVMRunning(socket string) bool
}

// AgentClient probes the in-VM agent's health and triggers its bootstrap
// handshake.
type AgentClient interface {
	// Health returns whether the compose bootstrap has completed and
	// whether the edge proxy has a valid HTTPS certificate yet.
	Health(ctx context.Context) (bootstrapped bool, https bool, err error)
	Bootstrap(ctx context.Context, credentials BootstrapCredentials) error
}

// BootstrapCredentials carries the ACME account and registry login a
// workload's compose bootstrap needs.
type BootstrapCredentials struct {
	ACMEEmail         string
	DockerCredentials []DockerCredential
	CaddyACMEKeyID    string
	CaddyACMEMacKey   string
}

// DockerCredential is a registry login passed through to bootstrap.
type DockerCredential struct {
	Username string
	Password string
	Server   string
}

// DiskRemover deletes a workload's writable disks and ISO from the
// filesystem when its VM is deleted.
type DiskRemover interface {
	RemoveDisks(workloadID string) error
}

// Worker owns one workload's state machine.
type Worker struct {
	workloadID string
	spec       hypervisor.VmSpec
	socket     string

	hv     HypervisorClient
	agent  AgentClient
	disks  DiskRemover
	events chan<- Event

	tick time.Duration

	commands chan Command

	state         State
	startFailures int
	logger        zerolog.Logger
}

// Config configures a new Worker.
type Config struct {
	WorkloadID string
	Spec       hypervisor.VmSpec
	Socket     string
	Hypervisor HypervisorClient
	Agent      AgentClient
	Disks      DiskRemover
	Events     chan<- Event
	Tick       time.Duration
	Logger     zerolog.Logger
}

// New builds a Worker. Its command channel holds 16 commands, so issuing
// Start/Stop/Restart/Delete blocks only once 16 are pending.
func New(cfg Config) *Worker {
	tick := cfg.Tick
	if tick == 0 {
		tick = 10 * time.Second
	}
	return &Worker{
		workloadID: cfg.WorkloadID,
		spec:       cfg.Spec,
		socket:     cfg.Socket,
		hv:         cfg.Hypervisor,
		agent:      cfg.Agent,
		disks:      cfg.Disks,
		events:     cfg.Events,
		tick:       tick,
		commands:   make(chan Command, 16),
		state:      Disabled,
		logger:     cfg.Logger.With().Str("component", "lifecycle-worker").Str("workload_id", cfg.WorkloadID).Logger(),
	}
}

// State returns the worker's current state. It reads the field without
// locking, so it is race-free only on the Run loop's goroutine or while
// Run is not running.
func (w *Worker) State() State { return w.state }

// Send enqueues a command. It never blocks past the channel's buffer
// since the scheduler must never stall on a lifecycle worker.
func (w *Worker) Send(cmd Command) {
	w.commands <- cmd
}

// Run drives the worker's FIFO command queue and 10-s tick until ctx is
// cancelled. Ticks and commands share one select so they never overlap:
// a command always runs to completion before the next tick or command is
// considered.
func (w *Worker) Run(ctx context.Context, enabled bool) {
	ticker := time.NewTicker(w.tick)
	defer ticker.Stop()

	if enabled {
		w.handleStart(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-w.commands:
			if !ok {
				return
			}
			w.handleCommand(ctx, cmd)
		case <-ticker.C:
			w.handleTick(ctx)
		}
	}
}

func (w *Worker) handleCommand(ctx context.Context, cmd Command) {
	switch cmd {
	case CommandStart:
		w.handleStart(ctx)
	case CommandStop:
		w.handleStop(ctx)
	case CommandRestart:
		w.handleRestart(ctx)
	case CommandDelete:
		w.handleDelete(ctx)
	}
}

func (w *Worker) handleStart(ctx context.Context) {
	err := w.hv.StartVM(w.spec, w.socket)
	switch {
	case err == nil:
		w.state = Starting
		w.emit("Starting", "")
	case err == hypervisor.ErrVmAlreadyRunning:
		w.logger.Info().Msg("start requested but VM already running, continuing in Starting")
		w.state = Starting
	default:
		w.startFailures++
		w.logger.Error().Err(err).Int("failures", w.startFailures).Msg("failed to start VM")
		w.emit("FailedToStart", err.Error())
	}
}

func (w *Worker) handleStop(ctx context.Context) {
	w.stopVM(ctx)
	w.emit("Stopped", "")
	w.state = Disabled
}

func (w *Worker) handleRestart(ctx context.Context) {
	w.stopVM(ctx)
	// Back in Starting, the next tick observes the VM is no longer running
	// and restarts it.
	w.state = Starting
}

func (w *Worker) handleDelete(ctx context.Context) {
	w.stopVM(ctx)
	if w.disks != nil {
		if err := w.disks.RemoveDisks(w.workloadID); err != nil {
			w.logger.Error().Err(err).Msg("failed to remove workload disks")
		}
	}
	w.emit("Stopped", "")
}

func (w *Worker) stopVM(ctx context.Context) {
	err := w.hv.StopVM(w.socket, true)
	if err == hypervisor.ErrVmNotRunning {
		w.logger.Warn().Msg("stop requested but VM was not running")
		return
	}
	if err != nil {
		w.logger.Error().Err(err).Msg("failed to stop VM")
	}
}

func (w *Worker) handleTick(ctx context.Context) {
	switch w.state {
	case Starting:
		w.tickStarting(ctx)
	case Disabled:
		// no-op
	case Running, Stopped:
		// Running and Stopped workers are reconciled only through
		// explicit commands; a poll-based health check isn't part of
		// the contract for states other than Starting.
	}
}

func (w *Worker) tickStarting(ctx context.Context) {
	if !w.hv.IsVMRunning(w.socket) {
		if err := w.hv.StartVM(w.spec, w.socket); err != nil && err != hypervisor.ErrVmAlreadyRunning {
			w.startFailures++
			w.logger.Error().Err(err).Msg("restart attempt failed while VM not running")
		}
		return
	}

	bootstrapped, https, err := w.agent.Health(ctx)
	if err != nil {
		w.logger.Warn().Err(err).Msg("health check failed")
		return
	}

	if !bootstrapped {
		if err := w.agent.Bootstrap(ctx, BootstrapCredentials{}); err != nil {
			w.logger.Error().Err(err).Msg("bootstrap request failed")
		}
		return
	}

	if https {
		w.state = Running
		w.emit("Running", "")
	}
}

func (w *Worker) emit(kind, errMsg string) {
	if w.events == nil {
		return
	}
	select {
	case w.events <- Event{WorkloadID: w.workloadID, Kind: kind, Error: errMsg}:
	default:
		w.logger.Warn().Str("kind", kind).Msg("event channel full, dropping event")
	}
}

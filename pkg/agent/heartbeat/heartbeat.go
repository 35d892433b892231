// Package heartbeat is the in-VM agent's HTX emitter: once the edge TLS
// proxy is ready, it periodically submits a signed attestation-linked
// "heartbeat transaction" (HTX) to the configured chain endpoint.
package heartbeat

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	nilerrors "github.com/virtengine/nilcc/pkg/errors"
)

// WorkloadID is the HTX document's workload identity field.
type WorkloadID struct {
	Current string `json:"current"`
}

// NilccMeasurement describes the workload's own measured environment.
// Field order matches the wire format exactly: Go serializes struct
// fields in declaration order, so this struct IS the ordering contract.
type NilccMeasurement struct {
	URL               string   `json:"url"`
	NilccVersion      string   `json:"nilcc_version"`
	CPUCount          int      `json:"cpu_count"`
	GPUs              []string `json:"GPUs"`
	DockerComposeHash string   `json:"docker_compose_hash"`
}

// BuilderMeasurement identifies the image builder that produced the
// workload's disk image.
type BuilderMeasurement struct {
	URL string `json:"url"`
}

// Document is the stable-ordered JSON HTX payload submitted on-chain.
type Document struct {
	Version            string             `json:"version"`
	WorkloadID         WorkloadID         `json:"workloadId"`
	NilccMeasurement   NilccMeasurement   `json:"nilCC_measurement"`
	BuilderMeasurement BuilderMeasurement `json:"builder_measurement"`
}

// MeasurementProvider supplies the measurement fields of the HTX
// document at submission time (the docker-compose hash and GPU list can
// change across ticks if the workload is rebootstrapped).
type MeasurementProvider interface {
	CurrentMeasurement() (NilccMeasurement, BuilderMeasurement)
}

// ReadyWaiter blocks until the edge TLS proxy first reaches Ready.
type ReadyWaiter interface {
	WaitReady(ctx context.Context) error
}

// ChainClient submits the HTX payload to the configured chain endpoint's
// submitHTX contract method and reports the signing wallet's balance.
type ChainClient interface {
	SubmitHTX(ctx context.Context, rawHTX []byte) (txHash string, err error)
	Balance(ctx context.Context) (wei string, err error)
}

const (
	defaultInterval    = 10 * time.Second
	balanceLogEveryN   = 5
	htxDocumentVersion = "v1"
)

// Emitter drives the heartbeat tick loop.
type Emitter struct {
	chain        ChainClient
	ready        ReadyWaiter
	measurements MeasurementProvider
	workloadID   string

	intervalNanos int64 // atomic, set via SetInterval

	logger zerolog.Logger
}

// Config configures a new Emitter.
type Config struct {
	Chain        ChainClient
	Ready        ReadyWaiter
	Measurements MeasurementProvider
	WorkloadID   string
	Interval     time.Duration
	Logger       zerolog.Logger
}

// New builds an Emitter with the default 10s tick interval.
func New(cfg Config) *Emitter {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	e := &Emitter{
		chain:        cfg.Chain,
		ready:        cfg.Ready,
		measurements: cfg.Measurements,
		workloadID:   cfg.WorkloadID,
		logger:       cfg.Logger.With().Str("component", "heartbeat-emitter").Logger(),
	}
	atomic.StoreInt64(&e.intervalNanos, int64(interval))
	return e
}

// SetInterval changes the tick interval at runtime (driven by a control
// endpoint). Takes effect on the next tick.
func (e *Emitter) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	atomic.StoreInt64(&e.intervalNanos, int64(d))
}

func (e *Emitter) interval() time.Duration {
	return time.Duration(atomic.LoadInt64(&e.intervalNanos))
}

// Run waits for TLS readiness, then ticks forever (MissedTickBehavior =
// Skip: a time.Ticker never queues a missed tick) submitting HTX
// documents and, every 5th tick, logging the wallet balance. The
// balance is checked once before the loop's first tick blocks.
func (e *Emitter) Run(ctx context.Context) error {
	if err := e.ready.WaitReady(ctx); err != nil {
		return nilerrors.Wrap("waiting for edge tls readiness", err)
	}

	e.logBalance(ctx)

	current := e.interval()
	ticker := time.NewTicker(current)
	defer ticker.Stop()

	var ticks uint64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if next := e.interval(); next != current {
				ticker.Reset(next)
				current = next
			}

			ticks++
			if ticks%balanceLogEveryN == 0 {
				e.logBalance(ctx)
			}
			e.submitTick(ctx)
		}
	}
}

func (e *Emitter) submitTick(ctx context.Context) {
	measurement, builder := e.measurements.CurrentMeasurement()
	doc := Document{
		Version:            htxDocumentVersion,
		WorkloadID:         WorkloadID{Current: e.workloadID},
		NilccMeasurement:   measurement,
		BuilderMeasurement: builder,
	}

	payload, err := json.Marshal(doc)
	if err != nil {
		e.logger.Error().Err(err).Msg("failed to marshal htx document")
		return
	}

	txHash, err := e.chain.SubmitHTX(ctx, payload)
	if err != nil {
		e.logger.Error().Err(err).Msg("htx submission failed")
		return
	}
	e.logger.Info().Str("tx_hash", txHash).Msg("htx submitted")
}

func (e *Emitter) logBalance(ctx context.Context) {
	balance, err := e.chain.Balance(ctx)
	if err != nil {
		e.logger.Warn().Err(err).Msg("failed to read signing wallet balance")
		return
	}
	e.logger.Info().Str("balance_wei", balance).Msg("signing wallet balance")
}

// StaticMeasurementProvider is a MeasurementProvider returning a fixed
// measurement snapshot, for callers whose workload never rebootstraps
// mid-run.
type StaticMeasurementProvider struct {
	mu                 sync.RWMutex
	measurement        NilccMeasurement
	builderMeasurement BuilderMeasurement
}

// NewStaticMeasurementProvider builds a MeasurementProvider that always
// returns the given snapshot until Update is called.
func NewStaticMeasurementProvider(m NilccMeasurement, b BuilderMeasurement) *StaticMeasurementProvider {
	return &StaticMeasurementProvider{measurement: m, builderMeasurement: b}
}

func (p *StaticMeasurementProvider) CurrentMeasurement() (NilccMeasurement, BuilderMeasurement) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.measurement, p.builderMeasurement
}

// Update replaces the snapshot, e.g. after a workload rebootstrap
// changes the docker-compose hash.
func (p *StaticMeasurementProvider) Update(m NilccMeasurement, b BuilderMeasurement) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.measurement = m
	p.builderMeasurement = b
}

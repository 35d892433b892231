// Package heartbeat periodically reconciles the host's installed
// artifact versions against the upstream API's expectations.
package heartbeat

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// UpstreamClient announces installed versions and learns the expected set.
type UpstreamClient interface {
	// Heartbeat posts the installed version list and returns the
	// versions the upstream API expects the host to have.
	Heartbeat(ctx context.Context, installed []string) (expected []string, err error)
}

// UpgradeService installs and uninstalls artifact versions, recording a
// changelog entry for each attempt.
type UpgradeService interface {
	Install(ctx context.Context, version string) error
	Uninstall(ctx context.Context, version string) error
}

// WorkloadVersions reports which artifact versions are still referenced
// by at least one persisted workload, so the worker never uninstalls a
// version a running workload needs.
type WorkloadVersions interface {
	ReferencedVersions(ctx context.Context) ([]string, error)
}

// InventoryStore reports the versions currently installed on the host.
type InventoryStore interface {
	InstalledVersions(ctx context.Context) ([]string, error)
}

// UpgradeMetrics records artifacts install/uninstall outcomes. Nil is a
// valid Config.Metrics value.
type UpgradeMetrics interface {
	RecordUpgrade(action, result string)
}

// Worker ties the four collaborators above to a 30-s ticker.
type Worker struct {
	upstream  UpstreamClient
	upgrades  UpgradeService
	workloads WorkloadVersions
	inventory InventoryStore
	metrics   UpgradeMetrics
	interval  time.Duration
	logger    zerolog.Logger
}

// Config configures a new Worker.
type Config struct {
	Upstream  UpstreamClient
	Upgrades  UpgradeService
	Workloads WorkloadVersions
	Inventory InventoryStore
	Metrics   UpgradeMetrics
	Interval  time.Duration
	Logger    zerolog.Logger
}

// New builds a Worker.
func New(cfg Config) *Worker {
	interval := cfg.Interval
	if interval == 0 {
		interval = 30 * time.Second
	}
	return &Worker{
		upstream:  cfg.Upstream,
		upgrades:  cfg.Upgrades,
		workloads: cfg.Workloads,
		inventory: cfg.Inventory,
		metrics:   cfg.Metrics,
		interval:  interval,
		logger:    cfg.Logger.With().Str("component", "heartbeat-worker").Logger(),
	}
}

func (w *Worker) recordUpgrade(action, result string) {
	if w.metrics != nil {
		w.metrics.RecordUpgrade(action, result)
	}
}

// Run ticks until ctx is cancelled. A tick that arrives while the
// previous one is still running is skipped rather than queued, matching
// the "a missed heartbeat tick skips rather than bursts" requirement.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.Tick(ctx); err != nil {
				w.logger.Error().Err(err).Msg("heartbeat tick failed")
			}
		}
	}
}

// Tick runs one reconciliation pass: announce inventory, compute the
// missing/redundant sets, and act on the first missing version and every
// redundant one.
func (w *Worker) Tick(ctx context.Context) error {
	installed, err := w.inventory.InstalledVersions(ctx)
	if err != nil {
		return err
	}

	expected, err := w.upstream.Heartbeat(ctx, installed)
	if err != nil {
		return err
	}

	referenced, err := w.workloads.ReferencedVersions(ctx)
	if err != nil {
		return err
	}

	installedSet := toSet(installed)
	expectedSet := toSet(expected)
	referencedSet := toSet(referenced)

	missing := diffOrdered(expected, installedSet)
	if len(missing) > 0 {
		version := missing[0]
		w.logger.Info().Str("version", version).Msg("installing missing artifact version")
		if err := w.upgrades.Install(ctx, version); err != nil {
			w.logger.Error().Err(err).Str("version", version).Msg("install failed")
			w.recordUpgrade("install", "error")
		} else {
			w.recordUpgrade("install", "ok")
		}
	}

	redundant := diffOrdered(installed, expectedSet)
	for _, version := range redundant {
		if _, stillUsed := referencedSet[version]; stillUsed {
			continue
		}
		w.logger.Info().Str("version", version).Msg("uninstalling redundant artifact version")
		if err := w.upgrades.Uninstall(ctx, version); err != nil {
			w.logger.Error().Err(err).Str("version", version).Msg("uninstall failed")
			w.recordUpgrade("uninstall", "error")
		} else {
			w.recordUpgrade("uninstall", "ok")
		}
	}

	return nil
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}

// diffOrdered returns the elements of ordered not present in exclude,
// preserving ordered's order so "install the first missing version" is
// well-defined rather than depending on map iteration order.
func diffOrdered(ordered []string, exclude map[string]struct{}) []string {
	var out []string
	for _, v := range ordered {
		if _, ok := exclude[v]; !ok {
			out = append(out, v)
		}
	}
	return out
}

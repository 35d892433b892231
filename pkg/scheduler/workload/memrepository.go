package workload

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryRepository is an in-process Repository backed by a mutex-guarded
// map, the default store for a single host daemon that does not need a
// shared database across replicas.
type MemoryRepository struct {
	mu               sync.RWMutex
	byID             map[uuid.UUID]*Workload
	domains          map[string]uuid.UUID
	artifactsVersion string
}

// NewMemoryRepository builds an empty MemoryRepository pinned to the
// given artifacts version, the release this host currently runs
// workloads against.
func NewMemoryRepository(artifactsVersion string) *MemoryRepository {
	return &MemoryRepository{
		byID:             make(map[uuid.UUID]*Workload),
		domains:          make(map[string]uuid.UUID),
		artifactsVersion: artifactsVersion,
	}
}

// Insert implements Repository.
func (r *MemoryRepository) Insert(ctx context.Context, w *Workload) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.domains[w.Domain]; ok && existing != w.ID {
		return ErrDomainExists
	}

	cp := *w
	r.byID[w.ID] = &cp
	r.domains[w.Domain] = w.ID
	return nil
}

// Get implements Repository.
func (r *MemoryRepository) Get(ctx context.Context, id uuid.UUID) (*Workload, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	w, ok := r.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *w
	return &cp, nil
}

// Delete implements Repository.
func (r *MemoryRepository) Delete(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.byID[id]
	if !ok {
		return ErrNotFound
	}
	delete(r.byID, id)
	delete(r.domains, w.Domain)
	return nil
}

// SetEnabled implements Repository.
func (r *MemoryRepository) SetEnabled(ctx context.Context, id uuid.UUID, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.byID[id]
	if !ok {
		return ErrNotFound
	}
	w.Enabled = enabled
	return nil
}

// List implements Repository.
func (r *MemoryRepository) List(ctx context.Context) ([]*Workload, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Workload, 0, len(r.byID))
	for _, w := range r.byID {
		cp := *w
		out = append(out, &cp)
	}
	return out, nil
}

// CurrentArtifactsVersion implements Repository.
func (r *MemoryRepository) CurrentArtifactsVersion(ctx context.Context) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.artifactsVersion, nil
}

// SetArtifactsVersion updates the release this host's new workloads are
// admitted against, called after a successful artifacts upgrade.
func (r *MemoryRepository) SetArtifactsVersion(version string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.artifactsVersion = version
}

// LastReportedEvent implements events.LastEventStore, tracked alongside
// the workload record so a duplicate in-flight lifecycle notification
// does not get reported twice.
func (r *MemoryRepository) LastReportedEvent(ctx context.Context, workloadID string) (string, bool, error) {
	id, err := uuid.Parse(workloadID)
	if err != nil {
		return "", false, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	w, ok := r.byID[id]
	if !ok || w.LastReportedEvent == nil {
		return "", false, nil
	}
	return *w.LastReportedEvent, true, nil
}

// SetLastReportedEvent implements events.LastEventStore.
func (r *MemoryRepository) SetLastReportedEvent(ctx context.Context, workloadID, kind string) error {
	id, err := uuid.Parse(workloadID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.byID[id]
	if !ok {
		return ErrNotFound
	}
	k := kind
	w.LastReportedEvent = &k
	return nil
}

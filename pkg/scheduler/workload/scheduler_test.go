package workload

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/virtengine/nilcc/pkg/scheduler/lifecycle"
	"github.com/virtengine/nilcc/pkg/scheduler/proxy"
)

type memRepository struct {
	workloads       map[uuid.UUID]*Workload
	artifactVersion string
	domains         map[string]struct{}
}

func newMemRepository(version string) *memRepository {
	return &memRepository{
		workloads:       make(map[uuid.UUID]*Workload),
		artifactVersion: version,
		domains:         make(map[string]struct{}),
	}
}

func (r *memRepository) Insert(ctx context.Context, w *Workload) error {
	if _, exists := r.domains[w.Domain]; exists {
		return ErrDomainExists
	}
	r.domains[w.Domain] = struct{}{}
	r.workloads[w.ID] = w
	return nil
}

func (r *memRepository) Get(ctx context.Context, id uuid.UUID) (*Workload, error) {
	w, ok := r.workloads[id]
	if !ok {
		return nil, ErrNotFound
	}
	return w, nil
}

func (r *memRepository) Delete(ctx context.Context, id uuid.UUID) error {
	w, ok := r.workloads[id]
	if !ok {
		return ErrNotFound
	}
	delete(r.domains, w.Domain)
	delete(r.workloads, id)
	return nil
}

func (r *memRepository) SetEnabled(ctx context.Context, id uuid.UUID, enabled bool) error {
	w, ok := r.workloads[id]
	if !ok {
		return ErrNotFound
	}
	w.Enabled = enabled
	return nil
}

func (r *memRepository) List(ctx context.Context) ([]*Workload, error) {
	out := make([]*Workload, 0, len(r.workloads))
	for _, w := range r.workloads {
		out = append(out, w)
	}
	return out, nil
}

func (r *memRepository) CurrentArtifactsVersion(ctx context.Context) (string, error) {
	return r.artifactVersion, nil
}

type recordingLifecycle struct {
	spawned []uuid.UUID
	sent    []lifecycle.Command
	removed []uuid.UUID
}

func (l *recordingLifecycle) Spawn(w *Workload) { l.spawned = append(l.spawned, w.ID) }
func (l *recordingLifecycle) Send(id uuid.UUID, cmd lifecycle.Command) error {
	l.sent = append(l.sent, cmd)
	return nil
}
func (l *recordingLifecycle) Remove(id uuid.UUID) { l.removed = append(l.removed, id) }

type recordingProxy struct {
	started []proxy.Route
	stopped []string
}

func (p *recordingProxy) StartVMProxy(route proxy.Route) error {
	p.started = append(p.started, route)
	return nil
}

func (p *recordingProxy) StopVMProxy(workloadID string) error {
	p.stopped = append(p.stopped, workloadID)
	return nil
}

// testCompose is a minimal compose document that passes compose.Validate
// with "app" as the public container.
const testCompose = "services:\n  app:\n    image: nginx\n"

func newTestScheduler(repo *memRepository, lc *recordingLifecycle, px *recordingProxy) *Scheduler {
	return New(Config{
		Repository: repo,
		Allocator:  NewAllocator(Totals{CPUs: 4, MemoryMiB: 4096, DiskGiB: 100, PortRangeLo: 1000, PortRangeHi: 2000}),
		Lifecycle:  lc,
		Proxy:      px,
		Logger:     zerolog.Nop(),
	})
}

func TestCreateWorkloadPersistsAndSpawns(t *testing.T) {
	repo := newMemRepository("v1")
	lc := &recordingLifecycle{}
	px := &recordingProxy{}
	s := newTestScheduler(repo, lc, px)

	req := CreateRequest{ID: uuid.New(), Domain: "a.example.com", CPUs: 1, MemoryMiB: 512, DiskGiB: 10, DockerCompose: testCompose, PublicContainerName: "app"}
	w, err := s.CreateWorkload(context.Background(), req)

	require.NoError(t, err)
	require.Len(t, lc.spawned, 1)
	require.Len(t, px.started, 1)
	require.Equal(t, "a.example.com", px.started[0].Domain)
	require.True(t, w.Enabled)
}

func TestCreateWorkloadRejectsMissingArtifactsVersion(t *testing.T) {
	repo := newMemRepository("")
	s := newTestScheduler(repo, &recordingLifecycle{}, &recordingProxy{})

	_, err := s.CreateWorkload(context.Background(), CreateRequest{ID: uuid.New(), Domain: "a.example.com"})
	require.Error(t, err)
}

func TestCreateWorkloadDuplicateDomainReleasesReservation(t *testing.T) {
	repo := newMemRepository("v1")
	s := newTestScheduler(repo, &recordingLifecycle{}, &recordingProxy{})

	first := CreateRequest{ID: uuid.New(), Domain: "dup.example.com", CPUs: 1, MemoryMiB: 256, DiskGiB: 5, DockerCompose: testCompose, PublicContainerName: "app"}
	_, err := s.CreateWorkload(context.Background(), first)
	require.NoError(t, err)

	second := CreateRequest{ID: uuid.New(), Domain: "dup.example.com", CPUs: 1, MemoryMiB: 256, DiskGiB: 5, DockerCompose: testCompose, PublicContainerName: "app"}
	_, err = s.CreateWorkload(context.Background(), second)
	require.Error(t, err)

	snap := s.allocator.Snapshot()
	require.Equal(t, uint32(3), snap.CPUs)
}

func TestDeleteWorkloadReturnsReservationAndStopsProxy(t *testing.T) {
	repo := newMemRepository("v1")
	lc := &recordingLifecycle{}
	px := &recordingProxy{}
	s := newTestScheduler(repo, lc, px)

	req := CreateRequest{ID: uuid.New(), Domain: "a.example.com", CPUs: 2, MemoryMiB: 512, DiskGiB: 20, DockerCompose: testCompose, PublicContainerName: "app"}
	w, err := s.CreateWorkload(context.Background(), req)
	require.NoError(t, err)

	require.NoError(t, s.DeleteWorkload(context.Background(), w.ID))
	require.Contains(t, px.stopped, w.ID.String())
	require.Contains(t, lc.sent, lifecycle.CommandDelete)

	snap := s.allocator.Snapshot()
	require.Equal(t, uint32(4), snap.CPUs)
}

func TestStartStopWorkloadIsNoOpWhenAlreadyInState(t *testing.T) {
	repo := newMemRepository("v1")
	lc := &recordingLifecycle{}
	s := newTestScheduler(repo, lc, &recordingProxy{})

	req := CreateRequest{ID: uuid.New(), Domain: "a.example.com", DockerCompose: testCompose, PublicContainerName: "app"}
	w, err := s.CreateWorkload(context.Background(), req)
	require.NoError(t, err)

	require.NoError(t, s.StartWorkload(context.Background(), w.ID))
	require.Len(t, lc.sent, 0)

	require.NoError(t, s.StopWorkload(context.Background(), w.ID))
	require.Contains(t, lc.sent, lifecycle.CommandStop)
}

package workload

import (
	"sort"
	"sync"

	nilerrors "github.com/virtengine/nilcc/pkg/errors"
)

// Totals are the host's allocatable budgets, already net of whatever the
// OS itself reserves (see resources.System.Allocatable*).
type Totals struct {
	CPUs        uint32
	MemoryMiB   uint32
	DiskGiB     uint32
	GPUs        []string
	PortRangeLo uint16
	PortRangeHi uint16
}

// Allocator is the single mutex-guarded in-memory view of a host's free
// CPU/memory/disk/GPU/port budget. Every admission decision happens
// while holding its lock so two concurrent create_workload calls never
// overcommit the same resource.
type Allocator struct {
	mu sync.Mutex

	totals Totals

	freeCPUs    uint32
	freeMemMiB  uint32
	freeDiskGiB uint32
	freeGPUs    map[string]struct{}
	freePorts   map[uint16]struct{}
}

// NewAllocator builds an Allocator with every resource initially free.
func NewAllocator(totals Totals) *Allocator {
	freeGPUs := make(map[string]struct{}, len(totals.GPUs))
	for _, g := range totals.GPUs {
		freeGPUs[g] = struct{}{}
	}
	freePorts := make(map[uint16]struct{})
	for p := totals.PortRangeLo; ; p++ {
		freePorts[p] = struct{}{}
		if p == totals.PortRangeHi {
			break
		}
	}
	return &Allocator{
		totals:      totals,
		freeCPUs:    totals.CPUs,
		freeMemMiB:  totals.MemoryMiB,
		freeDiskGiB: totals.DiskGiB,
		freeGPUs:    freeGPUs,
		freePorts:   freePorts,
	}
}

// Rehydrate removes the reservations of an already-persisted workload
// from the free pools at startup. A workload referencing a GPU that is
// not in the host's detected GPU set, or a port outside the configured
// open range, fails with a KindInternal/CodeInternal error naming it.
func (a *Allocator) Rehydrate(w *Workload) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, gpu := range w.GPUs {
		if _, ok := a.freeGPUs[gpu]; !ok {
			return nilerrors.Newf(nilerrors.KindInternal, nilerrors.CodeInternal, "rehydrating workload",
				"committed GPU %q is not present in the detected GPU set", gpu)
		}
	}
	for _, port := range []uint16{w.Ports.HTTP, w.Ports.HTTPS, w.Ports.CVMAgent} {
		if port < a.totals.PortRangeLo || port > a.totals.PortRangeHi {
			return nilerrors.Newf(nilerrors.KindInternal, nilerrors.CodeInternal, "rehydrating workload",
				"port %d is outside the configured open range [%d, %d]", port, a.totals.PortRangeLo, a.totals.PortRangeHi)
		}
	}

	if w.CPUs > a.freeCPUs || uint64(w.MemoryMiB) > uint64(a.freeMemMiB) || w.DiskGiB > a.freeDiskGiB {
		return nilerrors.New(nilerrors.KindInternal, nilerrors.CodeInternal, "rehydrating workload: arithmetic underflow, host is overcommitted")
	}

	a.freeCPUs -= w.CPUs
	a.freeMemMiB -= w.MemoryMiB
	a.freeDiskGiB -= w.DiskGiB
	for _, gpu := range w.GPUs {
		delete(a.freeGPUs, gpu)
	}
	for _, port := range []uint16{w.Ports.HTTP, w.Ports.HTTPS, w.Ports.CVMAgent} {
		delete(a.freePorts, port)
	}
	return nil
}

// Reservation is the set of concrete resources admission assigned to a
// new workload.
type Reservation struct {
	GPUs  []string
	Ports Ports
}

// Admit verifies enough CPUs, GPUs, memory, disk and three open ports are
// free for req, and if so reserves them, returning the concrete
// assignment. The caller is responsible for persisting the workload
// before any other goroutine can observe the reservation as available
// again; on failure to persist, call Release to return it to the pool.
func (a *Allocator) Admit(req CreateRequest) (*Reservation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if req.CPUs > a.freeCPUs {
		return nil, insufficientResources("CPUs")
	}
	if req.MemoryMiB > a.freeMemMiB {
		return nil, insufficientResources("memory")
	}
	if req.DiskGiB > a.freeDiskGiB {
		return nil, insufficientResources("disk")
	}
	if req.GPUCount > uint32(len(a.freeGPUs)) {
		return nil, insufficientResources("GPUs")
	}
	if len(a.freePorts) < 3 {
		return nil, insufficientResources("ports")
	}

	gpus := a.takeGPUs(req.GPUCount)
	ports := a.takePorts()

	a.freeCPUs -= req.CPUs
	a.freeMemMiB -= req.MemoryMiB
	a.freeDiskGiB -= req.DiskGiB

	return &Reservation{
		GPUs: gpus,
		Ports: Ports{HTTP: ports[0], HTTPS: ports[1], CVMAgent: ports[2]},
	}, nil
}

// Release returns w's reservation to the free pools, used both by
// delete_workload and to roll back a reservation whose persistence
// failed after Admit succeeded.
func (a *Allocator) Release(w *Workload) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.freeCPUs += w.CPUs
	a.freeMemMiB += w.MemoryMiB
	a.freeDiskGiB += w.DiskGiB
	for _, gpu := range w.GPUs {
		a.freeGPUs[gpu] = struct{}{}
	}
	for _, port := range []uint16{w.Ports.HTTP, w.Ports.HTTPS, w.Ports.CVMAgent} {
		a.freePorts[port] = struct{}{}
	}
}

// Snapshot returns the currently free budgets, for diagnostics and tests.
func (a *Allocator) Snapshot() Totals {
	a.mu.Lock()
	defer a.mu.Unlock()

	gpus := make([]string, 0, len(a.freeGPUs))
	for g := range a.freeGPUs {
		gpus = append(gpus, g)
	}
	sort.Strings(gpus)

	return Totals{
		CPUs:        a.freeCPUs,
		MemoryMiB:   a.freeMemMiB,
		DiskGiB:     a.freeDiskGiB,
		GPUs:        gpus,
		PortRangeLo: a.totals.PortRangeLo,
		PortRangeHi: a.totals.PortRangeHi,
	}
}

func (a *Allocator) takeGPUs(n uint32) []string {
	names := make([]string, 0, len(a.freeGPUs))
	for g := range a.freeGPUs {
		names = append(names, g)
	}
	sort.Strings(names)
	taken := append([]string(nil), names[:n]...)
	for _, g := range taken {
		delete(a.freeGPUs, g)
	}
	return taken
}

func (a *Allocator) takePorts() []uint16 {
	ports := make([]uint16, 0, len(a.freePorts))
	for p := range a.freePorts {
		ports = append(ports, p)
	}
	sort.Slice(ports, func(i, j int) bool { return ports[i] < ports[j] })
	taken := ports[:3]
	for _, p := range taken {
		delete(a.freePorts, p)
	}
	return taken
}

func insufficientResources(kind string) error {
	return nilerrors.Newf(nilerrors.KindPolicy, nilerrors.CodeInsufficientResources, "admitting workload",
		"insufficient %s available", kind)
}

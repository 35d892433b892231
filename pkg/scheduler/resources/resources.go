// Package resources gathers a host's total and allocatable hardware
// capacity once at startup.
package resources

import (
	"bufio"
	"bytes"
	"fmt"
	"os/exec"
	"runtime"
	"sort"
	"strings"
	"syscall"
)

// SupportedGPUModel is the only GPU model nilcc hosts are qualified to
// pass through to a workload.
const SupportedGPUModel = "H100"

// nvidiaGPUVendorID is the PCI vendor ID lspci reports for NVIDIA devices.
const nvidiaGPUVendorID = "10de"

// GPUGroup is the set of GPUs detected on a host, all of the same model.
type GPUGroup struct {
	Model     string
	Addresses []string
}

// System is the total and OS-reserved hardware capacity gathered once at
// host startup. Allocatable budgets are total minus reserved.
type System struct {
	TotalCPUs    uint32
	ReservedCPUs uint32
	TotalMemMiB  uint64
	ReservedMiB  uint64
	TotalDiskGiB uint64
	ReservedGiB  uint64
	GPUs         *GPUGroup
}

// GatherOption customizes Gather, primarily to ease testing.
type GatherOption func(*gatherConfig)

type gatherConfig struct {
	reservedCPUs uint32
	reservedMiB  uint64
	reservedGiB  uint64
	rootPath     string
	lspci        func() ([]byte, error)
}

// WithReservedCPUs sets the number of CPUs subtracted from the detected
// total to form the allocatable CPU budget.
func WithReservedCPUs(n uint32) GatherOption { return func(c *gatherConfig) { c.reservedCPUs = n } }

// WithReservedMemMiB sets the memory reserved for the host OS.
func WithReservedMemMiB(n uint64) GatherOption { return func(c *gatherConfig) { c.reservedMiB = n } }

// WithReservedDiskGiB sets the disk space reserved for the host OS.
func WithReservedDiskGiB(n uint64) GatherOption { return func(c *gatherConfig) { c.reservedGiB = n } }

// WithRootPath overrides the filesystem path disk capacity is measured
// against; defaults to "/".
func WithRootPath(path string) GatherOption { return func(c *gatherConfig) { c.rootPath = path } }

// Gather inspects the running host and returns its total System
// resources. GPU detection shells out to lspci; a host with no NVIDIA
// GPUs returns a nil GPUs field rather than an error.
func Gather(opts ...GatherOption) (*System, error) {
	cfg := gatherConfig{rootPath: "/", lspci: runLspci}
	for _, opt := range opts {
		opt(&cfg)
	}

	totalMiB, err := totalMemoryMiB()
	if err != nil {
		return nil, fmt.Errorf("gathering total memory: %w", err)
	}
	totalGiB, err := rootDiskGiB(cfg.rootPath)
	if err != nil {
		return nil, fmt.Errorf("gathering root disk size: %w", err)
	}

	gpus, err := findGPUs(cfg.lspci)
	if err != nil {
		return nil, fmt.Errorf("detecting GPUs: %w", err)
	}

	return &System{
		TotalCPUs:    uint32(runtime.NumCPU()),
		ReservedCPUs: cfg.reservedCPUs,
		TotalMemMiB:  totalMiB,
		ReservedMiB:  cfg.reservedMiB,
		TotalDiskGiB: totalGiB,
		ReservedGiB:  cfg.reservedGiB,
		GPUs:         gpus,
	}, nil
}

// AllocatableCPUs returns the CPU budget available for workloads.
func (s *System) AllocatableCPUs() (uint32, error) {
	if s.ReservedCPUs > s.TotalCPUs {
		return 0, fmt.Errorf("reserved CPUs (%d) exceed total (%d): overcommitted", s.ReservedCPUs, s.TotalCPUs)
	}
	return s.TotalCPUs - s.ReservedCPUs, nil
}

// AllocatableMemMiB returns the memory budget available for workloads.
func (s *System) AllocatableMemMiB() (uint64, error) {
	if s.ReservedMiB > s.TotalMemMiB {
		return 0, fmt.Errorf("reserved memory (%d MiB) exceeds total (%d MiB): overcommitted", s.ReservedMiB, s.TotalMemMiB)
	}
	return s.TotalMemMiB - s.ReservedMiB, nil
}

// AllocatableDiskGiB returns the disk budget available for workloads.
func (s *System) AllocatableDiskGiB() (uint64, error) {
	if s.ReservedGiB > s.TotalDiskGiB {
		return 0, fmt.Errorf("reserved disk (%d GiB) exceeds total (%d GiB): overcommitted", s.ReservedGiB, s.TotalDiskGiB)
	}
	return s.TotalDiskGiB - s.ReservedGiB, nil
}

func totalMemoryMiB() (uint64, error) {
	var info syscall.Sysinfo_t
	if err := syscall.Sysinfo(&info); err != nil {
		return 0, err
	}
	return uint64(info.Totalram) * uint64(info.Unit) / (1024 * 1024), nil
}

func rootDiskGiB(path string) (uint64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, err
	}
	return stat.Blocks * uint64(stat.Bsize) / (1024 * 1024 * 1024), nil
}

func runLspci() ([]byte, error) {
	cmd := exec.Command("bash", "-c", fmt.Sprintf("lspci -d %s:", nvidiaGPUVendorID))
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// findGPUs parses lspci output for NVIDIA devices, requiring every one
// found to be the supported model.
func findGPUs(lspci func() ([]byte, error)) (*GPUGroup, error) {
	out, err := lspci()
	if err != nil {
		return nil, err
	}

	var addresses []string
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !strings.Contains(line, SupportedGPUModel) {
			return nil, fmt.Errorf("unsupported NVIDIA GPU found (line %q): all GPUs must be %s", line, SupportedGPUModel)
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		addresses = append(addresses, fields[0])
	}
	if len(addresses) == 0 {
		return nil, nil
	}
	sort.Strings(addresses)
	return &GPUGroup{Model: SupportedGPUModel, Addresses: addresses}, nil
}

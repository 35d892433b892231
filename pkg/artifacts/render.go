package artifacts

import (
	"github.com/virtengine/nilcc/pkg/attestation/measurement"
)

// Render substitutes the docker-compose hash and filesystem root hash
// into the command-line template, delegating to the shared measurement
// renderer so the kernel command line a host boots with always matches
// the one folded into the launch digest.
func (k KernelCommandLine) Render(args measurement.KernelArgs) (string, error) {
	return measurement.RenderCmdline(string(k), args)
}

// Default artifact paths, relative to the artifacts root, of the legacy
// layout shipped before per-artifact hashes were tracked. Nothing in this
// module reads them; paths come from the metadata document.
const (
	DefaultOVMFPath      = "vm_images/ovmf/OVMF.fd"
	DefaultInitrdPath    = "initramfs/initramfs.cpio.gz"
	DefaultCPUDiskPath   = "vm_images/cvm-cpu.qcow2"
	DefaultCPUVerityPath = "vm_images/cvm-cpu-verity/verity-hash-dev"
	DefaultCPUKernelPath = "vm_images/kernel/cpu-vmlinuz"
	DefaultGPUDiskPath   = "vm_images/cvm-gpu.qcow2"
	DefaultGPUVerityPath = "vm_images/cvm-gpu-verity/verity-hash-dev"
	DefaultGPUKernelPath = "vm_images/kernel/gpu-vmlinuz"
)

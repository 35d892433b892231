// Package hypervisor builds QEMU command lines for confidential VMs and
// speaks the QEMU control-socket protocol to manage their lifecycle.
package hypervisor

// DiskFormat is the on-disk encoding of a hard disk image.
type DiskFormat string

const (
	DiskFormatRaw   DiskFormat = "raw"
	DiskFormatQcow2 DiskFormat = "qcow2"
)

// HardDisk is one block device attached to a VM.
type HardDisk struct {
	Path     string
	Format   DiskFormat
	ReadOnly bool
}

// PortForward maps a host TCP port to a guest TCP port via user-mode
// networking.
type PortForward struct {
	Host  uint16
	Guest uint16
}

// VmSpec is the full configuration needed to launch one confidential VM.
type VmSpec struct {
	CPU            uint32
	RAMMiB         uint32
	HardDisks      []HardDisk
	CDROMISO       string
	GPUs           []string
	PortForwarding []PortForward
	BIOS           string
	Initrd         string
	Kernel         string
	KernelArgs     string
	DisplayGTK     bool
	EnableCVM      bool
}

// Package artifacts downloads and tracks the versioned VM boot artifacts
// (OVMF firmware, kernel, initrd, disk images) a host needs to launch a
// confidential VM, and the metadata document describing them.
package artifacts

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// DiskFormat is the on-disk encoding of a VM disk image.
type DiskFormat string

const (
	DiskFormatRaw   DiskFormat = "raw"
	DiskFormatQcow2 DiskFormat = "qcow2"
)

// Artifact names a single downloadable file and the hash it must match
// once downloaded.
type Artifact struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
}

// PackageMetadata records the upstream commit a prebuilt package (kernel,
// QEMU) was built from, for traceability independent of the artifact hash.
type PackageMetadata struct {
	Commit string `json:"commit"`
}

// VerityDisk is the dm-verity hash device paired with a CvmImage's disk.
type VerityDisk struct {
	Path   string     `json:"path"`
	Format DiskFormat `json:"format"`
}

// Verity names a disk's verity hash device and the root hash an operator
// passes into the kernel command line.
type Verity struct {
	Disk     VerityDisk `json:"disk"`
	RootHash string     `json:"root_hash"`
}

// CvmDisk is a VM disk image artifact plus its storage format.
type CvmDisk struct {
	Artifact
	Format DiskFormat `json:"format"`
}

// CvmImage groups the disk, verity device and kernel for one VM type
// (CPU-only or GPU-enabled).
type CvmImage struct {
	Disk   CvmDisk  `json:"disk"`
	Verity Verity   `json:"verity"`
	Kernel Artifact `json:"kernel"`
}

// CvmImages holds the per-VM-type image sets a metadata document ships.
type CvmImages struct {
	CPU CvmImage `json:"cpu"`
	GPU CvmImage `json:"gpu"`
}

// VMType selects which CvmImage a workload boots from.
type VMType string

const (
	VMTypeCPU VMType = "cpu"
	VMTypeGPU VMType = "gpu"
)

// Resolve returns the CvmImage for vmType.
func (c CvmImages) Resolve(vmType VMType) (CvmImage, error) {
	switch vmType {
	case VMTypeCPU:
		return c.CPU, nil
	case VMTypeGPU:
		return c.GPU, nil
	default:
		return CvmImage{}, fmt.Errorf("unknown VM type %q", vmType)
	}
}

// Cvm is the confidential-VM specific section of an artifacts metadata
// document: the kernel command line template and the per-VM-type images.
type Cvm struct {
	Cmdline KernelCommandLine `json:"cmdline"`
	Images  CvmImages         `json:"images"`
}

// KernelCommandLine is a kernel command-line template containing the
// {VERITY_ROOT_HASH} and {DOCKER_COMPOSE_HASH} placeholders.
type KernelCommandLine string

// Metadata is the full metadata.json document published alongside a
// release: the prebuilt package provenance, the shared firmware/initrd
// artifacts, and the CVM-specific images and boot command line.
type Metadata struct {
	Kernel PackageMetadata `json:"kernel"`
	QEMU   PackageMetadata `json:"qemu"`
	OVMF   Artifact        `json:"ovmf"`
	Initrd Artifact        `json:"initrd"`
	Cvm    Cvm             `json:"cvm"`
}

// DecodeMetadata parses a metadata.json document and returns it alongside
// the SHA-256 hex digest of the raw bytes, so callers can record exactly
// which metadata document a deployed version was built from.
func DecodeMetadata(raw []byte) (*Metadata, string, error) {
	var m Metadata
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, "", fmt.Errorf("decoding artifacts metadata: %w", err)
	}
	sum := sha256.Sum256(raw)
	return &m, hex.EncodeToString(sum[:]), nil
}

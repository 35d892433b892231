package artifacts

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/virtengine/nilcc/pkg/attestation/measurement"
)

const sampleMetadataJSON = `{
  "kernel": {"commit": "abc123"},
  "qemu": {"commit": "def456"},
  "ovmf": {"path": "vm_images/ovmf/OVMF.fd", "sha256": "` + sampleHash + `"},
  "initrd": {"path": "initramfs/initramfs.cpio.gz", "sha256": "` + sampleHash + `"},
  "cvm": {
    "cmdline": "panic=-1 root=/dev/sda2 verity_disk=/dev/sdb verity_roothash={VERITY_ROOT_HASH} state_disk=/dev/sdc docker_compose_disk=/dev/sr0 docker_compose_hash={DOCKER_COMPOSE_HASH}",
    "images": {
      "cpu": {
        "disk": {"path": "vm_images/cvm-cpu.qcow2", "sha256": "` + sampleHash + `", "format": "qcow2"},
        "verity": {
          "disk": {"path": "vm_images/cvm-cpu-verity/verity-hash-dev", "format": "raw"},
          "root_hash": "` + sampleHash + `"
        },
        "kernel": {"path": "vm_images/kernel/cpu-vmlinuz", "sha256": "` + sampleHash + `"}
      },
      "gpu": {
        "disk": {"path": "vm_images/cvm-gpu.qcow2", "sha256": "` + sampleHash + `", "format": "qcow2"},
        "verity": {
          "disk": {"path": "vm_images/cvm-gpu-verity/verity-hash-dev", "format": "raw"},
          "root_hash": "` + sampleHash + `"
        },
        "kernel": {"path": "vm_images/kernel/gpu-vmlinuz", "sha256": "` + sampleHash + `"}
      }
    }
  }
}`

const sampleHash = "0000000000000000000000000000000000000000000000000000000000000000"

func TestDecodeMetadataRoundTrip(t *testing.T) {
	meta, digest, err := DecodeMetadata([]byte(sampleMetadataJSON))
	require.NoError(t, err)
	require.NotEmpty(t, digest)
	require.Equal(t, "abc123", meta.Kernel.Commit)
	require.Equal(t, "def456", meta.QEMU.Commit)
	require.Equal(t, "vm_images/ovmf/OVMF.fd", meta.OVMF.Path)

	cpu, err := meta.Cvm.Images.Resolve(VMTypeCPU)
	require.NoError(t, err)
	require.Equal(t, DiskFormatQcow2, cpu.Disk.Format)
	require.Equal(t, "vm_images/kernel/cpu-vmlinuz", cpu.Kernel.Path)

	_, err = meta.Cvm.Images.Resolve("unknown")
	require.Error(t, err)
}

func TestRenderKernelCommandLine(t *testing.T) {
	meta, _, err := DecodeMetadata([]byte(sampleMetadataJSON))
	require.NoError(t, err)

	rendered, err := meta.Cvm.Cmdline.Render(measurement.KernelArgs{
		DockerComposeHash:  "aaa",
		FilesystemRootHash: [32]byte{},
	})
	require.NoError(t, err)
	require.Contains(t, rendered, "verity_roothash="+sampleHash)
	require.Contains(t, rendered, "docker_compose_hash=aaa")
}

func TestDecodeMetadataInvalidJSON(t *testing.T) {
	_, _, err := DecodeMetadata([]byte("not json"))
	require.Error(t, err)
}

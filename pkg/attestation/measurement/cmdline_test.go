package measurement

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRenderCmdlineSubstitutesPlaceholders(t *testing.T) {
	template := "panic=-1 root=/dev/sda2 verity_disk=/dev/sdb verity_roothash={VERITY_ROOT_HASH} " +
		"state_disk=/dev/sdc docker_compose_disk=/dev/sr0 docker_compose_hash={DOCKER_COMPOSE_HASH}"

	rendered, err := RenderCmdline(template, KernelArgs{
		DockerComposeHash:  "aaa",
		FilesystemRootHash: [32]byte{},
	})
	require.NoError(t, err)
	require.Contains(t, rendered, "verity_roothash=0000000000000000000000000000000000000000000000000000000000000000")
	require.Contains(t, rendered, "docker_compose_hash=aaa")
}

func TestRenderCmdlineMissingVerityPlaceholder(t *testing.T) {
	_, err := RenderCmdline("docker_compose_hash={DOCKER_COMPOSE_HASH}", KernelArgs{DockerComposeHash: "aaa"})
	require.Error(t, err)
}

func TestRenderCmdlineMissingComposeHashPlaceholder(t *testing.T) {
	_, err := RenderCmdline("verity_roothash={VERITY_ROOT_HASH}", KernelArgs{})
	require.Error(t, err)
}

func TestCalculateLaunchDigestIsDeterministic(t *testing.T) {
	dir := t.TempDir()
	ovmf := writeTempFile(t, dir, "ovmf.fd", []byte("firmware"))
	kernel := writeTempFile(t, dir, "vmlinuz", []byte("kernel"))
	initrd := writeTempFile(t, dir, "initrd.cpio", []byte("initrd"))

	args := LaunchDigestArgs{
		VCPUs:         4,
		VCPUType:      CPUTypeEPYCv4,
		GuestFeatures: DefaultGuestFeatures,
		VMMType:       VMMTypeQEMU,
		OVMFPath:      ovmf,
		KernelPath:    kernel,
		InitrdPath:    initrd,
		Cmdline:       "panic=-1",
	}

	d1, err := CalculateLaunchDigest(args)
	require.NoError(t, err)
	d2, err := CalculateLaunchDigest(args)
	require.NoError(t, err)
	require.Equal(t, d1, d2)

	args.Cmdline = "panic=0"
	d3, err := CalculateLaunchDigest(args)
	require.NoError(t, err)
	require.NotEqual(t, d1, d3)
}

func writeTempFile(t *testing.T, dir, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, content, 0o644))
	return path
}

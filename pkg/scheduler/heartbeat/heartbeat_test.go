package heartbeat

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type stubUpstream struct {
	expected []string
	received []string
}

func (s *stubUpstream) Heartbeat(ctx context.Context, installed []string) ([]string, error) {
	s.received = installed
	return s.expected, nil
}

type stubUpgrades struct {
	installed   []string
	uninstalled []string
}

func (s *stubUpgrades) Install(ctx context.Context, version string) error {
	s.installed = append(s.installed, version)
	return nil
}

func (s *stubUpgrades) Uninstall(ctx context.Context, version string) error {
	s.uninstalled = append(s.uninstalled, version)
	return nil
}

type stubWorkloads struct {
	referenced []string
}

func (s *stubWorkloads) ReferencedVersions(ctx context.Context) ([]string, error) {
	return s.referenced, nil
}

type stubInventory struct {
	installed []string
}

func (s *stubInventory) InstalledVersions(ctx context.Context) ([]string, error) {
	return s.installed, nil
}

func TestTickInstallsFirstMissingVersion(t *testing.T) {
	upstream := &stubUpstream{expected: []string{"v1", "v2"}}
	upgrades := &stubUpgrades{}
	w := New(Config{
		Upstream:  upstream,
		Upgrades:  upgrades,
		Workloads: &stubWorkloads{},
		Inventory: &stubInventory{installed: nil},
		Logger:    zerolog.Nop(),
	})

	require.NoError(t, w.Tick(context.Background()))

	require.Equal(t, []string{"v1"}, upgrades.installed)
	require.Empty(t, upgrades.uninstalled)
}

func TestTickUninstallsRedundantUnreferencedVersion(t *testing.T) {
	upstream := &stubUpstream{expected: []string{"v2"}}
	upgrades := &stubUpgrades{}
	w := New(Config{
		Upstream:  upstream,
		Upgrades:  upgrades,
		Workloads: &stubWorkloads{referenced: nil},
		Inventory: &stubInventory{installed: []string{"v1", "v2"}},
		Logger:    zerolog.Nop(),
	})

	require.NoError(t, w.Tick(context.Background()))

	require.Equal(t, []string{"v1"}, upgrades.uninstalled)
}

func TestTickSparesVersionReferencedByWorkload(t *testing.T) {
	upstream := &stubUpstream{expected: []string{"v2"}}
	upgrades := &stubUpgrades{}
	w := New(Config{
		Upstream:  upstream,
		Upgrades:  upgrades,
		Workloads: &stubWorkloads{referenced: []string{"v1"}},
		Inventory: &stubInventory{installed: []string{"v1", "v2"}},
		Logger:    zerolog.Nop(),
	})

	require.NoError(t, w.Tick(context.Background()))

	require.Empty(t, upgrades.uninstalled)
}

func TestTickAnnouncesInstalledInventory(t *testing.T) {
	upstream := &stubUpstream{expected: []string{"v1"}}
	w := New(Config{
		Upstream:  upstream,
		Upgrades:  &stubUpgrades{},
		Workloads: &stubWorkloads{},
		Inventory: &stubInventory{installed: []string{"v1"}},
		Logger:    zerolog.Nop(),
	})

	require.NoError(t, w.Tick(context.Background()))
	require.Equal(t, []string{"v1"}, upstream.received)
}

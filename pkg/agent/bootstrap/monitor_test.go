package bootstrap

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type stubRunner struct {
	dockerConfigPath string
	dockerCreds      []DockerCredential
	upCalls          int
	failUntilCall    int
	lastEnv          map[string]string
	lastFiles        []string
}

func (r *stubRunner) WriteDockerConfig(path string, creds []DockerCredential) error {
	r.dockerConfigPath = path
	r.dockerCreds = creds
	return nil
}

func (r *stubRunner) ComposeUp(ctx context.Context, composeFiles []string, env map[string]string) error {
	r.upCalls++
	r.lastEnv = env
	r.lastFiles = composeFiles
	if r.upCalls < r.failUntilCall {
		return errors.New("transient compose failure")
	}
	return nil
}

func newTestContext() *Context {
	return &Context{
		TenantComposePath: "/tenant/compose.yml",
		SystemComposePath: "/system/compose.yml",
		FilesDir:          "/files",
		ProxyConfigPath:   "/proxy/caddy.json",
		DockerConfigPath:  "/docker/config.json",
		NilccVersion:      "1.2.3",
		VMType:            "cpu",
	}
}

func TestBootstrapSucceedsFirstTry(t *testing.T) {
	runner := &stubRunner{failUntilCall: 0}
	ctxData := newTestContext()
	m := New(Config{Context: ctxData, Runner: runner, RetryWait: time.Millisecond, Logger: zerolog.Nop()})

	err := m.Bootstrap(context.Background(), Credentials{
		ACMEEABKeyID:  "kid",
		ACMEEABMacKey: "mac",
		Docker:        []DockerCredential{{Username: "u", Password: "p", Server: "registry"}},
	})

	require.NoError(t, err)
	require.Equal(t, 1, runner.upCalls)
	require.Equal(t, "/docker/config.json", runner.dockerConfigPath)
	require.Equal(t, []DockerCredential{{Username: "u", Password: "p", Server: "registry"}}, runner.dockerCreds)
	require.Equal(t, "kid", runner.lastEnv["CADDY_ACME_EAB_KEY_ID"])
	require.Equal(t, "mac", runner.lastEnv["CADDY_ACME_EAB_MAC_KEY"])
	require.Equal(t, "1.2.3", runner.lastEnv["NILCC_VERSION"])
	require.Equal(t, []string{"/system/compose.yml", "/tenant/compose.yml"}, runner.lastFiles)
	require.Empty(t, ctxData.LastErrors())
}

func TestBootstrapRetriesOnFailure(t *testing.T) {
	runner := &stubRunner{failUntilCall: 3}
	ctxData := newTestContext()
	m := New(Config{Context: ctxData, Runner: runner, RetryWait: time.Millisecond, Logger: zerolog.Nop()})

	err := m.Bootstrap(context.Background(), Credentials{})

	require.NoError(t, err)
	require.Equal(t, 3, runner.upCalls)
	require.Len(t, ctxData.LastErrors(), 2)
}

func TestBootstrapStopsOnContextCancel(t *testing.T) {
	runner := &stubRunner{failUntilCall: 1000}
	ctxData := newTestContext()
	m := New(Config{Context: ctxData, Runner: runner, RetryWait: 5 * time.Millisecond, Logger: zerolog.Nop()})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := m.Bootstrap(ctx, Credentials{})
	require.Error(t, err)
}

func TestContextRecordsLastError(t *testing.T) {
	c := &Context{}
	_, ok := c.LastError()
	require.False(t, ok)

	c.RecordError("id-1", "bootstrap", "boom")
	last, ok := c.LastError()
	require.True(t, ok)
	require.Equal(t, "boom", last.Message)
	require.Equal(t, "bootstrap", last.Kind)
}

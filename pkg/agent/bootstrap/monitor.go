package bootstrap

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	nilerrors "github.com/virtengine/nilcc/pkg/errors"
)

// DockerCredential is a registry login injected into the docker config
// file before the composition is brought up.
type DockerCredential struct {
	Username string
	Password string
	Server   string
}

// Credentials carries the ACME external-account-binding key and any
// registry logins delivered by the host control API's bootstrap call.
type Credentials struct {
	ACMEEABKeyID  string
	ACMEEABMacKey string
	Docker        []DockerCredential
}

// ComposeRunner brings the given compose files up with the given
// environment injected, and writes docker registry credentials ahead of
// the pull.
type ComposeRunner interface {
	WriteDockerConfig(path string, creds []DockerCredential) error
	ComposeUp(ctx context.Context, composeFiles []string, env map[string]string) error
}

// Monitor drives the bootstrap retry loop: write docker config, then
// bring the system and tenant compositions up together with the
// reserved env vars the system compose file consumes.
type Monitor struct {
	compose   *Context
	runner    ComposeRunner
	retryWait time.Duration
	logger    zerolog.Logger
}

// Config configures a new Monitor.
type Config struct {
	Context   *Context
	Runner    ComposeRunner
	RetryWait time.Duration
	Logger    zerolog.Logger
}

// New builds a Monitor.
func New(cfg Config) *Monitor {
	retryWait := cfg.RetryWait
	if retryWait <= 0 {
		retryWait = 5 * time.Second
	}
	return &Monitor{
		compose:   cfg.Context,
		runner:    cfg.Runner,
		retryWait: retryWait,
		logger:    cfg.Logger.With().Str("component", "compose-bootstrap").Logger(),
	}
}

// Bootstrap writes docker credentials, then retries bringing the
// composition up until it succeeds or ctx is cancelled.
func (m *Monitor) Bootstrap(ctx context.Context, creds Credentials) error {
	dockerCreds := make([]DockerCredential, len(creds.Docker))
	copy(dockerCreds, creds.Docker)
	if err := m.runner.WriteDockerConfig(m.compose.DockerConfigPath, dockerCreds); err != nil {
		return nilerrors.Wrap("writing docker registry config", err)
	}

	env := map[string]string{
		"FILES":                  m.compose.FilesDir,
		"CADDY_INPUT_FILE":       m.compose.ProxyConfigPath,
		"NILCC_VERSION":          m.compose.NilccVersion,
		"NILCC_VM_TYPE":          m.compose.VMType,
		"CADDY_ACME_EAB_KEY_ID":  creds.ACMEEABKeyID,
		"CADDY_ACME_EAB_MAC_KEY": creds.ACMEEABMacKey,
	}
	composeFiles := []string{m.compose.SystemComposePath, m.compose.TenantComposePath}

	attempt := 0
	for {
		attempt++
		err := m.runner.ComposeUp(ctx, composeFiles, env)
		if err == nil {
			return nil
		}

		m.compose.RecordError(attemptErrorID(attempt), "bootstrap", err.Error())
		m.logger.Error().Err(err).Int("attempt", attempt).Msg("compose up failed, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.retryWait):
		}
	}
}

func attemptErrorID(attempt int) string {
	return "bootstrap-attempt-" + strconv.Itoa(attempt)
}

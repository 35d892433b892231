// Package main implements nilcc's in-VM agent: it produces attestation
// reports bound to the edge proxy's live TLS certificate, brings the
// tenant docker-compose workload up, watches the proxy's ACME log stream,
// and emits periodic signed heartbeats to the configured chain endpoint.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/virtengine/nilcc/pkg/agent/api"
	"github.com/virtengine/nilcc/pkg/agent/attestproducer"
	"github.com/virtengine/nilcc/pkg/agent/bootstrap"
	"github.com/virtengine/nilcc/pkg/agent/heartbeat"
	"github.com/virtengine/nilcc/pkg/agent/sevguest"
	"github.com/virtengine/nilcc/pkg/agent/tlsmonitor"
)

const (
	flagEdgeProxyAddr     = "edge-proxy-addr"
	flagNilccVersion      = "nilcc-version"
	flagVMType            = "vm-type"
	flagCPUCount          = "cpu-count"
	flagGPUAttesterPath   = "gpu-attester-path"
	flagSevGuestDevice    = "sev-guest-device"
	flagBindAddr          = "bind-addr"
	flagWorkloadID        = "workload-id"
	flagSystemCompose     = "system-compose-path"
	flagTenantCompose     = "tenant-compose-path"
	flagFilesDir          = "files-dir"
	flagProxyConfigPath   = "proxy-config-path"
	flagDockerConfigPath  = "docker-config-path"
	flagISOMountPath      = "iso-mount-path"
	flagProxyLogContainer = "proxy-container-name"
	flagChainEndpoint     = "chain-ws-endpoint"
	flagChainContract     = "chain-contract-address"
	flagChainID           = "chain-id"
	flagSigningKeyHex     = "signing-key-hex"
	flagDockerComposeHash = "docker-compose-hash"
	flagBuilderURL        = "builder-url"
	flagLogLevel          = "log-level"
)

var (
	cfgFile string
	logger  zerolog.Logger
	rootCmd = &cobra.Command{
		Use:   "cvm-agent",
		Short: "nilcc in-VM agent",
		Long: `cvm-agent runs inside a confidential VM: it keeps an attestation
report bound to the edge proxy's live TLS certificate, brings the
tenant's docker-compose workload up once bootstrap credentials arrive,
watches the proxy's certificate issuance, and submits heartbeat
transactions to the configured chain endpoint.`,
	}
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default /etc/nilcc/cvm-agent.yaml)")
	flags.String(flagEdgeProxyAddr, "127.0.0.1:443", "host:port of the in-VM edge TLS proxy")
	flags.String(flagNilccVersion, "", "nilcc release version running this VM")
	flags.String(flagVMType, "cpu", "VM type (cpu or gpu)")
	flags.Int(flagCPUCount, 0, "CPU count reported in the v2 environment block")
	flags.String(flagGPUAttesterPath, "", "path to the external GPU attester binary (empty disables GPU attestation)")
	flags.String(flagSevGuestDevice, "/dev/sev-guest", "SEV-SNP guest request device node")
	flags.String(flagBindAddr, ":8443", "address the agent API listens on")
	flags.String(flagWorkloadID, "", "workload identifier submitted in heartbeat transactions")
	flags.String(flagSystemCompose, "/etc/nilcc/system-compose.yaml", "system docker-compose file path")
	flags.String(flagTenantCompose, "/etc/nilcc/tenant-compose.yaml", "tenant docker-compose file path")
	flags.String(flagFilesDir, "/etc/nilcc/files", "tenant file payload directory")
	flags.String(flagProxyConfigPath, "/etc/caddy/Caddyfile", "edge proxy configuration path")
	flags.String(flagDockerConfigPath, "/root/.docker/config.json", "docker registry config path")
	flags.String(flagISOMountPath, "/mnt/nilcc.iso", "mounted build-metadata ISO path")
	flags.String(flagProxyLogContainer, "edge-proxy", "edge proxy container name")
	flags.String(flagChainEndpoint, "", "chain JSON-RPC-over-WebSocket endpoint")
	flags.String(flagChainContract, "", "HTX submission contract address")
	flags.Int64(flagChainID, 1, "chain ID for transaction signing")
	flags.String(flagSigningKeyHex, "", "hex-encoded secp256k1 signing key")
	flags.String(flagDockerComposeHash, "", "sha256 of the tenant docker-compose file, for heartbeat measurement")
	flags.String(flagBuilderURL, "", "image builder URL reported in heartbeat transactions")
	flags.String(flagLogLevel, "info", "log level (debug, info, warn, error)")

	for _, name := range []string{
		flagEdgeProxyAddr, flagNilccVersion, flagVMType, flagCPUCount, flagGPUAttesterPath,
		flagSevGuestDevice, flagBindAddr, flagWorkloadID, flagSystemCompose, flagTenantCompose,
		flagFilesDir, flagProxyConfigPath, flagDockerConfigPath, flagISOMountPath, flagProxyLogContainer,
		flagChainEndpoint, flagChainContract, flagChainID, flagSigningKeyHex, flagDockerComposeHash,
		flagBuilderURL, flagLogLevel,
	} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}

	rootCmd.AddCommand(startCmd())
	rootCmd.AddCommand(versionCmd())
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath("/etc/nilcc")
		viper.SetConfigType("yaml")
		viper.SetConfigName("cvm-agent")
	}
	viper.SetEnvPrefix("NILCC_CVM_AGENT")
	viper.AutomaticEnv()
	_ = viper.ReadInConfig()
}

func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the in-VM agent",
		RunE:  runStart,
	}
}

func runStart(cmd *cobra.Command, args []string) error {
	level, err := zerolog.ParseLevel(viper.GetString(flagLogLevel))
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).With().Timestamp().Str("binary", "cvm-agent").Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	state := &api.AgentState{}

	var gpuAttester attestproducer.GPUAttester
	if path := viper.GetString(flagGPUAttesterPath); path != "" {
		gpuAttester = execGPUAttester{binaryPath: path}
	}

	producer := attestproducer.New(attestproducer.Config{
		EdgeProxyAddr: viper.GetString(flagEdgeProxyAddr),
		Requester:     sevguest.New(sevguest.WithDevicePath(viper.GetString(flagSevGuestDevice))),
		GPUAttester:   gpuAttester,
		Environment: attestproducer.Environment{
			NilccVersion: viper.GetString(flagNilccVersion),
			VMType:       viper.GetString(flagVMType),
			CPUCount:     viper.GetInt(flagCPUCount),
		},
		Logger: logger,
	})
	if err := producer.Refresh(ctx); err != nil {
		logger.Warn().Err(err).Msg("initial attestation report refresh failed, will keep retrying")
	}
	go producer.Run(ctx)

	composeCtx := &bootstrap.Context{
		TenantComposePath: viper.GetString(flagTenantCompose),
		SystemComposePath: viper.GetString(flagSystemCompose),
		FilesDir:          viper.GetString(flagFilesDir),
		ProxyConfigPath:   viper.GetString(flagProxyConfigPath),
		DockerConfigPath:  viper.GetString(flagDockerConfigPath),
		NilccVersion:      viper.GetString(flagNilccVersion),
		VMType:            viper.GetString(flagVMType),
		ISOMountPath:      viper.GetString(flagISOMountPath),
	}
	bootstrapper := bootstrap.New(bootstrap.Config{
		Context: composeCtx,
		Runner:  dockerComposeRunner{},
		Logger:  logger,
	})

	server := api.New(api.Config{
		Producer:     producer,
		Bootstrapper: bootstrapper,
		State:        state,
		Logger:       logger,
	})

	tlsMon := tlsmonitor.New(tlsmonitor.Config{
		Logs:          dockerLogReader{container: viper.GetString(flagProxyLogContainer)},
		Runtime:       dockerRuntime{},
		State:         state,
		ContainerName: viper.GetString(flagProxyLogContainer),
		Logger:        logger,
	})
	go tlsMon.Run(ctx)

	if endpoint := viper.GetString(flagChainEndpoint); endpoint != "" {
		signingKey, err := crypto.HexToECDSA(strings.TrimPrefix(viper.GetString(flagSigningKeyHex), "0x"))
		if err != nil {
			return fmt.Errorf("parsing signing key: %w", err)
		}
		chain := heartbeat.NewWSChainClient(heartbeat.WSChainClientConfig{
			Endpoint:   endpoint,
			Contract:   common.HexToAddress(viper.GetString(flagChainContract)),
			SigningKey: signingKey,
			ChainID:    big.NewInt(viper.GetInt64(flagChainID)),
			Logger:     logger,
		})

		measurements := heartbeat.NewStaticMeasurementProvider(
			heartbeat.NilccMeasurement{
				URL:               fmt.Sprintf("https://%s", viper.GetString(flagEdgeProxyAddr)),
				NilccVersion:      viper.GetString(flagNilccVersion),
				CPUCount:          viper.GetInt(flagCPUCount),
				GPUs:              nil,
				DockerComposeHash: viper.GetString(flagDockerComposeHash),
			},
			heartbeat.BuilderMeasurement{URL: viper.GetString(flagBuilderURL)},
		)

		emitter := heartbeat.New(heartbeat.Config{
			Chain:        chain,
			Ready:        readyWaiter{state: state},
			Measurements: measurements,
			WorkloadID:   viper.GetString(flagWorkloadID),
			Logger:       logger,
		})
		go func() {
			if err := emitter.Run(ctx); err != nil && err != context.Canceled {
				logger.Error().Err(err).Msg("heartbeat emitter stopped")
			}
		}()
	}

	httpServer := &http.Server{Addr: viper.GetString(flagBindAddr), Handler: server}
	go func() {
		logger.Info().Str("addr", viper.GetString(flagBindAddr)).Msg("agent api listening")
		if err := httpServer.ListenAndServe(); err != nil && err.Error() != "http: Server closed" {
			logger.Error().Err(err).Msg("agent api server stopped")
		}
	}()

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)
	cancel()
	return nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the agent version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(viper.GetString(flagNilccVersion))
		},
	}
}

// readyWaiter polls AgentState until the edge proxy's TLS certificate is
// ready, implementing heartbeat.ReadyWaiter.
type readyWaiter struct {
	state *api.AgentState
}

func (r readyWaiter) WaitReady(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		if _, https := r.state.Snapshot(); https {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// execGPUAttester shells out to the external GPU attester binary,
// implementing attestproducer.GPUAttester.
type execGPUAttester struct {
	binaryPath string
}

func (e execGPUAttester) Attest(ctx context.Context, fingerprintHex string) (string, error) {
	cmd := exec.CommandContext(ctx, e.binaryPath, fingerprintHex)
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("running gpu attester: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// dockerComposeRunner drives `docker` directly, implementing
// bootstrap.ComposeRunner.
type dockerComposeRunner struct{}

func (dockerComposeRunner) WriteDockerConfig(path string, creds []bootstrap.DockerCredential) error {
	for _, c := range creds {
		cmd := exec.Command("docker", "--config", configDirOf(path), "login",
			"--username", c.Username, "--password-stdin", c.Server)
		cmd.Stdin = strings.NewReader(c.Password)
		if out, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("docker login to %s: %w: %s", c.Server, err, out)
		}
	}
	return nil
}

func (dockerComposeRunner) ComposeUp(ctx context.Context, composeFiles []string, env map[string]string) error {
	args := []string{}
	for _, f := range composeFiles {
		args = append(args, "-f", f)
	}
	args = append(args, "up", "-d", "--remove-orphans")

	cmd := exec.CommandContext(ctx, "docker", append([]string{"compose"}, args...)...)
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("docker compose up: %w: %s", err, out)
	}
	return nil
}

func configDirOf(dockerConfigPath string) string {
	idx := strings.LastIndex(dockerConfigPath, "/")
	if idx < 0 {
		return "."
	}
	return dockerConfigPath[:idx]
}

// dockerLogReader tails a container's logs via `docker logs`, implementing
// tlsmonitor.LogReader. Each line is expected to be a JSON object with
// "ts", "msg" and optionally "error" fields, the edge proxy's structured
// log format.
type dockerLogReader struct {
	container string
}

func (d dockerLogReader) TailLines(ctx context.Context, n int) ([]tlsmonitor.LogLine, error) {
	cmd := exec.CommandContext(ctx, "docker", "logs", "--tail", fmt.Sprintf("%d", n), d.container)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("docker logs %s: %w", d.container, err)
	}
	return parseProxyLogLines(out), nil
}

// dockerRuntime restarts the edge proxy container, implementing
// tlsmonitor.ContainerRuntime.
type dockerRuntime struct{}

func (dockerRuntime) RestartContainer(ctx context.Context, name string) error {
	cmd := exec.CommandContext(ctx, "docker", "restart", name)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("docker restart %s: %w: %s", name, err, out)
	}
	return nil
}

// proxyLogLine is the edge proxy's structured JSON log line shape.
type proxyLogLine struct {
	Ts    float64 `json:"ts"`
	Msg   string  `json:"msg"`
	Error string  `json:"error"`
}

func parseProxyLogLines(out []byte) []tlsmonitor.LogLine {
	var lines []tlsmonitor.LogLine
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		var l proxyLogLine
		if err := json.Unmarshal(scanner.Bytes(), &l); err != nil {
			continue
		}
		lines = append(lines, tlsmonitor.LogLine{Ts: l.Ts, Msg: l.Msg, Error: l.Error})
	}
	return lines
}

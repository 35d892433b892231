// Package main implements nilcc's host scheduler daemon: it admits
// tenant workloads under the host's resource budget, drives their VM
// lifecycle through QEMU, keeps the edge reverse-proxy's routing table in
// sync, reconciles installed artifact versions against the upstream
// API, and reports VM lifecycle events upstream.
package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyler-smith/go-bip32"

	"github.com/virtengine/nilcc/pkg/artifacts"
	"github.com/virtengine/nilcc/pkg/httpclient"
	"github.com/virtengine/nilcc/pkg/scheduler/api"
	"github.com/virtengine/nilcc/pkg/scheduler/events"
	"github.com/virtengine/nilcc/pkg/scheduler/heartbeat"
	"github.com/virtengine/nilcc/pkg/scheduler/hypervisor"
	"github.com/virtengine/nilcc/pkg/scheduler/lifecycle"
	"github.com/virtengine/nilcc/pkg/scheduler/metrics"
	"github.com/virtengine/nilcc/pkg/scheduler/orchestrator"
	"github.com/virtengine/nilcc/pkg/scheduler/proxy"
	"github.com/virtengine/nilcc/pkg/scheduler/resources"
	"github.com/virtengine/nilcc/pkg/scheduler/workload"
	"github.com/virtengine/nilcc/pkg/verifierkeys"
)

const (
	flagBindAddr         = "bind-addr"
	flagUpstreamURL      = "upstream-url"
	flagArtifactsVersion = "artifacts-version"
	flagArtifactsURL     = "artifacts-url"
	flagArtifactsDir     = "artifacts-dir"
	flagSocketDir        = "vm-socket-dir"
	flagISODir           = "vm-iso-dir"
	flagPortRangeLo      = "port-range-lo"
	flagPortRangeHi      = "port-range-hi"
	flagReservedCPUs     = "reserved-cpus"
	flagReservedMemMiB   = "reserved-mem-mib"
	flagReservedDiskGiB  = "reserved-disk-gib"
	flagQemuBinaryPath   = "qemu-binary-path"
	flagProxyConfigPath  = "proxy-config-path"
	flagProxyValidator   = "proxy-validator-path"
	flagProxyReload      = "proxy-reload-path"
	flagHeartbeatEvery   = "heartbeat-interval"
	flagLogLevel         = "log-level"
	flagVerifierSeedHex  = "verifier-seed-hex"
	flagVerifierKeyCount = "verifier-key-count"
)

var (
	cfgFile string
	logger  zerolog.Logger
	rootCmd = &cobra.Command{
		Use:   "nilcc-agent",
		Short: "nilcc host scheduler daemon",
		Long: `nilcc-agent runs on a nilcc host: it admits tenant workloads under
the host's CPU/memory/disk/GPU/port budget, launches and supervises their
confidential VMs, keeps the edge reverse-proxy's routing table current,
reconciles installed release artifacts against the upstream API, and
reports VM lifecycle events upstream.`,
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
	flags.StringVar(&cfgFile, "config", "", "config file (default /etc/nilcc/nilcc-agent.yaml)")
	flags.String(flagBindAddr, ":8080", "address the host control API listens on")
	flags.String(flagUpstreamURL, "", "upstream nilcc API base URL")
	flags.String(flagArtifactsVersion, "", "nilcc release version this host currently runs workloads against")
	flags.String(flagArtifactsURL, artifacts.DefaultArtifactsURL, "base URL release artifacts are fetched from")
	flags.String(flagArtifactsDir, "/var/lib/nilcc/artifacts", "directory release artifacts are cached under")
	flags.String(flagSocketDir, "/var/run/nilcc", "directory VM QEMU control sockets are created in")
	flags.String(flagISODir, "/var/lib/nilcc/isos", "directory per-workload build-metadata ISOs are generated in")
	flags.Uint16(flagPortRangeLo, 20000, "first port in the host's allocatable range")
	flags.Uint16(flagPortRangeHi, 29999, "last port in the host's allocatable range")
	flags.Uint32(flagReservedCPUs, 2, "CPUs reserved for the host OS and not allocatable to workloads")
	flags.Uint64(flagReservedMemMiB, 2048, "memory reserved for the host OS, in MiB")
	flags.Uint64(flagReservedDiskGiB, 20, "root disk space reserved for the host OS, in GiB")
	flags.String(flagQemuBinaryPath, "qemu-system-x86_64", "qemu binary path")
	flags.String(flagProxyConfigPath, "/etc/caddy/Caddyfile", "edge proxy configuration path")
	flags.String(flagProxyValidator, "caddy", "edge proxy config validator binary")
	flags.String(flagProxyReload, "caddy", "edge proxy reload command")
	flags.Duration(flagHeartbeatEvery, 30*time.Second, "upstream artifact-reconciliation interval")
	flags.String(flagLogLevel, "info", "log level (debug, info, warn, error)")
	flags.String(flagVerifierSeedHex, "", "hex-encoded 64-byte seed this host derives per-workload verifier keys from")
	flags.Int(flagVerifierKeyCount, 64, "number of verifier keys to derive from the seed")

	for _, name := range []string{
		flagBindAddr, flagUpstreamURL, flagArtifactsVersion, flagArtifactsURL, flagArtifactsDir,
		flagSocketDir, flagISODir, flagPortRangeLo, flagPortRangeHi, flagReservedCPUs,
		flagReservedMemMiB, flagReservedDiskGiB, flagQemuBinaryPath, flagProxyConfigPath,
		flagProxyValidator, flagProxyReload, flagHeartbeatEvery, flagLogLevel,
		flagVerifierSeedHex, flagVerifierKeyCount,
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
		viper.SetConfigName("nilcc-agent")
	}
	viper.SetEnvPrefix("NILCC_AGENT")
	viper.AutomaticEnv()
	_ = viper.ReadInConfig()
}

func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the host scheduler daemon",
		RunE:  runStart,
	}
}

func runStart(cmd *cobra.Command, args []string) error {
	level, err := zerolog.ParseLevel(viper.GetString(flagLogLevel))
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).With().Timestamp().Str("binary", "nilcc-agent").Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sys, err := resources.Gather(
		resources.WithReservedCPUs(viper.GetUint32(flagReservedCPUs)),
		resources.WithReservedMemMiB(viper.GetUint64(flagReservedMemMiB)),
		resources.WithReservedDiskGiB(viper.GetUint64(flagReservedDiskGiB)),
	)
	if err != nil {
		return fmt.Errorf("gathering host resources: %w", err)
	}

	cpus, err := sys.AllocatableCPUs()
	if err != nil {
		return fmt.Errorf("computing allocatable cpus: %w", err)
	}
	mem, err := sys.AllocatableMemMiB()
	if err != nil {
		return fmt.Errorf("computing allocatable memory: %w", err)
	}
	disk, err := sys.AllocatableDiskGiB()
	if err != nil {
		return fmt.Errorf("computing allocatable disk: %w", err)
	}
	var gpus []string
	if sys.GPUs != nil {
		gpus = sys.GPUs.Addresses
	}

	allocator := workload.NewAllocator(workload.Totals{
		CPUs:        cpus,
		MemoryMiB:   uint32(mem),
		DiskGiB:     uint32(disk),
		GPUs:        gpus,
		PortRangeLo: viper.GetUint16(flagPortRangeLo),
		PortRangeHi: viper.GetUint16(flagPortRangeHi),
	})

	repo := workload.NewMemoryRepository(viper.GetString(flagArtifactsVersion))

	proxySvc := proxy.New(proxy.Config{
		ConfigPath: viper.GetString(flagProxyConfigPath),
		Timeouts:   proxy.Timeouts{Connect: "5s", Client: "30s", Server: "30s", MaxConnections: 4096},
		Renderer:   proxy.TemplateRenderer{},
		Writer: proxy.FileWriter{
			ValidatorPath: viper.GetString(flagProxyValidator),
			ReloadPath:    viper.GetString(flagProxyReload),
		},
		Logger: logger,
	})

	hv := hypervisor.NewClient(hypervisor.WithBinaryPath(viper.GetString(flagQemuBinaryPath)))

	lifecycleEvents := make(chan lifecycle.Event, 256)
	creds := newCredentialStore()

	var verifierStore *verifierkeys.Store
	if seedHex := viper.GetString(flagVerifierSeedHex); seedHex != "" {
		seed, err := hex.DecodeString(seedHex)
		if err != nil {
			return fmt.Errorf("decoding verifier seed: %w", err)
		}
		path := []uint32{44 + bip32.FirstHardenedChild, 60 + bip32.FirstHardenedChild}
		verifierStore, err = verifierkeys.New(seed, path, viper.GetInt(flagVerifierKeyCount))
		if err != nil {
			return fmt.Errorf("deriving verifier keys: %w", err)
		}
	}

	registry := orchestrator.New(orchestrator.Config{
		Ctx:        ctx,
		Hypervisor: hv,
		Disks:      diskRemover{isoDir: viper.GetString(flagISODir)},
		AgentClient: func(w *workload.Workload) lifecycle.AgentClient {
			return agentHTTPClient{port: w.Ports.CVMAgent, credentials: creds}
		},
		Events:       lifecycleEvents,
		SocketDir:    viper.GetString(flagSocketDir),
		ISODir:       viper.GetString(flagISODir),
		VerifierKeys: verifierStore,
		Logger:       logger,
	})

	metricsCollector := metrics.NewCollector()

	scheduler := workload.New(workload.Config{
		Repository: repo,
		Allocator:  allocator,
		Lifecycle:  registry,
		Proxy:      proxySvc,
		Metrics:    metricsCollector,
		Logger:     logger,
	})
	if err := scheduler.Rehydrate(ctx); err != nil {
		return fmt.Errorf("rehydrating persisted workloads: %w", err)
	}

	upstreamBaseURL := viper.GetString(flagUpstreamURL)
	httpClient := httpclient.New()

	vmEvents := make(chan events.VmEvent, 256)
	go translateLifecycleEvents(ctx, lifecycleEvents, vmEvents)

	evWorker := events.New(events.Config{
		Events:   vmEvents,
		Upstream: upstreamEventReporter{httpClient: httpClient, baseURL: upstreamBaseURL},
		Store:    repo,
		Metrics:  metricsCollector,
		Logger:   logger,
	})
	go evWorker.Run(ctx)

	hbWorker := heartbeat.New(heartbeat.Config{
		Upstream:  upstreamClient{httpClient: httpClient, baseURL: upstreamBaseURL},
		Upgrades:  artifactsUpgrader{artifactsURL: viper.GetString(flagArtifactsURL), cacheDir: viper.GetString(flagArtifactsDir), repo: repo, logger: logger},
		Workloads: referencedVersions{repo: repo},
		Inventory: installedVersions{cacheDir: viper.GetString(flagArtifactsDir)},
		Metrics:   metricsCollector,
		Interval:  viper.GetDuration(flagHeartbeatEvery),
		Logger:    logger,
	})
	go hbWorker.Run(ctx)

	server := api.New(api.Config{
		Scheduler:    api.SchedulerAdapter{Scheduler: scheduler},
		Logs:         dockerLogReader{},
		System:       hostSystemInfo{sys: sys, allocator: allocator},
		Bootstrapper: hostBootstrapper{store: creds},
		Upgrader:     artifactsUpgrader{artifactsURL: viper.GetString(flagArtifactsURL), cacheDir: viper.GetString(flagArtifactsDir), repo: repo, logger: logger},
		Logger:       logger,
	})

	rootMux := http.NewServeMux()
	rootMux.Handle("/metrics", metricsCollector.Handler())
	rootMux.Handle("/", server)

	httpServer := &http.Server{Addr: viper.GetString(flagBindAddr), Handler: rootMux}
	go func() {
		logger.Info().Str("addr", viper.GetString(flagBindAddr)).Msg("host control api listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("host control api server stopped")
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
		Short: "Print the daemon version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(viper.GetString(flagArtifactsVersion))
		},
	}
}

// diskRemover implements lifecycle.DiskRemover by deleting a workload's
// generated ISO, <isoDir>/<workloadID>.iso. It removes only the ISO; it
// does not delete writable disk images.
type diskRemover struct {
	isoDir string
}

func (d diskRemover) RemoveDisks(workloadID string) error {
	path := fmt.Sprintf("%s/%s.iso", d.isoDir, workloadID)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %s: %w", path, err)
	}
	return nil
}

// credentialStore holds the most recent host-level ACME/registry
// credentials a manual bootstrap call delivered, forwarded to each
// workload's in-VM agent as its own bootstrap completes.
type credentialStore struct {
	mu   sync.RWMutex
	acme api.ACMECredentials
	reg  []api.DockerCredential
}

func newCredentialStore() *credentialStore { return &credentialStore{} }

func (c *credentialStore) Set(acme api.ACMECredentials, reg []api.DockerCredential) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acme = acme
	c.reg = reg
}

func (c *credentialStore) Get() (api.ACMECredentials, []api.DockerCredential) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.acme, c.reg
}

// hostBootstrapper implements api.Bootstrapper by recording the delivered
// credentials for the orchestrator to hand to workload agents.
type hostBootstrapper struct {
	store *credentialStore
}

func (h hostBootstrapper) Bootstrap(ctx context.Context, req api.BootstrapRequest) error {
	h.store.Set(req.ACME, req.Docker)
	return nil
}

// hostSystemInfo implements api.SystemInfo.
type hostSystemInfo struct {
	sys       *resources.System
	allocator *workload.Allocator
}

func (h hostSystemInfo) Health(ctx context.Context) error { return nil }

type systemStats struct {
	Total resources.System `json:"total"`
	Free  workload.Totals  `json:"free"`
}

func (h hostSystemInfo) Stats(ctx context.Context) (interface{}, error) {
	return systemStats{Total: *h.sys, Free: h.allocator.Snapshot()}, nil
}

// dockerLogReader implements api.LogReader by shelling out to `docker
// logs`, the same mechanism the in-VM agent uses for the edge proxy's own
// log stream.
type dockerLogReader struct{}

func (dockerLogReader) ReadLogs(ctx context.Context, container, stream string, tail, maxLines int) ([]string, error) {
	if tail <= 0 {
		tail = maxLines
	}
	cmd := exec.CommandContext(ctx, "docker", "logs", "--tail", fmt.Sprintf("%d", tail), container)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("docker logs %s: %w", container, err)
	}
	lines := splitLines(out)
	if maxLines > 0 && len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}
	return lines, nil
}

func splitLines(out []byte) []string {
	var lines []string
	start := 0
	for i, b := range out {
		if b == '\n' {
			lines = append(lines, string(out[start:i]))
			start = i + 1
		}
	}
	if start < len(out) {
		lines = append(lines, string(out[start:]))
	}
	return lines
}

// agentHTTPClient implements lifecycle.AgentClient against one workload's
// in-VM agent, addressed by its forwarded CVMAgent port on localhost.
type agentHTTPClient struct {
	port        uint16
	credentials *credentialStore
}

type agentHealthResponse struct {
	Bootstrapped bool `json:"bootstrapped"`
	HTTPS        bool `json:"https"`
}

func (a agentHTTPClient) Health(ctx context.Context) (bool, bool, error) {
	url := fmt.Sprintf("http://127.0.0.1:%d/health", a.port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, false, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false, false, err
	}
	defer resp.Body.Close()

	var body agentHealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, false, err
	}
	return body.Bootstrapped, body.HTTPS, nil
}

type agentBootstrapBody struct {
	ACME   agentACMEBody     `json:"acme"`
	Docker []agentDockerBody `json:"docker"`
}

type agentACMEBody struct {
	EABKeyID  string `json:"eab_key_id"`
	EABMacKey string `json:"eab_mac_key"`
}

type agentDockerBody struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Server   string `json:"server,omitempty"`
}

func (a agentHTTPClient) Bootstrap(ctx context.Context, _ lifecycle.BootstrapCredentials) error {
	acme, dockerCreds := a.credentials.Get()

	body := agentBootstrapBody{ACME: agentACMEBody{EABKeyID: acme.EABKeyID, EABMacKey: acme.EABMacKey}}
	for _, d := range dockerCreds {
		body.Docker = append(body.Docker, agentDockerBody{Username: d.Username, Password: d.Password, Server: d.Server})
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("http://127.0.0.1:%d/api/v1/system/bootstrap", a.port)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("agent bootstrap returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// upstreamClient implements heartbeat.UpstreamClient against the
// configured upstream nilcc API.
type upstreamClient struct {
	httpClient *http.Client
	baseURL    string
}

type heartbeatRequest struct {
	Installed []string `json:"installed"`
}

type heartbeatResponse struct {
	Expected []string `json:"expected"`
}

func (u upstreamClient) Heartbeat(ctx context.Context, installed []string) ([]string, error) {
	payload, err := json.Marshal(heartbeatRequest{Installed: installed})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.baseURL+"/v1/hosts/heartbeat", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("upstream heartbeat returned HTTP %d", resp.StatusCode)
	}

	var body heartbeatResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	return body.Expected, nil
}

// artifactsUpgrader implements heartbeat.UpgradeService and
// api.Upgrader by downloading or removing a release's artifacts.
type artifactsUpgrader struct {
	artifactsURL string
	cacheDir     string
	repo         *workload.MemoryRepository
	logger       zerolog.Logger
}

func (a artifactsUpgrader) Install(ctx context.Context, version string) error {
	return a.BeginUpgrade(ctx, version)
}

func (a artifactsUpgrader) BeginUpgrade(ctx context.Context, version string) error {
	downloader := artifacts.NewDownloader(version, []artifacts.VMType{artifacts.VMTypeCPU, artifacts.VMTypeGPU},
		artifacts.WithArtifactsURL(a.artifactsURL), artifacts.WithLogger(a.logger))
	targetDir := fmt.Sprintf("%s/%s", a.cacheDir, version)
	if _, err := downloader.Download(ctx, targetDir); err != nil {
		return fmt.Errorf("downloading artifacts for %s: %w", version, err)
	}
	a.repo.SetArtifactsVersion(version)
	return nil
}

func (a artifactsUpgrader) Uninstall(ctx context.Context, version string) error {
	targetDir := fmt.Sprintf("%s/%s", a.cacheDir, version)
	if err := os.RemoveAll(targetDir); err != nil {
		return fmt.Errorf("removing artifacts for %s: %w", version, err)
	}
	return nil
}

// referencedVersions implements heartbeat.WorkloadVersions.
type referencedVersions struct {
	repo *workload.MemoryRepository
}

func (r referencedVersions) ReferencedVersions(ctx context.Context) ([]string, error) {
	workloads, err := r.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	var out []string
	for _, w := range workloads {
		if _, ok := seen[w.ArtifactsVersion]; ok {
			continue
		}
		seen[w.ArtifactsVersion] = struct{}{}
		out = append(out, w.ArtifactsVersion)
	}
	return out, nil
}

// installedVersions implements heartbeat.InventoryStore by listing the
// release directories present under the artifacts cache.
type installedVersions struct {
	cacheDir string
}

func (i installedVersions) InstalledVersions(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(i.cacheDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

// translateLifecycleEvents converts each lifecycle state transition into
// the upstream-facing event shape, until in is closed or ctx is done.
func translateLifecycleEvents(ctx context.Context, in <-chan lifecycle.Event, out chan<- events.VmEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-in:
			if !ok {
				return
			}
			select {
			case out <- events.VmEvent{WorkloadID: ev.WorkloadID, Kind: ev.Kind, Error: ev.Error}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// upstreamEventReporter implements events.UpstreamReporter against the
// configured upstream nilcc API.
type upstreamEventReporter struct {
	httpClient *http.Client
	baseURL    string
}

type vmEventBody struct {
	WorkloadID string `json:"workload_id"`
	Kind       string `json:"kind"`
	Error      string `json:"error,omitempty"`
}

func (u upstreamEventReporter) ReportEvent(ctx context.Context, event events.VmEvent) error {
	payload, err := json.Marshal(vmEventBody{WorkloadID: event.WorkloadID, Kind: event.Kind, Error: event.Error})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.baseURL+"/v1/workloads/events", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return events.ErrNotFound
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("upstream event report returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// Package main implements nilcc's external verifier: an HTTP service
// that checks a submitted SEV-SNP attestation report against the AMD
// root of trust and, for full verification, against the expected launch
// measurement of a given nilcc release and VM type.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/virtengine/nilcc/pkg/attestation/certs"
	"github.com/virtengine/nilcc/pkg/attestation/verifier"
	"github.com/virtengine/nilcc/pkg/verifierapi"
)

const (
	flagBindAddr      = "bind-addr"
	flagArtifactCache = "artifact-cache-dir"
	flagKDSBaseURL    = "kds-base-url"
	flagKDSCacheDir   = "kds-cert-cache-dir"
	flagLogLevel      = "log-level"
)

var (
	cfgFile string
	logger  zerolog.Logger
	rootCmd = &cobra.Command{
		Use:   "nilcc-verifier",
		Short: "nilcc external attestation verifier",
		Long: `nilcc-verifier exposes the HTTP API external parties use to check
a workload's SEV-SNP attestation report: /v1/attestations/verify-amd
checks the AMD certificate chain and TCB only, while
/v1/attestations/verify additionally recomputes the expected launch
measurement for the claimed nilcc release and compares it against the
report.`,
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
	flags.StringVar(&cfgFile, "config", "", "config file (default /etc/nilcc/nilcc-verifier.yaml)")
	flags.String(flagBindAddr, ":8090", "address the verifier API listens on")
	flags.String(flagArtifactCache, "/var/cache/nilcc/artifacts", "directory holding downloaded release metadata.json documents")
	flags.String(flagKDSBaseURL, certs.DefaultBaseURL, "AMD Key Distribution Service base URL")
	flags.String(flagKDSCacheDir, "/var/cache/nilcc/kds-certs", "on-disk cache directory for fetched AMD certificates")
	flags.String(flagLogLevel, "info", "log level (debug, info, warn, error)")

	for _, name := range []string{flagBindAddr, flagArtifactCache, flagKDSBaseURL, flagKDSCacheDir, flagLogLevel} {
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
		viper.SetConfigName("nilcc-verifier")
	}
	viper.SetEnvPrefix("NILCC_VERIFIER")
	viper.AutomaticEnv()
	_ = viper.ReadInConfig()
}

func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the verifier API",
		RunE:  runStart,
	}
}

func runStart(cmd *cobra.Command, args []string) error {
	level, err := zerolog.ParseLevel(viper.GetString(flagLogLevel))
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).With().Timestamp().Str("binary", "nilcc-verifier").Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	diskCache, err := certs.NewDiskCache(viper.GetString(flagKDSCacheDir))
	if err != nil {
		return fmt.Errorf("opening kds certificate cache: %w", err)
	}

	kdsClient := certs.NewClient(
		certs.WithBaseURL(viper.GetString(flagKDSBaseURL)),
		certs.WithCache(diskCache),
		certs.WithLogger(logger),
	)

	v := verifier.New(kdsClient)

	artifactsProvider := verifierapi.NewCachedArtifactsProvider(viper.GetString(flagArtifactCache), logger)

	server := verifierapi.New(verifierapi.Config{
		Verifier:  v,
		Artifacts: artifactsProvider,
		Logger:    logger,
	})

	httpServer := &http.Server{Addr: viper.GetString(flagBindAddr), Handler: server}
	go func() {
		logger.Info().Str("addr", viper.GetString(flagBindAddr)).Msg("verifier api listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("verifier api server stopped")
		}
	}()

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return httpServer.Shutdown(shutdownCtx)
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the verifier version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("nilcc-verifier")
		},
	}
}

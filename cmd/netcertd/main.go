/*
netcertd - per-network TLS certificates from a local CA.

Usage:

	netcertd [flags]
	netcertd version [--json]
	netcertd config dump|validate [flags]
	netcertd ca init|rotate|show [flags]
	netcertd networks list|ensure|regenerate|revoke|label [flags]
	netcertd migrate [flags]
	netcertd validate [flags]
*/
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ushineko/netcert/internal/api"
	"github.com/ushineko/netcert/internal/certmgr"
	"github.com/ushineko/netcert/internal/certstore"
	"github.com/ushineko/netcert/internal/config"
	"github.com/ushineko/netcert/internal/instance"
	"github.com/ushineko/netcert/internal/logbuf"
	"github.com/ushineko/netcert/internal/logging"
	"github.com/ushineko/netcert/internal/pki"
	"github.com/ushineko/netcert/internal/publicip"
	"github.com/ushineko/netcert/internal/server"
	"github.com/ushineko/netcert/internal/stats"
	"github.com/ushineko/netcert/internal/version"
)

var (
	// CLI flags; these override config file and environment values when explicitly set.
	flagAddr         string
	flagLogDir       string
	flagVerbose      bool
	flagDataDir      string
	flagInstanceName string
	flagMaxNetworks  int
	flagConfigPath   string
	flagEnvFile      string
	flagVersionJSON  bool
)

var rootCmd = &cobra.Command{
	Use:          "netcertd",
	Short:        "netcertd - per-network TLS certificates from a local CA",
	SilenceUsage: true,
	RunE:         runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !flagVersionJSON {
			fmt.Println(version.Full())
			return nil
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(version.Info())
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management",
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Print the resolved configuration as YAML",
	RunE:  runConfigDump,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration and exit",
	RunE:  runConfigValidate,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfigPath, "config", "c", "", "config file path (default: netcertd.yml in current directory)")
	rootCmd.PersistentFlags().StringVar(&flagEnvFile, "env-file", ".env", "dotenv file with NETCERT_* overrides (ignored if missing)")
	rootCmd.PersistentFlags().StringVar(&flagDataDir, "data-dir", "", "directory holding tls/, instance.yml and stats.db")
	rootCmd.PersistentFlags().StringVar(&flagInstanceName, "instance-name", "", "instance name used in certificate subjects and labels")
	rootCmd.PersistentFlags().IntVar(&flagMaxNetworks, "max-networks", 0, "maximum number of network certificates")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable verbose (DEBUG) logging")

	rootCmd.Flags().StringVarP(&flagAddr, "addr", "a", "", "listen address (host:port)")
	rootCmd.Flags().StringVar(&flagLogDir, "log-dir", "", "directory for log files (empty to disable file logging)")

	versionCmd.Flags().BoolVar(&flagVersionJSON, "json", false, "print build information as JSON")

	configCmd.AddCommand(configDumpCmd)
	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(caCmd)
	rootCmd.AddCommand(networksCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(validateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig resolves configuration from, in increasing precedence: built-in
// defaults, the config file, the dotenv file and process environment, and
// explicitly set CLI flags.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	if err := config.LoadDotEnv(flagEnvFile); err != nil {
		return config.Config{}, err
	}

	cfg, cfgPath, err := config.Load(flagConfigPath)
	if err != nil {
		return cfg, err
	}

	if cfgPath != "" {
		fmt.Fprintf(os.Stderr, "config: loaded %s\n", cfgPath)
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}

	// Build CLI overrides: only include flags that were explicitly set.
	overrides := config.CLIOverrides{}

	if cmd.Flags().Changed("addr") {
		overrides.Addr = &flagAddr
	}
	if cmd.Flags().Changed("log-dir") {
		overrides.LogDir = &flagLogDir
	}
	if cmd.Flags().Changed("verbose") {
		overrides.Verbose = &flagVerbose
	}
	if cmd.Flags().Changed("data-dir") {
		overrides.DataDir = &flagDataDir
	}
	if cmd.Flags().Changed("instance-name") {
		overrides.InstanceName = &flagInstanceName
	}
	if cmd.Flags().Changed("max-networks") {
		overrides.MaxNetworks = &flagMaxNetworks
	}

	cfg.Merge(overrides)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// newManager wires a certificate manager to the store in cfg.DataDir.
// recorder may be nil.
func newManager(cfg *config.Config, id instance.Identity, store *certstore.Store, recorder certmgr.Recorder, logger *slog.Logger) *certmgr.Manager {
	var fetcher publicip.Fetcher
	if cfg.PublicIP.Enabled {
		fetcher = publicip.HTTPFetcher(cfg.PublicIP.URL, cfg.PublicIP.Timeout.Duration)
	}
	return certmgr.New(&certmgr.Config{
		Store:           store,
		InstanceName:    id.Name,
		MaxNetworks:     cfg.MaxNetworks,
		PublicIP:        fetcher,
		PublicIPTimeout: cfg.PublicIP.Timeout.Duration,
		Recorder:        recorder,
		Logger:          logger,
	})
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	// Recent log lines are kept in memory for the management log endpoints.
	logs := logbuf.New(logbuf.DefaultSize)
	level := slog.LevelInfo
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	logger, cleanup := logging.Setup(logging.Config{
		LogDir:  cfg.LogDir,
		Verbose: cfg.Verbose,
		Extra:   []slog.Handler{logs.Handler(level)},
	})
	defer cleanup()

	id, err := instance.Load(cfg.DataDir, cfg.InstanceName)
	if err != nil {
		return fmt.Errorf("load instance identity: %w", err)
	}

	store := certstore.New(cfg.DataDir, logger)
	if cfg.AutoBootstrap {
		created, err := pki.Bootstrap(store.TLSDir(), id, false)
		if err != nil {
			return fmt.Errorf("bootstrap CA: %w", err)
		}
		if created {
			logger.Info("CA generated", "dir", store.TLSDir(), "instance", id.Name)
		}
	}

	// Stats: optional. The collector doubles as the manager's event recorder.
	var (
		recorder certmgr.Recorder
		statsDB  *stats.DB
	)
	if cfg.Stats.Enabled {
		collector := stats.NewCollector()
		statsDBPath := filepath.Join(cfg.DataDir, stats.FileName)
		statsDB, err = stats.Open(statsDBPath, collector, logger, cfg.Stats.FlushInterval.Duration)
		if err != nil {
			return fmt.Errorf("open stats db: %w", err)
		}
		defer statsDB.Close() //nolint:errcheck // best-effort on shutdown (includes final flush)
		recorder = collector

		logger.Info("stats database initialized",
			"path", statsDBPath,
			"flush_interval", cfg.Stats.FlushInterval.Duration,
		)
	}

	// Graceful shutdown on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mgr := newManager(&cfg, id, store, recorder, logger)
	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("start certificate manager: %w", err)
	}
	defer mgr.Close()

	if cfg.CAWatchInterval.Duration > 0 {
		go mgr.WatchCA(ctx, cfg.CAWatchInterval.Duration)
	}

	apiOpts := []api.Option{
		api.WithLogger(logger),
		api.WithInstance(id),
		api.WithToken(cfg.Management.Token),
		api.WithLogs(logs),
	}
	if statsDB != nil {
		apiOpts = append(apiOpts, api.WithStats(statsDB))
		statsDB.Start()
	}

	mgmt := api.New(mgr, apiOpts...)
	srv := server.New(&server.Config{
		ListenAddr:        cfg.Listen,
		Certificates:      mgr,
		Handler:           mgmt.Mount(cfg.Management.PathPrefix),
		Logger:            logger,
		ReadHeaderTimeout: cfg.Timeouts.ReadHeader.Duration,
	})
	mgmt.SetConnections(srv)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("netcertd starting",
			"version", version.Full(),
			"addr", cfg.Listen,
			"data_dir", cfg.DataDir,
			"instance", id.Name,
			"networks", len(mgr.ListNetworks()),
			"max_networks", mgr.MaxNetworks(),
			"management_prefix", cfg.Management.PathPrefix,
			"management_api", cfg.Management.Token != "",
			"stats_enabled", cfg.Stats.Enabled,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.Shutdown.Duration)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}

	// Manager close and stats DB close (with final flush) happen via defer above.

	logger.Info("netcertd stopped")
	return nil
}

func runConfigDump(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	out, err := cfg.Dump()
	if err != nil {
		return fmt.Errorf("dump config: %w", err)
	}

	fmt.Print(string(out))
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	_, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	fmt.Println("config: valid")
	return nil
}

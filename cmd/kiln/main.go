package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kilnlabs/kiln/pkg/adapter"
	"github.com/kilnlabs/kiln/pkg/api"
	"github.com/kilnlabs/kiln/pkg/config"
	"github.com/kilnlabs/kiln/pkg/events"
	"github.com/kilnlabs/kiln/pkg/fleet"
	"github.com/kilnlabs/kiln/pkg/health"
	"github.com/kilnlabs/kiln/pkg/log"
	"github.com/kilnlabs/kiln/pkg/metrics"
	"github.com/kilnlabs/kiln/pkg/recovery"
	"github.com/kilnlabs/kiln/pkg/safety"
	"github.com/kilnlabs/kiln/pkg/storage"
	"github.com/kilnlabs/kiln/pkg/tools"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "kiln",
	Short: "Kiln - agent infrastructure for 3D printer fleets",
	Long: `Kiln exposes a fleet of FDM 3D printers to AI agents over the
Model Context Protocol: printer control, a job queue with automatic
assignment, health monitoring, failure recovery, and a safety gate in
front of every mutating operation.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Kiln version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(validateCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the MCP server",
	Long: `Run the Kiln MCP server.

Configuration comes from the environment (DATA_DIR, API_ADDR,
AUTH_*, CONFIRM_*, MONITOR_*, PRINTER_*); flags override it. With
--transport stdio a single local agent talks over stdin/stdout and
logs go to stderr. With --transport http the server listens on the
API address with /mcp, /health, /ready, /live, and /metrics.`,
	RunE: runServe,
}

var validateCmd = &cobra.Command{
	Use:   "validate -f fleet.yaml",
	Short: "Validate a fleet manifest without starting the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("file")
		fleetFile, err := config.LoadFleetFile(path)
		if err != nil {
			return err
		}
		fmt.Printf("✓ %s: %d printer(s)\n", path, len(fleetFile.Printers))
		for _, p := range fleetFile.Printers {
			fmt.Printf("  %s (%s, %s)\n", p.Name, p.Type, p.Model)
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().String("transport", "stdio", "MCP transport: stdio or http")
	serveCmd.Flags().String("addr", "", "HTTP listen address (overrides API_ADDR)")
	serveCmd.Flags().String("data-dir", "", "Data directory (overrides DATA_DIR)")
	serveCmd.Flags().String("fleet", "", "Fleet manifest to register printers from at boot")
	serveCmd.Flags().Duration("poll-interval", 5*time.Second, "Printer state poll interval")
	serveCmd.Flags().Bool("read-only", false, "Refuse every mutating tool")

	validateCmd.Flags().StringP("file", "f", "", "Fleet manifest to validate (required)")
	_ = validateCmd.MarkFlagRequired("file")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	if v, _ := cmd.Flags().GetString("addr"); v != "" {
		cfg.APIAddr = v
	}
	if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
		cfg.DataDir = v
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	transport, _ := cmd.Flags().GetString("transport")
	if transport != "stdio" && transport != "http" {
		return fmt.Errorf("transport must be stdio or http, got %q", transport)
	}

	// stdout carries protocol frames in stdio mode; all logging goes to
	// stderr regardless of transport.
	log.Init(log.Config{
		Level:      log.Level(cfg.Log.Level),
		JSONOutput: cfg.Log.Format == "json",
		Output:     os.Stderr,
	})
	logger := log.WithComponent("kiln")
	metrics.SetVersion(Version)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}
	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	registry := adapter.NewRegistry()
	defer registry.CloseAll()

	gate := safety.NewGate(safety.Config{
		AuthEnabled:    cfg.Auth.Enabled,
		AuthToken:      cfg.Auth.Token,
		ConfirmMode:    cfg.Confirm.Mode,
		ConfirmUpload:  cfg.Confirm.Upload,
		StrictMaterial: cfg.StrictMaterialCheck,
	}, store, broker)

	orch, err := fleet.NewOrchestrator(store, registry, broker)
	if err != nil {
		return err
	}

	monitor := health.NewManager(registry, broker, store, cfg.MonitorPolicy(), cfg.Monitor.HistoryMaxHours)
	defer monitor.StopAll()

	dispatcher := tools.NewDispatcher(tools.Deps{
		Config:       cfg,
		Store:        store,
		Registry:     registry,
		Orchestrator: orch,
		Gate:         gate,
		Broker:       broker,
		Monitor:      monitor,
		Recovery:     recovery.NewPlanner(store, cfg.Recovery.MaxRetries),
	})

	// Printers known from a previous run come back first, then the
	// manifest, then the single env-configured printer.
	restorePrinters(registry, store, logger)
	if path, _ := cmd.Flags().GetString("fleet"); path != "" {
		if err := applyFleet(path, registry, store, logger); err != nil {
			return err
		}
	}
	registerEnvPrinter(cfg, registry, store, logger)

	pollInterval, _ := cmd.Flags().GetDuration("poll-interval")
	poller := adapter.NewPoller(registry, broker, store, pollInterval)
	poller.Start()
	defer poller.Stop()

	collector := fleet.NewCollector(orch, fleet.DefaultSampleInterval)
	collector.Start()
	defer collector.Stop()

	probe := api.NewProbe(store, api.DefaultProbeInterval)
	probe.Start()
	defer probe.Stop()

	readOnly, _ := cmd.Flags().GetBool("read-only")
	srv := api.NewServer(dispatcher, api.Options{Version: Version, ReadOnly: readOnly})

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	logger.Info().
		Str("version", Version).
		Str("transport", transport).
		Int("printers", registry.Len()).
		Msg("Kiln starting")

	if transport == "stdio" {
		go func() {
			<-sigCh
			cancel()
		}()
		return srv.ServeStdio(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.StartHTTP(cfg.APIAddr)
	}()

	select {
	case <-sigCh:
		logger.Info().Msg("Shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}

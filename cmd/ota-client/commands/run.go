package commands

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/superfly/fsm"
	"github.com/toyotech/ota-client/internal/config"
	"github.com/toyotech/ota-client/pkg/connectivity"
	"github.com/toyotech/ota-client/pkg/db"
	"github.com/toyotech/ota-client/pkg/errors"
	"github.com/toyotech/ota-client/pkg/event"
	appfsm "github.com/toyotech/ota-client/pkg/fsm"
	"github.com/toyotech/ota-client/pkg/metadata"
	"github.com/toyotech/ota-client/pkg/metrics"
	"github.com/toyotech/ota-client/pkg/orchestrator"
	"github.com/toyotech/ota-client/pkg/security"
	"github.com/toyotech/ota-client/pkg/storage"
	"github.com/toyotech/ota-client/pkg/transport"
	"golang.org/x/sync/errgroup"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the update client until interrupted",
	RunE:  runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().String("probe-addr", "ota.example.com:443", "Address probed to detect connectivity")
	runCmd.Flags().Int("soak-loops", 0, "Re-run the update check this many times after each cycle")
	runCmd.Flags().Bool("refuse-downgrade", false, "Ignore offers that are not newer than the running firmware")
	runCmd.Flags().String("metrics-addr", "", "Serve /metrics, /healthz and /updatecheck on this address")

	viper.BindPFlag("probe-addr", runCmd.Flags().Lookup("probe-addr"))
	viper.BindPFlag("soak-loops", runCmd.Flags().Lookup("soak-loops"))
	viper.BindPFlag("refuse-downgrade", runCmd.Flags().Lookup("refuse-downgrade"))
	viper.BindPFlag("metrics-addr", runCmd.Flags().Lookup("metrics-addr"))
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "config invalid")
	}

	if err := ensureDirectories(cfg.DBPath, cfg.FSMDBPath, cfg.RegionDir); err != nil {
		return err
	}

	repo, err := db.NewRepository(cfg.DBPath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	if n, err := repo.MarkInterrupted("interrupted before completion"); err != nil {
		slog.Warn("ledger_recovery_failed", "error", err)
	} else if n > 0 {
		slog.Warn("ledger_cycles_interrupted", "count", n)
	}

	// A committed image restarts the device; without a restart command the
	// process exits and leaves the restart to its supervisor.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	store, err := openRegions(cfg, cancel)
	if err != nil {
		return err
	}
	if id, ok := store.BootRegion(); ok {
		slog.Info("boot_region", "region", id.String())
	}

	p, err := newPipeline(cfg, store)
	if err != nil {
		return err
	}

	manager, err := fsm.New(fsm.Config{DBPath: cfg.FSMDBPath})
	if err != nil {
		return errors.Wrap(err, "FSM manager failed")
	}
	defer manager.Shutdown(10 * time.Second)

	machine := appfsm.NewMachine(p, repo, applyMaxRetries, true)
	if err := machine.Register(ctx, manager); err != nil {
		return err
	}

	tlsConfig, err := transport.LoadTLSConfig(transport.TLSFiles{
		CACert:       cfg.CACert,
		ClientCert:   cfg.ClientCert,
		ClientKey:    cfg.ClientKey,
		SkipHostname: cfg.TLSSkipHostname,
	})
	if err != nil {
		return errors.Wrap(err, "TLS config failed")
	}

	m := metrics.New()
	validator := security.NewValidator(cfg.RegionSize, cfg.MaxResponseSize)
	inbox := event.NewMailbox[event.Event]()

	tc := transport.Config{
		TLS:              tlsConfig,
		Timeout:          cfg.HTTPTimeout,
		Port:             store,
		Validator:        validator,
		Metrics:          m,
		ProgressInterval: 2 * time.Second,
	}
	if cfg.S3Bucket != "" {
		s3Client, err := storage.NewClient(ctx, cfg.S3Bucket, cfg.S3Region, storage.Options{Endpoint: cfg.S3Endpoint})
		if err != nil {
			return errors.Wrap(err, "S3 client failed")
		}
		tc.Objects = s3Client
	}
	client := transport.NewClient(tc, inbox, event.NewBufferPool())

	station := connectivity.NewNetStation(cfg.ProbeAddr, cfg.HTTPTimeout, cfg.ProbeInterval)
	defer station.Close()
	conn := connectivity.NewManager(station, inbox, connectivity.Config{
		MaxRetries:     cfg.MaxConnectRetries,
		ReconnectDelay: cfg.ReconnectDelay,
		Metrics:        m,
	})

	orch := orchestrator.New(orchestrator.Config{
		CheckURL:        cfg.CheckURL,
		DownloadBaseURL: cfg.DownloadBaseURL,
		ReportURL:       cfg.ReportURL,
		Identity:        metadata.Identity{Hardware: cfg.HardwareModel, Version: cfg.FirmwareVersion},
		RefuseDowngrade: cfg.RefuseDowngrade,
		SoakLoops:       cfg.SoakLoops,
		Validator:       validator,
		Ledger:          repo,
		Metrics:         m,
		Inbox:           inbox,
	}, client, conn, machine)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return conn.Run(gctx) })
	g.Go(func() error { return client.Run(gctx) })
	g.Go(func() error { return orch.Run(gctx) })
	if cfg.MetricsAddr != "" {
		srv := metrics.NewServer(cfg.MetricsAddr, m, orch.Trigger)
		g.Go(func() error { return srv.Run(gctx) })
	}

	if err := conn.RequestConnect(); err != nil {
		return errors.Wrap(err, "initial connect failed")
	}

	slog.Info("ota_client_started",
		"hardware", cfg.HardwareModel,
		"version", cfg.FirmwareVersion,
		"check_url", cfg.CheckURL,
		"probe_addr", cfg.ProbeAddr)

	err = g.Wait()
	slog.Info("ota_client_stopped", "error", err)
	return err
}

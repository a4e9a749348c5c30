package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dreamware/relay/internal/config"
	"github.com/dreamware/relay/internal/coordinator"
	"github.com/dreamware/relay/internal/logging"
	"github.com/dreamware/relay/internal/metrics"
	"github.com/dreamware/relay/internal/storage"
)

const shutdownTimeout = 5 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator",
		Long: `Run the coordinator until interrupted.

Nodes connect to --listen. The admin API, including /metrics, is served on
--http. On SIGINT or SIGTERM the loops are stopped and, when
snapshot.save_on_exit is set, the state is written to the snapshot store.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for key, flag := range map[string]string{
				"server.listen":    "listen",
				"server.admin":     "http",
				"dispatch.policy":  "policy",
				"logging.level":    "log-level",
				"snapshot.dir":     "snapshot-dir",
				"snapshot.restore": "restore",
			} {
				if err := opts.v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
					return err
				}
			}
			cfg, err := config.Load(opts.v)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, opts.v)
		},
	}

	d := config.Default()
	cmd.Flags().String("listen", d.Server.Listen, "node protocol listen address")
	cmd.Flags().String("http", d.Server.Admin, "admin HTTP listen address, empty to disable")
	cmd.Flags().Int("policy", d.Dispatch.Policy, "initial load balancing policy (0-5)")
	cmd.Flags().String("log-level", d.Logging.Level, "log level (DEBUG, INFO, WARN, ERROR)")
	cmd.Flags().String("snapshot-dir", d.Snapshot.Dir, "snapshot directory, empty to disable snapshots")
	cmd.Flags().Bool("restore", d.Snapshot.Restore, "restore state from the snapshot at startup")
	return cmd
}

// app is a configured but not yet running coordinator.
type app struct {
	cfg    *config.Config
	log    *logging.Logger
	engine *coordinator.Engine
	store  storage.Store
	admin  *server
}

func newApp(cfg *config.Config, log *logging.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log}

	if cfg.Snapshot.Dir != "" {
		store, err := storage.NewOSStore(cfg.Snapshot.Dir)
		if err != nil {
			return nil, fmt.Errorf("open snapshot store: %w", err)
		}
		a.store = store
	}

	opts := coordinator.Options{
		Policy:          cfg.Dispatch.Policy,
		IdlePoll:        cfg.Dispatch.IdlePoll(),
		DeliveryTimeout: cfg.Dispatch.DeliveryTimeout(),
		ReadTimeout:     cfg.Server.ReadTimeout(),
		Logger:          log,
	}
	engine, err := a.buildEngine(opts)
	if err != nil {
		return nil, err
	}
	a.engine = engine

	a.admin = &server{
		engine:      engine,
		store:       a.store,
		snapshotKey: cfg.Snapshot.Key,
		gatherer:    metrics.NewRegistry(),
		log:         log.WithComponent("admin"),
	}
	return a, nil
}

func (a *app) buildEngine(opts coordinator.Options) (*coordinator.Engine, error) {
	if !a.cfg.Snapshot.Restore || a.store == nil {
		return coordinator.New(opts)
	}
	engine, err := coordinator.Restore(a.store, a.cfg.Snapshot.Key, opts)
	if errors.Is(err, storage.ErrKeyNotFound) {
		a.log.Info("no snapshot to restore, starting empty", "key", a.cfg.Snapshot.Key)
		return coordinator.New(opts)
	}
	return engine, err
}

// run serves until ctx ends and then shuts down in reverse order.
func (a *app) run(ctx context.Context, ln net.Listener) error {
	if err := a.engine.Start(ctx); err != nil {
		return err
	}

	sampler := coordinator.NewSampler(a.engine, a.cfg.Metrics.SampleInterval())

	var httpSrv *http.Server
	var wg conc.WaitGroup
	serveErr := make(chan error, 2)

	wg.Go(func() {
		if err := a.engine.Serve(ctx, ln); err != nil {
			serveErr <- err
		}
	})
	wg.Go(func() { sampler.Start(ctx) })

	if a.cfg.Server.Admin != "" {
		httpSrv = &http.Server{
			Addr:              a.cfg.Server.Admin,
			Handler:           a.admin.routes(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		wg.Go(func() {
			a.log.Info("admin API listening", "addr", httpSrv.Addr)
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- fmt.Errorf("admin listen: %w", err)
			}
		})
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serveErr:
	}

	if httpSrv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		_ = httpSrv.Shutdown(sctx)
		cancel()
	}
	_ = ln.Close()
	sampler.Stop()
	a.engine.Stop()
	wg.Wait()

	if a.cfg.Snapshot.SaveOnExit && a.store != nil {
		if err := a.engine.SaveSnapshot(a.store, a.cfg.Snapshot.Key); err != nil {
			a.log.Error("final snapshot failed", "error", err)
			runErr = errors.Join(runErr, err)
		}
	}
	return runErr
}

func serve(parent context.Context, cfg *config.Config, v *viper.Viper) error {
	log, err := logging.NewLogger(cfg.Logging.File, cfg.Logging.Level)
	if err != nil {
		return err
	}
	defer log.Close()

	a, err := newApp(cfg, log)
	if err != nil {
		return err
	}

	if v.ConfigFileUsed() != "" {
		config.WatchPolicy(v, cfg.Dispatch.Policy, a.engine.SetPolicy, func(err error) {
			log.Warn("config reload rejected", "error", err)
		})
	}

	ln, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	idx, name := a.engine.Policy()
	log.Info("coordinator starting", "listen", ln.Addr().String(), "policy", name, "policy_index", idx)
	err = a.run(ctx, ln)
	log.Info("coordinator stopped")
	return err
}

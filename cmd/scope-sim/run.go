package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/signalsfoundry/scope-scheduler/internal/config"
	"github.com/signalsfoundry/scope-scheduler/internal/logging"
	"github.com/signalsfoundry/scope-scheduler/internal/observability"
	"github.com/signalsfoundry/scope-scheduler/internal/policy"
	"github.com/signalsfoundry/scope-scheduler/internal/sim"
	"github.com/signalsfoundry/scope-scheduler/internal/slicing"
	"github.com/signalsfoundry/scope-scheduler/internal/status"
	"github.com/signalsfoundry/scope-scheduler/model"
	"github.com/signalsfoundry/scope-scheduler/timectrl"
	"github.com/spf13/cobra"
)

func newRunCmd(logger func() logging.Logger) *cobra.Command {
	var (
		cfgPath     string
		duration    time.Duration
		metricsAddr string
		realTime    bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler simulation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logger().With(logging.String("run_id", uuid.NewString()))
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("duration") {
				cfg.Sim.Duration = duration
			}
			if cmd.Flags().Changed("metrics-addr") {
				cfg.Metrics.Addr = metricsAddr
			}
			cfg, feed, err := resolveConfig(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			shutdown, err := observability.InitTracing(ctx, tracingConfig(cfg), log)
			if err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.ShutdownWithTimeout(context.Background(), shutdown, log)

			collector, err := observability.NewSchedulerCollector(nil)
			if err != nil {
				return fmt.Errorf("init metrics: %w", err)
			}
			simulation, err := newSimulation(ctx, cfg, feed, log, collector)
			if err != nil {
				return err
			}

			handler := status.New(cfg.CellModel(), simulation.registry, simulation.engine.Table(), collector.Handler(), log).Handler()
			if srv := serveStatus(cfg.Metrics.Addr, handler, log); srv != nil {
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
			}

			mode := timectrl.Accelerated
			if realTime {
				mode = timectrl.RealTime
			}
			totals := simulation.run(ctx, mode)
			printTotals(cmd.OutOrStdout(), totals)
			return nil
		},
	}

	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "YAML configuration file")
	cmd.Flags().DurationVar(&duration, "duration", 0, "Simulated duration, overriding the configuration")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "HTTP address of the status server (/metrics, /slices, /ues/{rnti}), empty to disable")
	cmd.Flags().BoolVar(&realTime, "real-time", false, "Pace TTIs on the wall clock instead of running accelerated")
	return cmd
}

// newFeed opens the policy directory, or builds an in-memory equal split of
// the carrier when none is configured.
func newFeed(cfg config.Config) policy.Feed {
	if cfg.Policy.Dir != "" {
		return policy.NewFileFeed(cfg.Policy.Dir)
	}
	feed := policy.NewStaticFeed()
	for id, m := range policy.EqualShareMasks(cfg.CellModel().NofRBG(), cfg.Policy.Tenants) {
		feed.SetMasks(id, model.Downlink, m)
		feed.SetMasks(id, model.Uplink, m)
	}
	return feed
}

// resolveConfig opens the feed of cfg and applies its scalar parameters.
func resolveConfig(cfg config.Config) (config.Config, policy.Feed, error) {
	feed := newFeed(cfg)
	if err := cfg.ApplyFeedParams(feed); err != nil {
		return config.Config{}, nil, err
	}
	return cfg, feed, nil
}

// tracingConfig reads the tracing environment and describes the carrier
// being scheduled.
func tracingConfig(cfg config.Config) observability.TracingConfig {
	tc := observability.TracingConfigFromEnv()
	tc.Cell = observability.CellResource{
		NofPRB:         cfg.Cell.NofPRB,
		NofRBG:         cfg.CellModel().NofRBG(),
		EnbCCIdx:       cfg.Cell.EnbCCIdx,
		SlicingEnabled: cfg.Scheduler.SlicingEnabled,
		Tenants:        cfg.Policy.Tenants,
		GlobalPolicy:   cfg.Scheduler.GlobalPolicy,
	}
	return tc
}

// simulation is a wired registry and engine ready to be clocked.
type simulation struct {
	cfg      config.Config
	registry *slicing.Registry
	engine   *sim.Engine
	log      logging.Logger
}

// newSimulation wires the slice registry and the engine for a resolved cfg.
func newSimulation(ctx context.Context, cfg config.Config, feed policy.Feed, log logging.Logger, metrics *observability.SchedulerCollector) (*simulation, error) {
	registry := slicing.NewRegistry(cfg.CellModel(), feed,
		slicing.WithRefreshInterval(cfg.Scheduler.RefreshInterval),
		slicing.WithLogger(log),
		slicing.WithMetricsRecorder(metrics),
	)
	engine, err := sim.New(ctx, cfg, registry,
		sim.WithLogger(log),
		sim.WithMetricsRecorder(metrics),
	)
	if err != nil {
		return nil, err
	}
	return &simulation{cfg: cfg, registry: registry, engine: engine, log: log}, nil
}

// run drives the engine until the configured duration elapses or ctx is
// done.
func (s *simulation) run(ctx context.Context, mode timectrl.Mode) sim.Totals {
	tc := timectrl.NewTimeController(time.Now(), s.cfg.Sim.TTI, mode)
	tc.AddListener(func(tti uint32, now time.Time) {
		s.engine.Tick(ctx, tti, now)
	})

	s.log.Info(ctx, "simulation started",
		logging.String("duration", s.cfg.Sim.Duration.String()),
		logging.Bool("slicing", s.cfg.Scheduler.SlicingEnabled),
		logging.String("global_policy", s.cfg.Scheduler.GlobalPolicy),
	)
	<-tc.Start(ctx, s.cfg.Sim.Duration)

	totals := s.engine.Totals()
	s.log.Info(ctx, "simulation finished",
		logging.Int("ttis", totals.TTIs),
		logging.Int("dl_bytes", totals.DLBytes),
		logging.Int("ul_bytes", totals.ULBytes),
	)
	return totals
}

// runSim builds a simulation and runs it to completion.
func runSim(ctx context.Context, cfg config.Config, mode timectrl.Mode, log logging.Logger, metrics *observability.SchedulerCollector) (sim.Totals, error) {
	cfg, feed, err := resolveConfig(cfg)
	if err != nil {
		return sim.Totals{}, err
	}
	s, err := newSimulation(ctx, cfg, feed, log, metrics)
	if err != nil {
		return sim.Totals{}, err
	}
	return s.run(ctx, mode), nil
}

func printTotals(w io.Writer, t sim.Totals) {
	fmt.Fprintf(w, "ttis=%d dl_grants=%d ul_grants=%d dl_bytes=%d ul_bytes=%d dl_retx=%d ul_retx=%d dropped=%d\n",
		t.TTIs, t.DLGrants, t.ULGrants, t.DLBytes, t.ULBytes, t.DLRetx, t.ULRetx, t.Dropped)
}

// serveStatus starts the status server on addr in the background.
func serveStatus(addr string, h http.Handler, log logging.Logger) *http.Server {
	if addr == "" {
		return nil
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn(context.Background(), "status server exited", logging.Err(err))
		}
	}()

	log.Info(context.Background(), "serving status and Prometheus metrics", logging.String("addr", addr))
	return srv
}

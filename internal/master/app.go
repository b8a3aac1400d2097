package master

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gridscope/scadasim/internal/alarms"
	"github.com/gridscope/scadasim/internal/auth"
	"github.com/gridscope/scadasim/internal/bus"
	"github.com/gridscope/scadasim/internal/config"
	"github.com/gridscope/scadasim/internal/control"
	"github.com/gridscope/scadasim/internal/gateway"
	"github.com/gridscope/scadasim/internal/historian"
	"github.com/gridscope/scadasim/internal/metrics"
	"github.com/gridscope/scadasim/internal/registry"
	"github.com/gridscope/scadasim/internal/security"
	"github.com/gridscope/scadasim/internal/telemetry"
)

// Options tune a master instance beyond the config file.
type Options struct {
	// DialHost overrides catalogue node IPs when dialing RTUs, for
	// single-machine runs.
	DialHost string
}

// App is the assembled master runtime.
type App struct {
	logger *slog.Logger
	cfg    *config.Config

	Metrics    *metrics.Metrics
	Bus        *bus.Bus
	Historian  *historian.Service
	Store      *telemetry.Store
	Alarms     *alarms.Engine
	Security   *security.Engine
	Registry   *registry.Registry
	Aggregator *telemetry.Aggregator
	SBO        *control.Coordinator
	Auth       *auth.Service
	Trail      *auth.Trail
	Gateway    *gateway.Server

	histSink historian.Sink
}

// New wires the master in dependency order. External sinks (TimescaleDB,
// InfluxDB) are connected here; a master without either still runs with
// in-memory state only.
func New(ctx context.Context, logger *slog.Logger, cfg *config.Config, opts Options) (*App, error) {
	a := &App{logger: logger, cfg: cfg}

	a.Metrics = metrics.New()
	a.Bus = bus.New(logger, a.Metrics)

	sink, err := buildHistorianSink(ctx, cfg.Historian)
	if err != nil {
		return nil, fmt.Errorf("master: historian sink: %w", err)
	}
	a.histSink = sink
	a.Historian = historian.NewService(logger, sink, a.Metrics)

	a.Store = telemetry.NewStore(telemetry.DefaultRingCapacity)
	a.Alarms = alarms.NewEngine(logger, a.Bus, a.Historian, a.Metrics)

	allowList := security.NewAllowList(cfg.AllowList)
	a.Security = security.NewEngine(logger, allowList, a.Bus, a.Historian, a.Metrics)

	ing := newIngest(logger, a.Store, a.Alarms, a.Security, a.Bus, a.Historian, cfg.Nodes)
	a.Registry = registry.New(logger, cfg.Nodes, a.Bus, ing, a.Metrics, registry.Options{
		DialHost: opts.DialHost,
	})
	a.Security.SetBroadcaster(a.Registry)

	a.Aggregator = telemetry.NewAggregator(a.Store, a.Registry, a.Alarms,
		gridRecorder{pub: a.Bus, hist: a.Historian}, logger, cfg.AggregatorInterval())

	a.Auth, err = auth.NewService(logger, cfg, a.Metrics)
	if err != nil {
		return nil, err
	}
	a.Trail = auth.NewTrail(logger, a.Historian)

	a.SBO = control.NewCoordinator(logger, a.Registry, a.Alarms, a.Trail, a.Metrics, control.DefaultArmingWindow)

	a.Gateway = gateway.NewServer(logger, cfg.Master, gateway.Deps{
		Auth:     a.Auth,
		Trail:    a.Trail,
		Grid:     a.Aggregator,
		Store:    a.Store,
		Nodes:    a.Registry,
		Alarms:   a.Alarms,
		SBO:      a.SBO,
		Security: a.Security,
		Broker:   a.Bus,
		Metrics:  a.Metrics,
	})
	return a, nil
}

// Run supervises every component until ctx is cancelled or one fails, then
// shuts down in order: external surfaces close first, the bus drains, the
// core tasks stop, and the historian flushes last.
func (a *App) Run(ctx context.Context) error {
	surfaceCtx, cancelSurfaces := context.WithCancel(context.Background())
	coreCtx, cancelCore := context.WithCancel(context.Background())
	defer cancelCore()
	defer cancelSurfaces()

	var (
		failOnce sync.Once
		failErr  error
	)
	failed := make(chan struct{})
	watch := func(c context.Context, run func(context.Context) error) func() error {
		return func() error {
			err := ignoreCancel(run(c))
			if err != nil {
				failOnce.Do(func() {
					failErr = err
					close(failed)
				})
			}
			return err
		}
	}

	var core errgroup.Group
	core.Go(watch(coreCtx, a.Registry.Run))
	core.Go(watch(coreCtx, a.Aggregator.Run))
	core.Go(watch(coreCtx, a.Bus.Run))
	core.Go(watch(coreCtx, a.Historian.Run))
	core.Go(watch(coreCtx, a.SBO.Run))

	var surfaces errgroup.Group
	surfaces.Go(watch(surfaceCtx, a.Gateway.Run))
	if a.cfg.Master.MetricsAddr != "" {
		surfaces.Go(watch(surfaceCtx, a.serveMetrics))
	}

	select {
	case <-ctx.Done():
	case <-failed:
	}

	cancelSurfaces()
	_ = surfaces.Wait()
	a.Bus.Drain()
	cancelCore()
	_ = core.Wait()
	if closeErr := a.Historian.Close(); closeErr != nil {
		a.logger.Warn("historian close", "err", closeErr)
	}
	return failErr
}

func (a *App) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.Metrics.Handler())
	srv := &http.Server{Addr: a.cfg.Master.MetricsAddr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("metrics listening", "addr", a.cfg.Master.MetricsAddr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// buildHistorianSink assembles the configured sink chain.
func buildHistorianSink(ctx context.Context, cfg config.HistorianConfig) (historian.Sink, error) {
	var sinks []historian.Sink
	if cfg.PostgresDSN != "" {
		ts, err := historian.NewTimescaleSink(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, ts)
	}
	if cfg.Influx.Enabled {
		sinks = append(sinks, historian.NewInfluxSink(cfg.Influx))
	}
	switch len(sinks) {
	case 0:
		return discardSink{}, nil
	case 1:
		return sinks[0], nil
	default:
		return historian.NewTeeSink(sinks...), nil
	}
}

// discardSink keeps a sink-less master runnable; rows are acknowledged and
// dropped.
type discardSink struct{}

func (discardSink) WriteBatch(context.Context, historian.Batch) error { return nil }
func (discardSink) Close() error                                      { return nil }

package cmd

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.uber.org/fx"

	"go.opentelemetry.io/contrib/bridges/otelslog"

	"github.com/jmanhype/autonomous-opponent-v2-sub013/config"
	"github.com/jmanhype/autonomous-opponent-v2-sub013/infra/membership"
	"github.com/jmanhype/autonomous-opponent-v2-sub013/internal/algedonic"
	"github.com/jmanhype/autonomous-opponent-v2-sub013/internal/breaker"
	"github.com/jmanhype/autonomous-opponent-v2-sub013/internal/cluster"
	"github.com/jmanhype/autonomous-opponent-v2-sub013/internal/controlloop"
	"github.com/jmanhype/autonomous-opponent-v2-sub013/internal/eventbus"
	"github.com/jmanhype/autonomous-opponent-v2-sub013/internal/hlc"
	"github.com/jmanhype/autonomous-opponent-v2-sub013/internal/ordereddelivery"
	"github.com/jmanhype/autonomous-opponent-v2-sub013/internal/ratelimit"
	"github.com/jmanhype/autonomous-opponent-v2-sub013/internal/supervisor"
	"github.com/jmanhype/autonomous-opponent-v2-sub013/internal/telemetry"
	"github.com/jmanhype/autonomous-opponent-v2-sub013/internal/variety"
	"github.com/jmanhype/autonomous-opponent-v2-sub013/internal/vsm"
)

// ProvideLogger constructs the core's single *slog.Logger. The handler is
// the otelslog bridge rather than slog's own text handler, so a
// collaborator can attach an OTel log exporter to the LoggerProvider
// without any change to core code — the "logging sink supplied by a
// collaborator" deployment shape of spec.md §7. No processor is attached
// here; an unprocessed LoggerProvider is a valid, if silent, default.
func ProvideLogger() *slog.Logger {
	provider := sdklog.NewLoggerProvider()
	handler := otelslog.NewHandler("vsm-core", otelslog.WithLoggerProvider(provider))
	return slog.New(handler)
}

// ProvideRegistry constructs the Prometheus registry the /metrics endpoint
// and every component's telemetry are registered against.
func ProvideRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// ProvideMetrics constructs the core's single Metrics collector set.
func ProvideMetrics(reg *prometheus.Registry) *telemetry.Metrics {
	return telemetry.New(reg)
}

// ProvideClock constructs the HLC clock this node stamps every event with.
func ProvideClock(cfg *config.Config) *hlc.Clock {
	return hlc.New(cfg.NodeID)
}

// recorderSet is every narrow Recorder interface one *telemetry.Metrics
// satisfies, annotated so fx resolves each interface to the same
// singleton instance rather than requiring one constructor per interface.
func recorderSet() fx.Option {
	return fx.Provide(
		fx.Annotate(
			func(m *telemetry.Metrics) *telemetry.Metrics { return m },
			fx.As(new(ordereddelivery.Recorder)),
			fx.As(new(breaker.Recorder)),
			fx.As(new(algedonic.Recorder)),
			fx.As(new(ratelimit.Recorder)),
			fx.As(new(variety.Recorder)),
			fx.As(new(controlloop.Recorder)),
			fx.As(new(supervisor.Recorder)),
			fx.As(new(cluster.Recorder)),
		),
	)
}

// ProvideBus constructs the core EventBus.
func ProvideBus(clock *hlc.Clock, rec ordereddelivery.Recorder) *eventbus.Bus {
	return eventbus.New(clock, rec)
}

// ProvideAlgedonic constructs the algedonic pain/pleasure channel.
func ProvideAlgedonic(bus *eventbus.Bus, rec algedonic.Recorder) *algedonic.Channel {
	return algedonic.New(bus, rec)
}

// ProvideLimiter constructs the core's RateLimiter. kv and its breaker are
// nil: no DistributedKV collaborator is wired by default, so every rule
// runs on the local sliding-window estimator (§4.5).
func ProvideLimiter(lc fx.Lifecycle, bus *eventbus.Bus, pain *algedonic.Channel, rec ratelimit.Recorder) *ratelimit.Limiter {
	ctx, cancel := context.WithCancel(context.Background())
	l := ratelimit.New(ctx, ratelimit.DefaultOptions(), bus, pain, nil, nil, rec)
	lc.Append(fx.Hook{OnStop: func(context.Context) error {
		cancel()
		return nil
	}})
	return l
}

// workersParams groups the five VSM workers so fx can construct and
// inject them as a unit.
type workersParams struct {
	fx.In

	S1 *vsm.S1
	S2 *vsm.S2
	S3 *vsm.S3
	S4 *vsm.S4
	S5 *vsm.S5
}

// ProvideS1..ProvideS5 construct the five VSM subsystem workers ControlLoop
// polls. Each is a long-lived goroutine owner bound to context.Background();
// they are never stopped or restarted — Supervisor's restarts rebuild its
// own separately constructed workers (see ProvideSupervisor), not these.
func ProvideS1(bus *eventbus.Bus, pain *algedonic.Channel) *vsm.S1 {
	return vsm.NewS1(context.Background(), bus, pain)
}

func ProvideS2(bus *eventbus.Bus, pain *algedonic.Channel) *vsm.S2 {
	return vsm.NewS2(context.Background(), bus, pain, 64)
}

func ProvideS3(bus *eventbus.Bus, pain *algedonic.Channel) *vsm.S3 {
	return vsm.NewS3(context.Background(), bus, pain)
}

func ProvideS4(bus *eventbus.Bus, pain *algedonic.Channel) *vsm.S4 {
	return vsm.NewS4(context.Background(), bus, pain, nil, vsm.DefaultS4Options())
}

func ProvideS5(bus *eventbus.Bus, pain *algedonic.Channel) *vsm.S5 {
	return vsm.NewS5(context.Background(), bus, pain)
}

// ProvideControlLoop wires the five workers into the ControlLoop and starts
// its ticking goroutine, stopping it on fx shutdown.
func ProvideControlLoop(lc fx.Lifecycle, cfg *config.Config, bus *eventbus.Bus, pain *algedonic.Channel, w workersParams, rec controlloop.Recorder) *controlloop.ControlLoop {
	opts := controlloop.DefaultOptions()
	opts.CycleMS = cfg.CycleMS
	opts.CallTimeout = cfg.CallTimeout
	opts.EmergencyOnStart = cfg.EmergencyOnStart

	workers := controlloop.Workers{S1: w.S1, S2: w.S2, S3: w.S3, S4: w.S4, S5: w.S5}
	loop := controlloop.New(context.Background(), bus, pain, workers, opts, rec)
	lc.Append(fx.Hook{OnStop: func(context.Context) error {
		loop.Stop()
		return nil
	}})
	return loop
}

// ProvideSupervisor registers each VSM worker under supervision so a
// failed health poll can trigger a rebuild, per spec.md §4.10. Restarted
// instances replace the supervisor's own bookkeeping; ControlLoop keeps
// polling the original workers it was constructed with, since a live
// pointer swap into ControlLoop.workers is out of scope for this wiring
// layer (see DESIGN.md).
func ProvideSupervisor(lc fx.Lifecycle, bus *eventbus.Bus, pain *algedonic.Channel, rec supervisor.Recorder) *supervisor.Supervisor {
	sup := supervisor.New(context.Background(), supervisor.DefaultOptions(), rec)
	sup.Register("s1_operations", func(ctx context.Context) supervisor.Instance { return vsm.NewS1(ctx, bus, pain) })
	sup.Register("s2_coordination", func(ctx context.Context) supervisor.Instance { return vsm.NewS2(ctx, bus, pain, 64) })
	sup.Register("s3_control", func(ctx context.Context) supervisor.Instance { return vsm.NewS3(ctx, bus, pain) })
	sup.Register("s4_intelligence", func(ctx context.Context) supervisor.Instance {
		return vsm.NewS4(ctx, bus, pain, nil, vsm.DefaultS4Options())
	})
	sup.Register("s5_policy", func(ctx context.Context) supervisor.Instance { return vsm.NewS5(ctx, bus, pain) })

	lc.Append(fx.Hook{OnStop: func(context.Context) error {
		sup.Stop()
		return nil
	}})
	return sup
}

// ProvideMembership constructs the gossip-membership collaborator that
// ClusterBridge polls for partition status. A construction error fails app
// start; this provider never yields a nil *membership.Provider.
func ProvideMembership(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger) (*membership.Provider, error) {
	opts := membership.DefaultOptions()
	opts.NodeName = cfg.NodeID
	p, err := membership.New(opts, logger)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{OnStop: func(context.Context) error {
		return p.Shutdown()
	}})
	return p, nil
}

// ProvideClusterBridge constructs the optional cross-node replication
// bridge described in spec.md §4.11. Peers are registered out-of-band
// (e.g. by an operator calling AddPeer once a transport is available); the
// bridge itself is inert with zero peers.
func ProvideClusterBridge(lc fx.Lifecycle, cfg *config.Config, bus *eventbus.Bus, pain *algedonic.Channel, limiter *ratelimit.Limiter, members *membership.Provider, rec cluster.Recorder) *cluster.ClusterBridge {
	opts := cluster.DefaultOptions()
	opts.NodeID = cfg.NodeID

	b := cluster.New(context.Background(), bus, pain, limiter, members, opts, rec)
	lc.Append(fx.Hook{OnStop: func(context.Context) error {
		b.Stop()
		return nil
	}})
	return b
}

// ProvideMetricsServer starts the Prometheus /metrics HTTP endpoint on
// cfg.MetricsAddr, shut down on fx stop.
func ProvideMetricsServer(lc fx.Lifecycle, cfg *config.Config, reg *prometheus.Registry, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.Error("metrics server stopped", "error", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
	return srv
}

// NewApp composes the full fx graph: every component's Module, the
// provider functions above that resolve the remaining, deployment-specific
// constructor arguments, and an Invoke that forces construction of every
// long-lived component (fx only builds what's reachable from an Invoke or
// another constructor's parameters).
func NewApp(cfg *config.Config) *fx.App {
	return fx.New(
		fx.Provide(func() *config.Config { return cfg }),
		fx.Provide(
			ProvideLogger,
			ProvideRegistry,
			ProvideMetrics,
			ProvideClock,
		),
		recorderSet(),
		fx.Provide(
			ProvideBus,
			ProvideAlgedonic,
			ProvideLimiter,
			ProvideS1, ProvideS2, ProvideS3, ProvideS4, ProvideS5,
			ProvideControlLoop,
			ProvideSupervisor,
			ProvideMembership,
			ProvideClusterBridge,
			ProvideMetricsServer,
		),
		eventbus.Module,
		algedonic.Module,
		breaker.Module,
		ratelimit.Module,
		variety.Module,
		vsm.Module,
		controlloop.Module,
		supervisor.Module,
		membership.Module,
		cluster.Module,
		fx.Invoke(func(
			*controlloop.ControlLoop,
			*supervisor.Supervisor,
			*cluster.ClusterBridge,
			*http.Server,
		) {
		}),
	)
}

package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/sync/errgroup"

	"github.com/c360/homecore/automation"
	"github.com/c360/homecore/bus"
	"github.com/c360/homecore/command"
	"github.com/c360/homecore/config"
	"github.com/c360/homecore/errors"
	"github.com/c360/homecore/metric"
	"github.com/c360/homecore/natsbridge"
	"github.com/c360/homecore/pkg/retry"
	"github.com/c360/homecore/statestore"
	"github.com/c360/homecore/template"
	"github.com/c360/homecore/types"
)

// App owns one running kernel: bus, state store, command registry, rule
// engine and the optional metrics server and NATS export.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	registry *metric.MetricsRegistry
	core     *metric.Metrics
	server   *metric.Server

	bus      *bus.Bus
	states   *statestore.Store
	commands *command.Registry
	engine   *automation.Engine

	nats   *natsbridge.Client
	bridge *natsbridge.Bridge

	mu        sync.Mutex
	started   bool
	stopped   bool
	createdAt time.Time
}

// NewApp builds every component from cfg and loads the configured rules.
// Nothing runs until Start.
func NewApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	if cfg == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "App", "NewApp", "config is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, errors.WrapInvalid(err, "App", "NewApp", "resolve time zone")
	}
	defs, err := cfg.Definitions()
	if err != nil {
		return nil, err
	}

	a := &App{
		cfg:       cfg,
		logger:    logger,
		registry:  metric.NewMetricsRegistry(),
		createdAt: time.Now(),
	}
	a.core = a.registry.CoreMetrics()

	a.bus = bus.New(
		bus.WithMailboxSize(cfg.Core.MailboxSize),
		bus.WithMatchAllExclusions(cfg.Core.MatchAllExclusions...),
		bus.WithLogger(logger.With("component", "bus")),
		bus.WithMetrics(a.registry),
	)
	a.states = statestore.New(a.bus,
		statestore.WithLogger(logger.With("component", "statestore")),
		statestore.WithMetrics(a.registry),
	)
	a.commands = command.NewRegistry(a.bus,
		command.WithLogger(logger.With("component", "command")),
		command.WithMetrics(a.registry),
	)

	a.engine, err = automation.NewEngine(a.bus, a.states, a.commands,
		automation.WithLogger(logger.With("component", "automation")),
		automation.WithMetrics(a.registry),
		automation.WithLocation(loc),
		automation.WithTemplates(template.NewCUE(template.WithCUELogger(logger.With("component", "template")))),
		automation.WithMaxContextDepth(cfg.Core.MaxContextDepth),
		automation.WithSelfRetrigger(cfg.Core.AllowSelfRetrigger),
		automation.WithDefaultQueueMax(cfg.Core.DefaultQueueMax),
	)
	if err != nil {
		return nil, err
	}
	if err := a.engine.Load(defs); err != nil {
		return nil, err
	}
	if err := automation.RegisterServices(a.commands, a.engine, cfg.Definitions); err != nil {
		return nil, err
	}

	if cfg.Metrics.Enabled {
		a.server = metric.NewServer(cfg.Metrics.Address, cfg.Metrics.Path, a.registry)
	}
	if cfg.NATS.Enabled {
		if err := a.buildNATS(); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (a *App) buildNATS() error {
	n := a.cfg.NATS
	opts := []natsbridge.ClientOption{
		natsbridge.WithLogger(a.logger.With("component", "nats")),
		natsbridge.WithCoreMetrics(a.core),
		natsbridge.WithReconnect(n.MaxReconnects, n.ReconnectWait),
	}
	if n.Timeout > 0 {
		opts = append(opts, natsbridge.WithTimeout(n.Timeout))
	}
	if n.Name != "" {
		opts = append(opts, natsbridge.WithName(n.Name))
	}
	switch {
	case n.Token != "":
		opts = append(opts, natsbridge.WithToken(n.Token))
	case n.Username != "":
		opts = append(opts, natsbridge.WithCredentials(n.Username, n.Password))
	}
	client, err := natsbridge.NewClient(n.URL, opts...)
	if err != nil {
		return err
	}
	a.nats = client
	return nil
}

// Bus returns the event bus.
func (a *App) Bus() *bus.Bus { return a.bus }

// States returns the entity state store.
func (a *App) States() *statestore.Store { return a.states }

// Commands returns the command registry.
func (a *App) Commands() *command.Registry { return a.commands }

// Engine returns the rule engine.
func (a *App) Engine() *automation.Engine { return a.engine }

// Run starts the app, serves metrics when enabled and blocks until ctx is
// done or the metrics server fails, then shuts down within grace.
func (a *App) Run(ctx context.Context, grace time.Duration) error {
	if err := a.Start(ctx); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), grace)
		defer cancel()
		_ = a.Shutdown(shutdownCtx)
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if a.server != nil {
		g.Go(func() error {
			a.logger.Info("Metrics server listening", "address", a.server.Address())
			if err := a.server.Start(); err != nil {
				a.core.RecordError("metrics", "fatal")
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("Shutting down", "cause", context.Cause(gctx))
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), grace)
		defer cancel()
		return a.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Start connects optional outputs, starts the rule engine and fires the
// start and started lifecycle events. Runs outlive ctx; use Shutdown to
// stop them.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "App", "Start", "check app state")
	}

	if a.nats != nil {
		if err := a.startNATS(ctx); err != nil {
			a.core.RecordComponentStatus("natsbridge", metric.StatusFailed)
			return err
		}
	}

	a.core.RecordComponentStatus("automation", metric.StatusStarting)
	if err := a.engine.Start(context.WithoutCancel(ctx)); err != nil {
		a.core.RecordComponentStatus("automation", metric.StatusFailed)
		return err
	}
	a.core.RecordComponentStatus("automation", metric.StatusRunning)
	a.core.RecordComponentStatus("bus", metric.StatusRunning)
	a.started = true

	if err := a.fire(types.EventCoreStart); err != nil {
		return err
	}
	if err := a.fire(types.EventCoreStarted); err != nil {
		return err
	}
	a.core.RecordStartup(time.Since(a.createdAt))
	a.logger.Info("homecore started",
		"rules", len(a.engine.Rules()),
		"commands", len(a.commands.All()),
		"startup", time.Since(a.createdAt))
	return nil
}

func (a *App) startNATS(ctx context.Context) error {
	a.core.RecordComponentStatus("natsbridge", metric.StatusStarting)
	connect := retry.Quick()
	connect.MaxAttempts = a.cfg.NATS.ConnectAttempts
	if err := a.nats.ConnectWithRetry(ctx, connect); err != nil {
		a.core.RecordError("natsbridge", errors.Classify(err).String())
		return errors.Wrap(err, "App", "Start", "connect to NATS")
	}

	opts := []natsbridge.Option{
		natsbridge.WithSubjectPrefix(a.cfg.NATS.SubjectPrefix),
		natsbridge.WithBridgeLogger(a.logger.With("component", "natsbridge")),
		natsbridge.WithMetrics(a.registry),
	}
	if a.cfg.NATS.StateBucket != "" {
		kv, err := retry.DoWithResult(ctx, retry.DefaultConfig(), func() (jetstream.KeyValue, error) {
			return a.nats.KeyValue(ctx, natsbridge.StateBucketConfig(a.cfg.NATS.StateBucket))
		})
		if err != nil {
			a.core.RecordError("natsbridge", errors.Classify(err).String())
			return errors.Wrap(err, "App", "Start", "open state bucket")
		}
		opts = append(opts, natsbridge.WithStateBucket(kv))
	}
	bridge, err := natsbridge.NewBridge(a.nats, opts...)
	if err != nil {
		return err
	}
	if err := bridge.Start(a.bus); err != nil {
		return err
	}
	a.bridge = bridge
	a.core.RecordComponentStatus("natsbridge", metric.StatusRunning)
	return nil
}

// Shutdown fires the stop event, lets rules react to it, stops the engine
// within the configured stop timeout and then closes the bus and outputs.
func (a *App) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return nil
	}
	a.stopped = true

	var errs []error
	if a.started {
		if err := a.fire(types.EventCoreStop); err != nil {
			errs = append(errs, err)
		}
		if err := a.flush(ctx); err != nil {
			errs = append(errs, err)
		}
		// let shutdown-triggered runs finish before cancelling
		if !a.engine.Wait(a.cfg.Core.StopTimeout) {
			a.logger.Warn("Rules still running at shutdown", "timeout", a.cfg.Core.StopTimeout)
		}
		a.core.RecordComponentStatus("automation", metric.StatusStopping)
		if err := a.engine.Stop(a.cfg.Core.StopTimeout); err != nil {
			errs = append(errs, err)
		}
		a.core.RecordComponentStatus("automation", metric.StatusStopped)
		if err := a.fire(types.EventCoreClose); err != nil {
			errs = append(errs, err)
		}
		if err := a.flush(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if a.bridge != nil {
		a.bridge.Stop()
	}
	if err := a.bus.Close(); err != nil {
		errs = append(errs, err)
	}
	a.core.RecordComponentStatus("bus", metric.StatusStopped)

	if a.nats != nil {
		if err := a.nats.Close(ctx); err != nil {
			errs = append(errs, err)
		}
		a.core.RecordComponentStatus("natsbridge", metric.StatusStopped)
	}
	if a.server != nil {
		if err := a.server.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return errors.Wrap(errors.Join(errs...), "App", "Shutdown", "stop components")
	}
	a.logger.Info("homecore stopped")
	return nil
}

func (a *App) fire(eventType string) error {
	if _, err := a.bus.Fire(eventType, nil, types.OriginLocal, nil); err != nil {
		return errors.Wrap(err, "App", "fire", "fire "+eventType)
	}
	return nil
}

func (a *App) flush(ctx context.Context) error {
	if a.cfg.Core.StopTimeout <= 0 {
		return a.bus.Flush(ctx)
	}
	fctx, cancel := context.WithTimeout(ctx, a.cfg.Core.StopTimeout)
	defer cancel()
	return a.bus.Flush(fctx)
}

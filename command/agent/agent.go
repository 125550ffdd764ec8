// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package agent is the composition root: it wires the config loader, secret
// sink, registry, health tracker, scheduler, event store, metrics exporter,
// tool dispatcher and HTTP server into one process, and owns the startup,
// reload and shutdown sequences.
package agent

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/errgroup"

	"github.com/hashicorp/argus/config"
	"github.com/hashicorp/argus/drivers"
	"github.com/hashicorp/argus/health"
	"github.com/hashicorp/argus/logsink"
	"github.com/hashicorp/argus/registry"
	"github.com/hashicorp/argus/scheduler"
	"github.com/hashicorp/argus/secrets"
	"github.com/hashicorp/argus/stream"
	"github.com/hashicorp/argus/telemetry"
	"github.com/hashicorp/argus/tools"
)

// Options configures an Agent beyond the config document.
type Options struct {
	// ConfigPath is re-read on every reload.
	ConfigPath string

	// HTTPListen is the host:port the API binds.
	HTTPListen string

	// Sink is the process log sink. Nil builds one on stdout at info.
	Sink *logsink.Sink
}

// Agent is the running supervisor.
type Agent struct {
	configPath string
	httpListen string

	sink     *logsink.Sink
	logger   hclog.Logger
	secrets  *secrets.Sink
	registry *registry.Registry
	tracker  *health.Tracker
	store    *stream.Store
	sched    *scheduler.Scheduler
	exporter *telemetry.Exporter
	disp     *tools.Dispatcher
	http     *HTTPServer

	// reloadMu serializes SIGHUP and tool-initiated reloads.
	reloadMu sync.Mutex

	shutdownOnce sync.Once
	shutdownCh   chan struct{}

	// readyCh closes once the HTTP listener is bound and probing has
	// started.
	readyCh chan struct{}
}

// NewAgent loads the configuration and brings up every subsystem. Probing
// does not start until Run.
func NewAgent(opts *Options) (*Agent, error) {
	drivers.Register()

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}

	sink := opts.Sink
	if sink == nil {
		sink = logsink.New(logsink.Options{RedactionTerms: cfg.RedactionTerms})
	}
	logger := sink.Logger("agent")
	for _, w := range cfg.Warnings {
		logger.Warn(w)
	}

	secretSink, err := secrets.NewSink(cfg.SecretBackends, sink.Logger("agent"))
	if err != nil {
		return nil, err
	}

	a := &Agent{
		configPath: opts.ConfigPath,
		httpListen: opts.HTTPListen,
		sink:       sink,
		logger:     logger,
		secrets:    secretSink,
		shutdownCh: make(chan struct{}),
		readyCh:    make(chan struct{}),
	}

	a.registry = registry.NewRegistry(&registry.Config{
		Logger:  sink.Logger("agent"),
		Secrets: secretSink,
	})
	a.tracker = health.NewTracker(&health.Config{
		FailureThreshold:  cfg.FailureThreshold,
		PowerCeilingWatts: cfg.PowerCeilingWatts,
		Logger:            sink.Logger("agent"),
	})
	a.store, err = stream.NewStore(&stream.Config{
		Capacity:           cfg.EventCapacity,
		SubscriptionBuffer: cfg.SubscriptionBuffer,
		Logger:             sink.Logger("agent"),
	})
	if err != nil {
		return nil, err
	}
	a.exporter, err = telemetry.NewExporter(&telemetry.Config{
		Registry: a.registry,
		Store:    a.store,
	})
	if err != nil {
		return nil, err
	}

	// Every stored event becomes a log line and a metrics sample.
	a.store.AddObserver(sink)
	a.store.AddObserver(a.exporter)

	a.sched = scheduler.NewScheduler(&scheduler.Config{
		DefaultInterval: cfg.DefaultInterval,
		Registry:        a.registry,
		Tracker:         a.tracker,
		Store:           a.store,
		Observer:        a.exporter,
		Logger:          sink.Logger("agent"),
	})

	a.disp = tools.NewDispatcher(&tools.Config{
		Store:  a.store,
		Sink:   sink,
		Logger: sink.Logger("agent"),
	})
	tools.RegisterBuiltins(a.disp, &tools.Backend{
		Registry:  a.registry,
		Scheduler: a.sched,
		Reload:    a.Reload,
	})

	descs, startupEvents, err := cfg.PrepareDevices(context.Background(), secretSink, sink.Logger("agent"))
	if err != nil {
		return nil, err
	}
	if err := a.registry.Load(descs); err != nil {
		return nil, err
	}
	for _, e := range startupEvents {
		a.store.Append(e)
	}

	return a, nil
}

// Run starts probing and serves HTTP until the context is cancelled or a
// termination signal arrives. The returned error is nil on a clean
// shutdown.
func (a *Agent) Run(ctx context.Context) error {
	httpServer, err := NewHTTPServer(a, a.httpListen)
	if err != nil {
		return fmt.Errorf("binding http listener: %w", err)
	}
	a.http = httpServer
	a.logger.Info("http server listening", "address", httpServer.Addr())

	a.sched.Start()
	a.logger.Info("supervisor started",
		"devices", len(a.registry.List()), "config", a.configPath)
	close(a.readyCh)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return httpServer.Serve(ctx)
	})
	group.Go(func() error {
		// A termination signal or an explicit Shutdown cancels the
		// whole group, which stops the HTTP server in turn.
		a.handleSignals(ctx)
		cancel()
		return nil
	})

	err = group.Wait()
	a.shutdown()
	return err
}

// handleSignals reloads on SIGHUP and initiates shutdown on SIGINT or
// SIGTERM.
func (a *Agent) handleSignals(ctx context.Context) {
	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.shutdownCh:
			return
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				a.logger.Info("received SIGHUP, reloading configuration")
				if err := a.Reload(); err != nil {
					a.logger.Error("configuration reload failed, keeping running state", "error", err)
				}
				continue
			}
			a.logger.Info("received termination signal", "signal", sig.String())
			a.Shutdown()
			return
		}
	}
}

// Reload re-reads the config document and applies the device diff without
// restarting healthy devices. Any error aborts the reload with the running
// state untouched.
func (a *Agent) Reload() error {
	a.reloadMu.Lock()
	defer a.reloadMu.Unlock()

	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	for _, w := range cfg.Warnings {
		a.logger.Warn(w)
	}

	descs, startupEvents, err := cfg.PrepareDevices(context.Background(), a.secrets, a.logger)
	if err != nil {
		return err
	}
	diff, err := a.registry.Reload(descs)
	if err != nil {
		return err
	}

	a.sched.ApplyDiff(diff)
	for _, id := range diff.Removed {
		a.tracker.Forget(id)
		a.exporter.DeviceRemoved(id)
	}
	for _, e := range startupEvents {
		a.store.Append(e)
	}

	a.logger.Info("configuration reloaded",
		"added", len(diff.Added), "removed", len(diff.Removed), "changed", len(diff.Changed))
	return nil
}

// Ready closes once Run has bound the listener and started probing.
func (a *Agent) Ready() <-chan struct{} {
	return a.readyCh
}

// HTTPAddr returns the bound listener address. Valid after Ready.
func (a *Agent) HTTPAddr() string {
	return a.http.Addr()
}

// Shutdown asks Run to stop. Safe to call from any goroutine, repeatedly.
func (a *Agent) Shutdown() {
	a.shutdownOnce.Do(func() { close(a.shutdownCh) })
}

// shutdown runs the ordered teardown: stop accepting tool calls and HTTP,
// cancel the probe loops, drain subscriptions, close the drivers.
func (a *Agent) shutdown() {
	a.logger.Info("shutting down")
	if a.http != nil {
		a.http.Close()
	}
	a.sched.Stop()
	a.store.Shutdown()
	if err := a.registry.Close(); err != nil {
		a.logger.Error("closing drivers", "error", err)
	}
	a.logger.Info("shutdown complete")
}

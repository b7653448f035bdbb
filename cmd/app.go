package cmd

import (
	"context"
	"fmt"
	"slices"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/Norgate-AV/compilerd/internal/cache"
	"github.com/Norgate-AV/compilerd/internal/compiler"
	"github.com/Norgate-AV/compilerd/internal/config"
	"github.com/Norgate-AV/compilerd/internal/gate"
	"github.com/Norgate-AV/compilerd/internal/metrics"
	"github.com/Norgate-AV/compilerd/internal/orchestrator"
	"github.com/Norgate-AV/compilerd/internal/remote"
	"github.com/Norgate-AV/compilerd/internal/stats"
)

// Backend openers, replaced in tests
var (
	openStore cache.StoreOpener = cache.OpenS3

	openQueue = func(ctx context.Context, url, region string) (remote.Queue, error) {
		return remote.OpenSQS(ctx, url, region)
	}
)

// app is the fully wired service
type app struct {
	cfg    *config.Config
	logger logr.Logger

	channels   *cache.Channels
	gate       *gate.Gate
	registry   *compiler.Registry
	orch       *orchestrator.Orchestrator
	stats      *stats.Emitter
	dispatcher *remote.Dispatcher
	events     *remote.WebSocketEvents
	metrics    *prometheus.Registry
}

func newApp(ctx context.Context, cfg *config.Config, logger logr.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	a.metrics = prometheus.NewRegistry()
	a.metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if err := metrics.Register(a.metrics); err != nil {
		return nil, err
	}

	channels, err := cache.NewChannels(ctx, logger,
		cfg.Cache.Compilation, cfg.Cache.Executable, cfg.Cache.Metadata, openStore)
	if err != nil {
		return nil, fmt.Errorf("failed to build caches: %w", err)
	}
	a.channels = channels

	if err := a.buildRegistry(); err != nil {
		a.Close()
		return nil, err
	}

	a.gate, err = gate.New(cfg.LocalConcurrency)
	if err != nil {
		a.Close()
		return nil, err
	}

	if cfg.Remote.Enabled() {
		if err := a.buildRemote(ctx); err != nil {
			a.Close()
			return nil, err
		}
	}

	if cfg.Stats.Bucket != "" {
		store, err := openStore(ctx, cfg.Stats.Bucket, "", cfg.Stats.Region)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to open stats bucket: %w", err)
		}

		a.stats = stats.NewEmitter(store, stats.Config{
			FlushInterval: cfg.Stats.FlushInterval,
			MaxBatch:      cfg.Stats.MaxBatch,
			Prefix:        cfg.Stats.Prefix,
		}, logger)
	} else {
		a.stats = stats.NewEmitter(nil, stats.Config{}, logger)
	}

	ocfg := orchestrator.Config{
		Registry: a.registry,
		Cache:    channels.Compilation,
		Gate:     a.gate,
		Guard:    orchestrator.NewGuard(cfg.StaleAfter),
		Stats:    a.stats,
		Logger:   logger,
	}
	if a.dispatcher != nil {
		ocfg.Dispatcher = a.dispatcher
	}

	a.orch, err = orchestrator.New(ocfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	if a.dispatcher != nil {
		a.dispatcher.SetLateResultHandler(a.orch.StoreLate)
	}

	return a, nil
}

func (a *app) buildRegistry() error {
	a.registry = compiler.NewRegistry(a.channels.Metadata)

	for _, info := range a.cfg.Compilers {
		var err error
		if info.Remote {
			err = a.registry.AddRemote(info)
		} else {
			err = a.registry.AddDriver(compiler.NewProcessDriver(info, a.channels.Executable))
		}

		if err != nil {
			return fmt.Errorf("failed to register compiler: %w", err)
		}
	}

	return nil
}

func (a *app) buildRemote(ctx context.Context) error {
	rc := a.cfg.Remote

	queue, err := openQueue(ctx, rc.QueueURL, rc.Region)
	if err != nil {
		return fmt.Errorf("failed to open remote queue: %w", err)
	}

	var workers remote.WorkerDirectory
	if rc.WorkersURL != "" {
		workers = remote.NewHTTPWorkers(rc.WorkersURL, nil, remote.DefaultWorkersTTL)
	} else {
		workers = staticWorkers(a.cfg.Compilers)
	}

	a.events = remote.NewWebSocketEvents(rc.EventsURL, nil, a.logger)
	retrier := remote.NewRetrier(remote.RetryPolicy{Retries: rc.Retries, Delay: rc.RetryDelay}, a.logger)
	a.dispatcher = remote.NewDispatcher(queue, a.events, workers, retrier, a.logger)
	a.events.SetHandler(a.dispatcher.Deliver)

	return nil
}

// staticWorkers trusts the configured architectures of remote compilers
func staticWorkers(infos []compiler.Info) remote.StaticWorkers {
	var archs remote.StaticWorkers
	for _, info := range infos {
		if info.Remote && !slices.Contains(archs, info.Arch) {
			archs = append(archs, info.Arch)
		}
	}

	return archs
}

// background returns the long-running loops the app needs
func (a *app) background() []func(ctx context.Context) error {
	loops := []func(ctx context.Context) error{a.stats.Run}
	if a.dispatcher != nil {
		loops = append(loops, a.events.Run, a.dispatcher.Run)
	}

	return loops
}

func (a *app) Close() error {
	if a.channels == nil {
		return nil
	}

	return a.channels.Close()
}


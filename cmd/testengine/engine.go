package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"TestEngine-Core/internal/adapters/stock"
	"TestEngine-Core/internal/bundle"
	"TestEngine-Core/internal/catalog"
	"TestEngine-Core/internal/config"
	xerrors "TestEngine-Core/internal/errors"
	"TestEngine-Core/internal/events"
	"TestEngine-Core/internal/fetch"
	"TestEngine-Core/internal/harness"
	"TestEngine-Core/internal/manager"
	"TestEngine-Core/internal/metrics"
	"TestEngine-Core/pkg/logger"
	"TestEngine-Core/pkg/plugin"
)

// engine is the wired runtime shared by every command.
type engine struct {
	cfg       *config.Config
	collector *xerrors.Collector
	registry  *plugin.Registry
	catalog   catalog.Catalog
	store     *bundle.Store
	loader    *plugin.DescriptorLoader
	managers  *manager.Set
	sink      events.Sink
	harness   *harness.Harness
	metrics   *metrics.Recorder
	logger    *slog.Logger
	closers   []func() error
}

type engineOptions struct {
	// roots are plugin roots discovered after the configured ones.
	roots []string
	// events opens the configured event sink.
	events bool
	// skipDiscovery leaves descriptor roots unread, for bundle commands.
	skipDiscovery bool
}

func openEngine(ctx context.Context, flags *globalFlags, opts engineOptions) (_ *engine, err error) {
	cfg, err := config.LoadOrDefault(flags.config)
	if err != nil {
		return nil, err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	if err := os.MkdirAll(cfg.Workspace.TempDir, 0o755); err != nil {
		return nil, fmt.Errorf("create temp directory: %w", err)
	}

	e := &engine{
		cfg:       cfg,
		collector: xerrors.NewCollector(),
		registry:  plugin.NewRegistry(),
		metrics:   metrics.New(),
		logger:    logger.Named("engine"),
		closers:   []func() error{logger.Sync},
	}
	defer func() {
		if err != nil {
			_ = e.Close()
		}
	}()

	if err := stock.Register(e.registry); err != nil {
		return nil, err
	}

	wasm, err := plugin.NewWasmRuntime(ctx)
	if err != nil {
		return nil, err
	}
	e.closers = append(e.closers, func() error { return wasm.Close(context.Background()) })
	e.loader = &plugin.DescriptorLoader{
		Wasm:        wasm,
		Policy:      cfg.Plugins.Isolation,
		Isolation:   plugin.NewIsolationStrategy(nil),
		CallTimeout: cfg.PluginCallTimeout(),
	}

	if cfg.Catalog.Driver == string(catalog.DialectSQLite) && !strings.Contains(cfg.Catalog.DSN, ":") {
		if err := os.MkdirAll(filepath.Dir(cfg.Catalog.DSN), 0o755); err != nil {
			return nil, fmt.Errorf("create catalog directory: %w", err)
		}
	}
	if e.catalog, err = catalog.Open(ctx, cfg.CatalogOptions()); err != nil {
		return nil, err
	}
	e.closers = append(e.closers, e.catalog.Close)

	locker, err := e.openLocker(ctx)
	if err != nil {
		return nil, err
	}
	e.store, err = bundle.NewStore(bundle.Options{
		Root:            cfg.Plugins.InstallDir,
		TempDir:         cfg.Workspace.TempDir,
		Catalog:         e.catalog,
		Registry:        e.registry,
		Runtime:         e.loader,
		Locker:          locker,
		LockTimeout:     cfg.LockTimeout(),
		MaxArchiveBytes: cfg.Download.MaxExtractBytes,
		Collector:       e.collector,
		Logger:          logger.Named("bundle"),
	})
	if err != nil {
		return nil, err
	}
	if err := e.store.LoadInstalled(ctx); err != nil {
		return nil, err
	}

	if !opts.skipDiscovery {
		e.discover(ctx, append(cfg.PluginRoots(), opts.roots...))
	}

	mopts := cfg.ManagerOptions()
	mopts.Fetcher = fetch.New(cfg.FetchOptions(), nil, e.collector, logger.Named("fetch"))
	mopts.Loaders = []plugin.Loader{e.loader}
	mopts.Collector = e.collector
	mopts.Logger = logger.Named("manager")
	e.managers = manager.Install(e.registry, mopts)

	e.sink = events.Nop{}
	if opts.events {
		if e.sink, err = events.Open(ctx, cfg.EventsOptions()); err != nil {
			return nil, err
		}
		e.closers = append(e.closers, e.sink.Close)
	}

	e.harness = harness.New(harness.Options{
		Registry:  e.registry,
		Managers:  e.managers,
		Sink:      e.sink,
		Collector: e.collector,
		Logger:    logger.Named("harness"),
		Metrics:   e.metrics,
		ErrorFile: cfg.Workspace.ErrorFile,
	})
	return e, nil
}

func (e *engine) openLocker(ctx context.Context) (bundle.Locker, error) {
	if e.cfg.Lock.Driver != "redis" {
		return bundle.NewLocalLocker(), nil
	}
	l, err := bundle.NewRedisLocker(ctx, e.cfg.RedisLockOptions())
	if err != nil {
		return nil, err
	}
	e.closers = append(e.closers, l.Close)
	return l, nil
}

// discover loads every existing root. Missing roots are skipped; a failing
// plugin file is logged and recorded without stopping the others.
func (e *engine) discover(ctx context.Context, roots []string) []*plugin.DiscoveryResult {
	d := e.discoverer()
	var results []*plugin.DiscoveryResult
	for _, root := range roots {
		if _, err := os.Stat(root); errors.Is(err, os.ErrNotExist) {
			e.logger.Debug("plugin root missing", "root", root)
			continue
		}
		res, err := d.Discover(ctx, root, "")
		if err != nil {
			e.logger.Warn("plugin discovery failed", "root", root, "error", err)
			e.collector.Record(err, "discovery")
		}
		if res != nil {
			for _, fe := range res.Errors {
				e.logger.Warn("plugin skipped", "path", fe.Path, "error", fe.Err)
			}
			results = append(results, res)
		}
	}
	return results
}

func (e *engine) discoverer() *plugin.Discoverer {
	return plugin.NewDiscoverer(e.registry, []plugin.Loader{e.loader, e.store.Loader()},
		plugin.WithCollector(e.collector), plugin.WithLogger(logger.Named("discovery")))
}

func (e *engine) writeMetrics() {
	if e.cfg.Workspace.MetricsFile == "" {
		return
	}
	if err := e.metrics.WriteFile(e.cfg.Workspace.MetricsFile); err != nil {
		e.logger.Warn("metrics file not written", "path", e.cfg.Workspace.MetricsFile, "error", err)
	}
}

// Close releases resources in reverse order of acquisition.
func (e *engine) Close() error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	e.closers = nil
	return errors.Join(errs...)
}

// Package app wires the orchestrator's components from Options. The daemon
// and the one-shot commands build the same graph, so a command run from a
// shell sees the same output tree, process table and leases as the daemon.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kidcam/camhls/internal/catalog"
	"github.com/kidcam/camhls/internal/config"
	"github.com/kidcam/camhls/internal/events"
	"github.com/kidcam/camhls/internal/ffmpeg"
	"github.com/kidcam/camhls/internal/hlspath"
	"github.com/kidcam/camhls/internal/lease"
	"github.com/kidcam/camhls/internal/logging"
	"github.com/kidcam/camhls/internal/metrics"
	"github.com/kidcam/camhls/internal/process"
	"github.com/kidcam/camhls/internal/recording"
	"github.com/kidcam/camhls/internal/streams"
)

const healthTimeout = 3 * time.Second

// App is the wired component graph.
type App struct {
	Options    *Options
	Bus        *events.Bus
	Resolver   *hlspath.Resolver
	Registry   *streams.Registry
	Supervisor *streams.Supervisor
	Monitor    *streams.Monitor
	Recorder   *recording.Recorder
	Catalog    catalog.Catalog
	Lease      lease.Locker

	logger  logging.Logger
	closers []func() error
}

// New builds the component graph. Close releases what it opened.
func New(ctx context.Context, opts *Options) (*App, error) {
	t, err := opts.timings()
	if err != nil {
		return nil, err
	}

	a := &App{
		Options: opts,
		Bus:     events.New(),
		logger:  logging.GetLogger("main"),
	}
	a.Resolver, err = hlspath.New(opts.StreamsRoot)
	if err != nil {
		return nil, fmt.Errorf("streams root: %w", err)
	}
	scanner, err := process.NewProcScanner("", opts.FFmpegBinary)
	if err != nil {
		return nil, err
	}

	if opts.StreamsLogDir != "" {
		if err := os.MkdirAll(opts.StreamsLogDir, 0o755); err != nil {
			return nil, fmt.Errorf("streams log dir: %w", err)
		}
	}

	unsubscribe := metrics.Subscribe(a.Bus)
	a.closers = append(a.closers, func() error { unsubscribe(); return nil })

	if err := a.openCatalog(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.openLease(ctx); err != nil {
		a.Close()
		return nil, err
	}

	streamsLogger := logging.GetLogger("streams")
	a.Registry = streams.NewRegistry(streams.RegistryOptions{
		Resolver:     a.Resolver,
		Scanner:      scanner,
		Bus:          a.Bus,
		Logger:       streamsLogger,
		StartupGrace: t.startupGrace,
		AdoptWindow:  t.adoptWindow,
		StopTimeout:  t.stopTimeout,
	})
	a.Supervisor = streams.NewSupervisor(streams.SupervisorOptions{
		Registry: a.Registry,
		Resolver: a.Resolver,
		Launcher: &streams.FFmpegLauncher{
			Binary: opts.FFmpegBinary,
			Params: ffmpeg.HLSParams{
				RTSPTransport:  opts.FFmpegRTSPTransport,
				Encoder:        opts.FFmpegEncoder,
				Preset:         opts.FFmpegPreset,
				SegmentSeconds: opts.HLSSegmentSeconds,
				ListSize:       opts.HLSListSize,
				LogLevel:       opts.FFmpegLogLevel,
			},
			StopTimeout: t.stopTimeout,
			LogDir:      opts.StreamsLogDir,
			Logger:      logging.GetLogger("process"),
		},
		Lease:        a.Lease,
		Bus:          a.Bus,
		Logger:       streamsLogger,
		StartupGrace: t.startupGrace,
		StopTimeout:  t.stopTimeout,
		LeaseTTL:     t.leaseTTL,
	})
	a.Monitor = streams.NewMonitor(streams.MonitorOptions{
		Catalog:      a.Catalog,
		Starter:      a.Supervisor,
		Bus:          a.Bus,
		Logger:       streamsLogger,
		Interval:     t.reconcile,
		StartTimeout: t.startTimeout,
		Concurrency:  opts.ReconcileConcurrency,
	})
	a.Recorder = recording.New(recording.Options{
		Root:          opts.RecordingsRoot,
		Binary:        opts.FFmpegBinary,
		RTSPTransport: opts.FFmpegRTSPTransport,
		LogLevel:      opts.FFmpegLogLevel,
		MaxDuration:   t.maxRecordingTime,
		StopTimeout:   t.stopTimeout,
		Bus:           a.Bus,
		Logger:        logging.GetLogger("recording"),
	})
	return a, nil
}

func (a *App) openCatalog(ctx context.Context) error {
	logger := logging.GetLogger("catalog")
	switch a.Options.CatalogDriver {
	case "", "file":
		f, err := catalog.NewFile(a.Options.CatalogFile, logger)
		if err != nil {
			return err
		}
		a.Catalog = f
	case catalog.DriverPostgres, catalog.DriverSQLite:
		db, err := catalog.OpenSQL(ctx, a.Options.CatalogDriver, a.Options.CatalogDSN)
		if err != nil {
			return err
		}
		a.Catalog = db
		a.closers = append(a.closers, db.Close)
		logger.Info("Camera catalog connected", "driver", a.Options.CatalogDriver)
	default:
		return fmt.Errorf("unknown catalog driver %q", a.Options.CatalogDriver)
	}
	return nil
}

func (a *App) openLease(ctx context.Context) error {
	if a.Options.LeaseRedisAddr == "" {
		a.Lease = lease.NewLocal()
		return nil
	}
	r, err := lease.DialRedis(ctx, lease.RedisConfig{
		Addr:     a.Options.LeaseRedisAddr,
		Password: a.Options.LeaseRedisPassword,
		DB:       a.Options.LeaseRedisDB,
	}, logging.GetLogger("lease"))
	if err != nil {
		return err
	}
	a.Lease = r
	a.closers = append(a.closers, r.Close)
	return nil
}

// WatchCatalog reloads a file catalog on change and triggers a
// reconciliation pass. SQL catalogs are read on every pass and need no
// watching. The returned stop function is safe to call in any case.
func (a *App) WatchCatalog() (func(), error) {
	f, ok := a.Catalog.(*catalog.File)
	if !ok {
		return func() {}, nil
	}
	w, err := f.Watch(a.Monitor.Trigger)
	if err != nil {
		return func() {}, err
	}
	return func() { _ = w.Stop() }, nil
}

// WatchConfig applies logging level changes from the config file without a
// restart.
func (a *App) WatchConfig() (func(), error) {
	if a.Options.Config == "" {
		return func() {}, nil
	}
	w := config.NewConfigWatcher(a.Options.Config, func(path string) (logging.Config, error) {
		return config.LoadLoggingConfig(path), nil
	}, a.logger)
	w.OnReload(func(cfg logging.Config) {
		logging.ApplyLevels(cfg)
		a.logger.Info("Logging levels reloaded", "level", cfg.Level)
	})
	if err := w.Start(); err != nil {
		return func() {}, err
	}
	return func() { _ = w.Stop() }, nil
}

// Lookup finds a source in the catalog.
func (a *App) Lookup(ctx context.Context, id string) (streams.SourceDescriptor, error) {
	return a.Catalog.Lookup(ctx, id)
}

// Health reports whether the streams root is usable and the catalog answers.
func (a *App) Health(ctx context.Context) error {
	var errs []error
	if fi, err := os.Stat(a.Resolver.Root()); err == nil && !fi.IsDir() {
		errs = append(errs, fmt.Errorf("streams root %s is not a directory", a.Resolver.Root()))
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, fmt.Errorf("streams root: %w", err))
	}

	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	if _, err := a.Catalog.ListDesiredActive(ctx); err != nil {
		errs = append(errs, fmt.Errorf("catalog: %w", err))
	}
	return errors.Join(errs...)
}

// Close releases the catalog and lease connections.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

package streams

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kidcam/camhls/internal/events"
	"github.com/kidcam/camhls/internal/hlspath"
	"github.com/kidcam/camhls/internal/logging"
)

// Default monitor settings. The interval matches the HLS window
// (5s segments x 10), so a dead source is back before its playlist empties.
const (
	DefaultReconcileInterval = 50 * time.Second
	DefaultCatalogTimeout    = 10 * time.Second
	DefaultStartTimeout      = 15 * time.Second
	DefaultConcurrency       = 4
)

// Starter is the part of the Supervisor the monitor drives.
type Starter interface {
	IsActive(id string) bool
	Converge(id string) int
	Start(ctx context.Context, src SourceDescriptor) (hlspath.Locator, error)
}

// MonitorOptions contains options for creating a Monitor.
type MonitorOptions struct {
	Catalog Catalog
	Starter Starter
	Bus     events.Publisher
	Logger  logging.Logger

	Interval       time.Duration
	CatalogTimeout time.Duration
	StartTimeout   time.Duration
	Concurrency    int
}

// Result summarizes one reconciliation pass.
type Result struct {
	Desired    int
	Started    int
	Failed     int
	Converged  int
	CatalogErr error
	Duration   time.Duration
}

// Monitor periodically starts every source the catalog wants active but
// that has no live transcoder. It never stops sources.
type Monitor struct {
	catalog        Catalog
	starter        Starter
	bus            events.Publisher
	logger         logging.Logger
	interval       time.Duration
	catalogTimeout time.Duration
	startTimeout   time.Duration
	concurrency    int

	trigger chan struct{}
	running sync.Mutex // one pass at a time
}

// NewMonitor creates a Monitor.
func NewMonitor(opts MonitorOptions) *Monitor {
	m := &Monitor{
		catalog:        opts.Catalog,
		starter:        opts.Starter,
		bus:            opts.Bus,
		logger:         opts.Logger,
		interval:       opts.Interval,
		catalogTimeout: opts.CatalogTimeout,
		startTimeout:   opts.StartTimeout,
		concurrency:    opts.Concurrency,
		trigger:        make(chan struct{}, 1),
	}
	if m.interval <= 0 {
		m.interval = DefaultReconcileInterval
	}
	if m.catalogTimeout <= 0 {
		m.catalogTimeout = DefaultCatalogTimeout
	}
	if m.startTimeout <= 0 {
		m.startTimeout = DefaultStartTimeout
	}
	if m.concurrency <= 0 {
		m.concurrency = DefaultConcurrency
	}
	return m
}

// Run reconciles once immediately, then on every interval or Trigger, until
// ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	m.logger.Info("Reconciliation monitor started", "interval", m.interval, "concurrency", m.concurrency)
	defer m.logger.Info("Reconciliation monitor stopped")

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-m.trigger:
			ticker.Reset(m.interval)
		}
		m.Tick(ctx)
	}
}

// Trigger requests an immediate pass. Requests made while one is pending
// are coalesced.
func (m *Monitor) Trigger() {
	select {
	case m.trigger <- struct{}{}:
	default:
	}
}

// Tick runs one reconciliation pass. Per-source failures are logged and
// counted; a catalog failure skips the pass.
func (m *Monitor) Tick(ctx context.Context) Result {
	m.running.Lock()
	defer m.running.Unlock()

	began := time.Now()
	res := m.tick(ctx)
	res.Duration = time.Since(began)

	if res.CatalogErr == nil {
		m.logger.Debug("Reconciliation pass done", "desired", res.Desired, "started", res.Started, "failed", res.Failed, "duration", res.Duration)
	}
	m.publish(events.ReconcileCompletedEvent{
		Desired:   res.Desired,
		Started:   res.Started,
		Failed:    res.Failed,
		CatalogOK: res.CatalogErr == nil,
		Duration:  res.Duration,
		Timestamp: time.Now(),
	})
	return res
}

func (m *Monitor) tick(ctx context.Context) Result {
	catalogCtx, cancel := context.WithTimeout(ctx, m.catalogTimeout)
	sources, err := m.catalog.ListDesiredActive(catalogCtx)
	cancel()
	if err != nil {
		m.logger.Warn("Catalog unavailable, skipping pass", "error", err)
		return Result{CatalogErr: err}
	}

	var started, failed, converged atomic.Int32
	var desired int

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)

	for _, src := range sources {
		if !src.DesiredActive {
			continue
		}
		desired++
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			converged.Add(int32(m.starter.Converge(src.ID)))
			if m.starter.IsActive(src.ID) {
				return nil
			}

			startCtx, cancel := context.WithTimeout(gctx, m.startTimeout)
			defer cancel()
			if _, err := m.starter.Start(startCtx, src); err != nil {
				failed.Add(1)
				m.logger.Warn("Failed to start desired source", "source_id", src.ID, "error", err)
				return nil
			}
			started.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	return Result{
		Desired:   desired,
		Started:   int(started.Load()),
		Failed:    int(failed.Load()),
		Converged: int(converged.Load()),
	}
}

func (m *Monitor) publish(ev events.Event) {
	if m.bus != nil {
		m.bus.Publish(ev)
	}
}

package streams

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kidcam/camhls/internal/events"
	"github.com/kidcam/camhls/internal/hlspath"
	"github.com/kidcam/camhls/internal/lease"
	"github.com/kidcam/camhls/internal/logging"
	"github.com/kidcam/camhls/internal/process"
)

// leaseOpTimeout bounds each lease round trip.
const leaseOpTimeout = 3 * time.Second

// SupervisorOptions contains options for creating a Supervisor.
type SupervisorOptions struct {
	Registry *Registry
	Resolver *hlspath.Resolver
	Launcher Launcher
	Lease    lease.Locker // nil = no cross-process coordination
	Bus      events.Publisher
	Logger   logging.Logger

	StartupGrace time.Duration
	StopTimeout  time.Duration
	LeaseTTL     time.Duration
}

// Supervisor starts and stops transcoders, keeping at most one per source.
// Calls for one source are serialized; different sources proceed
// independently.
type Supervisor struct {
	registry     *Registry
	resolver     *hlspath.Resolver
	launcher     Launcher
	lease        lease.Locker
	bus          events.Publisher
	logger       logging.Logger
	startupGrace time.Duration
	stopTimeout  time.Duration
	leaseTTL     time.Duration

	group   singleflight.Group
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
	wg      sync.WaitGroup // exit watchers
}

// NewSupervisor creates a Supervisor.
func NewSupervisor(opts SupervisorOptions) *Supervisor {
	s := &Supervisor{
		registry:     opts.Registry,
		resolver:     opts.Resolver,
		launcher:     opts.Launcher,
		lease:        opts.Lease,
		bus:          opts.Bus,
		logger:       opts.Logger,
		startupGrace: opts.StartupGrace,
		stopTimeout:  opts.StopTimeout,
		leaseTTL:     opts.LeaseTTL,
		locks:        make(map[string]*sync.Mutex),
	}
	if s.startupGrace <= 0 {
		s.startupGrace = DefaultStartupGrace
	}
	if s.stopTimeout <= 0 {
		s.stopTimeout = DefaultStopTimeout
	}
	if s.leaseTTL <= 0 {
		s.leaseTTL = lease.DefaultTTL
	}
	return s
}

// lock serializes operations on one source.
func (s *Supervisor) lock(id string) func() {
	s.locksMu.Lock()
	mu, ok := s.locks[id]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[id] = mu
	}
	s.locksMu.Unlock()

	mu.Lock()
	return mu.Unlock
}

// Start ensures a transcoder runs for src and returns where its output lands.
// It is idempotent: when one is already running, its locator is returned and
// nothing is spawned. Concurrent calls for the same source share one attempt.
//
// A process that exits within the startup grace period yields
// ErrSourceUnreachable. If ctx ends first, the attempt keeps going in the
// background and Start returns the locator with ctx.Err().
func (s *Supervisor) Start(ctx context.Context, src SourceDescriptor) (hlspath.Locator, error) {
	if err := src.Validate(); err != nil {
		return hlspath.Locator{}, err
	}

	ch := s.group.DoChan(src.ID, func() (any, error) {
		return s.start(src)
	})

	select {
	case res := <-ch:
		loc, _ := res.Val.(hlspath.Locator)
		return loc, res.Err
	case <-ctx.Done():
		return s.resolver.Locate(src.ID), ctx.Err()
	}
}

func (s *Supervisor) start(src SourceDescriptor) (hlspath.Locator, error) {
	unlock := s.lock(src.ID)
	defer unlock()

	if s.registry.IsActive(src.ID) {
		s.logger.Debug("Transcoder already running", "source_id", src.ID)
		return s.resolver.Locate(src.ID), nil
	}

	loc, err := s.resolver.Resolve(src.ID)
	if err != nil {
		return s.fail(src.ID, loc, NewStreamError(ErrCodeStorageUnavailable, "cannot prepare output directory", err))
	}

	// Anything left in the process table is a stuck transcoder that never
	// produced output; clear it before spawning.
	s.reapStale(src.ID)

	if !s.acquireLease(loc.ContentHash) {
		s.logger.Info("Another worker is starting this source", "source_id", src.ID)
		return loc, nil
	}
	defer s.releaseLease(loc.ContentHash)

	proc, err := s.launcher.Launch(src, loc)
	if err != nil {
		return s.fail(src.ID, loc, NewStreamError(ErrCodeSpawnFailure, "cannot spawn transcoder", err))
	}

	rec := &Record{
		SourceID:            src.ID,
		ContentHash:         loc.ContentHash,
		PID:                 proc.PID(),
		StartedAt:           proc.StartedAt(),
		State:               process.StateStarting,
		LastObservedAliveAt: proc.StartedAt(),
		DetectedBy:          DetectedByMemory,
		Locator:             loc,
		proc:                proc,
	}
	if existing, ok := s.registry.Register(rec); !ok {
		// Only reachable if something registered outside the source lock
		s.logger.Warn("Source registered concurrently, discarding new process", "source_id", src.ID, "pid", rec.PID, "existing_pid", existing.PID)
		proc.Terminate(s.stopTimeout)
		return loc, nil
	}
	s.watch(rec)

	s.logger.Info("Transcoder started", "source_id", src.ID, "pid", rec.PID, "hash", loc.ContentHash)
	s.publish(events.StreamStartedEvent{
		SourceID:  src.ID,
		Hash:      loc.ContentHash,
		PID:       rec.PID,
		Playlist:  loc.Playlist,
		Timestamp: rec.StartedAt,
	})

	timer := time.NewTimer(s.startupGrace)
	defer timer.Stop()

	select {
	case <-proc.Done():
		s.registry.UnregisterPID(src.ID, rec.PID)
		cause := fmt.Errorf("exited with code %d during startup", proc.ExitCode())
		return s.fail(src.ID, loc, NewStreamError(ErrCodeSourceUnreachable, "transcoder exited during startup grace period", cause))
	case <-timer.C:
		s.registry.setState(src.ID, rec.PID, process.StateRunning)
		return loc, nil
	}
}

func (s *Supervisor) fail(id string, loc hlspath.Locator, err *StreamError) (hlspath.Locator, error) {
	s.logger.Error("Start failed", "source_id", id, "code", err.Code, "error", err)
	s.publish(events.StartFailedEvent{
		SourceID:  id,
		Code:      err.Code,
		Error:     err.Error(),
		Timestamp: time.Now(),
	})
	return loc, err
}

// watch unregisters an owned process once it exits. Exits the Supervisor did
// not ask for are reported.
func (s *Supervisor) watch(rec *Record) {
	proc := rec.proc
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		<-proc.Done()

		gone, ok := s.registry.UnregisterPID(rec.SourceID, rec.PID)
		if !ok || gone.State == process.StateStopping {
			return
		}

		uptime := time.Since(rec.StartedAt)
		s.logger.Warn("Transcoder exited", "source_id", rec.SourceID, "pid", rec.PID, "exit_code", proc.ExitCode(), "uptime", uptime)
		s.publish(events.StreamExitedEvent{
			SourceID:  rec.SourceID,
			PID:       rec.PID,
			ExitCode:  proc.ExitCode(),
			Uptime:    uptime,
			Timestamp: time.Now(),
		})
	}()
}

// reapStale terminates scanned transcoders for id that IsActive rejected.
func (s *Supervisor) reapStale(id string) {
	found, err := s.registry.Scan(id)
	if err != nil {
		s.logger.Warn("Process scan failed", "source_id", id, "error", err)
		return
	}
	for _, obs := range found {
		s.logger.Warn("Terminating stale transcoder without output", "source_id", id, "pid", obs.PID)
		s.registry.terminate(id, obs.PID, nil)
	}
}

func (s *Supervisor) acquireLease(key string) bool {
	if s.lease == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), leaseOpTimeout)
	defer cancel()

	ok, err := s.lease.Acquire(ctx, key, s.leaseTTL)
	if err != nil {
		// The process table check still guards against duplicates
		s.logger.Warn("Lease unavailable, starting without it", "hash", key, "error", err)
		return true
	}
	return ok
}

func (s *Supervisor) releaseLease(key string) {
	if s.lease == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), leaseOpTimeout)
	defer cancel()
	if err := s.lease.Release(ctx, key); err != nil {
		s.logger.Warn("Failed to release lease", "hash", key, "error", err)
	}
}

// Stop terminates every transcoder for id, whether spawned here or found in
// the process table, and forgets it. Stopping an inactive source is a no-op.
// Termination escalates to SIGKILL on timeout; that is logged, never
// returned.
func (s *Supervisor) Stop(ctx context.Context, id string) error {
	if id == "" {
		return NewStreamError(ErrCodeInvalidSource, "source id is empty", nil)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	unlock := s.lock(id)
	defer unlock()

	var terminated, forced int
	var stopped []int

	rec, ok := s.registry.Get(id)
	if ok {
		s.registry.setState(id, rec.PID, process.StateStopping)
		s.logger.Info("Stopping transcoder", "source_id", id, "pid", rec.PID)

		full := &rec
		if proc := s.registry.owned(id); proc != nil && proc.PID() == rec.PID {
			full.proc = proc
		}
		if s.registry.terminate(id, rec.PID, full) {
			forced++
		}
		terminated++
		stopped = append(stopped, rec.PID)
	}

	found, err := s.registry.Scan(id)
	if err != nil {
		s.logger.Warn("Process scan failed", "source_id", id, "error", err)
	}
	for _, obs := range found {
		if containsPID(stopped, obs.PID) {
			continue
		}
		s.logger.Info("Stopping unregistered transcoder", "source_id", id, "pid", obs.PID)
		if s.registry.terminate(id, obs.PID, nil) {
			forced++
		}
		terminated++
	}

	s.registry.Unregister(id)
	s.releaseLease(s.resolver.Locate(id).ContentHash)

	if terminated > 0 {
		s.logger.Info("Transcoder stopped", "source_id", id, "terminated", terminated, "forced", forced)
		s.publish(events.StreamStoppedEvent{
			SourceID:   id,
			Terminated: terminated,
			Forced:     forced,
			Timestamp:  time.Now(),
		})
	}
	return nil
}

func containsPID(pids []int, pid int) bool {
	for _, p := range pids {
		if p == pid {
			return true
		}
	}
	return false
}

// Restart stops then starts src. It is not atomic against concurrent callers.
func (s *Supervisor) Restart(ctx context.Context, src SourceDescriptor) (hlspath.Locator, error) {
	s.logger.Info("Restarting transcoder", "source_id", src.ID)
	if err := s.Stop(ctx, src.ID); err != nil {
		return hlspath.Locator{}, fmt.Errorf("failed to stop: %w", err)
	}
	return s.Start(ctx, src)
}

// IsActive reports whether a transcoder runs for id, adopting one found in
// the process table.
func (s *Supervisor) IsActive(id string) bool {
	unlock := s.lock(id)
	defer unlock()
	return s.registry.IsActive(id)
}

// Converge collapses duplicate transcoders for id to the newest one.
func (s *Supervisor) Converge(id string) int {
	unlock := s.lock(id)
	defer unlock()
	return s.registry.Converge(id)
}

// Status reports whether id is active and where its output lands.
func (s *Supervisor) Status(id string) Status {
	active := s.IsActive(id)
	st := Status{
		SourceID: id,
		Active:   active,
		Locator:  s.resolver.Locate(id),
	}
	if rec, ok := s.registry.Get(id); ok && active {
		st.Record = &rec
	}
	return st
}

// List returns the records of every known transcoder.
func (s *Supervisor) List() []Record {
	return s.registry.List()
}

// StopAll stops every registered transcoder. Called on shutdown when the
// daemon owns its transcoders.
func (s *Supervisor) StopAll(ctx context.Context) error {
	records := s.registry.List()
	s.logger.Info("Stopping all transcoders", "count", len(records))

	var errs []error
	for _, rec := range records {
		if err := s.Stop(ctx, rec.SourceID); err != nil {
			errs = append(errs, fmt.Errorf("source %s: %w", rec.SourceID, err))
		}
	}
	return errors.Join(errs...)
}

// Wait blocks until every exit watcher has returned.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

func (s *Supervisor) publish(ev events.Event) {
	if s.bus != nil {
		s.bus.Publish(ev)
	}
}

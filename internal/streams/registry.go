package streams

import (
	"errors"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/kidcam/camhls/internal/events"
	"github.com/kidcam/camhls/internal/hlspath"
	"github.com/kidcam/camhls/internal/logging"
	"github.com/kidcam/camhls/internal/process"
)

// Default timings.
const (
	DefaultStartupGrace = 2 * time.Second
	DefaultStopTimeout  = process.DefaultGracefulTimeout
	// DefaultAdoptWindow covers ffmpeg's input probing plus the first
	// segment, the time before a healthy transcoder writes its playlist.
	DefaultAdoptWindow = 20 * time.Second
)

// RegistryOptions contains options for creating a Registry.
type RegistryOptions struct {
	Resolver *hlspath.Resolver
	Scanner  process.Scanner
	Bus      events.Publisher
	Logger   logging.Logger

	// StartupGrace is how long an owned process stays Starting.
	StartupGrace time.Duration
	// AdoptWindow is how young a scanned process without a playlist may be
	// and still count as a warming-up transcoder.
	AdoptWindow time.Duration
	StopTimeout time.Duration
	KillTimeout time.Duration
}

// Registry is the authoritative record of which sources have a transcoder.
// It combines the processes this instance spawned with what the OS process
// table and the output tree show, so it survives restarts and sees processes
// spawned by other workers.
//
// Registry methods take only a short map lock. Callers that need a
// check-then-act sequence per source serialize it themselves (Supervisor).
type Registry struct {
	resolver     *hlspath.Resolver
	scanner      process.Scanner
	bus          events.Publisher
	logger       logging.Logger
	startupGrace time.Duration
	adoptWindow  time.Duration
	stopTimeout  time.Duration
	killTimeout  time.Duration
	now          func() time.Time

	mu      sync.Mutex
	records map[string]*Record
}

// NewRegistry creates an empty registry.
func NewRegistry(opts RegistryOptions) *Registry {
	r := &Registry{
		resolver:     opts.Resolver,
		scanner:      opts.Scanner,
		bus:          opts.Bus,
		logger:       opts.Logger,
		startupGrace: opts.StartupGrace,
		adoptWindow:  opts.AdoptWindow,
		stopTimeout:  opts.StopTimeout,
		killTimeout:  opts.KillTimeout,
		now:          time.Now,
		records:      make(map[string]*Record),
	}
	if r.startupGrace <= 0 {
		r.startupGrace = DefaultStartupGrace
	}
	if r.adoptWindow <= 0 {
		r.adoptWindow = DefaultAdoptWindow
	}
	if r.stopTimeout <= 0 {
		r.stopTimeout = DefaultStopTimeout
	}
	if r.killTimeout <= 0 {
		r.killTimeout = process.DefaultKillTimeout
	}
	return r
}

// marker is the argv substring identifying a source's transcoder: its
// output directory.
func marker(loc hlspath.Locator) string {
	return loc.Dir + string(filepath.Separator)
}

// Get returns a copy of the record for id.
func (r *Registry) Get(id string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return Record{}, false
	}
	return rec.snapshot(), true
}

// owned returns the live handle of an owned record, or nil.
func (r *Registry) owned(id string) *process.Process {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[id]; ok {
		return rec.proc
	}
	return nil
}

// List returns copies of all records ordered by source id.
func (r *Registry) List() []Record {
	r.mu.Lock()
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec.snapshot())
	}
	r.mu.Unlock()

	slices.SortFunc(out, func(a, b Record) int { return strings.Compare(a.SourceID, b.SourceID) })
	return out
}

// Register stores rec unless a record for the source exists. The loser gets
// the existing record and false.
func (r *Registry) Register(rec *Record) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.records[rec.SourceID]; ok {
		return existing.snapshot(), false
	}
	r.records[rec.SourceID] = rec
	return rec.snapshot(), true
}

// Unregister removes the record for id.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, id)
}

// UnregisterPID removes the record for id only if it still refers to pid.
// Exit watchers use it so a stale exit never removes a newer process.
func (r *Registry) UnregisterPID(id string, pid int) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok || rec.PID != pid {
		return Record{}, false
	}
	delete(r.records, id)
	return rec.snapshot(), true
}

// setState updates the state of the record for id if it refers to pid.
func (r *Registry) setState(id string, pid int, state process.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[id]; ok && rec.PID == pid {
		rec.State = state
		if state.Active() {
			rec.LastObservedAliveAt = r.now()
		}
	}
}

// alive checks an owned record through its handle. Anything else is checked
// in the process table, including the marker, since its pid may have been
// reused.
func (r *Registry) alive(rec *Record, loc hlspath.Locator) bool {
	if rec.proc != nil {
		return !rec.proc.Exited()
	}
	return r.scanner.Matches(rec.PID, marker(loc))
}

// IsActive reports whether a live transcoder exists for id. A source counts
// as active when:
//   - its in-memory record refers to a live process, or
//   - its playlist exists and the process table shows a live transcoder for
//     it, or
//   - the process table shows a transcoder younger than the adopt window,
//     still warming up.
//
// The last two adopt the newest such process into memory.
func (r *Registry) IsActive(id string) bool {
	loc := r.resolver.Locate(id)

	r.mu.Lock()
	rec, ok := r.records[id]
	r.mu.Unlock()

	if ok {
		if r.alive(rec, loc) {
			r.touch(id, rec.PID, loc)
			return true
		}
		r.logger.Debug("Dropping dead record", "source_id", id, "pid", rec.PID)
		r.UnregisterPID(id, rec.PID)
	}

	found, err := r.scanner.Find(marker(loc))
	if err != nil {
		r.logger.Warn("Process scan failed", "source_id", id, "error", err)
		return false
	}
	if len(found) == 0 {
		return false
	}

	newest := found[len(found)-1]
	playlist := loc.PlaylistExists()
	young := r.now().Sub(newest.StartedAt) < r.adoptWindow
	if !playlist && !young {
		return false
	}

	state := process.StateRunning
	if !playlist {
		state = process.StateStarting
	}
	r.adopt(id, loc, newest, state)
	return true
}

// touch refreshes liveness and promotes Starting to Running once output exists
// or the grace period elapsed.
func (r *Registry) touch(id string, pid int, loc hlspath.Locator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok || rec.PID != pid {
		return
	}
	now := r.now()
	rec.LastObservedAliveAt = now
	if rec.State == process.StateStarting && (now.Sub(rec.StartedAt) >= r.startupGrace || loc.PlaylistExists()) {
		rec.State = process.StateRunning
	}
}

func (r *Registry) adopt(id string, loc hlspath.Locator, obs process.Observed, state process.State) {
	now := r.now()
	rec := &Record{
		SourceID:            id,
		ContentHash:         loc.ContentHash,
		PID:                 obs.PID,
		StartedAt:           obs.StartedAt,
		State:               state,
		LastObservedAliveAt: now,
		DetectedBy:          DetectedByProcScan,
		Locator:             loc,
	}

	r.mu.Lock()
	if existing, ok := r.records[id]; ok && existing.PID == obs.PID {
		r.mu.Unlock()
		return
	}
	r.records[id] = rec
	r.mu.Unlock()

	r.logger.Info("Adopted running transcoder", "source_id", id, "pid", obs.PID, "state", state)
	r.publish(events.StreamAdoptedEvent{SourceID: id, PID: obs.PID, Timestamp: now})
}

// Scan returns the live transcoders for id from the process table, oldest first.
func (r *Registry) Scan(id string) ([]process.Observed, error) {
	return r.scanner.Find(marker(r.resolver.Locate(id)))
}

// Converge enforces at most one live transcoder for id: when the process
// table shows several, the most recently started one is kept and the others
// are terminated. Returns how many were terminated.
func (r *Registry) Converge(id string) int {
	found, err := r.Scan(id)
	if err != nil {
		r.logger.Warn("Process scan failed", "source_id", id, "error", err)
		return 0
	}
	if len(found) < 2 {
		return 0
	}

	keep := found[len(found)-1]
	r.logger.Warn("Duplicate transcoders found", "source_id", id, "count", len(found), "keep_pid", keep.PID)

	r.mu.Lock()
	rec, ok := r.records[id]
	r.mu.Unlock()
	if !ok || rec.PID != keep.PID {
		r.adopt(id, r.resolver.Locate(id), keep, process.StateRunning)
	}

	var terminated int
	for _, obs := range found[:len(found)-1] {
		r.terminate(id, obs.PID, rec)
		terminated++
	}
	return terminated
}

// terminate stops pid, reaping it through its handle when this process owns it.
// Returns whether SIGKILL was needed.
func (r *Registry) terminate(id string, pid int, rec *Record) bool {
	var forced bool
	var err error
	if rec != nil && rec.proc != nil && rec.PID == pid {
		res := rec.proc.Terminate(r.stopTimeout)
		forced, err = res.Forced, res.Err
	} else {
		forced, err = process.TerminatePID(pid, r.stopTimeout, r.killTimeout, r.scanner.Alive)
	}

	if forced {
		r.logger.Warn("Transcoder ignored SIGINT, killed", "source_id", id, "pid", pid, "code", ErrCodeTerminationTimeout, "timeout", r.stopTimeout)
	}
	if err != nil {
		err = terminationError(err)
		r.logger.Error("Failed to terminate transcoder", "source_id", id, "pid", pid, "code", ErrorCode(err), "error", err)
	}
	return forced
}

// terminationError tags a process that outlived SIGKILL with
// ErrCodeTerminationTimeout. Signal failures pass through.
func terminationError(err error) error {
	if errors.Is(err, process.ErrKillFailed) {
		return NewStreamError(ErrCodeTerminationTimeout, "transcoder survived SIGKILL", err)
	}
	return err
}

func (r *Registry) publish(ev events.Event) {
	if r.bus != nil {
		r.bus.Publish(ev)
	}
}

// Package recording captures short stream-copied clips of a source to MP4.
package recording

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/google/uuid"

	"github.com/kidcam/camhls/internal/events"
	"github.com/kidcam/camhls/internal/ffmpeg"
	"github.com/kidcam/camhls/internal/hlspath"
	"github.com/kidcam/camhls/internal/logging"
	"github.com/kidcam/camhls/internal/process"
	"github.com/kidcam/camhls/internal/streams"
)

// Defaults.
const (
	DefaultMaxDuration = 5 * time.Minute
	// finalizeTimeout is how long past the requested duration ffmpeg gets to
	// connect and write the trailer before it is stopped.
	finalizeTimeout = 30 * time.Second
)

var (
	ErrRecordingInProgress = errors.New("recording already in progress for source")
	ErrInvalidDuration     = errors.New("invalid recording duration")
	ErrRecordingFailed     = errors.New("recording failed")
)

// Recording describes a finished recording. It is also the manifest written
// next to the video file.
type Recording struct {
	ID         string        `json:"id"`
	SourceID   string        `json:"source_id"`
	Path       string        `json:"path"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Requested  time.Duration `json:"requested_ns"`
	Bytes      int64         `json:"bytes"`
	ExitCode   int           `json:"exit_code"`
	Error      string        `json:"error,omitempty"`
}

// ManifestPath is where the recording's manifest lives.
func (r Recording) ManifestPath() string {
	return strings.TrimSuffix(r.Path, filepath.Ext(r.Path)) + ".json"
}

// Options contains options for creating a Recorder.
type Options struct {
	Root          string // recordings root
	Binary        string
	RTSPTransport string
	LogLevel      string
	MaxDuration   time.Duration
	StopTimeout   time.Duration
	Bus           events.Publisher
	Logger        logging.Logger
}

// Recorder runs recordings, at most one per source.
type Recorder struct {
	opts Options
	now  func() time.Time

	mu     sync.Mutex
	active map[string]string // source id -> recording id
}

// New creates a Recorder.
func New(opts Options) *Recorder {
	if opts.MaxDuration <= 0 {
		opts.MaxDuration = DefaultMaxDuration
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = process.DefaultGracefulTimeout
	}
	return &Recorder{
		opts:   opts,
		now:    time.Now,
		active: make(map[string]string),
	}
}

// Active returns the recording id in progress for sourceID, if any.
func (r *Recorder) Active(sourceID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.active[sourceID]
	return id, ok
}

func (r *Recorder) claim(sourceID, id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.active[sourceID]; busy {
		return false
	}
	r.active[sourceID] = id
	return true
}

func (r *Recorder) release(sourceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, sourceID)
}

// outputPath returns {root}/YYYY/MM/DD/{hash}_{id}.mp4.
func (r *Recorder) outputPath(src streams.SourceDescriptor, id string, at time.Time) string {
	return filepath.Join(r.opts.Root, at.Format("2006"), at.Format("01"), at.Format("02"),
		hlspath.ContentHash(src.ID)+"_"+id+".mp4")
}

// Record captures duration of src and blocks until the file is finalized.
// Cancelling ctx stops the capture early; what was recorded is kept.
func (r *Recorder) Record(ctx context.Context, src streams.SourceDescriptor, duration time.Duration) (Recording, error) {
	if err := src.Validate(); err != nil {
		return Recording{}, err
	}
	if duration <= 0 || duration > r.opts.MaxDuration {
		return Recording{}, fmt.Errorf("%w: %s (max %s)", ErrInvalidDuration, duration, r.opts.MaxDuration)
	}

	id := uuid.New().String()
	if !r.claim(src.ID, id) {
		return Recording{}, fmt.Errorf("%w: %s", ErrRecordingInProgress, src.ID)
	}
	defer r.release(src.ID)

	started := r.now()
	rec := Recording{
		ID:        id,
		SourceID:  src.ID,
		Path:      r.outputPath(src, id, started),
		StartedAt: started,
		Requested: duration,
	}

	if err := os.MkdirAll(filepath.Dir(rec.Path), 0o755); err != nil {
		return rec, streams.NewStreamError(streams.ErrCodeStorageUnavailable, "cannot create recordings directory", err)
	}

	args, err := ffmpeg.BuildRecordArgs(r.opts.Binary, ffmpeg.RecordParams{
		InputURL:      src.ConnectionURI,
		RTSPTransport: r.opts.RTSPTransport,
		Output:        rec.Path,
		Duration:      duration,
		LogLevel:      r.opts.LogLevel,
	})
	if err != nil {
		return rec, err
	}

	proc := process.New("record-"+src.ID, args, r.opts.Logger)
	proc.SetLogParser(logging.GetLogger("ffmpeg").With("source_id", src.ID, "recording_id", id), ffmpeg.ParseLogLevel)
	proc.SetTimeouts(r.opts.StopTimeout, process.DefaultKillTimeout)

	r.opts.Logger.Info("Recording started", "source_id", src.ID, "recording_id", id, "duration", duration, "path", rec.Path)
	if err := proc.Start(); err != nil {
		return r.finish(rec, streams.NewStreamError(streams.ErrCodeSpawnFailure, "cannot spawn recorder", err))
	}

	deadline := time.NewTimer(duration + finalizeTimeout)
	defer deadline.Stop()

	var runErr error
	select {
	case <-proc.Done():
	case <-ctx.Done():
		proc.Terminate(r.opts.StopTimeout)
		runErr = ctx.Err()
	case <-deadline.C:
		proc.Terminate(r.opts.StopTimeout)
		runErr = fmt.Errorf("%w: did not finish within %s", ErrRecordingFailed, duration+finalizeTimeout)
	}
	rec.ExitCode = proc.ExitCode()

	if runErr == nil && rec.ExitCode != 0 {
		runErr = fmt.Errorf("%w: ffmpeg exited with code %d", ErrRecordingFailed, rec.ExitCode)
	}
	return r.finish(rec, runErr)
}

// finish sizes the output, writes the manifest and reports the result.
func (r *Recorder) finish(rec Recording, runErr error) (Recording, error) {
	rec.FinishedAt = r.now()

	if info, err := os.Stat(rec.Path); err == nil {
		rec.Bytes = info.Size()
	} else if runErr == nil {
		runErr = fmt.Errorf("%w: no output written", ErrRecordingFailed)
	}
	if runErr != nil {
		rec.Error = runErr.Error()
	}

	if err := writeManifest(rec); err != nil {
		r.opts.Logger.Warn("Failed to write recording manifest", "recording_id", rec.ID, "error", err)
	}

	if runErr != nil {
		r.opts.Logger.Warn("Recording failed", "source_id", rec.SourceID, "recording_id", rec.ID, "error", runErr)
	} else {
		r.opts.Logger.Info("Recording finished", "source_id", rec.SourceID, "recording_id", rec.ID, "bytes", rec.Bytes)
	}

	if r.opts.Bus != nil {
		r.opts.Bus.Publish(events.RecordingCompletedEvent{
			RecordingID: rec.ID,
			SourceID:    rec.SourceID,
			Path:        rec.Path,
			Duration:    rec.FinishedAt.Sub(rec.StartedAt),
			Bytes:       rec.Bytes,
			Error:       rec.Error,
			Timestamp:   rec.FinishedAt,
		})
	}
	return rec, runErr
}

func writeManifest(rec Recording) error {
	pending, err := renameio.NewPendingFile(rec.ManifestPath())
	if err != nil {
		return fmt.Errorf("create pending manifest: %w", err)
	}
	defer pending.Cleanup()

	enc := json.NewEncoder(pending)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rec); err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	return pending.CloseAtomicallyReplace()
}

// ReadManifest loads the manifest written for a recording.
func ReadManifest(path string) (Recording, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Recording{}, err
	}
	var rec Recording
	if err := json.Unmarshal(data, &rec); err != nil {
		return Recording{}, fmt.Errorf("decode manifest %s: %w", path, err)
	}
	return rec, nil
}

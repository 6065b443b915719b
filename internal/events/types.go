package events

import "time"

// Event type constants for kelindar/event.
const (
	TypeStreamStarted uint32 = iota + 1
	TypeStreamStopped
	TypeStreamExited
	TypeStreamAdopted
	TypeStartFailed
	TypeReconcileCompleted
	TypeRecordingCompleted
)

// Event interface required by kelindar/event.
type Event interface {
	Type() uint32
}

// StreamStartedEvent is published when a transcoder is spawned for a source.
type StreamStartedEvent struct {
	SourceID  string    `json:"source_id"`
	Hash      string    `json:"hash"`
	PID       int       `json:"pid"`
	Playlist  string    `json:"playlist"`
	Timestamp time.Time `json:"timestamp"`
}

// Type returns the event type identifier for StreamStartedEvent.
func (e StreamStartedEvent) Type() uint32 { return TypeStreamStarted }

// StreamStoppedEvent is published after an explicit Stop.
type StreamStoppedEvent struct {
	SourceID   string    `json:"source_id"`
	Terminated int       `json:"terminated"` // Processes that were running
	Forced     int       `json:"forced"`     // Of those, how many needed SIGKILL
	Timestamp  time.Time `json:"timestamp"`
}

// Type returns the event type identifier for StreamStoppedEvent.
func (e StreamStoppedEvent) Type() uint32 { return TypeStreamStopped }

// StreamExitedEvent is published when an owned transcoder exits on its own.
type StreamExitedEvent struct {
	SourceID  string        `json:"source_id"`
	PID       int           `json:"pid"`
	ExitCode  int           `json:"exit_code"`
	Uptime    time.Duration `json:"uptime"`
	Timestamp time.Time     `json:"timestamp"`
}

// Type returns the event type identifier for StreamExitedEvent.
func (e StreamExitedEvent) Type() uint32 { return TypeStreamExited }

// StreamAdoptedEvent is published when a transcoder found in the process
// table is taken into the registry.
type StreamAdoptedEvent struct {
	SourceID  string    `json:"source_id"`
	PID       int       `json:"pid"`
	Timestamp time.Time `json:"timestamp"`
}

// Type returns the event type identifier for StreamAdoptedEvent.
func (e StreamAdoptedEvent) Type() uint32 { return TypeStreamAdopted }

// StartFailedEvent is published when Start returns an error.
type StartFailedEvent struct {
	SourceID  string    `json:"source_id"`
	Code      string    `json:"code"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// Type returns the event type identifier for StartFailedEvent.
func (e StartFailedEvent) Type() uint32 { return TypeStartFailed }

// ReconcileCompletedEvent summarizes one monitor pass.
type ReconcileCompletedEvent struct {
	Desired   int           `json:"desired"`
	Started   int           `json:"started"`
	Failed    int           `json:"failed"`
	CatalogOK bool          `json:"catalog_ok"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

// Type returns the event type identifier for ReconcileCompletedEvent.
func (e ReconcileCompletedEvent) Type() uint32 { return TypeReconcileCompleted }

// RecordingCompletedEvent is published when a recording finishes, successfully or not.
type RecordingCompletedEvent struct {
	RecordingID string        `json:"recording_id"`
	SourceID    string        `json:"source_id"`
	Path        string        `json:"path"`
	Duration    time.Duration `json:"duration"`
	Bytes       int64         `json:"bytes"`
	Error       string        `json:"error,omitempty"`
	Timestamp   time.Time     `json:"timestamp"`
}

// Type returns the event type identifier for RecordingCompletedEvent.
func (e RecordingCompletedEvent) Type() uint32 { return TypeRecordingCompleted }

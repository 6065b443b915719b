package streams

import (
	"context"
	"strings"
	"time"

	"github.com/kidcam/camhls/internal/hlspath"
	"github.com/kidcam/camhls/internal/process"
)

// SourceDescriptor is a camera as the catalog describes it.
type SourceDescriptor struct {
	ID            string `json:"id"`
	Name          string `json:"name,omitempty"`
	ConnectionURI string `json:"connection_uri"`
	DesiredActive bool   `json:"desired_active"`
}

// Validate checks the fields the orchestrator depends on.
func (s SourceDescriptor) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return NewStreamError(ErrCodeInvalidSource, "source id is empty", nil)
	}
	if strings.TrimSpace(s.ConnectionURI) == "" {
		return NewStreamError(ErrCodeInvalidSource, "source "+s.ID+" has no connection uri", nil)
	}
	return nil
}

// Catalog provides the desired state.
type Catalog interface {
	// ListDesiredActive returns every source that should be streaming.
	ListDesiredActive(ctx context.Context) ([]SourceDescriptor, error)
}

// Detection records how the registry learned about a process.
type Detection string

// Detection sources.
const (
	DetectedByMemory   Detection = "memory"   // Spawned by this process
	DetectedByProcScan Detection = "procscan" // Found in the OS process table
)

// Record is the registry's view of one source's transcoder.
type Record struct {
	SourceID            string          `json:"source_id"`
	ContentHash         string          `json:"hash"`
	PID                 int             `json:"pid"`
	StartedAt           time.Time       `json:"started_at"`
	State               process.State   `json:"state"`
	LastObservedAliveAt time.Time       `json:"last_observed_alive_at"`
	DetectedBy          Detection       `json:"detected_by"`
	Locator             hlspath.Locator `json:"locator"`

	proc *process.Process // nil for adopted processes
}

// Owned reports whether this process spawned the transcoder.
func (r *Record) Owned() bool {
	return r.proc != nil
}

// snapshot returns a copy safe to hand out.
func (r *Record) snapshot() Record {
	c := *r
	c.proc = nil
	return c
}

// Status is the answer to a status query.
type Status struct {
	SourceID string          `json:"source_id"`
	Active   bool            `json:"active"`
	Locator  hlspath.Locator `json:"locator"`
	Record   *Record         `json:"record,omitempty"`
}

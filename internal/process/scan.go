package process

import (
	"cmp"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/prometheus/procfs"
)

// Observed is a process found in the OS process table.
type Observed struct {
	PID       int
	Args      []string
	StartedAt time.Time
}

// Scanner finds running processes by inspecting the OS process table.
type Scanner interface {
	// Find returns live processes of the scanner's binary whose argv
	// contains marker, oldest first.
	Find(marker string) ([]Observed, error)
	// Alive reports whether pid exists and is not a zombie.
	Alive(pid int) bool
	// Matches reports whether pid is alive and its argv still contains
	// marker. A pid reused by an unrelated process does not match.
	Matches(pid int, marker string) bool
}

// ProcScanner is a Scanner backed by /proc.
type ProcScanner struct {
	fs     procfs.FS
	binary string
	self   int
}

// NewProcScanner creates a scanner for processes of binary. An empty
// mountPoint uses the default /proc.
func NewProcScanner(mountPoint, binary string) (*ProcScanner, error) {
	if mountPoint == "" {
		mountPoint = procfs.DefaultMountPoint
	}
	fs, err := procfs.NewFS(mountPoint)
	if err != nil {
		return nil, fmt.Errorf("open procfs: %w", err)
	}
	return &ProcScanner{
		fs:     fs,
		binary: filepath.Base(binary),
		self:   os.Getpid(),
	}, nil
}

// Find implements Scanner.
func (s *ProcScanner) Find(marker string) ([]Observed, error) {
	procs, err := s.fs.AllProcs()
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}

	var found []Observed
	for _, p := range procs {
		if p.PID == s.self {
			continue
		}
		// Processes can vanish between listing and reading; skip them.
		args, err := p.CmdLine()
		if err != nil || len(args) == 0 {
			continue
		}
		comm, _ := p.Comm()
		if !s.matchesBinary(comm, args) || !containsMarker(args, marker) {
			continue
		}
		stat, err := p.Stat()
		if err != nil || !stateAlive(stat.State) {
			continue
		}
		started := time.Time{}
		if secs, err := stat.StartTime(); err == nil {
			started = time.Unix(0, int64(secs*float64(time.Second)))
		}
		found = append(found, Observed{PID: p.PID, Args: args, StartedAt: started})
	}

	sortOldestFirst(found)
	return found, nil
}

// sortOldestFirst orders by start time. Start times have clock-tick
// resolution, so ties fall back to the PID, which grows with each spawn
// until the kernel wraps it.
func sortOldestFirst(found []Observed) {
	slices.SortFunc(found, func(a, b Observed) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.PID, b.PID)
	})
}

// Alive implements Scanner.
func (s *ProcScanner) Alive(pid int) bool {
	p, err := s.fs.Proc(pid)
	if err != nil {
		return false
	}
	stat, err := p.Stat()
	if err != nil {
		return false
	}
	return stateAlive(stat.State)
}

// Matches implements Scanner.
func (s *ProcScanner) Matches(pid int, marker string) bool {
	p, err := s.fs.Proc(pid)
	if err != nil {
		return false
	}
	args, err := p.CmdLine()
	if err != nil || !containsMarker(args, marker) {
		return false
	}
	stat, err := p.Stat()
	return err == nil && stateAlive(stat.State)
}

// matchesBinary accepts the binary itself or an interpreter running it as a
// script. comm is truncated by the kernel to 15 bytes.
func (s *ProcScanner) matchesBinary(comm string, args []string) bool {
	name := s.binary
	if len(name) > 15 {
		name = name[:15]
	}
	if comm == name {
		return true
	}
	for _, arg := range args[:min(2, len(args))] {
		if filepath.Base(arg) == s.binary {
			return true
		}
	}
	return false
}

func containsMarker(args []string, marker string) bool {
	if marker == "" {
		return false
	}
	for _, arg := range args {
		if strings.Contains(arg, marker) {
			return true
		}
	}
	return false
}

// Z is zombie, X is dead.
func stateAlive(state string) bool {
	return state != "Z" && state != "X"
}

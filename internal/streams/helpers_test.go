package streams

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kidcam/camhls/internal/events"
	"github.com/kidcam/camhls/internal/ffmpeg"
	"github.com/kidcam/camhls/internal/hlspath"
	"github.com/kidcam/camhls/internal/lease"
	"github.com/kidcam/camhls/internal/process"
)

// fakeFFmpeg stands in for ffmpeg. It is named ffmpeg so the process scan
// recognises it. The last argument is the output pattern; the master
// playlist goes next to it. Input URLs steer its behaviour:
//
//	unreachable  exit 1 immediately
//	noplaylist   run without writing a playlist
//	stubborn     ignore SIGINT
//
// It forks only once, at startup, so a scan never sees a half-forked copy
// in steady state.
const fakeFFmpeg = `#!/bin/sh
for a in "$@"; do out="$a"; done
dir=${out%/*}
case "$*" in
*unreachable*)
	echo "[error] Connection refused" >&2
	exit 1
	;;
esac
case "$*" in
*stubborn*) trap '' INT TERM ;;
*) trap 'kill $pid 2>/dev/null; exit 0' INT TERM ;;
esac
case "$*" in
*noplaylist*) ;;
*) printf '#EXTM3U\n' > "$dir/index.m3u8" ;;
esac
sleep 1000 >/dev/null 2>&1 </dev/null &
pid=$!
wait $pid
`

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// writeFakeFFmpeg installs the fake binary in a fresh directory.
func writeFakeFFmpeg(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ffmpeg")
	require.NoError(t, os.WriteFile(path, []byte(fakeFFmpeg), 0o755))
	return path
}

// countingLauncher counts spawns.
type countingLauncher struct {
	inner    Launcher
	launches atomic.Int32
}

func (c *countingLauncher) Launch(src SourceDescriptor, loc hlspath.Locator) (*process.Process, error) {
	c.launches.Add(1)
	return c.inner.Launch(src, loc)
}

type harness struct {
	root       string
	resolver   *hlspath.Resolver
	scanner    *process.ProcScanner
	launcher   *countingLauncher
	registry   *Registry
	supervisor *Supervisor
	lease      lease.Locker
	bus        *events.Bus
}

type harnessOptions struct {
	root        string
	adoptWindow time.Duration
	lease       lease.Locker
	bus         *events.Bus
	logs        *logBuffer // registry log output; discarded when nil
}

// logBuffer collects log output written from several goroutines.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()

	root := opts.root
	if root == "" {
		root = t.TempDir()
	}
	resolver, err := hlspath.New(root)
	require.NoError(t, err)

	scanner, err := process.NewProcScanner("", "ffmpeg")
	if err != nil {
		t.Skipf("procfs unavailable: %v", err)
	}

	launcher := &countingLauncher{inner: &FFmpegLauncher{
		Binary:      writeFakeFFmpeg(t),
		Params:      ffmpeg.HLSParams{Encoder: "copy"},
		StopTimeout: time.Second,
		KillTimeout: time.Second,
		Logger:      testLogger(),
	}}

	h := &harness{
		root:     root,
		resolver: resolver,
		scanner:  scanner,
		launcher: launcher,
		lease:    opts.lease,
		bus:      opts.bus,
	}
	registryLogger := testLogger()
	if opts.logs != nil {
		registryLogger = slog.New(slog.NewTextHandler(opts.logs, nil))
	}
	h.registry = NewRegistry(RegistryOptions{
		Resolver:     resolver,
		Scanner:      scanner,
		Bus:          h.publisher(),
		Logger:       registryLogger,
		StartupGrace: 200 * time.Millisecond,
		AdoptWindow:  opts.adoptWindow,
		StopTimeout:  time.Second,
		KillTimeout:  time.Second,
	})
	h.supervisor = NewSupervisor(SupervisorOptions{
		Registry:     h.registry,
		Resolver:     resolver,
		Launcher:     launcher,
		Lease:        opts.lease,
		Bus:          h.publisher(),
		Logger:       testLogger(),
		StartupGrace: 200 * time.Millisecond,
		StopTimeout:  time.Second,
	})

	t.Cleanup(func() {
		ids := map[string]bool{}
		for _, rec := range h.registry.List() {
			ids[rec.SourceID] = true
		}
		for id := range ids {
			_ = h.supervisor.Stop(context.Background(), id)
		}
		h.supervisor.Wait()
	})
	return h
}

func (h *harness) publisher() events.Publisher {
	if h.bus == nil {
		return nil
	}
	return h.bus
}

func source(id string) SourceDescriptor {
	return SourceDescriptor{
		ID:            id,
		Name:          id,
		ConnectionURI: "rtsp://admin:pw@10.0.0.1:554/" + id,
		DesiredActive: true,
	}
}

// live returns the live transcoders for id according to the process table.
func (h *harness) live(t *testing.T, id string) []process.Observed {
	t.Helper()
	found, err := h.registry.Scan(id)
	require.NoError(t, err)
	return found
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return cond()
}

package streams

import (
	"context"
	"errors"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/kidcam/camhls/internal/events"
	"github.com/kidcam/camhls/internal/hlspath"
	"github.com/kidcam/camhls/internal/lease"
	"github.com/kidcam/camhls/internal/process"
)

func TestSupervisor_StartIsIdempotent(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	src := source("cam-7")

	first, err := h.supervisor.Start(context.Background(), src)
	require.NoError(t, err)
	second, err := h.supervisor.Start(context.Background(), src)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, "113936a6980ee2b2a5ee12b401368c17", first.ContentHash)
	assert.EqualValues(t, 1, h.launcher.launches.Load())
	assert.Len(t, h.live(t, "cam-7"), 1)
	assert.True(t, first.PlaylistExists())

	rec, ok := h.registry.Get("cam-7")
	require.True(t, ok)
	assert.Equal(t, DetectedByMemory, rec.DetectedBy)
	assert.Equal(t, process.StateRunning, rec.State)
}

func TestSupervisor_ConcurrentStartsSpawnOnce(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	src := source("cam-9")

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = h.supervisor.Start(context.Background(), src)
		}()
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.EqualValues(t, 1, h.launcher.launches.Load())
	assert.Len(t, h.live(t, "cam-9"), 1)
}

func TestSupervisor_StartUnreachableSource(t *testing.T) {
	bus := events.New()
	failures := make(chan events.StartFailedEvent, 1)
	defer events.SubscribeToChannel[events.StartFailedEvent](bus, failures)()

	h := newHarness(t, harnessOptions{bus: bus})
	src := source("cam-42")
	src.ConnectionURI = "rtsp://unreachable.invalid/cam-42"

	_, err := h.supervisor.Start(context.Background(), src)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSourceUnreachable)
	assert.Equal(t, ErrCodeSourceUnreachable, ErrorCode(err))

	assert.False(t, h.supervisor.IsActive("cam-42"))
	_, ok := h.registry.Get("cam-42")
	assert.False(t, ok)

	select {
	case ev := <-failures:
		assert.Equal(t, "cam-42", ev.SourceID)
		assert.Equal(t, ErrCodeSourceUnreachable, ev.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("start failure not published")
	}
}

func TestSupervisor_StartRejectsInvalidSource(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	_, err := h.supervisor.Start(context.Background(), SourceDescriptor{ID: "cam-1"})
	assert.ErrorIs(t, err, ErrInvalidSource)
	assert.Zero(t, h.launcher.launches.Load())
}

func TestSupervisor_StorageUnavailable(t *testing.T) {
	root := t.TempDir()
	h := newHarness(t, harnessOptions{root: root})

	// A file where the source directory should go
	loc := h.resolver.Locate("cam-5")
	require.NoError(t, os.WriteFile(loc.Dir, []byte("x"), 0o644))

	_, err := h.supervisor.Start(context.Background(), source("cam-5"))
	assert.ErrorIs(t, err, ErrStorageUnavailable)
	assert.Zero(t, h.launcher.launches.Load())
}

func TestSupervisor_StopInactiveIsNoop(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	assert.NoError(t, h.supervisor.Stop(context.Background(), "cam-nothing"))
	assert.NoError(t, h.supervisor.Stop(context.Background(), "cam-nothing"))
}

func TestSupervisor_StopTerminatesTranscoder(t *testing.T) {
	bus := events.New()
	stopped := make(chan events.StreamStoppedEvent, 1)
	exited := make(chan events.StreamExitedEvent, 1)
	defer events.SubscribeToChannel[events.StreamStoppedEvent](bus, stopped)()
	defer events.SubscribeToChannel[events.StreamExitedEvent](bus, exited)()

	h := newHarness(t, harnessOptions{bus: bus})

	_, err := h.supervisor.Start(context.Background(), source("cam-7"))
	require.NoError(t, err)
	rec, ok := h.registry.Get("cam-7")
	require.True(t, ok)

	require.NoError(t, h.supervisor.Stop(context.Background(), "cam-7"))

	assert.Empty(t, h.live(t, "cam-7"))
	assert.False(t, h.scanner.Alive(rec.PID))
	assert.False(t, h.supervisor.IsActive("cam-7"))

	select {
	case ev := <-stopped:
		assert.Equal(t, "cam-7", ev.SourceID)
		assert.Equal(t, 1, ev.Terminated)
		assert.Zero(t, ev.Forced)
	case <-time.After(2 * time.Second):
		t.Fatal("stop not published")
	}

	// Requested stops are not reported as exits
	h.supervisor.Wait()
	select {
	case ev := <-exited:
		t.Fatalf("unexpected exit event: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSupervisor_StopForcesStubbornTranscoder(t *testing.T) {
	bus := events.New()
	stopped := make(chan events.StreamStoppedEvent, 1)
	defer events.SubscribeToChannel[events.StreamStoppedEvent](bus, stopped)()

	logs := &logBuffer{}
	h := newHarness(t, harnessOptions{bus: bus, logs: logs})
	src := source("cam-8")
	src.ConnectionURI = "rtsp://10.0.0.8/stubborn"

	_, err := h.supervisor.Start(context.Background(), src)
	require.NoError(t, err)
	rec, _ := h.registry.Get("cam-8")

	require.NoError(t, h.supervisor.Stop(context.Background(), "cam-8"))
	assert.False(t, h.scanner.Alive(rec.PID))
	assert.Empty(t, h.live(t, "cam-8"))

	// The escalation is logged with its code, not returned
	assert.Contains(t, logs.String(), "code="+ErrCodeTerminationTimeout)
	assert.Contains(t, logs.String(), "source_id=cam-8")

	select {
	case ev := <-stopped:
		assert.Equal(t, 1, ev.Forced)
	case <-time.After(2 * time.Second):
		t.Fatal("stop not published")
	}
}

func TestSupervisor_StartAfterStop(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	src := source("cam-7")

	_, err := h.supervisor.Start(context.Background(), src)
	require.NoError(t, err)
	first, _ := h.registry.Get("cam-7")

	loc, err := h.supervisor.Restart(context.Background(), src)
	require.NoError(t, err)
	second, ok := h.registry.Get("cam-7")
	require.True(t, ok)

	assert.NotEqual(t, first.PID, second.PID)
	assert.Equal(t, first.Locator, loc)
	assert.EqualValues(t, 2, h.launcher.launches.Load())
	assert.Len(t, h.live(t, "cam-7"), 1)
}

func TestSupervisor_AdoptsTranscoderFromEarlierInstance(t *testing.T) {
	root := t.TempDir()
	before := newHarness(t, harnessOptions{root: root})
	_, err := before.supervisor.Start(context.Background(), source("cam-3"))
	require.NoError(t, err)
	orig, _ := before.registry.Get("cam-3")

	// A fresh instance over the same output tree
	after := newHarness(t, harnessOptions{root: root})
	loc, err := after.supervisor.Start(context.Background(), source("cam-3"))
	require.NoError(t, err)

	assert.Zero(t, after.launcher.launches.Load())
	assert.Equal(t, orig.Locator, loc)

	rec, ok := after.registry.Get("cam-3")
	require.True(t, ok)
	assert.Equal(t, orig.PID, rec.PID)
	assert.Equal(t, DetectedByProcScan, rec.DetectedBy)
	assert.False(t, rec.Owned())

	// The adopting instance can stop it
	require.NoError(t, after.supervisor.Stop(context.Background(), "cam-3"))
	assert.True(t, waitFor(t, 2*time.Second, func() bool { return !after.scanner.Alive(orig.PID) }))
}

func TestSupervisor_ReapsStaleTranscoder(t *testing.T) {
	h := newHarness(t, harnessOptions{adoptWindow: 100 * time.Millisecond})
	src := source("cam-6")
	src.ConnectionURI = "rtsp://10.0.0.6/noplaylist"

	loc, err := h.resolver.Resolve("cam-6")
	require.NoError(t, err)
	stuck, err := h.launcher.Launch(src, loc)
	require.NoError(t, err)

	time.Sleep(300 * time.Millisecond)
	require.False(t, h.supervisor.IsActive("cam-6"))

	_, err = h.supervisor.Start(context.Background(), src)
	require.NoError(t, err)

	select {
	case <-stuck.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("stale transcoder not terminated")
	}
	rec, ok := h.registry.Get("cam-6")
	require.True(t, ok)
	assert.NotEqual(t, stuck.PID(), rec.PID)
	assert.EqualValues(t, 2, h.launcher.launches.Load())
}

func TestSupervisor_ReportsUnexpectedExit(t *testing.T) {
	bus := events.New()
	exited := make(chan events.StreamExitedEvent, 1)
	defer events.SubscribeToChannel[events.StreamExitedEvent](bus, exited)()

	h := newHarness(t, harnessOptions{bus: bus})
	_, err := h.supervisor.Start(context.Background(), source("cam-7"))
	require.NoError(t, err)
	rec, _ := h.registry.Get("cam-7")

	require.NoError(t, syscall.Kill(-rec.PID, syscall.SIGKILL))

	select {
	case ev := <-exited:
		assert.Equal(t, "cam-7", ev.SourceID)
		assert.Equal(t, rec.PID, ev.PID)
		assert.Equal(t, 137, ev.ExitCode)
	case <-time.After(3 * time.Second):
		t.Fatal("exit not published")
	}
	assert.True(t, waitFor(t, time.Second, func() bool {
		_, ok := h.registry.Get("cam-7")
		return !ok
	}))
}

func TestSupervisor_LeaseHeldElsewhere(t *testing.T) {
	locks := lease.NewLocal()
	h := newHarness(t, harnessOptions{lease: locks})

	// Another worker over the same lease table
	other := locks.Holder()
	hash := hlspath.ContentHash("cam-4")
	ok, err := other.Acquire(context.Background(), hash, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	loc, err := h.supervisor.Start(context.Background(), source("cam-4"))
	require.NoError(t, err)
	assert.Equal(t, hash, loc.ContentHash)
	assert.Zero(t, h.launcher.launches.Load())

	// Stopping here leaves the other worker's lease in place
	require.NoError(t, h.supervisor.Stop(context.Background(), "cam-4"))
	ok, err = locks.Holder().Acquire(context.Background(), hash, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, other.Release(context.Background(), hash))
	_, err = h.supervisor.Start(context.Background(), source("cam-4"))
	require.NoError(t, err)
	assert.EqualValues(t, 1, h.launcher.launches.Load())

	// Released after the spawn
	ok, err = other.Acquire(context.Background(), hash, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSupervisor_StartOutlivesCallerContext(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	loc, err := h.supervisor.Start(ctx, source("cam-11"))
	require.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
	assert.Equal(t, h.resolver.Locate("cam-11"), loc)

	assert.True(t, waitFor(t, 2*time.Second, func() bool { return h.supervisor.IsActive("cam-11") }))
	assert.EqualValues(t, 1, h.launcher.launches.Load())
}

func TestSupervisor_StopAllNoLeaks(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	h := newHarness(t, harnessOptions{})
	for _, id := range []string{"cam-1", "cam-2"} {
		_, err := h.supervisor.Start(context.Background(), source(id))
		require.NoError(t, err)
	}
	require.Len(t, h.supervisor.List(), 2)

	require.NoError(t, h.supervisor.StopAll(context.Background()))
	h.supervisor.Wait()

	assert.Empty(t, h.supervisor.List())
	assert.Empty(t, h.live(t, "cam-1"))
	assert.Empty(t, h.live(t, "cam-2"))
}

func TestSupervisor_Status(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	st := h.supervisor.Status("cam-7")
	assert.False(t, st.Active)
	assert.Nil(t, st.Record)
	assert.Equal(t, "113936a6980ee2b2a5ee12b401368c17", st.Locator.ContentHash)

	_, err := h.supervisor.Start(context.Background(), source("cam-7"))
	require.NoError(t, err)

	st = h.supervisor.Status("cam-7")
	assert.True(t, st.Active)
	require.NotNil(t, st.Record)
	assert.Positive(t, st.Record.PID)
}

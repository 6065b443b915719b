package events

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
		var zero T
		return zero
	}
}

func TestBus_PublishOn(t *testing.T) {
	bus := New()
	received := make(chan StreamStartedEvent, 1)
	defer On(bus, func(e StreamStartedEvent) { received <- e })()

	want := StreamStartedEvent{SourceID: "cam-7", Hash: "113936a6980ee2b2a5ee12b401368c17", PID: 4242}
	bus.Publish(want)

	assert.Equal(t, want, recv(t, received))
}

func TestBus_EveryEventTypeIsRoutable(t *testing.T) {
	all := []Event{
		StreamStartedEvent{}, StreamStoppedEvent{}, StreamExitedEvent{}, StreamAdoptedEvent{},
		StartFailedEvent{}, ReconcileCompletedEvent{}, RecordingCompletedEvent{},
	}
	seen := map[uint32]bool{}
	for _, ev := range all {
		assert.False(t, seen[ev.Type()], "duplicate type id %d for %T", ev.Type(), ev)
		seen[ev.Type()] = true
		assert.Contains(t, publishers, ev.Type(), "%T has no publisher", ev)
	}
	assert.Len(t, publishers, len(all))
}

func TestBus_MultipleSubscribers(t *testing.T) {
	bus := New()
	a := make(chan StreamExitedEvent, 1)
	b := make(chan StreamExitedEvent, 1)
	defer On(bus, func(e StreamExitedEvent) { a <- e })()
	defer On(bus, func(e StreamExitedEvent) { b <- e })()

	bus.Publish(StreamExitedEvent{SourceID: "cam-42", ExitCode: 1})

	assert.Equal(t, "cam-42", recv(t, a).SourceID)
	assert.Equal(t, "cam-42", recv(t, b).SourceID)
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := New()
	received := make(chan StreamStoppedEvent, 1)
	unsub := On(bus, func(e StreamStoppedEvent) { received <- e })

	bus.Publish(StreamStoppedEvent{SourceID: "cam-1"})
	recv(t, received)
	unsub()

	bus.Publish(StreamStoppedEvent{SourceID: "cam-2"})
	select {
	case e := <-received:
		t.Fatalf("received %+v after unsubscribe", e)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestBus_RoutesByType(t *testing.T) {
	bus := New()
	started := make(chan StreamStartedEvent, 1)
	adopted := make(chan StreamAdoptedEvent, 1)
	defer On(bus, func(e StreamStartedEvent) { started <- e })()
	defer On(bus, func(e StreamAdoptedEvent) { adopted <- e })()

	bus.Publish(StreamStartedEvent{SourceID: "cam-3"})
	recv(t, started)

	select {
	case <-adopted:
		t.Fatal("adopted subscriber received a started event")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestBus_ConcurrentPublish(t *testing.T) {
	const senders, perSender = 10, 100
	bus := New()
	received := make(chan struct{}, senders*perSender)
	defer On(bus, func(ReconcileCompletedEvent) { received <- struct{}{} })()

	var wg sync.WaitGroup
	for range senders {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perSender {
				bus.Publish(ReconcileCompletedEvent{Desired: 1, Timestamp: time.Now()})
			}
		}()
	}
	wg.Wait()

	for range senders * perSender {
		recv(t, received)
	}
}

func TestBus_Nil(t *testing.T) {
	var bus *Bus
	bus.Publish(StreamStartedEvent{SourceID: "cam-1"})
	New().Publish(nil)
	On(bus, func(StreamStartedEvent) { t.Error("nil bus delivered an event") })()
}

func TestSubscribeToChannel(t *testing.T) {
	bus := New()
	ch := make(chan RecordingCompletedEvent, 1)
	defer SubscribeToChannel(bus, ch)()

	bus.Publish(RecordingCompletedEvent{RecordingID: "r1", SourceID: "cam-7"})
	assert.Equal(t, "r1", recv(t, ch).RecordingID)

	// A full channel drops instead of blocking the dispatcher.
	bus.Publish(RecordingCompletedEvent{RecordingID: "r2"})
	bus.Publish(RecordingCompletedEvent{RecordingID: "r3"})
	assert.Equal(t, "r2", recv(t, ch).RecordingID)
}

func TestEventJSON(t *testing.T) {
	data, err := json.Marshal(StreamExitedEvent{SourceID: "cam-42", PID: 10, ExitCode: 1, Uptime: time.Second})
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	for _, key := range []string{"source_id", "pid", "exit_code", "uptime", "timestamp"} {
		assert.Contains(t, decoded, key)
	}
}

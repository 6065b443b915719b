package metrics

import (
	"github.com/kidcam/camhls/internal/events"
)

// Subscribe feeds the collectors from lifecycle events on bus.
// The returned function removes all subscriptions.
func Subscribe(bus *events.Bus) func() {
	unsubs := []func(){
		events.On(bus, func(e events.StreamStartedEvent) {
			IncStreamStarts()
			SetStreamUp(e.SourceID)
		}),
		events.On(bus, func(e events.StreamAdoptedEvent) {
			IncStreamAdoptions()
			SetStreamUp(e.SourceID)
		}),
		events.On(bus, func(e events.StreamExitedEvent) {
			IncStreamExits(e.ExitCode)
			DeleteStream(e.SourceID)
		}),
		events.On(bus, func(e events.StreamStoppedEvent) {
			AddStreamStops(e.Forced)
			DeleteStream(e.SourceID)
		}),
		events.On(bus, func(e events.StartFailedEvent) {
			IncStartFailures(e.Code)
		}),
		events.On(bus, func(e events.ReconcileCompletedEvent) {
			ObserveReconcile(e.Desired, e.CatalogOK, e.Duration.Seconds())
		}),
		events.On(bus, func(e events.RecordingCompletedEvent) {
			ObserveRecording(e.Bytes, e.Error != "")
		}),
	}
	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}

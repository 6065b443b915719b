package events

import (
	"github.com/kelindar/event"
)

// Publisher is the publishing side of the bus.
type Publisher interface {
	Publish(ev Event)
}

// Bus broadcasts lifecycle events over a kelindar/event dispatcher.
// Delivery is asynchronous; handlers must not assume ordering across event
// types. A nil *Bus drops everything published to it.
type Bus struct {
	dispatcher *event.Dispatcher
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{dispatcher: event.NewDispatcher()}
}

// kelindar/event routes on the static type, so each event type registers a
// function that publishes it unboxed.
var publishers = map[uint32]func(*event.Dispatcher, Event){}

func register[T Event]() {
	var zero T
	publishers[zero.Type()] = func(d *event.Dispatcher, ev Event) {
		event.Publish(d, ev.(T))
	}
}

func init() {
	register[StreamStartedEvent]()
	register[StreamStoppedEvent]()
	register[StreamExitedEvent]()
	register[StreamAdoptedEvent]()
	register[StartFailedEvent]()
	register[ReconcileCompletedEvent]()
	register[RecordingCompletedEvent]()
}

// Publish delivers ev to the subscribers of its type.
func (b *Bus) Publish(ev Event) {
	if b == nil || ev == nil {
		return
	}
	if publish, ok := publishers[ev.Type()]; ok {
		publish(b.dispatcher, ev)
	}
}

// On calls fn for every event of type T and returns the unsubscribe function.
//
//	defer events.On(bus, func(e events.StreamExitedEvent) { ... })()
func On[T Event](b *Bus, fn func(T)) func() {
	if b == nil {
		return func() {}
	}
	return event.Subscribe(b.dispatcher, fn)
}

// SubscribeToChannel bridges events of type T to ch. Events are dropped when
// ch is full.
func SubscribeToChannel[T Event](b *Bus, ch chan<- T) func() {
	return On(b, func(e T) {
		select {
		case ch <- e:
		default:
		}
	})
}

package timeline

import (
	"fmt"

	"timeline/internal/event"
)

// Kind identifies a notification.
type Kind uint8

const (
	Error Kind = iota + 1
	LoadFinished
	SaveFinished
	AvailableFeaturesChanged
	VisibleFeaturesChanged
	RecordedFeaturesChanged
)

// String returns the string representation of Kind.
func (k Kind) String() string {
	switch k {
	case Error:
		return "error"
	case LoadFinished:
		return "load-finished"
	case SaveFinished:
		return "save-finished"
	case AvailableFeaturesChanged:
		return "available-features-changed"
	case VisibleFeaturesChanged:
		return "visible-features-changed"
	case RecordedFeaturesChanged:
		return "recorded-features-changed"
	default:
		return "unknown"
	}
}

// Notification reports a state change. Features carries the new mask for the
// *FeaturesChanged kinds and Message the text of an Error.
type Notification struct {
	Kind     Kind
	Features event.FeatureMask
	Message  string
}

func (n Notification) String() string {
	switch n.Kind {
	case Error:
		return fmt.Sprintf("%v: %s", n.Kind, n.Message)
	case AvailableFeaturesChanged, VisibleFeaturesChanged, RecordedFeaturesChanged:
		return fmt.Sprintf("%v %v", n.Kind, n.Features)
	default:
		return n.Kind.String()
	}
}

// Sink receives notifications. It may be called from an operation goroutine
// and must be safe for concurrent use.
type Sink interface {
	OnNotify(Notification)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Notification)

// OnNotify implements Sink.
func (f SinkFunc) OnNotify(n Notification) { f(n) }

// ChannelSink sends notifications into a channel, blocking until it accepts.
type ChannelSink struct {
	Ch chan<- Notification
}

// OnNotify implements Sink.
func (s ChannelSink) OnNotify(n Notification) {
	if s.Ch != nil {
		s.Ch <- n
	}
}

type subscription struct {
	id   uint64
	sink Sink
}

// Subscribe registers sink and returns a function that removes it.
func (m *Manager) Subscribe(sink Sink) (unsubscribe func()) {
	if sink == nil {
		return func() {}
	}
	m.mu.Lock()
	m.nextSub++
	id := m.nextSub
	m.subs = append(m.subs, subscription{id: id, sink: sink})
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, s := range m.subs {
			if s.id == id {
				m.subs = append(m.subs[:i:i], m.subs[i+1:]...)
				return
			}
		}
	}
}

// emit delivers ns to every subscriber in subscription order. Callers must
// not hold m.mu.
func (m *Manager) emit(ns ...Notification) {
	if len(ns) == 0 {
		return
	}
	m.mu.Lock()
	subs := make([]Sink, len(m.subs))
	for i, s := range m.subs {
		subs[i] = s.sink
	}
	m.mu.Unlock()

	for _, n := range ns {
		for _, sink := range subs {
			sink.OnNotify(n)
		}
	}
}

package scheduler

// EventKind names a scheduler event delivered to an EventSink.
type EventKind string

const (
	EventScaling         EventKind = "scaling"
	EventPhaseTransition EventKind = "phase_transition"
)

// EventSink receives scaling and phase events. OnEvent runs on the tick
// goroutine and must not block.
type EventSink interface {
	OnEvent(kind EventKind, payload any)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(kind EventKind, payload any)

func (f EventSinkFunc) OnEvent(kind EventKind, payload any) { f(kind, payload) }

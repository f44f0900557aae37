package agent

import "github.com/nextlevelbuilder/clawlane/internal/store"

// Phase of a turn event as seen by subscribers.
type Phase string

const (
	PhaseDelta   Phase = "delta"
	PhaseFinal   Phase = "final"
	PhaseAborted Phase = "aborted"
	PhaseError   Phase = "error"
)

// Event is emitted by the runner in generation order. Exactly one event per
// turn has a terminal phase, and it is always the last.
type Event struct {
	TurnID     string
	SessionKey string
	Seq        int
	Phase      Phase
	Delta      string        // set on PhaseDelta
	Payload    *ReplyPayload // frozen; set on terminal phases
	Err        error         // set on PhaseAborted and PhaseError
}

// Terminal reports whether the event ends the turn.
func (e Event) Terminal() bool { return e.Phase != PhaseDelta }

// EventSink receives a turn's events from the turn's own goroutine.
// Implementations must not block for long.
type EventSink interface {
	Emit(Event)
}

// SinkFunc adapts a function to EventSink.
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

// PhaseFor maps a persisted outcome to its terminal phase.
func PhaseFor(o store.Outcome) Phase {
	switch o {
	case store.OutcomeFinal:
		return PhaseFinal
	case store.OutcomeAborted:
		return PhaseAborted
	default:
		return PhaseError
	}
}

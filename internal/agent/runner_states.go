package agent

import "fmt"

type runState int

const (
	stateAttempting runState = iota
	stateStreaming
	stateCompacting
	stateRotateNext
	stateTooling
	stateTerminated
)

var stateNames = [...]string{"attempting", "streaming", "compacting", "rotate_next", "tooling", "terminated"}

func (s runState) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

type runEvent int

const (
	evCallOK runEvent = iota
	evToolCalls
	evTransportError
	evRateLimited
	evOverflow
	evPartialFailure
	evExhausted
	evCancelled
	evFatal
	evToolsDone
	evCompacted
	evRotated
)

var eventNames = [...]string{
	"call_ok", "tool_calls", "transport_error", "rate_limited", "overflow",
	"partial_failure", "exhausted", "cancelled", "fatal", "tools_done",
	"compacted", "rotated",
}

func (e runEvent) String() string {
	if int(e) < len(eventNames) {
		return eventNames[e]
	}
	return fmt.Sprintf("event(%d)", int(e))
}

type transitionKey struct {
	from runState
	on   runEvent
}

// transitions is the complete runner state machine. Any pair missing here
// is a bug and terminates the turn with ErrIllegalTransition.
//
// attempting: pre-call checks and the call up to its first content chunk.
// streaming: the rest of the stream after content has been emitted, or the
// completed response when the provider produced nothing incrementally.
var transitions = map[transitionKey]runState{
	{stateAttempting, evCallOK}:         stateStreaming,
	{stateAttempting, evTransportError}: stateRotateNext,
	{stateAttempting, evRateLimited}:    stateRotateNext,
	{stateAttempting, evOverflow}:       stateCompacting,
	{stateAttempting, evPartialFailure}: stateTerminated,
	{stateAttempting, evCancelled}:      stateTerminated,
	{stateAttempting, evFatal}:          stateTerminated,

	{stateStreaming, evCallOK}:         stateTerminated,
	{stateStreaming, evToolCalls}:      stateTooling,
	{stateStreaming, evTransportError}: stateRotateNext,
	{stateStreaming, evRateLimited}:    stateRotateNext,
	{stateStreaming, evOverflow}:       stateCompacting,
	{stateStreaming, evPartialFailure}: stateTerminated,
	{stateStreaming, evCancelled}:      stateTerminated,
	{stateStreaming, evFatal}:          stateTerminated,

	{stateCompacting, evCompacted}: stateAttempting,
	{stateCompacting, evOverflow}:  stateTerminated,
	{stateCompacting, evCancelled}: stateTerminated,
	{stateCompacting, evFatal}:     stateTerminated,

	{stateRotateNext, evRotated}:   stateAttempting,
	{stateRotateNext, evExhausted}: stateTerminated,
	{stateRotateNext, evCancelled}: stateTerminated,

	{stateTooling, evToolsDone}: stateAttempting,
	{stateTooling, evCancelled}: stateTerminated,
	{stateTooling, evFatal}:     stateTerminated,
}

func nextState(from runState, on runEvent) (runState, error) {
	to, ok := transitions[transitionKey{from, on}]
	if !ok {
		return stateTerminated, fmt.Errorf("%w: %s on %s", ErrIllegalTransition, from, on)
	}
	return to, nil
}

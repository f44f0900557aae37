package agent

import "errors"

var (
	// ErrCancelled is the error carried by an aborted outcome.
	ErrCancelled = errors.New("turn cancelled")

	// ErrPayloadFrozen is returned by appends after Freeze.
	ErrPayloadFrozen = errors.New("reply payload is frozen")

	// ErrNoProviders means the agent's binding resolved to no registered provider.
	ErrNoProviders = errors.New("no providers available for agent")

	// ErrExhausted means every provider and credential of the binding failed.
	ErrExhausted = errors.New("all providers exhausted")

	// ErrContextOverflow means the prompt still exceeded the context window
	// after the turn's single compaction.
	ErrContextOverflow = errors.New("context overflow after compaction")

	// ErrPartialFailure means the provider failed after content had already
	// been streamed, so the turn could not be retried elsewhere.
	ErrPartialFailure = errors.New("provider failed mid-stream")

	// ErrMaxIterations means the model kept requesting tools past the limit.
	ErrMaxIterations = errors.New("tool iteration limit reached")

	// ErrIllegalTransition signals a bug in the runner state machine.
	ErrIllegalTransition = errors.New("illegal runner state transition")
)

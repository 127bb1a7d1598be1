package core

import "errors"

var (
	// ErrTargetClosed is returned when an operation needs an accepting target
	ErrTargetClosed = errors.New("target is not accepting entries")
	// ErrAlreadyLinked is returned when a target is linked to a manager twice
	ErrAlreadyLinked = errors.New("target already linked")
	// ErrInvalidParallelism is returned for a negative degree of parallelism
	ErrInvalidParallelism = errors.New("max degree of parallelism must be positive")
	// ErrUnknownPlugin is returned when no factory is registered for a plugin type
	ErrUnknownPlugin = errors.New("unknown plugin type")
	// ErrTargetPanic wraps a panic recovered from a sink
	ErrTargetPanic = errors.New("sink panicked")
	// ErrManagerFaulted is the fault reason used when the manager faults its targets
	ErrManagerFaulted = errors.New("log manager faulted")
)

// ErrManagerCompleted is returned when configuring a manager that already completed
var ErrManagerCompleted = errors.New("log manager already completed")

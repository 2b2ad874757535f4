package taskqueue

import "github.com/itskum47/taskqueue/core"

// Aliased from core for the same reason as types.go.

var (
	ErrNoFactory    = core.ErrNoFactory
	ErrUnknownGroup = core.ErrUnknownGroup
	ErrShuttingDown = core.ErrShuttingDown
)

type (
	SchemaError         = core.SchemaError
	PersistenceError    = core.PersistenceError
	QueueError          = core.QueueError
	CircuitBreakerError = core.CircuitBreakerError
	ThrottleError       = core.ThrottleError
	TaskTimeoutError    = core.TaskTimeoutError
)

package taskqueue

import "github.com/itskum47/taskqueue/core"

// The types below are aliased from the core package so that callers of
// this module's public API never need to import the internal core
// package directly, while every internal subsystem (storage, queue,
// breaker, throttle, health, events) shares one canonical definition
// free of an import cycle back to this façade package.

type (
	ResourceGroup = core.ResourceGroup
	OperationType = core.OperationType
	TaskStatus    = core.TaskStatus
	Operation     = core.Operation
	Factory       = core.Factory
	Task          = core.Task
	PersistedTask = core.PersistedTask
	SessionStatus = core.SessionStatus
	Session       = core.Session
	SubmitOptions = core.SubmitOptions
	QueueStatus   = core.QueueStatus
	Status        = core.Status
	GroupStats    = core.GroupStats
	QueueMetrics  = core.QueueMetrics
	Heartbeat     = core.Heartbeat
)

const (
	GroupFilesystem      = core.GroupFilesystem
	GroupNetwork         = core.GroupNetwork
	GroupComputation     = core.GroupComputation
	GroupMemoryIntensive = core.GroupMemoryIntensive

	OpFileRead       = core.OpFileRead
	OpFileWrite      = core.OpFileWrite
	OpDirectoryList  = core.OpDirectoryList
	OpFindFiles      = core.OpFindFiles
	OpNetworkRequest = core.OpNetworkRequest
	OpComputation    = core.OpComputation
	OpMemoryOp       = core.OpMemoryOp

	StatusPending   = core.StatusPending
	StatusRunning   = core.StatusRunning
	StatusCompleted = core.StatusCompleted
	StatusFailed    = core.StatusFailed
	StatusCancelled = core.StatusCancelled
	StatusRetry     = core.StatusRetry

	SessionActive    = core.SessionActive
	SessionCompleted = core.SessionCompleted
	SessionCancelled = core.SessionCancelled
	SessionCrashed   = core.SessionCrashed
)

var allGroups = []ResourceGroup{GroupFilesystem, GroupNetwork, GroupComputation, GroupMemoryIntensive}

package core

import (
	"context"
	"time"
)

// ResourceGroup partitions work into an independent queue, worker pool,
// breaker, and throttle.
type ResourceGroup string

const (
	GroupFilesystem      ResourceGroup = "filesystem"
	GroupNetwork         ResourceGroup = "network"
	GroupComputation     ResourceGroup = "computation"
	GroupMemoryIntensive ResourceGroup = "memory-intensive"
)

var allGroups = []ResourceGroup{GroupFilesystem, GroupNetwork, GroupComputation, GroupMemoryIntensive}

// OperationType tags the semantic intent of a task. Informational only;
// it never affects scheduling.
type OperationType string

const (
	OpFileRead       OperationType = "file-read"
	OpFileWrite      OperationType = "file-write"
	OpDirectoryList  OperationType = "directory-list"
	OpFindFiles      OperationType = "find-files"
	OpNetworkRequest OperationType = "network-request"
	OpComputation    OperationType = "computation"
	OpMemoryOp       OperationType = "memory-operation"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusCancelled TaskStatus = "cancelled"
	StatusRetry     TaskStatus = "retry"
)

// Operation is the executable unit of work a Task carries. It is never
// persisted; only OperationData is. On crash recovery the façade rebuilds
// Operation from OperationData via a registered Factory keyed by Type.
type Operation func(ctx context.Context) (string, error)

// Factory reconstructs an Operation from its serialized descriptor after
// recovery. Registered per OperationType via RegisterFactory.
type Factory func(operationData []byte) (Operation, error)

// Task is the in-memory unit of work accepted by the scheduler.
type Task struct {
	ID                string
	SessionID         string
	Type              OperationType
	ResourceGroup     ResourceGroup
	Priority          int // 1 = highest ... 10 = lowest; default 5
	MaxRetries        int // default 3
	EstimatedDuration time.Duration
	OperationData     []byte
	Operation         Operation

	// CreatedAt and RetryCount are threaded through so the in-process
	// heap can compute the aging score without a store round-trip.
	CreatedAt  time.Time
	RetryCount int
}

// PersistedTask is the durable superset of Task tracked at L0.
type PersistedTask struct {
	ID                string
	SessionID         string
	Type              OperationType
	ResourceGroup     ResourceGroup
	Priority          int
	MaxRetries        int
	EstimatedDuration time.Duration
	OperationData     []byte

	Status        TaskStatus
	CreatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
	ActualDuration time.Duration
	RetryCount    int
	LastError     string
	ErrorStack    string

	FilePath string
	FileSize int64
	FileHash string

	ResultData string

	MemoryUsageKB int64
	CPUTimeMS     int64
}

// SessionStatus is the lifecycle state of a Session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionCancelled SessionStatus = "cancelled"
	SessionCrashed   SessionStatus = "crashed"
)

// Session represents one run of the owning process; the unit of recovery.
type Session struct {
	SessionID        string
	CreatedAt        time.Time
	StartedAt        *time.Time
	LastActivity     *time.Time
	EndedAt          *time.Time
	CommandLine      string
	WorkingDirectory string
	ProcessID        int
	RunningTasks     int
	CompletedTasks   int
	FailedTasks      int
	Status           SessionStatus
}

// SubmitOptions customizes a single submission; a zero Priority falls
// back to 5 and a zero MaxRetries to 3.
type SubmitOptions struct {
	Priority          int
	MaxRetries        int
	EstimatedDuration time.Duration
	OperationData     []byte
	IsMemoryIntensive bool
}

// QueueStatus is a snapshot of one resource group's queue state.
type QueueStatus struct {
	ResourceGroup ResourceGroup
	Paused        bool
	StagedCount   int
	RunningCount  int
	ThrottleLimit int
	BreakerState  string
	LastProcessed time.Time
}

// Status is the façade-level snapshot returned by GetStatus.
type Status struct {
	SessionID string
	Queues    map[ResourceGroup]QueueStatus
	Metrics   QueueMetrics
}

// GroupStats rolls up per-group counters for QueueMetrics.
type GroupStats struct {
	Pending   int
	Running   int
	Completed int
	Failed    int
	Cancelled int
}

// QueueMetrics is the aggregated metrics snapshot produced by Monitor.
type QueueMetrics struct {
	SessionID              string
	SnapshotTime           time.Time
	TotalSubmitted         int
	TotalCompleted         int
	TotalFailed            int
	TotalCancelled         int
	PerGroup               map[ResourceGroup]GroupStats
	SuccessRate            float64
	AverageProcessingTimeMS float64
	ThroughputPerMinute    float64
	MemoryUsageMB          float64
	QueueDepth             int
}

// Heartbeat is the periodic health snapshot persisted per session.
type Heartbeat struct {
	ProcessID           int
	SessionID           string
	Timestamp           time.Time
	MemoryRSSKB         int64
	HeapUsedKB          int64
	HeapTotalKB         int64
	ExternalKB          int64
	UptimeSeconds        float64
	ConsecutiveFailures int
	MemoryLeakDetected  bool
	GCTriggered         bool
	CircuitBreakerOpen  bool
	IsHealthy           bool
}

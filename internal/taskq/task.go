package taskq

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// WorkFunc is one unit of deferred work. Implementations must honor ctx:
// cancellation and the per-task timeout are delivered through it, and a
// func that ignores ctx can only be cancelled between attempts.
type WorkFunc func(ctx context.Context) (any, error)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusRetry     Status = "retry"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition can occur.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

type Priority int

const (
	PriorityLow Priority = iota + 1
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Options is the per-task policy, fixed at submission.
type Options struct {
	Priority   Priority
	MaxRetries int
	RetryDelay time.Duration // base delay for exponential backoff
	Timeout    time.Duration // wall-clock bound per execution attempt
}

// DefaultOptions mirrors the queue-wide defaults: normal priority,
// 3 retries, 60s base delay, 5 minute timeout.
func DefaultOptions() Options {
	return Options{
		Priority:   PriorityNormal,
		MaxRetries: 3,
		RetryDelay: 60 * time.Second,
		Timeout:    5 * time.Minute,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Priority < PriorityLow || o.Priority > PriorityCritical {
		o.Priority = d.Priority
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = d.MaxRetries
	}
	if o.RetryDelay < 0 {
		o.RetryDelay = d.RetryDelay
	}
	if o.Timeout <= 0 {
		o.Timeout = d.Timeout
	}
	return o
}

// Task is one registered unit of work. The queue owns the record for the
// task's whole lifetime; callers only ever see snapshots.
type Task struct {
	ID         string
	Name       string
	Priority   Priority
	MaxRetries int
	RetryDelay time.Duration
	Timeout    time.Duration

	Status      Status
	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
	RetryCount  int
	LastError   string
	Result      any

	fn     WorkFunc
	seq    uint64             // submission order, ties within a priority
	cancel context.CancelFunc // set while running
}

func newTask(name string, fn WorkFunc, opts Options, seq uint64) *Task {
	opts = opts.withDefaults()
	return &Task{
		ID:         "tsk_" + uuid.NewString(),
		Name:       name,
		Priority:   opts.Priority,
		MaxRetries: opts.MaxRetries,
		RetryDelay: opts.RetryDelay,
		Timeout:    opts.Timeout,
		Status:     StatusPending,
		CreatedAt:  time.Now().UTC(),
		fn:         fn,
		seq:        seq,
	}
}

// StatusView is an immutable snapshot of a task, safe to hand to callers.
type StatusView struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Status      Status     `json:"status"`
	Priority    string     `json:"priority"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
	RetryCount  int        `json:"retry_count"`
	MaxRetries  int        `json:"max_retries"`
	LastError   string     `json:"last_error,omitempty"`
	Result      string     `json:"result,omitempty"`
}

// RunningTask is the abbreviated view used by the running-tasks listing.
type RunningTask struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	StartedAt time.Time `json:"started_at"`
	Priority  string    `json:"priority"`
}

// Stats are the aggregate queue counters. Total, Completed, Failed and
// Retried are monotonic; the rest are point-in-time gauges.
type Stats struct {
	Total     uint64 `json:"total_tasks"`
	Completed uint64 `json:"completed_tasks"`
	Failed    uint64 `json:"failed_tasks"`
	Retried   uint64 `json:"retry_tasks"`
	Pending   int    `json:"pending_tasks"`
	Running   int    `json:"running_tasks"`
	Workers   int    `json:"workers"`
	IsRunning bool   `json:"is_running"`
}

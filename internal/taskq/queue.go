package taskq

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrQueueStopped is returned by Submit once Stop has been called.
	ErrQueueStopped = errors.New("task queue is stopped")
	// ErrNilWork is returned by Submit when the work func is nil.
	ErrNilWork = errors.New("nil work func")
)

// Config tunes a Queue. Zero values other than Workers fall back to the
// defaults below.
type Config struct {
	Workers    int
	BackoffCap time.Duration // ceiling for the exponential retry delay
	Poll       time.Duration // idle worker wake-up interval
}

func DefaultConfig() Config {
	return Config{
		Workers:    5,
		BackoffCap: time.Hour,
		Poll:       time.Second,
	}
}

// Queue executes submitted work across a fixed pool of workers, highest
// priority first, with bounded exponential-backoff retries. All shared
// state sits behind one mutex; workers never hold it while executing.
type Queue struct {
	workers    int
	backoffCap time.Duration
	poll       time.Duration
	log        zerolog.Logger

	mu      sync.Mutex
	tasks   map[string]*Task
	pending pendingHeap
	timers  map[string]*time.Timer
	running map[string]struct{}
	seq     uint64

	pendingCount int
	total        uint64
	completed    uint64
	failed       uint64
	retried      uint64

	isRunning bool
	stopped   bool
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	wake      chan struct{}
}

func New(cfg Config, log zerolog.Logger) (*Queue, error) {
	if cfg.Workers <= 0 {
		return nil, fmt.Errorf("task queue needs at least one worker, got %d", cfg.Workers)
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = DefaultConfig().BackoffCap
	}
	if cfg.Poll <= 0 {
		cfg.Poll = DefaultConfig().Poll
	}
	return &Queue{
		workers:    cfg.Workers,
		backoffCap: cfg.BackoffCap,
		poll:       cfg.Poll,
		log:        log,
		tasks:      make(map[string]*Task),
		timers:     make(map[string]*time.Timer),
		running:    make(map[string]struct{}),
		wake:       make(chan struct{}, 1),
	}, nil
}

// Start spawns the worker loops. Calling Start on a running queue is a
// logged no-op; a stopped queue cannot be restarted.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		q.log.Warn().Msg("task queue already stopped, not restarting")
		return
	}
	if q.isRunning {
		q.log.Warn().Msg("task queue already running")
		return
	}

	q.ctx, q.cancel = context.WithCancel(context.Background())
	q.isRunning = true
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}
	q.log.Info().Int("workers", q.workers).Msg("task queue started")
}

// Stop cancels all running tasks, releases pending backoff timers and
// waits for the worker loops to exit. Submit rejects afterwards.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.isRunning && q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	wasRunning := q.isRunning
	q.isRunning = false

	for id := range q.running {
		if t := q.tasks[id]; t != nil && t.cancel != nil {
			t.cancel()
			q.log.Info().Str("task_id", id).Str("task", t.Name).Msg("cancelling running task")
		}
	}
	for id, timer := range q.timers {
		timer.Stop()
		delete(q.timers, id)
		if t := q.tasks[id]; t != nil && t.Status == StatusRetry {
			t.Status = StatusCancelled
			t.CompletedAt = time.Now().UTC()
		}
	}
	q.mu.Unlock()

	if wasRunning {
		q.cancel()
		q.wg.Wait()
	}
	q.log.Info().Msg("task queue stopped")
}

// Submit registers fn for deferred execution and returns its task id.
// It never blocks; the task waits in the priority queue until a worker
// is free (or until Start, if the queue has not been started yet).
func (q *Queue) Submit(name string, fn WorkFunc, opts Options) (string, error) {
	if fn == nil {
		return "", ErrNilWork
	}

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return "", ErrQueueStopped
	}
	q.seq++
	t := newTask(name, fn, opts, q.seq)
	q.tasks[t.ID] = t
	q.total++
	q.pendingCount++
	heap.Push(&q.pending, pendingEntry{id: t.ID, priority: t.Priority, seq: t.seq})
	q.mu.Unlock()

	q.log.Info().
		Str("task_id", t.ID).
		Str("task", t.Name).
		Str("priority", t.Priority.String()).
		Msg("task submitted")

	q.signal()
	return t.ID, nil
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) worker(id int) {
	defer q.wg.Done()
	log := q.log.With().Int("worker", id).Logger()
	log.Debug().Msg("worker started")

	for {
		select {
		case <-q.ctx.Done():
			log.Debug().Msg("worker stopped")
			return
		default:
		}

		t, execCtx := q.next()
		if t == nil {
			select {
			case <-q.ctx.Done():
				log.Debug().Msg("worker stopped")
				return
			case <-q.wake:
			case <-time.After(q.poll):
			}
			continue
		}
		q.execute(execCtx, t, log)
	}
}

// next pops the highest-priority pending task and transitions it to
// RUNNING. Entries whose task was cancelled (or cleaned up) between
// enqueue and dequeue are discarded.
func (q *Queue) next() (*Task, context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.pending.Len() > 0 {
		e := heap.Pop(&q.pending).(pendingEntry)
		t, ok := q.tasks[e.id]
		if !ok || t.Status != StatusPending || t.seq != e.seq {
			continue
		}
		q.pendingCount--
		t.Status = StatusRunning
		t.StartedAt = time.Now().UTC()
		execCtx, cancel := context.WithCancel(q.ctx)
		t.cancel = cancel
		q.running[t.ID] = struct{}{}
		return t, execCtx
	}
	return nil, nil
}

func (q *Queue) execute(ctx context.Context, t *Task, log zerolog.Logger) {
	log.Info().Str("task_id", t.ID).Str("task", t.Name).Msg("executing task")

	attemptCtx, cancelAttempt := context.WithTimeout(ctx, t.Timeout)
	result, err := q.runWork(attemptCtx, t.fn)
	cancelAttempt()

	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.running, t.ID)
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}

	// Cancel may have won the race while the work func was finishing.
	if t.Status == StatusCancelled {
		return
	}

	if err == nil {
		t.Status = StatusCompleted
		t.Result = result
		t.CompletedAt = time.Now().UTC()
		q.completed++
		log.Info().Str("task_id", t.ID).Str("task", t.Name).Msg("task completed")
		return
	}

	if errors.Is(err, context.Canceled) {
		t.Status = StatusCancelled
		t.CompletedAt = time.Now().UTC()
		log.Info().Str("task_id", t.ID).Str("task", t.Name).Msg("task cancelled")
		return
	}

	msg := err.Error()
	if errors.Is(err, context.DeadlineExceeded) {
		msg = fmt.Sprintf("task timed out after %s", t.Timeout)
	}
	t.LastError = msg

	if t.RetryCount < t.MaxRetries {
		t.RetryCount++
		t.Status = StatusRetry
		q.retried++
		delay := backoffDelay(t.RetryDelay, t.RetryCount, q.backoffCap)
		q.scheduleRetry(t, delay)
		log.Warn().
			Str("task_id", t.ID).
			Str("task", t.Name).
			Int("attempt", t.RetryCount).
			Int("max_retries", t.MaxRetries).
			Dur("delay", delay).
			Str("error", msg).
			Msg("task failed, retry scheduled")
		return
	}

	t.Status = StatusFailed
	t.CompletedAt = time.Now().UTC()
	q.failed++
	log.Error().
		Str("task_id", t.ID).
		Str("task", t.Name).
		Int("retries", t.RetryCount).
		Str("error", msg).
		Msg("task failed permanently")
}

// runWork executes fn in its own goroutine so a func that ignores ctx
// cannot pin a worker past its timeout. Panics become ordinary errors.
func (q *Queue) runWork(ctx context.Context, fn WorkFunc) (any, error) {
	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				q.log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("task panicked")
				done <- outcome{err: fmt.Errorf("task panicked: %v", r)}
			}
		}()
		result, err := fn(ctx)
		done <- outcome{result: result, err: err}
	}()

	select {
	case o := <-done:
		return o.result, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// backoffDelay is base * 2^(attempt-1), clamped to ceil.
func backoffDelay(base time.Duration, attempt int, ceil time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= ceil {
			return ceil
		}
	}
	if d > ceil {
		return ceil
	}
	return d
}

// scheduleRetry arms a runtime timer that re-queues the task after its
// backoff delay. Deferred re-submission keeps workers free during the
// backoff window. Caller holds q.mu.
func (q *Queue) scheduleRetry(t *Task, delay time.Duration) {
	id := t.ID
	q.timers[id] = time.AfterFunc(delay, func() { q.requeue(id) })
}

func (q *Queue) requeue(id string) {
	q.mu.Lock()
	delete(q.timers, id)
	t, ok := q.tasks[id]
	if !ok || t.Status != StatusRetry || q.stopped {
		q.mu.Unlock()
		return
	}
	t.Status = StatusPending
	q.seq++
	t.seq = q.seq
	q.pendingCount++
	heap.Push(&q.pending, pendingEntry{id: t.ID, priority: t.Priority, seq: t.seq})
	q.mu.Unlock()
	q.signal()
}

// Status returns a snapshot of one task, or false if the id is unknown.
func (q *Queue) Status(id string) (StatusView, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[id]
	if !ok {
		return StatusView{}, false
	}
	return snapshot(t), true
}

func snapshot(t *Task) StatusView {
	v := StatusView{
		ID:         t.ID,
		Name:       t.Name,
		Status:     t.Status,
		Priority:   t.Priority.String(),
		CreatedAt:  t.CreatedAt,
		RetryCount: t.RetryCount,
		MaxRetries: t.MaxRetries,
		LastError:  t.LastError,
	}
	if !t.StartedAt.IsZero() {
		started := t.StartedAt
		v.StartedAt = &started
	}
	if !t.CompletedAt.IsZero() {
		completed := t.CompletedAt
		v.CompletedAt = &completed
	}
	if t.Result != nil {
		v.Result = fmt.Sprintf("%v", t.Result)
	}
	return v
}

// Stats returns the aggregate queue counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	workers := 0
	if q.isRunning {
		workers = q.workers
	}
	return Stats{
		Total:     q.total,
		Completed: q.completed,
		Failed:    q.failed,
		Retried:   q.retried,
		Pending:   q.pendingCount,
		Running:   len(q.running),
		Workers:   workers,
		IsRunning: q.isRunning,
	}
}

// Running lists tasks currently being executed.
func (q *Queue) Running() []RunningTask {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]RunningTask, 0, len(q.running))
	for id := range q.running {
		t, ok := q.tasks[id]
		if !ok {
			continue
		}
		out = append(out, RunningTask{
			ID:        t.ID,
			Name:      t.Name,
			StartedAt: t.StartedAt,
			Priority:  t.Priority.String(),
		})
	}
	return out
}

// Cancel marks a task cancelled, interrupting it if it is running.
// It returns false only when the id is unknown; cancelling a task that
// already reached a terminal state is a no-op.
func (q *Queue) Cancel(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[id]
	if !ok {
		return false
	}
	if t.Status.Terminal() {
		return true
	}

	if timer, ok := q.timers[id]; ok {
		timer.Stop()
		delete(q.timers, id)
	}
	if t.Status == StatusPending {
		q.pendingCount--
	}
	if t.cancel != nil {
		t.cancel()
	}
	t.Status = StatusCancelled
	t.CompletedAt = time.Now().UTC()
	q.log.Info().Str("task_id", id).Str("task", t.Name).Msg("task cancelled")
	return true
}

// Cleanup drops terminal tasks whose completion is older than the
// cutoff. Active tasks are never touched. Returns the number removed.
func (q *Queue) Cleanup(olderThan time.Duration) int {
	cutoff := time.Now().UTC().Add(-olderThan)

	q.mu.Lock()
	defer q.mu.Unlock()

	removed := 0
	for id, t := range q.tasks {
		if t.Status.Terminal() && !t.CompletedAt.IsZero() && t.CompletedAt.Before(cutoff) {
			delete(q.tasks, id)
			removed++
		}
	}
	if removed > 0 {
		q.log.Info().Int("removed", removed).Msg("cleaned up old tasks")
	}
	return removed
}

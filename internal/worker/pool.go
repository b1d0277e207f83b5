// Package worker implements the reactor pool that pins each Session to
// exactly one long-lived goroutine for its entire lifetime. Every event
// that touches a Session's state — bytes arriving from the VM side, bytes
// arriving from a subscriber, a migration-protocol transition — is
// dispatched as a Task onto that Session's reactor, so a single Session is
// never processed by two goroutines concurrently and its events are
// strictly ordered.
package worker

import (
	"context"
	"fmt"
	"hash/fnv"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// Task represents one unit of work belonging to a pinned Session.
type Task interface {
	Execute(ctx context.Context) error
	GetID() string
	GetTimeout() time.Duration
}

// TaskFunc adapts a plain function to the Task interface.
type TaskFunc struct {
	ID      string
	Timeout time.Duration
	Fn      func(ctx context.Context) error
}

// Execute implements Task.
func (tf *TaskFunc) Execute(ctx context.Context) error { return tf.Fn(ctx) }

// GetID implements Task.
func (tf *TaskFunc) GetID() string { return tf.ID }

// GetTimeout implements Task.
func (tf *TaskFunc) GetTimeout() time.Duration { return tf.Timeout }

// PoolConfig configures a ReactorPool.
type PoolConfig struct {
	ReactorCount int           // number of pinned reactor goroutines; 0 means runtime.NumCPU()
	QueueSize    int           // per-reactor task queue depth
	TaskTimeout  time.Duration // default timeout applied when a task reports none
}

// DefaultPoolConfig returns sensible pool defaults.
func DefaultPoolConfig() *PoolConfig {
	return &PoolConfig{
		ReactorCount: runtime.NumCPU(),
		QueueSize:    256,
		TaskTimeout:  30 * time.Second,
	}
}

// reactor is a single pinned worker goroutine. A Session's events all land
// on the same reactor's taskChan for the Session's lifetime.
type reactor struct {
	id       int
	taskChan chan Task
	pool     *ReactorPool
}

// ReactorPool is a fixed-size pool of reactors. Sessions are pinned to a
// reactor by a stable hash of their Session ID, not dynamically scaled —
// scaling the reactor count would change which reactor a live Session is
// pinned to, which is exactly the invariant this pool exists to hold.
type ReactorPool struct {
	reactors    []*reactor
	taskTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stats poolStats
}

type poolStats struct {
	tasksSubmitted int64
	tasksCompleted int64
	tasksFailed    int64
	tasksRejected  int64
}

// PoolStats is a point-in-time snapshot of ReactorPool activity.
type PoolStats struct {
	ReactorCount   int
	TasksSubmitted int64
	TasksCompleted int64
	TasksFailed    int64
	TasksRejected  int64
}

// NewReactorPool creates and starts a ReactorPool.
func NewReactorPool(config *PoolConfig) *ReactorPool {
	if config == nil {
		config = DefaultPoolConfig()
	}
	count := config.ReactorCount
	if count <= 0 {
		count = runtime.NumCPU()
	}

	ctx, cancel := context.WithCancel(context.Background())

	pool := &ReactorPool{
		taskTimeout: config.TaskTimeout,
		ctx:         ctx,
		cancel:      cancel,
	}

	pool.reactors = make([]*reactor, count)
	for i := 0; i < count; i++ {
		r := &reactor{
			id:       i,
			taskChan: make(chan Task, config.QueueSize),
			pool:     pool,
		}
		pool.reactors[i] = r
		pool.wg.Add(1)
		go r.run()
	}

	return pool
}

// ReactorFor returns the index of the reactor a given Session ID is pinned
// to. Stable for the life of the pool: the same ID always maps to the same
// reactor.
func (p *ReactorPool) ReactorFor(sessionID string) int {
	h := fnv.New32a()
	h.Write([]byte(sessionID))
	return int(h.Sum32()) % len(p.reactors)
}

// Submit enqueues a task onto the reactor that sessionID is pinned to.
func (p *ReactorPool) Submit(sessionID string, task Task) error {
	if p.ctx.Err() != nil {
		return fmt.Errorf("reactor pool is shutting down")
	}
	idx := p.ReactorFor(sessionID)
	r := p.reactors[idx]

	select {
	case r.taskChan <- task:
		atomic.AddInt64(&p.stats.tasksSubmitted, 1)
		return nil
	case <-p.ctx.Done():
		return fmt.Errorf("reactor pool is shutting down")
	default:
		atomic.AddInt64(&p.stats.tasksRejected, 1)
		return fmt.Errorf("reactor %d task queue is full", idx)
	}
}

// SubmitFunc submits a plain function as a task, pinned by sessionID.
func (p *ReactorPool) SubmitFunc(sessionID, taskID string, fn func(ctx context.Context) error) error {
	return p.Submit(sessionID, &TaskFunc{
		ID:      taskID,
		Timeout: p.taskTimeout,
		Fn:      fn,
	})
}

func (r *reactor) run() {
	defer r.pool.wg.Done()

	for {
		select {
		case task := <-r.taskChan:
			r.handleTask(task)
		case <-r.pool.ctx.Done():
			// Run whatever was queued before shutdown, then exit.
			for {
				select {
				case task := <-r.taskChan:
					r.handleTask(task)
				default:
					return
				}
			}
		}
	}
}

func (r *reactor) handleTask(task Task) {
	taskCtx := r.pool.ctx
	timeout := task.GetTimeout()
	if timeout <= 0 {
		timeout = r.pool.taskTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		taskCtx, cancel = context.WithTimeout(r.pool.ctx, timeout)
		defer cancel()
	}

	err := task.Execute(taskCtx)
	if err != nil {
		atomic.AddInt64(&r.pool.stats.tasksFailed, 1)
	} else {
		atomic.AddInt64(&r.pool.stats.tasksCompleted, 1)
	}
}

// GetStats returns a snapshot of pool activity.
func (p *ReactorPool) GetStats() PoolStats {
	return PoolStats{
		ReactorCount:   len(p.reactors),
		TasksSubmitted: atomic.LoadInt64(&p.stats.tasksSubmitted),
		TasksCompleted: atomic.LoadInt64(&p.stats.tasksCompleted),
		TasksFailed:    atomic.LoadInt64(&p.stats.tasksFailed),
		TasksRejected:  atomic.LoadInt64(&p.stats.tasksRejected),
	}
}

// Shutdown stops accepting new tasks and waits (up to timeout) for
// in-flight tasks on every reactor to finish.
func (p *ReactorPool) Shutdown(timeout time.Duration) error {
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("reactor pool shutdown timeout exceeded")
	}
}

// ReactorCount returns the number of reactors in the pool.
func (p *ReactorPool) ReactorCount() int {
	return len(p.reactors)
}

// QueueDepth returns the current queue depth of the reactor sessionID is
// pinned to.
func (p *ReactorPool) QueueDepth(sessionID string) int {
	return len(p.reactors[p.ReactorFor(sessionID)].taskChan)
}

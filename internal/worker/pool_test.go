package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestNewReactorPool(t *testing.T) {
	config := DefaultPoolConfig()
	config.ReactorCount = 4
	pool := NewReactorPool(config)
	defer pool.Shutdown(time.Second)

	if pool.ReactorCount() != 4 {
		t.Errorf("Expected 4 reactors, got %d", pool.ReactorCount())
	}
}

func TestReactorForIsStable(t *testing.T) {
	pool := NewReactorPool(&PoolConfig{ReactorCount: 8, QueueSize: 16, TaskTimeout: time.Second})
	defer pool.Shutdown(time.Second)

	first := pool.ReactorFor("session-123")
	for i := 0; i < 50; i++ {
		if got := pool.ReactorFor("session-123"); got != first {
			t.Fatalf("ReactorFor is not stable: got %d, want %d", got, first)
		}
	}
}

func TestReactorPoolSubmitTask(t *testing.T) {
	pool := NewReactorPool(DefaultPoolConfig())
	defer pool.Shutdown(time.Second)

	var executed int64
	task := &TaskFunc{
		ID:      "test-task",
		Timeout: time.Second,
		Fn: func(ctx context.Context) error {
			atomic.AddInt64(&executed, 1)
			return nil
		},
	}

	if err := pool.Submit("session-a", task); err != nil {
		t.Fatalf("Failed to submit task: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	if atomic.LoadInt64(&executed) != 1 {
		t.Errorf("Expected task to be executed once, got %d", executed)
	}

	stats := pool.GetStats()
	if stats.TasksCompleted != 1 {
		t.Errorf("Expected 1 completed task, got %d", stats.TasksCompleted)
	}
}

func TestReactorPoolSubmitFunc(t *testing.T) {
	pool := NewReactorPool(DefaultPoolConfig())
	defer pool.Shutdown(time.Second)

	var executed int64
	err := pool.SubmitFunc("session-b", "test-func", func(ctx context.Context) error {
		atomic.AddInt64(&executed, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("Failed to submit function: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	if atomic.LoadInt64(&executed) != 1 {
		t.Errorf("Expected function to be executed once, got %d", executed)
	}
}

// TestSessionTasksAreOrdered verifies that tasks pinned to the same session
// are processed one at a time, in submission order, even though the pool
// runs many reactors concurrently.
func TestSessionTasksAreOrdered(t *testing.T) {
	pool := NewReactorPool(&PoolConfig{ReactorCount: 4, QueueSize: 64, TaskTimeout: time.Second})
	defer pool.Shutdown(time.Second)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup

	const numTasks = 50
	wg.Add(numTasks)
	for i := 0; i < numTasks; i++ {
		i := i
		err := pool.Submit("pinned-session", &TaskFunc{
			ID:      "ordered-task",
			Timeout: time.Second,
			Fn: func(ctx context.Context) error {
				defer wg.Done()
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			},
		})
		if err != nil {
			t.Fatalf("submit %d failed: %v", i, err)
		}
	}

	wg.Wait()

	for i, v := range order {
		if v != i {
			t.Fatalf("tasks for a pinned session executed out of order: %v", order)
		}
	}
}

func TestReactorPoolConcurrentSessions(t *testing.T) {
	config := DefaultPoolConfig()
	config.ReactorCount = 4
	pool := NewReactorPool(config)
	defer pool.Shutdown(time.Second)

	const numTasks = 20
	var completed int64
	var wg sync.WaitGroup

	for i := 0; i < numTasks; i++ {
		wg.Add(1)
		sessionID := "session-" + string(rune('a'+i%5))
		err := pool.SubmitFunc(sessionID, "concurrent-task", func(ctx context.Context) error {
			defer wg.Done()
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt64(&completed, 1)
			return nil
		})
		if err != nil {
			t.Fatalf("Failed to submit task %d: %v", i, err)
		}
	}

	wg.Wait()

	if atomic.LoadInt64(&completed) != numTasks {
		t.Errorf("Expected %d completed tasks, got %d", numTasks, completed)
	}
}

func TestReactorPoolTaskTimeout(t *testing.T) {
	pool := NewReactorPool(DefaultPoolConfig())
	defer pool.Shutdown(time.Second)

	task := &TaskFunc{
		ID:      "timeout-task",
		Timeout: 50 * time.Millisecond,
		Fn: func(ctx context.Context) error {
			select {
			case <-time.After(200 * time.Millisecond):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}

	if err := pool.Submit("session-timeout", task); err != nil {
		t.Fatalf("Failed to submit task: %v", err)
	}

	time.Sleep(300 * time.Millisecond)

	stats := pool.GetStats()
	if stats.TasksFailed != 1 {
		t.Errorf("Expected 1 failed task, got %d", stats.TasksFailed)
	}
}

func TestReactorPoolTaskError(t *testing.T) {
	pool := NewReactorPool(DefaultPoolConfig())
	defer pool.Shutdown(time.Second)

	expectedError := errors.New("task error")
	task := &TaskFunc{
		ID:      "error-task",
		Timeout: time.Second,
		Fn: func(ctx context.Context) error {
			return expectedError
		},
	}

	if err := pool.Submit("session-error", task); err != nil {
		t.Fatalf("Failed to submit task: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	stats := pool.GetStats()
	if stats.TasksFailed != 1 {
		t.Errorf("Expected 1 failed task, got %d", stats.TasksFailed)
	}
}

func TestReactorPoolQueueFull(t *testing.T) {
	pool := NewReactorPool(&PoolConfig{ReactorCount: 1, QueueSize: 1, TaskTimeout: time.Second})
	defer pool.Shutdown(time.Second)

	block := make(chan struct{})
	defer close(block)

	// Occupy the single reactor with a blocking task so the queue fills up.
	_ = pool.Submit("session-full", &TaskFunc{
		ID:      "blocker",
		Timeout: time.Minute,
		Fn: func(ctx context.Context) error {
			<-block
			return nil
		},
	})

	// Fill the one queue slot.
	_ = pool.Submit("session-full", &TaskFunc{ID: "filler", Timeout: time.Second, Fn: func(ctx context.Context) error { return nil }})

	// This one should be rejected: reactor busy, queue full.
	err := pool.Submit("session-full", &TaskFunc{ID: "overflow", Timeout: time.Second, Fn: func(ctx context.Context) error { return nil }})
	if err == nil {
		t.Error("expected an error when submitting to a full reactor queue")
	}
}

func TestReactorPoolShutdown(t *testing.T) {
	pool := NewReactorPool(DefaultPoolConfig())

	var executed int64
	pool.SubmitFunc("session-shutdown", "shutdown-task", func(ctx context.Context) error {
		atomic.AddInt64(&executed, 1)
		return nil
	})

	if err := pool.Shutdown(time.Second); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt64(&executed) != 1 {
		t.Errorf("Expected task to complete before shutdown, got %d", executed)
	}

	err := pool.SubmitFunc("session-shutdown", "post-shutdown", func(ctx context.Context) error {
		return nil
	})
	if err == nil {
		t.Error("Expected error when submitting task after shutdown")
	}
}

func TestReactorPoolStats(t *testing.T) {
	pool := NewReactorPool(DefaultPoolConfig())
	defer pool.Shutdown(time.Second)

	const numTasks = 5
	for i := 0; i < numTasks; i++ {
		pool.SubmitFunc("session-stats", "stats-task", func(ctx context.Context) error {
			time.Sleep(5 * time.Millisecond)
			return nil
		})
	}

	time.Sleep(200 * time.Millisecond)

	stats := pool.GetStats()
	if stats.TasksSubmitted != numTasks {
		t.Errorf("Expected %d submitted tasks, got %d", numTasks, stats.TasksSubmitted)
	}
	if stats.TasksCompleted != numTasks {
		t.Errorf("Expected %d completed tasks, got %d", numTasks, stats.TasksCompleted)
	}
}

func TestTaskFuncInterface(t *testing.T) {
	task := &TaskFunc{
		ID:      "interface-test",
		Timeout: time.Minute,
		Fn: func(ctx context.Context) error {
			return nil
		},
	}

	if task.GetID() != "interface-test" {
		t.Errorf("Expected ID 'interface-test', got '%s'", task.GetID())
	}

	if task.GetTimeout() != time.Minute {
		t.Errorf("Expected timeout 1m, got %v", task.GetTimeout())
	}

	if err := task.Execute(context.Background()); err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
}

func BenchmarkReactorPoolSubmit(b *testing.B) {
	pool := NewReactorPool(DefaultPoolConfig())
	defer pool.Shutdown(time.Second)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			i++
			pool.SubmitFunc("bench-session", "bench-task", func(ctx context.Context) error {
				return nil
			})
		}
	})
}

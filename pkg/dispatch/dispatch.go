// Package dispatch serializes pipeline work per session. Each session gets
// its own queue drained by a single goroutine, so two events for the same
// session can never interleave, while different sessions proceed in
// parallel. This is the concurrency contract the rest of the system leans
// on; nothing else takes session-spanning locks.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"conductor/pkg/logx"
)

// Task is one unit of session work. The context is cancelled on shutdown.
type Task func(ctx context.Context)

// Dispatcher owns the per-session queues.
type Dispatcher struct {
	mu        sync.Mutex
	queues    map[string]chan Task
	stopped   bool
	queueSize int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *logx.Logger
}

// New creates a dispatcher. queueSize bounds each session's backlog; a full
// queue rejects new work instead of blocking the submitter.
func New(queueSize int) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 16
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		queues:    make(map[string]chan Task),
		queueSize: queueSize,
		ctx:       ctx,
		cancel:    cancel,
		logger:    logx.NewLogger("dispatch"),
	}
}

// Submit queues a task for the session, spawning its worker on first use.
// The send stays under the dispatcher lock: Release and Stop close queues
// under the same lock, so the send can never hit a closed channel. The send
// is non-blocking, so holding the lock across it is cheap.
func (d *Dispatcher) Submit(sessionID string, task Task) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return fmt.Errorf("dispatcher is stopped")
	}
	queue, ok := d.queues[sessionID]
	if !ok {
		queue = make(chan Task, d.queueSize)
		d.queues[sessionID] = queue
		d.wg.Add(1)
		go d.run(sessionID, queue)
	}
	select {
	case queue <- task:
		return nil
	default:
		return fmt.Errorf("session %s queue is full", sessionID)
	}
}

// Release drops a session's queue once the session is evicted. Queued tasks
// still drain before the worker exits.
func (d *Dispatcher) Release(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if queue, ok := d.queues[sessionID]; ok {
		delete(d.queues, sessionID)
		close(queue)
	}
}

// Stop cancels in-flight task contexts, closes every queue, and waits up to
// timeout for workers to drain.
func (d *Dispatcher) Stop(timeout time.Duration) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	d.cancel()
	for id, queue := range d.queues {
		delete(d.queues, id)
		close(queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("dispatcher drain timed out after %s", timeout)
	}
}

func (d *Dispatcher) run(sessionID string, queue chan Task) {
	defer d.wg.Done()
	d.logger.DebugSession(sessionID, "worker started")
	for task := range queue {
		task(d.ctx)
	}
	d.logger.DebugSession(sessionID, "worker drained")
}

// Package task provides a small goroutine lifecycle manager used by the
// transmission engine to run the sender and receiver loops of a phase and
// to join them before the phase returns.
package task

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/serialarq/linkbench/internal/pool"
	"github.com/serialarq/linkbench/logger"
)

// Func represents one iteration of a managed task. Return true to keep
// running, false to stop.
type Func func() bool

// Manager manages the lifecycle of goroutines spawned for one session
// phase. Stop cancels the manager's own context, derived from the one
// passed to New (which Stop leaves untouched); Wait blocks until
// every started goroutine has returned and then rearms the manager for the
// next phase.
type Manager struct {
	pctx   context.Context
	ctx    context.Context
	cancel context.CancelFunc
	logger logger.Logger

	mu     sync.RWMutex
	taskMu sync.RWMutex
	wg     sync.WaitGroup
	count  atomic.Int32
}

// New creates a Manager whose tasks are children of ctx.
func New(ctx context.Context, l logger.Logger) *Manager {
	mgr := &Manager{pctx: ctx, logger: l}
	mgr.ctx, mgr.cancel = context.WithCancel(ctx)

	return mgr
}

func (mgr *Manager) getContext() context.Context {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()

	return mgr.ctx
}

// Start launches fn in a new goroutine named name, looping until fn returns
// false or the manager's context is cancelled.
func (mgr *Manager) Start(name string, fn Func) error {
	mgr.logger.Debug("starting task", "name", name)

	ctx := mgr.getContext()
	select {
	case <-ctx.Done():
		return fmt.Errorf("task: manager already stopped")
	default:
	}

	mgr.taskMu.RLock()
	defer mgr.taskMu.RUnlock()

	mgr.wg.Add(1)
	mgr.count.Add(1)

	go func() {
		defer mgr.wg.Done()
		defer func() {
			mgr.count.Add(-1)
			mgr.logger.Debug("task terminated", "name", name, "taskCount", mgr.TaskCount())
		}()
		defer func() {
			if r := recover(); r != nil {
				mgr.logger.Error("panic in task", "name", name, "panic", r)
			}
		}()

		for {
			c := mgr.getContext()
			select {
			case <-c.Done():
				return
			default:
				if !fn() {
					return
				}
			}
		}
	}()

	return nil
}

// Stop cancels every running task's context. It does not wait for them to
// exit; call Wait for that.
func (mgr *Manager) Stop() {
	mgr.mu.Lock()
	if mgr.cancel != nil {
		mgr.cancel()
	}
	mgr.mu.Unlock()
}

// Wait blocks until all started goroutines have returned, then rearms the
// manager with a fresh context derived from the original parent so it can
// be reused for the next phase.
func (mgr *Manager) Wait() {
	mgr.taskMu.Lock()
	defer mgr.taskMu.Unlock()

	mgr.wg.Wait()

	mgr.mu.Lock()
	mgr.ctx, mgr.cancel = context.WithCancel(mgr.pctx)
	mgr.mu.Unlock()
}

// TaskCount returns the number of currently running goroutines.
func (mgr *Manager) TaskCount() int {
	return int(mgr.count.Load())
}

// Sleep blocks for d or until the manager's context is cancelled, whichever
// comes first. Task loops use it instead of a bare time.Sleep so a
// cancellation during the sender's idle backoff takes effect promptly.
func (mgr *Manager) Sleep(d time.Duration) {
	ctx := mgr.getContext()
	t := pool.GetTimer(d)
	defer pool.PutTimer(t)

	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

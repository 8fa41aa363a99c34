package lifecycle

import (
	"context"
	"sync"

	"pairbot/internal/runtime/supervisor"
)

// Registry tracks long-lived per-record background tasks by record id.
//
// Spawning for an id that already has a live task cancels the old one first
// (cancel-and-respawn): when a record's plan changes, the stale task must not
// linger and fire with pre-change timing. Tasks must still re-derive their
// target instant from persisted state immediately before acting; the registry
// is the belt, that re-check is the suspenders.
type Registry struct {
	sup *supervisor.Supervisor

	mu    sync.Mutex
	seq   uint64
	tasks map[string]taskEntry
}

type taskEntry struct {
	cancel context.CancelFunc
	gen    uint64
}

func NewRegistry(sup *supervisor.Supervisor) *Registry {
	return &Registry{sup: sup, tasks: map[string]taskEntry{}}
}

// Spawn runs fn under the supervisor, keyed by id. Any existing task for the
// same id is cancelled first.
func (r *Registry) Spawn(id, name string, fn func(ctx context.Context)) {
	taskCtx, cancel := context.WithCancel(context.Background())

	r.mu.Lock()
	if old, ok := r.tasks[id]; ok {
		old.cancel()
	}
	r.seq++
	gen := r.seq
	r.tasks[id] = taskEntry{cancel: cancel, gen: gen}
	r.mu.Unlock()

	r.sup.Go0(name, func(ctx context.Context) {
		defer func() {
			cancel()
			r.mu.Lock()
			// Only deregister our own generation; a respawn may have
			// replaced the entry while we were finishing.
			if cur, ok := r.tasks[id]; ok && cur.gen == gen {
				delete(r.tasks, id)
			}
			r.mu.Unlock()
		}()

		// Merge supervisor shutdown with per-task cancellation.
		merged, stop := mergeContexts(ctx, taskCtx)
		defer stop()
		fn(merged)
	})
}

// Cancel stops the task registered for id, if any.
func (r *Registry) Cancel(id string) {
	r.mu.Lock()
	if e, ok := r.tasks[id]; ok {
		e.cancel()
		delete(r.tasks, id)
	}
	r.mu.Unlock()
}

// Len reports the number of live tasks.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// mergeContexts cancels the derived context when either parent is done.
func mergeContexts(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stopped := make(chan struct{})
	go func() {
		select {
		case <-b.Done():
			cancel()
		case <-ctx.Done():
		case <-stopped:
		}
	}()
	return ctx, func() {
		close(stopped)
		cancel()
	}
}

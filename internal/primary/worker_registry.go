package primary

import (
	"fmt"
	"io"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/dreamware/signalhub/internal/cluster"
	"github.com/dreamware/signalhub/internal/ipc"
	"github.com/dreamware/signalhub/internal/metrics"
	"github.com/dreamware/signalhub/internal/state"
)

type workerEntry struct {
	info   cluster.WorkerInfo
	sender ipc.Sender
	gen    uint64
}

// WorkerRegistry tracks the workers currently attached to the primary and
// the link used to reach each of them.
//
// Every attachment gets a generation number. A link that is replaced by a
// newer one for the same worker id can then only remove its own entry,
// never its successor's.
//
// Concurrency Model:
//   - Read operations use RLock for parallel access
//   - Write operations use Lock for exclusive access
//   - Sends happen after the lock is released
type WorkerRegistry struct {
	workers map[int]*workerEntry
	nextGen uint64
	mu      sync.RWMutex
}

// NewWorkerRegistry returns an empty registry.
func NewWorkerRegistry() *WorkerRegistry {
	return &WorkerRegistry{workers: make(map[int]*workerEntry)}
}

// Add attaches a worker. It returns the generation of the new entry and the
// sender it replaced, if any; the caller is responsible for closing it.
func (r *WorkerRegistry) Add(info cluster.WorkerInfo, sender ipc.Sender) (uint64, ipc.Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextGen++
	var replaced ipc.Sender
	if old, ok := r.workers[info.ID]; ok {
		replaced = old.sender
	}
	r.workers[info.ID] = &workerEntry{info: info, sender: sender, gen: r.nextGen}
	metrics.WorkersConnected.Set(float64(len(r.workers)))
	return r.nextGen, replaced
}

// Remove detaches the worker if its current entry has generation gen.
func (r *WorkerRegistry) Remove(id int, gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.workers[id]
	if !ok || e.gen != gen {
		return false
	}
	delete(r.workers, id)
	metrics.WorkersConnected.Set(float64(len(r.workers)))
	return true
}

// Current reports whether gen is the live attachment of worker id.
func (r *WorkerRegistry) Current(id int, gen uint64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.workers[id]
	return ok && e.gen == gen
}

// Evict closes the worker's link. The link's reader then detaches the
// worker through the normal path.
func (r *WorkerRegistry) Evict(id int) bool {
	r.mu.RLock()
	e, ok := r.workers[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if c, ok := e.sender.(io.Closer); ok {
		_ = c.Close()
	}
	return true
}

// Get returns the info a worker attached with.
func (r *WorkerRegistry) Get(id int) (cluster.WorkerInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.workers[id]
	if !ok {
		return cluster.WorkerInfo{}, false
	}
	return e.info, true
}

// Send delivers m to one worker.
func (r *WorkerRegistry) Send(id int, m ipc.Message) error {
	r.mu.RLock()
	e, ok := r.workers[id]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: worker %d", state.ErrNotFound, id)
	}
	return e.sender.Send(m)
}

// Broadcast delivers m to every worker except the one with id except and
// returns how many sends succeeded.
func (r *WorkerRegistry) Broadcast(m ipc.Message, except int) int {
	r.mu.RLock()
	targets := make([]ipc.Sender, 0, len(r.workers))
	for id, e := range r.workers {
		if id != except {
			targets = append(targets, e.sender)
		}
	}
	r.mu.RUnlock()

	sent := 0
	for _, s := range targets {
		if s.Send(m) == nil {
			sent++
		}
	}
	return sent
}

// All returns the attached workers sorted by id.
func (r *WorkerRegistry) All() []cluster.WorkerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]cluster.WorkerInfo, 0, len(r.workers))
	for _, e := range r.workers {
		out = append(out, e.info)
	}
	slices.SortFunc(out, func(a, b cluster.WorkerInfo) int { return a.ID - b.ID })
	return out
}

// Len returns the number of attached workers.
func (r *WorkerRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}

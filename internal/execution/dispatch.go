package execution

import (
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/teamfolio/trade-engine/internal/metrics"
)

// dispatcher runs triggered fills on a fixed set of workers, partitioned by
// team: fills of one team run on one worker, while different teams proceed
// in parallel. submit never blocks, so a slow team cannot stall tick
// delivery for the others.
type dispatcher struct {
	shards  []chan func()
	mu      sync.RWMutex
	closed  bool
	pending sync.WaitGroup
	workers sync.WaitGroup
}

func newDispatcher(workers, depth int) *dispatcher {
	if workers < 1 {
		workers = 1
	}
	d := &dispatcher{shards: make([]chan func(), workers)}
	for i := range d.shards {
		ch := make(chan func(), depth)
		d.shards[i] = ch
		d.workers.Add(1)
		go func() {
			defer d.workers.Done()
			for fn := range ch {
				fn()
			}
		}()
	}
	return d
}

func (d *dispatcher) shard(key string) chan func() {
	return d.shards[xxhash.Sum64String(key)%uint64(len(d.shards))]
}

// submit queues fn on key's worker and reports false once the dispatcher is
// closed. When the worker's queue is full the task is handed to a goroutine
// that waits for room; it may then run after tasks submitted later.
func (d *dispatcher) submit(key string, fn func()) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}

	d.pending.Add(1)
	task := func() {
		defer d.pending.Done()
		fn()
	}
	ch := d.shard(key)
	select {
	case ch <- task:
	default:
		metrics.DispatchOverflow.Inc()
		go func() { ch <- task }()
	}
	return true
}

// wait blocks until every submitted task has run.
func (d *dispatcher) wait() { d.pending.Wait() }

// close refuses new tasks, runs the ones already submitted and stops the
// workers.
func (d *dispatcher) close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	d.pending.Wait()
	for _, ch := range d.shards {
		close(ch)
	}
	d.workers.Wait()
}

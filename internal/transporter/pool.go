package transporter

import (
	"sync"

	"github.com/wimleers/fileconveyor/internal/fclog"
	"github.com/wimleers/fileconveyor/internal/model"
)

// MaxSimultaneousTransporters caps the number of worker Transporters a
// single Pool may create (spec.md §4.7). Pools do not share a count, so
// the total across all destinations can reach this number times the
// number of servers.
const MaxSimultaneousTransporters = 25

// MaxTransporterQueueSize is the per-worker queue depth above which the
// pool prefers to spin up a new worker rather than pile more work onto
// an existing one (spec.md §4.7).
const MaxTransporterQueueSize = 100

// Pool is the per-server worker pool of spec.md §4.7: it starts with
// zero workers and creates them on demand, up to
// min(server.MaxConnections, MaxSimultaneousTransporters).
type Pool struct {
	server model.Server

	mu       sync.Mutex
	workers  []Transporter
	capacity int
	log      *fclog.Logger
}

// NewPool builds an (initially empty) pool for server.
func NewPool(server model.Server) *Pool {
	capacity := server.MaxConnections
	if capacity <= 0 || capacity > MaxSimultaneousTransporters {
		capacity = MaxSimultaneousTransporters
	}
	return &Pool{
		server:   server,
		capacity: capacity,
		log:      fclog.For("transporter-pool"),
	}
}

// Qsize returns the total number of queued operations across every
// worker in the pool.
func (p *Pool) Qsize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for _, w := range p.workers {
		total += w.Qsize()
	}
	return total
}

// Dispatch enqueues an operation on an existing underloaded worker, a
// newly created worker if the pool has room, or reports deferred=true
// if neither is possible right now (spec.md §4.7's dispatch policy).
func (p *Pool) Dispatch(srcAbs, dstRel string, action Action, onDone func(string), onError func(error)) (deferred bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, w := range p.workers {
		if w.Qsize() <= MaxTransporterQueueSize {
			w.SyncFile(srcAbs, dstRel, action, onDone, onError)
			return false, nil
		}
	}

	if len(p.workers) < p.capacity {
		w, err := New(p.server)
		if err != nil {
			return false, err
		}
		p.workers = append(p.workers, w)
		w.SyncFile(srcAbs, dstRel, action, onDone, onError)
		return false, nil
	}

	return true, nil
}

// Stop stops every worker in the pool, letting in-flight operations
// complete first.
func (p *Pool) Stop() {
	p.mu.Lock()
	workers := append([]Transporter(nil), p.workers...)
	p.mu.Unlock()
	for _, w := range workers {
		w.Stop()
	}
}

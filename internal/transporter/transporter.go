// Package transporter implements the Transporter and Transporter Pool
// of spec.md §4.7: a pool of worker goroutines per destination server,
// each serializing the add/modify/delete operations it is handed and
// producing a canonical public URL for every stored file.
//
// Grounded on
// _examples/original_source/code/daemon/transporters/transporter.py
// (the base Transporter: a queue drained by a single worker loop,
// exists-then-delete-then-save semantics for ADD_MODIFY, a URL
// callback) and on
// _examples/rclone-rclone/backend/s3/s3.go,
// _examples/rclone-rclone/backend/ftp/ftp.go,
// _examples/rclone-rclone/backend/sftp/sftp.go for the concrete
// per-protocol client construction/option-map idiom.
package transporter

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/wimleers/fileconveyor/internal/fclog"
	"github.com/wimleers/fileconveyor/internal/model"
	"github.com/wimleers/fileconveyor/internal/pacer"
)

// ErrConnection is returned by a Factory when the destination cannot be
// reached at construction time; the Arbitrator treats this as a fatal
// configuration problem at startup (spec.md §4.7).
var ErrConnection = errors.New("transporter: connection failed")

// Action is the operation sync_file enqueues.
type Action int

const (
	AddModify Action = iota
	Delete
)

// Transporter is a worker for one destination server.
type Transporter interface {
	// SyncFile enqueues an operation and returns immediately. onDone is
	// called with the canonical public URL (empty for Delete) once the
	// operation completes; onError is called if it fails permanently.
	SyncFile(srcAbs, dstRel string, action Action, onDone func(url string), onError func(err error))
	// Qsize returns the number of queued operations.
	Qsize() int
	// Stop lets the in-flight operation complete, then exits.
	Stop()
}

// Factory constructs a Transporter for a server's settings. Returning
// ErrConnection signals a fatal, unavailable destination.
type Factory func(server model.Server) (Transporter, error)

var registry = map[string]Factory{}

// Register adds a transporter constructor under the protocol name used
// in model.Server.Transporter (spec.md §3, §6). Typically called from
// an init() in the package implementing a concrete transporter.
func Register(name string, f Factory) { registry[name] = f }

// New constructs the Transporter registered for server.Transporter.
func New(server model.Server) (Transporter, error) {
	f, ok := registry[server.Transporter]
	if !ok {
		return nil, errors.Errorf("transporter: unknown transporter type %q", server.Transporter)
	}
	return f(server)
}

type job struct {
	srcAbs, dstRel string
	action         Action
	onDone         func(url string)
	onError        func(err error)
}

// Worker is a reusable single-goroutine job-queue base that concrete
// transporters are built on: it owns the queue, the worker loop, and the
// pacer-driven retry wrapper, leaving only the actual store/delete/url
// operations to the Backend it is constructed with.
type Worker struct {
	backend Backend
	pacer   *pacer.Pacer
	log     *fclog.Logger

	mu      sync.Mutex
	queue   []job
	wake    chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
}

// Backend is the minimal per-protocol operation set a concrete
// transporter implements; Worker handles concurrency, retries, and the
// exists-then-delete-then-save sequencing around it.
type Backend interface {
	// Exists reports whether dstRel is already present at the destination.
	Exists(ctx context.Context, dstRel string) (bool, error)
	// Store uploads the file at srcAbs to dstRel.
	Store(ctx context.Context, srcAbs, dstRel string) error
	// Remove deletes dstRel if present; no error if absent.
	Remove(ctx context.Context, dstRel string) error
	// URL returns the canonical public URL for dstRel.
	URL(dstRel string) string
}

// NewWorker builds a Worker around backend, with retryable calls
// governed by p.
func NewWorker(backend Backend, p *pacer.Pacer, component string) *Worker {
	w := &Worker{
		backend: backend,
		pacer:   p,
		log:     fclog.For(component),
		wake:    make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	return w
}

// Start launches the worker goroutine. Safe to call once.
func (w *Worker) Start() {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()
	go w.loop()
}

func (w *Worker) loop() {
	defer close(w.doneCh)
	for {
		j, ok := w.pop()
		if !ok {
			select {
			case <-w.stopCh:
				return
			case <-w.wake:
				continue
			}
		}
		w.run(j)
		select {
		case <-w.stopCh:
			return
		default:
		}
	}
}

func (w *Worker) pop() (job, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.queue) == 0 {
		return job{}, false
	}
	j := w.queue[0]
	w.queue = w.queue[1:]
	return j, true
}

func (w *Worker) run(j job) {
	ctx := context.Background()
	opID := uuid.NewString()
	log := w.log.With(map[string]interface{}{"operation": opID})
	var url string
	err := w.pacer.Call(ctx, func() (bool, error) {
		var err error
		switch j.action {
		case AddModify:
			exists, existErr := w.backend.Exists(ctx, j.dstRel)
			if existErr != nil {
				return true, existErr
			}
			if exists {
				if err = w.backend.Remove(ctx, j.dstRel); err != nil {
					return true, err
				}
			}
			if err = w.backend.Store(ctx, j.srcAbs, j.dstRel); err != nil {
				return true, err
			}
			url = w.backend.URL(j.dstRel)
		case Delete:
			if err = w.backend.Remove(ctx, j.dstRel); err != nil {
				return true, err
			}
		}
		return false, nil
	})
	if err != nil {
		log.Errorf("operation on %s failed permanently: %v", j.dstRel, err)
		if j.onError != nil {
			j.onError(err)
		}
		return
	}
	log.Debugf("operation on %s completed", j.dstRel)
	if j.onDone != nil {
		j.onDone(url)
	}
}

// SyncFile implements Transporter.SyncFile for embedders.
func (w *Worker) SyncFile(srcAbs, dstRel string, action Action, onDone func(url string), onError func(err error)) {
	w.mu.Lock()
	w.queue = append(w.queue, job{srcAbs: srcAbs, dstRel: dstRel, action: action, onDone: onDone, onError: onError})
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Qsize implements Transporter.Qsize for embedders.
func (w *Worker) Qsize() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

// Stop implements Transporter.Stop for embedders: the in-flight
// operation (if any) completes, then the worker goroutine exits.
func (w *Worker) Stop() {
	close(w.stopCh)
	<-w.doneCh
}

package fileops

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"

	"github.com/skiffcore/skiff/skiff/entry"
)

// Common error values returned by the pipeline.
var (
	ErrUnknownHandle = errors.New("unknown operation handle")
	ErrNotFound      = errors.New("source does not exist")
	ErrAlreadyExists = errors.New("destination already exists")
	ErrIsDirectory   = errors.New("path is a directory (use recursive)")
	ErrClosed        = errors.New("pipeline is closed")
)

// ChangeSink receives the index diffs an operation produced on success
// (and for the completed portion of a cancelled operation). The pipeline
// delivers them synchronously with completion, ahead of any watcher
// notification for the same change.
type ChangeSink func(changes []entry.Change)

// Config configures a Pipeline.
type Config struct {
	// Workers bounds concurrent operation execution.
	Workers int
	// ChunkSize is the copy buffer size; cancellation is checked between
	// chunks within a large file.
	ChunkSize int
	// Sink receives index diffs. May be nil.
	Sink ChangeSink
}

// Pipeline executes file-mutating requests as cancellable background
// tasks. Submissions land on an internal queue drained by a bounded set
// of workers, so Submit returns without waiting for a free worker no
// matter how many operations are in flight. Failures are per-request: a
// failed or cancelled request never affects its siblings.
//
// Cancellation is cooperative and best-effort. A cancelled copy leaves
// the files completed so far in place at the destination: partial state
// is inspectable, never rolled back.
type Pipeline struct {
	config  Config
	workers *pool.Pool

	mu      sync.Mutex
	handles map[uuid.UUID]*Handle

	qmu    sync.Mutex
	qcond  *sync.Cond
	queue  []*Handle
	closed bool

	baseCtx context.Context
	stop    context.CancelFunc
}

// NewPipeline creates an operation pipeline and starts its workers.
func NewPipeline(config Config) *Pipeline {
	if config.Workers <= 0 {
		config.Workers = 4
	}
	if config.ChunkSize <= 0 {
		config.ChunkSize = 256 * 1024
	}

	ctx, cancel := context.WithCancel(context.Background())

	p := &Pipeline{
		config:  config,
		workers: pool.New().WithMaxGoroutines(config.Workers),
		handles: make(map[uuid.UUID]*Handle),
		baseCtx: ctx,
		stop:    cancel,
	}
	p.qcond = sync.NewCond(&p.qmu)

	for i := 0; i < config.Workers; i++ {
		p.workers.Go(p.work)
	}

	return p
}

// Submit queues one request and returns its Pending handle immediately,
// even when every worker is busy.
func (p *Pipeline) Submit(req Request) (*Handle, error) {
	if req.Source == "" {
		return nil, fmt.Errorf("request source cannot be empty")
	}
	if req.Conflict == "" {
		req.Conflict = ConflictRename
	}

	h := newHandle(req)
	ctx, cancel := context.WithCancel(p.baseCtx)
	h.ctx = ctx
	h.cancel = cancel

	p.qmu.Lock()
	if p.closed {
		p.qmu.Unlock()
		cancel()
		return nil, ErrClosed
	}
	p.queue = append(p.queue, h)
	p.qmu.Unlock()

	p.mu.Lock()
	p.handles[h.ID] = h
	p.mu.Unlock()

	p.qcond.Signal()

	slog.Debug("Operation submitted", "id", h.ID, "kind", req.Kind, "source", req.Source)
	return h, nil
}

// Cancel requests cancellation of the identified operation. It is not an
// error to cancel an operation that already reached a terminal state.
func (p *Pipeline) Cancel(id uuid.UUID) error {
	h, err := p.handle(id)
	if err != nil {
		return err
	}
	h.Cancel()
	return nil
}

// Poll returns the identified operation's status, progress, and failure
// reason if any.
func (p *Pipeline) Poll(id uuid.UUID) (Status, Progress, error) {
	h, err := p.handle(id)
	if err != nil {
		return 0, Progress{}, err
	}
	return h.Status(), h.Progress(), h.Err()
}

// Ack acknowledges a terminal handle and destroys it. Acknowledging a
// non-terminal handle is an error.
func (p *Pipeline) Ack(id uuid.UUID) error {
	h, err := p.handle(id)
	if err != nil {
		return err
	}
	if !h.Status().Terminal() {
		return fmt.Errorf("operation %s is still %s", id, h.Status())
	}
	p.mu.Lock()
	delete(p.handles, id)
	p.mu.Unlock()
	return nil
}

// Close cancels outstanding work and waits for workers to stop. Requests
// still queued when Close is called finish as Cancelled without running.
func (p *Pipeline) Close() {
	p.stop()
	p.qmu.Lock()
	p.closed = true
	p.qmu.Unlock()
	p.qcond.Broadcast()
	p.workers.Wait()
}

func (p *Pipeline) handle(id uuid.UUID) (*Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.handles[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHandle, id)
	}
	return h, nil
}

// work drains the submission queue until the pipeline closes.
func (p *Pipeline) work() {
	for {
		h, ok := p.next()
		if !ok {
			return
		}
		// A request cancelled (or closed out) while still queued never
		// starts executing.
		if h.cancelled.Load() || p.baseCtx.Err() != nil {
			slog.Info("Queued operation cancelled before start", "id", h.ID, "kind", h.req.Kind)
			h.cancel()
			h.finish(StatusCancelled)
			continue
		}
		p.run(h.ctx, h)
		h.cancel()
	}
}

// next blocks for the next queued handle; ok is false once the pipeline
// is closed and the queue drained.
func (p *Pipeline) next() (*Handle, bool) {
	p.qmu.Lock()
	defer p.qmu.Unlock()
	for len(p.queue) == 0 && !p.closed {
		p.qcond.Wait()
	}
	if len(p.queue) == 0 {
		return nil, false
	}
	h := p.queue[0]
	p.queue = p.queue[1:]
	return h, true
}

// run executes one request to its terminal state.
func (p *Pipeline) run(ctx context.Context, h *Handle) {
	h.status.Store(int32(StatusRunning))

	var changes []entry.Change
	var err error

	switch h.req.Kind {
	case OpCreateFile:
		changes, err = p.createFile(h.req)
	case OpCreateDir:
		changes, err = p.createDir(h.req)
	case OpDelete:
		changes, err = p.deletePath(h.req)
	case OpRename:
		changes, err = p.rename(h.req)
	case OpCopy:
		changes, err = p.copy(ctx, h)
	case OpMove:
		changes, err = p.move(ctx, h)
	default:
		err = fmt.Errorf("unknown operation kind %d", h.req.Kind)
	}

	// Diffs for completed work reach the index even when the operation
	// was cancelled partway: the files exist, search must see them.
	if len(changes) > 0 && p.config.Sink != nil {
		p.config.Sink(changes)
	}

	switch {
	case h.cancelled.Load():
		slog.Info("Operation cancelled", "id", h.ID, "kind", h.req.Kind)
		h.finish(StatusCancelled)
	case err != nil:
		slog.Warn("Operation failed", "id", h.ID, "kind", h.req.Kind, "error", err)
		h.setErr(err)
		h.finish(StatusFailed)
	default:
		h.finish(StatusSucceeded)
	}
}

package fileops

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an operation handle.
type Status int32

const (
	StatusPending Status = iota
	StatusRunning
	StatusSucceeded
	StatusFailed
	StatusCancelled
)

// String converts Status to its display name
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether the status is a final state.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// Handle tracks one submitted operation. Progress and status are mutated
// only by the worker executing the request; the cancellation flag is the
// submitter's single mutation channel. Handles are destroyed when the
// caller acknowledges a terminal status via Pipeline.Ack.
type Handle struct {
	ID  uuid.UUID
	req Request

	status     atomic.Int32
	bytesDone  atomic.Int64
	bytesTotal atomic.Int64
	itemsDone  atomic.Int64
	itemsTotal atomic.Int64

	cancelled atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc

	errMu sync.Mutex
	err   error

	done chan struct{}
}

func newHandle(req Request) *Handle {
	h := &Handle{
		ID:   uuid.New(),
		req:  req,
		done: make(chan struct{}),
	}
	h.status.Store(int32(StatusPending))
	return h
}

// Status returns the handle's current lifecycle state.
func (h *Handle) Status() Status {
	return Status(h.status.Load())
}

// Progress returns the handle's current progress counters.
func (h *Handle) Progress() Progress {
	return Progress{
		BytesDone:  h.bytesDone.Load(),
		BytesTotal: h.bytesTotal.Load(),
		ItemsDone:  h.itemsDone.Load(),
		ItemsTotal: h.itemsTotal.Load(),
	}
}

// Err returns the failure reason once the handle is StatusFailed.
func (h *Handle) Err() error {
	h.errMu.Lock()
	defer h.errMu.Unlock()
	return h.err
}

// Done is closed when the handle reaches a terminal state.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Cancel requests cooperative cancellation. The worker observes the flag
// at its next checkpoint; until then the handle stays Running.
func (h *Handle) Cancel() {
	h.cancelled.Store(true)
	if h.cancel != nil {
		h.cancel()
	}
}

// checkpoint returns true when the worker should stop at this safe point.
func (h *Handle) checkpoint(ctx context.Context) bool {
	if h.cancelled.Load() {
		return true
	}
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func (h *Handle) setErr(err error) {
	h.errMu.Lock()
	h.err = err
	h.errMu.Unlock()
}

func (h *Handle) finish(s Status) {
	h.status.Store(int32(s))
	close(h.done)
}

func (h *Handle) reportProgress() {
	if h.req.Progress != nil {
		h.req.Progress(h.Progress())
	}
}

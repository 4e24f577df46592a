package watcher

import (
	"sync"
	"time"
)

// pendingEvent tracks the coalescing state for one path.
type pendingEvent struct {
	latest   Event
	timer    *time.Timer
	deadline time.Time // max-delay cutoff: delivery happens no later than this
}

// Debouncer coalesces bursts of events on the same path into the latest
// one per debounce window. A busy path cannot postpone delivery past the
// max delay.
type Debouncer struct {
	delay    time.Duration
	maxDelay time.Duration

	mu      sync.Mutex
	pending map[string]*pendingEvent
	out     chan Event
	closed  bool

	// onOverflow fires at most once, when a flush finds the queue full.
	onOverflow   func()
	overflowOnce sync.Once
}

// NewDebouncer creates a debouncer delivering on out with the given
// window and cap.
func NewDebouncer(delay, maxDelay time.Duration, queueCapacity int) *Debouncer {
	return &Debouncer{
		delay:    delay,
		maxDelay: maxDelay,
		pending:  make(map[string]*pendingEvent),
		out:      make(chan Event, queueCapacity),
	}
}

// Add feeds one raw event into the debouncer.
func (d *Debouncer) Add(ev Event) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}

	p, ok := d.pending[ev.Path]
	if !ok {
		p = &pendingEvent{deadline: time.Now().Add(d.maxDelay)}
		d.pending[ev.Path] = p
	}
	p.latest = ev

	wait := d.delay
	if remaining := time.Until(p.deadline); remaining < wait {
		wait = remaining
		if wait < 0 {
			wait = 0
		}
	}

	if p.timer != nil {
		p.timer.Stop()
	}
	path := ev.Path
	p.timer = time.AfterFunc(wait, func() {
		d.flush(path)
	})
}

// Events returns the debounced event stream.
func (d *Debouncer) Events() <-chan Event {
	return d.out
}

// flush delivers the coalesced event for path.
func (d *Debouncer) flush(path string) {
	d.mu.Lock()
	p, ok := d.pending[path]
	if !ok || d.closed {
		d.mu.Unlock()
		return
	}
	delete(d.pending, path)
	ev := p.latest
	d.mu.Unlock()

	// The channel stays open for its lifetime and a timer callback must
	// not block, so a full queue signals degradation instead. An event
	// lost here means the index has diverged; the overflow hook lets the
	// owner stop the stream and demand a rebuild.
	select {
	case d.out <- ev:
	default:
		if d.onOverflow != nil {
			d.overflowOnce.Do(d.onOverflow)
		}
	}
}

// Close stops all pending timers and stops accepting events.
func (d *Debouncer) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	for _, p := range d.pending {
		if p.timer != nil {
			p.timer.Stop()
		}
	}
	d.pending = make(map[string]*pendingEvent)
}

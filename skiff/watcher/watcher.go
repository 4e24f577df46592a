package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/skiffcore/skiff/skiff/entry"
)

// ErrOverflow reports that changes for a root arrived faster than the
// consumer drained them. The stream stops rather than silently dropping
// diffs; the root needs an explicit rebuild to resynchronize.
var ErrOverflow = errors.New("change queue overflow")

// EventType classifies a raw filesystem notification.
type EventType int

const (
	EventCreate EventType = iota
	EventWrite
	EventRemove
	EventRename
	EventChmod
)

// Event is one raw, undebounced notification.
type Event struct {
	Type      EventType
	Path      string
	Timestamp time.Time
}

// Config holds watcher tuning knobs.
type Config struct {
	// DebounceDelay is the coalescing window: rapid events on the same
	// path within it collapse into the latest one.
	DebounceDelay time.Duration

	// MaxDebounceDelay caps how long a busy path can postpone delivery.
	MaxDebounceDelay time.Duration

	// QueueCapacity sizes the outgoing change channel.
	QueueCapacity int
}

// DefaultConfig returns the default watcher configuration.
func DefaultConfig() Config {
	return Config{
		DebounceDelay:    200 * time.Millisecond,
		MaxDebounceDelay: 2 * time.Second,
		QueueCapacity:    1000,
	}
}

// RootWatcher subscribes to OS filesystem notifications for one indexed
// root and converts them into a debounced stream of entry.Change values.
// A watcher failure degrades to "watching stopped for this root": the
// error is reported once on Errors and the watcher shuts down, leaving
// the index's last snapshot authoritative.
type RootWatcher struct {
	root      string
	fs        *fsnotify.Watcher
	debouncer *Debouncer
	config    Config

	changes chan entry.Change
	errors  chan error

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New creates a watcher for root. Call Start to begin delivery.
func New(root string, config Config) (*RootWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	w := &RootWatcher{
		root:      root,
		fs:        fsw,
		debouncer: NewDebouncer(config.DebounceDelay, config.MaxDebounceDelay, config.QueueCapacity),
		config:    config,
		changes:   make(chan entry.Change, config.QueueCapacity),
		errors:    make(chan error, 1),
		ctx:       ctx,
		cancel:    cancel,
	}
	w.debouncer.onOverflow = func() {
		w.degrade(ErrOverflow)
	}
	return w, nil
}

// Start subscribes to the root and every directory beneath it and begins
// streaming changes.
func (w *RootWatcher) Start(ctx context.Context) error {
	if err := w.addRecursive(w.root); err != nil {
		return fmt.Errorf("failed to watch root %s: %w", w.root, err)
	}

	w.wg.Add(2)
	go w.watchLoop(ctx)
	go w.deliverLoop(ctx)

	slog.Info("Watcher started", "root", w.root)
	return nil
}

// Changes returns the debounced change stream, intended to be applied to
// the index in arrival order.
func (w *RootWatcher) Changes() <-chan entry.Change {
	return w.changes
}

// Errors reports at most one terminal watcher failure per root.
func (w *RootWatcher) Errors() <-chan error {
	return w.errors
}

// Close stops watching and releases resources.
func (w *RootWatcher) Close() error {
	w.closeOnce.Do(func() {
		w.cancel()
		if err := w.fs.Close(); err != nil {
			slog.Warn("Error closing fsnotify watcher", "root", w.root, "error", err)
		}
		w.debouncer.Close()
		w.wg.Wait()
		close(w.changes)
	})
	return nil
}

// addRecursive adds path and all subdirectories to the fsnotify watch set.
// Unwatchable subdirectories are skipped, not fatal.
func (w *RootWatcher) addRecursive(path string) error {
	if err := w.fs.Add(path); err != nil {
		return err
	}
	return filepath.Walk(path, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			slog.Warn("Skipping unwatchable path", "path", p, "error", err)
			return nil
		}
		if info.IsDir() && p != path {
			if err := w.fs.Add(p); err != nil {
				slog.Warn("Failed to watch subdirectory", "path", p, "error", err)
			}
		}
		return nil
	})
}

// watchLoop pumps raw fsnotify events into the debouncer. On a watcher
// error it reports once and stops; it never retries in a loop.
func (w *RootWatcher) watchLoop(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.ctx.Done():
			return

		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if raw := convertEvent(ev); raw != nil {
				w.debouncer.Add(*raw)
			}

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.degrade(err)
			return
		}
	}
}

// degrade reports one terminal failure for the root and stops the
// watcher. After degradation the index's last snapshot stays
// authoritative until the consumer rebuilds the root.
func (w *RootWatcher) degrade(err error) {
	slog.Error("Watcher failed, stopping for root", "root", w.root, "error", err)
	select {
	case w.errors <- fmt.Errorf("watching stopped for %s: %w", w.root, err):
	default:
	}
	w.cancel()
}

// deliverLoop converts debounced events into entry.Change values.
func (w *RootWatcher) deliverLoop(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.ctx.Done():
			return

		case ev, ok := <-w.debouncer.Events():
			if !ok {
				return
			}
			for _, ch := range w.resolve(ev) {
				select {
				case w.changes <- ch:
				case <-w.ctx.Done():
					return
				default:
					// Dropping the diff would silently desynchronize the
					// index, so a full queue ends the stream instead.
					w.degrade(ErrOverflow)
					return
				}
			}
		}
	}
}

// resolve turns one debounced event into index changes. A rename arrives
// from fsnotify as an event on the old name only, so it is decomposed into
// Removed(old); the Create for the new name produces the paired Added.
func (w *RootWatcher) resolve(ev Event) []entry.Change {
	switch ev.Type {
	case EventRemove, EventRename:
		return []entry.Change{entry.Remove(ev.Path)}

	case EventCreate:
		info, err := os.Lstat(ev.Path)
		if err != nil {
			// Created and vanished within the debounce window.
			return nil
		}
		e := entry.New(ev.Path, info)
		changes := []entry.Change{entry.Add(e)}
		if e.Kind == entry.Directory {
			// New directories need their own watch and a shallow listing
			// so their contents reach the index without a full rescan.
			if err := w.addRecursive(ev.Path); err != nil {
				slog.Warn("Failed to watch created directory", "path", ev.Path, "error", err)
			}
			changes = append(changes, w.listShallow(ev.Path)...)
		}
		return changes

	case EventWrite, EventChmod:
		info, err := os.Lstat(ev.Path)
		if err != nil {
			return []entry.Change{entry.Remove(ev.Path)}
		}
		return []entry.Change{entry.Modify(entry.New(ev.Path, info))}
	}
	return nil
}

// listShallow emits Added changes for the direct children of dir.
func (w *RootWatcher) listShallow(dir string) []entry.Change {
	dirents, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	changes := make([]entry.Change, 0, len(dirents))
	for _, d := range dirents {
		info, err := d.Info()
		if err != nil {
			continue
		}
		changes = append(changes, entry.Add(entry.New(filepath.Join(dir, d.Name()), info)))
	}
	return changes
}

// convertEvent maps an fsnotify event onto the watcher's event type.
func convertEvent(ev fsnotify.Event) *Event {
	var t EventType
	switch {
	case ev.Has(fsnotify.Create):
		t = EventCreate
	case ev.Has(fsnotify.Write):
		t = EventWrite
	case ev.Has(fsnotify.Remove):
		t = EventRemove
	case ev.Has(fsnotify.Rename):
		t = EventRename
	case ev.Has(fsnotify.Chmod):
		t = EventChmod
	default:
		return nil
	}
	return &Event{Type: t, Path: ev.Name, Timestamp: time.Now()}
}

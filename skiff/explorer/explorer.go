// Package explorer wires the directory index, fuzzy search engine, change
// watcher, and operation pipeline into one façade. A consumer opens roots,
// queries views, and submits operations; the explorer keeps the index
// converged as watcher diffs and operation diffs arrive.
package explorer

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/skiffcore/skiff/skiff/config"
	"github.com/skiffcore/skiff/skiff/entry"
	"github.com/skiffcore/skiff/skiff/fileops"
	"github.com/skiffcore/skiff/skiff/index"
	"github.com/skiffcore/skiff/skiff/search"
	"github.com/skiffcore/skiff/skiff/watcher"
)

// Advisory reports a degraded root: the watcher for Root stopped and the
// index may drift until the consumer triggers a Rebuild.
type Advisory struct {
	Root string
	Err  error
}

// watchSession is one live watcher plus the goroutines draining it.
type watchSession struct {
	w  *watcher.RootWatcher
	wg sync.WaitGroup
}

// Explorer owns all long-lived explorer state. It is safe for concurrent
// use; the index store serializes snapshot mutation internally.
type Explorer struct {
	cfg      config.Config
	store    *index.Store
	engine   *search.Engine
	pipeline *fileops.Pipeline

	mu       sync.Mutex
	watchers map[string]*watchSession

	advisories chan Advisory

	ctx       context.Context
	cancelCtx context.CancelFunc
	closeOnce sync.Once
}

// New builds an Explorer from configuration. No roots are indexed until
// Open is called.
func New(cfg config.Config) *Explorer {
	ctx, cancel := context.WithCancel(context.Background())

	ex := &Explorer{
		cfg: cfg,
		store: index.NewStore(index.Options{
			CacheDir:         cfg.Explorer.CacheDir,
			RebuildCache:     cfg.Index.RebuildCache,
			PersistThreshold: cfg.Index.PersistThreshold,
			Scan: index.ScanOptions{
				IncludeHidden:  cfg.Index.IncludeHidden,
				MaxDepth:       cfg.Index.MaxDepth,
				IgnorePatterns: cfg.Index.IgnorePatterns,
			},
		}),
		engine:     search.NewEngine(cfg.Search.MaxResults),
		watchers:   make(map[string]*watchSession),
		advisories: make(chan Advisory, 16),
		ctx:        ctx,
		cancelCtx:  cancel,
	}

	ex.pipeline = fileops.NewPipeline(fileops.Config{
		Workers:   cfg.Fileops.Workers,
		ChunkSize: cfg.Fileops.ChunkSize,
		Sink:      ex.applyChanges,
	})

	return ex
}

// Open indexes root (from cache or a fresh scan) and, when watching is
// enabled, starts a watcher whose diffs flow into the index. Opening an
// already open root returns its current view.
func (ex *Explorer) Open(ctx context.Context, root string) (index.View, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return index.View{}, fmt.Errorf("failed to resolve root %s: %w", root, err)
	}

	v, err := ex.store.LoadOrBuild(ctx, abs)
	if err != nil {
		return index.View{}, err
	}

	if ex.cfg.Watcher.Enabled {
		if err := ex.watch(abs); err != nil {
			// The index is still valid, just not live.
			slog.Warn("Watcher unavailable for root", "root", abs, "error", err)
			ex.advise(Advisory{Root: abs, Err: err})
		}
	}

	return v, nil
}

// watch starts a RootWatcher for root unless one is already running.
func (ex *Explorer) watch(root string) error {
	ex.mu.Lock()
	defer ex.mu.Unlock()

	if _, ok := ex.watchers[root]; ok {
		return nil
	}

	w, err := watcher.New(root, watcher.Config{
		DebounceDelay:    ex.cfg.Watcher.DebounceDelay,
		MaxDebounceDelay: ex.cfg.Watcher.MaxDebounceDelay,
		QueueCapacity:    ex.cfg.Watcher.QueueCapacity,
	})
	if err != nil {
		return err
	}
	if err := w.Start(ex.ctx); err != nil {
		w.Close()
		return err
	}

	ws := &watchSession{w: w}

	// Diffs for one root are applied by a single goroutine, so arrival
	// order is preserved.
	ws.wg.Add(2)
	go func() {
		defer ws.wg.Done()
		for {
			select {
			case <-ex.ctx.Done():
				return
			case ch, ok := <-w.Changes():
				if !ok {
					return
				}
				if err := ex.store.ApplyChange(root, ch); err != nil {
					slog.Warn("Failed to apply watcher change", "root", root, "path", ch.Path, "error", err)
				}
			}
		}
	}()
	go func() {
		defer ws.wg.Done()
		select {
		case <-ex.ctx.Done():
		case err := <-w.Errors():
			ex.degradeRoot(root, ws, err)
		}
	}()

	ex.watchers[root] = ws
	return nil
}

// degradeRoot tears down a failed watcher session and surfaces the
// advisory. The index's last snapshot stays authoritative for the root
// until the consumer triggers a Rebuild.
func (ex *Explorer) degradeRoot(root string, ws *watchSession, err error) {
	slog.Warn("Watcher degraded", "root", root, "error", err)
	ex.advise(Advisory{Root: root, Err: err})

	ex.mu.Lock()
	delete(ex.watchers, root)
	ex.mu.Unlock()

	// Release the notification descriptor and debounce timers; closing the
	// change stream also winds down the draining goroutine.
	if err := ws.w.Close(); err != nil {
		slog.Warn("Error closing degraded watcher", "root", root, "error", err)
	}
}

// advise delivers an advisory without ever blocking the caller.
func (ex *Explorer) advise(a Advisory) {
	select {
	case ex.advisories <- a:
	default:
		slog.Warn("Advisory dropped, channel full", "root", a.Root)
	}
}

// Advisories returns the channel carrying watcher degradation notices.
func (ex *Explorer) Advisories() <-chan Advisory {
	return ex.advisories
}

// List returns the immediate children of dir from the index snapshot,
// path-ordered. Dir must live under an open root.
func (ex *Explorer) List(dir string) ([]entry.Entry, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", dir, err)
	}
	root, err := ex.owningRoot(abs)
	if err != nil {
		return nil, err
	}
	return ex.store.QueryPrefix(root, abs)
}

// Search runs a fuzzy query against the snapshot of the root owning the
// query's scope directory.
func (ex *Explorer) Search(q search.Query) ([]search.Match, error) {
	abs, err := filepath.Abs(q.Scope.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", q.Scope.Dir, err)
	}
	q.Scope.Dir = abs

	root, err := ex.owningRoot(abs)
	if err != nil {
		return nil, err
	}
	v, err := ex.store.View(root)
	if err != nil {
		return nil, err
	}
	return ex.engine.Search(q, v), nil
}

// View returns the current snapshot for an open root.
func (ex *Explorer) View(root string) (index.View, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return index.View{}, fmt.Errorf("failed to resolve root %s: %w", root, err)
	}
	return ex.store.View(abs)
}

// Rebuild discards the snapshot for root and rescans it, preserving the
// generation sequence. This is the recovery path after an advisory.
func (ex *Explorer) Rebuild(ctx context.Context, root string) (index.View, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return index.View{}, fmt.Errorf("failed to resolve root %s: %w", root, err)
	}
	slog.Info("Rebuilding index", "root", abs)
	return ex.store.Build(ctx, abs)
}

// Submit enqueues a filesystem operation. Completed work is reflected in
// the index through the pipeline's change sink, independent of watchers.
func (ex *Explorer) Submit(req fileops.Request) (*fileops.Handle, error) {
	if ex.cfg.Fileops.Verify {
		req.Verify = true
	}
	return ex.pipeline.Submit(req)
}

// Cancel requests cooperative cancellation of a running operation.
func (ex *Explorer) Cancel(id uuid.UUID) error {
	return ex.pipeline.Cancel(id)
}

// Poll reports an operation's status and progress.
func (ex *Explorer) Poll(id uuid.UUID) (fileops.Status, fileops.Progress, error) {
	return ex.pipeline.Poll(id)
}

// Ack releases a terminal operation's bookkeeping.
func (ex *Explorer) Ack(id uuid.UUID) error {
	return ex.pipeline.Ack(id)
}

// applyChanges routes operation diffs to the roots that own them. Paths
// outside every open root are dropped; the operation itself already
// succeeded on disk.
func (ex *Explorer) applyChanges(changes []entry.Change) {
	roots := ex.store.Roots()
	for _, ch := range changes {
		root, ok := longestOwner(roots, ch.Path)
		if !ok {
			continue
		}
		if err := ex.store.ApplyChange(root, ch); err != nil {
			slog.Warn("Failed to apply operation change", "root", root, "path", ch.Path, "error", err)
		}
	}
}

// owningRoot resolves the open root that contains path.
func (ex *Explorer) owningRoot(path string) (string, error) {
	root, ok := longestOwner(ex.store.Roots(), path)
	if !ok {
		return "", fmt.Errorf("%w: no open root contains %s", index.ErrUnknownRoot, path)
	}
	return root, nil
}

// longestOwner picks the deepest root that is path itself or an ancestor
// of it.
func longestOwner(roots []string, path string) (string, bool) {
	var best string
	var found bool
	for _, r := range roots {
		if path != r && !strings.HasPrefix(path, r+string(os.PathSeparator)) {
			continue
		}
		if !found || len(r) > len(best) {
			best = r
			found = true
		}
	}
	return best, found
}

// Close stops all watchers and the pipeline, then persists every open
// root so the next session starts from cache.
func (ex *Explorer) Close() error {
	var firstErr error
	ex.closeOnce.Do(func() {
		ex.cancelCtx()

		ex.mu.Lock()
		sessions := make([]*watchSession, 0, len(ex.watchers))
		for _, ws := range ex.watchers {
			sessions = append(sessions, ws)
		}
		ex.watchers = make(map[string]*watchSession)
		ex.mu.Unlock()

		for _, ws := range sessions {
			if err := ws.w.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
			ws.wg.Wait()
		}

		ex.pipeline.Close()

		if ex.cfg.Explorer.CacheDir == "" {
			return
		}
		for _, root := range ex.store.Roots() {
			if err := ex.store.Persist(root); err != nil {
				slog.Warn("Failed to persist index on close", "root", root, "error", err)
				if firstErr == nil {
					firstErr = err
				}
			}
		}
	})
	return firstErr
}

package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	radix "github.com/armon/go-radix"

	"github.com/skiffcore/skiff/skiff/entry"
)

// Common error values returned by the store.
var (
	ErrUnknownRoot  = errors.New("root is not indexed")
	ErrCorruptCache = errors.New("persisted cache is corrupt")
)

// Options configures a Store.
type Options struct {
	// CacheDir is where persisted snapshots live.
	CacheDir string

	// RebuildCache forces LoadOrBuild to bypass the persisted cache
	// (the --rebuild-cache flag of the consuming CLI).
	RebuildCache bool

	// PersistThreshold is the number of applied changes after which a
	// snapshot is opportunistically persisted. Zero disables it.
	PersistThreshold int

	// Scan configures traversal for builds.
	Scan ScanOptions
}

// rootState is the mutable per-root state owned by the Store. The entry
// set lives in a radix tree keyed by path, which makes diff application
// O(k) in path length and prefix queries cheap. The ordered slice and
// bitmaps handed to readers are materialized lazily per generation.
type rootState struct {
	mu      sync.RWMutex
	tree    *radix.Tree
	gen     uint64
	flat    []entry.Entry // nil when stale relative to gen
	bitmaps *AttributeBitmaps
	pending int

	ready chan struct{} // closed once the first build or load finishes
	err   error
}

// Store is the directory index: it owns every indexed root's snapshot and
// is the only component that mutates them. All other components receive
// read-only Views.
type Store struct {
	mu    sync.Mutex
	roots map[string]*rootState
	opts  Options

	scanner *Scanner
}

// NewStore creates an empty index store.
func NewStore(opts Options) *Store {
	return &Store{
		roots:   make(map[string]*rootState),
		opts:    opts,
		scanner: NewScanner(opts.Scan),
	}
}

// LoadOrBuild returns the snapshot view for root, deserializing the
// persisted cache when possible and falling back to a full scan. Cache
// corruption or version mismatch is a cache miss, never a fatal error.
// Concurrent calls for the same uncached root are coalesced: exactly one
// scan executes and every caller receives the same snapshot/generation.
func (s *Store) LoadOrBuild(ctx context.Context, root string) (View, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return View{}, fmt.Errorf("failed to resolve root: %w", err)
	}

	s.mu.Lock()
	st, ok := s.roots[root]
	if ok {
		s.mu.Unlock()
		select {
		case <-st.ready:
		case <-ctx.Done():
			return View{}, ctx.Err()
		}
		if st.err != nil {
			return View{}, st.err
		}
		return s.view(st, root)
	}

	st = &rootState{ready: make(chan struct{})}
	s.roots[root] = st
	s.mu.Unlock()

	entries, gen, loaded := []entry.Entry(nil), uint64(0), false
	if !s.opts.RebuildCache {
		entries, gen, loaded = s.loadCache(root)
	}
	if !loaded {
		entries, err = s.scanner.Scan(ctx, root)
		gen = 1
		// A forced rescan must continue, not restart, the generation
		// sequence recorded by an earlier session.
		if _, prev, ok := s.loadCache(root); ok {
			gen = prev + 1
		}
	}

	if err != nil {
		// Leave no half-built state behind; the next caller retries.
		s.mu.Lock()
		delete(s.roots, root)
		s.mu.Unlock()
		st.err = err
		close(st.ready)
		return View{}, err
	}

	st.tree = treeFromEntries(entries)
	st.gen = gen
	close(st.ready)

	if !loaded {
		if perr := s.Persist(root); perr != nil {
			slog.Warn("Failed to persist fresh snapshot", "root", root, "error", perr)
		}
	}

	return s.view(st, root)
}

// Build forces a full rescan of root, replacing any existing snapshot.
// The generation keeps increasing across rebuilds.
func (s *Store) Build(ctx context.Context, root string) (View, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return View{}, fmt.Errorf("failed to resolve root: %w", err)
	}

	entries, err := s.scanner.Scan(ctx, root)
	if err != nil {
		return View{}, err
	}

	s.mu.Lock()
	st, ok := s.roots[root]
	if !ok {
		st = &rootState{ready: make(chan struct{})}
		s.roots[root] = st
		st.tree = treeFromEntries(entries)
		// A root rebuilt without ever being loaded this session must not
		// restart its generation sequence: resume from the persisted
		// snapshot's counter when one exists.
		st.gen = 1
		if _, prev, loaded := s.loadCache(root); loaded {
			st.gen = prev + 1
		}
		close(st.ready)
		s.mu.Unlock()
	} else {
		s.mu.Unlock()
		<-st.ready
		st.mu.Lock()
		st.tree = treeFromEntries(entries)
		st.gen++
		st.flat = nil
		st.pending = 0
		st.mu.Unlock()
	}

	if perr := s.Persist(root); perr != nil {
		slog.Warn("Failed to persist rebuilt snapshot", "root", root, "error", perr)
	}

	return s.view(st, root)
}

// ApplyChange applies one Added/Removed/Modified event to root's snapshot.
// Application is O(k) in path length; a change that describes the already
// current state is a no-op and does not bump the generation, which makes
// the pipeline and watcher feeds idempotent against each other.
func (s *Store) ApplyChange(root string, ch entry.Change) error {
	st, root, err := s.state(root)
	if err != nil {
		return err
	}

	st.mu.Lock()

	changed := false
	switch ch.Kind {
	case entry.Added, entry.Modified:
		if cur, ok := st.tree.Get(ch.Path); !ok || cur.(entry.Entry) != ch.Entry {
			st.tree.Insert(ch.Path, ch.Entry)
			changed = true
		}
	case entry.Removed:
		if _, ok := st.tree.Delete(ch.Path); ok {
			changed = true
		}
		// A removed directory takes its whole subtree with it.
		if n := st.tree.DeletePrefix(ch.Path + string(filepath.Separator)); n > 0 {
			changed = true
		}
	}

	if !changed {
		st.mu.Unlock()
		slog.Debug("Change described current state, skipping", "path", ch.Path, "kind", ch.Kind)
		return nil
	}

	st.gen++
	st.flat = nil
	st.pending++
	persist := s.opts.PersistThreshold > 0 && st.pending >= s.opts.PersistThreshold
	if persist {
		st.pending = 0
	}
	st.mu.Unlock()

	if persist {
		go func() {
			if err := s.Persist(root); err != nil {
				slog.Warn("Opportunistic persist failed", "root", root, "error", err)
			}
		}()
	}

	return nil
}

// View returns the current consistent snapshot view for root.
func (s *Store) View(root string) (View, error) {
	st, root, err := s.state(root)
	if err != nil {
		return View{}, err
	}
	return s.view(st, root)
}

// Generation returns the current generation for root.
func (s *Store) Generation(root string) (uint64, error) {
	st, _, err := s.state(root)
	if err != nil {
		return 0, err
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.gen, nil
}

// QueryPrefix returns the immediate children of dir under root, in path
// order, reflecting the latest applied generation.
func (s *Store) QueryPrefix(root, dir string) ([]entry.Entry, error) {
	st, _, err := s.state(root)
	if err != nil {
		return nil, err
	}

	dir = filepath.Clean(dir)
	prefix := dir + string(filepath.Separator)

	st.mu.RLock()
	defer st.mu.RUnlock()

	out := make([]entry.Entry, 0, 16)
	st.tree.WalkPrefix(prefix, func(path string, v interface{}) bool {
		if !strings.Contains(path[len(prefix):], string(filepath.Separator)) {
			out = append(out, v.(entry.Entry))
		}
		return false
	})
	return out, nil
}

// Roots returns the currently indexed root paths.
func (s *Store) Roots() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	roots := make([]string, 0, len(s.roots))
	for r := range s.roots {
		roots = append(roots, r)
	}
	return roots
}

// state resolves root to its tracked state, waiting out any in-flight
// first build.
func (s *Store) state(root string) (*rootState, string, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, "", fmt.Errorf("failed to resolve root: %w", err)
	}

	s.mu.Lock()
	st, ok := s.roots[root]
	s.mu.Unlock()
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", ErrUnknownRoot, root)
	}

	<-st.ready
	if st.err != nil {
		return nil, "", st.err
	}
	return st, root, nil
}

// view materializes the ordered entry slice and bitmaps for st if the
// cached one is stale, then returns a View over them.
func (s *Store) view(st *rootState, root string) (View, error) {
	st.mu.RLock()
	if st.flat != nil {
		v := View{Root: root, Generation: st.gen, Entries: st.flat, Bitmaps: st.bitmaps}
		st.mu.RUnlock()
		return v, nil
	}
	st.mu.RUnlock()

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.flat == nil {
		flat := make([]entry.Entry, 0, st.tree.Len())
		st.tree.Walk(func(path string, v interface{}) bool {
			flat = append(flat, v.(entry.Entry))
			return false
		})
		st.flat = flat
		st.bitmaps = buildBitmaps(flat)
	}
	return View{Root: root, Generation: st.gen, Entries: st.flat, Bitmaps: st.bitmaps}, nil
}

func treeFromEntries(entries []entry.Entry) *radix.Tree {
	t := radix.New()
	for _, e := range entries {
		t.Insert(e.Path, e)
	}
	return t
}

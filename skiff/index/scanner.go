package index

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	ignore "github.com/sabhiram/go-gitignore"
	"github.com/sourcegraph/conc/pool"

	internal "github.com/skiffcore/skiff/skiff"
	"github.com/skiffcore/skiff/skiff/entry"
)

// ScanOptions configures a recursive directory build.
type ScanOptions struct {
	IncludeHidden  bool
	MaxDepth       int      // -1 means unlimited
	IgnorePatterns []string // gitignore-style patterns applied in addition to the per-root ignore file
	Progress       ProgressFunc
}

// ProgressFunc receives periodic progress updates during a build. It is
// called from scanner goroutines; implementations must be safe for
// concurrent use.
type ProgressFunc func(dirs, files int64, currentPath string)

// progressInterval is the number of discovered directories between
// progress callbacks.
const progressInterval = 100

// Scanner performs concurrent recursive directory enumeration using a
// bounded worker pool. Parallelism is bounded by available cores, not by
// directory count, so pathological trees cannot exhaust descriptors.
type Scanner struct {
	maxWorkers int
	opts       ScanOptions
}

// NewScanner creates a scanner with a worker count derived from the
// available CPU cores: I/O bound work benefits from oversubscription, with
// a floor for responsiveness and a ceiling to prevent resource exhaustion.
func NewScanner(opts ScanOptions) *Scanner {
	maxWorkers := min(max(runtime.NumCPU()*2, 4), 32)
	return &Scanner{maxWorkers: maxWorkers, opts: opts}
}

// visitNode is one link in a traversal branch's chain of canonical paths.
// Checking a child against the chain detects symlink cycles on that branch
// without any up-front full-graph analysis.
type visitNode struct {
	canon  string
	parent *visitNode
}

func (v *visitNode) contains(canon string) bool {
	for n := v; n != nil; n = n.parent {
		if n.canon == canon {
			return true
		}
	}
	return false
}

// dirJob is one directory queued for processing.
type dirJob struct {
	path   string
	depth  int
	branch *visitNode
}

// scanStats tracks counters during a traversal.
type scanStats struct {
	dirs   int64
	files  int64
	errors int64
}

// Scan recursively enumerates root and returns every entry beneath it
// (excluding root itself), breadth-first level by level on a bounded pool.
// Permission-denied subdirectories are recorded as Unreadable entries
// rather than aborting the build.
func (s *Scanner) Scan(ctx context.Context, root string) ([]entry.Entry, error) {
	start := time.Now()

	rootCanon, err := filepath.EvalSymlinks(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve root %s: %w", root, err)
	}

	ignored := s.loadIgnore(root)

	stats := &scanStats{}
	var entriesMu sync.Mutex
	entries := make([]entry.Entry, 0, 1024)

	currentLevel := []dirJob{{path: root, depth: 0, branch: &visitNode{canon: rootCanon}}}

	for len(currentLevel) > 0 {
		if s.opts.MaxDepth != -1 && currentLevel[0].depth > s.opts.MaxDepth {
			break
		}

		nextLevel := make([]dirJob, 0)
		var nextLevelMu sync.Mutex

		// A fresh pool per level avoids reusing a pool that has been waited on
		levelPool := pool.New().WithMaxGoroutines(s.maxWorkers).WithContext(ctx)

		for _, job := range currentLevel {
			levelPool.Go(func(ctx context.Context) error {
				found, children, err := s.processDir(ctx, job, ignored)
				if err != nil {
					// Cancellation aborts the build; per-directory failures
					// only degrade it.
					if ctx.Err() != nil {
						return ctx.Err()
					}
					atomic.AddInt64(&stats.errors, 1)
					slog.Error("Error processing directory", "path", job.path, "error", err)
					return nil
				}

				atomic.AddInt64(&stats.dirs, 1)
				atomic.AddInt64(&stats.files, int64(len(found)))

				entriesMu.Lock()
				entries = append(entries, found...)
				entriesMu.Unlock()

				nextLevelMu.Lock()
				nextLevel = append(nextLevel, children...)
				nextLevelMu.Unlock()

				if s.opts.Progress != nil && atomic.LoadInt64(&stats.dirs)%progressInterval == 0 {
					s.opts.Progress(atomic.LoadInt64(&stats.dirs), atomic.LoadInt64(&stats.files), job.path)
				}

				return nil
			})
		}

		if err := levelPool.Wait(); err != nil {
			return nil, err
		}

		currentLevel = nextLevel
	}

	if s.opts.Progress != nil {
		s.opts.Progress(atomic.LoadInt64(&stats.dirs), atomic.LoadInt64(&stats.files), root)
	}

	slog.Info("Scan completed",
		"root", root,
		"dirs", atomic.LoadInt64(&stats.dirs),
		"entries", len(entries),
		"errors", atomic.LoadInt64(&stats.errors),
		"duration", time.Since(start))

	return entries, nil
}

// processDir reads one directory, returning its entries and the child
// directories to descend into.
func (s *Scanner) processDir(ctx context.Context, job dirJob, ignored *ignore.GitIgnore) ([]entry.Entry, []dirJob, error) {
	select {
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	default:
	}

	dirents, err := os.ReadDir(job.path)
	if err != nil {
		if os.IsPermission(err) {
			// Partial failure: keep the directory visible as unreadable
			return []entry.Entry{entry.NewUnreadable(job.path)}, nil, nil
		}
		return nil, nil, fmt.Errorf("failed to read directory %s: %w", job.path, err)
	}

	found := make([]entry.Entry, 0, len(dirents))
	children := make([]dirJob, 0, 4)

	for _, d := range dirents {
		childPath := filepath.Join(job.path, d.Name())

		if !s.opts.IncludeHidden && len(d.Name()) > 0 && d.Name()[0] == '.' {
			continue
		}
		if s.shouldIgnore(childPath, ignored) {
			slog.Debug("Ignoring path", "path", childPath)
			continue
		}

		info, err := d.Info()
		if err != nil {
			slog.Warn("Error getting entry info", "name", d.Name(), "error", err)
			continue
		}

		e := entry.New(childPath, info)
		found = append(found, e)

		switch e.Kind {
		case entry.Directory:
			children = append(children, dirJob{
				path:   childPath,
				depth:  job.depth + 1,
				branch: &visitNode{canon: childPath, parent: job.branch},
			})
		case entry.Symlink:
			// Follow symlinked directories only when the target is not
			// already on this branch, which guarantees termination on
			// cyclic link graphs.
			canon, err := filepath.EvalSymlinks(childPath)
			if err != nil {
				continue
			}
			target, err := os.Stat(canon)
			if err != nil || !target.IsDir() {
				continue
			}
			if job.branch.contains(canon) {
				slog.Debug("Symlink cycle detected, skipping", "path", childPath, "target", canon)
				continue
			}
			children = append(children, dirJob{
				path:   childPath,
				depth:  job.depth + 1,
				branch: &visitNode{canon: canon, parent: job.branch},
			})
		}
	}

	return found, children, nil
}

// shouldIgnore applies the per-root ignore file and configured patterns.
func (s *Scanner) shouldIgnore(path string, ignored *ignore.GitIgnore) bool {
	if ignored != nil && ignored.MatchesPath(path) {
		return true
	}
	for _, pattern := range s.opts.IgnorePatterns {
		if pattern != "" && matchPattern(path, pattern) {
			return true
		}
	}
	return false
}

// matchPattern applies a configured ignore pattern as a path-segment match.
func matchPattern(path, pattern string) bool {
	for _, seg := range strings.Split(path, string(os.PathSeparator)) {
		if seg == "" {
			continue
		}
		if ok, _ := filepath.Match(pattern, seg); ok {
			return true
		}
	}
	return false
}

// loadIgnore compiles the per-root ignore file if one exists.
func (s *Scanner) loadIgnore(root string) *ignore.GitIgnore {
	ignorePath := filepath.Join(root, internal.DefaultIgnoreFileName)
	if _, err := os.Stat(ignorePath); err != nil {
		return nil
	}
	ignored, err := ignore.CompileIgnoreFile(ignorePath)
	if err != nil {
		slog.Warn("Failed to compile ignore file", "path", ignorePath, "error", err)
		return nil
	}
	return ignored
}

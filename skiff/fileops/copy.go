package fileops

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/skiffcore/skiff/skiff/entry"
)

// copy executes a Copy request: a single file or a directory tree, with
// byte-accurate progress and a cancellation checkpoint per file and per
// chunk within a file.
func (p *Pipeline) copy(ctx context.Context, h *Handle) ([]entry.Change, error) {
	info, err := os.Lstat(h.req.Source)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, h.req.Source)
		}
		return nil, fmt.Errorf("failed to stat %s: %w", h.req.Source, err)
	}

	dest, err := resolveDest(h.req.Dest, h.req.Conflict)
	if err != nil {
		return nil, err
	}

	if info.IsDir() {
		return p.copyDir(ctx, h, h.req.Source, dest)
	}

	h.bytesTotal.Store(info.Size())
	h.itemsTotal.Store(1)

	done, err := p.copyFile(ctx, h, h.req.Source, dest, info)
	if err != nil {
		return nil, err
	}
	if !done {
		// Cancelled mid-file: the partial destination stays on disk for
		// inspection but is neither counted nor announced to the index.
		return nil, nil
	}
	h.itemsDone.Add(1)
	h.reportProgress()

	changes, err := addedChange(dest)
	if err != nil {
		return nil, err
	}
	return changes, nil
}

// move executes a Move request: a same-device rename when possible, a
// copy followed by source deletion otherwise (cross-device fallback).
func (p *Pipeline) move(ctx context.Context, h *Handle) ([]entry.Change, error) {
	if _, err := os.Lstat(h.req.Source); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, h.req.Source)
		}
		return nil, fmt.Errorf("failed to stat %s: %w", h.req.Source, err)
	}

	dest, err := resolveDest(h.req.Dest, h.req.Conflict)
	if err != nil {
		return nil, err
	}

	if err := os.Rename(h.req.Source, dest); err == nil {
		changes := []entry.Change{entry.Remove(h.req.Source)}
		added, err := collectTree(dest)
		if err != nil {
			return changes, err
		}
		return append(changes, added...), nil
	}

	// Cross-device: copy then delete the source. The source survives a
	// cancellation or failure of the copy phase.
	copyReq := h.req
	copyReq.Dest = dest
	copyReq.Conflict = ConflictOverwrite
	h.req = copyReq

	changes, err := p.copy(ctx, h)
	if err != nil || h.cancelled.Load() {
		return changes, err
	}

	if err := os.RemoveAll(copyReq.Source); err != nil {
		return changes, fmt.Errorf("failed to remove source after copy: %w", err)
	}
	return append(changes, entry.Remove(copyReq.Source)), nil
}

// copyTask is one file or directory scheduled within a directory copy.
type copyTask struct {
	src  string
	dst  string
	info os.FileInfo
}

// copyDir copies a directory tree. Byte totals are precomputed so
// progress is meaningful; if the pre-scan fails partway the item count
// still serves. Cancellation between files leaves the completed files in
// place and reports the diffs for exactly those files.
func (p *Pipeline) copyDir(ctx context.Context, h *Handle, src, dest string) ([]entry.Change, error) {
	tasks, totalBytes, err := p.planDirCopy(src, dest)
	if err != nil {
		return nil, err
	}
	h.bytesTotal.Store(totalBytes)
	h.itemsTotal.Store(int64(len(tasks)))

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create destination %s: %w", dest, err)
	}
	changes, err := addedChange(dest)
	if err != nil {
		return nil, err
	}

	for _, t := range tasks {
		// Checkpoint between discrete sub-steps.
		if h.checkpoint(ctx) {
			return changes, nil
		}

		if t.info.IsDir() {
			if err := os.MkdirAll(t.dst, t.info.Mode().Perm()); err != nil {
				return changes, fmt.Errorf("failed to create directory %s: %w", t.dst, err)
			}
		} else {
			done, err := p.copyFile(ctx, h, t.src, t.dst, t.info)
			if err != nil {
				return changes, err
			}
			if !done {
				return changes, nil
			}
		}

		added, err := addedChange(t.dst)
		if err != nil {
			return changes, err
		}
		changes = append(changes, added...)

		h.itemsDone.Add(1)
		h.reportProgress()
	}

	return changes, nil
}

// planDirCopy walks the source tree collecting tasks in traversal order
// and summing regular file sizes for byte-accurate progress.
func (p *Pipeline) planDirCopy(src, dest string) ([]copyTask, int64, error) {
	var tasks []copyTask
	var totalBytes int64

	err := filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == src {
			return nil
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		tasks = append(tasks, copyTask{src: path, dst: filepath.Join(dest, rel), info: info})
		if info.Mode().IsRegular() {
			totalBytes += info.Size()
		}
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to scan %s: %w", src, err)
	}
	return tasks, totalBytes, nil
}

// copyFile copies one regular file in chunks, checking for cancellation
// between chunks. It returns false when cancellation stopped the copy
// short of the full file; the partial destination stays in place for
// inspection, no rollback is attempted.
func (p *Pipeline) copyFile(ctx context.Context, h *Handle, src, dst string, info os.FileInfo) (bool, error) {
	in, err := os.Open(src)
	if err != nil {
		return false, fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return false, fmt.Errorf("failed to create parent of %s: %w", dst, err)
	}

	out, err := os.Create(dst)
	if err != nil {
		return false, fmt.Errorf("failed to create %s: %w", dst, err)
	}

	buf := make([]byte, p.config.ChunkSize)
	for {
		if h.checkpoint(ctx) {
			out.Close()
			return false, nil
		}

		n, rerr := in.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				out.Close()
				return false, fmt.Errorf("failed to write %s: %w", dst, werr)
			}
			h.bytesDone.Add(int64(n))
			h.reportProgress()
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			out.Close()
			return false, fmt.Errorf("failed to read %s: %w", src, rerr)
		}
	}

	if err := out.Close(); err != nil {
		return false, fmt.Errorf("failed to close %s: %w", dst, err)
	}

	if h.req.PreservePerms {
		if err := os.Chmod(dst, info.Mode().Perm()); err != nil {
			return false, fmt.Errorf("failed to preserve permissions on %s: %w", dst, err)
		}
	}

	if h.req.Verify {
		if err := verifyCopy(src, dst); err != nil {
			return false, err
		}
	}

	return true, nil
}

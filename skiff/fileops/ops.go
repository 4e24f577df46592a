package fileops

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/skiffcore/skiff/skiff/entry"
)

// createFile creates an empty file at the request source path.
func (p *Pipeline) createFile(req Request) ([]entry.Change, error) {
	if _, err := os.Lstat(req.Source); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, req.Source)
	}

	f, err := os.OpenFile(req.Source, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create file %s: %w", req.Source, err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("failed to close created file %s: %w", req.Source, err)
	}

	return addedChange(req.Source)
}

// createDir creates a directory at the request source path.
func (p *Pipeline) createDir(req Request) ([]entry.Change, error) {
	if _, err := os.Lstat(req.Source); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, req.Source)
	}

	if err := os.Mkdir(req.Source, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", req.Source, err)
	}

	return addedChange(req.Source)
}

// deletePath removes a file, or a directory when the request is
// recursive. A single Removed diff covers the subtree: the index drops
// every entry beneath a removed directory.
func (p *Pipeline) deletePath(req Request) ([]entry.Change, error) {
	info, err := os.Lstat(req.Source)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, req.Source)
		}
		return nil, fmt.Errorf("failed to stat %s: %w", req.Source, err)
	}

	if info.IsDir() {
		if !req.Recursive {
			return nil, fmt.Errorf("%w: %s", ErrIsDirectory, req.Source)
		}
		if err := os.RemoveAll(req.Source); err != nil {
			return nil, fmt.Errorf("failed to delete directory %s: %w", req.Source, err)
		}
	} else {
		if err := os.Remove(req.Source); err != nil {
			return nil, fmt.Errorf("failed to delete file %s: %w", req.Source, err)
		}
	}

	return []entry.Change{entry.Remove(req.Source)}, nil
}

// rename moves the source to the request destination via the filesystem's
// rename, applying the conflict policy first.
func (p *Pipeline) rename(req Request) ([]entry.Change, error) {
	if _, err := os.Lstat(req.Source); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, req.Source)
		}
		return nil, fmt.Errorf("failed to stat %s: %w", req.Source, err)
	}

	dest, err := resolveDest(req.Dest, req.Conflict)
	if err != nil {
		return nil, err
	}

	if err := os.Rename(req.Source, dest); err != nil {
		return nil, fmt.Errorf("failed to rename %s to %s: %w", req.Source, dest, err)
	}

	changes := []entry.Change{entry.Remove(req.Source)}
	added, err := collectTree(dest)
	if err != nil {
		return changes, err
	}
	return append(changes, added...), nil
}

// addedChange stats path and wraps it in a single Added diff.
func addedChange(path string) ([]entry.Change, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	return []entry.Change{entry.Add(entry.New(path, info))}, nil
}

// collectTree returns Added diffs for path and everything beneath it.
func collectTree(path string) ([]entry.Change, error) {
	var changes []entry.Change
	err := filepath.Walk(path, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // skip unreadable entries
		}
		changes = append(changes, entry.Add(entry.New(p, info)))
		return nil
	})
	if err != nil {
		return changes, fmt.Errorf("failed to walk %s: %w", path, err)
	}
	return changes, nil
}

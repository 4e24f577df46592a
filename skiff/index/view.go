package index

import (
	"path/filepath"

	"github.com/skiffcore/skiff/skiff/entry"
)

// View is a consistent read-only snapshot of one root's entries, tagged
// with the generation it was read from so callers can detect staleness.
// The entry slice is never mutated after a View is handed out; the store
// replaces slices wholesale when changes are applied.
type View struct {
	Root       string
	Generation uint64
	Entries    []entry.Entry // ordered by path
	Bitmaps    *AttributeBitmaps
}

// Children returns the immediate children of dir within the view, in path
// order. dir may be the view's root or any directory beneath it.
func (v View) Children(dir string) []entry.Entry {
	dir = filepath.Clean(dir)
	out := make([]entry.Entry, 0, 16)
	for _, e := range v.Entries {
		if filepath.Dir(e.Path) == dir {
			out = append(out, e)
		}
	}
	return out
}

// Lookup finds an entry by exact path.
func (v View) Lookup(path string) (entry.Entry, bool) {
	// Entries are sorted by path, so binary search suffices.
	lo, hi := 0, len(v.Entries)
	for lo < hi {
		mid := (lo + hi) / 2
		switch {
		case v.Entries[mid].Path < path:
			lo = mid + 1
		case v.Entries[mid].Path > path:
			hi = mid
		default:
			return v.Entries[mid], true
		}
	}
	return entry.Entry{}, false
}

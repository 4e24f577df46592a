package index

import (
	roaring "github.com/RoaringBitmap/roaring"

	"github.com/skiffcore/skiff/skiff/entry"
)

// AttributeBitmaps holds roaring bitmaps over entry positions in a view's
// ordered entry slice. They serve as cheap pre-filters for search queries
// (kind, hidden, extension) without rescanning the entries.
type AttributeBitmaps struct {
	Dirs   *roaring.Bitmap
	Files  *roaring.Bitmap
	Hidden *roaring.Bitmap
	Ext    map[string]*roaring.Bitmap
}

// buildBitmaps indexes entries by position.
func buildBitmaps(entries []entry.Entry) *AttributeBitmaps {
	ab := &AttributeBitmaps{
		Dirs:   roaring.New(),
		Files:  roaring.New(),
		Hidden: roaring.New(),
		Ext:    make(map[string]*roaring.Bitmap),
	}

	for i, e := range entries {
		pos := uint32(i)
		switch e.Kind {
		case entry.Directory, entry.Unreadable:
			ab.Dirs.Add(pos)
		default:
			ab.Files.Add(pos)
		}
		if e.IsHidden {
			ab.Hidden.Add(pos)
		}
		if ext := e.Ext(); ext != "" {
			bm, ok := ab.Ext[ext]
			if !ok {
				bm = roaring.New()
				ab.Ext[ext] = bm
			}
			bm.Add(pos)
		}
	}

	return ab
}

// AnyExt returns the union of the bitmaps for the given extensions.
func (ab *AttributeBitmaps) AnyExt(exts ...string) *roaring.Bitmap {
	res := roaring.New()
	for _, ext := range exts {
		if bm, ok := ab.Ext[ext]; ok {
			res.Or(bm)
		}
	}
	return res
}

package entry

// ChangeKind identifies the type of filesystem change a Change describes.
type ChangeKind int

const (
	// Added represents a newly created file or directory
	Added ChangeKind = iota
	// Removed represents a deleted file or directory
	Removed
	// Modified represents a content or metadata change on an existing path,
	// including both halves of an observed rename pair
	Modified
)

// String converts ChangeKind to its serialized name
func (k ChangeKind) String() string {
	switch k {
	case Added:
		return "added"
	case Removed:
		return "removed"
	case Modified:
		return "modified"
	default:
		return "unknown"
	}
}

// Change is the unit of incremental index update. Both the watcher and the
// operation pipeline emit Changes in this shape; the index applies them in
// arrival order and treats duplicates as no-ops on the entry set.
type Change struct {
	Path string
	Kind ChangeKind

	// Entry carries the refreshed node for Added and Modified changes.
	// It is zero for Removed.
	Entry Entry
}

// Add builds an Added change for e.
func Add(e Entry) Change {
	return Change{Path: e.Path, Kind: Added, Entry: e}
}

// Remove builds a Removed change for path.
func Remove(path string) Change {
	return Change{Path: path, Kind: Removed}
}

// Modify builds a Modified change carrying the refreshed entry.
func Modify(e Entry) Change {
	return Change{Path: e.Path, Kind: Modified, Entry: e}
}

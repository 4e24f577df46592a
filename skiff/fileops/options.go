package fileops

// OpKind identifies the kind of mutation a request performs.
type OpKind int

const (
	OpCreateFile OpKind = iota
	OpCreateDir
	OpDelete
	OpRename
	OpCopy
	OpMove
)

// String converts OpKind to a log-friendly name
func (k OpKind) String() string {
	switch k {
	case OpCreateFile:
		return "create_file"
	case OpCreateDir:
		return "create_dir"
	case OpDelete:
		return "delete"
	case OpRename:
		return "rename"
	case OpCopy:
		return "copy"
	case OpMove:
		return "move"
	default:
		return "unknown"
	}
}

// ConflictStrategy defines how to handle an existing destination path.
type ConflictStrategy string

const (
	// ConflictRename deterministically generates a non-colliding name by
	// appending a counted suffix. This is the default.
	ConflictRename ConflictStrategy = "rename"
	// ConflictOverwrite replaces the existing destination.
	ConflictOverwrite ConflictStrategy = "overwrite"
	// ConflictFail aborts the request with an AlreadyExists error.
	ConflictFail ConflictStrategy = "fail"
)

// Progress is a point-in-time view of a running operation. Byte totals
// are used when they could be precomputed; item counts are the fallback.
type Progress struct {
	BytesDone  int64
	BytesTotal int64
	ItemsDone  int64
	ItemsTotal int64
}

// ProgressFunc is invoked by the executing worker after each completed
// sub-step (file, or chunk of a large file). It runs on the worker
// goroutine and must not block.
type ProgressFunc func(p Progress)

// Request describes one file-mutating command submitted to the pipeline.
type Request struct {
	Kind   OpKind
	Source string
	// Dest is the destination path for Rename/Copy/Move and unused
	// otherwise.
	Dest string

	// Conflict selects the name-collision policy for Copy/Move. Empty
	// means ConflictRename.
	Conflict ConflictStrategy

	// Recursive permits deleting a non-empty directory.
	Recursive bool

	// PreservePerms copies the source permission bits to the destination.
	PreservePerms bool

	// Verify re-reads source and destination after a copy and compares
	// BLAKE3 checksums.
	Verify bool

	// Progress optionally observes the operation as it runs.
	Progress ProgressFunc
}

package entry

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Kind identifies the type of filesystem node an Entry describes.
type Kind int

const (
	File Kind = iota
	Directory
	Symlink
	// Unreadable marks a directory the scanner could not descend into
	// (typically permission denied). It keeps the build partial instead
	// of failing it.
	Unreadable
)

// String converts Kind to its serialized name
func (k Kind) String() string {
	switch k {
	case File:
		return "file"
	case Directory:
		return "directory"
	case Symlink:
		return "symlink"
	case Unreadable:
		return "unreadable"
	default:
		return "unknown"
	}
}

// Entry describes a single filesystem node. Entries are immutable once
// produced; a change to the underlying file yields a new Entry via a
// Change, never an in-place edit visible to concurrent readers.
type Entry struct {
	Path       string    `json:"path"`
	Name       string    `json:"name"`
	Kind       Kind      `json:"kind"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modified_at"`
	IsHidden   bool      `json:"is_hidden"`
}

// New builds an Entry for path from its FileInfo.
func New(path string, info os.FileInfo) Entry {
	name := filepath.Base(path)

	kind := File
	switch {
	case info.Mode()&os.ModeSymlink != 0:
		kind = Symlink
	case info.IsDir():
		kind = Directory
	}

	return Entry{
		Path:       path,
		Name:       name,
		Kind:       kind,
		Size:       info.Size(),
		ModifiedAt: info.ModTime(),
		IsHidden:   strings.HasPrefix(name, "."),
	}
}

// NewUnreadable builds the partial-failure marker for a directory the
// scanner was denied access to.
func NewUnreadable(path string) Entry {
	name := filepath.Base(path)
	return Entry{
		Path:     path,
		Name:     name,
		Kind:     Unreadable,
		IsHidden: strings.HasPrefix(name, "."),
	}
}

// Ext returns the lowercased extension of the entry name, including the
// leading dot, or "" for directories and extension-less names.
func (e Entry) Ext() string {
	if e.Kind == Directory || e.Kind == Unreadable {
		return ""
	}
	return strings.ToLower(filepath.Ext(e.Name))
}

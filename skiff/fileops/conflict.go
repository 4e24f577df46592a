package fileops

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// resolveDest applies the conflict strategy to the requested destination
// and returns the path the operation should actually write.
func resolveDest(dest string, strategy ConflictStrategy) (string, error) {
	if _, err := os.Lstat(dest); err != nil {
		if os.IsNotExist(err) {
			return dest, nil
		}
		return "", fmt.Errorf("failed to stat destination %s: %w", dest, err)
	}

	switch strategy {
	case ConflictOverwrite:
		return dest, nil
	case ConflictFail:
		return "", fmt.Errorf("%w: %s", ErrAlreadyExists, dest)
	case ConflictRename:
		return generateUniquePath(dest), nil
	default:
		return "", fmt.Errorf("unknown conflict strategy: %s", strategy)
	}
}

// generateUniquePath deterministically generates a non-colliding name by
// appending a counted suffix before the extension: name_1.ext, name_2.ext.
func generateUniquePath(path string) string {
	dir := filepath.Dir(path)
	name := filepath.Base(path)
	ext := filepath.Ext(name)
	baseName := strings.TrimSuffix(name, ext)

	for counter := 1; ; counter++ {
		newName := fmt.Sprintf("%s_%d%s", baseName, counter, ext)
		newPath := filepath.Join(dir, newName)
		if _, err := os.Lstat(newPath); os.IsNotExist(err) {
			return newPath
		}
	}
}

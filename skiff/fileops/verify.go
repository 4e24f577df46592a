package fileops

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/zeebo/blake3"
)

// hashFile computes the BLAKE3 digest of the file at path.
func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open file for hashing: %w", err)
	}
	defer f.Close()

	h := blake3.New()
	buf := make([]byte, 32*1024)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", fmt.Errorf("failed to hash file: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// verifyCopy confirms that dst is a byte-identical copy of src.
func verifyCopy(src, dst string) error {
	srcSum, err := hashFile(src)
	if err != nil {
		return err
	}
	dstSum, err := hashFile(dst)
	if err != nil {
		return err
	}
	if srcSum != dstSum {
		return fmt.Errorf("copy verification failed for %s: checksum mismatch", dst)
	}
	return nil
}

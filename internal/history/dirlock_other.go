//go:build !unix

package history

import (
	"errors"
	"os"
)

var ErrDataDirLocked = errors.New("data directory is locked by another process")

// LockDataDir only creates dir on platforms without flock.
func LockDataDir(dir string) (func() error, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return func() error { return nil }, nil
}

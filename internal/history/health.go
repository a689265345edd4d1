package history

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"
)

// HealthFlag is the durable "tracking is trustworthy" bit. It lives apart
// from the record collection so that losing the collection cannot make the
// tracker believe it is still in a good state.
type HealthFlag interface {
	IsGood() bool
	SetGood(good bool) error
}

// FileHealthFlag is good while its marker file exists.
type FileHealthFlag struct {
	Path string
}

func NewFileHealthFlag(path string) *FileHealthFlag {
	return &FileHealthFlag{Path: path}
}

func (f *FileHealthFlag) IsGood() bool {
	if f == nil || strings.TrimSpace(f.Path) == "" {
		return false
	}
	_, err := os.Stat(f.Path)
	return err == nil
}

func (f *FileHealthFlag) SetGood(good bool) error {
	if f == nil || strings.TrimSpace(f.Path) == "" {
		return ErrInvalidInput
	}
	if !good {
		if err := os.Remove(f.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o755); err != nil {
		return err
	}
	return writeFileAtomic(f.Path, []byte(time.Now().UTC().Format(time.RFC3339Nano)+"\n"), 0o644)
}

type MemoryHealthFlag struct {
	good atomic.Bool
}

func NewMemoryHealthFlag() *MemoryHealthFlag {
	return &MemoryHealthFlag{}
}

func (f *MemoryHealthFlag) IsGood() bool {
	return f.good.Load()
}

func (f *MemoryHealthFlag) SetGood(good bool) error {
	f.good.Store(good)
	return nil
}

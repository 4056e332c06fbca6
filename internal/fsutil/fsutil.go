// Package fsutil writes files so that readers never observe a partial
// artifact: content goes to a temp sibling, is fsynced, then renamed into
// place.
package fsutil

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/mesh-intelligence/projectkit/pkg/types"
)

// WriteAtomic replaces path with data.
func WriteAtomic(path string, data []byte, perm os.FileMode) error {
	return WriteAtomicFrom(path, bytes.NewReader(data), perm)
}

// WriteAtomicFrom replaces path with everything read from r.
func WriteAtomicFrom(path string, r io.Reader, perm os.FileMode) error {
	return ProduceAtomic(path, perm, func(tmpPath string) error {
		f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
		if err != nil {
			return err
		}
		if _, err := io.Copy(f, r); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	})
}

// ProduceAtomic lets produce write a temp file by path, then fsyncs and
// renames it onto path. The temp file is removed on any failure.
func ProduceAtomic(path string, perm os.FileMode, produce func(tmpPath string) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: create %s: %w", types.ErrIO, dir, err)
	}
	tmpName := filepath.Join(dir, "."+filepath.Base(path)+".tmp."+uuid.NewString())
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if err := produce(tmpName); err != nil {
		return err
	}
	if err := syncFile(tmpName, perm); err != nil {
		return fmt.Errorf("%w: sync %s: %w", types.ErrIO, tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("%w: rename onto %s: %w", types.ErrIO, path, err)
	}
	committed = true
	if err := fsyncDir(dir); err != nil {
		return fmt.Errorf("%w: sync %s: %w", types.ErrIO, dir, err)
	}
	return nil
}

// CopyFile copies src onto dst atomically.
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("%w: open %s: %w", types.ErrIO, src, err)
	}
	defer in.Close()
	return WriteAtomicFrom(dst, in, 0o644)
}

// RemoveIfExists deletes path and reports whether it was present.
func RemoveIfExists(path string) (bool, error) {
	err := os.Remove(path)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("%w: remove %s: %w", types.ErrIO, path, err)
	}
}

// Exists reports whether path names an existing regular file.
func Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func syncFile(path string, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := f.Chmod(perm); err != nil {
		return err
	}
	return f.Sync()
}

func fsyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}

package logrotate

import (
	"errors"
	"fmt"
	"os"
	"sync"
)

// DefaultBackups is the number of rotated files kept by OpenFile.
const DefaultBackups = 3

const megabyte = 1 << 20

// File is an append-only io.WriteCloser that rotates the underlying file
// before a write would take it past its size limit. Rotated files carry a
// numeric suffix, ".1" being the most recent.
type File struct {
	mu      sync.Mutex
	path    string
	out     *os.File
	written int64
	limit   int64
	keep    int
}

// OpenFile opens path for appending with a limit of maxSizeMB megabytes and
// DefaultBackups rotated files.
func OpenFile(path string, maxSizeMB int) (*File, error) {
	return OpenFileBackups(path, maxSizeMB, DefaultBackups)
}

// OpenFileBackups is like OpenFile but keeps up to backups rotated files.
func OpenFileBackups(path string, maxSizeMB int, backups int) (*File, error) {
	if maxSizeMB < 1 {
		return nil, errors.New("logrotate: max size must be at least 1 MB")
	}
	f, err := openFileBytes(path, int64(maxSizeMB)*megabyte)
	if err != nil {
		return nil, err
	}
	f.keep = max(backups, 1)
	return f, nil
}

func openFileBytes(path string, limit int64) (*File, error) {
	out, size, err := openAppend(path, 0644)
	if err != nil {
		return nil, err
	}
	return &File{path: path, out: out, written: size, limit: limit, keep: DefaultBackups}, nil
}

func openAppend(path string, perm os.FileMode) (*os.File, int64, error) {
	out, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, perm)
	if err != nil {
		return nil, 0, err
	}
	info, err := out.Stat()
	if err != nil {
		out.Close()
		return nil, 0, err
	}
	return out, info.Size(), nil
}

func backupName(path string, n int) string {
	return fmt.Sprintf("%s.%d", path, n)
}

// Write appends b, rotating first if the file already holds data and b would
// push it past the limit. A single record larger than the limit still lands
// in one file.
func (f *File) Write(b []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.out == nil {
		return 0, os.ErrClosed
	}
	if f.written > 0 && f.written+int64(len(b)) > f.limit {
		if err := f.rotate(); err != nil {
			return 0, fmt.Errorf("logrotate: %w", err)
		}
	}
	n, err := f.out.Write(b)
	f.written += int64(n)
	return n, err
}

// rotate shifts each backup up one slot, drops the oldest and moves the
// active file to ".1". Caller holds mu.
func (f *File) rotate() error {
	perm := os.FileMode(0644)
	if info, err := f.out.Stat(); err == nil {
		perm = info.Mode().Perm()
	}
	if err := f.out.Close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	f.out = nil

	_ = os.Remove(backupName(f.path, f.keep))
	for i := f.keep - 1; i >= 1; i-- {
		_ = os.Rename(backupName(f.path, i), backupName(f.path, i+1))
	}
	renameErr := os.Rename(f.path, backupName(f.path, 1))

	// Reopen even when the rename failed so later writes still have a file.
	out, size, err := openAppend(f.path, perm)
	if err != nil {
		return fmt.Errorf("reopen: %w", err)
	}
	f.out, f.written = out, size
	if renameErr != nil {
		return fmt.Errorf("rename: %w", renameErr)
	}
	return nil
}

// Close closes the active file. Calling Close twice returns os.ErrClosed.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.out == nil {
		return os.ErrClosed
	}
	err := f.out.Close()
	f.out = nil
	return err
}

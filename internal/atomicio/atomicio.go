// Package atomicio writes files using the write-temp-then-rename pattern
// so a reader never observes a partially written file, and a crash
// between the write and the rename leaves the previous content intact.
package atomicio

import (
	"os"
	"path/filepath"

	"github.com/marketmaker/soaktest/internal/jsonenc"
)

// WriteJSON writes v to path using the package's sorted-key, compact,
// trailing-newline JSON convention, atomically.
func WriteJSON(path string, v any) error {
	data, err := jsonenc.Marshal(v)
	if err != nil {
		return err
	}
	return WriteFile(path, data)
}

// WriteFile writes data to path atomically: it creates path's parent
// directory if needed, writes to path+".tmp", then renames path.tmp to
// path. On POSIX it additionally fsyncs the parent directory so the
// rename itself is durable, not just the file content.
func WriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}

	return fsyncDir(dir)
}

// fsyncDir fsyncs a directory so a prior rename into it survives a
// crash. Best-effort: some platforms (Windows) and filesystems reject
// opening a directory for fsync, in which case this is a no-op.
func fsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return nil
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return nil
	}
	return nil
}

// CleanStale removes a leftover path+".tmp" file, e.g. from a process
// that crashed between writing the temp file and renaming it. Load
// callers run this as a sweep before reading so a half-written temp
// file never lingers.
func CleanStale(path string) error {
	tmpPath := path + ".tmp"
	if _, err := os.Stat(tmpPath); err == nil {
		return os.Remove(tmpPath)
	}
	return nil
}

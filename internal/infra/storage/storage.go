// Package storage provides small, safe primitives for working with local
// files: ensuring a directory exists and writing a file atomically so that a
// crash mid-write never leaves a half-written session, checkpoint, or sidecar
// file on disk.
package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"spectra/internal/infra/logger"
)

// defaultFilePerm is the permission applied to files written by AtomicWriteFile.
// 0600 restricts access to the owning process's user.
const defaultFilePerm = 0600

// EnsureDir makes sure the directory holding path exists, creating it (and
// any parents) with 0700 permissions if necessary.
func EnsureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create dir %s: %w", dir, err)
	}
	return nil
}

// AtomicWriteFile atomically replaces path with data.
//
// Algorithm: temp file in the same directory -> write -> fsync(temp) ->
// chmod(defaultFilePerm) -> close -> rename -> best-effort fsync(dir). Either
// the previous contents survive intact or the new contents are written in
// full; os.Rename is only atomic within a single filesystem volume, so the
// temp file is created alongside the target.
func AtomicWriteFile(path string, data []byte) error {
	clean := filepath.Clean(path)
	if err := EnsureDir(clean); err != nil {
		return err
	}
	dir := filepath.Dir(clean)

	tmp, err := os.CreateTemp(dir, "atomic-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err := tmp.Chmod(defaultFilePerm); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpName, clean); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}

	if dirFile, err := os.Open(dir); err == nil {
		if errSync := dirFile.Sync(); errSync != nil {
			logger.Warnf("AtomicWriteFile: dir sync error: %v", errSync)
		}
		_ = dirFile.Close()
	}
	return nil
}

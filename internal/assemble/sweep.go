package assemble

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/MrWong99/agentengine/pkg/backend"
)

// RemoveAsset deletes a materialised asset. A file that is already gone is
// not an error; any other failure wraps [backend.ErrCleanup].
func RemoveAsset(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: remove %s: %w", backend.ErrCleanup, path, err)
	}
	return nil
}

// Sweep deletes every regular file directly inside the temp directory and
// returns how many were removed. Subdirectories are left alone. Failures are
// joined and each wraps [backend.ErrCleanup]; a missing directory is not an
// error.
func (a *Assembler) Sweep() (int, error) {
	entries, err := os.ReadDir(a.cfg.TmpDir)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: read temp dir: %w", backend.ErrCleanup, err)
	}

	var (
		removed int
		errs    []error
	)
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		path := filepath.Join(a.cfg.TmpDir, e.Name())
		if err := RemoveAsset(path); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

// RemoveTmpDir removes the temp directory if it is empty. A non-empty or
// missing directory is left as is.
func (a *Assembler) RemoveTmpDir() error {
	entries, err := os.ReadDir(a.cfg.TmpDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: read temp dir: %w", backend.ErrCleanup, err)
	}
	if len(entries) > 0 {
		return nil
	}
	if err := os.Remove(a.cfg.TmpDir); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: remove temp dir: %w", backend.ErrCleanup, err)
	}
	return nil
}

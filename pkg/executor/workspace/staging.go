package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// The executable reads its inputs from these fixed names.
const (
	HydrographFile = "Hydrograph.txt"
	TideFile       = "tide.txt"
)

// PurgeDir removes everything inside dir and leaves dir itself in place, so
// a mount point or symlinked directory keeps working. A missing directory
// is created.
func PurgeDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to list %s: %w", dir, err)
	}

	var errs []error
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to purge %s: %w", dir, errors.Join(errs...))
	}
	return nil
}

// Stage writes the hydrograph, and the tide series when tide is non-nil,
// into dir. The returned paths are everything that was created, also when
// an error is returned, so the caller can always clean up.
func Stage(dir, hydrograph string, tide *string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create input directory: %w", err)
	}

	var staged []string
	path := filepath.Join(dir, HydrographFile)
	staged = append(staged, path)
	if err := os.WriteFile(path, []byte(hydrograph), 0o644); err != nil {
		return staged, fmt.Errorf("failed to write %s: %w", HydrographFile, err)
	}

	if tide != nil {
		path = filepath.Join(dir, TideFile)
		staged = append(staged, path)
		if err := os.WriteFile(path, []byte(*tide), 0o644); err != nil {
			return staged, fmt.Errorf("failed to write %s: %w", TideFile, err)
		}
	}
	return staged, nil
}

// Cleanup removes the given files. Files that are already gone are skipped;
// every other failure is returned.
func Cleanup(paths []string) error {
	var errs []error
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

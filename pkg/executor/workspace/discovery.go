package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var ErrNoArtifact = errors.New("no output artifact found")

// Artifact is the discovered result file, read into memory.
type Artifact struct {
	Name    string    `json:"name"`
	Path    string    `json:"-"`
	Content string    `json:"content"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// FindArtifact picks the result file in dir. A regular file named preferred
// wins outright. Otherwise the regular files ending in ext (case-insensitive)
// are candidates and the newest one is chosen; on equal modification times
// the one listed last wins. Symlinks count when they resolve to a regular
// file, and the target's modification time is used.
func FindArtifact(dir, preferred, ext string) (string, error) {
	if preferred != "" {
		path := filepath.Join(dir, preferred)
		if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
			return path, nil
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("failed to list output directory: %w", err)
	}

	var (
		best     string
		bestTime time.Time
	)
	ext = strings.ToLower(ext)
	for _, e := range entries {
		if !strings.HasSuffix(strings.ToLower(e.Name()), ext) {
			continue
		}
		// Stat follows symlinks; dangling links and links to directories drop out.
		info, err := os.Stat(filepath.Join(dir, e.Name()))
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		if best == "" || !info.ModTime().Before(bestTime) {
			best = e.Name()
			bestTime = info.ModTime()
		}
	}
	if best == "" {
		return "", ErrNoArtifact
	}
	return filepath.Join(dir, best), nil
}

// ReadArtifact loads the file at path.
func ReadArtifact(path string) (*Artifact, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat artifact: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact: %w", err)
	}
	return &Artifact{
		Name:    filepath.Base(path),
		Path:    path,
		Content: string(data),
		Size:    int64(len(data)),
		ModTime: info.ModTime(),
	}, nil
}

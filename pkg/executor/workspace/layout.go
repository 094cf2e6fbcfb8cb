package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	ModeShared = "shared"
	ModeArena  = "arena"
)

// Settings locates the model executable and its working directories.
type Settings struct {
	ExePath   string
	InputDir  string
	OutputDir string
	Mode      string
	ArenaRoot string
}

// Layout is the set of directories one job runs in.
type Layout struct {
	JobID     string
	ExePath   string
	WorkDir   string
	InputDir  string
	OutputDir string

	// Root is the arena directory, empty for the shared layout.
	Root string
}

// Manager hands out layouts. In shared mode every job gets the configured
// directories and callers must serialize; in arena mode each job gets a
// private mirror of the executable's directory.
type Manager struct {
	settings Settings
	exeDir   string

	mu     sync.Mutex
	active map[string]struct{}
}

func NewManager(s Settings) (*Manager, error) {
	if s.Mode == "" {
		s.Mode = ModeShared
	}
	m := &Manager{
		settings: s,
		exeDir:   filepath.Dir(s.ExePath),
		active:   make(map[string]struct{}),
	}
	if s.Mode == ModeArena {
		if _, err := m.relative(s.InputDir); err != nil {
			return nil, err
		}
		if _, err := m.relative(s.OutputDir); err != nil {
			return nil, err
		}
		if err := os.MkdirAll(s.ArenaRoot, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create arena root: %w", err)
		}
	}
	return m, nil
}

func (m *Manager) Mode() string { return m.settings.Mode }

// Prepare returns the layout for jobID, building the arena when needed.
func (m *Manager) Prepare(jobID string) (*Layout, error) {
	if m.settings.Mode != ModeArena {
		return &Layout{
			JobID:     jobID,
			ExePath:   m.settings.ExePath,
			WorkDir:   m.exeDir,
			InputDir:  m.settings.InputDir,
			OutputDir: m.settings.OutputDir,
		}, nil
	}

	root := filepath.Join(m.settings.ArenaRoot, jobID)
	if err := os.Mkdir(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create arena: %w", err)
	}
	m.mu.Lock()
	m.active[jobID] = struct{}{}
	m.mu.Unlock()

	inRel, _ := m.relative(m.settings.InputDir)
	outRel, _ := m.relative(m.settings.OutputDir)
	if err := mirror(m.exeDir, root, []string{inRel, outRel}); err != nil {
		m.forget(jobID)
		_ = os.RemoveAll(root)
		return nil, fmt.Errorf("failed to mirror model directory: %w", err)
	}

	return &Layout{
		JobID:     jobID,
		ExePath:   m.settings.ExePath,
		WorkDir:   root,
		InputDir:  filepath.Join(root, inRel),
		OutputDir: filepath.Join(root, outRel),
		Root:      root,
	}, nil
}

// Release removes the arena of l. Shared layouts are left alone.
func (m *Manager) Release(l *Layout) error {
	if l == nil || l.Root == "" {
		return nil
	}
	defer m.forget(l.JobID)
	if err := os.RemoveAll(l.Root); err != nil {
		return fmt.Errorf("failed to remove arena %s: %w", l.Root, err)
	}
	return nil
}

// Sweep removes arena directories older than maxAge that no running job
// owns, returning how many were removed.
func (m *Manager) Sweep(maxAge time.Duration, now time.Time) (int, error) {
	if m.settings.Mode != ModeArena {
		return 0, nil
	}
	entries, err := os.ReadDir(m.settings.ArenaRoot)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to list arenas: %w", err)
	}

	removed := 0
	var errs []error
	for _, e := range entries {
		if !e.IsDir() || m.isActive(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil || now.Sub(info.ModTime()) < maxAge {
			continue
		}
		if err := os.RemoveAll(filepath.Join(m.settings.ArenaRoot, e.Name())); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

func (m *Manager) isActive(jobID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[jobID]
	return ok
}

func (m *Manager) forget(jobID string) {
	m.mu.Lock()
	delete(m.active, jobID)
	m.mu.Unlock()
}

func (m *Manager) relative(dir string) (string, error) {
	rel, err := filepath.Rel(m.exeDir, dir)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s is not inside the model directory %s", dir, m.exeDir)
	}
	return rel, nil
}

// mirror recreates src inside dst as symlinks, except that every path in
// fresh becomes a new empty directory and its ancestors become real
// directories so the fresh ones can live inside them.
func mirror(src, dst string, fresh []string) error {
	if err := mirrorDir(src, dst, "", fresh); err != nil {
		return err
	}
	for _, f := range fresh {
		if err := os.MkdirAll(filepath.Join(dst, f), 0o755); err != nil {
			return err
		}
	}
	return nil
}

func mirrorDir(src, dst, rel string, fresh []string) error {
	entries, err := os.ReadDir(filepath.Join(src, rel))
	if err != nil {
		return err
	}
	for _, e := range entries {
		entryRel := filepath.Join(rel, e.Name())
		target := filepath.Join(dst, entryRel)
		switch {
		case contains(fresh, entryRel):
			continue
		case e.IsDir() && isAncestor(entryRel, fresh):
			if err := os.Mkdir(target, 0o755); err != nil {
				return err
			}
			if err := mirrorDir(src, dst, entryRel, fresh); err != nil {
				return err
			}
		default:
			if err := os.Symlink(filepath.Join(src, entryRel), target); err != nil {
				return err
			}
		}
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func isAncestor(dir string, paths []string) bool {
	prefix := dir + string(filepath.Separator)
	for _, p := range paths {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

package runner

import (
	"errors"
	"os"

	"github.com/shirou/gopsutil/v3/process"
)

// killTree kills pid and every descendant it can find, children first.
// Descendants that moved to another process group are reached through the
// process table; the rest die with the group.
func killTree(pid int) error {
	var errs []error

	if p, err := process.NewProcess(int32(pid)); err == nil {
		errs = append(errs, killDescendants(p))
	}
	if err := killProcessGroup(pid); err != nil && !isGone(err) {
		errs = append(errs, err)
	}
	if proc, err := os.FindProcess(pid); err == nil {
		if err := proc.Kill(); err != nil && !isGone(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func killDescendants(p *process.Process) error {
	children, err := p.Children()
	if err != nil {
		// ErrorNoChildren is the common case for a leaf process.
		return nil
	}
	var errs []error
	for _, child := range children {
		errs = append(errs, killDescendants(child))
		if err := child.Kill(); err != nil && !isGone(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func isGone(err error) bool {
	return errors.Is(err, os.ErrProcessDone) || errors.Is(err, process.ErrorProcessNotRunning) || isNoSuchProcess(err)
}

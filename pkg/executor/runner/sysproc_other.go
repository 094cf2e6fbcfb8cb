//go:build !unix

package runner

import "os/exec"

func setProcessGroup(cmd *exec.Cmd) {}

func killProcessGroup(pid int) error { return nil }

func isNoSuchProcess(err error) bool { return false }

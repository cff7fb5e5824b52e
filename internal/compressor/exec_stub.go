//go:build !linux && !freebsd && !darwin

package compressor

import "os/exec"

// configureCommand keeps the default CommandContext behavior, which kills
// only the direct child on cancellation
func configureCommand(cmd *exec.Cmd) {}

//go:build !windows

package supervisor

import "os/exec"

// suppressConsoleWindow is a no-op on platforms without the concept of an
// extra console window per spawned process.
func suppressConsoleWindow(cmd *exec.Cmd) {}

// DetachHidden applies the same console-suppression treatment used for
// worker subprocesses to an arbitrary command, for callers (e.g. the
// CLI launcher) spawning the orchestrator itself as a hidden background
// process.
func DetachHidden(cmd *exec.Cmd) { suppressConsoleWindow(cmd) }

//go:build windows

package supervisor

import (
	"os/exec"
	"syscall"
)

// suppressConsoleWindow prevents Windows from popping up an extra console
// window for the worker's child process, mirroring the original's
// CREATE_NO_WINDOW creation flag.
func suppressConsoleWindow(cmd *exec.Cmd) {
	const createNoWindow = 0x08000000
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: createNoWindow}
}

// DetachHidden applies the same console-suppression treatment used for
// worker subprocesses to an arbitrary command, for callers (e.g. the
// CLI launcher) spawning the orchestrator itself as a hidden background
// process.
func DetachHidden(cmd *exec.Cmd) { suppressConsoleWindow(cmd) }

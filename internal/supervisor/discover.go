package supervisor

import (
	"os"
	"path/filepath"
	"runtime"
)

// binaryName returns the platform-appropriate executable name for a
// nagomi command directory (e.g. "nagomi-worker", "nagomi-orchestrator").
func binaryName(cmd string) string {
	if runtime.GOOS == "windows" {
		return cmd + ".exe"
	}
	return cmd
}

// ResolveWorkerPath finds the nagomi-worker binary, in priority order:
//  1. sibling of the currently running executable
//  2. the workspace's debug-build location (cmd/nagomi-worker/nagomi-worker,
//     relative to the current working directory — useful when running the
//     orchestrator straight out of a source checkout)
//  3. bare name, resolved against PATH at spawn time
func ResolveWorkerPath() string {
	return resolveCmdPath("nagomi-worker")
}

// ResolveOrchestratorPath applies the same resolution strategy as
// ResolveWorkerPath to the nagomi-orchestrator binary, for use by the thin
// CLI launcher (cmd/nagomi) when it needs to spawn the orchestrator.
func ResolveOrchestratorPath() string {
	return resolveCmdPath("nagomi-orchestrator")
}

func resolveCmdPath(cmd string) string {
	name := binaryName(cmd)

	if exePath, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(exePath), name)
		if fileExists(candidate) {
			return candidate
		}
	}

	if wd, err := os.Getwd(); err == nil {
		candidate := filepath.Join(wd, "cmd", cmd, name)
		if fileExists(candidate) {
			return candidate
		}
	}

	return name
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

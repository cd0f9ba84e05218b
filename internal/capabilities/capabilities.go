// Package capabilities isolates the handful of raw-OS-handle operations
// (window screenshotting, process environment merging) behind a narrow
// interface, so the rest of nagomi compiles and tests on any target
// without touching platform capture APIs directly. There is a single
// implementation (env.go); its one platform difference is a runtime.GOOS
// check, not a //go:build-selected file.
package capabilities

import "errors"

// Capabilities exposes the two raw-OS-handle operations nagomi needs,
// deliberately kept to this shape rather than anything richer.
type Capabilities interface {
	// Capture returns the raw image bytes for the window identified by
	// windowID. The wire format is platform-defined; nagomi's core never
	// inspects it, only relays it.
	Capture(windowID string) ([]byte, error)

	// MergedProcessEnv returns the process environment merged with
	// overrides, case-insensitively on platforms where environment
	// variable names are not case-sensitive.
	MergedProcessEnv(overrides map[string]string) map[string]string
}

// ErrCaptureUnsupported is returned by Capture on any platform; window
// screenshot capture is intentionally left unimplemented.
var ErrCaptureUnsupported = errors.New("capabilities: window capture not implemented")

// New returns the platform-appropriate Capabilities implementation.
func New() Capabilities {
	return newPlatform()
}

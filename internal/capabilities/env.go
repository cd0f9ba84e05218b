package capabilities

import (
	"os"
	"runtime"
	"strings"
)

type base struct{}

func newPlatform() Capabilities { return base{} }

func (base) Capture(windowID string) ([]byte, error) {
	return nil, ErrCaptureUnsupported
}

// MergedProcessEnv merges overrides onto the current process environment.
// On Windows, variable name matching is case-insensitive (an override for
// "Path" replaces an inherited "PATH"); elsewhere names are matched
// exactly.
func (base) MergedProcessEnv(overrides map[string]string) map[string]string {
	merged := map[string]string{}
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			merged[k] = v
		}
	}

	caseInsensitive := runtime.GOOS == "windows"
	for k, v := range overrides {
		if caseInsensitive {
			deleteCaseInsensitive(merged, k)
		}
		merged[k] = v
	}
	return merged
}

func deleteCaseInsensitive(m map[string]string, key string) {
	for existing := range m {
		if strings.EqualFold(existing, key) {
			delete(m, existing)
		}
	}
}

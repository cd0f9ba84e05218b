package workerproc

import (
	"errors"
	"strings"

	shellquote "github.com/kballard/go-shellquote"
)

// SplitCommand splits a shell-like command string into argv using POSIX
// quoting rules, so that e.g. `wsl.exe -d "Ubuntu 24.04"` produces
// ["wsl.exe", "-d", "Ubuntu 24.04"] rather than splitting the quoted
// argument on its internal space.
//
// If the string doesn't parse as a valid quoted shell command (unbalanced
// quotes, trailing backslash, ...), fall back to a plain whitespace split
// rather than failing the whole session start.
func SplitCommand(cmd string) ([]string, error) {
	parts, err := shellquote.Split(cmd)
	if err != nil {
		parts = strings.Fields(cmd)
	}
	if len(parts) == 0 {
		return nil, errors.New("cmd is empty")
	}
	return parts, nil
}

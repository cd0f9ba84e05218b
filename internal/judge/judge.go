// Package judge classifies a terminal session's apparent end state —
// success, failure, or need_input — from its exit code, recent output,
// and silence duration, with an optional external-tool judge that can
// override the local heuristic. Pattern matching uses stdlib regexp;
// its RE2 semantics cover the anchored keyword matching this needs
// without pulling in a third-party regex engine.
package judge

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

// State is the three-way judge verdict.
type State string

const (
	StateSuccess   State = "success"
	StateFailure   State = "failure"
	StateNeedInput State = "need_input"
)

// DefaultSilenceMs is the default "no output for this long means the
// session is waiting on something" threshold.
const DefaultSilenceMs = 3500

// DefaultPatterns are the built-in "bad" regexes checked against the
// tail when no exit code and no silence timeout apply.
var DefaultPatterns = []string{
	`(?i)\b(error|failed|panic|exception)\b`,
	`(?i)\b(traceback|fatal)\b`,
}

// Config holds a compiled rule set for the local judge.
type Config struct {
	silenceMs int64
	patterns  []*regexp.Regexp
}

// NewConfig compiles patterns (treated as alternatives, any match
// fails the evaluation) with the given silence threshold in
// milliseconds.
func NewConfig(patterns []string, silenceMs int64) (*Config, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, err
		}
		compiled = append(compiled, re)
	}
	return &Config{silenceMs: silenceMs, patterns: compiled}, nil
}

// DefaultConfig builds a Config from DefaultPatterns and DefaultSilenceMs.
func DefaultConfig() *Config {
	cfg, err := NewConfig(DefaultPatterns, DefaultSilenceMs)
	if err != nil {
		panic("judge: default patterns must compile: " + err.Error())
	}
	return cfg
}

// Input is the evidence the local judge reasons over.
type Input struct {
	ExitCode     *int32
	TailLines    []string
	LastOutputAt *time.Time
	Now          time.Time
}

// Evaluate runs the local judge algorithm in spec order: exit code first,
// then silence timeout, then regex match against the joined tail. A nil
// return means undetermined.
func Evaluate(cfg *Config, in Input) *State {
	if in.ExitCode != nil {
		var s State
		if *in.ExitCode == 0 {
			s = StateSuccess
		} else {
			s = StateFailure
		}
		return &s
	}

	if isSilenceTimeout(in.LastOutputAt, in.Now, cfg.silenceMs) {
		s := StateNeedInput
		return &s
	}

	haystack := strings.Join(in.TailLines, "\n")
	if haystack != "" {
		for _, re := range cfg.patterns {
			if re.MatchString(haystack) {
				s := StateFailure
				return &s
			}
		}
	}

	return nil
}

func isSilenceTimeout(lastOutputAt *time.Time, now time.Time, silenceMs int64) bool {
	if lastOutputAt == nil {
		return false
	}
	elapsed := now.Sub(*lastOutputAt)
	return elapsed >= time.Duration(silenceMs)*time.Millisecond
}

// SummarizeTail selects the last maxLines non-empty lines, in original
// order, for display.
func SummarizeTail(lines []string, maxLines int) []string {
	if maxLines <= 0 {
		return nil
	}
	collected := make([]string, 0, maxLines)
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		collected = append(collected, lines[i])
		if len(collected) >= maxLines {
			break
		}
	}
	for i, j := 0, len(collected)-1; i < j; i, j = i+1, j-1 {
		collected[i], collected[j] = collected[j], collected[i]
	}
	return collected
}

// externalRequest is the fixed schema contract handed to an external-tool
// judge, written as JSON to a temp file whose path is passed as the tool's
// last argument.
type externalRequest struct {
	ExitCode  *int32   `json:"exit_code,omitempty"`
	TailLines []string `json:"tail_lines"`
}

// externalResponse is the fixed schema contract an external-tool judge
// must print as its last non-empty stdout line.
type externalResponse struct {
	State   string `json:"state"`
	Summary string `json:"summary"`
}

// ExternalResult carries a successfully parsed external verdict.
type ExternalResult struct {
	State   State
	Summary string
}

// EvaluateWithExternal invokes the external tool named by command (args
// optional) with a JSON request written to a temp file passed as its
// last argument, after args, and parses the last non-empty line of its stdout as the
// {state, summary} contract. Any failure — non-zero exit, timeout,
// unparseable output, or an unrecognized state — causes a fallback to
// the local judge, verbatim. Temp files are removed on every exit path.
// The returned bool reports whether a state was determined at all
// (by either judge); it does not distinguish which judge produced it.
func EvaluateWithExternal(ctx context.Context, cfg *Config, in Input, command string, args []string, timeout time.Duration) (ExternalResult, bool) {
	req := externalRequest{ExitCode: in.ExitCode, TailLines: in.TailLines}
	payload, err := json.Marshal(req)
	if err != nil {
		return fallback(cfg, in)
	}

	tmp, err := os.CreateTemp("", "nagomi-judge-*.json")
	if err != nil {
		return fallback(cfg, in)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		return fallback(cfg, in)
	}
	if err := tmp.Close(); err != nil {
		return fallback(cfg, in)
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, command, append(append([]string{}, args...), tmpPath)...)
	out, err := cmd.Output()
	if err != nil {
		return fallback(cfg, in)
	}

	line := lastNonEmptyLine(string(out))
	if line == "" {
		return fallback(cfg, in)
	}

	var resp externalResponse
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		return fallback(cfg, in)
	}

	state, ok := normalizeState(resp.State)
	if !ok {
		return fallback(cfg, in)
	}

	return ExternalResult{State: state, Summary: resp.Summary}, true
}

func fallback(cfg *Config, in Input) (ExternalResult, bool) {
	state := Evaluate(cfg, in)
	if state == nil {
		return ExternalResult{}, false
	}
	summary := strings.Join(SummarizeTail(in.TailLines, 2), "\n")
	return ExternalResult{State: *state, Summary: summary}, true
}

func normalizeState(raw string) (State, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "success":
		return StateSuccess, true
	case "failure":
		return StateFailure, true
	case "need_input", "need-input":
		return StateNeedInput, true
	default:
		return "", false
	}
}

func lastNonEmptyLine(s string) string {
	lines := strings.Split(s, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		trimmed := strings.TrimSpace(lines[i])
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

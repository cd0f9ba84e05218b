// Command nagomi-worker is the long-lived worker process that owns exactly
// one PTY-backed child session on behalf of the nagomi orchestrator. It
// speaks the NDJSON wire protocol described in internal/protocol over its
// own stdin/stdout; stderr is left inherited for diagnostics, matching the
// spawn contract the orchestrator's supervisor expects.
package main

import (
	"bufio"
	"log/slog"
	"os"

	"github.com/kitfactory/nagomi/internal/protocol"
	"github.com/kitfactory/nagomi/internal/workerproc"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	slog.SetDefault(logger)

	worker := workerproc.NewWorker(os.Stdout)
	defer worker.Close()

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if len(line) == 0 {
			continue
		}
		worker.Dispatch(protocol.ParseLine(line))
	}

	if err := scanner.Err(); err != nil {
		logger.Error("stdin read failed", "error", err)
	}
}

// Command nagomi-orchestrator is the long-lived process that owns the
// session registry, consumer coalescer, completion hook manager, judge,
// IPC session ledger, and local control surface described by the
// terminal session & event plane. It spawns one nagomi-worker per
// terminal session via internal/supervisor.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/kitfactory/nagomi/internal/coalescer"
	"github.com/kitfactory/nagomi/internal/config"
	"github.com/kitfactory/nagomi/internal/controlsurface"
	"github.com/kitfactory/nagomi/internal/hook"
	"github.com/kitfactory/nagomi/internal/ipcsession"
	"github.com/kitfactory/nagomi/internal/judge"
	"github.com/kitfactory/nagomi/internal/protocol"
	"github.com/kitfactory/nagomi/internal/registry"
	"github.com/kitfactory/nagomi/internal/supervisor"
)

// Version is set at build time via ldflags.
var Version = "dev"

// cliFlags holds cobra flag values that are applied over the loaded
// config after config.Load, rather than bound into Viper directly — the
// orchestrator has few enough flags that an explicit override pass (see
// applyFlagOverrides) is clearer than threading a FlagBinder through.
type cliFlags struct {
	healthPort          int
	workerPath          string
	exitOnLastTerminal  bool
	enableTestEndpoints bool
	enableBroadcast     bool
	logPath             string
	startHidden         bool
}

func main() {
	flags := &cliFlags{}

	rootCmd := &cobra.Command{
		Use:     "nagomi-orchestrator",
		Short:   "Terminal session and event plane orchestrator",
		Version: Version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(flags)
		},
	}

	rootCmd.Flags().IntVar(&flags.healthPort, "health-port", 0, "loopback control surface port (0 = use config default)")
	rootCmd.Flags().StringVar(&flags.workerPath, "worker-path", "", "override nagomi-worker binary path")
	rootCmd.Flags().BoolVar(&flags.exitOnLastTerminal, "exit-on-last-terminal", false, "exit once the last active terminal session stops")
	rootCmd.Flags().BoolVar(&flags.enableTestEndpoints, "enable-test-endpoints", false, "enable /terminal-send test endpoint")
	rootCmd.Flags().BoolVar(&flags.enableBroadcast, "enable-broadcast", false, "enable /events debug broadcast endpoint")
	rootCmd.Flags().StringVar(&flags.logPath, "log-file", "", "path to a rotated log file (default: stderr only)")
	rootCmd.Flags().BoolVar(&flags.startHidden, "start-hidden", false, "accepted for launcher compatibility; the launcher hides this process's console at spawn time")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(flags *cliFlags) error {
	cfg, v, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyFlagOverrides(cfg, flags)

	logger := buildLogger(flags.logPath)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	hooksBaseDir := cfg.HooksBaseDir
	if hooksBaseDir == "" {
		hooksBaseDir = hook.HooksBaseDir()
	}

	ledger := ipcsession.New()
	_ = ledger // created here; no route or command uses it

	hookManager := hook.NewManager(hooksBaseDir, func(evt hook.Event) {
		logger.Info("completion hook event",
			"source", evt.Source, "kind", evt.Kind, "session_id", evt.SourceSessionID)
	})
	hookManager.SetTool(cfg.ActiveHookTool)
	defer hookManager.Stop()

	workerPath := cfg.WorkerPath
	if workerPath == "" {
		workerPath = supervisor.ResolveWorkerPath()
	}

	var nextID atomic.Int64
	reg := registry.New(func() (registry.Supervisor, error) {
		return supervisor.Spawn(workerPath)
	})
	reg.ExitOnLastTerminal = cfg.ExitOnLastTerminal

	judgeConfig, err := judge.NewConfig(judge.DefaultPatterns, cfg.JudgeSilenceMs)
	if err != nil {
		return fmt.Errorf("judge config: %w", err)
	}
	sink := &orchestratorSink{
		logger:      logger,
		registry:    reg,
		judgeConfig: judgeConfig,
		judgeTool:   cfg.JudgeExternalTool,
		tails:       make(map[string][]string),
	}
	coal := coalescer.New(sink, reg.IsActive, cfg.EnableTerminalOutputBroadcast)
	defer coal.Stop()
	reg.OnMessages = coal.Bind

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.HealthPort)
	ctrl := controlsurface.New(controlsurface.Deps{
		Registry: reg,
		NewID: func() string {
			return fmt.Sprintf("terminal-%d-%d", time.Now().UnixMilli(), nextID.Add(1))
		},
		Logger: logger,
		Addr:   addr,
		Pid:    os.Getpid(),
	})
	sink.broadcast = ctrl.BroadcastOutput

	reg.OnDrained = func() {
		logger.Info("last terminal session stopped, exiting")
		cancel()
	}

	config.WatchAndReload(v, func(next *config.Config) {
		logger.Info("config reloaded", "health_port", next.HealthPort)
	})

	errCh := make(chan error, 1)
	go func() {
		logger.Info("control surface listening", "addr", addr)
		errCh <- ctrl.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			logger.Error("control surface stopped", "error", err)
		}
	}

	return ctrl.Close()
}

func applyFlagOverrides(cfg *config.Config, flags *cliFlags) {
	if flags.healthPort != 0 {
		cfg.HealthPort = flags.healthPort
	}
	if flags.workerPath != "" {
		cfg.WorkerPath = flags.workerPath
	}
	if flags.exitOnLastTerminal {
		cfg.ExitOnLastTerminal = true
	}
	if flags.enableTestEndpoints {
		cfg.EnableTestEndpoints = true
	}
	if flags.enableBroadcast {
		cfg.EnableTerminalOutputBroadcast = true
	}
	if cfg.EnableTestEndpoints {
		os.Setenv("NAGOMI_ENABLE_TEST_ENDPOINTS", "1")
	}
	if cfg.EnableTerminalOutputBroadcast {
		os.Setenv("NAGOMI_ENABLE_TERMINAL_OUTPUT_BROADCAST", "1")
	}
}

func buildLogger(logPath string) *slog.Logger {
	if logPath == "" {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	rotator := &lumberjack.Logger{
		Filename:   logPath,
		MaxSize:    10,
		MaxBackups: 5,
		MaxAge:     28,
		Compress:   true,
	}
	return slog.New(slog.NewJSONHandler(rotator, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

const tailLinesKept = 200

// orchestratorSink implements coalescer.Sink. Coalesced output is logged
// at debug level and kept as a per-session tail of recent lines; it is not
// written to stdout. On the bypassed exit path it runs the judge over the
// session's tail and unregisters the session; on the error path it logs
// the error and unregisters the session.
type orchestratorSink struct {
	logger      *slog.Logger
	registry    *registry.Registry
	broadcast   func(sessionID, stream, chunk string)
	judgeConfig *judge.Config
	judgeTool   string

	tailsMu sync.Mutex
	tails   map[string][]string
}

func (s *orchestratorSink) Deliver(sessionID, stream, chunk string) {
	s.logger.Debug("terminal output", "session_id", sessionID, "stream", stream, "bytes", len(chunk))
	s.appendTail(sessionID, chunk)
}

func (s *orchestratorSink) appendTail(sessionID, chunk string) {
	s.tailsMu.Lock()
	defer s.tailsMu.Unlock()
	lines := append(s.tails[sessionID], strings.Split(chunk, "\n")...)
	if len(lines) > tailLinesKept {
		lines = lines[len(lines)-tailLinesKept:]
	}
	s.tails[sessionID] = lines
}

func (s *orchestratorSink) Broadcast(sessionID, stream, chunk string) {
	if s.broadcast != nil {
		s.broadcast(sessionID, stream, chunk)
	}
}

func (s *orchestratorSink) ExitOrError(msg protocol.Message) {
	switch msg.Kind {
	case protocol.KindExit:
		sessionID := msg.Exit.SessionID
		s.logger.Info("session exited", "session_id", sessionID, "exit_code", msg.Exit.ExitCode)
		s.judgeSession(sessionID, &msg.Exit.ExitCode)
		_ = s.registry.StopTerminalSession(sessionID)
		s.clearTail(sessionID)
	case protocol.KindError:
		s.logger.Warn("session error", "session_id", msg.Error.SessionID, "message", msg.Error.Message)
		_ = s.registry.StopTerminalSession(msg.Error.SessionID)
		s.clearTail(msg.Error.SessionID)
	}
}

func (s *orchestratorSink) clearTail(sessionID string) {
	s.tailsMu.Lock()
	defer s.tailsMu.Unlock()
	delete(s.tails, sessionID)
}

func (s *orchestratorSink) judgeSession(sessionID string, exitCode *int32) {
	s.tailsMu.Lock()
	tail := append([]string(nil), s.tails[sessionID]...)
	s.tailsMu.Unlock()

	in := judge.Input{ExitCode: exitCode, TailLines: tail, Now: time.Now()}

	var result judge.ExternalResult
	var ok bool
	if s.judgeTool != "" {
		result, ok = judge.EvaluateWithExternal(context.Background(), s.judgeConfig, in, s.judgeTool, nil, 5*time.Second)
	} else if state := judge.Evaluate(s.judgeConfig, in); state != nil {
		result = judge.ExternalResult{State: *state, Summary: strings.Join(judge.SummarizeTail(tail, 2), "\n")}
		ok = true
	}

	if ok {
		s.logger.Info("judge verdict", "session_id", sessionID, "state", result.State, "summary", result.Summary)
	}
}

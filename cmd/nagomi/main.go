// Command nagomi is the thin CLI launcher: it checks whether the
// orchestrator is already healthy, spawns a hidden instance if not, waits
// for it to come up, then asks it to open a terminal session.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/kitfactory/nagomi/internal/config"
	"github.com/kitfactory/nagomi/internal/supervisor"
)

// Version is set at build time via ldflags.
var Version = "dev"

const healthWaitTimeout = 8 * time.Second

func main() {
	var sessionID string

	rootCmd := &cobra.Command{
		Use:     "nagomi",
		Short:   "Open a terminal session, starting the orchestrator if needed",
		Version: Version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(sessionID)
		},
	}
	rootCmd.Flags().StringVar(&sessionID, "session-id", "", "terminal session id to open (default: orchestrator mints one)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(sessionID string) error {
	cfg, _, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.HealthPort)
	client := &http.Client{Timeout: 2 * time.Second}

	if !probeHealth(client, addr) {
		if err := spawnOrchestratorHidden(); err != nil {
			return fmt.Errorf("spawn orchestrator: %w", err)
		}
		if !waitForHealth(client, addr, healthWaitTimeout) {
			return fmt.Errorf("orchestrator did not become healthy within %s", healthWaitTimeout)
		}
	}

	return openTerminal(client, addr, sessionID)
}

func probeHealth(client *http.Client, addr string) bool {
	resp, err := client.Get(fmt.Sprintf("http://%s/health", addr))
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func waitForHealth(client *http.Client, addr string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if probeHealth(client, addr) {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return probeHealth(client, addr)
}

// terminalSize reports the invoking terminal's current dimensions, so the
// orchestrator can size the PTY to match instead of guessing 80x24. ok is
// false when stdout isn't a terminal (e.g. launched from a shortcut).
func terminalSize() (cols, rows int, ok bool) {
	fd := int(os.Stdout.Fd())
	if !term.IsTerminal(fd) {
		return 0, 0, false
	}
	cols, rows, err := term.GetSize(fd)
	if err != nil {
		return 0, 0, false
	}
	return cols, rows, true
}

func spawnOrchestratorHidden() error {
	path := supervisor.ResolveOrchestratorPath()
	cmd := exec.Command(path, "--start-hidden", "--exit-on-last-terminal")
	supervisor.DetachHidden(cmd)
	return cmd.Start()
}

func openTerminal(client *http.Client, addr, sessionID string) error {
	q := url.Values{}
	if sessionID != "" {
		q.Set("session_id", sessionID)
	}
	if cols, rows, ok := terminalSize(); ok {
		q.Set("cols", strconv.Itoa(cols))
		q.Set("rows", strconv.Itoa(rows))
	}
	reqURL := fmt.Sprintf("http://%s/open-terminal?%s", addr, q.Encode())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("open-terminal request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("open-terminal returned status %d", resp.StatusCode)
	}

	var body struct {
		Status    string `json:"status"`
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode open-terminal response: %w", err)
	}

	fmt.Println(body.SessionID)
	return nil
}

package controlsurface

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"testing"
)

type fakeRegistry struct {
	started     map[string]bool
	active      map[string]bool
	labelsTaken map[string]bool
	sentInputs  map[string]string
	dims        map[string][2]uint16
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		started:     map[string]bool{},
		active:      map[string]bool{},
		labelsTaken: map[string]bool{},
		sentInputs:  map[string]string{},
	}
}

func (f *fakeRegistry) StartTerminalSession(sessionID string, cols, rows uint16) error {
	f.started[sessionID] = true
	f.active[sessionID] = true
	if f.dims == nil {
		f.dims = map[string][2]uint16{}
	}
	f.dims[sessionID] = [2]uint16{cols, rows}
	return nil
}

func (f *fakeRegistry) TerminalSendInput(sessionID, text string) error {
	if !f.active[sessionID] {
		return &notActiveErr{sessionID}
	}
	f.sentInputs[sessionID] = text
	return nil
}

func (f *fakeRegistry) IsActive(sessionID string) bool { return f.active[sessionID] }
func (f *fakeRegistry) LabelTaken(label string) bool   { return f.labelsTaken[label] }

type notActiveErr struct{ sessionID string }

func (e *notActiveErr) Error() string { return "not active: " + e.sessionID }

func newTestServer(t *testing.T, reg *fakeRegistry) *Server {
	t.Helper()
	id := 0
	return New(Deps{
		Registry: reg,
		NewID: func() string {
			id++
			return "generated-id"
		},
		Pid: 4242,
	})
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t, newFakeRegistry())
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body map[string]any
	json.NewDecoder(resp.Body).Decode(&body)
	if body["status"] != "ok" || int(body["pid"].(float64)) != 4242 {
		t.Fatalf("unexpected health body: %+v", body)
	}
}

func TestOpenTerminalWithExplicitSessionID(t *testing.T) {
	reg := newFakeRegistry()
	srv := newTestServer(t, reg)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/open-terminal?session_id=term1")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	var body map[string]string
	json.NewDecoder(resp.Body).Decode(&body)
	if body["session_id"] != "term1" || body["status"] != "ok" {
		t.Fatalf("unexpected body: %+v", body)
	}
	if !reg.started["term1"] {
		t.Fatal("expected StartTerminalSession to be called with term1")
	}
}

func TestOpenTerminalMintsIDWhenMissingOrColliding(t *testing.T) {
	reg := newFakeRegistry()
	reg.labelsTaken["taken"] = true
	srv := newTestServer(t, reg)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/open-terminal?session_id=taken")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	var body map[string]string
	json.NewDecoder(resp.Body).Decode(&body)
	if body["session_id"] != "generated-id" {
		t.Fatalf("expected a freshly minted id, got %+v", body)
	}

	resp2, err := http.Get(ts.URL + "/open-terminal")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp2.Body.Close()
	var body2 map[string]string
	json.NewDecoder(resp2.Body).Decode(&body2)
	if body2["session_id"] != "generated-id" {
		t.Fatalf("expected a freshly minted id when session_id is missing, got %+v", body2)
	}
}

func TestTerminalSendDisabledByDefault(t *testing.T) {
	os.Unsetenv(envEnableTerminalSend)
	reg := newFakeRegistry()
	srv := newTestServer(t, reg)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/terminal-send?session_id=x&text=hi")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
}

func TestTerminalSendUnknownSessionWhenEnabled(t *testing.T) {
	os.Setenv(envEnableTerminalSend, "1")
	defer os.Unsetenv(envEnableTerminalSend)

	reg := newFakeRegistry()
	srv := newTestServer(t, reg)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/terminal-send?session_id=missing&text=hi")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestTerminalSendAcceptedWhenEnabledAndActive(t *testing.T) {
	os.Setenv(envEnableTerminalSend, "1")
	defer os.Unsetenv(envEnableTerminalSend)

	reg := newFakeRegistry()
	reg.active["s1"] = true
	srv := newTestServer(t, reg)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/terminal-send?session_id=s1&text=" + url.QueryEscape("ls\n"))
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if reg.sentInputs["s1"] != "ls\n" {
		t.Fatalf("expected input forwarded, got %q", reg.sentInputs["s1"])
	}
}

func TestOpenTerminalUsesQueryDimensionsOrDefault(t *testing.T) {
	reg := newFakeRegistry()
	srv := newTestServer(t, reg)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	if _, err := http.Get(ts.URL + "/open-terminal?session_id=sized&cols=120&rows=40"); err != nil {
		t.Fatalf("GET: %v", err)
	}
	if reg.dims["sized"] != [2]uint16{120, 40} {
		t.Fatalf("dims = %v, want [120 40]", reg.dims["sized"])
	}

	if _, err := http.Get(ts.URL + "/open-terminal?session_id=unsized"); err != nil {
		t.Fatalf("GET: %v", err)
	}
	if reg.dims["unsized"] != [2]uint16{80, 24} {
		t.Fatalf("dims = %v, want default [80 24]", reg.dims["unsized"])
	}
}

func TestUnknownPathIs404(t *testing.T) {
	srv := newTestServer(t, newFakeRegistry())
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/nope")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

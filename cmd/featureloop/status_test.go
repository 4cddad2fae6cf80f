package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/basket/featureloop/internal/persistence"
)

func TestRunStatusCommand_ExtraArgs(t *testing.T) {
	code := runStatusCommand(context.Background(), []string{"extra"})
	if code != 2 {
		t.Fatalf("got exit code %d, want 2", code)
	}
}

func TestRunStatusCommand_HealthyServer(t *testing.T) {
	var progressAuth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/healthz":
			json.NewEncoder(w).Encode(map[string]any{"healthy": true, "db_ok": true, "project": "demo"})
		case "/api/progress":
			progressAuth = r.Header.Get("Authorization")
			json.NewEncoder(w).Encode(persistence.Stats{Total: 4, Passing: 1, Pending: 3, Percentage: 25})
		default:
			t.Errorf("unexpected path: %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer ts.Close()

	setTestConfig(t, ts.Listener.Addr().String(), "auth_token: s3cret\n")

	code := runStatusCommand(context.Background(), []string{"-json"})
	if code != 0 {
		t.Fatalf("got exit code %d, want 0", code)
	}
	if progressAuth != "Bearer s3cret" {
		t.Fatalf("progress request Authorization = %q", progressAuth)
	}
}

func TestRunStatusCommand_UnhealthyServer(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"healthy":false,"db_ok":false}`))
	}))
	defer ts.Close()

	setTestConfig(t, ts.Listener.Addr().String(), "")

	code := runStatusCommand(context.Background(), nil)
	if code != 1 {
		t.Fatalf("got exit code %d, want 1", code)
	}
}

func TestRunStatusCommand_ConnectionRefused(t *testing.T) {
	setTestConfig(t, "127.0.0.1:1", "")

	code := runStatusCommand(context.Background(), nil)
	if code != 1 {
		t.Fatalf("got exit code %d, want 1 for connection refused", code)
	}
}

func TestRunStatusCommand_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	setTestConfig(t, "127.0.0.1:18790", "")

	code := runStatusCommand(ctx, nil)
	if code != 1 {
		t.Fatalf("got exit code %d, want 1 for cancelled context", code)
	}
}

func TestPrintStatusTable(t *testing.T) {
	var b strings.Builder
	printStatusTable(&b, statusOutput{
		Health:   healthReport{Healthy: true, Project: "demo", SlotsRunning: 2},
		Progress: &persistence.Stats{Total: 10, Passing: 5, Stuck: 1, Percentage: 50},
	})
	out := b.String()
	for _, want := range []string{"demo (healthy)", "2 running", "5/10 passing (50.0%)", "1 stuck"} {
		if !strings.Contains(out, want) {
			t.Fatalf("table missing %q:\n%s", want, out)
		}
	}
}

func TestGatewayURL(t *testing.T) {
	tests := []struct {
		addr, scheme, want string
	}{
		{"127.0.0.1:18790", "http", "http://127.0.0.1:18790"},
		{"127.0.0.1:18790", "ws", "ws://127.0.0.1:18790"},
		{"", "http", "http://127.0.0.1:18790"},
		{"[::1]:9000", "ws", "ws://[::1]:9000"},
		{"https://loop.example.com/", "ws", "wss://loop.example.com"},
		{"http://localhost:1234", "http", "http://localhost:1234"},
	}
	for _, tt := range tests {
		if got := gatewayURL(tt.addr, tt.scheme); got != tt.want {
			t.Errorf("gatewayURL(%q, %q) = %q, want %q", tt.addr, tt.scheme, got, tt.want)
		}
	}
}

// setTestConfig writes a minimal config.yaml to a temp dir and sets FEATURELOOP_HOME.
func setTestConfig(t *testing.T, addr, extra string) {
	t.Helper()
	home := t.TempDir()
	t.Setenv("FEATURELOOP_HOME", home)
	t.Setenv("FEATURELOOP_AUTH_TOKEN", "")
	yaml := `bind_addr: "` + addr + `"` + "\n" + extra
	if err := os.WriteFile(home+"/config.yaml", []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

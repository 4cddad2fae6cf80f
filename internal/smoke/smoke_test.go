package smoke

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func moduleRoot(t *testing.T) string {
	t.Helper()

	cmd := exec.Command("go", "env", "GOMOD")
	out, err := cmd.Output()
	if err != nil {
		t.Fatalf("go env GOMOD: %v", err)
	}
	gomod := strings.TrimSpace(string(out))
	if gomod == "" || gomod == os.DevNull {
		t.Fatalf("go env GOMOD returned %q; expected path to go.mod", gomod)
	}
	return filepath.Dir(gomod)
}

func buildBinary(t *testing.T) string {
	t.Helper()
	root := moduleRoot(t)
	outPath := filepath.Join(t.TempDir(), "featureloop")
	cmd := exec.Command("go", "build", "-o", outPath, "./cmd/featureloop")
	cmd.Dir = root
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	if err := cmd.Run(); err != nil {
		t.Fatalf("build binary: %v\n%s", err, buf.String())
	}
	return outPath
}

func pickFreeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("pick free addr: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

// testEnv is a home directory with a config for a throwaway project whose
// worker exits immediately.
type testEnv struct {
	bin  string
	home string
	addr string
	out  bytes.Buffer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{bin: buildBinary(t), home: t.TempDir(), addr: pickFreeAddr(t)}
	cfg := "project_name: smoke\n" +
		"project_dir: " + t.TempDir() + "\n" +
		"session_delay: 1s\n" +
		"worker:\n  command: \"true\"\n"
	if err := os.WriteFile(filepath.Join(env.home, "config.yaml"), []byte(cfg), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return env
}

func (e *testEnv) environ() []string {
	return append(os.Environ(),
		"FEATURELOOP_HOME="+e.home,
		"FEATURELOOP_BIND_ADDR="+e.addr,
		"FEATURELOOP_DB=",
		"FEATURELOOP_AUTH_TOKEN=",
	)
}

func (e *testEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c := exec.CommandContext(ctx, e.bin, args...)
	c.Env = e.environ()
	var buf bytes.Buffer
	c.Stdout = &buf
	c.Stderr = &buf
	err := c.Run()
	return buf.String(), err
}

func (e *testEnv) startDaemon(t *testing.T) *exec.Cmd {
	t.Helper()
	cmd := exec.Command(e.bin, "-quiet")
	cmd.Env = e.environ()
	cmd.Stdout = &e.out
	cmd.Stderr = &e.out
	if err := cmd.Start(); err != nil {
		t.Fatalf("start daemon: %v", err)
	}
	t.Cleanup(func() { stopDaemon(cmd) })
	return cmd
}

func stopDaemon(cmd *exec.Cmd) error {
	if cmd.ProcessState != nil {
		return nil
	}
	_ = cmd.Process.Signal(os.Interrupt)
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case err := <-done:
		return err
	case <-time.After(10 * time.Second):
		_ = cmd.Process.Kill()
		<-done
		return context.DeadlineExceeded
	}
}

func TestSmoke_BuildsBinary(t *testing.T) {
	bin := buildBinary(t)
	fi, err := os.Stat(bin)
	if err != nil {
		t.Fatalf("stat built binary: %v", err)
	}
	if fi.Size() <= 0 {
		t.Fatalf("built binary has unexpected size %d", fi.Size())
	}
}

func TestSmoke_ImportThenStatusReportsProgress(t *testing.T) {
	env := newTestEnv(t)

	file := filepath.Join(t.TempDir(), "features.json")
	features := `[
		{"category": "core", "name": "one", "description": "d", "steps": ["s"]},
		{"category": "core", "name": "two", "description": "d", "steps": ["s"]}
	]`
	if err := os.WriteFile(file, []byte(features), 0o644); err != nil {
		t.Fatal(err)
	}
	if out, err := env.run(t, "import", "-file", file); err != nil {
		t.Fatalf("import failed: %v\n%s", err, out)
	}

	env.startDaemon(t)

	deadline := time.Now().Add(10 * time.Second)
	var statusOut string
	for time.Now().Before(deadline) {
		out, err := env.run(t, "status", "-json")
		if err == nil {
			statusOut = out
			break
		}
		time.Sleep(150 * time.Millisecond)
	}
	if strings.TrimSpace(statusOut) == "" {
		t.Fatalf("status did not become ready in time\noutput=%s", env.out.String())
	}

	var body struct {
		Health struct {
			Healthy bool   `json:"healthy"`
			Project string `json:"project"`
		} `json:"health"`
		Progress *struct {
			Total int `json:"total"`
		} `json:"progress"`
	}
	if err := json.Unmarshal([]byte(statusOut), &body); err != nil {
		t.Fatalf("status output not JSON: %v\nout=%s", err, statusOut)
	}
	if !body.Health.Healthy || body.Health.Project != "smoke" {
		t.Fatalf("unexpected health: %+v", body.Health)
	}
	if body.Progress == nil || body.Progress.Total != 2 {
		t.Fatalf("expected progress with 2 features, got %s", statusOut)
	}

	out, err := env.run(t, "ctl", "progress.get")
	if err != nil {
		t.Fatalf("ctl progress.get: %v\n%s", err, out)
	}
	if !strings.Contains(out, `"total": 2`) {
		t.Fatalf("ctl output = %s", out)
	}
}

func TestSmoke_StartupPhasesFollowRequiredOrder(t *testing.T) {
	env := newTestEnv(t)
	cmd := env.startDaemon(t)

	logPath := filepath.Join(env.home, "logs", "system.jsonl")
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		data, _ := os.ReadFile(logPath)
		if strings.Contains(string(data), `"phase":"loops_started"`) {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	if err := stopDaemon(cmd); err == context.DeadlineExceeded {
		t.Fatalf("daemon did not exit after signal\noutput=%s", env.out.String())
	}

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read logs: %v", err)
	}

	phases := map[string]int{}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		var entry map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		phase, _ := entry["phase"].(string)
		if phase == "" {
			continue
		}
		if _, exists := phases[phase]; !exists {
			phases[phase] = lineNo
		}
	}
	required := []string{
		"config_loaded",
		"schema_migrated",
		"slots_restored",
		"gateway_bound",
		"loops_started",
	}
	for _, phase := range required {
		if _, ok := phases[phase]; !ok {
			t.Fatalf("missing startup phase %q in logs\noutput=%s", phase, env.out.String())
		}
	}
	for i := 1; i < len(required); i++ {
		prev := required[i-1]
		cur := required[i]
		if phases[prev] >= phases[cur] {
			t.Fatalf("phase ordering invalid: %s(%d) >= %s(%d)", prev, phases[prev], cur, phases[cur])
		}
	}
	if !strings.Contains(string(data), `"msg":"shutdown complete"`) {
		t.Fatalf("expected a clean shutdown in logs")
	}
}

func TestSmoke_StartupFailureEmitsReasonCode(t *testing.T) {
	env := newTestEnv(t)
	if err := os.WriteFile(filepath.Join(env.home, "config.yaml"), []byte("default_slot_mode: swarm\n"), 0o644); err != nil {
		t.Fatalf("write invalid config: %v", err)
	}

	out, err := env.run(t, "daemon")
	if err == nil {
		t.Fatalf("expected startup failure for invalid config")
	}
	if !strings.Contains(out, `"reason_code":"E_CONFIG_LOAD"`) {
		t.Fatalf("expected structured startup reason_code in output\noutput=%s", out)
	}
	if !strings.Contains(out, `"msg":"startup failure"`) {
		t.Fatalf("expected startup failure log message\noutput=%s", out)
	}
	if !strings.Contains(out, `"component":"runtime"`) || !strings.Contains(out, `"level":"ERROR"`) {
		t.Fatalf("expected runtime component and error level\noutput=%s", out)
	}
}

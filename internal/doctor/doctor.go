// Package doctor runs environment checks for a featureloop installation.
package doctor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/featureloop/internal/config"
	"github.com/basket/featureloop/internal/mcp"
	"github.com/basket/featureloop/internal/persistence"
	"github.com/basket/featureloop/internal/tools"
	"github.com/basket/featureloop/internal/worktree"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return true
		}
	}
	return false
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks. mcpCommand is the command line that
// starts the worker tool server; empty skips the MCP probe.
func Run(ctx context.Context, cfg *config.Config, version string, mcpCommand []string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkDatabase,
		checkPermissions,
		checkProjectDir,
		checkExternalTools,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	if len(mcpCommand) == 0 || cfg == nil {
		d.Results = append(d.Results, CheckResult{Name: "MCP", Status: "SKIP", Message: "No tool server command"})
	} else {
		env := []string{
			"FEATURELOOP_HOME=" + cfg.HomeDir,
			"FEATURELOOP_DB=" + cfg.DBPath,
			"FEATURELOOP_PROJECT_NAME=" + cfg.ProjectName,
		}
		d.Results = append(d.Results, CheckMCP(ctx, mcpCommand[0], mcpCommand[1:], env))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if cfg.NeedsInit {
		return CheckResult{Name: "Config", Status: "WARN", Message: "config.yaml missing, using defaults",
			Detail: "Run `featureloop init` to write one to " + config.ConfigPath(cfg.HomeDir)}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir),
		Detail: cfg.Fingerprint()}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.DBPath, cfg.ProjectName, nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Connection failed: %v", err)}
	}
	defer store.Close()

	stats, err := store.Stats(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{
		Name:    "Database",
		Status:  "PASS",
		Message: fmt.Sprintf("%d features, %d passing", stats.Total, stats.Passing),
		Detail:  cfg.DBPath,
	}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

func checkProjectDir(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Project", Status: "SKIP", Message: "Config missing"}
	}
	info, err := os.Stat(cfg.ProjectDir)
	if err != nil || !info.IsDir() {
		return CheckResult{Name: "Project", Status: "FAIL", Message: fmt.Sprintf("Project dir %s not found", cfg.ProjectDir)}
	}
	root, err := worktree.FindGitRoot(cfg.ProjectDir)
	if err != nil {
		status := "WARN"
		if cfg.DefaultSlotMode == config.ModeWorktree {
			status = "FAIL"
		}
		return CheckResult{Name: "Project", Status: status, Message: "Project dir is not a git repository",
			Detail: "isolated-worktree slots need a git repository"}
	}
	return CheckResult{Name: "Project", Status: "PASS", Message: fmt.Sprintf("Git repository at %s", root)}
}

func checkExternalTools(_ context.Context, cfg *config.Config) CheckResult {
	var details []string
	status := "PASS"

	if _, err := exec.LookPath("git"); err != nil {
		details = append(details, "git: missing (required for worktree slots)")
		status = "WARN"
	} else {
		details = append(details, "git: ok")
	}

	if cfg != nil {
		if path, err := exec.LookPath(cfg.Worker.Command); err != nil {
			details = append(details, fmt.Sprintf("%s: missing (worker command)", cfg.Worker.Command))
			status = "FAIL"
		} else {
			details = append(details, fmt.Sprintf("%s: %s", cfg.Worker.Command, path))
		}
	}

	return CheckResult{
		Name:    "External Tools",
		Status:  status,
		Message: fmt.Sprintf("Checked %d tools", len(details)),
		Detail:  strings.Join(details, "; "),
	}
}

// CheckMCP starts the worker tool server and verifies it lists every
// operation the workers rely on.
func CheckMCP(ctx context.Context, command string, args, env []string) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	transport, err := mcp.NewStdioTransport(ctx, command, args, env)
	if err != nil {
		return CheckResult{Name: "MCP", Status: "FAIL", Message: fmt.Sprintf("Start failed: %v", err)}
	}
	client := mcp.NewClient("featureloop-doctor", "dev", transport)
	defer client.Close()

	if err := client.Initialize(ctx); err != nil {
		return CheckResult{Name: "MCP", Status: "FAIL", Message: fmt.Sprintf("Initialize failed: %v", err)}
	}
	listed, err := client.ListTools(ctx)
	if err != nil {
		return CheckResult{Name: "MCP", Status: "FAIL", Message: fmt.Sprintf("tools/list failed: %v", err)}
	}
	have := make(map[string]bool, len(listed))
	for _, tool := range listed {
		have[tool.Name] = true
	}
	var missing []string
	for _, op := range tools.Catalog() {
		if !have[string(op.Name)] {
			missing = append(missing, string(op.Name))
		}
	}
	if len(missing) > 0 {
		return CheckResult{Name: "MCP", Status: "FAIL", Message: fmt.Sprintf("%d tools missing", len(missing)),
			Detail: strings.Join(missing, ", ")}
	}
	return CheckResult{Name: "MCP", Status: "PASS", Message: fmt.Sprintf("%d tools available", len(listed))}
}

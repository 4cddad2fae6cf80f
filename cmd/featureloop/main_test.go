package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/featureloop/internal/config"
)

func TestParseDaemonSubcommandArgs(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    daemonSubcommandMode
		wantErr bool
	}{
		{name: "no args means run", args: nil, want: daemonSubcommandRun},
		{name: "double dash help", args: []string{"--help"}, want: daemonSubcommandHelp},
		{name: "single dash help", args: []string{"-h"}, want: daemonSubcommandHelp},
		{name: "help token", args: []string{"help"}, want: daemonSubcommandHelp},
		{name: "unexpected arg", args: []string{"extra"}, want: daemonSubcommandRun, wantErr: true},
		{name: "too many args", args: []string{"--help", "extra"}, want: daemonSubcommandRun, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseDaemonSubcommandArgs(tt.args)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("mode mismatch: got %v want %v", got, tt.want)
			}
		})
	}
}

func TestPrintDaemonSubcommandUsage(t *testing.T) {
	var buf bytes.Buffer
	printDaemonSubcommandUsage(&buf)
	out := buf.String()

	if !strings.Contains(out, "usage: featureloop daemon [--help]") {
		t.Fatalf("usage output missing daemon subcommand usage: %q", out)
	}
	if !strings.Contains(out, "featureloop -quiet") {
		t.Fatalf("usage output missing flag usage: %q", out)
	}
}

func TestWriteMinimalConfig_LoadsBack(t *testing.T) {
	home := t.TempDir()
	project := t.TempDir()

	path, err := writeMinimalConfig(home, project, false)
	if err != nil {
		t.Fatalf("writeMinimalConfig: %v", err)
	}
	if path != config.ConfigPath(home) {
		t.Fatalf("path = %q, want %q", path, config.ConfigPath(home))
	}

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.NeedsInit {
		t.Fatal("NeedsInit should be false after init")
	}
	abs, _ := filepath.Abs(project)
	if cfg.ProjectDir != abs {
		t.Fatalf("ProjectDir = %q, want %q", cfg.ProjectDir, abs)
	}
	if cfg.ProjectName != filepath.Base(abs) {
		t.Fatalf("ProjectName = %q, want %q", cfg.ProjectName, filepath.Base(abs))
	}
	if cfg.DefaultSlotMode != config.ModeSolo || cfg.MaxAttempts != 3 {
		t.Fatalf("unexpected defaults: mode=%q attempts=%d", cfg.DefaultSlotMode, cfg.MaxAttempts)
	}
}

func TestWriteMinimalConfig_KeepsExistingUnlessForced(t *testing.T) {
	home := t.TempDir()
	path := config.ConfigPath(home)
	if err := os.WriteFile(path, []byte("project_name: keep\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := writeMinimalConfig(home, t.TempDir(), false); !errors.Is(err, os.ErrExist) {
		t.Fatalf("err = %v, want os.ErrExist", err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "project_name: keep\n" {
		t.Fatalf("config was overwritten: %q", data)
	}

	if _, err := writeMinimalConfig(home, t.TempDir(), true); err != nil {
		t.Fatalf("forced write: %v", err)
	}
	data, _ = os.ReadFile(path)
	if strings.Contains(string(data), "keep") {
		t.Fatalf("forced write left old content: %q", data)
	}
}

func TestRunInitCommand(t *testing.T) {
	home := t.TempDir()
	t.Setenv("FEATURELOOP_HOME", home)

	if code := runInitCommand(context.Background(), []string{"-project-dir", t.TempDir()}); code != 0 {
		t.Fatalf("first init exit code %d, want 0", code)
	}
	if code := runInitCommand(context.Background(), []string{"-project-dir", t.TempDir()}); code != 1 {
		t.Fatalf("second init exit code %d, want 1", code)
	}
	if code := runInitCommand(context.Background(), []string{"extra"}); code != 2 {
		t.Fatalf("extra args exit code %d, want 2", code)
	}
}

func TestLoadDotEnv_DoesNotOverrideEnvironment(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	content := "# comment\nFEATURELOOP_TEST_A=from-file\nFEATURELOOP_TEST_B=from-file\nnot a pair\n"
	if err := os.WriteFile(envFile, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("FEATURELOOP_TEST_A", "from-env")
	t.Setenv("FEATURELOOP_TEST_B", "")

	loadDotEnv(envFile)

	if got := os.Getenv("FEATURELOOP_TEST_A"); got != "from-env" {
		t.Fatalf("FEATURELOOP_TEST_A = %q, want from-env", got)
	}
	if got := os.Getenv("FEATURELOOP_TEST_B"); got != "from-file" {
		t.Fatalf("FEATURELOOP_TEST_B = %q, want from-file", got)
	}
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/basket/featureloop/internal/config"
)

func runInitCommand(_ context.Context, args []string) int {
	fs := flag.NewFlagSet("featureloop init", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	projectDir := fs.String("project-dir", ".", "project tree the workers edit")
	force := fs.Bool("force", false, "overwrite an existing config.yaml")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if len(fs.Args()) != 0 {
		fmt.Fprintln(os.Stderr, "usage: featureloop init [-project-dir dir] [-force]")
		return 2
	}

	path, err := writeMinimalConfig(config.HomeDir(), *projectDir, *force)
	if errors.Is(err, os.ErrExist) {
		fmt.Fprintf(os.Stderr, "%s already exists (use -force to overwrite)\n", path)
		return 1
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "init: %v\n", err)
		return 1
	}
	fmt.Fprintf(os.Stdout, "wrote %s\n", path)
	return 0
}

// starterConfig is the subset of settings written by init. Everything else
// keeps its default.
type starterConfig struct {
	ProjectName      string              `yaml:"project_name"`
	ProjectDir       string              `yaml:"project_dir"`
	SessionDelay     string              `yaml:"session_delay"`
	MaxAttempts      int                 `yaml:"max_attempts"`
	MaxParallelSlots int                 `yaml:"max_parallel_slots"`
	DefaultSlotMode  string              `yaml:"default_slot_mode"`
	BindAddr         string              `yaml:"bind_addr"`
	LogLevel         string              `yaml:"log_level"`
	Worker           config.WorkerConfig `yaml:"worker"`
}

func newStarterConfig(projectDir string) starterConfig {
	return starterConfig{
		ProjectName:      filepath.Base(projectDir),
		ProjectDir:       projectDir,
		SessionDelay:     "3s",
		MaxAttempts:      3,
		MaxParallelSlots: 1,
		DefaultSlotMode:  config.ModeSolo,
		BindAddr:         "127.0.0.1:18790",
		LogLevel:         "info",
		Worker: config.WorkerConfig{
			Command: "claude",
			Args:    []string{"-p", "--output-format", "stream-json", "--verbose"},
		},
	}
}

// writeMinimalConfig writes a starter config.yaml for projectDir. An existing
// file yields os.ErrExist unless force is set.
func writeMinimalConfig(homeDir, projectDir string, force bool) (string, error) {
	path := config.ConfigPath(homeDir)
	if _, err := os.Stat(path); err == nil && !force {
		return path, os.ErrExist
	}
	abs, err := filepath.Abs(projectDir)
	if err != nil {
		return "", fmt.Errorf("resolve project dir: %w", err)
	}
	data, err := yaml.Marshal(newStarterConfig(abs))
	if err != nil {
		return "", fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return "", fmt.Errorf("create home: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write config.yaml: %w", err)
	}
	return path, nil
}

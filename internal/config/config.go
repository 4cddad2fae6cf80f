package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	ModeSolo          = "solo"
	ModeCollaborative = "collaborative"
	ModeWorktree      = "isolated-worktree"
)

// WorkerConfig describes the external worker process launched per session.
type WorkerConfig struct {
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
	// Model names the pricing entry used when the worker reports no cost.
	Model string `yaml:"model"`
}

type WorktreeConfig struct {
	// BaseDir holds the per-slot worktrees. Empty means the parent of ProjectDir.
	BaseDir      string `yaml:"base_dir"`
	BranchPrefix string `yaml:"branch_prefix"`
	// TargetBranch receives merged work. Empty means the branch checked out in ProjectDir.
	TargetBranch string `yaml:"target_branch"`
}

type OTelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // "otlp", "stdout", "none"
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type TelegramConfig struct {
	Token  string `yaml:"token"`
	ChatID int64  `yaml:"chat_id"`
}

type NotifyConfig struct {
	WebhookURL string         `yaml:"webhook_url"`
	Telegram   TelegramConfig `yaml:"telegram"`
	// Kinds filters which notifications are sent. Empty means all.
	Kinds []string `yaml:"kinds"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	ProjectName string `yaml:"project_name"`
	ProjectDir  string `yaml:"project_dir"`
	DBPath      string `yaml:"db_path"`

	SessionDelay        time.Duration `yaml:"session_delay"`
	MaxAttempts         int           `yaml:"max_attempts"`
	CostCeilingUSD      float64       `yaml:"cost_ceiling_usd"`
	TokenCeiling        int64         `yaml:"token_ceiling"`
	MaxParallelSlots    int           `yaml:"max_parallel_slots"`
	DefaultSlotMode     string        `yaml:"default_slot_mode"`
	StopGrace           time.Duration `yaml:"stop_grace"`
	AutoStopOnComplete  *bool         `yaml:"auto_stop_on_completion"`
	MaintenanceSchedule string        `yaml:"maintenance_schedule"`
	RetentionDays       int           `yaml:"retention_days"`

	BindAddr  string `yaml:"bind_addr"`
	AuthToken string `yaml:"auth_token"`
	LogLevel  string `yaml:"log_level"`
	// AllowOrigins lists cross-origin browser origins accepted by the gateway.
	AllowOrigins []string `yaml:"allow_origins"`
	// RateLimitPerMinute caps gateway requests per client. Zero disables it.
	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`

	Worker   WorkerConfig   `yaml:"worker"`
	Worktree WorktreeConfig `yaml:"worktree"`
	OTel     OTelConfig     `yaml:"otel"`
	Notify   NotifyConfig   `yaml:"notify"`

	NeedsInit bool `yaml:"-"`
}

// AutoStop reports whether reaching 100% passing stops every slot.
func (c Config) AutoStop() bool {
	return c.AutoStopOnComplete == nil || *c.AutoStopOnComplete
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the settings that affect running loops.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "project=%s|delay=%s|attempts=%d|cost=%g|tokens=%d|slots=%d|mode=%s|grace=%s|worker=%s %v",
		c.ProjectName, c.SessionDelay, c.MaxAttempts, c.CostCeilingUSD, c.TokenCeiling,
		c.MaxParallelSlots, c.DefaultSlotMode, c.StopGrace, c.Worker.Command, c.Worker.Args)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		SessionDelay:        3 * time.Second,
		MaxAttempts:         3,
		MaxParallelSlots:    1,
		DefaultSlotMode:     ModeSolo,
		StopGrace:           30 * time.Second,
		MaintenanceSchedule: "@every 30s",
		RetentionDays:       30,
		BindAddr:            "127.0.0.1:18790",
		LogLevel:            "info",
		Worker: WorkerConfig{
			Command: "claude",
			Args:    []string{"-p", "--output-format", "stream-json", "--verbose"},
		},
		Worktree: WorktreeConfig{
			BranchPrefix: "featureloop/",
		},
		OTel: OTelConfig{
			Exporter:    "none",
			ServiceName: "featureloop",
			SampleRate:  1.0,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("FEATURELOOP_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".featureloop")
}

func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads <homeDir>/config.yaml, applies environment overrides and
// fills defaults.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create featureloop home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsInit = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.ProjectDir == "" {
		if wd, err := os.Getwd(); err == nil {
			cfg.ProjectDir = wd
		}
	}
	if abs, err := filepath.Abs(cfg.ProjectDir); err == nil {
		cfg.ProjectDir = abs
	}
	if strings.TrimSpace(cfg.ProjectName) == "" {
		cfg.ProjectName = filepath.Base(cfg.ProjectDir)
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "features.db")
	}
	if cfg.SessionDelay < 0 {
		cfg.SessionDelay = 0
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.CostCeilingUSD < 0 {
		cfg.CostCeilingUSD = 0
	}
	if cfg.TokenCeiling < 0 {
		cfg.TokenCeiling = 0
	}
	if cfg.MaxParallelSlots <= 0 {
		cfg.MaxParallelSlots = 1
	}
	if cfg.DefaultSlotMode == "" {
		cfg.DefaultSlotMode = ModeSolo
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 30 * time.Second
	}
	if cfg.MaintenanceSchedule == "" {
		cfg.MaintenanceSchedule = "@every 30s"
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18790"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Worktree.BranchPrefix == "" {
		cfg.Worktree.BranchPrefix = "featureloop/"
	}
	if cfg.Worktree.BaseDir == "" {
		cfg.Worktree.BaseDir = filepath.Dir(cfg.ProjectDir)
	}
	if cfg.OTel.ServiceName == "" {
		cfg.OTel.ServiceName = "featureloop"
	}
}

func validate(cfg Config) error {
	switch cfg.DefaultSlotMode {
	case ModeSolo, ModeCollaborative, ModeWorktree:
	default:
		return fmt.Errorf("default_slot_mode %q must be one of %s, %s, %s", cfg.DefaultSlotMode, ModeSolo, ModeCollaborative, ModeWorktree)
	}
	if strings.TrimSpace(cfg.Worker.Command) == "" {
		return fmt.Errorf("worker.command is required")
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("FEATURELOOP_PROJECT_DIR"); raw != "" {
		cfg.ProjectDir = raw
	}
	if raw := os.Getenv("FEATURELOOP_PROJECT_NAME"); raw != "" {
		cfg.ProjectName = raw
	}
	if raw := os.Getenv("FEATURELOOP_DB"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("FEATURELOOP_SESSION_DELAY"); raw != "" {
		if v, err := time.ParseDuration(raw); err == nil {
			cfg.SessionDelay = v
		}
	}
	if raw := os.Getenv("FEATURELOOP_MAX_ATTEMPTS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.MaxAttempts = v
		}
	}
	if raw := os.Getenv("FEATURELOOP_COST_CEILING_USD"); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			cfg.CostCeilingUSD = v
		}
	}
	if raw := os.Getenv("FEATURELOOP_TOKEN_CEILING"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			cfg.TokenCeiling = v
		}
	}
	if raw := os.Getenv("FEATURELOOP_MAX_PARALLEL_SLOTS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.MaxParallelSlots = v
		}
	}
	if raw := os.Getenv("FEATURELOOP_DEFAULT_SLOT_MODE"); raw != "" {
		cfg.DefaultSlotMode = raw
	}
	if raw := os.Getenv("FEATURELOOP_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("FEATURELOOP_AUTH_TOKEN"); raw != "" {
		cfg.AuthToken = raw
	}
	if raw := os.Getenv("FEATURELOOP_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("FEATURELOOP_WORKER_COMMAND"); raw != "" {
		cfg.Worker.Command = raw
	}
	if raw := os.Getenv("FEATURELOOP_WEBHOOK_URL"); raw != "" {
		cfg.Notify.WebhookURL = raw
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Notify.Telegram.Token = raw
	}
}

// loadRawConfig reads config.yaml into a generic map, returning an empty map if the file doesn't exist.
func loadRawConfig(path string) (map[string]interface{}, error) {
	raw := make(map[string]interface{})
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse config.yaml: %w", err)
		}
	}
	return raw, nil
}

// Set updates a single top-level key in config.yaml, preserving other settings.
func Set(homeDir, key string, value interface{}) error {
	path := ConfigPath(homeDir)
	raw, err := loadRawConfig(path)
	if err != nil {
		return err
	}
	raw[key] = value
	out, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return fmt.Errorf("create featureloop home: %w", err)
	}
	return os.WriteFile(path, out, 0o644)
}

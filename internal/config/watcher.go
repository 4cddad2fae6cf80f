package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce collapses the burst of events an editor save produces.
const DefaultDebounce = 250 * time.Millisecond

// Reload carries a re-read config.yaml. Err is set when the new file failed
// to parse or validate; the caller keeps its previous settings.
type Reload struct {
	Config *Config
	Err    error
}

// Watcher re-reads config.yaml when it changes and reports each distinct
// version once. It watches the home directory so editors that replace the
// file by rename are still seen.
type Watcher struct {
	homeDir  string
	logger   *slog.Logger
	debounce time.Duration
	last     string
	reloads  chan Reload
}

// NewWatcher starts from current, whose fingerprint suppresses reloads that
// change nothing the loops care about.
func NewWatcher(current *Config, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir:  current.HomeDir,
		logger:   logger.With("component", "config"),
		debounce: DefaultDebounce,
		last:     current.Fingerprint(),
		reloads:  make(chan Reload, 4),
	}
}

// SetDebounce overrides DefaultDebounce. Call before Start.
func (w *Watcher) SetDebounce(d time.Duration) { w.debounce = d }

// Reloads is closed when the watcher stops.
func (w *Watcher) Reloads() <-chan Reload {
	return w.reloads
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.homeDir); err != nil {
		_ = fsw.Close()
		return err
	}
	target := filepath.Clean(ConfigPath(w.homeDir))

	go func() {
		defer fsw.Close()
		defer close(w.reloads)
		var settle <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				settle = time.After(w.debounce)
			case <-settle:
				settle = nil
				w.reload(ctx)
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}

func (w *Watcher) reload(ctx context.Context) {
	next, err := LoadFrom(w.homeDir)
	if err != nil {
		w.logger.Error("config.yaml reload rejected; retaining previous settings", "error", err)
		w.send(ctx, Reload{Err: err})
		return
	}
	fp := next.Fingerprint()
	if fp == w.last {
		w.logger.Debug("config.yaml rewritten without effective change")
		return
	}
	w.last = fp
	w.logger.Info("config.yaml changed", "fingerprint", fp)
	w.send(ctx, Reload{Config: &next})
}

func (w *Watcher) send(ctx context.Context, r Reload) {
	select {
	case w.reloads <- r:
	case <-ctx.Done():
	}
}

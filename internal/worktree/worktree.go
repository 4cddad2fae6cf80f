// Package worktree gives each isolated slot a private git worktree and merges
// finished work back into the shared tree.
package worktree

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

var (
	ErrNotGitRepo   = errors.New("project directory is not a git repository")
	ErrSyncConflict = errors.New("sandbox sync conflicted with target branch")
)

// Sandbox is a slot's private working copy.
type Sandbox struct {
	SlotID string `json:"slot_id"`
	Path   string `json:"path"`
	Branch string `json:"branch"`
}

// MergeResult describes a merge-back attempt. Conflicts are results, not errors.
type MergeResult struct {
	Merged     bool     `json:"merged"`
	Conflict   bool     `json:"conflict"`
	Files      []string `json:"files,omitempty"`
	Diagnostic string   `json:"diagnostic,omitempty"`
}

type Config struct {
	RepoDir      string
	BaseDir      string
	BranchPrefix string
	TargetBranch string
	Executor     CommandExecutor
	Logger       *slog.Logger
}

// Allocator owns the per-slot sandboxes of one project. Operations that touch
// the shared repository are serialized.
type Allocator struct {
	repoDir      string
	baseDir      string
	prefix       string
	project      string
	targetBranch string
	exec         CommandExecutor
	logger       *slog.Logger

	mu        sync.Mutex
	sandboxes map[string]Sandbox
}

// FindGitRoot walks up from startDir to the directory containing .git.
func FindGitRoot(startDir string) (string, error) {
	dir := startDir
	for {
		if info, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			if info.IsDir() || info.Mode().IsRegular() {
				return dir, nil
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", ErrNotGitRepo
		}
		dir = parent
	}
}

func New(cfg Config) (*Allocator, error) {
	abs, err := filepath.Abs(cfg.RepoDir)
	if err != nil {
		return nil, fmt.Errorf("resolve repo dir: %w", err)
	}
	root, err := FindGitRoot(abs)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", err, cfg.RepoDir)
	}
	baseDir := cfg.BaseDir
	if baseDir == "" {
		baseDir = filepath.Dir(root)
	}
	prefix := cfg.BranchPrefix
	if prefix == "" {
		prefix = "featureloop/"
	}
	executor := cfg.Executor
	if executor == nil {
		executor = CLIExecutor{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Allocator{
		repoDir:      root,
		baseDir:      baseDir,
		prefix:       prefix,
		project:      filepath.Base(root),
		targetBranch: cfg.TargetBranch,
		exec:         executor,
		logger:       logger.With("component", "worktree"),
		sandboxes:    make(map[string]Sandbox),
	}, nil
}

func (a *Allocator) RepoDir() string { return a.repoDir }

func (a *Allocator) git(ctx context.Context, dir string, args ...string) (string, error) {
	out, err := a.exec.Run(ctx, dir, "git", args...)
	return strings.TrimSpace(string(out)), err
}

func (a *Allocator) sandboxFor(slotID string) Sandbox {
	return Sandbox{
		SlotID: slotID,
		Path:   filepath.Join(a.baseDir, a.project+"-"+slotID),
		Branch: a.prefix + slotID,
	}
}

// target resolves the branch merged into; empty config means the shared tree's current branch.
func (a *Allocator) target(ctx context.Context) (string, error) {
	if a.targetBranch != "" {
		return a.targetBranch, nil
	}
	out, err := a.git(ctx, a.repoDir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("resolve target branch: %w: %s", err, out)
	}
	a.targetBranch = out
	return out, nil
}

// Acquire returns the slot's sandbox, creating it when needed. Calling it
// again for the same slot reuses the existing worktree.
func (a *Allocator) Acquire(ctx context.Context, slotID string) (Sandbox, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if sb, ok := a.sandboxes[slotID]; ok {
		return sb, nil
	}
	sb := a.sandboxFor(slotID)
	if _, err := os.Stat(filepath.Join(sb.Path, ".git")); err == nil {
		a.sandboxes[slotID] = sb
		a.logger.Info("reusing existing worktree", "slot_id", slotID, "path", sb.Path)
		return sb, nil
	}

	target, err := a.target(ctx)
	if err != nil {
		return Sandbox{}, err
	}
	if out, err := a.git(ctx, a.repoDir, "worktree", "add", "-b", sb.Branch, sb.Path, target); err != nil {
		// The branch may survive from an earlier sandbox.
		if out2, err2 := a.git(ctx, a.repoDir, "worktree", "add", sb.Path, sb.Branch); err2 != nil {
			return Sandbox{}, fmt.Errorf("create worktree for %s: %w\n%s\n%s", slotID, err2, out, out2)
		}
	}
	a.sandboxes[slotID] = sb
	a.logger.Info("created worktree", "slot_id", slotID, "path", sb.Path, "branch", sb.Branch)
	return sb, nil
}

// Release removes the slot's sandbox and branch. Unknown slots are a no-op.
func (a *Allocator) Release(ctx context.Context, slotID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.releaseLocked(ctx, slotID)
}

func (a *Allocator) releaseLocked(ctx context.Context, slotID string) error {
	sb, ok := a.sandboxes[slotID]
	if !ok {
		sb = a.sandboxFor(slotID)
		if _, err := os.Stat(sb.Path); err != nil {
			return nil
		}
	}
	delete(a.sandboxes, slotID)

	var removeErr error
	if out, err := a.git(ctx, a.repoDir, "worktree", "remove", "--force", sb.Path); err != nil {
		_ = os.RemoveAll(sb.Path)
		_, _ = a.git(ctx, a.repoDir, "worktree", "prune")
		if _, statErr := os.Stat(sb.Path); statErr == nil {
			removeErr = fmt.Errorf("remove worktree %s: %w\n%s", sb.Path, err, out)
		}
	}
	_, _ = a.git(ctx, a.repoDir, "branch", "-D", sb.Branch)
	a.logger.Info("released worktree", "slot_id", slotID, "path", sb.Path)
	return removeErr
}

// Sync rebases the sandbox onto the target branch so it sees merged work from
// other slots. A conflicting rebase is aborted and reported as ErrSyncConflict.
func (a *Allocator) Sync(ctx context.Context, slotID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	sb, ok := a.sandboxes[slotID]
	if !ok {
		return fmt.Errorf("no sandbox for slot %s", slotID)
	}
	target, err := a.target(ctx)
	if err != nil {
		return err
	}
	if dirty, _ := a.git(ctx, sb.Path, "status", "--porcelain"); dirty != "" {
		if err := a.commitAll(ctx, sb.Path, "featureloop: checkpoint before sync"); err != nil {
			return err
		}
	}
	if out, err := a.git(ctx, sb.Path, "rebase", target); err != nil {
		_, _ = a.git(ctx, sb.Path, "rebase", "--abort")
		return fmt.Errorf("%w: %s", ErrSyncConflict, out)
	}
	return nil
}

func (a *Allocator) commitAll(ctx context.Context, dir, message string) error {
	if out, err := a.git(ctx, dir, "add", "-A"); err != nil {
		return fmt.Errorf("stage changes: %w: %s", err, out)
	}
	if out, err := a.git(ctx, dir, "commit", "-m", message); err != nil {
		return fmt.Errorf("commit changes: %w: %s", err, out)
	}
	return nil
}

// MergeBack commits pending sandbox changes and merges the slot branch into
// the target branch of the shared tree. On conflict the merge is aborted and
// the slot branch is reset to the target.
func (a *Allocator) MergeBack(ctx context.Context, slotID, message string) (MergeResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	sb, ok := a.sandboxes[slotID]
	if !ok {
		return MergeResult{}, fmt.Errorf("no sandbox for slot %s", slotID)
	}
	target, err := a.target(ctx)
	if err != nil {
		return MergeResult{}, err
	}
	if message == "" {
		message = "featureloop: work from " + slotID
	}

	if dirty, err := a.git(ctx, sb.Path, "status", "--porcelain"); err != nil {
		return MergeResult{}, fmt.Errorf("sandbox status: %w: %s", err, dirty)
	} else if dirty != "" {
		if err := a.commitAll(ctx, sb.Path, message); err != nil {
			return MergeResult{}, err
		}
	}

	count, err := a.git(ctx, a.repoDir, "rev-list", "--count", target+".."+sb.Branch)
	if err != nil {
		return MergeResult{}, fmt.Errorf("count commits: %w: %s", err, count)
	}
	if count == "0" {
		return MergeResult{Merged: true}, nil
	}

	if current, err := a.git(ctx, a.repoDir, "rev-parse", "--abbrev-ref", "HEAD"); err != nil {
		return MergeResult{}, fmt.Errorf("shared tree branch: %w: %s", err, current)
	} else if current != target {
		if out, err := a.git(ctx, a.repoDir, "checkout", target); err != nil {
			return MergeResult{}, fmt.Errorf("checkout %s: %w: %s", target, err, out)
		}
	}

	out, err := a.git(ctx, a.repoDir, "merge", "--no-ff", "-m",
		fmt.Sprintf("Merge %s into %s", sb.Branch, target), sb.Branch)
	if err == nil {
		a.logger.Info("merged sandbox", "slot_id", slotID, "branch", sb.Branch, "target", target)
		return MergeResult{Merged: true}, nil
	}

	filesOut, _ := a.git(ctx, a.repoDir, "diff", "--name-only", "--diff-filter=U")
	files := splitLines(filesOut)
	_, _ = a.git(ctx, a.repoDir, "merge", "--abort")
	if len(files) == 0 && !strings.Contains(out, "CONFLICT") {
		return MergeResult{}, fmt.Errorf("merge %s: %w: %s", sb.Branch, err, out)
	}
	a.logger.Warn("merge conflict", "slot_id", slotID, "files", files)
	// The conflicting commits live on in the diagnostic only; the next claim
	// on this slot starts from the target.
	if resetOut, err := a.git(ctx, sb.Path, "reset", "--hard", target); err != nil {
		a.logger.Error("reset sandbox after conflict", "slot_id", slotID, "error", err, "output", resetOut)
	}
	return MergeResult{Conflict: true, Files: files, Diagnostic: out}, nil
}

// List returns the sandboxes of this project known to git.
func (a *Allocator) List(ctx context.Context) ([]Sandbox, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.listLocked(ctx)
}

func (a *Allocator) listLocked(ctx context.Context) ([]Sandbox, error) {
	out, err := a.git(ctx, a.repoDir, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("list worktrees: %w: %s", err, out)
	}
	namePrefix := a.project + "-"
	var res []Sandbox
	var cur Sandbox
	flush := func() {
		name := filepath.Base(cur.Path)
		if cur.Path != "" && strings.HasPrefix(name, namePrefix) && strings.HasPrefix(cur.Branch, a.prefix) {
			cur.SlotID = strings.TrimPrefix(name, namePrefix)
			res = append(res, cur)
		}
		cur = Sandbox{}
	}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "worktree "):
			cur.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "branch "):
			cur.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		}
	}
	flush()
	sort.Slice(res, func(i, j int) bool { return res[i].SlotID < res[j].SlotID })
	return res, nil
}

// Prune releases every sandbox whose slot is not in keep.
func (a *Allocator) Prune(ctx context.Context, keep []string) ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	live := make(map[string]bool, len(keep))
	for _, id := range keep {
		live[id] = true
	}
	all, err := a.listLocked(ctx)
	if err != nil {
		return nil, err
	}
	var removed []string
	var errs []error
	for _, sb := range all {
		if live[sb.SlotID] {
			continue
		}
		a.sandboxes[sb.SlotID] = sb
		if err := a.releaseLocked(ctx, sb.SlotID); err != nil {
			errs = append(errs, err)
			continue
		}
		removed = append(removed, sb.SlotID)
	}
	return removed, errors.Join(errs...)
}

func splitLines(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

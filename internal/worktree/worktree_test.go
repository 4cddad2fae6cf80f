package worktree_test

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/featureloop/internal/worktree"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	t.Setenv("GIT_AUTHOR_NAME", "featureloop")
	t.Setenv("GIT_AUTHOR_EMAIL", "featureloop@example.com")
	t.Setenv("GIT_COMMITTER_NAME", "featureloop")
	t.Setenv("GIT_COMMITTER_EMAIL", "featureloop@example.com")
}

func run(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v: %v\n%s", args, err, out)
	}
	return strings.TrimSpace(string(out))
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// initRepo creates <tmp>/app with one commit on main and returns the allocator.
func initRepo(t *testing.T) (*worktree.Allocator, string) {
	t.Helper()
	requireGit(t)
	root := t.TempDir()
	repo := filepath.Join(root, "app")
	if err := os.MkdirAll(repo, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	run(t, repo, "init")
	run(t, repo, "symbolic-ref", "HEAD", "refs/heads/main")
	writeFile(t, filepath.Join(repo, "README.md"), "line one\n")
	run(t, repo, "add", "-A")
	run(t, repo, "commit", "-m", "initial")

	a, err := worktree.New(worktree.Config{RepoDir: repo, BaseDir: filepath.Join(root, "sandboxes")})
	if err != nil {
		t.Fatalf("new allocator: %v", err)
	}
	return a, repo
}

func TestNew_RejectsNonRepo(t *testing.T) {
	_, err := worktree.New(worktree.Config{RepoDir: t.TempDir()})
	if !errors.Is(err, worktree.ErrNotGitRepo) {
		t.Fatalf("expected ErrNotGitRepo, got %v", err)
	}
}

func TestAcquire_IdempotentAndRelease(t *testing.T) {
	a, _ := initRepo(t)
	ctx := context.Background()

	sb, err := a.Acquire(ctx, "agent-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if filepath.Base(sb.Path) != "app-agent-1" || sb.Branch != "featureloop/agent-1" {
		t.Fatalf("unexpected sandbox %+v", sb)
	}
	again, err := a.Acquire(ctx, "agent-1")
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if again != sb {
		t.Fatalf("acquire not idempotent: %+v vs %+v", again, sb)
	}

	if err := a.Release(ctx, "agent-1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := os.Stat(sb.Path); !os.IsNotExist(err) {
		t.Fatalf("sandbox still on disk: %v", err)
	}
	if err := a.Release(ctx, "agent-1"); err != nil {
		t.Fatalf("second release should be a no-op: %v", err)
	}
}

func TestMergeBack_CleanMerge(t *testing.T) {
	a, repo := initRepo(t)
	ctx := context.Background()

	sb, err := a.Acquire(ctx, "agent-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	writeFile(t, filepath.Join(sb.Path, "feature.txt"), "done\n")

	res, err := a.MergeBack(ctx, "agent-1", "feature 1")
	if err != nil {
		t.Fatalf("merge back: %v", err)
	}
	if !res.Merged || res.Conflict {
		t.Fatalf("unexpected result %+v", res)
	}
	if _, err := os.Stat(filepath.Join(repo, "feature.txt")); err != nil {
		t.Fatalf("merged file missing from shared tree: %v", err)
	}
}

func TestMergeBack_ConflictIsAbortedAndReported(t *testing.T) {
	a, repo := initRepo(t)
	ctx := context.Background()

	one, err := a.Acquire(ctx, "agent-1")
	if err != nil {
		t.Fatalf("acquire 1: %v", err)
	}
	two, err := a.Acquire(ctx, "agent-2")
	if err != nil {
		t.Fatalf("acquire 2: %v", err)
	}
	writeFile(t, filepath.Join(one.Path, "README.md"), "from agent one\n")
	writeFile(t, filepath.Join(two.Path, "README.md"), "from agent two\n")

	if res, err := a.MergeBack(ctx, "agent-1", ""); err != nil || !res.Merged {
		t.Fatalf("first merge: %+v %v", res, err)
	}
	res, err := a.MergeBack(ctx, "agent-2", "")
	if err != nil {
		t.Fatalf("conflict must not be an error: %v", err)
	}
	if !res.Conflict || res.Merged {
		t.Fatalf("expected conflict, got %+v", res)
	}
	if len(res.Files) != 1 || res.Files[0] != "README.md" {
		t.Fatalf("conflict files = %v", res.Files)
	}
	if status := run(t, repo, "status", "--porcelain"); status != "" {
		t.Fatalf("shared tree left dirty after abort: %q", status)
	}

	// The losing branch starts over from the target.
	if ahead := run(t, repo, "rev-list", "--count", "main.."+two.Branch); ahead != "0" {
		t.Fatalf("%s still %s commits ahead of main", two.Branch, ahead)
	}
	got, err := os.ReadFile(filepath.Join(two.Path, "README.md"))
	if err != nil || string(got) != "from agent one\n" {
		t.Fatalf("agent-2 README = %q, %v", got, err)
	}
	if res, err := a.MergeBack(ctx, "agent-2", ""); err != nil || !res.Merged {
		t.Fatalf("merge after reset: %+v %v", res, err)
	}
}

func TestSync_PicksUpMergedWork(t *testing.T) {
	a, _ := initRepo(t)
	ctx := context.Background()

	one, _ := a.Acquire(ctx, "agent-1")
	two, _ := a.Acquire(ctx, "agent-2")
	writeFile(t, filepath.Join(one.Path, "one.txt"), "1\n")
	if _, err := a.MergeBack(ctx, "agent-1", ""); err != nil {
		t.Fatalf("merge: %v", err)
	}
	if err := a.Sync(ctx, "agent-2"); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if _, err := os.Stat(filepath.Join(two.Path, "one.txt")); err != nil {
		t.Fatalf("agent-2 did not see merged work: %v", err)
	}
}

func TestListAndPrune(t *testing.T) {
	a, _ := initRepo(t)
	ctx := context.Background()
	for _, id := range []string{"agent-1", "agent-2", "agent-3"} {
		if _, err := a.Acquire(ctx, id); err != nil {
			t.Fatalf("acquire %s: %v", id, err)
		}
	}
	list, err := a.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("expected 3 sandboxes, got %+v", list)
	}

	removed, err := a.Prune(ctx, []string{"agent-2"})
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if len(removed) != 2 {
		t.Fatalf("removed = %v", removed)
	}
	list, _ = a.List(ctx)
	if len(list) != 1 || list[0].SlotID != "agent-2" {
		t.Fatalf("after prune: %+v", list)
	}
}

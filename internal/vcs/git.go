package vcs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/joescharf/hound/internal/failure"
)

// worktreeDir is created inside the repository's git dir so isolated copies
// never show up in the main working tree.
const worktreeDir = "hound-worktrees"

// checkpointRefs keeps checkpoint commits reachable without putting them on
// the user's branch.
const checkpointRefs = "refs/hound/checkpoints/"

// WorktreeInfo holds parsed worktree metadata from `git worktree list --porcelain`.
type WorktreeInfo struct {
	Path   string
	Branch string
	HEAD   string
}

// Git implements Backend with the git CLI. A checkpoint is a commit of every
// file in the working tree, ignored ones included, built in a private index
// and held by a ref under refs/hound/checkpoints. HEAD, the branch and the
// user's index are not touched when one is taken.
type Git struct {
	// Identity used for checkpoint commits; repos without user config still work.
	UserName  string
	UserEmail string
}

// NewGit returns a Git backend with the default hound identity.
func NewGit() *Git {
	return &Git{UserName: "hound", UserEmail: "hound@localhost"}
}

func (g *Git) cmd(ctx context.Context, path string, args ...string) (string, error) {
	return g.cmdEnv(ctx, path, nil, args...)
}

func (g *Git) cmdEnv(ctx context.Context, path string, env []string, args ...string) (string, error) {
	fullArgs := append([]string{
		"-C", path,
		"-c", "user.name=" + g.UserName,
		"-c", "user.email=" + g.UserEmail,
		"-c", "commit.gpgsign=false",
	}, args...)
	c := exec.CommandContext(ctx, "git", fullArgs...)
	if len(env) > 0 {
		c.Env = append(os.Environ(), env...)
	}
	out, err := c.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("git %s: %s", strings.Join(args, " "), strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return strings.TrimSpace(string(out)), nil
}

func (g *Git) snapshot(ctx context.Context, path, message string) (string, error) {
	if _, err := g.cmd(ctx, path, "add", "-A"); err != nil {
		return "", err
	}
	if _, err := g.cmd(ctx, path, "commit", "--allow-empty", "--no-verify", "-q", "-m", message); err != nil {
		return "", err
	}
	return g.cmd(ctx, path, "rev-parse", "HEAD")
}

// withIndex runs fn with GIT_INDEX_FILE pointing at a fresh index that is
// removed afterwards.
func withIndex(fn func(env []string) error) error {
	dir, err := os.MkdirTemp("", "hound-index-")
	if err != nil {
		return fmt.Errorf("create temp index: %w", err)
	}
	defer func() { _ = os.RemoveAll(dir) }()
	return fn([]string{"GIT_INDEX_FILE=" + filepath.Join(dir, "index")})
}

func (g *Git) fullSnapshot(ctx context.Context, path, message string) (string, error) {
	var id string
	err := withIndex(func(env []string) error {
		if _, err := g.cmdEnv(ctx, path, env, "add", "-A", "-f", "--", ":/"); err != nil {
			return err
		}
		tree, err := g.cmdEnv(ctx, path, env, "write-tree")
		if err != nil {
			return err
		}
		id, err = g.cmd(ctx, path, "commit-tree", tree, "-p", "HEAD", "-m", message)
		if err != nil {
			return err
		}
		_, err = g.cmd(ctx, path, "update-ref", checkpointRefs+id, id)
		return err
	})
	return id, err
}

func (g *Git) CreateCheckpoint(ctx context.Context, repoPath, label string) (string, error) {
	id, err := g.fullSnapshot(ctx, repoPath, "hound checkpoint: "+label)
	if err != nil {
		return "", failure.Wrap(fmt.Errorf("create checkpoint in %s: %w", repoPath, err), failure.KindCheckpoint)
	}
	return id, nil
}

func (g *Git) Commit(ctx context.Context, repoPath, checkpointID, message string) (string, error) {
	id, err := g.snapshot(ctx, repoPath, message)
	if err != nil {
		return "", failure.Wrap(fmt.Errorf("commit over checkpoint %s: %w", checkpointID, err), failure.KindCheckpoint)
	}
	return id, nil
}

// Rollback moves HEAD back to where it was when checkpointID was taken and
// makes the working tree byte-identical to the snapshot. Files the snapshot
// does not hold are removed, ignored ones included. checkpointID may also be
// a commit returned by Commit.
func (g *Git) Rollback(ctx context.Context, repoPath, checkpointID string) error {
	if err := g.restore(ctx, repoPath, checkpointID); err != nil {
		return failure.Wrap(fmt.Errorf("rollback to %s: %w", checkpointID, err), failure.KindCheckpoint)
	}
	return nil
}

func (g *Git) restore(ctx context.Context, path, checkpointID string) error {
	id, err := g.cmd(ctx, path, "rev-parse", "--verify", "-q", checkpointID+"^{commit}")
	if err != nil {
		return fmt.Errorf("unknown checkpoint")
	}
	head := id
	if _, err := g.cmd(ctx, path, "rev-parse", "--verify", "-q", checkpointRefs+id); err == nil {
		head = id + "^"
	}
	if _, err := g.cmd(ctx, path, "reset", "-q", head); err != nil {
		return err
	}
	return withIndex(func(env []string) error {
		if _, err := g.cmdEnv(ctx, path, env, "read-tree", id); err != nil {
			return err
		}
		if _, err := g.cmdEnv(ctx, path, env, "clean", "-fdxq"); err != nil {
			return err
		}
		_, err := g.cmdEnv(ctx, path, env, "checkout-index", "-a", "-f")
		return err
	})
}

// Prepare initializes repoPath as a git repository when it is not one and
// makes sure HEAD points at a commit.
func (g *Git) Prepare(ctx context.Context, repoPath string) error {
	if _, err := g.cmd(ctx, repoPath, "rev-parse", "--git-dir"); err != nil {
		if _, err := g.cmd(ctx, repoPath, "init", "-q"); err != nil {
			return fmt.Errorf("prepare %s: %w", repoPath, err)
		}
	}
	if _, err := g.cmd(ctx, repoPath, "rev-parse", "--verify", "-q", "HEAD"); err == nil {
		return nil
	}
	if _, err := g.cmd(ctx, repoPath, "commit", "--allow-empty", "--no-verify", "-q", "-m", "hound: initial"); err != nil {
		return fmt.Errorf("prepare %s: %w", repoPath, err)
	}
	return nil
}

func (g *Git) worktreeRoot(ctx context.Context, repoPath string) (string, error) {
	common, err := g.cmd(ctx, repoPath, "rev-parse", "--git-common-dir")
	if err != nil {
		return "", err
	}
	if !filepath.IsAbs(common) {
		common = filepath.Join(repoPath, common)
	}
	return filepath.Join(common, worktreeDir), nil
}

// Isolate creates a detached worktree at the repository's current HEAD.
// Uncommitted changes in repoPath are not carried over.
func (g *Git) Isolate(ctx context.Context, repoPath, name string) (string, error) {
	root, err := g.worktreeRoot(ctx, repoPath)
	if err != nil {
		return "", err
	}
	path := filepath.Join(root, name)
	if _, statErr := os.Stat(path); statErr == nil {
		if err := g.Release(ctx, repoPath, path); err != nil {
			return "", err
		}
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return "", fmt.Errorf("create worktree dir: %w", err)
	}
	if _, err := g.cmd(ctx, repoPath, "worktree", "add", "--detach", "-q", path, "HEAD"); err != nil {
		return "", fmt.Errorf("isolate %s: %w", name, err)
	}
	return path, nil
}

// Integrate cherry-picks commitID onto repoPath's HEAD. Conflicts abort the
// pick and are reported as a validation failure of the work being integrated.
func (g *Git) Integrate(ctx context.Context, repoPath, _ string, commitID string) error {
	_, err := g.cmd(ctx, repoPath, "cherry-pick", "--allow-empty", "--keep-redundant-commits", commitID)
	if err == nil {
		return nil
	}
	if _, abortErr := g.cmd(ctx, repoPath, "cherry-pick", "--abort"); abortErr != nil {
		return fmt.Errorf("abort cherry-pick of %s: %w (after %v)", commitID, abortErr, err)
	}
	return failure.Wrap(fmt.Errorf("integrate %s: %w", commitID, err), failure.KindValidation)
}

func (g *Git) Release(ctx context.Context, repoPath, workdir string) error {
	if _, err := g.cmd(ctx, repoPath, "worktree", "remove", "--force", workdir); err != nil {
		// Not registered (or already gone): drop the directory and let prune
		// clear any stale metadata.
		if rmErr := os.RemoveAll(workdir); rmErr != nil {
			return fmt.Errorf("release %s: %w", workdir, rmErr)
		}
	}
	_, err := g.cmd(ctx, repoPath, "worktree", "prune")
	return err
}

func (g *Git) Cleanup(ctx context.Context, repoPath, prefix string) error {
	root, err := g.worktreeRoot(ctx, repoPath)
	if err != nil {
		return err
	}
	out, err := g.cmd(ctx, repoPath, "worktree", "list", "--porcelain")
	if err != nil {
		return err
	}
	for _, wt := range ParseWorktreeListPorcelain(out) {
		if strings.HasPrefix(wt.Path, filepath.Join(root, prefix)) {
			if err := g.Release(ctx, repoPath, wt.Path); err != nil {
				return err
			}
		}
	}
	return nil
}

// ParseWorktreeListPorcelain parses the output of `git worktree list --porcelain`.
func ParseWorktreeListPorcelain(output string) []WorktreeInfo {
	var worktrees []WorktreeInfo
	var current WorktreeInfo

	for _, line := range strings.Split(output, "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			current.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "HEAD "):
			current.HEAD = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			current.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		case line == "":
			if current.Path != "" {
				worktrees = append(worktrees, current)
				current = WorktreeInfo{}
			}
		}
	}
	if current.Path != "" {
		worktrees = append(worktrees, current)
	}
	return worktrees
}

var _ Backend = (*Git)(nil)

package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/IndenScale/monoco/internal/log"
)

// Compile-time check that RealExecutor implements Executor.
var _ Executor = (*RealExecutor)(nil)

// RealExecutor implements Executor by running the git CLI.
type RealExecutor struct {
	workDir string
}

// NewRealExecutor creates an executor rooted at workDir.
func NewRealExecutor(workDir string) *RealExecutor {
	return &RealExecutor{workDir: workDir}
}

func (e *RealExecutor) runGit(ctx context.Context, args ...string) (string, error) {
	//nolint:gosec // G204: args come from controlled sources
	cmd := exec.CommandContext(ctx, "git", args...)
	if e.workDir != "" {
		cmd.Dir = e.workDir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w: git %s", ErrWorktreeTimeout, strings.Join(args, " "))
		}
		stderrStr := strings.TrimSpace(stderr.String())
		if stderrStr != "" {
			return "", parseGitError(stderrStr, err)
		}
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}

	return strings.TrimSpace(stdout.String()), nil
}

// parseGitError converts git stderr messages to specific error types.
func parseGitError(stderr string, originalErr error) error {
	lower := strings.ToLower(stderr)

	// fatal: '<branch>' is already checked out
	if strings.Contains(lower, "is already checked out") ||
		strings.Contains(lower, "already checked out at") {
		return fmt.Errorf("%w: %s", ErrBranchAlreadyCheckedOut, stderr)
	}

	// fatal: '<path>' already exists
	if strings.Contains(lower, "already exists") {
		return fmt.Errorf("%w: %s", ErrPathAlreadyExists, stderr)
	}

	if strings.Contains(lower, "not a git repository") {
		return fmt.Errorf("%w: %s", ErrNotGitRepo, stderr)
	}

	return fmt.Errorf("git error: %s: %w", stderr, originalErr)
}

// IsGitRepo reports whether the working directory is inside a repo. The
// daemon uses it at startup to warn when isolation strategies beyond "root"
// cannot work.
func (e *RealExecutor) IsGitRepo() bool {
	_, err := e.runGit(context.Background(), "rev-parse", "--git-dir")
	return err == nil
}

// BranchExists reports whether a local branch exists.
func (e *RealExecutor) BranchExists(name string) bool {
	_, err := e.runGit(context.Background(), "show-ref", "--verify", "--quiet", "refs/heads/"+name)
	return err == nil
}

// CreateBranch creates a branch at HEAD without checking it out.
func (e *RealExecutor) CreateBranch(name string) error {
	_, err := e.runGit(context.Background(), "branch", name)
	return err
}

// CreateWorktree creates a worktree at path on the given branch, creating
// the branch when it does not exist yet. Branches routinely survive earlier
// sessions, so an existing one is checked out rather than treated as an
// error.
func (e *RealExecutor) CreateWorktree(ctx context.Context, path, newBranch, baseBranch string) error {
	var args []string
	if e.BranchExists(newBranch) {
		args = []string{"worktree", "add", path, newBranch}
	} else {
		args = []string{"worktree", "add", "-b", newBranch, path}
		if baseBranch != "" {
			args = append(args, baseBranch)
		}
	}
	if _, err := e.runGit(ctx, args...); err != nil {
		return err
	}
	log.Debug(log.CatGit, "worktree created", "path", path, "branch", newBranch)
	return nil
}

// RemoveWorktree removes the worktree at path.
func (e *RealExecutor) RemoveWorktree(path string) error {
	_, err := e.runGit(context.Background(), "worktree", "remove", "--force", path)
	return err
}

// PruneWorktrees drops stale worktree references.
func (e *RealExecutor) PruneWorktrees() error {
	_, err := e.runGit(context.Background(), "worktree", "prune")
	return err
}

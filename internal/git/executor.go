// Package git provides the minimal branch and worktree operations the
// scheduler needs for working-directory isolation.
package git

import (
	"context"
	"errors"
)

// Git-specific errors for branch and worktree operations.
var (
	// ErrBranchAlreadyCheckedOut indicates the branch is checked out in another worktree.
	ErrBranchAlreadyCheckedOut = errors.New("branch already checked out in another worktree")

	// ErrPathAlreadyExists indicates the worktree path already exists.
	ErrPathAlreadyExists = errors.New("worktree path already exists")

	// ErrNotGitRepo indicates the directory is not a git repository.
	ErrNotGitRepo = errors.New("not a git repository")

	// ErrWorktreeTimeout indicates the worktree operation exceeded its deadline.
	ErrWorktreeTimeout = errors.New("worktree operation timed out")
)

// Executor defines the git operations the scheduler invokes. The
// abstraction keeps process isolation testable without a real repository.
type Executor interface {
	// BranchExists reports whether a local branch exists.
	BranchExists(name string) bool

	// CreateBranch creates a branch at HEAD without checking it out.
	CreateBranch(name string) error

	// CreateWorktree creates a worktree at path on newBranch, creating the
	// branch from baseBranch (HEAD when empty) if it does not exist yet.
	// Returns ErrWorktreeTimeout when ctx expires first.
	CreateWorktree(ctx context.Context, path, newBranch, baseBranch string) error

	// RemoveWorktree removes the worktree at path.
	RemoveWorktree(path string) error

	// PruneWorktrees drops stale worktree references.
	PruneWorktrees() error
}

// Package worktree is the default GitWorktree implementation (component
// C2): it allocates an isolated filesystem view of a repository for a
// story by shelling out to git/gh, grounded on the teacher's
// tools.HostExecutor subprocess-capture idiom (internal/tools/shell.go),
// repointed at git/gh instead of an arbitrary shell command.
package worktree

import "context"

// Coordinator is the contract the lifecycle controller and scheduler use
// to manage a story's isolated worktree (spec.md §4.2).
type Coordinator interface {
	CreateWorktree(ctx context.Context, repoPath, title string, baseBranch string) (path, branchName string, err error)
	RemoveWorktree(ctx context.Context, path string, force bool) error
	DeleteBranch(ctx context.Context, repoPath, branchName string, force bool) error
	HasUncommittedChanges(ctx context.Context, path string) (bool, error)
	Commit(ctx context.Context, path, message string, skipHooks bool) (sha string, err error)
	SquashToBase(ctx context.Context, path, baseBranch, message string) (sha string, err error)
	Push(ctx context.Context, path string, setUpstream bool, token string) error
	CreatePullRequest(ctx context.Context, path, title, body, baseBranch string, draft bool, labels []string, token string) (url string, err error)
}

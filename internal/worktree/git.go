package worktree

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/storyorchestrator/core/internal/shared"
)

const branchPrefix = "story"

// GitCoordinator shells out to git/gh, mirroring the teacher's
// HostExecutor.Exec idiom (CommandContext + buffered stdout/stderr
// capture) rather than linking a git library — no git-worktree package in
// the retrieved corpus offers more than a thin wrapper over the CLI, and
// gh's CLI is the only supported way to open a PR without hand-rolling
// GitHub's REST API.
type GitCoordinator struct {
	// Logger receives best-effort warnings (seed file failures, push
	// failures) rather than errors, per spec.md §4.2.
	Logger func(msg string, args ...any)
}

func (g *GitCoordinator) warn(msg string, args ...any) {
	if g.Logger != nil {
		g.Logger(msg, args...)
	}
}

func (g *GitCoordinator) CreateWorktree(ctx context.Context, repoPath, title string, baseBranch string) (string, string, error) {
	branchName := deriveBranchName(title)

	worktreePath, err := defaultWorktreePath(repoPath, branchName)
	if err != nil {
		return "", "", fmt.Errorf("derive worktree path: %w", err)
	}

	args := []string{"worktree", "add", "-b", branchName, worktreePath}
	if baseBranch != "" {
		args = append(args, baseBranch)
	}
	if _, stderr, err := g.run(ctx, repoPath, "git", args...); err != nil {
		return "", "", fmt.Errorf("git worktree add: %w: %s", err, stderr)
	}

	g.seedFiles(worktreePath)

	return worktreePath, branchName, nil
}

func (g *GitCoordinator) RemoveWorktree(ctx context.Context, path string, force bool) error {
	args := []string{"worktree", "remove", path}
	if force {
		args = append(args, "--force")
	}
	if _, stderr, err := g.run(ctx, "", "git", args...); err != nil {
		return fmt.Errorf("git worktree remove: %w: %s", err, stderr)
	}
	return nil
}

func (g *GitCoordinator) DeleteBranch(ctx context.Context, repoPath, branchName string, force bool) error {
	flag := "-d"
	if force {
		flag = "-D"
	}
	if _, stderr, err := g.run(ctx, repoPath, "git", "branch", flag, branchName); err != nil {
		return fmt.Errorf("git branch delete: %w: %s", err, stderr)
	}
	return nil
}

func (g *GitCoordinator) HasUncommittedChanges(ctx context.Context, path string) (bool, error) {
	stdout, stderr, err := g.run(ctx, path, "git", "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("git status: %w: %s", err, stderr)
	}
	return strings.TrimSpace(stdout) != "", nil
}

func (g *GitCoordinator) Commit(ctx context.Context, path, message string, skipHooks bool) (string, error) {
	if _, stderr, err := g.run(ctx, path, "git", "add", "-A"); err != nil {
		return "", fmt.Errorf("git add: %w: %s", err, stderr)
	}
	args := []string{"commit", "-m", message}
	if skipHooks {
		args = append(args, "--no-verify")
	}
	if _, stderr, err := g.run(ctx, path, "git", args...); err != nil {
		return "", fmt.Errorf("git commit: %w: %s", err, stderr)
	}
	return g.headSHA(ctx, path)
}

func (g *GitCoordinator) SquashToBase(ctx context.Context, path, baseBranch, message string) (string, error) {
	if _, stderr, err := g.run(ctx, path, "git", "reset", "--soft", baseBranch); err != nil {
		return "", fmt.Errorf("git reset --soft: %w: %s", err, stderr)
	}
	if _, stderr, err := g.run(ctx, path, "git", "commit", "-m", message); err != nil {
		return "", fmt.Errorf("git commit (squash): %w: %s", err, stderr)
	}
	return g.headSHA(ctx, path)
}

func (g *GitCoordinator) Push(ctx context.Context, path string, setUpstream bool, token string) error {
	args := []string{"push"}
	if setUpstream {
		args = append(args, "--set-upstream", "origin", "HEAD")
	}
	_, stderr, err := g.run(ctx, path, "git", args...)
	if err != nil {
		g.warn("worktree push failed", "path", path, "error", shared.Redact(stderr))
		return fmt.Errorf("git push: %w", err)
	}
	return nil
}

func (g *GitCoordinator) CreatePullRequest(ctx context.Context, path, title, body, baseBranch string, draft bool, labels []string, token string) (string, error) {
	args := []string{"pr", "create", "--title", title, "--body", body}
	if baseBranch != "" {
		args = append(args, "--base", baseBranch)
	}
	if draft {
		args = append(args, "--draft")
	}
	for _, l := range labels {
		args = append(args, "--label", l)
	}

	cmd := exec.CommandContext(ctx, "gh", args...)
	cmd.Dir = path
	if token != "" {
		cmd.Env = append(os.Environ(), "GH_TOKEN="+token)
	}
	var out, errBuf bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errBuf
	if err := cmd.Run(); err != nil {
		g.warn("pull request creation failed", "path", path, "error", shared.Redact(errBuf.String()))
		return "", fmt.Errorf("gh pr create: %w: %s", err, shared.Redact(errBuf.String()))
	}
	return strings.TrimSpace(out.String()), nil
}

// CurrentBranch returns the branch checked out at path (the repo root
// when creating a worktree, or the worktree itself later), used to pin
// the branch a story's worktree was cut from so finalize can squash/PR
// against the real base instead of an empty revision.
func (g *GitCoordinator) CurrentBranch(ctx context.Context, path string) (string, error) {
	stdout, stderr, err := g.run(ctx, path, "git", "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("git rev-parse --abbrev-ref HEAD: %w: %s", err, stderr)
	}
	return strings.TrimSpace(stdout), nil
}

func (g *GitCoordinator) headSHA(ctx context.Context, path string) (string, error) {
	stdout, stderr, err := g.run(ctx, path, "git", "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("git rev-parse HEAD: %w: %s", err, stderr)
	}
	return strings.TrimSpace(stdout), nil
}

func (g *GitCoordinator) run(ctx context.Context, dir, name string, args ...string) (stdout, stderr string, err error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if dir != "" {
		cmd.Dir = dir
	}
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	err = cmd.Run()
	return outBuf.String(), errBuf.String(), err
}

// seedFiles writes the two best-effort config seeds (spec.md §4.2). Any
// failure here is a warning, never returned to the caller.
func (g *GitCoordinator) seedFiles(worktreePath string) {
	vscodeDir := filepath.Join(worktreePath, ".vscode")
	vscodeFile := filepath.Join(vscodeDir, "settings.json")
	if _, err := os.Stat(vscodeFile); os.IsNotExist(err) {
		if mkErr := os.MkdirAll(vscodeDir, 0o755); mkErr != nil {
			g.warn("seed .vscode/settings.json failed", "error", mkErr)
		} else if writeErr := os.WriteFile(vscodeFile, []byte(defaultVSCodeSettings), 0o644); writeErr != nil {
			g.warn("seed .vscode/settings.json failed", "error", writeErr)
		}
	}

	ghDir := filepath.Join(worktreePath, ".github")
	ghFile := filepath.Join(ghDir, "agent-instructions.md")
	if _, err := os.Stat(ghFile); os.IsNotExist(err) {
		if mkErr := os.MkdirAll(ghDir, 0o755); mkErr != nil {
			g.warn("seed agent-instructions.md failed", "error", mkErr)
		} else if writeErr := os.WriteFile(ghFile, []byte(defaultAgentInstructions), 0o644); writeErr != nil {
			g.warn("seed agent-instructions.md failed", "error", writeErr)
		}
	}
}

const defaultVSCodeSettings = `{
  "task.autoDetect": "on",
  "git.autofetch": true
}
`

const defaultAgentInstructions = `# Agent tool-usage addendum

This worktree is managed by a story run. Prefer the repository's existing
build/test commands over inventing new ones, and keep edits scoped to the
files relevant to the current step.
`

// deriveBranchName implements spec.md §4.2's
// {prefix}/{slug(title)}-{hex(uuid)}, truncated to <=63 bytes.
func deriveBranchName(title string) string {
	slug := slugify(title)
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	name := fmt.Sprintf("%s/%s-%s", branchPrefix, slug, suffix)
	if len(name) > 63 {
		name = name[:63]
	}
	return strings.TrimRight(name, "-/")
}

func slugify(s string) string {
	s = strings.ToLower(s)
	var b strings.Builder
	lastDash := false
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash && b.Len() > 0 {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	out := strings.TrimRight(b.String(), "-")
	if out == "" {
		out = "story"
	}
	return out
}

func defaultWorktreePath(repoPath, branchName string) (string, error) {
	abs, err := filepath.Abs(repoPath)
	if err != nil {
		return "", err
	}
	safeBranch := strings.ReplaceAll(branchName, "/", "-")
	return filepath.Join(filepath.Dir(abs), filepath.Base(abs)+"-worktrees", safeBranch), nil
}

package storystore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/storyorchestrator/core/internal/story"
	"github.com/storyorchestrator/core/internal/storyerr"
)

func (s *Store) CreateStory(ctx context.Context, st *story.Story) error {
	_, err := retryOnce(ctx, func() (struct{}, error) {
		_, execErr := s.db.ExecContext(ctx, `
			INSERT INTO stories (
				id, title, description, repository_path, worktree_path, branch_name, base_branch,
				source, priority, automation_mode, preferred_executor, max_parallelism,
				current_wave, status, created_at, updated_at
			) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?);
		`,
			st.ID, st.Title, st.Description, st.RepositoryPath, st.WorktreePath, st.BranchName, st.BaseBranch,
			string(st.Source), st.Priority, string(st.AutomationMode), st.PreferredExecutor, st.MaxParallelism,
			st.CurrentWave, string(st.Status), st.CreatedAt, st.UpdatedAt,
		)
		return struct{}{}, execErr
	})
	if err != nil {
		return fmt.Errorf("create story: %w", err)
	}
	return nil
}

func (s *Store) GetStory(ctx context.Context, id string) (*story.Story, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, description, repository_path, worktree_path, branch_name, base_branch,
			source, priority, automation_mode, preferred_executor, max_parallelism,
			current_wave, status, analyzed_context, execution_plan, gate_result,
			verification_result, pull_request_url, created_at, updated_at
		FROM stories WHERE id = ?;
	`, id)
	st, err := scanStory(row)
	if err == sql.ErrNoRows {
		return nil, wrapNotFound("story", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get story: %w", err)
	}
	return st, nil
}

func (s *Store) ListStories(ctx context.Context, statusFilter *story.Status, repoPathFilter string) ([]*story.Story, error) {
	query := `
		SELECT id, title, description, repository_path, worktree_path, branch_name, base_branch,
			source, priority, automation_mode, preferred_executor, max_parallelism,
			current_wave, status, analyzed_context, execution_plan, gate_result,
			verification_result, pull_request_url, created_at, updated_at
		FROM stories WHERE 1=1`
	var args []any
	if statusFilter != nil {
		query += " AND status = ?"
		args = append(args, string(*statusFilter))
	}
	if repoPathFilter != "" {
		// repository_path is stored verbatim (it doubles as the worktree
		// derivation source), so canonicalize it inline for comparison
		// rather than relying on write-time normalization (spec.md §4.1).
		query += " AND LOWER(RTRIM(REPLACE(repository_path, '\\', '/'), '/')) = ?"
		args = append(args, canonicalPath(repoPathFilter))
	}
	query += " ORDER BY created_at ASC;"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list stories: %w", err)
	}
	defer rows.Close()

	var out []*story.Story
	for rows.Next() {
		st, err := scanStory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan story: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *Store) DeleteStory(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM stories WHERE id = ?;`, id)
	if err != nil {
		return fmt.Errorf("delete story: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return wrapNotFound("story", id)
	}
	_, _ = s.db.ExecContext(ctx, `DELETE FROM steps WHERE story_id = ?;`, id)
	_, _ = s.db.ExecContext(ctx, `DELETE FROM chat_messages WHERE owner_id = ?;`, id)
	return nil
}

// UpdateStoryStatus is the CAS primitive the wave scheduler relies on to
// safely re-enter after a crash (spec.md §4.1/§5).
func (s *Store) UpdateStoryStatus(ctx context.Context, id string, prevStatus, newStatus story.Status) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE stories SET status = ?, updated_at = ? WHERE id = ? AND status = ?;
	`, string(newStatus), nowUTC(), id, string(prevStatus))
	if err != nil {
		return fmt.Errorf("update story status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		// Distinguish "story missing" from "status didn't match".
		if _, getErr := s.GetStory(ctx, id); getErr != nil {
			return getErr
		}
		return fmt.Errorf("story %s not in expected status %s: %w", id, prevStatus, storyerr.ConflictingUpdate)
	}
	_, _ = s.db.ExecContext(ctx, `
		INSERT INTO story_events (story_id, event_type, state_from, state_to) VALUES (?, 'status_changed', ?, ?);
	`, id, string(prevStatus), string(newStatus))
	return nil
}

func (s *Store) UpdateStoryArtifact(ctx context.Context, id, field, serializedBlob string) error {
	if !validArtifactField(field) {
		return fmt.Errorf("unknown artifact field %q: %w", field, storyerr.Validation)
	}
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE stories SET %s = ?, updated_at = ? WHERE id = ?;`, field),
		serializedBlob, nowUTC(), id)
	if err != nil {
		return fmt.Errorf("update story artifact: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return wrapNotFound("story", id)
	}
	return nil
}

func (s *Store) UpdateStoryCurrentWave(ctx context.Context, id string, wave int) error {
	res, err := s.db.ExecContext(ctx, `UPDATE stories SET current_wave = ?, updated_at = ? WHERE id = ?;`, wave, nowUTC(), id)
	if err != nil {
		return fmt.Errorf("update current wave: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return wrapNotFound("story", id)
	}
	return nil
}

// UpdateStoryWorktree records the worktree path, branch name, and base
// branch the Worktree Coordinator (C2) allocated for a story (spec.md
// §4.2), once after createWorktree and never again for the life of the
// story. baseBranch is the branch the worktree was cut from, which
// finalize later squashes and opens a pull request against (spec.md §4.7).
func (s *Store) UpdateStoryWorktree(ctx context.Context, id, worktreePath, branchName, baseBranch string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE stories SET worktree_path = ?, branch_name = ?, base_branch = ?, updated_at = ? WHERE id = ?;
	`, worktreePath, branchName, baseBranch, nowUTC(), id)
	if err != nil {
		return fmt.Errorf("update story worktree: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return wrapNotFound("story", id)
	}
	return nil
}

func validArtifactField(field string) bool {
	switch field {
	case FieldAnalyzedContext, FieldExecutionPlan, FieldGateResult, FieldVerificationResult, FieldPullRequestURL:
		return true
	default:
		return false
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStory(r rowScanner) (*story.Story, error) {
	var st story.Story
	var source, mode, status string
	if err := r.Scan(
		&st.ID, &st.Title, &st.Description, &st.RepositoryPath, &st.WorktreePath, &st.BranchName, &st.BaseBranch,
		&source, &st.Priority, &mode, &st.PreferredExecutor, &st.MaxParallelism,
		&st.CurrentWave, &status, &st.AnalyzedContext, &st.ExecutionPlan, &st.GateResult,
		&st.VerificationResult, &st.PullRequestURL, &st.CreatedAt, &st.UpdatedAt,
	); err != nil {
		return nil, err
	}
	st.Source = story.Source(source)
	st.AutomationMode = story.AutomationMode(mode)
	st.Status = story.Status(status)
	return &st, nil
}

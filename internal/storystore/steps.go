package storystore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/storyorchestrator/core/internal/story"
)

func (s *Store) UpsertStep(ctx context.Context, step *story.StoryStep) error {
	deps, err := json.Marshal(step.DependsOn)
	if err != nil {
		return fmt.Errorf("marshal depends_on: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO steps (
			id, story_id, step_order, wave, name, description, capability, language,
			executor_id, status, approval, feedback, attempts, started_at, completed_at,
			output, prev_output, error, skip_reason, needs_rework, depends_on
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			step_order=excluded.step_order, wave=excluded.wave, name=excluded.name,
			description=excluded.description, capability=excluded.capability, language=excluded.language,
			executor_id=excluded.executor_id, status=excluded.status, approval=excluded.approval,
			feedback=excluded.feedback, attempts=excluded.attempts, started_at=excluded.started_at,
			completed_at=excluded.completed_at, output=excluded.output, prev_output=excluded.prev_output,
			error=excluded.error, skip_reason=excluded.skip_reason, needs_rework=excluded.needs_rework,
			depends_on=excluded.depends_on;
	`,
		step.ID, step.StoryID, step.Order, step.Wave, step.Name, step.Description, string(step.Capability), step.Language,
		step.ExecutorID, string(step.Status), string(step.Approval), step.Feedback, step.Attempts, step.StartedAt, step.CompletedAt,
		step.Output, step.PrevOutput, step.Error, step.SkipReason, boolToInt(step.NeedsRework), string(deps),
	)
	if err != nil {
		return fmt.Errorf("upsert step: %w", err)
	}
	return nil
}

func (s *Store) RemoveStep(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM steps WHERE id = ?;`, id)
	if err != nil {
		return fmt.Errorf("remove step: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return wrapNotFound("step", id)
	}
	return nil
}

func (s *Store) ListSteps(ctx context.Context, storyID string) ([]story.StoryStep, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, story_id, step_order, wave, name, description, capability, language,
			executor_id, status, approval, feedback, attempts, started_at, completed_at,
			output, prev_output, error, skip_reason, needs_rework, depends_on
		FROM steps WHERE story_id = ? ORDER BY step_order ASC;
	`, storyID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	var out []story.StoryStep
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		out = append(out, *step)
	}
	return out, rows.Err()
}

func (s *Store) GetStep(ctx context.Context, id string) (*story.StoryStep, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, story_id, step_order, wave, name, description, capability, language,
			executor_id, status, approval, feedback, attempts, started_at, completed_at,
			output, prev_output, error, skip_reason, needs_rework, depends_on
		FROM steps WHERE id = ?;
	`, id)
	step, err := scanStep(row)
	if err == sql.ErrNoRows {
		return nil, wrapNotFound("step", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get step: %w", err)
	}
	return step, nil
}

func scanStep(r rowScanner) (*story.StoryStep, error) {
	var step story.StoryStep
	var capability, status, approval, deps string
	var needsRework int
	if err := r.Scan(
		&step.ID, &step.StoryID, &step.Order, &step.Wave, &step.Name, &step.Description, &capability, &step.Language,
		&step.ExecutorID, &status, &approval, &step.Feedback, &step.Attempts, &step.StartedAt, &step.CompletedAt,
		&step.Output, &step.PrevOutput, &step.Error, &step.SkipReason, &needsRework, &deps,
	); err != nil {
		return nil, err
	}
	step.Capability = story.Capability(capability)
	step.Status = story.StepStatus(status)
	step.Approval = story.Approval(approval)
	step.NeedsRework = needsRework != 0
	if deps != "" {
		_ = json.Unmarshal([]byte(deps), &step.DependsOn)
	}
	return &step, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// ReorderDense re-numbers a set of steps to a dense 1..N permutation after
// an add/remove, preserving relative order (spec.md §4.7 validation rules).
func ReorderDense(steps []story.StoryStep) {
	for i := range steps {
		steps[i].Order = i + 1
	}
}

// Package lifecycle is the Lifecycle Controller (component C7): it
// coordinates analyze/plan/decompose/run/complete/cancel and the
// step-level operations, enforcing the status state machine from
// spec.md §4.7. The transition table is grounded on the same
// map[Status]map[Status]struct{} + canTransition idiom the teacher uses
// for its own task state machine (internal/persistence/store.go's
// allowedTransitions), carrying a different state set.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/storyorchestrator/core/internal/contextprovider"
	"github.com/storyorchestrator/core/internal/invoker"
	"github.com/storyorchestrator/core/internal/planparse"
	"github.com/storyorchestrator/core/internal/scheduler"
	"github.com/storyorchestrator/core/internal/story"
	"github.com/storyorchestrator/core/internal/storyerr"
	"github.com/storyorchestrator/core/internal/storystore"
)

// allowedTransitions is the status state machine from spec.md §4.7,
// expressed the same way the teacher expresses TaskStatus transitions.
var allowedTransitions = map[story.Status]map[story.Status]struct{}{
	story.StatusCreated: {
		story.StatusAnalyzing: {},
	},
	story.StatusAnalyzing: {
		story.StatusAnalyzed:  {},
		story.StatusFailed:    {},
		story.StatusCancelled: {},
	},
	story.StatusAnalyzed: {
		story.StatusPlanning: {},
		story.StatusAnalyzing: {}, // re-analyze permitted
		story.StatusFailed:    {},
		story.StatusCancelled: {},
	},
	story.StatusPlanning: {
		story.StatusPlanned:   {},
		story.StatusFailed:    {},
		story.StatusCancelled: {},
	},
	story.StatusPlanned: {
		story.StatusExecuting: {},
		story.StatusFailed:    {},
		story.StatusCancelled: {},
	},
	story.StatusExecuting: {
		story.StatusGatePending:     {},
		story.StatusGateFailed:      {}, // final-wave gate runs without an intermediate gate-pending hop
		story.StatusReadyToComplete: {},
		story.StatusFailed:          {},
		story.StatusCancelled:       {},
	},
	story.StatusGatePending: {
		story.StatusExecuting:       {},
		story.StatusGateFailed:      {},
		story.StatusReadyToComplete: {},
		story.StatusFailed:          {},
		story.StatusCancelled:       {},
	},
	story.StatusGateFailed: {
		story.StatusGatePending: {}, // resetOrchestrator
		story.StatusCancelled:   {},
	},
	story.StatusFailed: {
		story.StatusGatePending: {}, // resetOrchestrator
		story.StatusCancelled:   {},
	},
	story.StatusReadyToComplete: {
		story.StatusCompleted: {},
		story.StatusFailed:    {},
		story.StatusCancelled: {},
	},
	story.StatusCompleted:  {},
	story.StatusCancelled:  {},
}

func canTransition(from, to story.Status) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// WorktreeCoordinator is the subset of worktree.GitCoordinator the
// lifecycle controller drives (spec.md §4.2), kept as an interface so
// tests can fake it without shelling out to git/gh.
type WorktreeCoordinator interface {
	CreateWorktree(ctx context.Context, repoPath, title, baseBranch string) (path, branch string, err error)
	HasUncommittedChanges(ctx context.Context, path string) (bool, error)
	Commit(ctx context.Context, path, message string, skipHooks bool) (string, error)
	SquashToBase(ctx context.Context, path, baseBranch, message string) (string, error)
	Push(ctx context.Context, path string, setUpstream bool, token string) error
	CreatePullRequest(ctx context.Context, path, title, body, baseBranch string, draft bool, labels []string, token string) (string, error)
	// CurrentBranch reports the branch checked out at path, used to
	// recover a story's base branch when it wasn't persisted at creation.
	CurrentBranch(ctx context.Context, path string) (string, error)
}

// Controller wires the lifecycle operations to their collaborators.
type Controller struct {
	Store     storystore.StoryStore
	Context   contextprovider.Provider
	Planner   invoker.Brain
	Worktrees WorktreeCoordinator
	Scheduler *scheduler.Scheduler
	Logger    *slog.Logger

	// GHToken is passed to push/PR-creation calls in Complete; empty
	// means the coordinator falls back to the ambient gh/git credential
	// helper.
	GHToken string
}

func (c *Controller) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// transition performs the CAS status update after checking the transition
// table, surfacing storyerr.InvalidState for a disallowed move.
func (c *Controller) transition(ctx context.Context, st *story.Story, to story.Status) error {
	if st.Status == to {
		return nil
	}
	if !canTransition(st.Status, to) {
		return fmt.Errorf("cannot move story %s from %s to %s: %w", st.ID, st.Status, to, storyerr.InvalidState)
	}
	if err := c.Store.UpdateStoryStatus(ctx, st.ID, st.Status, to); err != nil {
		return err
	}
	st.Status = to
	return nil
}

// Analyze runs the analysis phase (spec.md §4.7): forbidden unless the
// story is `created` or `analyzed` (re-analyze permitted).
func (c *Controller) Analyze(ctx context.Context, storyID string) error {
	st, err := c.Store.GetStory(ctx, storyID)
	if err != nil {
		return err
	}
	if st.Status != story.StatusCreated && st.Status != story.StatusAnalyzed {
		return fmt.Errorf("analyze: story %s is %s: %w", storyID, st.Status, storyerr.InvalidState)
	}
	if err := c.transition(ctx, st, story.StatusAnalyzing); err != nil {
		return err
	}

	var promptCtx string
	if c.Context != nil {
		var err error
		promptCtx, err = c.Context.Gather(ctx, st.RepositoryPath,
			[]contextprovider.Query{{Text: st.Title}, {Text: st.Description}},
			contextprovider.MinScoreAnalysis, contextprovider.DefaultTopN)
		if err != nil {
			c.logger().Warn("context gather failed during analyze", "story_id", storyID, "error", err)
		}
	}

	reply, err := c.Planner.Respond(ctx, storyID, analysisPrompt(st, promptCtx))
	if err != nil {
		_ = c.transition(ctx, st, story.StatusFailed)
		return fmt.Errorf("analyze agent call: %w", err)
	}

	if err := c.Store.UpdateStoryArtifact(ctx, st.ID, storystore.FieldAnalyzedContext, reply); err != nil {
		_ = c.transition(ctx, st, story.StatusFailed)
		return err
	}
	st.AnalyzedContext = reply
	return c.transition(ctx, st, story.StatusAnalyzed)
}

// Plan runs the flat planning phase (spec.md §4.7): requires `analyzed`.
func (c *Controller) Plan(ctx context.Context, storyID string) error {
	st, err := c.Store.GetStory(ctx, storyID)
	if err != nil {
		return err
	}
	if st.Status != story.StatusAnalyzed {
		return fmt.Errorf("plan: story %s is %s: %w", storyID, st.Status, storyerr.InvalidState)
	}
	if err := c.transition(ctx, st, story.StatusPlanning); err != nil {
		return err
	}

	reply, err := c.Planner.Respond(ctx, storyID, planningPrompt(st, false))
	if err != nil {
		_ = c.transition(ctx, st, story.StatusFailed)
		return fmt.Errorf("plan agent call: %w", err)
	}

	steps := planparse.ParsePlan("", reply)
	if err := c.replaceSteps(ctx, st.ID, steps); err != nil {
		_ = c.transition(ctx, st, story.StatusFailed)
		return err
	}
	_ = c.Store.UpdateStoryArtifact(ctx, st.ID, storystore.FieldExecutionPlan, reply)
	return c.transition(ctx, st, story.StatusPlanned)
}

// Decompose is the dependency-aware alternative to Plan: it parses a
// tasks-with-dependencies DTO and assigns wave numbers by topological
// level instead of trusting the agent's wave numbers.
func (c *Controller) Decompose(ctx context.Context, storyID string) error {
	st, err := c.Store.GetStory(ctx, storyID)
	if err != nil {
		return err
	}
	if st.Status != story.StatusAnalyzed {
		return fmt.Errorf("decompose: story %s is %s: %w", storyID, st.Status, storyerr.InvalidState)
	}
	if err := c.transition(ctx, st, story.StatusPlanning); err != nil {
		return err
	}

	reply, err := c.Planner.Respond(ctx, storyID, planningPrompt(st, true))
	if err != nil {
		_ = c.transition(ctx, st, story.StatusFailed)
		return fmt.Errorf("decompose agent call: %w", err)
	}

	steps := planparse.ParseTasks("", reply)
	if err := c.replaceSteps(ctx, st.ID, steps); err != nil {
		_ = c.transition(ctx, st, story.StatusFailed)
		return err
	}
	_ = c.Store.UpdateStoryArtifact(ctx, st.ID, storystore.FieldExecutionPlan, reply)
	return c.transition(ctx, st, story.StatusPlanned)
}

func (c *Controller) replaceSteps(ctx context.Context, storyID string, steps []story.StoryStep) error {
	existing, err := c.Store.ListSteps(ctx, storyID)
	if err != nil {
		return err
	}
	for _, old := range existing {
		if err := c.Store.RemoveStep(ctx, old.ID); err != nil {
			return err
		}
	}
	for i := range steps {
		steps[i].StoryID = storyID
		if err := c.Store.UpsertStep(ctx, &steps[i]); err != nil {
			return err
		}
	}
	return nil
}

// Run hands control to the Wave Scheduler (spec.md §4.6). The scheduler
// owns wave-level status transitions once it starts; the controller only
// validates the story is in a runnable state.
func (c *Controller) Run(ctx context.Context, storyID string) (scheduler.EventStream, error) {
	st, err := c.Store.GetStory(ctx, storyID)
	if err != nil {
		return nil, err
	}
	switch st.Status {
	case story.StatusPlanned, story.StatusExecuting, story.StatusGatePending:
	default:
		return nil, fmt.Errorf("run: story %s is %s: %w", storyID, st.Status, storyerr.InvalidState)
	}
	return c.Scheduler.RunStream(ctx, storyID)
}

// ResetOrchestrator recovers a story from `failed` or `gate-failed` back to
// `gate-pending`, so a subsequent Run can retry the final gate.
func (c *Controller) ResetOrchestrator(ctx context.Context, storyID string) error {
	st, err := c.Store.GetStory(ctx, storyID)
	if err != nil {
		return err
	}
	if st.Status != story.StatusFailed && st.Status != story.StatusGateFailed {
		return fmt.Errorf("resetOrchestrator: story %s is %s: %w", storyID, st.Status, storyerr.InvalidState)
	}
	return c.transition(ctx, st, story.StatusGatePending)
}

// Complete finalizes a story (spec.md §4.7): forbidden while any step is
// still running or pending. Finalization errors (commit/push/PR) are
// logged as warnings and never prevent reaching `completed` — the PR URL
// is simply absent (spec.md §7 propagation policy).
func (c *Controller) Complete(ctx context.Context, storyID string) error {
	st, err := c.Store.GetStory(ctx, storyID)
	if err != nil {
		return err
	}
	if st.Status != story.StatusReadyToComplete {
		return fmt.Errorf("complete: story %s is %s: %w", storyID, st.Status, storyerr.InvalidState)
	}
	steps, err := c.Store.ListSteps(ctx, storyID)
	if err != nil {
		return err
	}
	for _, s := range steps {
		if s.Status == story.StepRunning || s.Status == story.StepPending {
			return fmt.Errorf("complete: step %s is %s: %w", s.ID, s.Status, storyerr.InvalidState)
		}
	}

	var prURL string
	if c.Worktrees != nil && st.WorktreePath != "" {
		if hasChanges, err := c.Worktrees.HasUncommittedChanges(ctx, st.WorktreePath); err != nil {
			c.logger().Warn("complete: check uncommitted changes failed", "story_id", storyID, "error", err)
		} else if hasChanges {
			if _, err := c.Worktrees.Commit(ctx, st.WorktreePath, "wip: uncommitted story changes", true); err != nil {
				c.logger().Warn("complete: commit failed", "story_id", storyID, "error", err)
			}
		}
		baseBranch := st.BaseBranch
		if baseBranch == "" {
			// Older stories created before BaseBranch was persisted: fall
			// back to whatever the repo's checked-out branch is now.
			if resolved, err := c.Worktrees.CurrentBranch(ctx, st.RepositoryPath); err != nil {
				c.logger().Warn("complete: resolve base branch failed", "story_id", storyID, "error", err)
			} else {
				baseBranch = resolved
			}
		}
		if _, err := c.Worktrees.SquashToBase(ctx, st.WorktreePath, baseBranch, finalCommitMessage(st)); err != nil {
			c.logger().Warn("complete: squash failed", "story_id", storyID, "error", err)
		} else if err := c.Worktrees.Push(ctx, st.WorktreePath, true, c.GHToken); err != nil {
			c.logger().Warn("complete: push failed", "story_id", storyID, "error", err)
		} else if url, err := c.Worktrees.CreatePullRequest(ctx, st.WorktreePath, st.Title, st.Description, baseBranch, true, nil, c.GHToken); err != nil {
			c.logger().Warn("complete: pull request creation failed", "story_id", storyID, "error", err)
		} else {
			prURL = url
		}
	}

	if prURL != "" {
		if err := c.Store.UpdateStoryArtifact(ctx, st.ID, storystore.FieldPullRequestURL, prURL); err != nil {
			c.logger().Warn("complete: persist pull request url failed", "story_id", storyID, "error", err)
		}
	}
	return c.transition(ctx, st, story.StatusCompleted)
}

// Cancel is allowed from any non-terminal state (spec.md §4.7).
func (c *Controller) Cancel(ctx context.Context, storyID string) error {
	st, err := c.Store.GetStory(ctx, storyID)
	if err != nil {
		return err
	}
	if st.Status.Terminal() {
		return fmt.Errorf("cancel: story %s already %s: %w", storyID, st.Status, storyerr.InvalidState)
	}
	return c.Store.UpdateStoryStatus(ctx, st.ID, st.Status, story.StatusCancelled)
}

func analysisPrompt(st *story.Story, promptContext string) string {
	return fmt.Sprintf("Analyze the following development request and summarize the relevant codebase context.\n\nTitle: %s\nDescription: %s\n\nContext:\n%s", st.Title, st.Description, promptContext)
}

func planningPrompt(st *story.Story, withDependencies bool) string {
	if withDependencies {
		return fmt.Sprintf("Break the following into tasks with explicit dependencies, as a JSON array of {name, description, capability, dependsOn}.\n\nTitle: %s\nAnalyzed context:\n%s", st.Title, st.AnalyzedContext)
	}
	return fmt.Sprintf("Break the following into an ordered list of steps, as a JSON array of {name, description, capability, wave}.\n\nTitle: %s\nAnalyzed context:\n%s", st.Title, st.AnalyzedContext)
}

func finalCommitMessage(st *story.Story) string {
	return fmt.Sprintf("%s\n\n%s", st.Title, st.Description)
}

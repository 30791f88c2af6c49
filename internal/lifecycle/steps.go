package lifecycle

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/storyorchestrator/core/internal/story"
	"github.com/storyorchestrator/core/internal/storyerr"
	"github.com/storyorchestrator/core/internal/storystore"
)

// ApproveStep records a human approval against a completed step. It does
// not change step.status — approval is a review decision layered on top
// of the pending/running/completed/failed/skipped execution state
// (spec.md §3 StoryStep.approval).
func (c *Controller) ApproveStep(ctx context.Context, stepID string) error {
	step, err := c.Store.GetStep(ctx, stepID)
	if err != nil {
		return err
	}
	step.Approval = story.ApprovalApproved
	return c.Store.UpsertStep(ctx, step)
}

// RejectStep records a rejection and cascades it: the step itself goes
// back to pending with its output cleared and attempts reset to zero, and
// (per DESIGN.md's Open Question decision) every higher-ordered completed
// step is marked needsRework, the same cascade resetStep uses.
func (c *Controller) RejectStep(ctx context.Context, stepID, feedback string) error {
	step, err := c.Store.GetStep(ctx, stepID)
	if err != nil {
		return err
	}
	step.Approval = story.ApprovalRejected
	step.Feedback = feedback
	step.PrevOutput = step.Output
	step.Output = ""
	step.Attempts = 0
	step.Status = story.StepPending
	step.NeedsRework = false
	if err := c.Store.UpsertStep(ctx, step); err != nil {
		return err
	}
	return c.cascadeNeedsRework(ctx, step.StoryID, step.Order)
}

// SkipStep marks a step skipped with a recorded reason, removing it from
// future wave computation (story.Wave only selects pending/needsRework).
func (c *Controller) SkipStep(ctx context.Context, stepID, reason string) error {
	step, err := c.Store.GetStep(ctx, stepID)
	if err != nil {
		return err
	}
	step.Status = story.StepSkipped
	step.SkipReason = reason
	return c.Store.UpsertStep(ctx, step)
}

// ResetStep re-arms a completed (or failed) step to pending, preserving
// its previous output, and cascades needsRework to every higher-ordered
// completed step (spec.md §8 invariant: "After resetStep(x), every step y
// with y.order > x.order and y.status = completed has needsRework = true").
func (c *Controller) ResetStep(ctx context.Context, stepID string) error {
	step, err := c.Store.GetStep(ctx, stepID)
	if err != nil {
		return err
	}
	step.PrevOutput = step.Output
	step.Output = ""
	step.Status = story.StepPending
	step.NeedsRework = false
	if err := c.Store.UpsertStep(ctx, step); err != nil {
		return err
	}
	return c.cascadeNeedsRework(ctx, step.StoryID, step.Order)
}

func (c *Controller) cascadeNeedsRework(ctx context.Context, storyID string, fromOrder int) error {
	steps, err := c.Store.ListSteps(ctx, storyID)
	if err != nil {
		return err
	}
	for i := range steps {
		s := steps[i]
		if s.Order > fromOrder && s.Status == story.StepCompleted {
			s.NeedsRework = true
			if err := c.Store.UpsertStep(ctx, &s); err != nil {
				return err
			}
		}
	}
	return nil
}

// AddStep inserts a new step after the step whose order equals afterOrder
// (0 inserts at the front), shifting every step with order >= afterOrder+1
// up by one so order remains a dense permutation of 1..N (spec.md §4.7
// validation rules).
func (c *Controller) AddStep(ctx context.Context, storyID string, afterOrder int, name, description string, capability story.Capability, wave int) (*story.StoryStep, error) {
	steps, err := c.Store.ListSteps(ctx, storyID)
	if err != nil {
		return nil, err
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })

	for i := range steps {
		if steps[i].Order >= afterOrder+1 {
			steps[i].Order++
			if err := c.Store.UpsertStep(ctx, &steps[i]); err != nil {
				return nil, err
			}
		}
	}

	newStep := &story.StoryStep{
		ID:          uuid.NewString(),
		StoryID:     storyID,
		Order:       afterOrder + 1,
		Wave:        wave,
		Name:        name,
		Description: description,
		Capability:  capability,
		Status:      story.StepPending,
	}
	if newStep.Wave < 1 {
		newStep.Wave = 1
	}
	if err := c.Store.UpsertStep(ctx, newStep); err != nil {
		return nil, err
	}
	return newStep, nil
}

// RemoveStep deletes a step and re-numbers the remaining steps so order
// stays a dense permutation of 1..N.
func (c *Controller) RemoveStep(ctx context.Context, stepID string) error {
	removed, err := c.Store.GetStep(ctx, stepID)
	if err != nil {
		return err
	}
	if err := c.Store.RemoveStep(ctx, stepID); err != nil {
		return err
	}

	steps, err := c.Store.ListSteps(ctx, removed.StoryID)
	if err != nil {
		return err
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })
	for i := range steps {
		if steps[i].Order > removed.Order {
			steps[i].Order--
			if err := c.Store.UpsertStep(ctx, &steps[i]); err != nil {
				return err
			}
		}
	}
	return nil
}

// ChatWithStep appends a user message to a step's chat history and returns
// the assistant's reply, also appended, mirroring the agent-invocation
// shape used by the executors' own ReAct loop but scoped to ad hoc
// human<->agent conversation about a single step (spec.md §4.7 chatWithStep).
func (c *Controller) ChatWithStep(ctx context.Context, stepID, userMessage string) (string, error) {
	step, err := c.Store.GetStep(ctx, stepID)
	if err != nil {
		return "", err
	}
	now := time.Now()
	if err := c.Store.AppendChat(ctx, storystore.OwnerStep, stepID, story.ChatMessage{Role: story.RoleUser, Content: userMessage, Timestamp: now}); err != nil {
		return "", err
	}

	reply, err := c.Planner.Respond(ctx, stepID, stepChatPrompt(step, userMessage))
	if err != nil {
		return "", fmt.Errorf("chat with step %s: %w", stepID, err)
	}
	if err := c.Store.AppendChat(ctx, storystore.OwnerStep, stepID, story.ChatMessage{Role: story.RoleAssistant, Content: reply, Timestamp: time.Now()}); err != nil {
		return reply, err
	}
	return reply, nil
}

// ReassignStep changes which executor/agent a pending step targets.
func (c *Controller) ReassignStep(ctx context.Context, stepID, executorID string) error {
	step, err := c.Store.GetStep(ctx, stepID)
	if err != nil {
		return err
	}
	if step.Status != story.StepPending && !step.NeedsRework {
		return fmt.Errorf("reassignStep: step %s is %s: %w", stepID, step.Status, storyerr.InvalidState)
	}
	step.ExecutorID = executorID
	return c.Store.UpsertStep(ctx, step)
}

// UpdateStepDescription edits a step's free-text description in place.
func (c *Controller) UpdateStepDescription(ctx context.Context, stepID, description string) error {
	step, err := c.Store.GetStep(ctx, stepID)
	if err != nil {
		return err
	}
	step.Description = description
	return c.Store.UpsertStep(ctx, step)
}

func stepChatPrompt(step *story.StoryStep, userMessage string) string {
	return fmt.Sprintf("Step %q (%s): %s\n\nUser: %s", step.Name, step.Capability, step.Description, userMessage)
}

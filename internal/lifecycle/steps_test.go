package lifecycle

import (
	"context"
	"testing"

	"github.com/storyorchestrator/core/internal/story"
)

func TestRejectStep_ClearsOutputResetsAttemptsAndCascades(t *testing.T) {
	store := newFakeStore(&story.Story{ID: "s1"})
	store.UpsertStep(context.Background(), &story.StoryStep{ID: "a", StoryID: "s1", Order: 1, Status: story.StepCompleted, Output: "done", Attempts: 3})
	store.UpsertStep(context.Background(), &story.StoryStep{ID: "b", StoryID: "s1", Order: 2, Status: story.StepCompleted, Output: "also done"})
	ctrl := &Controller{Store: store}

	if err := ctrl.RejectStep(context.Background(), "a", "needs more tests"); err != nil {
		t.Fatalf("RejectStep: %v", err)
	}

	a, _ := store.GetStep(context.Background(), "a")
	if a.Status != story.StepPending || a.Output != "" || a.Attempts != 0 || a.Approval != story.ApprovalRejected {
		t.Fatalf("unexpected rejected step state: %+v", a)
	}
	b, _ := store.GetStep(context.Background(), "b")
	if !b.NeedsRework {
		t.Fatalf("expected higher-ordered completed step to cascade needsRework, got %+v", b)
	}
}

func TestResetStep_CascadesNeedsReworkToHigherOrderedCompletedSteps(t *testing.T) {
	store := newFakeStore(&story.Story{ID: "s1"})
	store.UpsertStep(context.Background(), &story.StoryStep{ID: "x", StoryID: "s1", Order: 2, Status: story.StepCompleted, Output: "x out"})
	store.UpsertStep(context.Background(), &story.StoryStep{ID: "y", StoryID: "s1", Order: 3, Status: story.StepCompleted})
	store.UpsertStep(context.Background(), &story.StoryStep{ID: "z", StoryID: "s1", Order: 1, Status: story.StepCompleted})
	ctrl := &Controller{Store: store}

	if err := ctrl.ResetStep(context.Background(), "x"); err != nil {
		t.Fatalf("ResetStep: %v", err)
	}

	x, _ := store.GetStep(context.Background(), "x")
	if x.Status != story.StepPending || x.PrevOutput != "x out" || x.Output != "" {
		t.Fatalf("unexpected reset step state: %+v", x)
	}
	y, _ := store.GetStep(context.Background(), "y")
	if !y.NeedsRework {
		t.Fatalf("expected order-3 step to cascade needsRework, got %+v", y)
	}
	z, _ := store.GetStep(context.Background(), "z")
	if z.NeedsRework {
		t.Fatalf("expected lower-ordered step to be untouched, got %+v", z)
	}
}

func TestAddStep_ShiftsHigherOrderedStepsUp(t *testing.T) {
	store := newFakeStore(&story.Story{ID: "s1"})
	store.UpsertStep(context.Background(), &story.StoryStep{ID: "a", StoryID: "s1", Order: 1})
	store.UpsertStep(context.Background(), &story.StoryStep{ID: "b", StoryID: "s1", Order: 2})
	ctrl := &Controller{Store: store}

	newStep, err := ctrl.AddStep(context.Background(), "s1", 1, "inserted", "desc", story.CapabilityTesting, 1)
	if err != nil {
		t.Fatalf("AddStep: %v", err)
	}
	if newStep.Order != 2 {
		t.Fatalf("expected new step order 2, got %d", newStep.Order)
	}

	b, _ := store.GetStep(context.Background(), "b")
	if b.Order != 3 {
		t.Fatalf("expected 'b' shifted to order 3, got %d", b.Order)
	}
	a, _ := store.GetStep(context.Background(), "a")
	if a.Order != 1 {
		t.Fatalf("expected 'a' to stay at order 1, got %d", a.Order)
	}

	orders := orderSet(t, store, "s1")
	if !isDensePermutation(orders) {
		t.Fatalf("expected a dense 1..N permutation, got %v", orders)
	}
}

func TestRemoveStep_RenumbersRemainingSteps(t *testing.T) {
	store := newFakeStore(&story.Story{ID: "s1"})
	store.UpsertStep(context.Background(), &story.StoryStep{ID: "a", StoryID: "s1", Order: 1})
	store.UpsertStep(context.Background(), &story.StoryStep{ID: "b", StoryID: "s1", Order: 2})
	store.UpsertStep(context.Background(), &story.StoryStep{ID: "c", StoryID: "s1", Order: 3})
	ctrl := &Controller{Store: store}

	if err := ctrl.RemoveStep(context.Background(), "b"); err != nil {
		t.Fatalf("RemoveStep: %v", err)
	}

	c, _ := store.GetStep(context.Background(), "c")
	if c.Order != 2 {
		t.Fatalf("expected 'c' renumbered to order 2, got %d", c.Order)
	}
	orders := orderSet(t, store, "s1")
	if !isDensePermutation(orders) {
		t.Fatalf("expected a dense 1..N permutation, got %v", orders)
	}
}

func TestAddThenRemove_LeavesRemainingStepsByteIdentical(t *testing.T) {
	store := newFakeStore(&story.Story{ID: "s1"})
	store.UpsertStep(context.Background(), &story.StoryStep{ID: "a", StoryID: "s1", Order: 1, Name: "a", Capability: story.CapabilityCoding, Description: "desc a"})
	ctrl := &Controller{Store: store}

	before, _ := store.GetStep(context.Background(), "a")

	newStep, err := ctrl.AddStep(context.Background(), "s1", 0, "temp", "temp desc", story.CapabilityTesting, 1)
	if err != nil {
		t.Fatalf("AddStep: %v", err)
	}
	if err := ctrl.RemoveStep(context.Background(), newStep.ID); err != nil {
		t.Fatalf("RemoveStep: %v", err)
	}

	after, _ := store.GetStep(context.Background(), "a")
	if after.Name != before.Name || after.Capability != before.Capability || after.Order != before.Order || after.Description != before.Description {
		t.Fatalf("expected 'a' unchanged after add+remove, before=%+v after=%+v", before, after)
	}
}

func TestSkipStep_SetsStatusAndReason(t *testing.T) {
	store := newFakeStore(&story.Story{ID: "s1"})
	store.UpsertStep(context.Background(), &story.StoryStep{ID: "a", StoryID: "s1", Order: 1, Status: story.StepPending})
	ctrl := &Controller{Store: store}

	if err := ctrl.SkipStep(context.Background(), "a", "no longer needed"); err != nil {
		t.Fatalf("SkipStep: %v", err)
	}
	a, _ := store.GetStep(context.Background(), "a")
	if a.Status != story.StepSkipped || a.SkipReason != "no longer needed" {
		t.Fatalf("unexpected skipped step state: %+v", a)
	}
}

func TestReassignStep_ForbiddenOnRunningStep(t *testing.T) {
	store := newFakeStore(&story.Story{ID: "s1"})
	store.UpsertStep(context.Background(), &story.StoryStep{ID: "a", StoryID: "s1", Order: 1, Status: story.StepRunning})
	ctrl := &Controller{Store: store}

	if err := ctrl.ReassignStep(context.Background(), "a", "executor-2"); err == nil {
		t.Fatal("expected an error reassigning a running step")
	}
}

func orderSet(t *testing.T, store *fakeStore, storyID string) []int {
	t.Helper()
	steps, _ := store.ListSteps(context.Background(), storyID)
	var orders []int
	for _, s := range steps {
		orders = append(orders, s.Order)
	}
	return orders
}

func isDensePermutation(orders []int) bool {
	seen := make(map[int]bool, len(orders))
	for _, o := range orders {
		if o < 1 || o > len(orders) || seen[o] {
			return false
		}
		seen[o] = true
	}
	return true
}

package executor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/storyorchestrator/core/internal/story"
)

type countingExecutor struct {
	id          string
	inFlight    int32
	maxInFlight int32
	delay       time.Duration
	fail        map[string]bool
}

func (c *countingExecutor) ID() string                             { return c.id }
func (c *countingExecutor) IsAvailable(ctx context.Context) bool    { return true }
func (c *countingExecutor) ExecuteStep(ctx context.Context, step *story.StoryStep, st *story.Story, prior []story.StoryStep) error {
	n := atomic.AddInt32(&c.inFlight, 1)
	for {
		max := atomic.LoadInt32(&c.maxInFlight)
		if n <= max || atomic.CompareAndSwapInt32(&c.maxInFlight, max, n) {
			break
		}
	}
	defer atomic.AddInt32(&c.inFlight, -1)

	time.Sleep(c.delay)

	if c.fail[step.ID] {
		step.Status = story.StepFailed
		step.Error = "boom"
		return nil
	}
	step.Status = story.StepCompleted
	step.Output = "done"
	return nil
}

func TestExecuteSteps_RespectsMaxParallelism(t *testing.T) {
	ex := &countingExecutor{id: "test", delay: 20 * time.Millisecond}
	steps := make([]*story.StoryStep, 6)
	for i := range steps {
		steps[i] = &story.StoryStep{ID: stepID(i), Status: story.StepPending}
	}

	ExecuteSteps(context.Background(), ex, steps, &story.Story{}, 2, nil)

	if ex.maxInFlight > 2 {
		t.Fatalf("expected at most 2 concurrent steps, saw %d", ex.maxInFlight)
	}
	for _, s := range steps {
		if s.Status != story.StepCompleted {
			t.Fatalf("expected step %s completed, got %s", s.ID, s.Status)
		}
	}
}

func TestExecuteSteps_PartialFailureStillCompletesAll(t *testing.T) {
	ex := &countingExecutor{id: "test", fail: map[string]bool{"s1": true}}
	steps := []*story.StoryStep{
		{ID: "s0", Status: story.StepPending},
		{ID: "s1", Status: story.StepPending},
		{ID: "s2", Status: story.StepPending},
	}

	ExecuteSteps(context.Background(), ex, steps, &story.Story{}, 3, nil)

	if steps[1].Status != story.StepFailed {
		t.Fatalf("expected s1 failed, got %s", steps[1].Status)
	}
	if steps[0].Status != story.StepCompleted || steps[2].Status != story.StepCompleted {
		t.Fatal("expected s0 and s2 to complete despite s1 failing")
	}
}

func TestExecuteSteps_CancelledContext(t *testing.T) {
	ex := &countingExecutor{id: "test", delay: time.Second}
	steps := []*story.StoryStep{{ID: "s0", Status: story.StepPending}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ExecuteSteps(ctx, ex, steps, &story.Story{}, 1, nil)

	if steps[0].Status != story.StepFailed {
		t.Fatalf("expected step to fail on pre-cancelled context, got %s", steps[0].Status)
	}
}

func TestExecuteSteps_ReturnsCompletionOrderNotSubmissionOrder(t *testing.T) {
	ex := &variableDelayExecutor{delays: map[string]time.Duration{
		"slow": 40 * time.Millisecond,
		"fast": 5 * time.Millisecond,
	}}
	steps := []*story.StoryStep{
		{ID: "slow", Status: story.StepPending},
		{ID: "fast", Status: story.StepPending},
	}

	results := ExecuteSteps(context.Background(), ex, steps, &story.Story{}, 2, nil)

	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Step.ID != "fast" || results[1].Step.ID != "slow" {
		t.Fatalf("expected completion order [fast, slow], got [%s, %s]", results[0].Step.ID, results[1].Step.ID)
	}
}

type variableDelayExecutor struct {
	delays map[string]time.Duration
}

func (v *variableDelayExecutor) ID() string                          { return "variable" }
func (v *variableDelayExecutor) IsAvailable(ctx context.Context) bool { return true }
func (v *variableDelayExecutor) ExecuteStep(ctx context.Context, step *story.StoryStep, st *story.Story, prior []story.StoryStep) error {
	time.Sleep(v.delays[step.ID])
	step.Status = story.StepCompleted
	step.Output = "done"
	return nil
}

func stepID(i int) string {
	return string(rune('a' + i))
}

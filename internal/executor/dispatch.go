package executor

import (
	"context"
	"sync"

	"github.com/storyorchestrator/core/internal/story"
)

// StepResult reports one step's dispatch outcome, in the order it
// actually finished rather than the order it was submitted in (spec.md §5:
// progress events within a wave must reflect completion order).
type StepResult struct {
	Index int
	Step  *story.StoryStep
	Err   error
}

// ExecuteSteps runs waveSteps through ex with a counting semaphore of
// maxParallelism permits, grounded on the bounded-parallel dispatch in
// the pack's conductor example (buffered semaphore channel, per-task
// goroutine releasing its permit in a deferred function, a results
// channel drained by a separate goroutine after sync.WaitGroup.Wait,
// and a non-blocking send guarded by ctx.Done()). The call returns once
// every step has finished, regardless of individual outcomes, per
// spec.md §4.4 — in the order each step actually completed.
func ExecuteSteps(ctx context.Context, ex Executor, waveSteps []*story.StoryStep, st *story.Story, maxParallelism int, priorSteps []story.StoryStep) []StepResult {
	if maxParallelism <= 0 || maxParallelism > len(waveSteps) {
		maxParallelism = len(waveSteps)
	}
	if maxParallelism == 0 {
		return nil
	}

	semaphore := make(chan struct{}, maxParallelism)
	resultsCh := make(chan StepResult, len(waveSteps))

	var wg sync.WaitGroup
	for i, step := range waveSteps {
		select {
		case <-ctx.Done():
			step.Status = story.StepFailed
			step.Error = ctx.Err().Error()
			resultsCh <- StepResult{Index: i, Step: step, Err: ctx.Err()}
			continue
		case semaphore <- struct{}{}:
		}

		wg.Add(1)
		go func(i int, step *story.StoryStep) {
			defer wg.Done()
			defer func() { <-semaphore }()

			err := ex.ExecuteStep(ctx, step, st, priorSteps)

			select {
			case resultsCh <- StepResult{Index: i, Step: step, Err: err}:
			case <-ctx.Done():
			}
		}(i, step)
	}

	go func() {
		wg.Wait()
		close(resultsCh)
	}()

	results := make([]StepResult, 0, len(waveSteps))
	for r := range resultsCh {
		results = append(results, r)
	}
	return results
}

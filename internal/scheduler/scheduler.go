// Package scheduler is the Wave Scheduler (component C6): it drives a
// story's steps through their dependency waves, running a quality gate
// after the final wave, and streams tagged progress events as it goes
// (component C8 — the two share an implementation, per spec.md §4.8).
//
// The main loop is grounded on the teacher's LoopRunner
// (internal/engine/loop.go) for its checkpoint/re-entry shape and on
// coordinator.Executor's topoSort-then-wave-execute structure
// (internal/coordinator/executor.go), generalized from "DAG of LLM chat
// tasks" to "DAG of pluggable-executor steps with a trailing quality
// gate".
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/storyorchestrator/core/internal/executor"
	"github.com/storyorchestrator/core/internal/gate"
	"github.com/storyorchestrator/core/internal/otelsetup"
	"github.com/storyorchestrator/core/internal/story"
	"github.com/storyorchestrator/core/internal/storyerr"
	"github.com/storyorchestrator/core/internal/storystore"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// Scheduler drives runStream for one story at a time; it is safe to reuse
// across stories, but a given story must not be run concurrently from two
// Scheduler calls.
type Scheduler struct {
	Store     storystore.StoryStore
	Executors *executor.Registry
	Gate      gate.Runner
	Bus       publisher
	Tracer    trace.Tracer
	Logger    *slog.Logger

	// EventBuffer sizes each run's channel; 0 uses a sane default.
	EventBuffer int
}

// New builds a Scheduler with nil-safe defaults for the optional
// dependencies (Bus, Tracer, Logger).
func New(store storystore.StoryStore, executors *executor.Registry, gateRunner gate.Runner, bus publisher, tracer trace.Tracer, logger *slog.Logger) *Scheduler {
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otelsetup.TracerName)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{Store: store, Executors: executors, Gate: gateRunner, Bus: bus, Tracer: tracer, Logger: logger}
}

// RunStream is the Wave Scheduler's entry point (spec.md §4.6). It
// validates preconditions synchronously, then runs the wave loop in a
// background goroutine, returning a stream of ProgressEvent the caller can
// range over until it closes.
func (s *Scheduler) RunStream(ctx context.Context, storyID string) (EventStream, error) {
	st, err := s.Store.GetStory(ctx, storyID)
	if err != nil {
		return nil, err
	}
	steps, err := s.Store.ListSteps(ctx, storyID)
	if err != nil {
		return nil, err
	}
	if len(steps) == 0 || st.WorktreePath == "" {
		return nil, fmt.Errorf("story %s has no steps or worktree: %w", storyID, storyerr.InvalidState)
	}

	em := newEmitter(s.EventBuffer, s.Bus)
	go s.run(ctx, st, steps, em)
	return EventStream(em.ch), nil
}

func (s *Scheduler) run(ctx context.Context, st *story.Story, steps []story.StoryStep, em *emitter) {
	defer em.close()

	ctx, span := otelsetup.StartSpan(ctx, s.Tracer, "scheduler.run", otelsetup.AttrStoryID.String(st.ID))
	defer span.End()

	wMax := story.MaxWave(steps)
	currentWave := st.CurrentWave
	if currentWave < 1 {
		currentWave = 1
	}

	em.emit(ProgressEvent{Kind: EventStarted, StoryID: st.ID, TotalWaves: wMax})

	var chosenExecutor executor.Executor

	for currentWave <= wMax {
		if err := ctx.Err(); err != nil {
			em.emit(ProgressEvent{Kind: EventFailed, StoryID: st.ID, Wave: currentWave, ErrorText: err.Error()})
			return
		}

		waveSteps := story.Wave(steps, currentWave)
		if len(waveSteps) == 0 {
			if story.AllTerminal(steps) {
				if err := s.transition(ctx, st, story.StatusReadyToComplete); err != nil {
					em.emit(ProgressEvent{Kind: EventFailed, StoryID: st.ID, Wave: currentWave, ErrorText: err.Error()})
					return
				}
				em.emit(ProgressEvent{Kind: EventReadyToComplete, StoryID: st.ID, TotalWaves: wMax})
				return
			}
			currentWave++
			continue
		}

		em.emit(ProgressEvent{Kind: EventWaveStarted, StoryID: st.ID, Wave: currentWave, TotalWaves: wMax})
		if err := s.transition(ctx, st, story.StatusExecuting); err != nil && err != errNoTransition {
			em.emit(ProgressEvent{Kind: EventFailed, StoryID: st.ID, Wave: currentWave, ErrorText: err.Error()})
			return
		}
		if err := s.Store.UpdateStoryCurrentWave(ctx, st.ID, currentWave); err != nil {
			em.emit(ProgressEvent{Kind: EventFailed, StoryID: st.ID, Wave: currentWave, ErrorText: err.Error()})
			return
		}
		st.CurrentWave = currentWave

		for _, step := range waveSteps {
			em.emit(ProgressEvent{Kind: EventStepStarted, StoryID: st.ID, Wave: currentWave, StepID: step.ID, StepName: step.Name})
		}

		if chosenExecutor == nil {
			var resolveErr error
			chosenExecutor, resolveErr = s.Executors.Resolve(ctx, st.PreferredExecutor)
			if resolveErr != nil {
				s.failStory(ctx, st, currentWave, resolveErr, em)
				return
			}
		}

		pointers := make([]*story.StoryStep, len(waveSteps))
		for i := range waveSteps {
			pointers[i] = &waveSteps[i]
		}
		prior := priorCompletedSteps(steps, currentWave)

		maxParallelism := st.MaxParallelism
		if maxParallelism <= 0 {
			maxParallelism = 3
		}
		results := executor.ExecuteSteps(ctx, chosenExecutor, pointers, st, maxParallelism, prior)

		completed, failed := 0, 0
		for _, r := range results {
			updated := *r.Step
			if err := s.Store.UpsertStep(ctx, &updated); err != nil {
				s.Logger.Warn("persist step failed", "step_id", updated.ID, "error", err)
			}
			applyStepToAll(steps, updated)
			waveSteps[r.Index] = updated

			if updated.Status == story.StepFailed {
				failed++
				em.emit(ProgressEvent{Kind: EventStepFailed, StoryID: st.ID, Wave: currentWave, StepID: updated.ID, StepName: updated.Name, ErrorText: updated.Error})
			} else {
				completed++
				em.emit(ProgressEvent{Kind: EventStepCompleted, StoryID: st.ID, Wave: currentWave, StepID: updated.ID, StepName: updated.Name, Output: updated.Output})
			}
		}

		em.emit(ProgressEvent{Kind: EventWaveCompleted, StoryID: st.ID, Wave: currentWave, CompletedCount: completed, FailedCount: failed})

		if failed > 0 {
			s.failStory(ctx, st, currentWave, fmt.Errorf("wave %d: %d step(s) failed", currentWave, failed), em)
			return
		}

		if currentWave == wMax {
			break
		}

		if err := s.transition(ctx, st, story.StatusGatePending); err != nil {
			em.emit(ProgressEvent{Kind: EventFailed, StoryID: st.ID, Wave: currentWave, ErrorText: err.Error()})
			return
		}
		currentWave++
	}

	s.runFinalGate(ctx, st, wMax, em)
}

func (s *Scheduler) runFinalGate(ctx context.Context, st *story.Story, wMax int, em *emitter) {
	em.emit(ProgressEvent{Kind: EventGateStarted, StoryID: st.ID, Wave: wMax})

	gctx, span := otelsetup.StartClientSpan(ctx, s.Tracer, "scheduler.gate", otelsetup.AttrStoryID.String(st.ID), otelsetup.AttrWave.Int(wMax))
	defer span.End()

	result, err := s.Gate.RunFullGate(gctx, st.WorktreePath, wMax)
	if err != nil {
		s.failStory(ctx, st, wMax, err, em)
		return
	}

	blob, _ := json.Marshal(result)
	_ = s.Store.UpdateStoryArtifact(ctx, st.ID, storystore.FieldGateResult, string(blob))

	switch {
	case result.WasCancelled:
		_ = s.transition(ctx, st, story.StatusGatePending)
		em.emit(ProgressEvent{Kind: EventGateFailed, StoryID: st.ID, Wave: wMax, GateResult: result})
	case !result.Passed:
		_ = s.transition(ctx, st, story.StatusGateFailed)
		em.emit(ProgressEvent{Kind: EventGateFailed, StoryID: st.ID, Wave: wMax, GateResult: result})
	default:
		if err := s.transition(ctx, st, story.StatusReadyToComplete); err != nil {
			s.failStory(ctx, st, wMax, err, em)
			return
		}
		em.emit(ProgressEvent{Kind: EventGatePassed, StoryID: st.ID, Wave: wMax, GateResult: result})
		em.emit(ProgressEvent{Kind: EventReadyToComplete, StoryID: st.ID, TotalWaves: wMax})
	}
}

func (s *Scheduler) failStory(ctx context.Context, st *story.Story, wave int, cause error, em *emitter) {
	_ = s.transition(ctx, st, story.StatusFailed)
	em.emit(ProgressEvent{Kind: EventFailed, StoryID: st.ID, Wave: wave, ErrorText: cause.Error()})
}

var errNoTransition = fmt.Errorf("no-op transition")

// transition performs a compare-and-swap status update and updates the
// in-memory copy on success. Transitioning to the status the story is
// already in is a no-op (idempotent re-entry).
func (s *Scheduler) transition(ctx context.Context, st *story.Story, newStatus story.Status) error {
	if st.Status == newStatus {
		return errNoTransition
	}
	if err := s.Store.UpdateStoryStatus(ctx, st.ID, st.Status, newStatus); err != nil {
		return err
	}
	st.Status = newStatus
	st.UpdatedAt = time.Now()
	return nil
}

func priorCompletedSteps(steps []story.StoryStep, beforeWave int) []story.StoryStep {
	var out []story.StoryStep
	for _, st := range steps {
		if st.Wave < beforeWave && st.Status == story.StepCompleted {
			out = append(out, st)
		}
	}
	return out
}

// applyStepToAll copies an updated step's fields back into the scheduler's
// working slice so subsequent wave computations see the latest status.
func applyStepToAll(all []story.StoryStep, updated story.StoryStep) {
	for i := range all {
		if all[i].ID == updated.ID {
			all[i] = updated
			return
		}
	}
}

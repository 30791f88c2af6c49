package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/storyorchestrator/core/internal/executor"
	"github.com/storyorchestrator/core/internal/gate"
	"github.com/storyorchestrator/core/internal/story"
	"github.com/storyorchestrator/core/internal/storyerr"
)

type fakeStore struct {
	mu    sync.Mutex
	story *story.Story
	steps map[string]*story.StoryStep
}

func newFakeStore(st *story.Story, steps []story.StoryStep) *fakeStore {
	m := map[string]*story.StoryStep{}
	for i := range steps {
		cp := steps[i]
		m[cp.ID] = &cp
	}
	return &fakeStore{story: st, steps: m}
}

func (f *fakeStore) CreateStory(ctx context.Context, s *story.Story) error { return nil }
func (f *fakeStore) GetStory(ctx context.Context, id string) (*story.Story, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *f.story
	return &cp, nil
}
func (f *fakeStore) ListStories(ctx context.Context, statusFilter *story.Status, repoPathFilter string) ([]*story.Story, error) {
	return nil, nil
}
func (f *fakeStore) DeleteStory(ctx context.Context, id string) error { return nil }

func (f *fakeStore) UpdateStoryStatus(ctx context.Context, id string, prevStatus, newStatus story.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.story.Status != prevStatus {
		return storyerr.ConflictingUpdate
	}
	f.story.Status = newStatus
	return nil
}
func (f *fakeStore) UpdateStoryArtifact(ctx context.Context, id, field, blob string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if field == "gate_result" {
		f.story.GateResult = blob
	}
	return nil
}
func (f *fakeStore) UpdateStoryCurrentWave(ctx context.Context, id string, wave int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.story.CurrentWave = wave
	return nil
}

func (f *fakeStore) UpdateStoryWorktree(ctx context.Context, id, worktreePath, branchName, baseBranch string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.story.WorktreePath = worktreePath
	f.story.BranchName = branchName
	f.story.BaseBranch = baseBranch
	return nil
}

func (f *fakeStore) UpsertStep(ctx context.Context, step *story.StoryStep) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *step
	f.steps[step.ID] = &cp
	return nil
}
func (f *fakeStore) RemoveStep(ctx context.Context, id string) error { return nil }
func (f *fakeStore) ListSteps(ctx context.Context, storyID string) ([]story.StoryStep, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []story.StoryStep
	for _, s := range f.steps {
		out = append(out, *s)
	}
	return out, nil
}
func (f *fakeStore) GetStep(ctx context.Context, id string) (*story.StoryStep, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.steps[id]
	if !ok {
		return nil, storyerr.NotFound
	}
	cp := *s
	return &cp, nil
}
func (f *fakeStore) AppendChat(ctx context.Context, ownerType, ownerID string, msg story.ChatMessage) error {
	return nil
}
func (f *fakeStore) ListChat(ctx context.Context, ownerType, ownerID string) ([]story.ChatMessage, error) {
	return nil, nil
}

type scriptedExecutor struct {
	failIDs map[string]bool
}

func (e *scriptedExecutor) ID() string                             { return "scripted" }
func (e *scriptedExecutor) IsAvailable(ctx context.Context) bool    { return true }
func (e *scriptedExecutor) ExecuteStep(ctx context.Context, step *story.StoryStep, st *story.Story, prior []story.StoryStep) error {
	if e.failIDs[step.ID] {
		step.Status = story.StepFailed
		step.Error = "scripted failure"
		return errors.New("scripted failure")
	}
	step.Status = story.StepCompleted
	step.Output = "done:" + step.Name
	return nil
}

type scriptedGate struct {
	result *gate.Result
	err    error
}

func (g *scriptedGate) RunBuildGate(ctx context.Context, path string, afterWave int) (*gate.Result, error) {
	return g.result, g.err
}
func (g *scriptedGate) RunTestGate(ctx context.Context, path string, afterWave int) (*gate.Result, error) {
	return g.result, g.err
}
func (g *scriptedGate) RunFullGate(ctx context.Context, path string, afterWave int) (*gate.Result, error) {
	return g.result, g.err
}

func newRegistry(ex executor.Executor) *executor.Registry {
	reg := executor.NewRegistry([]string{ex.ID()})
	reg.Register(ex)
	return reg
}

func drain(t *testing.T, stream EventStream, timeout time.Duration) []ProgressEvent {
	t.Helper()
	var events []ProgressEvent
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-stream:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-deadline:
			t.Fatal("timed out waiting for event stream to close")
		}
	}
}

func hasKind(events []ProgressEvent, k EventKind) bool {
	for _, e := range events {
		if e.Kind == k {
			return true
		}
	}
	return false
}

func TestRunStream_SingleWaveGatePasses(t *testing.T) {
	st := &story.Story{ID: "s1", WorktreePath: "/tmp/wt", Status: story.StatusPlanned, MaxParallelism: 2}
	steps := []story.StoryStep{{ID: "st1", StoryID: "s1", Wave: 1, Order: 1, Name: "only step", Status: story.StepPending}}
	store := newFakeStore(st, steps)
	ex := &scriptedExecutor{failIDs: map[string]bool{}}
	g := &scriptedGate{result: &gate.Result{Passed: true, Type: gate.GateFull}}

	sched := New(store, newRegistry(ex), g, nil, nil, nil)
	stream, err := sched.RunStream(context.Background(), "s1")
	if err != nil {
		t.Fatalf("RunStream: %v", err)
	}

	events := drain(t, stream, 2*time.Second)
	if !hasKind(events, EventGatePassed) || !hasKind(events, EventReadyToComplete) {
		t.Fatalf("expected gate-passed and ready-to-complete events, got %+v", events)
	}
	if store.story.Status != story.StatusReadyToComplete {
		t.Fatalf("expected ready-to-complete status, got %s", store.story.Status)
	}
}

func TestRunStream_StepFailureMarksStoryFailedWithoutRunningGate(t *testing.T) {
	st := &story.Story{ID: "s1", WorktreePath: "/tmp/wt", Status: story.StatusPlanned, MaxParallelism: 2}
	steps := []story.StoryStep{{ID: "bad", StoryID: "s1", Wave: 1, Order: 1, Name: "bad step", Status: story.StepPending}}
	store := newFakeStore(st, steps)
	ex := &scriptedExecutor{failIDs: map[string]bool{"bad": true}}
	g := &scriptedGate{result: &gate.Result{Passed: true}}

	sched := New(store, newRegistry(ex), g, nil, nil, nil)
	stream, err := sched.RunStream(context.Background(), "s1")
	if err != nil {
		t.Fatalf("RunStream: %v", err)
	}

	events := drain(t, stream, 2*time.Second)
	if !hasKind(events, EventFailed) {
		t.Fatalf("expected a failed event, got %+v", events)
	}
	if hasKind(events, EventGateStarted) {
		t.Fatal("gate should not run after a step failure")
	}
	if store.story.Status != story.StatusFailed {
		t.Fatalf("expected failed status, got %s", store.story.Status)
	}
}

func TestRunStream_GateFailureMarksGateFailed(t *testing.T) {
	st := &story.Story{ID: "s1", WorktreePath: "/tmp/wt", Status: story.StatusPlanned, MaxParallelism: 2}
	steps := []story.StoryStep{{ID: "st1", StoryID: "s1", Wave: 1, Order: 1, Name: "only step", Status: story.StepPending}}
	store := newFakeStore(st, steps)
	ex := &scriptedExecutor{failIDs: map[string]bool{}}
	g := &scriptedGate{result: &gate.Result{Passed: false, Error: "build broke"}}

	sched := New(store, newRegistry(ex), g, nil, nil, nil)
	stream, err := sched.RunStream(context.Background(), "s1")
	if err != nil {
		t.Fatalf("RunStream: %v", err)
	}

	events := drain(t, stream, 2*time.Second)
	if !hasKind(events, EventGateFailed) {
		t.Fatalf("expected gate-failed event, got %+v", events)
	}
	if store.story.Status != story.StatusGateFailed {
		t.Fatalf("expected gate-failed status, got %s", store.story.Status)
	}
}

func TestRunStream_CancelledGateKeepsStoryGatePending(t *testing.T) {
	st := &story.Story{ID: "s1", WorktreePath: "/tmp/wt", Status: story.StatusPlanned, MaxParallelism: 2}
	steps := []story.StoryStep{{ID: "st1", StoryID: "s1", Wave: 1, Order: 1, Name: "only step", Status: story.StepPending}}
	store := newFakeStore(st, steps)
	ex := &scriptedExecutor{failIDs: map[string]bool{}}
	g := &scriptedGate{result: &gate.Result{WasCancelled: true}}

	sched := New(store, newRegistry(ex), g, nil, nil, nil)
	stream, err := sched.RunStream(context.Background(), "s1")
	if err != nil {
		t.Fatalf("RunStream: %v", err)
	}

	events := drain(t, stream, 2*time.Second)
	if !hasKind(events, EventGateFailed) {
		t.Fatalf("expected gate-failed event for a cancelled gate, got %+v", events)
	}
	if store.story.Status != story.StatusGatePending {
		t.Fatalf("expected story to remain gate-pending after a cancelled gate, got %s", store.story.Status)
	}
}

func TestRunStream_MultiWaveRunsGateOnlyAfterFinalWave(t *testing.T) {
	st := &story.Story{ID: "s1", WorktreePath: "/tmp/wt", Status: story.StatusPlanned, MaxParallelism: 2}
	steps := []story.StoryStep{
		{ID: "w1", StoryID: "s1", Wave: 1, Order: 1, Name: "wave one", Status: story.StepPending},
		{ID: "w2", StoryID: "s1", Wave: 2, Order: 2, Name: "wave two", Status: story.StepPending},
	}
	store := newFakeStore(st, steps)
	ex := &scriptedExecutor{failIDs: map[string]bool{}}
	g := &scriptedGate{result: &gate.Result{Passed: true}}

	sched := New(store, newRegistry(ex), g, nil, nil, nil)
	stream, err := sched.RunStream(context.Background(), "s1")
	if err != nil {
		t.Fatalf("RunStream: %v", err)
	}

	events := drain(t, stream, 2*time.Second)
	gateStartedCount := 0
	for _, e := range events {
		if e.Kind == EventGateStarted {
			gateStartedCount++
		}
	}
	if gateStartedCount != 1 {
		t.Fatalf("expected exactly one gate run across both waves, got %d", gateStartedCount)
	}
	if !hasKind(events, EventReadyToComplete) {
		t.Fatalf("expected ready-to-complete, got %+v", events)
	}
}

func TestRunStream_NoStepsReturnsInvalidState(t *testing.T) {
	st := &story.Story{ID: "s1", WorktreePath: "/tmp/wt", Status: story.StatusPlanned}
	store := newFakeStore(st, nil)
	ex := &scriptedExecutor{failIDs: map[string]bool{}}
	g := &scriptedGate{}

	sched := New(store, newRegistry(ex), g, nil, nil, nil)
	_, err := sched.RunStream(context.Background(), "s1")
	if !errors.Is(err, storyerr.InvalidState) {
		t.Fatalf("expected InvalidState, got %v", err)
	}
}

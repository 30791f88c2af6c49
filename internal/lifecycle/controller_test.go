package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/storyorchestrator/core/internal/story"
	"github.com/storyorchestrator/core/internal/storyerr"
)

type fakeStore struct {
	mu     sync.Mutex
	stories map[string]*story.Story
	steps   map[string]*story.StoryStep
}

func newFakeStore(stories ...*story.Story) *fakeStore {
	m := map[string]*story.Story{}
	for _, s := range stories {
		m[s.ID] = s
	}
	return &fakeStore{stories: m, steps: map[string]*story.StoryStep{}}
}

func (f *fakeStore) CreateStory(ctx context.Context, s *story.Story) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stories[s.ID] = s
	return nil
}
func (f *fakeStore) GetStory(ctx context.Context, id string) (*story.Story, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.stories[id]
	if !ok {
		return nil, storyerr.NotFound
	}
	cp := *s
	return &cp, nil
}
func (f *fakeStore) ListStories(ctx context.Context, statusFilter *story.Status, repoPathFilter string) ([]*story.Story, error) {
	return nil, nil
}
func (f *fakeStore) DeleteStory(ctx context.Context, id string) error { return nil }

func (f *fakeStore) UpdateStoryStatus(ctx context.Context, id string, prevStatus, newStatus story.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.stories[id]
	if !ok {
		return storyerr.NotFound
	}
	if s.Status != prevStatus {
		return storyerr.ConflictingUpdate
	}
	s.Status = newStatus
	return nil
}
func (f *fakeStore) UpdateStoryArtifact(ctx context.Context, id, field, blob string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.stories[id]
	if !ok {
		return storyerr.NotFound
	}
	switch field {
	case "analyzed_context":
		s.AnalyzedContext = blob
	case "execution_plan":
		s.ExecutionPlan = blob
	case "pull_request_url":
		s.PullRequestURL = blob
	}
	return nil
}
func (f *fakeStore) UpdateStoryCurrentWave(ctx context.Context, id string, wave int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.stories[id]; ok {
		s.CurrentWave = wave
	}
	return nil
}
func (f *fakeStore) UpdateStoryWorktree(ctx context.Context, id, worktreePath, branchName, baseBranch string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.stories[id]; ok {
		s.WorktreePath = worktreePath
		s.BranchName = branchName
		s.BaseBranch = baseBranch
	}
	return nil
}

func (f *fakeStore) UpsertStep(ctx context.Context, step *story.StoryStep) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *step
	f.steps[step.ID] = &cp
	return nil
}
func (f *fakeStore) RemoveStep(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.steps, id)
	return nil
}
func (f *fakeStore) ListSteps(ctx context.Context, storyID string) ([]story.StoryStep, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []story.StoryStep
	for _, s := range f.steps {
		if s.StoryID == storyID {
			out = append(out, *s)
		}
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

type scriptedBrain struct {
	reply string
	err   error
}

func (b *scriptedBrain) Respond(ctx context.Context, sessionID, prompt string) (string, error) {
	return b.reply, b.err
}

func TestCanTransition_FollowsStateMachine(t *testing.T) {
	cases := []struct {
		from, to story.Status
		want     bool
	}{
		{story.StatusCreated, story.StatusAnalyzing, true},
		{story.StatusCreated, story.StatusPlanned, false},
		{story.StatusAnalyzed, story.StatusAnalyzing, true},
		{story.StatusExecuting, story.StatusGateFailed, true},
		{story.StatusReadyToComplete, story.StatusCompleted, true},
		{story.StatusCompleted, story.StatusCancelled, false},
		{story.StatusFailed, story.StatusGatePending, true},
	}
	for _, c := range cases {
		if got := canTransition(c.from, c.to); got != c.want {
			t.Errorf("canTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestAnalyze_ForbiddenFromWrongStatus(t *testing.T) {
	st := &story.Story{ID: "s1", Status: story.StatusPlanning}
	store := newFakeStore(st)
	ctrl := &Controller{Store: store, Planner: &scriptedBrain{reply: "ctx"}}
	err := ctrl.Analyze(context.Background(), "s1")
	if !errors.Is(err, storyerr.InvalidState) {
		t.Fatalf("expected InvalidState, got %v", err)
	}
}

func TestAnalyze_SetsAnalyzedContextAndStatus(t *testing.T) {
	st := &story.Story{ID: "s1", Status: story.StatusCreated, Title: "add caching"}
	store := newFakeStore(st)
	ctrl := &Controller{Store: store, Planner: &scriptedBrain{reply: "cache layer context"}}
	if err := ctrl.Analyze(context.Background(), "s1"); err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	got, _ := store.GetStory(context.Background(), "s1")
	if got.Status != story.StatusAnalyzed {
		t.Fatalf("expected analyzed, got %s", got.Status)
	}
	if got.AnalyzedContext != "cache layer context" {
		t.Fatalf("expected analyzed context to be persisted, got %q", got.AnalyzedContext)
	}
}

func TestAnalyze_AgentFailureMarksFailed(t *testing.T) {
	st := &story.Story{ID: "s1", Status: story.StatusCreated}
	store := newFakeStore(st)
	ctrl := &Controller{Store: store, Planner: &scriptedBrain{err: errors.New("llm down")}}
	if err := ctrl.Analyze(context.Background(), "s1"); err == nil {
		t.Fatal("expected an error")
	}
	got, _ := store.GetStory(context.Background(), "s1")
	if got.Status != story.StatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
}

func TestPlan_RequiresAnalyzed(t *testing.T) {
	st := &story.Story{ID: "s1", Status: story.StatusCreated}
	store := newFakeStore(st)
	ctrl := &Controller{Store: store, Planner: &scriptedBrain{reply: `[{"name":"x","capability":"coding"}]`}}
	if err := ctrl.Plan(context.Background(), "s1"); !errors.Is(err, storyerr.InvalidState) {
		t.Fatalf("expected InvalidState, got %v", err)
	}
}

func TestPlan_ParsesStepsAndSetsPlanned(t *testing.T) {
	st := &story.Story{ID: "s1", Status: story.StatusAnalyzed}
	store := newFakeStore(st)
	ctrl := &Controller{Store: store, Planner: &scriptedBrain{reply: `[{"name":"write code","capability":"coding"},{"name":"write tests","capability":"testing","wave":2}]`}}
	if err := ctrl.Plan(context.Background(), "s1"); err != nil {
		t.Fatalf("Plan: %v", err)
	}
	got, _ := store.GetStory(context.Background(), "s1")
	if got.Status != story.StatusPlanned {
		t.Fatalf("expected planned, got %s", got.Status)
	}
	steps, _ := store.ListSteps(context.Background(), "s1")
	if len(steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(steps))
	}
}

func TestDecompose_AssignsWavesByDependency(t *testing.T) {
	st := &story.Story{ID: "s1", Status: story.StatusAnalyzed}
	store := newFakeStore(st)
	reply := `[{"name":"a","capability":"coding","dependsOn":[]},{"name":"b","capability":"testing","dependsOn":["a"]}]`
	ctrl := &Controller{Store: store, Planner: &scriptedBrain{reply: reply}}
	if err := ctrl.Decompose(context.Background(), "s1"); err != nil {
		t.Fatalf("Decompose: %v", err)
	}
	steps, _ := store.ListSteps(context.Background(), "s1")
	waveByName := map[string]int{}
	for _, s := range steps {
		waveByName[s.Name] = s.Wave
	}
	if waveByName["a"] != 1 || waveByName["b"] != 2 {
		t.Fatalf("expected a in wave 1 and b in wave 2, got %+v", waveByName)
	}
}

func TestRun_RejectsUnrunnableStatus(t *testing.T) {
	st := &story.Story{ID: "s1", Status: story.StatusCreated}
	store := newFakeStore(st)
	ctrl := &Controller{Store: store}
	if _, err := ctrl.Run(context.Background(), "s1"); !errors.Is(err, storyerr.InvalidState) {
		t.Fatalf("expected InvalidState, got %v", err)
	}
}

func TestCancel_AllowedFromNonTerminal(t *testing.T) {
	st := &story.Story{ID: "s1", Status: story.StatusExecuting}
	store := newFakeStore(st)
	ctrl := &Controller{Store: store}
	if err := ctrl.Cancel(context.Background(), "s1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	got, _ := store.GetStory(context.Background(), "s1")
	if got.Status != story.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}
}

func TestCancel_ForbiddenFromTerminal(t *testing.T) {
	st := &story.Story{ID: "s1", Status: story.StatusCompleted}
	store := newFakeStore(st)
	ctrl := &Controller{Store: store}
	if err := ctrl.Cancel(context.Background(), "s1"); !errors.Is(err, storyerr.InvalidState) {
		t.Fatalf("expected InvalidState, got %v", err)
	}
}

func TestComplete_ForbiddenWhileStepsPending(t *testing.T) {
	st := &story.Story{ID: "s1", Status: story.StatusReadyToComplete}
	store := newFakeStore(st)
	store.UpsertStep(context.Background(), &story.StoryStep{ID: "st1", StoryID: "s1", Status: story.StepPending})
	ctrl := &Controller{Store: store}
	if err := ctrl.Complete(context.Background(), "s1"); !errors.Is(err, storyerr.InvalidState) {
		t.Fatalf("expected InvalidState, got %v", err)
	}
}

func TestComplete_SetsCompletedWithoutWorktreeCoordinator(t *testing.T) {
	st := &story.Story{ID: "s1", Status: story.StatusReadyToComplete}
	store := newFakeStore(st)
	store.UpsertStep(context.Background(), &story.StoryStep{ID: "st1", StoryID: "s1", Status: story.StepCompleted})
	ctrl := &Controller{Store: store}
	if err := ctrl.Complete(context.Background(), "s1"); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	got, _ := store.GetStory(context.Background(), "s1")
	if got.Status != story.StatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
}

type fakeWorktree struct {
	hasChanges    bool
	currentBranch string
	squashed      string
	pushed        bool
	prBase        string
	prURL         string
}

func (f *fakeWorktree) CreateWorktree(ctx context.Context, repoPath, title, baseBranch string) (string, string, error) {
	return "", "", nil
}
func (f *fakeWorktree) HasUncommittedChanges(ctx context.Context, path string) (bool, error) {
	return f.hasChanges, nil
}
func (f *fakeWorktree) Commit(ctx context.Context, path, message string, skipHooks bool) (string, error) {
	return "sha-wip", nil
}
func (f *fakeWorktree) SquashToBase(ctx context.Context, path, baseBranch, message string) (string, error) {
	f.squashed = baseBranch
	return "sha-squash", nil
}
func (f *fakeWorktree) Push(ctx context.Context, path string, setUpstream bool, token string) error {
	f.pushed = true
	return nil
}
func (f *fakeWorktree) CreatePullRequest(ctx context.Context, path, title, body, baseBranch string, draft bool, labels []string, token string) (string, error) {
	f.prBase = baseBranch
	return f.prURL, nil
}
func (f *fakeWorktree) CurrentBranch(ctx context.Context, path string) (string, error) {
	return f.currentBranch, nil
}

func TestComplete_SquashesPushesAndOpensPRAgainstPersistedBaseBranch(t *testing.T) {
	st := &story.Story{
		ID: "s1", Status: story.StatusReadyToComplete,
		WorktreePath: "/tmp/wt-1", BaseBranch: "main",
	}
	store := newFakeStore(st)
	store.UpsertStep(context.Background(), &story.StoryStep{ID: "st1", StoryID: "s1", Status: story.StepCompleted})
	wt := &fakeWorktree{prURL: "https://example.invalid/pr/7"}
	ctrl := &Controller{Store: store, Worktrees: wt}

	if err := ctrl.Complete(context.Background(), "s1"); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if wt.squashed != "main" {
		t.Fatalf("expected squash against persisted base branch 'main', got %q", wt.squashed)
	}
	if !wt.pushed {
		t.Fatal("expected push to run after a successful squash")
	}
	if wt.prBase != "main" {
		t.Fatalf("expected PR base 'main', got %q", wt.prBase)
	}
	got, _ := store.GetStory(context.Background(), "s1")
	if got.PullRequestURL != wt.prURL {
		t.Fatalf("expected pull request url %q persisted, got %q", wt.prURL, got.PullRequestURL)
	}
}

func TestComplete_FallsBackToCurrentBranchWhenBaseBranchUnset(t *testing.T) {
	st := &story.Story{
		ID: "s1", Status: story.StatusReadyToComplete,
		WorktreePath: "/tmp/wt-1", RepositoryPath: "/tmp/repo-1",
	}
	store := newFakeStore(st)
	store.UpsertStep(context.Background(), &story.StoryStep{ID: "st1", StoryID: "s1", Status: story.StepCompleted})
	wt := &fakeWorktree{currentBranch: "develop", prURL: "https://example.invalid/pr/8"}
	ctrl := &Controller{Store: store, Worktrees: wt}

	if err := ctrl.Complete(context.Background(), "s1"); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if wt.squashed != "develop" {
		t.Fatalf("expected squash against resolved base branch 'develop', got %q", wt.squashed)
	}
}

func TestResetOrchestrator_RecoversFromFailed(t *testing.T) {
	st := &story.Story{ID: "s1", Status: story.StatusFailed}
	store := newFakeStore(st)
	ctrl := &Controller{Store: store}
	if err := ctrl.ResetOrchestrator(context.Background(), "s1"); err != nil {
		t.Fatalf("ResetOrchestrator: %v", err)
	}
	got, _ := store.GetStory(context.Background(), "s1")
	if got.Status != story.StatusGatePending {
		t.Fatalf("expected gate-pending, got %s", got.Status)
	}
}

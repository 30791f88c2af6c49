package storystore

import (
	"context"

	"github.com/storyorchestrator/core/internal/story"
)

// StoryStore is the durable persistence contract consumed by the lifecycle
// controller and wave scheduler (spec.md §4.1). *Store implements it against
// sqlite; callers needing a different backend only need to satisfy this
// interface.
type StoryStore interface {
	CreateStory(ctx context.Context, s *story.Story) error
	GetStory(ctx context.Context, id string) (*story.Story, error)
	ListStories(ctx context.Context, statusFilter *story.Status, repoPathFilter string) ([]*story.Story, error)
	DeleteStory(ctx context.Context, id string) error

	// UpdateStoryStatus performs a compare-and-swap: it only applies when
	// the story's current status equals prevStatus, returning
	// storyerr.ConflictingUpdate otherwise.
	UpdateStoryStatus(ctx context.Context, id string, prevStatus, newStatus story.Status) error
	UpdateStoryArtifact(ctx context.Context, id, field, serializedBlob string) error
	UpdateStoryCurrentWave(ctx context.Context, id string, wave int) error
	UpdateStoryWorktree(ctx context.Context, id, worktreePath, branchName, baseBranch string) error

	UpsertStep(ctx context.Context, step *story.StoryStep) error
	RemoveStep(ctx context.Context, id string) error
	ListSteps(ctx context.Context, storyID string) ([]story.StoryStep, error)
	GetStep(ctx context.Context, id string) (*story.StoryStep, error)

	AppendChat(ctx context.Context, ownerType string, ownerID string, msg story.ChatMessage) error
	ListChat(ctx context.Context, ownerType string, ownerID string) ([]story.ChatMessage, error)
}

// Artifact field names accepted by UpdateStoryArtifact.
const (
	FieldAnalyzedContext    = "analyzed_context"
	FieldExecutionPlan      = "execution_plan"
	FieldGateResult         = "gate_result"
	FieldVerificationResult = "verification_result"
	FieldPullRequestURL     = "pull_request_url"
)

// Owner types accepted by AppendChat/ListChat.
const (
	OwnerStory = "story"
	OwnerStep  = "step"
)

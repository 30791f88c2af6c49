// Package executor is component C4: the pluggable step-executor contract,
// the registry that resolves an available executor per wave, and the two
// default executor variants (external CLI subprocess, internal ReAct
// agent loop).
package executor

import (
	"context"
	"time"

	"github.com/storyorchestrator/core/internal/story"
)

// Executor is the common contract both executor variants satisfy
// (spec.md §4.4).
type Executor interface {
	ID() string
	IsAvailable(ctx context.Context) bool
	ExecuteStep(ctx context.Context, step *story.StoryStep, st *story.Story, priorSteps []story.StoryStep) error
}

// StepTimeout bounds a single step's execution, composed with the
// caller-supplied cancellation token (spec.md §5).
const StepTimeout = 10 * time.Minute

// Envelope is the JSON blob persisted into step.Output (spec.md §4.4).
type Envelope struct {
	AgentID    string `json:"agentId"`
	Content    string `json:"content"`
	TokensUsed int    `json:"tokensUsed"`
	DurationMs int64  `json:"durationMs"`
}

package executor

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/storyorchestrator/core/internal/contextprovider"
	"github.com/storyorchestrator/core/internal/invoker"
	"github.com/storyorchestrator/core/internal/policy"
	"github.com/storyorchestrator/core/internal/story"
	"github.com/storyorchestrator/core/internal/storyerr"
	"github.com/storyorchestrator/core/internal/tools"
)

// AgentExecutor resolves an internal agent by capability (+ optional
// language hint) and drives it through an invoker.Loop, attaching C3
// context and, when ToolNames is non-empty, letting the loop run its
// ReAct cycle against the step's own worktree (spec.md §4.4).
//
// The loop and its tool executor are built fresh per step rather than
// shared off the struct: steps in the same wave run concurrently
// (spec.md §4.6) against different worktrees, and a StepToolExecutor's
// WorkingDir is fixed at construction, so one shared instance would race
// across steps.
type AgentExecutor struct {
	ExecutorID string
	Brain      invoker.Brain
	Context    contextprovider.Provider
	Policy     policy.Checker
	ToolNames  []string // non-empty enables the ReAct loop for every step
	Logger     *slog.Logger

	// Sandbox, when set, runs the ReAct loop's shell tool inside an
	// ephemeral container bind-mounted at the step's worktree instead of
	// directly on the host. Nil uses tools.HostExecutor.
	Sandbox tools.Executor
}

func NewAgentExecutor(id string, brain invoker.Brain, ctxProvider contextprovider.Provider, toolNames []string) *AgentExecutor {
	return &AgentExecutor{ExecutorID: id, Brain: brain, Context: ctxProvider, ToolNames: toolNames}
}

func (a *AgentExecutor) ID() string { return a.ExecutorID }

func (a *AgentExecutor) IsAvailable(ctx context.Context) bool {
	return a.Brain != nil
}

func (a *AgentExecutor) ExecuteStep(ctx context.Context, step *story.StoryStep, st *story.Story, priorSteps []story.StoryStep) error {
	stepCtx, cancel := context.WithTimeout(ctx, StepTimeout)
	defer cancel()

	prompt := BuildPrompt(step, st, priorSteps)
	if a.Context != nil {
		queries := append([]string{step.Name, step.Description}, contextprovider.ExtractFileReferences(step.Description)...)
		if extra, err := a.Context.ForCoding(stepCtx, st.WorktreePath, queries, contextprovider.ExtractFileReferences(step.Name+" "+step.Description)); err == nil && extra != "" {
			prompt = prompt + "\n\n## Retrieved context\n" + extra
		}
	}

	logger := a.Logger
	if logger == nil {
		logger = slog.Default()
	}
	shell := a.Sandbox
	if shell == nil {
		shell = &tools.HostExecutor{}
	}
	toolExec := tools.NewStepToolExecutor(shell, a.Policy, st.WorktreePath)
	loop := invoker.NewLoop(a.Brain, toolExec, logger)

	started := time.Now()
	result, err := loop.Invoke(stepCtx, invoker.Invocation{
		AgentID:    resolveAgentID(step),
		Capability: string(step.Capability),
		Language:   step.Language,
		Prompt:     prompt,
		ToolNames:  a.ToolNames,
	})

	if err != nil {
		step.Status = story.StepFailed
		step.Error = storyerr.ClassifyStepError(err).Error()
		return nil
	}

	envelope := Envelope{
		AgentID:    a.ExecutorID,
		Content:    strings.TrimSpace(result.Content),
		TokensUsed: result.TokensUsed,
		DurationMs: time.Since(started).Milliseconds(),
	}
	blob, marshalErr := json.Marshal(envelope)
	if marshalErr != nil {
		step.Status = story.StepFailed
		step.Error = marshalErr.Error()
		return nil
	}
	step.Output = string(blob)
	step.Status = story.StepCompleted
	return nil
}

func resolveAgentID(step *story.StoryStep) string {
	if step.ExecutorID != "" {
		return step.ExecutorID
	}
	return string(step.Capability)
}

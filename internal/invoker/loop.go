package invoker

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/storyorchestrator/core/internal/storyerr"
	"github.com/storyorchestrator/core/internal/tokenutil"
)

// Defaults from spec.md §4.4: 15 steps, 10-minute per-step deadline.
const (
	DefaultMaxSteps       = 15
	DefaultStepTimeout    = 10 * time.Minute
	terminationPrefix     = "Final Answer:"
	actionLinePattern     = `(?m)^Action:\s*([a-zA-Z0-9_.\-]+)\((.*)\)\s*$`
)

var actionLineRe = regexp.MustCompile(actionLinePattern)

// ToolExecutor runs a named tool with a raw argument string (the text
// between the parentheses of an "Action: name(args)" line) and returns
// an observation to feed back into the loop.
type ToolExecutor interface {
	Execute(ctx context.Context, name, args string) (observation string, err error)
}

// Loop drives the Thought/Action/Observation cycle described in spec.md
// §4.4, grounded on the teacher's LoopRunner (step budget, per-call
// deadline, termination-keyword detection) generalized from an
// open-ended chat loop to a single bounded step invocation.
type Loop struct {
	Brain    Brain
	Tools    ToolExecutor
	MaxSteps int
	Logger   *slog.Logger
}

func NewLoop(brain Brain, tools ToolExecutor, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	maxSteps := DefaultMaxSteps
	return &Loop{Brain: brain, Tools: tools, MaxSteps: maxSteps, Logger: logger}
}

// Invoke implements AgentInvoker. When inv.ToolNames is empty it makes a
// single Brain.Respond call; otherwise it runs the ReAct loop, stopping
// on a "Final Answer:" line, step exhaustion, or the per-step deadline.
func (l *Loop) Invoke(ctx context.Context, inv Invocation) (*Result, error) {
	started := time.Now()

	if len(inv.ToolNames) == 0 {
		content, err := l.Brain.Respond(ctx, inv.AgentID, inv.Prompt)
		if err != nil {
			return nil, storyerr.ClassifyStepError(fmt.Errorf("agent respond: %w", err))
		}
		tokens := tokenutil.EstimateTokens(inv.Prompt) + tokenutil.EstimateTokens(content)
		return &Result{Content: content, Steps: 1, DurationMs: time.Since(started).Milliseconds(), TokensUsed: tokens}, nil
	}

	maxSteps := l.MaxSteps
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}

	stepCtx, cancel := context.WithTimeout(ctx, DefaultStepTimeout)
	defer cancel()

	transcript := strings.Builder{}
	transcript.WriteString(inv.Prompt)
	transcript.WriteString("\n\nAvailable tools: " + strings.Join(inv.ToolNames, ", "))
	transcript.WriteString("\nRespond with \"Thought: ...\" then either \"Action: tool(args)\" or \"" + terminationPrefix + " ...\".")

	var lastContent string
	var tokens int
	for step := 1; step <= maxSteps; step++ {
		select {
		case <-stepCtx.Done():
			return nil, storyerr.ClassifyStepError(stepCtx.Err())
		default:
		}

		prompt := transcript.String()
		reply, err := l.Brain.Respond(stepCtx, inv.AgentID, prompt)
		if err != nil {
			return nil, storyerr.ClassifyStepError(fmt.Errorf("agent respond (step %d): %w", step, err))
		}
		lastContent = reply
		tokens += tokenutil.EstimateTokens(prompt) + tokenutil.EstimateTokens(reply)

		if idx := strings.Index(reply, terminationPrefix); idx >= 0 {
			final := strings.TrimSpace(reply[idx+len(terminationPrefix):])
			return &Result{Content: final, Steps: step, DurationMs: time.Since(started).Milliseconds(), TokensUsed: tokens}, nil
		}

		match := actionLineRe.FindStringSubmatch(reply)
		if match == nil {
			// No action and no final answer: treat the whole reply as
			// the answer rather than looping forever on unparseable output.
			return &Result{Content: reply, Steps: step, DurationMs: time.Since(started).Milliseconds(), TokensUsed: tokens}, nil
		}

		toolName, args := match[1], match[2]
		observation, toolErr := l.Tools.Execute(stepCtx, toolName, args)
		if toolErr != nil {
			observation = fmt.Sprintf("error: %v", toolErr)
		}

		transcript.WriteString("\n")
		transcript.WriteString(reply)
		transcript.WriteString(fmt.Sprintf("\nObservation: %s\n", observation))
	}

	l.Logger.Warn("agent loop exhausted max steps", "agent_id", inv.AgentID, "max_steps", maxSteps)
	return &Result{Content: lastContent, Steps: maxSteps, DurationMs: time.Since(started).Milliseconds(), TokensUsed: tokens}, nil
}

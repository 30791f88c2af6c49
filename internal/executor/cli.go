package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/storyorchestrator/core/internal/shared"
	"github.com/storyorchestrator/core/internal/story"
	"github.com/storyorchestrator/core/internal/storyerr"
)

const toolProposalMarker = "### Tool Improvement Proposal"

// CLIExecutor drives an external agent CLI as a subprocess, grounded on
// the teacher's tools.HostExecutor.Exec subprocess-capture idiom
// (internal/tools/shell.go) generalized from a single shell command to
// the full external-CLI contract in spec.md §4.4/§6.
type CLIExecutor struct {
	BinaryID  string // the registry ID this executor answers to
	Binary    string // path/name of the CLI binary, e.g. "claude"
	GHToken   string
	MCPConfig string // JSON blob written to a temp file per invocation
}

func NewCLIExecutor(id, binary, ghToken, mcpConfig string) *CLIExecutor {
	return &CLIExecutor{BinaryID: id, Binary: binary, GHToken: ghToken, MCPConfig: mcpConfig}
}

func (c *CLIExecutor) ID() string { return c.BinaryID }

func (c *CLIExecutor) IsAvailable(ctx context.Context) bool {
	_, err := exec.LookPath(c.Binary)
	return err == nil
}

func (c *CLIExecutor) ExecuteStep(ctx context.Context, step *story.StoryStep, st *story.Story, priorSteps []story.StoryStep) error {
	stepCtx, cancel := context.WithTimeout(ctx, StepTimeout)
	defer cancel()

	prompt := BuildPrompt(step, st, priorSteps)

	configPath, cleanup, err := c.writeMCPConfig()
	if err != nil {
		step.Status = story.StepFailed
		step.Error = err.Error()
		return nil
	}
	defer cleanup()

	args := []string{
		"-p", prompt,
		"--yolo", "--no-ask-user", "--add-dir", st.WorktreePath,
		"--additional-mcp-config", "@" + configPath,
	}

	cmd := exec.CommandContext(stepCtx, c.Binary, args...)
	cmd.Dir = st.WorktreePath
	if c.GHToken != "" {
		cmd.Env = append(os.Environ(), "GITHUB_TOKEN="+c.GHToken, "GH_TOKEN="+c.GHToken)
	}

	var out, errBuf bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errBuf

	started := time.Now()
	runErr := cmd.Run()
	duration := time.Since(started).Milliseconds()

	// Persist final status through an unlinked, non-cancellable handle:
	// stepCtx may already be expired by the time we get here, but the
	// mutation below must still land (spec.md §4.4).
	finalize := func() {
		stdout := shared.Redact(out.String())
		content, _ := splitToolProposal(stdout)

		if runErr != nil {
			step.Status = story.StepFailed
			step.Error = storyerr.ClassifyStepError(classifyExitError(runErr)).Error()
			return
		}

		envelope := Envelope{
			AgentID:    c.BinaryID,
			Content:    strings.TrimSpace(content),
			DurationMs: duration,
		}
		blob, marshalErr := json.Marshal(envelope)
		if marshalErr != nil {
			step.Status = story.StepFailed
			step.Error = marshalErr.Error()
			return
		}
		step.Output = string(blob)
		step.Status = story.StepCompleted
	}
	finalize()

	return nil
}

func (c *CLIExecutor) writeMCPConfig() (string, func(), error) {
	f, err := os.CreateTemp("", "storyorchestrator-mcp-*.json")
	if err != nil {
		return "", func() {}, fmt.Errorf("create mcp config temp file: %w", err)
	}
	body := c.MCPConfig
	if body == "" {
		body = "{}"
	}
	if _, err := f.WriteString(body); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", func() {}, fmt.Errorf("write mcp config: %w", err)
	}
	_ = f.Close()
	return f.Name(), func() { _ = os.Remove(f.Name()) }, nil
}

func classifyExitError(err error) error {
	if exitErr, ok := err.(*exec.ExitError); ok {
		return fmt.Errorf("exit status %d: %w", exitErr.ExitCode(), storyerr.SubprocessFailure)
	}
	return err
}

// splitToolProposal separates the main agent response from a trailing
// "### Tool Improvement Proposal" section, per spec.md §4.4/§6.
func splitToolProposal(stdout string) (content, proposal string) {
	idx := strings.Index(stdout, toolProposalMarker)
	if idx < 0 {
		return stdout, ""
	}
	return strings.TrimSpace(stdout[:idx]), strings.TrimSpace(stdout[idx:])
}

// BuildPrompt assembles the step-execution prompt from the step,
// analyzed-context summary, prior-step outputs (chronological), and any
// revision feedback, per spec.md §4.4.
func BuildPrompt(step *story.StoryStep, st *story.Story, priorSteps []story.StoryStep) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Step: %s\n\n%s\n\n", step.Name, step.Description)
	if st.AnalyzedContext != "" {
		fmt.Fprintf(&b, "## Context\n%s\n\n", st.AnalyzedContext)
	}
	if len(priorSteps) > 0 {
		b.WriteString("## Prior step outputs\n")
		for _, p := range priorSteps {
			if p.Output == "" {
				continue
			}
			fmt.Fprintf(&b, "### %s\n%s\n\n", p.Name, p.Output)
		}
	}
	if step.Feedback != "" {
		fmt.Fprintf(&b, "## Revision feedback\n%s\n\n", step.Feedback)
	}
	return b.String()
}

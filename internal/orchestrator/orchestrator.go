// Package orchestrator is the top-level facade (spec.md §2's wiring
// diagram): it owns one instance of every component (C1-C8) and exposes
// the lifecycle operations a CLI or HTTP surface drives, grounded on the
// teacher's own composition root in cmd/goclaw/main.go (one Config, one
// Store, one Bus, wired into a single long-lived object the command
// layer calls into).
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/storyorchestrator/core/internal/bus"
	"github.com/storyorchestrator/core/internal/contextprovider"
	"github.com/storyorchestrator/core/internal/executor"
	"github.com/storyorchestrator/core/internal/gate"
	"github.com/storyorchestrator/core/internal/invoker"
	"github.com/storyorchestrator/core/internal/lifecycle"
	"github.com/storyorchestrator/core/internal/otelsetup"
	"github.com/storyorchestrator/core/internal/policy"
	"github.com/storyorchestrator/core/internal/scheduler"
	"github.com/storyorchestrator/core/internal/story"
	"github.com/storyorchestrator/core/internal/storystore"
	"github.com/storyorchestrator/core/internal/tools"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// Options configures the facade's construction. Zero-value fields fall
// back to sane, locally-runnable defaults (host shell executor, no
// tracing, no event bus fan-out).
type Options struct {
	Store     storystore.StoryStore
	Context   contextprovider.Provider
	Brain     invoker.Brain
	Policy    policy.Checker // nil allows every capability and path
	Worktrees lifecycle.WorktreeCoordinator
	Gate      gate.Runner
	Bus       *bus.Bus
	Tracer    trace.Tracer
	Logger    *slog.Logger
	GHToken   string

	// ExecutorPriority is the fallback order Executors.Resolve walks when
	// a step's preferredExecutor is unset or unavailable (spec.md §4.4).
	ExecutorPriority []string
	CLIBinary        string
	MCPConfigPath    string

	// ToolNames lists the ReAct tools the internal agent executor may call
	// (spec.md §4.4); nil uses defaultAgentToolNames.
	ToolNames []string

	// Sandbox, set true, runs every internal-agent step's shell tool in an
	// ephemeral Docker container bind-mounted at the step's worktree
	// instead of the host shell (spec.md §4.4's CLI executor already runs
	// out-of-process; this is the equivalent isolation for the agent path).
	Sandbox        bool
	SandboxImage   string
	SandboxMemoryMB int64
	SandboxNetwork string
}

// defaultAgentToolNames are the worktree-scoped tools internal/tools
// exposes to the ReAct loop: a sandboxed shell plus file read/write/list.
var defaultAgentToolNames = []string{"shell", "read_file", "write_file", "edit_file", "list_directory"}

// Orchestrator wires C1-C8 into the operations a caller drives: create a
// story, analyze/plan/decompose it, run its waves, and finalize it.
type Orchestrator struct {
	Store      storystore.StoryStore
	Worktrees  lifecycle.WorktreeCoordinator
	Controller *lifecycle.Controller
	Scheduler  *scheduler.Scheduler
	Executors  *executor.Registry
	Logger     *slog.Logger
}

// New assembles an Orchestrator from Options, registering the built-in
// CLI and agent executors (spec.md §4.4) under the ids "cli" and
// "agent" so ExecutorPriority can reference them by name.
func New(opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	reg := executor.NewRegistry(opts.ExecutorPriority)
	if opts.CLIBinary != "" {
		reg.Register(executor.NewCLIExecutor("cli", opts.CLIBinary, opts.GHToken, opts.MCPConfigPath))
	}
	if opts.Brain != nil {
		toolNames := opts.ToolNames
		if toolNames == nil {
			toolNames = defaultAgentToolNames
		}
		agentExec := executor.NewAgentExecutor("agent", opts.Brain, opts.Context, toolNames)
		agentExec.Policy = opts.Policy
		agentExec.Logger = logger
		if opts.Sandbox {
			sandbox, err := tools.NewDockerSandbox(opts.SandboxImage, opts.SandboxMemoryMB, opts.SandboxNetwork)
			if err != nil {
				logger.Warn("docker sandbox unavailable; agent steps will run on the host shell", "error", err)
			} else {
				agentExec.Sandbox = sandbox
			}
		}
		reg.Register(agentExec)
	}

	gateRunner := opts.Gate
	if gateRunner == nil {
		gateRunner = gate.NewDefaultRunner()
	}

	tracer := opts.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otelsetup.TracerName)
	}

	// A nil *bus.Bus must be passed as an untyped nil, not a non-nil
	// publisher interface wrapping a nil pointer — the emitter's
	// `pub == nil` skip check would otherwise miss it and panic.
	var sched *scheduler.Scheduler
	if opts.Bus != nil {
		sched = scheduler.New(opts.Store, reg, gateRunner, opts.Bus, tracer, logger)
	} else {
		sched = scheduler.New(opts.Store, reg, gateRunner, nil, tracer, logger)
	}

	ctrl := &lifecycle.Controller{
		Store:     opts.Store,
		Context:   opts.Context,
		Planner:   opts.Brain,
		Worktrees: opts.Worktrees,
		Scheduler: sched,
		Logger:    logger,
		GHToken:   opts.GHToken,
	}

	return &Orchestrator{
		Store:      opts.Store,
		Worktrees:  opts.Worktrees,
		Controller: ctrl,
		Scheduler:  sched,
		Executors:  reg,
		Logger:     logger,
	}
}

// CreateStory persists a new story in `created` status and, when a
// Worktree Coordinator is configured, immediately allocates its isolated
// worktree (spec.md's overview data flow: "takes a user request, asks C2
// for a worktree"). A caller without git access (e.g. a dry-run CLI
// invocation) can omit Worktrees and call Analyze/Plan against the bare
// story; Run will then correctly refuse with InvalidState until a
// worktree is attached.
func (o *Orchestrator) CreateStory(ctx context.Context, title, description, repoPath string, mode story.AutomationMode) (*story.Story, error) {
	st := story.NewStory(uuid.NewString(), title, description, repoPath)
	if mode != "" {
		st.AutomationMode = mode
	}
	if err := o.Store.CreateStory(ctx, st); err != nil {
		return nil, fmt.Errorf("create story: %w", err)
	}

	if o.Worktrees != nil {
		baseBranch, err := o.Worktrees.CurrentBranch(ctx, repoPath)
		if err != nil {
			o.Logger.Warn("resolve base branch failed; squash/PR will fall back at finalize", "story_id", st.ID, "error", err)
		}
		path, branch, err := o.Worktrees.CreateWorktree(ctx, repoPath, title, baseBranch)
		if err != nil {
			o.Logger.Warn("worktree creation failed; story stays without a worktree", "story_id", st.ID, "error", err)
			return st, nil
		}
		if err := o.Store.UpdateStoryWorktree(ctx, st.ID, path, branch, baseBranch); err != nil {
			return nil, fmt.Errorf("persist worktree: %w", err)
		}
		st.WorktreePath = path
		st.BranchName = branch
		st.BaseBranch = baseBranch
	}
	return st, nil
}

// Analyze, Plan, Decompose, Run, ResetOrchestrator, Complete, and Cancel
// delegate straight to the Lifecycle Controller; the facade's only job
// above the controller is constructing the worktree at creation time.
func (o *Orchestrator) Analyze(ctx context.Context, storyID string) error { return o.Controller.Analyze(ctx, storyID) }
func (o *Orchestrator) Plan(ctx context.Context, storyID string) error   { return o.Controller.Plan(ctx, storyID) }
func (o *Orchestrator) Decompose(ctx context.Context, storyID string) error {
	return o.Controller.Decompose(ctx, storyID)
}
func (o *Orchestrator) Run(ctx context.Context, storyID string) (scheduler.EventStream, error) {
	return o.Controller.Run(ctx, storyID)
}
func (o *Orchestrator) ResetOrchestrator(ctx context.Context, storyID string) error {
	return o.Controller.ResetOrchestrator(ctx, storyID)
}
func (o *Orchestrator) Complete(ctx context.Context, storyID string) error {
	return o.Controller.Complete(ctx, storyID)
}
func (o *Orchestrator) Cancel(ctx context.Context, storyID string) error {
	return o.Controller.Cancel(ctx, storyID)
}

// ApproveStep, RejectStep, SkipStep, ResetStep, AddStep, RemoveStep,
// ChatWithStep, ReassignStep, and UpdateStepDescription are the step-level
// operations; expose them directly off the controller so the CLI layer
// doesn't need to reach into internal/lifecycle itself.
func (o *Orchestrator) StepController() *lifecycle.Controller { return o.Controller }

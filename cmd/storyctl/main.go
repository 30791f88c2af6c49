// Command storyctl is the CLI surface over internal/orchestrator, the
// story orchestrator's composition root. Its command-struct layout (one
// embedded struct per subcommand, each with a Run() error method, parsed
// by a single kong.Parse call in main) is grounded on
// cmd/capsule/main.go's CLI/RunCmd/CampaignCmd shape; the actual work
// each Run() does is all new, since capsule drives a fixed phase
// pipeline and storyctl drives a story's create/analyze/plan/run
// lifecycle instead.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/storyorchestrator/core/internal/bus"
	"github.com/storyorchestrator/core/internal/config"
	"github.com/storyorchestrator/core/internal/contextprovider"
	"github.com/storyorchestrator/core/internal/invoker"
	"github.com/storyorchestrator/core/internal/orchestrator"
	"github.com/storyorchestrator/core/internal/otelsetup"
	"github.com/storyorchestrator/core/internal/policy"
	"github.com/storyorchestrator/core/internal/progresstui"
	"github.com/storyorchestrator/core/internal/scheduler"
	"github.com/storyorchestrator/core/internal/story"
	"github.com/storyorchestrator/core/internal/storystore"
	"github.com/storyorchestrator/core/internal/worktree"
)

var version = "dev"

// CLI is the top-level command structure for storyctl.
type CLI struct {
	Version kong.VersionFlag `help:"Show version." short:"V"`

	Create      CreateCmd      `cmd:"" help:"Create a story and allocate its worktree."`
	Analyze     AnalyzeCmd     `cmd:"" help:"Analyze a story's repository context."`
	Plan        PlanCmd        `cmd:"" help:"Produce an execution plan for an analyzed story."`
	Decompose   DecomposeCmd   `cmd:"" help:"Decompose a story's plan into a step DAG."`
	Run         RunCmd         `cmd:"" help:"Run a decomposed story's waves to completion."`
	Approve     ApproveCmd     `cmd:"" help:"Approve a completed step awaiting review."`
	Reject      RejectCmd      `cmd:"" help:"Reject a completed step, sending it back for rework."`
	Cancel      CancelCmd      `cmd:"" help:"Cancel a story."`
	Complete    CompleteCmd    `cmd:"" help:"Finalize a story that is ready-to-complete."`
	Status      StatusCmd      `cmd:"" help:"Show a story's status and steps."`
	List        ListCmd        `cmd:"" help:"List stories, optionally filtered by status."`
}

// globalOpts are flags common to every subcommand that touches the store.
type globalOpts struct {
	DBPath string `help:"Path to the stories sqlite database." env:"STORYCTL_DB_PATH"`
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli, kong.Vars{"version": version})
	err := kctx.Run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	return 1
}

// openOrchestrator wires one Orchestrator the way orchestrator.New expects:
// a sqlite-backed StoryStore, a ranked-snippet context provider, a git
// worktree coordinator, and — when an LLM provider is configured — a
// genkit-backed Brain for the agent executor. The returned *policy.LivePolicy
// lets a long-running command (RunCmd) hot-reload policy.yaml via
// config.Watcher without restarting.
func openOrchestrator(ctx context.Context, dbPath string) (*orchestrator.Orchestrator, *storystore.Store, *policy.LivePolicy, error) {
	store, err := storystore.Open(dbPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open story store: %w", err)
	}

	cfg, err := config.Load()
	if err != nil {
		store.Close()
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}

	otelCfg := otelsetup.Config{Enabled: os.Getenv("STORYCTL_OTEL") != ""}
	prov, err := otelsetup.Init(ctx, otelCfg)
	if err != nil {
		store.Close()
		return nil, nil, nil, fmt.Errorf("init otel: %w", err)
	}

	policyPath := filepath.Join(cfg.HomeDir, "policy.yaml")
	initialPolicy, err := policy.Load(policyPath)
	if err != nil {
		store.Close()
		return nil, nil, nil, fmt.Errorf("load policy: %w", err)
	}
	livePolicy := policy.NewLivePolicy(initialPolicy, policyPath)

	provider := strings.ToLower(strings.TrimSpace(cfg.LLM.Provider))
	var brain invoker.Brain
	if apiKey := cfg.LLMProviderAPIKey(provider); apiKey != "" || provider == "google" {
		brain = invoker.NewGenkitBrain(ctx, invoker.BrainConfig{
			Provider: cfg.LLM.Provider,
			Model:    modelForProvider(cfg, provider),
			APIKey:   apiKey,
		})
	}

	o := orchestrator.New(orchestrator.Options{
		Store:            store,
		Context:          contextprovider.NewRanker(),
		Brain:            brain,
		Policy:           livePolicy,
		Worktrees:        &worktree.GitCoordinator{},
		Bus:              bus.New(),
		Tracer:           prov.Tracer,
		GHToken:          os.Getenv("GITHUB_TOKEN"),
		CLIBinary:        os.Getenv("STORYCTL_CLI_BINARY"),
		ExecutorPriority: cfg.ExecutorPriority,
		Sandbox:          cfg.Shell.Sandbox,
		SandboxImage:     cfg.Shell.SandboxImage,
		SandboxMemoryMB:  cfg.Shell.SandboxMemory,
		SandboxNetwork:   cfg.Shell.SandboxNetwork,
	})
	return o, store, livePolicy, nil
}

// modelForProvider picks the configured model field for whichever LLM
// provider is active; invoker.NewGenkitBrain falls back to its own
// provider-specific default when the result is empty.
func modelForProvider(cfg config.Config, provider string) string {
	switch provider {
	case "anthropic":
		return cfg.LLM.AnthropicModel
	case "openai", "openai_compatible":
		return cfg.LLM.OpenAIModel
	default:
		return cfg.LLM.GeminiModel
	}
}

// CreateCmd creates a new story from a repository path and title/description.
type CreateCmd struct {
	globalOpts
	RepoPath    string `arg:"" help:"Path to the repository the story will operate on."`
	Title       string `arg:"" help:"Short title for the story."`
	Description string `arg:"" help:"Free-text description of the work to do."`
	Mode        string `help:"Automation mode: assisted, autonomous, or full-autonomous." default:"assisted"`
}

func (c *CreateCmd) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	o, store, _, err := openOrchestrator(ctx, c.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	mode := story.AutomationMode(c.Mode)
	switch mode {
	case story.ModeAssisted, story.ModeAutonomous, story.ModeFullAutonomous:
	default:
		return fmt.Errorf("unknown automation mode %q", c.Mode)
	}

	st, err := o.CreateStory(ctx, c.Title, c.Description, c.RepoPath, mode)
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}
	fmt.Printf("created story %s (worktree: %s)\n", st.ID, orNone(st.WorktreePath))
	return nil
}

// AnalyzeCmd runs the analysis phase for an existing story.
type AnalyzeCmd struct {
	globalOpts
	StoryID string `arg:"" help:"Story ID to analyze."`
}

func (a *AnalyzeCmd) Run() error {
	return withOrchestrator(a.DBPath, func(ctx context.Context, o *orchestrator.Orchestrator) error {
		if err := o.Analyze(ctx, a.StoryID); err != nil {
			return fmt.Errorf("analyze: %w", err)
		}
		fmt.Printf("story %s analyzed\n", a.StoryID)
		return nil
	})
}

// PlanCmd runs the planning phase for an analyzed story.
type PlanCmd struct {
	globalOpts
	StoryID string `arg:"" help:"Story ID to plan."`
}

func (p *PlanCmd) Run() error {
	return withOrchestrator(p.DBPath, func(ctx context.Context, o *orchestrator.Orchestrator) error {
		if err := o.Plan(ctx, p.StoryID); err != nil {
			return fmt.Errorf("plan: %w", err)
		}
		fmt.Printf("story %s planned\n", p.StoryID)
		return nil
	})
}

// DecomposeCmd decomposes a planned story's plan into its step DAG.
type DecomposeCmd struct {
	globalOpts
	StoryID string `arg:"" help:"Story ID to decompose."`
}

func (d *DecomposeCmd) Run() error {
	return withOrchestrator(d.DBPath, func(ctx context.Context, o *orchestrator.Orchestrator) error {
		if err := o.Decompose(ctx, d.StoryID); err != nil {
			return fmt.Errorf("decompose: %w", err)
		}
		fmt.Printf("story %s decomposed\n", d.StoryID)
		return nil
	})
}

// RunCmd drives a decomposed story's waves to completion, showing a live
// progress view unless -no-tui is set.
type RunCmd struct {
	globalOpts
	StoryID string `arg:"" help:"Story ID to run."`
	NoTUI   bool   `help:"Print plain progress lines instead of the live view." default:"false"`
}

func (r *RunCmd) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	o, store, livePolicy, err := openOrchestrator(ctx, r.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	cfg, err := config.Load()
	if err == nil {
		watchForPolicyReload(ctx, cfg.HomeDir, livePolicy)
	}

	stream, err := o.Run(ctx, r.StoryID)
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}

	if r.NoTUI {
		return printEvents(stream)
	}
	return progresstui.Run(ctx, r.StoryID, stream)
}

// watchForPolicyReload starts a config.Watcher on homeDir and hot-reloads
// livePolicy whenever policy.yaml changes, for the lifetime of a long-running
// `storyctl run` (spec.md §4.6 "policy changes apply without a restart").
// Watcher startup failures are logged and otherwise ignored: a run proceeds
// fine with the policy it loaded at startup.
func watchForPolicyReload(ctx context.Context, homeDir string, livePolicy *policy.LivePolicy) {
	w := config.NewWatcher(homeDir, nil)
	if err := w.Start(ctx); err != nil {
		slog.Warn("policy watcher failed to start; policy.yaml changes require a restart", "error", err)
		return
	}
	go func() {
		for ev := range w.Events() {
			if filepath.Base(ev.Path) != "policy.yaml" {
				continue
			}
			if err := policy.ReloadFromFile(livePolicy, ev.Path); err != nil {
				slog.Warn("policy reload failed; keeping previous policy", "error", err)
				continue
			}
			slog.Info("policy reloaded", "path", ev.Path)
		}
	}()
}

// printEvents is the -no-tui fallback: one line per event, no bubbletea.
func printEvents(stream scheduler.EventStream) error {
	for ev := range stream {
		switch ev.Kind {
		case scheduler.EventStepCompleted, scheduler.EventStepFailed:
			fmt.Printf("[%s] step=%s %s\n", ev.Kind, ev.StepName, ev.ErrorText)
		case scheduler.EventWaveStarted:
			fmt.Printf("[%s] wave=%d/%d\n", ev.Kind, ev.Wave, ev.TotalWaves)
		case scheduler.EventFailed:
			fmt.Printf("[%s] %s\n", ev.Kind, ev.ErrorText)
			return fmt.Errorf("run failed: %s", ev.ErrorText)
		default:
			fmt.Printf("[%s]\n", ev.Kind)
		}
	}
	return nil
}

// ApproveCmd approves a completed step awaiting review.
type ApproveCmd struct {
	globalOpts
	StepID string `arg:"" help:"Step ID to approve."`
}

func (a *ApproveCmd) Run() error {
	return withOrchestrator(a.DBPath, func(ctx context.Context, o *orchestrator.Orchestrator) error {
		if err := o.StepController().ApproveStep(ctx, a.StepID); err != nil {
			return fmt.Errorf("approve: %w", err)
		}
		fmt.Printf("step %s approved\n", a.StepID)
		return nil
	})
}

// RejectCmd rejects a completed step, sending it back for rework.
type RejectCmd struct {
	globalOpts
	StepID   string `arg:"" help:"Step ID to reject."`
	Feedback string `arg:"" help:"Feedback describing what to fix."`
}

func (r *RejectCmd) Run() error {
	return withOrchestrator(r.DBPath, func(ctx context.Context, o *orchestrator.Orchestrator) error {
		if err := o.StepController().RejectStep(ctx, r.StepID, r.Feedback); err != nil {
			return fmt.Errorf("reject: %w", err)
		}
		fmt.Printf("step %s rejected\n", r.StepID)
		return nil
	})
}

// CancelCmd cancels a story.
type CancelCmd struct {
	globalOpts
	StoryID string `arg:"" help:"Story ID to cancel."`
}

func (c *CancelCmd) Run() error {
	return withOrchestrator(c.DBPath, func(ctx context.Context, o *orchestrator.Orchestrator) error {
		if err := o.Cancel(ctx, c.StoryID); err != nil {
			return fmt.Errorf("cancel: %w", err)
		}
		fmt.Printf("story %s cancelled\n", c.StoryID)
		return nil
	})
}

// CompleteCmd finalizes a story that has reached ready-to-complete.
type CompleteCmd struct {
	globalOpts
	StoryID string `arg:"" help:"Story ID to complete."`
}

func (c *CompleteCmd) Run() error {
	return withOrchestrator(c.DBPath, func(ctx context.Context, o *orchestrator.Orchestrator) error {
		if err := o.Complete(ctx, c.StoryID); err != nil {
			return fmt.Errorf("complete: %w", err)
		}
		fmt.Printf("story %s completed\n", c.StoryID)
		return nil
	})
}

// StatusCmd prints a story's current status and steps.
type StatusCmd struct {
	globalOpts
	StoryID string `arg:"" help:"Story ID to inspect."`
}

func (s *StatusCmd) Run() error {
	return withOrchestrator(s.DBPath, func(ctx context.Context, o *orchestrator.Orchestrator) error {
		st, err := o.Store.GetStory(ctx, s.StoryID)
		if err != nil {
			return fmt.Errorf("status: %w", err)
		}
		fmt.Printf("%s  %-20s  status=%s  wave=%s  mode=%s\n", st.ID, st.Title, st.Status, waveLabel(st), st.AutomationMode)

		steps, err := o.Store.ListSteps(ctx, s.StoryID)
		if err != nil {
			return fmt.Errorf("status: list steps: %w", err)
		}
		for _, step := range steps {
			fmt.Printf("  [%d] wave=%d %-30s %-10s approval=%s\n", step.Order, step.Wave, step.Name, step.Status, step.Approval)
		}
		return nil
	})
}

func waveLabel(st *story.Story) string {
	if st.CurrentWave == 0 {
		return "-"
	}
	return fmt.Sprintf("%d", st.CurrentWave)
}

// ListCmd lists stories, optionally filtered by status.
type ListCmd struct {
	globalOpts
	Status string `help:"Filter by status (e.g. executing, completed)."`
	Repo   string `help:"Filter by repository path."`
}

func (l *ListCmd) Run() error {
	return withOrchestrator(l.DBPath, func(ctx context.Context, o *orchestrator.Orchestrator) error {
		var statusFilter *story.Status
		if l.Status != "" {
			s := story.Status(l.Status)
			statusFilter = &s
		}
		stories, err := o.Store.ListStories(ctx, statusFilter, l.Repo)
		if err != nil {
			return fmt.Errorf("list: %w", err)
		}
		if len(stories) == 0 {
			fmt.Println("no stories found")
			return nil
		}
		for _, st := range stories {
			fmt.Printf("%s  %-20s  %s\n", st.ID, st.Title, st.Status)
		}
		return nil
	})
}

// withOrchestrator opens the store/orchestrator, runs fn, and always closes
// the store — the shape every subcommand but Create/Run (which need the
// context alive past their own body) shares.
func withOrchestrator(dbPath string, fn func(ctx context.Context, o *orchestrator.Orchestrator) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	o, store, _, err := openOrchestrator(ctx, dbPath)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(ctx, o)
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

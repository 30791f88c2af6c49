package main

import (
	"testing"

	"github.com/storyorchestrator/core/internal/config"
	"github.com/storyorchestrator/core/internal/scheduler"
	"github.com/storyorchestrator/core/internal/story"
)

func TestModelForProvider(t *testing.T) {
	cfg := config.Config{LLM: config.LLMProviderConfig{
		GeminiModel:    "gemini-2.0-flash",
		AnthropicModel: "claude-sonnet",
		OpenAIModel:    "gpt-4o",
	}}

	cases := map[string]string{
		"anthropic":         "claude-sonnet",
		"openai":            "gpt-4o",
		"openai_compatible": "gpt-4o",
		"google":            "gemini-2.0-flash",
		"":                  "gemini-2.0-flash",
	}
	for provider, want := range cases {
		if got := modelForProvider(cfg, provider); got != want {
			t.Errorf("modelForProvider(%q) = %q, want %q", provider, got, want)
		}
	}
}

func TestWaveLabel(t *testing.T) {
	st := &story.Story{CurrentWave: 0}
	if got := waveLabel(st); got != "-" {
		t.Errorf("expected '-' for wave 0, got %q", got)
	}
	st.CurrentWave = 3
	if got := waveLabel(st); got != "3" {
		t.Errorf("expected '3', got %q", got)
	}
}

func TestOrNone(t *testing.T) {
	if orNone("") != "(none)" {
		t.Errorf("expected (none) for empty string")
	}
	if orNone("/tmp/x") != "/tmp/x" {
		t.Errorf("expected passthrough for non-empty string")
	}
}

func TestExitCode(t *testing.T) {
	if exitCode(nil) != 0 {
		t.Errorf("expected 0 for nil error")
	}
	if exitCode(errBoom) != 1 {
		t.Errorf("expected 1 for a non-nil error")
	}
}

var errBoom = errTest("boom")

type errTest string

func (e errTest) Error() string { return string(e) }

func TestPrintEvents_ReturnsErrorOnRunFailed(t *testing.T) {
	ch := make(chan scheduler.ProgressEvent, 2)
	ch <- scheduler.ProgressEvent{Kind: scheduler.EventWaveStarted, Wave: 1, TotalWaves: 2}
	ch <- scheduler.ProgressEvent{Kind: scheduler.EventFailed, ErrorText: "gate failed"}
	close(ch)

	err := printEvents(scheduler.EventStream(ch))
	if err == nil {
		t.Fatal("expected an error when the stream emits a failed event")
	}
}

func TestPrintEvents_DrainsCleanlyOnSuccess(t *testing.T) {
	ch := make(chan scheduler.ProgressEvent, 2)
	ch <- scheduler.ProgressEvent{Kind: scheduler.EventStepCompleted, StepName: "write tests"}
	ch <- scheduler.ProgressEvent{Kind: scheduler.EventReadyToComplete}
	close(ch)

	if err := printEvents(scheduler.EventStream(ch)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

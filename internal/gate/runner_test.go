package gate

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestRunCommand_CapturesOutputAndExitStatus(t *testing.T) {
	out, cancelled, err := runCommand(context.Background(), t.TempDir(), "echo hello; exit 1")
	if cancelled {
		t.Fatal("did not expect cancellation")
	}
	if err == nil {
		t.Fatal("expected non-nil error for exit 1")
	}
	if !strings.Contains(out, "hello") {
		t.Fatalf("expected output to contain hello, got %q", out)
	}
}

func TestRunCommand_KillsProcessTreeOnCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, cancelled, err := runCommand(ctx, t.TempDir(), "sleep 5")
	elapsed := time.Since(start)

	if !cancelled {
		t.Fatal("expected cancellation")
	}
	if err == nil {
		t.Fatal("expected context error")
	}
	if elapsed > 2*time.Second {
		t.Fatalf("expected prompt kill, took %s", elapsed)
	}
}

func TestRunBuildGate_ReportsCancellation(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir+"/go.mod", "module example\n")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := NewDefaultRunner()
	result, err := r.RunBuildGate(ctx, dir, 1)
	if err != nil {
		t.Fatalf("RunBuildGate returned error instead of a cancelled result: %v", err)
	}
	if !result.WasCancelled {
		t.Fatalf("expected WasCancelled true, got %+v", result)
	}
}

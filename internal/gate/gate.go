// Package gate is the Quality Gate Runner (component C5): it detects a
// worktree's toolchain, runs its build/test commands, and reports a
// structured pass/fail result, killing the entire process tree on
// cancellation rather than leaving orphaned child processes behind.
package gate

import "context"

// Result is the structured outcome of a gate run (spec.md §4.5).
type Result struct {
	Passed       bool
	Type         GateType
	AfterWave    int
	BuildOutput  string
	TestOutput   string
	PassedTests  int
	FailedTests  int
	Error        string
	WasCancelled bool
}

type GateType string

const (
	GateBuild GateType = "build"
	GateTest  GateType = "test"
	GateFull  GateType = "full"
)

// Runner is the contract the scheduler drives the gate through.
type Runner interface {
	RunBuildGate(ctx context.Context, worktreePath string, afterWave int) (*Result, error)
	RunTestGate(ctx context.Context, worktreePath string, afterWave int) (*Result, error)
	RunFullGate(ctx context.Context, worktreePath string, afterWave int) (*Result, error)
}

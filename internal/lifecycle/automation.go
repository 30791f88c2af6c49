package lifecycle

import (
	"github.com/storyorchestrator/core/internal/audit"
	"github.com/storyorchestrator/core/internal/story"
)

// AutomationPolicyVersion is recorded alongside every auto-run decision so
// a later change to the safe-capability set is visible in the audit trail.
const AutomationPolicyVersion = "lifecycle-automation-v1"

// safeCapabilities are the step capabilities `autonomous` mode auto-runs
// without a human approval gate. Not spelled out in the glossary
// ("autonomous (safe capabilities auto-run)") — see DESIGN.md's Open
// Question decisions for the reasoning: read-only/advisory work
// (analysis, review, documentation, testing against the worktree) can't
// corrupt a story's source tree on its own, so it auto-runs; work that
// mutates production code (coding, fixing) still waits for a human in
// `autonomous` mode and only auto-runs under `full-autonomous`.
var safeCapabilities = map[story.Capability]struct{}{
	story.CapabilityAnalysis:      {},
	story.CapabilityReview:        {},
	story.CapabilityDocumentation: {},
	story.CapabilityTesting:       {},
}

// AutoRuns reports whether a step of the given capability should execute
// without waiting for approveStep, under the story's automation mode
// (spec.md GLOSSARY: assisted/autonomous/full-autonomous), and records the
// decision to the audit log.
func AutoRuns(mode story.AutomationMode, capability story.Capability, stepID string) bool {
	var allow bool
	switch mode {
	case story.ModeFullAutonomous:
		allow = true
	case story.ModeAutonomous:
		_, allow = safeCapabilities[capability]
	default: // ModeAssisted, or unset
		allow = false
	}

	decision := "deny"
	if allow {
		decision = "allow"
	}
	audit.Record(decision, string(capability), "automation mode "+string(mode), AutomationPolicyVersion, stepID)
	return allow
}

// Package storyerr defines the orchestrator's closed set of error kinds
// (spec.md §7), in the same errors.Is-friendly sentinel style the teacher
// uses for its LLM ErrorClass values (internal/engine/errors.go).
package storyerr

import (
	"errors"
	"strings"
)

// Sentinel error kinds. Wrap with fmt.Errorf("...: %w", Kind) to attach
// detail while keeping errors.Is(err, storyerr.NotFound) working.
var (
	NotFound           = errors.New("not found")
	InvalidState       = errors.New("invalid state")
	Validation         = errors.New("validation")
	ExecutorUnavailable = errors.New("executor unavailable")
	SubprocessFailure  = errors.New("subprocess failure")
	Timeout            = errors.New("timeout")
	Cancelled          = errors.New("cancelled")
	StoreUnavailable   = errors.New("store unavailable")
	ConflictingUpdate  = errors.New("conflicting update")
	ParseError         = errors.New("parse error")
)

// ClassifyStepError inspects a step-execution error's message and returns
// the sentinel kind it corresponds to, so callers can decide persisted
// step.Error text and story-recoverability without a type switch over every
// possible executor/subprocess error type. Mirrors the substring-matching
// idiom of the teacher's engine.ClassifyError.
func ClassifyStepError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, Timeout) || errors.Is(err, Cancelled) ||
		errors.Is(err, SubprocessFailure) || errors.Is(err, ExecutorUnavailable) {
		return err
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "deadline exceeded") || strings.Contains(msg, "timed out") || strings.Contains(msg, "timeout"):
		return Timeout
	case strings.Contains(msg, "context canceled") || strings.Contains(msg, "cancelled") || strings.Contains(msg, "canceled"):
		return Cancelled
	case strings.Contains(msg, "exit status") || strings.Contains(msg, "exit code"):
		return SubprocessFailure
	default:
		return err
	}
}

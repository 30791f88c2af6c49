// Package invoker provides the default AgentInvoker: a ReAct-style
// (Thought/Action/Observation) agent loop backed by a genkit Brain,
// grounded on the teacher's internal/engine LoopRunner and Brain
// abstractions, repointed from a long-lived chat session onto a single
// bounded step invocation.
package invoker

import "context"

// Brain is the minimal LLM abstraction the loop drives. Mirrors the
// teacher's engine.Brain shape (Respond/Stream) without the chat-session,
// skill-loading, and WASM-host machinery that abstraction also carries.
type Brain interface {
	Respond(ctx context.Context, sessionID, prompt string) (string, error)
}

// Invocation is one request to run an agent against a step.
type Invocation struct {
	AgentID    string
	Capability string
	Language   string
	Prompt     string
	ToolNames  []string // non-empty enables the ReAct loop; empty is a single Respond call
}

// Result is what the loop or single-shot call produced.
type Result struct {
	Content    string
	TokensUsed int
	Steps      int
	DurationMs int64
}

// AgentInvoker is the contract the internal-agent executor uses to drive
// a capability-resolved agent against a step (spec.md §4.4).
type AgentInvoker interface {
	Invoke(ctx context.Context, inv Invocation) (*Result, error)
}

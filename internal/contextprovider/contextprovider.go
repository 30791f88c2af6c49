// Package contextprovider is the default ContextProvider implementation
// (component C3): it turns a set of free-text queries into a ranked,
// de-duplicated snippet bundle plus a project-structure summary, for
// injection into agent prompts.
package contextprovider

import "context"

// Query is one text query against a source root, with an optional
// file-path hint that boosts matching files' scores.
type Query struct {
	Text           string
	PrioritizeFile string
}

// Snippet is one scored, de-duplicated chunk of source returned by Gather.
type Snippet struct {
	ContentID  string
	ChunkIndex int
	Path       string
	Text       string
	Score      float64
}

// Provider is the contract consumed by the lifecycle controller and
// executors (spec.md §4.3).
type Provider interface {
	// Gather returns an opaque prompt-context string combining a
	// project-structure summary and up to N score-ranked snippets above
	// minScore.
	Gather(ctx context.Context, rootPath string, queries []Query, minScore float64, topN int) (string, error)

	// ForCoding boosts code file types; ForDocumentation boosts prose.
	ForCoding(ctx context.Context, rootPath string, queries []string, prioritizeFiles []string) (string, error)
	ForDocumentation(ctx context.Context, rootPath string, queries []string, prioritizeFiles []string) (string, error)
}

// Minimum score thresholds from spec.md §4.3.
const (
	MinScoreStepExecution = 0.35
	MinScoreAnalysis      = 0.30
	DefaultTopN           = 20
)

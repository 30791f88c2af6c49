package contextprovider

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

const chunkLines = 40

var codeExtensions = map[string]struct{}{
	".go": {}, ".py": {}, ".js": {}, ".ts": {}, ".tsx": {}, ".jsx": {},
	".java": {}, ".cs": {}, ".rb": {}, ".rs": {}, ".c": {}, ".h": {}, ".cpp": {},
}

var proseExtensions = map[string]struct{}{
	".md": {}, ".txt": {}, ".rst": {}, ".adoc": {},
}

var skipDirs = map[string]struct{}{
	".git": {}, "node_modules": {}, "bin": {}, "obj": {}, "vendor": {}, ".vscode": {},
}

// fileReferencePattern extracts explicit file references (e.g.
// "internal/gate/runner.go") from free text, per spec.md §4.3.
var fileReferencePattern = regexp.MustCompile(`\b[\w./-]+\.(?:go|py|js|ts|tsx|jsx|java|cs|rb|rs|c|h|cpp|md|yaml|yml|json)\b`)

// Ranker is the default Provider: it chunks files under rootPath, scores
// chunks against each query with a term-overlap heuristic boosted by
// path/extension hints, and merges results keyed by (contentID,
// chunkIndex) keeping the max score, exactly as spec.md §4.3 describes.
type Ranker struct{}

func NewRanker() *Ranker { return &Ranker{} }

// extensionBoost is added to a chunk's score when its file extension is in
// boosted, per spec.md §4.3 (ForCoding boosts code files, ForDocumentation
// boosts prose). Chosen small enough that it breaks ties among
// near-equal-relevance chunks without overriding genuine term overlap.
const extensionBoost = 0.15

func (r *Ranker) Gather(ctx context.Context, rootPath string, queries []Query, minScore float64, topN int) (string, error) {
	return r.gather(ctx, rootPath, queries, minScore, topN, nil)
}

func (r *Ranker) gather(ctx context.Context, rootPath string, queries []Query, minScore float64, topN int, boosted map[string]struct{}) (string, error) {
	if topN <= 0 {
		topN = DefaultTopN
	}
	chunks, err := r.collectChunks(rootPath)
	if err != nil {
		return "", fmt.Errorf("collect chunks: %w", err)
	}

	merged := map[string]Snippet{}
	for _, q := range queries {
		terms := tokenize(q.Text)
		for _, c := range chunks {
			score := overlapScore(terms, c.tokens)
			if q.PrioritizeFile != "" && strings.Contains(c.path, q.PrioritizeFile) {
				score += 0.25
			}
			if _, boost := boosted[strings.ToLower(filepath.Ext(c.path))]; boost {
				score += extensionBoost
			}
			if score < minScore {
				continue
			}
			key := fmt.Sprintf("%s#%d", c.contentID, c.chunkIndex)
			if existing, ok := merged[key]; !ok || score > existing.Score {
				merged[key] = Snippet{
					ContentID:  c.contentID,
					ChunkIndex: c.chunkIndex,
					Path:       c.path,
					Text:       c.text,
					Score:      score,
				}
			}
		}
	}

	ranked := make([]Snippet, 0, len(merged))
	for _, s := range merged {
		ranked = append(ranked, s)
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })
	if len(ranked) > topN {
		ranked = ranked[:topN]
	}

	return r.render(rootPath, ranked), nil
}

func (r *Ranker) ForCoding(ctx context.Context, rootPath string, queries []string, prioritizeFiles []string) (string, error) {
	return r.gatherWithBoost(ctx, rootPath, queries, prioritizeFiles, MinScoreStepExecution, codeExtensions)
}

func (r *Ranker) ForDocumentation(ctx context.Context, rootPath string, queries []string, prioritizeFiles []string) (string, error) {
	return r.gatherWithBoost(ctx, rootPath, queries, prioritizeFiles, MinScoreAnalysis, proseExtensions)
}

func (r *Ranker) gatherWithBoost(ctx context.Context, rootPath string, queryTexts []string, prioritizeFiles []string, minScore float64, boosted map[string]struct{}) (string, error) {
	var queries []Query
	for _, q := range queryTexts {
		qq := Query{Text: q}
		for _, f := range ExtractFileReferences(q) {
			qq.PrioritizeFile = f
			break
		}
		queries = append(queries, qq)
	}
	for _, f := range prioritizeFiles {
		queries = append(queries, Query{Text: filepath.Base(f), PrioritizeFile: f})
	}
	return r.gather(ctx, rootPath, queries, minScore, DefaultTopN, boosted)
}

type fileChunk struct {
	contentID  string
	chunkIndex int
	path       string
	text       string
	tokens     map[string]int
}

func (r *Ranker) collectChunks(rootPath string) ([]fileChunk, error) {
	var chunks []fileChunk
	err := filepath.Walk(rootPath, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // best-effort: skip unreadable entries
		}
		if info.IsDir() {
			if _, skip := skipDirs[info.Name()]; skip {
				return filepath.SkipDir
			}
			return nil
		}
		ext := strings.ToLower(filepath.Ext(p))
		_, isCode := codeExtensions[ext]
		_, isProse := proseExtensions[ext]
		if !isCode && !isProse {
			return nil
		}
		data, readErr := os.ReadFile(p)
		if readErr != nil {
			return nil
		}
		rel, _ := filepath.Rel(rootPath, p)
		lines := strings.Split(string(data), "\n")
		for i := 0; i < len(lines); i += chunkLines {
			end := i + chunkLines
			if end > len(lines) {
				end = len(lines)
			}
			text := strings.Join(lines[i:end], "\n")
			chunks = append(chunks, fileChunk{
				contentID:  rel,
				chunkIndex: i / chunkLines,
				path:       rel,
				text:       text,
				tokens:     tokenize(text),
			})
		}
		return nil
	})
	return chunks, err
}

func tokenize(s string) map[string]int {
	out := map[string]int{}
	for _, f := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	}) {
		if len(f) < 2 {
			continue
		}
		out[f]++
	}
	return out
}

// overlapScore is a simple term-frequency overlap heuristic: the fraction
// of query terms present in the chunk, weighted by chunk-side frequency.
func overlapScore(query, chunk map[string]int) float64 {
	if len(query) == 0 {
		return 0
	}
	var hits float64
	for term := range query {
		if n, ok := chunk[term]; ok {
			hits += 1 + minFloat(float64(n)/10, 0.5)
		}
	}
	return hits / float64(len(query))
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func (r *Ranker) render(rootPath string, snippets []Snippet) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Project: %s\n\n", filepath.Base(rootPath))
	for _, s := range snippets {
		fmt.Fprintf(&b, "## %s (chunk %d, score %.2f)\n```\n%s\n```\n\n", s.Path, s.ChunkIndex, s.Score, s.Text)
	}
	return b.String()
}

// ExtractFileReferences pulls explicit file paths out of free text (step
// name/description) so the core can pass them as prioritizeFiles.
func ExtractFileReferences(text string) []string {
	return fileReferencePattern.FindAllString(text, -1)
}

package tools

import (
	"fmt"
	"path/filepath"

	"github.com/storyorchestrator/core/internal/policy"
)

const (
	maxReadBytes   = 100 * 1024 // 100KB
	maxListEntries = 200
)

// ReadFileInput is the input for the read_file tool.
type ReadFileInput struct {
	Path string `json:"path"`
}

// ReadFileOutput is the output for the read_file tool.
type ReadFileOutput struct {
	Content string `json:"content"`
	Size    int64  `json:"size"`
}

// WriteFileInput is the input for the write_file tool.
type WriteFileInput struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// WriteFileOutput is the output for the write_file tool.
type WriteFileOutput struct {
	Written bool   `json:"written"`
	Path    string `json:"path"`
	Size    int    `json:"size"`
}

// ListDirectoryInput is the input for the list_directory tool.
type ListDirectoryInput struct {
	Path string `json:"path"`
}

// DirEntry represents a single directory entry.
type DirEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size"`
}

// ListDirectoryOutput is the output for the list_directory tool.
type ListDirectoryOutput struct {
	Entries []DirEntry `json:"entries"`
	Path    string     `json:"path"`
}

// EditFileInput is the input for the edit_file tool.
type EditFileInput struct {
	Path    string `json:"path"`
	OldText string `json:"old_text"`
	NewText string `json:"new_text"`
}

// EditFileOutput is the output for the edit_file tool.
type EditFileOutput struct {
	Edited bool   `json:"edited"`
	Path   string `json:"path"`
}

// isPathAllowed checks that the resolved path is safe (no traversal out of allowed dirs).
func isPathAllowed(rawPath string) (string, error) {
	if rawPath == "" {
		return "", fmt.Errorf("empty path")
	}
	resolved, err := filepath.Abs(rawPath)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	// Resolve symlinks to prevent symlink-based traversal.
	evaluated, err := filepath.EvalSymlinks(filepath.Dir(resolved))
	if err != nil {
		// Parent dir doesn't exist yet — that's OK for write_file.
		evaluated = filepath.Dir(resolved)
	}
	resolved = filepath.Join(evaluated, filepath.Base(resolved))
	return resolved, nil
}

func policyVersion(pol policy.Checker) string {
	if pol != nil {
		return pol.PolicyVersion()
	}
	return ""
}

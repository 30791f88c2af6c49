package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/storyorchestrator/core/internal/audit"
	"github.com/storyorchestrator/core/internal/policy"
	"github.com/storyorchestrator/core/internal/shared"
)

// StepToolExecutor implements invoker.ToolExecutor's Execute(name, args)
// contract, so a step's ReAct loop can shell out and touch its worktree:
// shell runs a sandboxed command, read_file/write_file/edit_file/
// list_directory are the coding-step file primitives.
type StepToolExecutor struct {
	Shell      Executor
	Policy     policy.Checker
	WorkingDir string // defaults new shell calls' working_dir when unset
}

func NewStepToolExecutor(shell Executor, pol policy.Checker, workingDir string) *StepToolExecutor {
	if shell == nil {
		shell = &HostExecutor{}
	}
	return &StepToolExecutor{Shell: shell, Policy: pol, WorkingDir: workingDir}
}

// Execute dispatches a ReAct "Action: name(args)" call, where args is the
// raw text between the parentheses. Shell actions take args verbatim as
// the command; file actions expect a single JSON object argument.
func (e *StepToolExecutor) Execute(ctx context.Context, name, args string) (string, error) {
	switch name {
	case "shell", "exec":
		return e.shell(ctx, args)
	case "read_file":
		return e.readFile(args)
	case "write_file":
		return e.writeFile(args)
	case "edit_file":
		return e.editFile(args)
	case "list_directory":
		return e.listDirectory(args)
	default:
		return "", fmt.Errorf("unknown tool %q", name)
	}
}

func (e *StepToolExecutor) allow(capability string) error {
	if e.Policy == nil {
		return nil
	}
	if !e.Policy.AllowCapability(capability) {
		audit.Record("deny", capability, "missing_capability", e.Policy.PolicyVersion(), "")
		return fmt.Errorf("policy denied capability %q", capability)
	}
	return nil
}

func (e *StepToolExecutor) allowPath(capability, resolved string) error {
	if e.Policy == nil {
		return nil
	}
	if !e.Policy.AllowPath(resolved) {
		audit.Record("deny", capability, "path_denied", e.Policy.PolicyVersion(), resolved)
		return fmt.Errorf("policy denied path %q", resolved)
	}
	return nil
}

func (e *StepToolExecutor) shell(ctx context.Context, command string) (string, error) {
	if err := e.allow("tools.exec"); err != nil {
		return "", err
	}
	for _, op := range []string{";", "$(", "`"} {
		if strings.Contains(command, op) {
			return "", fmt.Errorf("command contains disallowed operator %q", op)
		}
	}
	for _, seg := range splitCommandSegments(command) {
		for _, tok := range strings.Fields(strings.TrimSpace(seg)) {
			if _, blocked := denyList[tok]; blocked {
				return "", fmt.Errorf("command %q is on the deny list", tok)
			}
		}
	}
	stdout, stderr, exitCode, err := e.Shell.Exec(ctx, command, e.WorkingDir)
	if err != nil && exitCode == 0 {
		return "", fmt.Errorf("exec: %w", err)
	}
	out := shared.Redact(truncateOutput(stdout, maxShellOutput))
	errOut := shared.Redact(truncateOutput(stderr, maxShellOutput))
	return fmt.Sprintf("exit_code=%d\nstdout:\n%s\nstderr:\n%s", exitCode, out, errOut), nil
}

func (e *StepToolExecutor) readFile(argsJSON string) (string, error) {
	if err := e.allow("tools.read_file"); err != nil {
		return "", err
	}
	var in ReadFileInput
	if err := json.Unmarshal([]byte(argsJSON), &in); err != nil {
		return "", fmt.Errorf("read_file args: %w", err)
	}
	resolved, err := isPathAllowed(in.Path)
	if err != nil {
		return "", err
	}
	if err := e.allowPath("tools.read_file", resolved); err != nil {
		return "", err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", fmt.Errorf("stat: %w", err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("path is a directory, use list_directory instead")
	}
	if info.Size() > maxReadBytes {
		return "", fmt.Errorf("file too large: %d bytes (max %d)", info.Size(), maxReadBytes)
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return "", fmt.Errorf("read: %w", err)
	}
	return string(data), nil
}

func (e *StepToolExecutor) writeFile(argsJSON string) (string, error) {
	if err := e.allow("tools.write_file"); err != nil {
		return "", err
	}
	var in WriteFileInput
	if err := json.Unmarshal([]byte(argsJSON), &in); err != nil {
		return "", fmt.Errorf("write_file args: %w", err)
	}
	resolved, err := isPathAllowed(in.Path)
	if err != nil {
		return "", err
	}
	if err := e.allowPath("tools.write_file", resolved); err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return "", fmt.Errorf("mkdir: %w", err)
	}
	tmpFile := resolved + ".tmp"
	if err := os.WriteFile(tmpFile, []byte(in.Content), 0o644); err != nil {
		return "", fmt.Errorf("write temp: %w", err)
	}
	if err := os.Rename(tmpFile, resolved); err != nil {
		_ = os.Remove(tmpFile)
		return "", fmt.Errorf("rename: %w", err)
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(in.Content), resolved), nil
}

func (e *StepToolExecutor) editFile(argsJSON string) (string, error) {
	if err := e.allow("tools.write_file"); err != nil {
		return "", err
	}
	var in EditFileInput
	if err := json.Unmarshal([]byte(argsJSON), &in); err != nil {
		return "", fmt.Errorf("edit_file args: %w", err)
	}
	resolved, err := isPathAllowed(in.Path)
	if err != nil {
		return "", err
	}
	if err := e.allowPath("tools.write_file", resolved); err != nil {
		return "", err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return "", fmt.Errorf("read: %w", err)
	}
	content := string(data)
	count := strings.Count(content, in.OldText)
	if count == 0 {
		return "", fmt.Errorf("old_text not found in file")
	}
	if count > 1 {
		return "", fmt.Errorf("old_text appears %d times (must be unique)", count)
	}
	newContent := strings.Replace(content, in.OldText, in.NewText, 1)
	tmpFile := resolved + ".tmp"
	if err := os.WriteFile(tmpFile, []byte(newContent), 0o644); err != nil {
		return "", fmt.Errorf("write temp: %w", err)
	}
	if err := os.Rename(tmpFile, resolved); err != nil {
		_ = os.Remove(tmpFile)
		return "", fmt.Errorf("rename: %w", err)
	}
	return fmt.Sprintf("edited %s", resolved), nil
}

func (e *StepToolExecutor) listDirectory(argsJSON string) (string, error) {
	if err := e.allow("tools.read_file"); err != nil {
		return "", err
	}
	var in ListDirectoryInput
	if err := json.Unmarshal([]byte(argsJSON), &in); err != nil {
		return "", fmt.Errorf("list_directory args: %w", err)
	}
	resolved, err := isPathAllowed(in.Path)
	if err != nil {
		return "", err
	}
	if err := e.allowPath("tools.read_file", resolved); err != nil {
		return "", err
	}
	entries, err := os.ReadDir(resolved)
	if err != nil {
		return "", fmt.Errorf("read dir: %w", err)
	}
	var b strings.Builder
	for i, ent := range entries {
		if i >= maxListEntries {
			break
		}
		info, _ := ent.Info()
		var size int64
		if info != nil {
			size = info.Size()
		}
		fmt.Fprintf(&b, "%s\tdir=%v\tsize=%d\n", ent.Name(), ent.IsDir(), size)
	}
	return b.String(), nil
}

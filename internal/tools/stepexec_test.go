package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type fakeShellExecutor struct {
	stdout   string
	stderr   string
	exitCode int
	err      error
}

func (f *fakeShellExecutor) Exec(ctx context.Context, cmd, workDir string) (string, string, int, error) {
	return f.stdout, f.stderr, f.exitCode, f.err
}

func TestStepToolExecutor_ShellRunsThroughShellExecutor(t *testing.T) {
	exec := NewStepToolExecutor(&fakeShellExecutor{stdout: "ok", exitCode: 0}, nil, "")
	out, err := exec.Execute(context.Background(), "shell", "echo hi")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(out, "exit_code=0") || !strings.Contains(out, "ok") {
		t.Fatalf("unexpected shell output: %q", out)
	}
}

func TestStepToolExecutor_ShellRejectsDenyListedCommand(t *testing.T) {
	exec := NewStepToolExecutor(&fakeShellExecutor{}, nil, "")
	if _, err := exec.Execute(context.Background(), "shell", "rm -rf /"); err == nil {
		t.Fatal("expected deny-list rejection")
	}
}

func TestStepToolExecutor_ShellRejectsInjectionOperators(t *testing.T) {
	exec := NewStepToolExecutor(&fakeShellExecutor{}, nil, "")
	if _, err := exec.Execute(context.Background(), "shell", "echo hi; rm -rf /"); err == nil {
		t.Fatal("expected injection-operator rejection")
	}
}

func TestStepToolExecutor_WriteThenReadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "note.txt")
	exec := NewStepToolExecutor(&fakeShellExecutor{}, nil, "")

	writeArgs, _ := json.Marshal(WriteFileInput{Path: path, Content: "hello world"})
	if _, err := exec.Execute(context.Background(), "write_file", string(writeArgs)); err != nil {
		t.Fatalf("write_file: %v", err)
	}

	readArgs, _ := json.Marshal(ReadFileInput{Path: path})
	out, err := exec.Execute(context.Background(), "read_file", string(readArgs))
	if err != nil {
		t.Fatalf("read_file: %v", err)
	}
	if out != "hello world" {
		t.Fatalf("got %q, want %q", out, "hello world")
	}
}

func TestStepToolExecutor_EditFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "note.txt")
	if err := os.WriteFile(path, []byte("hello world"), 0o644); err != nil {
		t.Fatal(err)
	}
	exec := NewStepToolExecutor(&fakeShellExecutor{}, nil, "")

	editArgs, _ := json.Marshal(EditFileInput{Path: path, OldText: "hello", NewText: "goodbye"})
	if _, err := exec.Execute(context.Background(), "edit_file", string(editArgs)); err != nil {
		t.Fatalf("edit_file: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "goodbye world" {
		t.Fatalf("got %q, want %q", string(data), "goodbye world")
	}
}

func TestStepToolExecutor_EditFileRejectsAmbiguousMatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "note.txt")
	if err := os.WriteFile(path, []byte("a a"), 0o644); err != nil {
		t.Fatal(err)
	}
	exec := NewStepToolExecutor(&fakeShellExecutor{}, nil, "")
	editArgs, _ := json.Marshal(EditFileInput{Path: path, OldText: "a", NewText: "b"})
	if _, err := exec.Execute(context.Background(), "edit_file", string(editArgs)); err == nil {
		t.Fatal("expected ambiguous-match rejection")
	}
}

func TestStepToolExecutor_ListDirectory(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	exec := NewStepToolExecutor(&fakeShellExecutor{}, nil, "")
	args, _ := json.Marshal(ListDirectoryInput{Path: dir})
	out, err := exec.Execute(context.Background(), "list_directory", string(args))
	if err != nil {
		t.Fatalf("list_directory: %v", err)
	}
	if !strings.Contains(out, "a.txt") {
		t.Fatalf("expected listing to include a.txt, got %q", out)
	}
}

func TestStepToolExecutor_UnknownTool(t *testing.T) {
	exec := NewStepToolExecutor(&fakeShellExecutor{}, nil, "")
	if _, err := exec.Execute(context.Background(), "nonexistent", ""); err == nil {
		t.Fatal("expected an error for an unknown tool")
	}
}


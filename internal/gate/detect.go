package gate

import (
	"os"
	"path/filepath"
)

// Toolchain is a detected (buildCommand, testCommand) pair for a
// worktree, per spec.md §4.5's marker-file probing.
type Toolchain struct {
	Name         string
	BuildCommand string
	TestCommand  string
	IsDotnet     bool
}

// markers is checked in order; the first match wins. Falls back to
// make build/make test when nothing matches.
var markers = []struct {
	glob      string
	toolchain Toolchain
}{
	{"*.sln", Toolchain{Name: "dotnet", BuildCommand: "dotnet build", TestCommand: "dotnet test", IsDotnet: true}},
	{"*.csproj", Toolchain{Name: "dotnet", BuildCommand: "dotnet build", TestCommand: "dotnet test", IsDotnet: true}},
	{"go.mod", Toolchain{Name: "go", BuildCommand: "go build ./...", TestCommand: "go test ./..."}},
	{"Cargo.toml", Toolchain{Name: "rust", BuildCommand: "cargo build", TestCommand: "cargo test"}},
	{"package.json", Toolchain{Name: "node", BuildCommand: "npm run build", TestCommand: "npm test"}},
	{"pyproject.toml", Toolchain{Name: "python", BuildCommand: "python -m py_compile .", TestCommand: "pytest"}},
	{"setup.py", Toolchain{Name: "python", BuildCommand: "python -m py_compile .", TestCommand: "pytest"}},
}

// DetectToolchain probes worktreePath for known marker files and returns
// the matching toolchain, falling back to make build/make test.
func DetectToolchain(worktreePath string) Toolchain {
	for _, m := range markers {
		matches, err := filepath.Glob(filepath.Join(worktreePath, m.glob))
		if err == nil && len(matches) > 0 {
			return m.toolchain
		}
	}
	if _, err := os.Stat(filepath.Join(worktreePath, "Makefile")); err == nil {
		return Toolchain{Name: "make", BuildCommand: "make build", TestCommand: "make test"}
	}
	return Toolchain{Name: "make", BuildCommand: "make build", TestCommand: "make test"}
}

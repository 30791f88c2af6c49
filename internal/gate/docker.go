package gate

import (
	"bytes"
	"context"
	"fmt"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// DockerRunner runs build/test commands inside an ephemeral container
// instead of directly on the host, grounded on tools.DockerSandbox.Exec,
// repointed at the two gate commands instead of an arbitrary shell tool
// call.
type DockerRunner struct {
	client      *client.Client
	image       string
	memoryMB    int64
	networkMode string
}

// NewDockerRunner creates a sandboxed gate runner. image defaults to
// "golang:alpine" and networkMode to "none" when empty.
func NewDockerRunner(image string, memoryMB int64, networkMode string) (*DockerRunner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if image == "" {
		image = "golang:alpine"
	}
	if memoryMB <= 0 {
		memoryMB = 1024
	}
	if networkMode == "" {
		networkMode = "none"
	}
	return &DockerRunner{client: cli, image: image, memoryMB: memoryMB * 1024 * 1024, networkMode: networkMode}, nil
}

func (d *DockerRunner) RunBuildGate(ctx context.Context, worktreePath string, afterWave int) (*Result, error) {
	normalizeLineEndings(worktreePath)
	tc := DetectToolchain(worktreePath)
	result := &Result{Type: GateBuild, AfterWave: afterWave}

	if tc.IsDotnet {
		out, cancelled, exitCode, err := d.exec(ctx, "dotnet restore", worktreePath)
		if cancelled {
			result.WasCancelled = true
			return result, nil
		}
		if err != nil || exitCode != 0 {
			result.BuildOutput = out
			result.Error = fmt.Sprintf("dotnet restore failed: %v", err)
			result.Passed = false
			return result, nil
		}
	}

	out, cancelled, exitCode, err := d.exec(ctx, tc.BuildCommand, worktreePath)
	result.BuildOutput = out
	if cancelled {
		result.WasCancelled = true
		return result, nil
	}
	if err != nil {
		result.Error = err.Error()
		return result, nil
	}
	result.Passed = exitCode == 0
	if !result.Passed {
		result.Error = fmt.Sprintf("build exited with status %d", exitCode)
	}
	return result, nil
}

func (d *DockerRunner) RunTestGate(ctx context.Context, worktreePath string, afterWave int) (*Result, error) {
	tc := DetectToolchain(worktreePath)
	out, cancelled, exitCode, err := d.exec(ctx, tc.TestCommand, worktreePath)
	result := &Result{Type: GateTest, AfterWave: afterWave, TestOutput: out, WasCancelled: cancelled}
	if cancelled {
		return result, nil
	}
	passed, failed := parseTestCounts(tc.Name, out)
	result.PassedTests, result.FailedTests = passed, failed
	if err != nil {
		result.Error = err.Error()
		return result, nil
	}
	result.Passed = exitCode == 0 && failed == 0
	if !result.Passed && result.Error == "" {
		result.Error = fmt.Sprintf("test exited with status %d", exitCode)
	}
	return result, nil
}

func (d *DockerRunner) RunFullGate(ctx context.Context, worktreePath string, afterWave int) (*Result, error) {
	build, err := d.RunBuildGate(ctx, worktreePath, afterWave)
	if err != nil {
		return nil, err
	}
	build.Type = GateFull
	if build.WasCancelled || !build.Passed {
		return build, nil
	}
	test, err := d.RunTestGate(ctx, worktreePath, afterWave)
	if err != nil {
		return nil, err
	}
	build.TestOutput = test.TestOutput
	build.PassedTests = test.PassedTests
	build.FailedTests = test.FailedTests
	build.WasCancelled = test.WasCancelled
	build.Passed = test.Passed
	if test.Error != "" {
		build.Error = test.Error
	}
	return build, nil
}

// exec runs cmd inside a fresh container bind-mounted at worktreePath,
// returning (combinedOutput, wasCancelled, exitCode, error).
func (d *DockerRunner) exec(ctx context.Context, cmd, worktreePath string) (string, bool, int, error) {
	resp, err := d.client.ContainerCreate(ctx, &container.Config{
		Image:      d.image,
		Cmd:        []string{"sh", "-c", cmd},
		WorkingDir: "/workspace",
		Tty:        false,
	}, &container.HostConfig{
		Resources:   container.Resources{Memory: d.memoryMB},
		NetworkMode: container.NetworkMode(d.networkMode),
		Binds:       []string{fmt.Sprintf("%s:/workspace", worktreePath)},
		AutoRemove:  true,
	}, nil, nil, "")
	if err != nil {
		return "", false, -1, fmt.Errorf("create container: %w", err)
	}
	containerID := resp.ID

	if err := d.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return "", false, -1, fmt.Errorf("start container: %w", err)
	}

	statusCh, errCh := d.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	var exitCode int
	select {
	case werr := <-errCh:
		return "", false, -1, fmt.Errorf("wait container: %w", werr)
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
	case <-ctx.Done():
		_ = d.client.ContainerKill(context.Background(), containerID, "SIGKILL")
		return "", true, -1, ctx.Err()
	}

	out, err := d.client.ContainerLogs(ctx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", false, exitCode, fmt.Errorf("get logs: %w", err)
	}
	defer out.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	_, _ = stdcopy.StdCopy(&stdoutBuf, &stderrBuf, out)
	return stdoutBuf.String() + stderrBuf.String(), false, exitCode, nil
}

// Close releases the underlying docker client.
func (d *DockerRunner) Close() error {
	return d.client.Close()
}

package build

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	dockerpkg "github.com/dyluth/convoy/internal/docker"
	"github.com/dyluth/convoy/internal/toolexec"
)

// containerWorkspace is where the source tree is mounted inside build containers
const containerWorkspace = "/workspace"

// DockerBuilder runs each platform's build in its own ephemeral container.
// The source tree is bind-mounted read-write at /workspace; each container
// writes its output below HandoffDir(OutputDir/{run_id}, platform) so neither
// siblings nor concurrent runs touch each other's files.
type DockerBuilder struct {
	Client       *client.Client
	InstanceName string
	Image        string
	Command      []string // Supports {triple}, {os}, {arch}, {linkage}, {output}
	Workspace    string   // Host path of the source tree
	OutputDir    string   // Relative to Workspace
	Collector    Collector
}

// Build creates, runs and removes the build container for one platform.
// Cancelling ctx kills the container immediately.
func (b *DockerBuilder) Build(ctx context.Context, task Task) (Bundle, error) {
	hostWorkspace, err := filepath.Abs(b.Workspace)
	if err != nil {
		return Bundle{}, fmt.Errorf("failed to resolve workspace: %w", err)
	}
	hostOut := HandoffDir(filepath.Join(hostWorkspace, b.OutputDir, task.RunID), task.Platform)
	if err := os.MkdirAll(hostOut, 0o755); err != nil {
		return Bundle{}, fmt.Errorf("failed to create output dir: %w", err)
	}
	containerOut := filepath.ToSlash(HandoffDir(filepath.Join(containerWorkspace, b.OutputDir, task.RunID), task.Platform))

	triple := task.Platform.Triple()
	name := dockerpkg.BuilderContainerName(b.InstanceName, task.RunID, triple)

	env := append([]string{}, task.Env...)
	env = append(env,
		fmt.Sprintf("%s=%s", EnvTarget, triple),
		fmt.Sprintf("%s=%s", EnvOutputDir, containerOut),
		fmt.Sprintf("%s=%s", EnvRunID, task.RunID),
	)

	containerConfig := &container.Config{
		Image:      b.Image,
		Cmd:        toolexec.Expand(b.Command, placeholders(task.Platform, containerOut)),
		Env:        env,
		WorkingDir: containerWorkspace,
		Labels:     dockerpkg.BuildLabels(b.InstanceName, task.RunID, triple, "builder"),
	}
	hostConfig := &container.HostConfig{
		AutoRemove: false, // Removed explicitly so logs can be read on failure
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: hostWorkspace,
			Target: containerWorkspace,
		}},
	}

	resp, err := b.Client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
	if err != nil {
		return Bundle{}, fmt.Errorf("failed to create build container: %w", err)
	}
	defer b.remove(resp.ID)

	if err := b.Client.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		return Bundle{}, fmt.Errorf("failed to start build container: %w", err)
	}
	log.Printf("[Build] %s: container %s started for %s", task.RunID, name, triple)

	statusCh, errCh := b.Client.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	select {
	case <-ctx.Done():
		return Bundle{}, fmt.Errorf("build for %s interrupted: %w", triple, context.Cause(ctx))
	case err := <-errCh:
		if ctx.Err() != nil {
			return Bundle{}, fmt.Errorf("build for %s interrupted: %w", triple, context.Cause(ctx))
		}
		return Bundle{}, fmt.Errorf("failed waiting for build container: %w", err)
	case status := <-statusCh:
		if status.Error != nil {
			return Bundle{}, fmt.Errorf("build container error: %s", status.Error.Message)
		}
		if status.StatusCode != 0 {
			logs := b.logs(resp.ID)
			return Bundle{}, fmt.Errorf("build container exited with code %d\n\nLogs:\n%s", status.StatusCode, logs)
		}
	}

	return b.Collector.Collect(task.Platform, hostOut)
}

// remove force-removes a container, killing it if it is still running.
// Uses a fresh context so cleanup also happens after cancellation.
func (b *DockerBuilder) remove(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := b.Client.ContainerRemove(ctx, containerID, types.ContainerRemoveOptions{Force: true}); err != nil {
		log.Printf("[Build] failed to remove container %s: %v", containerID, err)
	}
}

// logs returns the last 100 lines of a container's output.
func (b *DockerBuilder) logs(containerID string) string {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	reader, err := b.Client.ContainerLogs(ctx, containerID, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       "100",
	})
	if err != nil {
		return fmt.Sprintf("(failed to retrieve logs: %v)", err)
	}
	defer reader.Close()

	out, err := io.ReadAll(reader)
	if err != nil {
		return fmt.Sprintf("(failed to read logs: %v)", err)
	}
	return string(out)
}

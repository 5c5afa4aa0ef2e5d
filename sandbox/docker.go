// Package sandbox provides secure code execution capabilities.
//
// The DockerRuntime talks to the Docker Engine API directly. Each run
// creates one container, waits for it, collects its demultiplexed logs and
// removes it.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-units"
	"go.uber.org/zap"
)

// removeTimeout bounds container removal, which runs detached from the
// request context.
const removeTimeout = 30 * time.Second

// DockerRuntime implements Runtime using the Docker Engine API
type DockerRuntime struct {
	client *client.Client
	logger *zap.Logger
}

// NewDockerRuntime creates a DockerRuntime configured from the environment
// (DOCKER_HOST, DOCKER_API_VERSION, ...) with API version negotiation.
func NewDockerRuntime(logger *zap.Logger, opts ...client.Opt) (*DockerRuntime, error) {
	opts = append([]client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}, opts...)

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &DockerRuntime{
		client: cli,
		logger: logger,
	}, nil
}

// Ping checks that the daemon is reachable.
func (d *DockerRuntime) Ping(ctx context.Context) error {
	if _, err := d.client.Ping(ctx); err != nil {
		return fmt.Errorf("failed to connect to docker: %w", err)
	}
	return nil
}

// Close releases the underlying client.
func (d *DockerRuntime) Close() error {
	return d.client.Close()
}

// ImageExists reports whether name is in the local image cache
func (d *DockerRuntime) ImageExists(ctx context.Context, name string) (bool, error) {
	_, _, err := d.client.ImageInspectWithRaw(ctx, name)
	if err == nil {
		return true, nil
	}
	if client.IsErrNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to inspect image: %w", err)
}

// PullImage pulls name and waits for the pull to finish
func (d *DockerRuntime) PullImage(ctx context.Context, name string) error {
	reader, err := d.client.ImagePull(ctx, name, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	defer reader.Close()

	// errors such as an unknown tag arrive inside the progress stream
	if err := jsonmessage.DisplayJSONMessagesStream(reader, io.Discard, 0, false, nil); err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	return nil
}

// Run creates, starts and waits for a container described by spec
func (d *DockerRuntime) Run(ctx context.Context, spec RunSpec) ([]byte, error) {
	containerCfg, hostCfg, err := dockerConfigs(spec)
	if err != nil {
		return nil, err
	}

	resp, err := d.client.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	started := false
	defer func() {
		// a container that never started, or is abandoned when ctx ends,
		// is removed regardless of AutoRemove
		if spec.AutoRemove || !started || ctx.Err() != nil {
			d.remove(resp.ID)
		}
	}()

	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("failed to start container: %w", err)
	}
	started = true

	exitCode, err := d.wait(ctx, resp.ID)
	if err != nil {
		return nil, err
	}

	logs, err := d.client.ContainerLogs(ctx, resp.ID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read container logs: %w", err)
	}
	defer logs.Close()

	var combined, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&combined, io.MultiWriter(&combined, &stderr), logs); err != nil {
		return nil, fmt.Errorf("failed to demultiplex container logs: %w", err)
	}

	if exitCode != 0 {
		return nil, &ContainerError{ExitCode: exitCode, Stderr: stderr.Bytes()}
	}

	return combined.Bytes(), nil
}

func (d *DockerRuntime) wait(ctx context.Context, id string) (int, error) {
	statusCh, errCh := d.client.ContainerWait(ctx, id, container.WaitConditionNotRunning)

	select {
	case err := <-errCh:
		return 0, fmt.Errorf("failed waiting for container: %w", err)
	case status := <-statusCh:
		if status.Error != nil && status.Error.Message != "" {
			return 0, fmt.Errorf("failed waiting for container: %s", status.Error.Message)
		}
		return int(status.StatusCode), nil
	case <-ctx.Done():
		return 0, fmt.Errorf("failed waiting for container: %w", ctx.Err())
	}
}

func (d *DockerRuntime) remove(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), removeTimeout)
	defer cancel()

	if err := d.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		d.logger.Warn("failed to remove container", zap.String("container_id", id), zap.Error(err))
	}
}

// dockerConfigs translates spec into Engine API create parameters.
func dockerConfigs(spec RunSpec) (*container.Config, *container.HostConfig, error) {
	var memory int64
	if spec.MemoryLimit != "" {
		parsed, err := units.RAMInBytes(spec.MemoryLimit)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid memory limit %q: %w", spec.MemoryLimit, err)
		}
		memory = parsed
	}

	env := make([]string, 0, len(spec.Env))
	for key, value := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", key, value))
	}
	slices.Sort(env)

	containerCfg := &container.Config{
		Image:           spec.Image,
		Cmd:             spec.Command,
		Env:             env,
		AttachStdout:    true,
		AttachStderr:    true,
		NetworkDisabled: spec.NetworkDisabled,
	}

	hostCfg := &container.HostConfig{
		Binds: bindsFor(spec.Mounts),
		Resources: container.Resources{
			Memory:     memory,
			CpusetCpus: spec.CPUSet,
		},
	}
	if spec.NetworkDisabled {
		hostCfg.NetworkMode = "none"
	}

	return containerCfg, hostCfg, nil
}

// bindsFor renders mounts in "source:target[:ro]" bind notation, shared by
// the Engine API and the CLI backends.
func bindsFor(mounts []Mount) []string {
	binds := make([]string, 0, len(mounts))
	for _, m := range mounts {
		bind := m.Source + ":" + m.Target
		if m.ReadOnly {
			bind += ":ro"
		}
		binds = append(binds, bind)
	}
	return binds
}

// Package sandbox provides secure code execution capabilities.
//
// The CLIRuntime drives a docker-compatible command line (docker or podman)
// with the same run semantics as the Engine API backend.
package sandbox

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"go.uber.org/zap"
)

// cliRuntimeFailure is the exit status docker and podman use when the
// engine itself failed rather than the containerised program.
const cliRuntimeFailure = 125

// CLIRuntime implements Runtime by shelling out to a container CLI
type CLIRuntime struct {
	binary    string
	logger    *zap.Logger
	cmdRunner CommandRunner
}

// CLIRuntimeOption defines a functional option for CLIRuntime
type CLIRuntimeOption func(*CLIRuntime)

// WithCommandRunner sets the CommandRunner for CLIRuntime
func WithCommandRunner(cmdRunner CommandRunner) CLIRuntimeOption {
	return func(c *CLIRuntime) {
		c.cmdRunner = cmdRunner
	}
}

// NewCLIRuntime creates a CLIRuntime for binary ("docker" or "podman")
func NewCLIRuntime(logger *zap.Logger, binary string, opts ...CLIRuntimeOption) *CLIRuntime {
	runtime := &CLIRuntime{
		binary:    binary,
		logger:    logger,
		cmdRunner: &RealCommandRunner{}, // Default implementation
	}

	for _, opt := range opts {
		opt(runtime)
	}

	return runtime
}

// ImageExists reports whether name is in the local image cache
func (c *CLIRuntime) ImageExists(ctx context.Context, name string) (bool, error) {
	_, stderr, exitCode, err := c.cmdRunner.RunCommand(ctx, []string{c.binary, "image", "inspect", "--format", "{{.Id}}", name})
	if err != nil {
		return false, fmt.Errorf("failed to run %s: %w", c.binary, err)
	}
	if exitCode != 0 {
		c.logger.Debug("image not in local cache", zap.String("image", name), zap.String("stderr", strings.TrimSpace(stderr)))
		return false, nil
	}
	return true, nil
}

// PullImage pulls name
func (c *CLIRuntime) PullImage(ctx context.Context, name string) error {
	_, stderr, exitCode, err := c.cmdRunner.RunCommand(ctx, []string{c.binary, "pull", "--quiet", name})
	if err != nil {
		return fmt.Errorf("failed to run %s: %w", c.binary, err)
	}
	if exitCode != 0 {
		return fmt.Errorf("%s pull %s failed: %s", c.binary, name, strings.TrimSpace(stderr))
	}
	return nil
}

// Run executes spec with "<binary> run" and waits for it.
//
// The CLI hands back stdout and stderr as separate streams, so a successful
// run returns all of stdout followed by all of stderr rather than the
// interleaved order the Engine API backend preserves.
func (c *CLIRuntime) Run(ctx context.Context, spec RunSpec) ([]byte, error) {
	args := c.runArgs(spec)

	stdout, stderr, exitCode, err := c.cmdRunner.RunCommand(ctx, args)
	if err != nil {
		if ctx.Err() != nil {
			// killing the CLI client does not stop the container
			c.remove(spec.Name)
		}
		return nil, fmt.Errorf("failed to run %s: %w", c.binary, err)
	}

	switch exitCode {
	case 0:
		return []byte(stdout + stderr), nil
	case cliRuntimeFailure:
		return nil, fmt.Errorf("%s run failed: %s", c.binary, strings.TrimSpace(stderr))
	default:
		return nil, &ContainerError{ExitCode: exitCode, Stderr: []byte(stderr)}
	}
}

func (c *CLIRuntime) remove(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), removeTimeout)
	defer cancel()

	_, stderr, exitCode, err := c.cmdRunner.RunCommand(ctx, []string{c.binary, "rm", "-f", name})
	if err != nil || exitCode != 0 {
		c.logger.Warn("failed to remove container",
			zap.String("container", name),
			zap.Int("exit_code", exitCode),
			zap.String("stderr", strings.TrimSpace(stderr)),
			zap.Error(err))
	}
}

func (c *CLIRuntime) runArgs(spec RunSpec) []string {
	args := []string{c.binary, "run", "--name", spec.Name}

	if spec.AutoRemove {
		args = append(args, "--rm")
	}

	for _, bind := range bindsFor(spec.Mounts) {
		args = append(args, "-v", bind)
	}

	if spec.MemoryLimit != "" {
		args = append(args, "--memory", spec.MemoryLimit)
	}

	if spec.CPUSet != "" {
		args = append(args, "--cpuset-cpus", spec.CPUSet)
	}

	if spec.NetworkDisabled {
		args = append(args, "--network", "none")
	}

	keys := make([]string, 0, len(spec.Env))
	for key := range spec.Env {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	for _, key := range keys {
		args = append(args, "-e", fmt.Sprintf("%s=%s", key, spec.Env[key]))
	}

	args = append(args, spec.Image)
	return append(args, spec.Command...)
}

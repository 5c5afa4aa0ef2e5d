package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"
)

// ExecuteRequest represents the parameters for code execution
type ExecuteRequest struct {
	Language    string
	Version     string
	Code        string
	Stdin       string
	MemoryLimit string // docker notation, e.g. "128m"
	CPULimit    int
	TimeoutSec  int
}

// Outcome classifies how an execution ended. It is used for logs and
// metrics only; callers always receive the output text.
type Outcome string

// Outcome values
const (
	OutcomeSuccess      Outcome = "success"
	OutcomeTimeout      Outcome = "timeout"
	OutcomeProgramError Outcome = "program_error"
	OutcomeRuntimeFault Outcome = "runtime_fault"
)

// ExecuteResult represents the result of code execution
type ExecuteResult struct {
	ExecutionID string
	Output      string
	Outcome     Outcome
	Duration    time.Duration
}

// Executor defines the interface for sandbox execution
type Executor interface {
	Execute(ctx context.Context, req ExecuteRequest) (ExecuteResult, error)
}

// CommandRunner defines an interface for executing system commands
type CommandRunner interface {
	RunCommand(ctx context.Context, args []string) (stdout, stderr string, exitCode int, err error)
}

// RealCommandRunner implements CommandRunner using actual exec commands
type RealCommandRunner struct{}

// RunCommand executes the given command with arguments
func (RealCommandRunner) RunCommand(ctx context.Context, args []string) (stdout, stderr string, exitCode int, err error) {
	if len(args) < 1 {
		return "", "", 0, fmt.Errorf("no command provided")
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...) //nolint:gosec // binary comes from config, arguments are an argv list

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf
	// a killed CLI may leave children holding the output pipes
	cmd.WaitDelay = waitDelay

	err = cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return stdoutBuf.String(), stderrBuf.String(), 0, ctxErr
	}

	exitCode = 0
	if err != nil {
		var exitError *exec.ExitError
		if errors.As(err, &exitError) {
			exitCode = exitError.ExitCode()
		} else {
			return "", "", 0, err
		}
	}

	return stdoutBuf.String(), stderrBuf.String(), exitCode, nil
}

// FileSystem defines an interface for file system operations
type FileSystem interface {
	MkdirAll(path string, perm os.FileMode) error
	WriteFile(filename string, data []byte, perm os.FileMode) error
	Remove(path string) error
	RemoveAll(path string) error
}

// RealFileSystem implements FileSystem using actual file system operations
type RealFileSystem struct{}

func (RealFileSystem) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

func (RealFileSystem) WriteFile(filename string, data []byte, perm os.FileMode) error {
	return os.WriteFile(filename, data, perm)
}

func (RealFileSystem) Remove(path string) error {
	return os.Remove(path)
}

func (RealFileSystem) RemoveAll(path string) error {
	return os.RemoveAll(path)
}

// File permission constants. Staged files are only readable by the service
// user; the sandbox reads them through a bind mount as container root.
const (
	DirPermission      = 0700
	ArtifactPermission = 0600
)

// waitDelay bounds how long RunCommand waits for output pipes to close
// after the process is killed.
const waitDelay = 5 * time.Second

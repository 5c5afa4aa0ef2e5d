package sandbox

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/isdmx/execbox/config"
)

// Mount binds a host file into the sandbox.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// RunSpec describes one synchronous container run. Both stdout and stderr
// are always captured.
type RunSpec struct {
	Name            string
	Image           string
	Command         []string
	Env             map[string]string
	Mounts          []Mount
	MemoryLimit     string
	CPUSet          string // empty unless CPU pinning is enabled
	NetworkDisabled bool
	AutoRemove      bool
}

// Runtime is the container engine boundary. Implementations must be safe
// for concurrent use; one instance is shared by every execution.
type Runtime interface {
	ImageExists(ctx context.Context, name string) (bool, error)
	PullImage(ctx context.Context, name string) error
	// Run blocks until the container exits and returns its combined
	// stdout and stderr. A non-zero exit is reported as *ContainerError.
	// Whether the two streams are interleaved in write order depends on the
	// backend. When ctx ends first the container is force removed and the
	// returned error wraps ctx.Err().
	Run(ctx context.Context, spec RunSpec) ([]byte, error)
}

// NewRuntime creates the runtime selected by sandbox.backend
func NewRuntime(logger *zap.Logger, cfg *config.Config) (Runtime, error) {
	switch cfg.Sandbox.Backend {
	case config.BackendDocker:
		return NewDockerRuntime(logger)
	case config.BackendDockerCLI:
		return NewCLIRuntime(logger, "docker"), nil
	case config.BackendPodman:
		return NewCLIRuntime(logger, "podman"), nil
	default:
		return nil, fmt.Errorf("unsupported backend: %s", cfg.Sandbox.Backend)
	}
}

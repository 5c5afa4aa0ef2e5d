package sandbox

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Artifact is the pair of staged files for one execution.
type Artifact struct {
	ID        string
	CodePath  string
	StdinPath string
}

// Stager writes execution artifacts to ephemeral storage.
type Stager struct {
	dir string
	fs  FileSystem
}

// NewStager creates a Stager writing into a private execbox-<uuid>
// directory under dir, or under the system temp directory when dir is
// empty. The private directory is created on first use.
func NewStager(dir string, fs FileSystem) (*Stager, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	// bind mount sources must be absolute
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve staging dir %s: %w", dir, err)
	}
	return &Stager{dir: filepath.Join(abs, "execbox-"+uuid.NewString()), fs: fs}, nil
}

// Dir returns the absolute private staging directory.
func (s *Stager) Dir() string {
	return s.dir
}

// Close removes the private staging directory and anything left in it.
func (s *Stager) Close() error {
	if err := s.fs.RemoveAll(s.dir); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove staging dir %s: %w", s.dir, err)
	}
	return nil
}

// Stage writes code and stdin under paths derived from id. On failure
// nothing is left behind.
func (s *Stager) Stage(id, code, stdin, extension string) (Artifact, error) {
	if id == "" || filepath.Base(id) != id {
		return Artifact{}, fmt.Errorf("%w: invalid execution id %q", ErrStaging, id)
	}

	artifact := Artifact{
		ID:        id,
		CodePath:  filepath.Join(s.dir, id+"."+extension),
		StdinPath: filepath.Join(s.dir, id+".in"),
	}

	if err := s.fs.MkdirAll(s.dir, DirPermission); err != nil {
		return Artifact{}, fmt.Errorf("%w: failed to create staging dir: %w", ErrStaging, err)
	}

	if err := s.fs.WriteFile(artifact.CodePath, []byte(code), ArtifactPermission); err != nil {
		return Artifact{}, s.abort(artifact, fmt.Errorf("%w: failed to write code file: %w", ErrStaging, err))
	}

	if err := s.fs.WriteFile(artifact.StdinPath, []byte(stdin), ArtifactPermission); err != nil {
		return Artifact{}, s.abort(artifact, fmt.Errorf("%w: failed to write stdin file: %w", ErrStaging, err))
	}

	return artifact, nil
}

// abort removes whatever part of artifact was written before stageErr.
func (s *Stager) abort(artifact Artifact, stageErr error) error {
	if err := s.Release(artifact); err != nil {
		return errors.Join(stageErr, err)
	}
	return stageErr
}

// Release removes both files of artifact. Files that are already gone are
// not an error, so calling it twice is safe.
func (s *Stager) Release(artifact Artifact) error {
	var errs []error
	for _, path := range []string{artifact.CodePath, artifact.StdinPath} {
		if path == "" {
			continue
		}
		if err := s.fs.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("failed to remove %s: %w", path, err))
		}
	}
	return errors.Join(errs...)
}

// cleanupGuard releases an artifact exactly once, however many exit paths
// call Release.
type cleanupGuard struct {
	once     sync.Once
	stager   *Stager
	artifact Artifact
	logger   *zap.Logger
	metrics  *Metrics
}

func newCleanupGuard(stager *Stager, artifact Artifact, logger *zap.Logger, metrics *Metrics) *cleanupGuard {
	return &cleanupGuard{
		stager:   stager,
		artifact: artifact,
		logger:   logger,
		metrics:  metrics,
	}
}

// Release never fails the execution; removal errors are only logged.
func (g *cleanupGuard) Release() {
	g.once.Do(func() {
		if err := g.stager.Release(g.artifact); err != nil {
			g.metrics.cleanupFailures.Inc()
			g.logger.Error("failed to release artifacts",
				zap.String("code_path", g.artifact.CodePath),
				zap.String("stdin_path", g.artifact.StdinPath),
				zap.Error(err))
			return
		}
		g.logger.Debug("artifacts released")
	})
}

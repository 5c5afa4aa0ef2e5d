package sandbox

import (
	"context"
	"os"
	"strings"
	"sync"
)

type commandResult struct {
	stdout   string
	stderr   string
	exitCode int
	err      error
}

// MockCommandRunner implements CommandRunner for testing
type MockCommandRunner struct {
	mu             sync.Mutex
	commandResults map[string]commandResult
	defaultResult  commandResult
	calls          [][]string
}

func (m *MockCommandRunner) RunCommand(_ context.Context, args []string) (stdout, stderr string, exitCode int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, args)

	if result, exists := m.commandResults[strings.Join(args, " ")]; exists {
		return result.stdout, result.stderr, result.exitCode, result.err
	}

	return m.defaultResult.stdout, m.defaultResult.stderr, m.defaultResult.exitCode, m.defaultResult.err
}

// MockFileSystem implements FileSystem for testing. Files live in memory.
type MockFileSystem struct {
	mu              sync.Mutex
	files           map[string][]byte
	mkdirAllErr     error
	writeFileErrors map[string]error
	removeErrors    map[string]error
	removeCalls     []string
	removeAllCalls  []string
	dirPerm         os.FileMode
	filePerms       map[string]os.FileMode
}

func (m *MockFileSystem) MkdirAll(_ string, perm os.FileMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mkdirAllErr != nil {
		return m.mkdirAllErr
	}
	m.dirPerm = perm
	return nil
}

func (m *MockFileSystem) WriteFile(filename string, data []byte, perm os.FileMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for suffix, err := range m.writeFileErrors {
		if strings.HasSuffix(filename, suffix) {
			return err
		}
	}
	if m.files == nil {
		m.files = make(map[string][]byte)
		m.filePerms = make(map[string]os.FileMode)
	}
	m.files[filename] = data
	m.filePerms[filename] = perm
	return nil
}

func (m *MockFileSystem) Remove(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.removeCalls = append(m.removeCalls, path)
	for suffix, err := range m.removeErrors {
		if strings.HasSuffix(path, suffix) {
			return err
		}
	}
	if _, exists := m.files[path]; !exists {
		return &os.PathError{Op: "remove", Path: path, Err: os.ErrNotExist}
	}
	delete(m.files, path)
	return nil
}

func (m *MockFileSystem) RemoveAll(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.removeAllCalls = append(m.removeAllCalls, path)
	for name := range m.files {
		if strings.HasPrefix(name, path+"/") {
			delete(m.files, name)
		}
	}
	return nil
}

func (m *MockFileSystem) fileCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.files)
}

// MockRuntime implements Runtime for testing. Run records each RunSpec and the
// content of every mounted source as seen while the container "runs".
type MockRuntime struct {
	mu         sync.Mutex
	images     map[string]bool
	inspectErr error
	pullErr    error
	pulls      []string
	specs      []RunSpec
	mounted    []map[string]string
	ctxErrs    []error
	runFunc    func(spec RunSpec) ([]byte, error)
	runCtxFunc func(ctx context.Context, spec RunSpec) ([]byte, error)
}

func (m *MockRuntime) ImageExists(_ context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.inspectErr != nil {
		return false, m.inspectErr
	}
	return m.images[name], nil
}

func (m *MockRuntime) PullImage(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pulls = append(m.pulls, name)
	if m.pullErr != nil {
		return m.pullErr
	}
	if m.images == nil {
		m.images = make(map[string]bool)
	}
	m.images[name] = true
	return nil
}

func (m *MockRuntime) Run(ctx context.Context, spec RunSpec) ([]byte, error) {
	mounted := make(map[string]string, len(spec.Mounts))
	for _, mount := range spec.Mounts {
		if data, err := os.ReadFile(mount.Source); err == nil {
			mounted[mount.Target] = string(data)
		}
	}

	m.mu.Lock()
	m.specs = append(m.specs, spec)
	m.mounted = append(m.mounted, mounted)
	m.ctxErrs = append(m.ctxErrs, ctx.Err())
	runFunc := m.runFunc
	runCtxFunc := m.runCtxFunc
	m.mu.Unlock()

	if runCtxFunc != nil {
		return runCtxFunc(ctx, spec)
	}
	if runFunc == nil {
		return []byte("ok\n"), nil
	}
	return runFunc(spec)
}

func (m *MockRuntime) runCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.specs)
}

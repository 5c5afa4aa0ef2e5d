package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/execbox/config"
)

const testImage = "python:3.9-slim"

func newTestOrchestrator(t *testing.T, runtime *MockRuntime, cfg *Config, opts ...OrchestratorOption) *Orchestrator {
	t.Helper()

	if cfg == nil {
		cfg = &Config{DefaultMemory: "128m"}
	}
	if cfg.StagingDir == "" {
		cfg.StagingDir = t.TempDir()
	}
	if runtime.images == nil {
		runtime.images = map[string]bool{testImage: true}
	}

	o, err := NewOrchestrator(zaptest.NewLogger(t), cfg, NewRegistry("python", testLanguages()), runtime, opts...)
	require.NoError(t, err)
	return o
}

func assertNoArtifacts(t *testing.T, o *Orchestrator) {
	t.Helper()

	entries, err := os.ReadDir(o.stager.Dir())
	if errors.Is(err, os.ErrNotExist) {
		return
	}
	require.NoError(t, err)
	assert.Empty(t, entries, "staged artifacts left behind")
}

func TestOrchestratorExecute(t *testing.T) {
	runtime := &MockRuntime{runFunc: func(RunSpec) ([]byte, error) {
		return []byte("hi\n"), nil
	}}
	cfg := &Config{DefaultMemory: "128m"}
	o := newTestOrchestrator(t, runtime, cfg, WithIDGenerator(func() string { return "exec-1" }))

	result, err := o.Execute(context.Background(), ExecuteRequest{
		Language:   "python",
		Code:       "print('hi')",
		Stdin:      "some input",
		TimeoutSec: 5,
	})
	require.NoError(t, err)

	assert.Equal(t, "hi\n", result.Output)
	assert.Equal(t, OutcomeSuccess, result.Outcome)
	assert.Equal(t, "exec-1", result.ExecutionID)
	assert.Positive(t, result.Duration)

	require.Len(t, runtime.specs, 1)
	spec := runtime.specs[0]
	assert.Equal(t, "CodeExecContainer_exec-1", spec.Name)
	assert.Equal(t, testImage, spec.Image)
	assert.Equal(t, "128m", spec.MemoryLimit)
	assert.True(t, spec.AutoRemove)
	assert.True(t, spec.NetworkDisabled)
	assert.Empty(t, spec.CPUSet)
	assert.Equal(t, map[string]string{"PYTHONUNBUFFERED": "1"}, spec.Env)
	assert.Equal(t, sandboxCommand([]string{"python3", "/code.py"}, 5), spec.Command)

	require.Len(t, spec.Mounts, 2)
	for _, mount := range spec.Mounts {
		assert.True(t, mount.ReadOnly, "mount %s", mount.Target)
		assert.True(t, strings.HasPrefix(mount.Source, o.stager.Dir()+"/"), "mount %s", mount.Source)
	}
	assert.Equal(t, map[string]string{
		"/code.py":  "print('hi')",
		"/stdin.in": "some input",
	}, runtime.mounted[0])

	assertNoArtifacts(t, o)
}

func TestOrchestratorDefaults(t *testing.T) {
	runtime := &MockRuntime{}
	o := newTestOrchestrator(t, runtime, nil)

	result, err := o.Execute(context.Background(), ExecuteRequest{Code: "print(1)", TimeoutSec: 5})
	require.NoError(t, err)
	assert.Equal(t, "ok\n", result.Output)

	spec := runtime.specs[0]
	assert.Equal(t, testImage, spec.Image, "default language and baseline version")
	assert.Equal(t, "128m", spec.MemoryLimit)

	t.Run("ExplicitMemory", func(t *testing.T) {
		_, err := o.Execute(context.Background(), ExecuteRequest{Code: "x", MemoryLimit: "256m", TimeoutSec: 5})
		require.NoError(t, err)
		assert.Equal(t, "256m", runtime.specs[1].MemoryLimit)
	})

	t.Run("NetworkEnabled", func(t *testing.T) {
		runtime := &MockRuntime{}
		o := newTestOrchestrator(t, runtime, &Config{DefaultMemory: "128m", NetworkEnabled: true})

		_, err := o.Execute(context.Background(), ExecuteRequest{Code: "x", TimeoutSec: 5})
		require.NoError(t, err)
		assert.False(t, runtime.specs[0].NetworkDisabled)
	})
}

func TestOrchestratorOutputClassification(t *testing.T) {
	tests := []struct {
		name        string
		runFunc     func(RunSpec) ([]byte, error)
		wantOutput  string
		wantOutcome Outcome
	}{
		{
			name: "Timeout",
			runFunc: func(RunSpec) ([]byte, error) {
				return []byte("Timeout Error\n"), nil
			},
			wantOutput:  "Timeout Error\n",
			wantOutcome: OutcomeTimeout,
		},
		{
			name: "ProgramError",
			runFunc: func(RunSpec) ([]byte, error) {
				return nil, &ContainerError{ExitCode: 1, Stderr: []byte("Traceback...\nZeroDivisionError: division by zero\n")}
			},
			wantOutput:  "Traceback...\nZeroDivisionError: division by zero\n",
			wantOutcome: OutcomeProgramError,
		},
		{
			name: "RuntimeFailure",
			runFunc: func(RunSpec) ([]byte, error) {
				return nil, errors.New("failed to create container: conflict")
			},
			wantOutput:  "failed to create container: conflict",
			wantOutcome: OutcomeRuntimeFault,
		},
		{
			name: "RuntimePanic",
			runFunc: func(RunSpec) ([]byte, error) {
				panic("boom")
			},
			wantOutput:  "boom",
			wantOutcome: OutcomeRuntimeFault,
		},
		{
			name: "EmptyOutput",
			runFunc: func(RunSpec) ([]byte, error) {
				return nil, nil
			},
			wantOutput:  "",
			wantOutcome: OutcomeSuccess,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runtime := &MockRuntime{runFunc: tt.runFunc}
			cfg := &Config{DefaultMemory: "128m"}
			o := newTestOrchestrator(t, runtime, cfg)

			result, err := o.Execute(context.Background(), ExecuteRequest{Code: "x", TimeoutSec: 5})
			require.NoError(t, err)
			assert.Equal(t, tt.wantOutput, result.Output)
			assert.Equal(t, tt.wantOutcome, result.Outcome)

			assertNoArtifacts(t, o)
		})
	}
}

func TestOrchestratorErrors(t *testing.T) {
	t.Run("UnsupportedLanguage", func(t *testing.T) {
		runtime := &MockRuntime{}
		cfg := &Config{DefaultMemory: "128m"}
		o := newTestOrchestrator(t, runtime, cfg)

		_, err := o.Execute(context.Background(), ExecuteRequest{Language: "java", Code: "class A {}"})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrUnsupportedLanguage)
		assert.Equal(t, "Java is not supported yet", err.Error())
		assert.Empty(t, runtime.pulls)
		assert.Zero(t, runtime.runCount())
		assertNoArtifacts(t, o)
	})

	t.Run("ImagePullFails", func(t *testing.T) {
		runtime := &MockRuntime{images: map[string]bool{}, pullErr: errors.New("not found")}
		cfg := &Config{DefaultMemory: "128m"}
		o := newTestOrchestrator(t, runtime, cfg)

		_, err := o.Execute(context.Background(), ExecuteRequest{Version: "0.1", Code: "x"})
		assert.ErrorIs(t, err, ErrImageUnavailable)
		assert.Equal(t, []string{"python:0.1-slim"}, runtime.pulls)
		assert.Zero(t, runtime.runCount())
		assertNoArtifacts(t, o)
	})

	t.Run("StagingFails", func(t *testing.T) {
		runtime := &MockRuntime{}
		fs := &MockFileSystem{writeFileErrors: map[string]error{".in": errors.New("no space left on device")}}
		o := newTestOrchestrator(t, runtime, nil, WithFileSystem(fs))

		_, err := o.Execute(context.Background(), ExecuteRequest{Code: "x"})
		assert.ErrorIs(t, err, ErrStaging)
		assert.Zero(t, runtime.runCount())
		assert.Zero(t, fs.fileCount())
	})
}

func TestOrchestratorPullsMissingImage(t *testing.T) {
	runtime := &MockRuntime{images: map[string]bool{}}
	o := newTestOrchestrator(t, runtime, nil)

	result, err := o.Execute(context.Background(), ExecuteRequest{Version: "3.12", Code: "x", TimeoutSec: 5})
	require.NoError(t, err)
	assert.Equal(t, "ok\n", result.Output)
	assert.Equal(t, []string{"python:3.12-slim"}, runtime.pulls)
	assert.Equal(t, "python:3.12-slim", runtime.specs[0].Image)
}

func TestOrchestratorCleanupFailure(t *testing.T) {
	runtime := &MockRuntime{}
	fs := &MockFileSystem{removeErrors: map[string]error{".py": errors.New("device busy")}}
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	o := newTestOrchestrator(t, runtime, nil, WithFileSystem(fs), WithMetrics(metrics))

	result, err := o.Execute(context.Background(), ExecuteRequest{Code: "x", TimeoutSec: 5})
	require.NoError(t, err, "cleanup failure must not fail the execution")
	assert.Equal(t, "ok\n", result.Output)
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.cleanupFailures), 0)
}

func TestOrchestratorTimeoutPassThrough(t *testing.T) {
	for _, timeout := range []int{0, -1, 30} {
		t.Run(fmt.Sprintf("Timeout%d", timeout), func(t *testing.T) {
			runtime := &MockRuntime{}
			o := newTestOrchestrator(t, runtime, nil)

			_, err := o.Execute(context.Background(), ExecuteRequest{Code: "x", TimeoutSec: timeout})
			require.NoError(t, err)
			assert.Equal(t, strconv.Itoa(timeout), runtime.specs[0].Command[3])
		})
	}
}

func TestOrchestratorDeadline(t *testing.T) {
	t.Run("WedgedRunReportedAsTimeout", func(t *testing.T) {
		var deadline time.Time
		runtime := &MockRuntime{runCtxFunc: func(ctx context.Context, _ RunSpec) ([]byte, error) {
			deadline, _ = ctx.Deadline()
			<-ctx.Done()
			return nil, fmt.Errorf("failed waiting for container: %w", ctx.Err())
		}}
		metrics := NewMetrics(prometheus.NewRegistry())
		o := newTestOrchestrator(t, runtime, &Config{DefaultMemory: "128m", RunGrace: 50 * time.Millisecond}, WithMetrics(metrics))

		start := time.Now()
		result, err := o.Execute(context.Background(), ExecuteRequest{Code: "x", TimeoutSec: 0})
		require.NoError(t, err)

		assert.Equal(t, "Timeout Error\n", result.Output)
		assert.Equal(t, OutcomeTimeout, result.Outcome)
		assert.WithinDuration(t, start.Add(50*time.Millisecond), deadline, time.Second)
		assert.InDelta(t, 1, testutil.ToFloat64(metrics.executions.WithLabelValues("python", "timeout")), 0)
		assertNoArtifacts(t, o)
	})

	t.Run("DeadlineIsTimeoutPlusGrace", func(t *testing.T) {
		var remaining time.Duration
		runtime := &MockRuntime{runCtxFunc: func(ctx context.Context, _ RunSpec) ([]byte, error) {
			deadline, ok := ctx.Deadline()
			require.True(t, ok)
			remaining = time.Until(deadline)
			return []byte("ok\n"), nil
		}}
		o := newTestOrchestrator(t, runtime, nil)

		_, err := o.Execute(context.Background(), ExecuteRequest{Code: "x", TimeoutSec: 30})
		require.NoError(t, err)

		want := 30*time.Second + defaultRunGrace
		assert.LessOrEqual(t, remaining, want)
		assert.Greater(t, remaining, want-5*time.Second)
	})

	t.Run("NegativeTimeoutStillBounded", func(t *testing.T) {
		var hasDeadline bool
		runtime := &MockRuntime{runCtxFunc: func(ctx context.Context, _ RunSpec) ([]byte, error) {
			_, hasDeadline = ctx.Deadline()
			return nil, &ContainerError{ExitCode: 125, Stderr: []byte("timeout: invalid time interval '-1s'\n")}
		}}
		o := newTestOrchestrator(t, runtime, nil)

		result, err := o.Execute(context.Background(), ExecuteRequest{Code: "x", TimeoutSec: -1})
		require.NoError(t, err)
		assert.True(t, hasDeadline)
		assert.Equal(t, OutcomeProgramError, result.Outcome)
	})
}

func TestOrchestratorClose(t *testing.T) {
	o := newTestOrchestrator(t, &MockRuntime{}, nil)

	_, err := o.Execute(context.Background(), ExecuteRequest{Code: "x", TimeoutSec: 5})
	require.NoError(t, err)

	dir := o.stager.Dir()
	_, err = os.Stat(dir)
	require.NoError(t, err)

	require.NoError(t, o.Close())
	_, err = os.Stat(dir)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestOrchestratorCPUPinning(t *testing.T) {
	runtime := &MockRuntime{}
	o := newTestOrchestrator(t, runtime, &Config{DefaultMemory: "128m", CPUPinning: true, WorkerIndex: 1})

	_, err := o.Execute(context.Background(), ExecuteRequest{Code: "x", CPULimit: 2, TimeoutSec: 5})
	require.NoError(t, err)
	assert.Equal(t, "2-3", runtime.specs[0].CPUSet)
}

func TestOrchestratorIgnoresCancellation(t *testing.T) {
	runtime := &MockRuntime{}
	o := newTestOrchestrator(t, runtime, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := o.Execute(ctx, ExecuteRequest{Code: "x", TimeoutSec: 5})
	require.NoError(t, err)
	assert.Equal(t, "ok\n", result.Output)
	assert.Equal(t, []error{nil}, runtime.ctxErrs)
}

func TestOrchestratorConcurrentExecutions(t *testing.T) {
	// each run echoes its own staged code
	runtime := &MockRuntime{runFunc: func(spec RunSpec) ([]byte, error) {
		return os.ReadFile(spec.Mounts[0].Source)
	}}
	cfg := &Config{DefaultMemory: "128m"}
	o := newTestOrchestrator(t, runtime, cfg)

	const executions = 16
	results := make([]ExecuteResult, executions)
	errs := make([]error, executions)

	var wg sync.WaitGroup
	for i := range executions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = o.Execute(context.Background(), ExecuteRequest{
				Code:       fmt.Sprintf("print(%d)", i),
				TimeoutSec: 5,
			})
		}()
	}
	wg.Wait()

	ids := make(map[string]bool)
	for i := range executions {
		require.NoError(t, errs[i])
		assert.Equal(t, fmt.Sprintf("print(%d)", i), results[i].Output)
		ids[results[i].ExecutionID] = true
	}
	assert.Len(t, ids, executions)

	names := make(map[string]bool)
	for _, spec := range runtime.specs {
		names[spec.Name] = true
	}
	assert.Len(t, names, executions)

	assertNoArtifacts(t, o)
}

func TestOrchestratorMetrics(t *testing.T) {
	runtime := &MockRuntime{images: map[string]bool{}}
	metrics := NewMetrics(prometheus.NewRegistry())
	o := newTestOrchestrator(t, runtime, nil, WithMetrics(metrics))

	_, err := o.Execute(context.Background(), ExecuteRequest{Code: "x", TimeoutSec: 5})
	require.NoError(t, err)

	runtime.runFunc = func(RunSpec) ([]byte, error) {
		return []byte("Timeout Error\n"), nil
	}
	_, err = o.Execute(context.Background(), ExecuteRequest{Code: "x", TimeoutSec: 5})
	require.NoError(t, err)

	assert.InDelta(t, 1, testutil.ToFloat64(metrics.executions.WithLabelValues("python", "success")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.executions.WithLabelValues("python", "timeout")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.imagePulls.WithLabelValues("success")), 0)
	assert.Equal(t, 1, testutil.CollectAndCount(metrics.duration))
}

func TestNewExecutor(t *testing.T) {
	cfg := &config.Config{
		Sandbox: config.SandboxConfig{
			Backend:         config.BackendDocker,
			StagingDir:      t.TempDir(),
			DefaultLanguage: "python",
			DefaultMemory:   "128m",
		},
		Languages: testLanguages(),
	}
	runtime := &MockRuntime{images: map[string]bool{testImage: true}}
	reg := prometheus.NewRegistry()

	executor, err := NewExecutor(zaptest.NewLogger(t), cfg, runtime, reg)
	require.NoError(t, err)
	defer executor.Close()

	result, err := executor.Execute(context.Background(), ExecuteRequest{Code: "x", TimeoutSec: 5})
	require.NoError(t, err)
	assert.Equal(t, "ok\n", result.Output)

	count, err := testutil.GatherAndCount(reg, "execbox_executions_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

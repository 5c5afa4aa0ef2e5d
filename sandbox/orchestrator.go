package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/isdmx/execbox/config"
)

// Config holds the orchestrator settings taken from the sandbox section
type Config struct {
	StagingDir     string
	NetworkEnabled bool
	DefaultMemory  string
	CPUPinning     bool
	WorkerIndex    int

	// RunGrace is how long a run may exceed its timeout before the host
	// abandons it and removes the container. Zero selects defaultRunGrace.
	RunGrace time.Duration
}

// defaultRunGrace covers the in-sandbox SIGKILL escalation plus container
// start and teardown.
const defaultRunGrace = killAfter + 10*time.Second

// Orchestrator implements Executor: resolve, ensure image, stage, run,
// clean up.
type Orchestrator struct {
	logger   *zap.Logger
	config   *Config
	registry *Registry
	runtime  Runtime
	fs       FileSystem
	metrics  *Metrics
	newID    func() string
	runGrace time.Duration

	resolver *ImageResolver
	stager   *Stager
}

// OrchestratorOption defines a functional option for Orchestrator
type OrchestratorOption func(*Orchestrator)

// WithFileSystem sets the FileSystem used for staging
func WithFileSystem(fs FileSystem) OrchestratorOption {
	return func(o *Orchestrator) {
		o.fs = fs
	}
}

// WithMetrics sets the collectors the orchestrator reports to
func WithMetrics(metrics *Metrics) OrchestratorOption {
	return func(o *Orchestrator) {
		o.metrics = metrics
	}
}

// WithIDGenerator overrides how execution IDs are generated
func WithIDGenerator(newID func() string) OrchestratorOption {
	return func(o *Orchestrator) {
		o.newID = newID
	}
}

// NewOrchestrator creates an Orchestrator with default implementations and optional interfaces
func NewOrchestrator(logger *zap.Logger, cfg *Config, registry *Registry, runtime Runtime, opts ...OrchestratorOption) (*Orchestrator, error) {
	o := &Orchestrator{
		logger:   logger,
		config:   cfg,
		registry: registry,
		runtime:  runtime,
		fs:       &RealFileSystem{}, // Default implementation
		metrics:  NewMetrics(nil),   // Unregistered unless set via options
		newID:    uuid.NewString,
		runGrace: cfg.RunGrace,
	}
	if o.runGrace <= 0 {
		o.runGrace = defaultRunGrace
	}

	for _, opt := range opts {
		opt(o)
	}

	stager, err := NewStager(cfg.StagingDir, o.fs)
	if err != nil {
		return nil, err
	}
	o.stager = stager
	o.resolver = NewImageResolver(logger, runtime, o.metrics)

	logger.Debug("staging directory ready", zap.String("dir", stager.Dir()))

	return o, nil
}

// Close removes the staging directory. Executions still in flight lose
// their artifacts.
func (o *Orchestrator) Close() error {
	return o.stager.Close()
}

// NewExecutor builds the process-wide executor from the application config
func NewExecutor(logger *zap.Logger, cfg *config.Config, runtime Runtime, reg prometheus.Registerer) (*Orchestrator, error) {
	orchestratorConfig := Config{
		StagingDir:     cfg.Sandbox.StagingDir,
		NetworkEnabled: cfg.Sandbox.NetworkEnabled,
		DefaultMemory:  cfg.Sandbox.DefaultMemory,
		CPUPinning:     cfg.Sandbox.CPUPinning,
		WorkerIndex:    cfg.Sandbox.WorkerIndex,
	}
	registry := NewRegistry(cfg.Sandbox.DefaultLanguage, cfg.Languages)

	return NewOrchestrator(logger, &orchestratorConfig, registry, runtime, WithMetrics(NewMetrics(reg)))
}

// Execute runs req in a fresh sandbox. Only unsupported languages, image
// and staging failures are returned as errors; everything that happens
// once the artifacts are staged is reported through ExecuteResult.Output.
func (o *Orchestrator) Execute(ctx context.Context, req ExecuteRequest) (ExecuteResult, error) {
	// an accepted execution runs to its own timeout
	ctx = context.WithoutCancel(ctx)
	start := time.Now()

	profile, err := o.registry.Resolve(req.Language, req.Version)
	if err != nil {
		return ExecuteResult{}, err
	}

	if err := o.resolver.EnsureAvailable(ctx, profile.Image); err != nil {
		return ExecuteResult{}, err
	}

	id := o.newID()
	log := o.logger.With(
		zap.String("execution_id", id),
		zap.String("language", profile.Language),
		zap.String("image", profile.Image),
	)

	artifact, err := o.stager.Stage(id, req.Code, req.Stdin, profile.Extension)
	if err != nil {
		log.Error("staging failed", zap.Error(err))
		return ExecuteResult{}, err
	}

	guard := newCleanupGuard(o.stager, artifact, log, o.metrics)
	defer guard.Release()

	spec := o.runSpec(profile, artifact, req)
	log.Debug("starting sandbox",
		zap.String("container", spec.Name),
		zap.String("memory", spec.MemoryLimit),
		zap.Int("timeout_sec", req.TimeoutSec),
		zap.String("cpuset", spec.CPUSet))

	// the in-sandbox timeout normally fires first; this bounds a wedged
	// engine and programs that run without a limit
	runCtx, cancel := context.WithTimeout(ctx, time.Duration(max(req.TimeoutSec, 0))*time.Second+o.runGrace)
	output, outcome := o.run(runCtx, log, spec)
	cancel()
	guard.Release()

	result := ExecuteResult{
		ExecutionID: id,
		Output:      output,
		Outcome:     outcome,
		Duration:    time.Since(start),
	}
	o.metrics.observeExecution(profile.Language, outcome, result.Duration)

	log.Info("execution finished",
		zap.String("outcome", string(outcome)),
		zap.Duration("duration", result.Duration),
		zap.Int("output_len", len(output)))

	return result, nil
}

func (o *Orchestrator) runSpec(profile Profile, artifact Artifact, req ExecuteRequest) RunSpec {
	memory := req.MemoryLimit
	if memory == "" {
		memory = o.config.DefaultMemory
	}

	spec := RunSpec{
		Name:    ContainerNamePrefix + artifact.ID,
		Image:   profile.Image,
		Command: sandboxCommand(profile.Program(), req.TimeoutSec),
		Env:     profile.Environment,
		Mounts: []Mount{
			{Source: artifact.CodePath, Target: profile.CodePath(), ReadOnly: true},
			{Source: artifact.StdinPath, Target: StdinPath, ReadOnly: true},
		},
		MemoryLimit:     memory,
		NetworkDisabled: !o.config.NetworkEnabled,
		AutoRemove:      true,
	}

	// CPULimit is otherwise accepted but not enforced
	if o.config.CPUPinning {
		spec.CPUSet = cpuSetForWorker(o.config.WorkerIndex, req.CPULimit)
	}

	return spec
}

// run classifies the sandbox result. Every path, including a panic in the
// runtime client, yields output text.
func (o *Orchestrator) run(ctx context.Context, log *zap.Logger, spec RunSpec) (output string, outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("runtime panicked", zap.Any("panic", r), zap.Stack("stack"))
			output = fmt.Sprint(r)
			outcome = OutcomeRuntimeFault
		}
	}()

	out, err := o.runtime.Run(ctx, spec)

	var containerErr *ContainerError
	switch {
	case err == nil:
		text := string(out)
		if isTimeoutOutput(text) {
			return text, OutcomeTimeout
		}
		return text, OutcomeSuccess
	case ctx.Err() != nil:
		log.Warn("sandbox exceeded its deadline", zap.String("container", spec.Name), zap.Error(err))
		return TimeoutMarker + "\n", OutcomeTimeout
	case errors.As(err, &containerErr):
		log.Debug("program exited with error", zap.Int("exit_code", containerErr.ExitCode))
		return string(containerErr.Stderr), OutcomeProgramError
	default:
		log.Error("sandbox run failed", zap.Error(err))
		return err.Error(), OutcomeRuntimeFault
	}
}

// Package sandbox provides secure code execution capabilities.
//
// The sandbox package implements the execution engine for running untrusted
// code in isolated containers. An execution resolves a language profile,
// makes sure the image is present, stages the code and stdin as ephemeral
// files in a private per-process directory, runs one resource limited
// container under a host-side deadline and always removes the staged files
// afterwards.
//
// Two Runtime backends are provided: DockerRuntime talks to the Docker
// Engine API, CLIRuntime drives the docker or podman command line.
//
// Usage:
//
//	runtime, err := sandbox.NewRuntime(logger, cfg)
//	executor, err := sandbox.NewExecutor(logger, cfg, runtime, prometheus.DefaultRegisterer)
//	defer executor.Close()
//	result, err := executor.Execute(ctx, sandbox.ExecuteRequest{
//	    Language:   "python",
//	    Code:       "print('Hello, World!')",
//	    TimeoutSec: 10,
//	})
package sandbox

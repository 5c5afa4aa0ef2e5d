package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/isdmx/execbox/config"
	"github.com/isdmx/execbox/logger"
	"github.com/isdmx/execbox/sandbox"
)

var (
	runLang      string
	runVersion   string
	runStdinFile string
	runMem       string
	runCPU       int
	runTimeout   int
)

var runCmd = &cobra.Command{
	Use:   "run FILE",
	Short: "Execute one source file in a sandbox and print its output",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		log, err := logger.NewFromConfig(cfg)
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		code, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read source file: %w", err)
		}

		var stdin []byte
		if runStdinFile != "" {
			stdin, err = os.ReadFile(runStdinFile)
			if err != nil {
				return fmt.Errorf("failed to read stdin file: %w", err)
			}
		}

		runtime, err := sandbox.NewRuntime(log, cfg)
		if err != nil {
			return err
		}

		req := sandbox.ExecuteRequest{
			Language:    runLang,
			Version:     runVersion,
			Code:        string(code),
			Stdin:       string(stdin),
			MemoryLimit: runMem,
			CPULimit:    cfg.Sandbox.DefaultCPU,
			TimeoutSec:  cfg.Sandbox.DefaultTimeoutSec,
		}
		if cmd.Flags().Changed("cpu") {
			req.CPULimit = runCPU
		}
		if cmd.Flags().Changed("timeout") {
			req.TimeoutSec = runTimeout
		}

		result, err := executeOnce(context.Background(), log, cfg, runtime, req)
		if err != nil {
			if errors.Is(err, sandbox.ErrUnsupportedLanguage) {
				return fmt.Errorf("invalid request: %w", err)
			}
			return err
		}

		_, err = fmt.Fprint(cmd.OutOrStdout(), result.Output)
		return err
	},
}

// executeOnce runs req on a one-shot executor and releases runtime and the
// staging directory before returning.
func executeOnce(ctx context.Context, log *zap.Logger, cfg *config.Config, runtime sandbox.Runtime, req sandbox.ExecuteRequest) (sandbox.ExecuteResult, error) {
	if c, ok := runtime.(io.Closer); ok {
		defer func() {
			if closeErr := c.Close(); closeErr != nil {
				log.Warn("failed to close container runtime", zap.Error(closeErr))
			}
		}()
	}

	executor, err := sandbox.NewExecutor(log, cfg, runtime, nil)
	if err != nil {
		return sandbox.ExecuteResult{}, err
	}
	defer func() {
		if closeErr := executor.Close(); closeErr != nil {
			log.Warn("failed to remove staging directory", zap.Error(closeErr))
		}
	}()

	return executor.Execute(ctx, req)
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runLang, "lang", "", "language (default: sandbox.default_language)")
	runCmd.Flags().StringVar(&runVersion, "version", "", "language version (default: the language's default_version)")
	runCmd.Flags().StringVar(&runStdinFile, "stdin-file", "", "file whose content is passed as standard input")
	runCmd.Flags().StringVar(&runMem, "mem", "", "memory limit such as 256m (default: sandbox.default_memory)")
	runCmd.Flags().IntVar(&runCPU, "cpu", 1, "CPU limit")
	runCmd.Flags().IntVar(&runTimeout, "timeout", 5, "timeout in seconds (default: sandbox.default_timeout_sec)")
}

package main

import (
	"context"
	"io"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/isdmx/execbox/config"
	"github.com/isdmx/execbox/httpserver"
	"github.com/isdmx/execbox/logger"
	"github.com/isdmx/execbox/mcpserver"
	"github.com/isdmx/execbox/sandbox"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the execution server on the configured transport",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		app := newApp()
		if err := app.Err(); err != nil {
			return err
		}
		app.Run()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func newApp() *fx.App {
	return fx.New(
		appOptions(),

		// Use the application logger for fx logs
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)
}

func appOptions() fx.Option {
	return fx.Options(
		// Provide dependencies
		fx.Provide(
			// Config
			loadConfig,

			// Logger with configuration
			logger.NewFromConfig,

			// Metrics registry, shared by the executor and /metrics
			newRegistry,
			func(reg *prometheus.Registry) prometheus.Registerer { return reg },
			func(reg *prometheus.Registry) prometheus.Gatherer { return reg },

			// One container runtime handle per process
			newRuntime,

			// Sandbox executor based on config
			newExecutor,

			// Transports
			httpserver.New,
			mcpserver.New,
		),

		// Start the appropriate transport based on config
		fx.Invoke(registerTransport),
	)
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// pinger is implemented by runtimes that can check their daemon up front.
type pinger interface {
	Ping(ctx context.Context) error
}

func newRuntime(lc fx.Lifecycle, log *zap.Logger, cfg *config.Config) (sandbox.Runtime, error) {
	runtime, err := sandbox.NewRuntime(log, cfg)
	if err != nil {
		return nil, err
	}

	log.Info("configuration loaded",
		zap.String("server.transport", cfg.Server.Transport),
		zap.Int("server.http_port", cfg.Server.HTTPPort),
		zap.String("sandbox.backend", cfg.Sandbox.Backend),
		zap.String("sandbox.staging_dir", cfg.Sandbox.StagingDir),
		zap.Bool("sandbox.network_enabled", cfg.Sandbox.NetworkEnabled),
		zap.String("sandbox.default_memory", cfg.Sandbox.DefaultMemory),
		zap.Int("sandbox.default_timeout_sec", cfg.Sandbox.DefaultTimeoutSec),
		zap.Bool("sandbox.cpu_pinning", cfg.Sandbox.CPUPinning),
		zap.Int("languages", len(cfg.Languages)),
	)

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			// an unreachable daemon is reported per request, not fatal here
			if p, ok := runtime.(pinger); ok {
				if err := p.Ping(ctx); err != nil {
					log.Warn("container runtime not reachable", zap.Error(err))
				}
			}
			return nil
		},
		OnStop: func(context.Context) error {
			if c, ok := runtime.(io.Closer); ok {
				return c.Close()
			}
			return nil
		},
	})

	return runtime, nil
}

func newExecutor(lc fx.Lifecycle, log *zap.Logger, cfg *config.Config, runtime sandbox.Runtime, reg prometheus.Registerer) (sandbox.Executor, error) {
	executor, err := sandbox.NewExecutor(log, cfg, runtime, reg)
	if err != nil {
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return executor.Close()
		},
	})

	return executor, nil
}

func registerTransport(
	lc fx.Lifecycle,
	shutdowner fx.Shutdowner,
	cfg *config.Config,
	log *zap.Logger,
	httpServer *httpserver.Server,
	mcpServer *mcpserver.MCPServer,
) {
	switch cfg.Server.Transport {
	case config.TransportHTTP:
		lc.Append(fx.Hook{
			OnStart: httpServer.Start,
			OnStop:  httpServer.Shutdown,
		})

	case config.TransportStdio:
		ctx, cancel := context.WithCancel(context.Background())
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				go func() {
					if err := mcpServer.ServeStdio(ctx, os.Stdin, os.Stdout); err != nil {
						log.Error("MCP stdio server failed", zap.Error(err))
					}
					// the client closed stdin
					_ = shutdowner.Shutdown()
				}()
				return nil
			},
			OnStop: func(context.Context) error {
				cancel()
				return nil
			},
		})

	case config.TransportMCPHTTP:
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				go func() {
					if err := mcpServer.ServeHTTP(); err != nil {
						log.Error("MCP HTTP server failed", zap.Error(err))
						_ = shutdowner.Shutdown()
					}
				}()
				return nil
			},
			OnStop: mcpServer.Shutdown,
		})
	}
}

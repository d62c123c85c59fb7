package main

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/isdmx/coderun/config"
	"github.com/isdmx/coderun/httpserver"
	"github.com/isdmx/coderun/logger"
	"github.com/isdmx/coderun/mcpserver"
	"github.com/isdmx/coderun/sandbox"
)

func main() {
	app := fx.New(
		fx.Provide(
			config.New,
			logger.NewFromConfig,

			// one provider client shared by every request
			sandbox.NewProvider,

			fx.Annotate(
				newRegistry,
				fx.As(new(prometheus.Registerer)),
				fx.As(new(prometheus.Gatherer)),
			),
			sandbox.NewMetrics,

			fx.Annotate(
				sandbox.NewManagerFromConfig,
				fx.As(new(sandbox.Executor)),
			),

			httpserver.New,
			mcpserver.New,
		),

		fx.Invoke(
			logConfig,
			registerSweep,
			registerServers,
		),

		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)

	app.Run()
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func logConfig(cfg *config.Config, log *zap.Logger) {
	log.Info("configuration loaded",
		zap.Int("server.http_port", cfg.Server.HTTPPort),
		zap.String("mcp.transport", cfg.MCP.Transport),
		zap.String("sandbox.backend", cfg.Sandbox.Backend),
		zap.String("sandbox.image", cfg.Sandbox.Image),
		zap.Duration("sandbox.timeout", cfg.Sandbox.Timeout),
		zap.String("sandbox.memory_limit", cfg.Sandbox.MemoryLimit),
		zap.Bool("sandbox.network_enabled", cfg.Sandbox.NetworkEnabled),
		zap.Int("sandbox.max_concurrent", cfg.Sandbox.MaxConcurrent),
	)
}

// registerSweep removes sandboxes left over by a previous process before
// the servers accept requests.
func registerSweep(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger, provider sandbox.Provider) {
	sweeper, ok := provider.(sandbox.Sweeper)
	if !cfg.Sandbox.SweepOnStart || !ok {
		return
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			removed, err := sweeper.Sweep(ctx)
			if err != nil {
				log.Warn("failed to sweep leftover sandboxes", zap.Int("removed", removed), zap.Error(err))
				return nil
			}
			if removed > 0 {
				log.Info("removed leftover sandboxes", zap.Int("removed", removed))
			}
			return nil
		},
	})
}

func registerServers(lc fx.Lifecycle, rest *httpserver.Server, mcp *mcpserver.MCPServer) {
	lc.Append(fx.Hook{
		OnStart: rest.Start,
		OnStop:  rest.Stop,
	})
	lc.Append(fx.Hook{
		OnStart: mcp.Start,
		OnStop:  mcp.Stop,
	})
}

// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cli

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/mcpgateway/internal/config"
	"github.com/tombee/mcpgateway/internal/gateway"
	gwlog "github.com/tombee/mcpgateway/internal/log"
	"github.com/tombee/mcpgateway/internal/server"
	"github.com/tombee/mcpgateway/internal/tracing"
)

func newServeCommand(flags *globalFlags) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		Long: `Start the gateway HTTP server. Rate limit settings are reloaded when the
configuration file changes; other settings need a restart.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flags.configPath)
			if err != nil {
				return NewConfigError("invalid configuration", err)
			}
			if listen != "" {
				cfg.Server.ListenAddr = listen
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, flags.configPath)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "Override server.listen_addr")
	return cmd
}

// serve runs the gateway until ctx is cancelled.
func serve(ctx context.Context, cfg *config.Config, configPath string) error {
	logCfg := &gwlog.Config{
		Level:     cfg.Log.Level,
		Format:    gwlog.Format(cfg.Log.Format),
		AddSource: cfg.Log.AddSource,
	}
	gwlog.ApplyEnv(logCfg)
	logger := gwlog.New(logCfg)
	slog.SetDefault(logger)

	tp, err := tracing.New(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		Version:     version,
		Exporter:    cfg.Tracing.Exporter,
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		Headers:     cfg.Tracing.Headers,
	})
	if err != nil {
		return NewExecutionError("failed to set up tracing", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Error("tracer shutdown error", gwlog.Error(err))
		}
	}()

	gw, err := gateway.New(cfg, gateway.Options{
		Logger: logger,
		Tracer: tp.Tracer("github.com/tombee/mcpgateway"),
	})
	if err != nil {
		return NewConfigError("failed to create gateway", err)
	}
	if err := gw.Start(ctx); err != nil {
		_ = gw.Close(context.Background())
		return NewExecutionError("failed to start gateway", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := gw.Close(closeCtx); err != nil {
			logger.Error("gateway shutdown error", gwlog.Error(err))
		}
	}()

	if configPath != "" {
		watcher, err := config.NewWatcher(config.WatcherConfig{
			Path:   configPath,
			Logger: logger,
			OnReload: func(next *config.Config) {
				if err := gw.Reload(next); err != nil {
					logger.Warn("config reload rejected", gwlog.Error(err))
				}
			},
		})
		if err != nil {
			logger.Warn("config hot reload disabled", gwlog.Error(err))
		} else {
			defer watcher.Close()
		}
	}

	ln, err := net.Listen("tcp", cfg.Server.ListenAddr)
	if err != nil {
		return NewExecutionError("failed to listen", err)
	}

	srv := server.New(cfg.Server, gw, buildInfo(), logger)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if err != nil {
			return NewExecutionError("server error", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	if err := srv.Shutdown(context.Background()); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return NewExecutionError("server shutdown failed", err)
	}
	return <-errCh
}

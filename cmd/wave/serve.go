package main

import (
	"context"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.uber.org/fx"

	"github.com/metalagman/wave/internal/logging"
	"github.com/metalagman/wave/internal/project"
	"github.com/metalagman/wave/internal/server"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve MCP tools over stdio",
		Long: `Serve starts the MCP server on stdin/stdout. All logging goes to
stderr; stdout is reserved for the JSON-RPC stream.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app := fx.New(
				fx.NopLogger,
				fx.Provide(
					newRegistry,
					func() zerolog.Logger { return logging.New(debug, os.Stderr) },
					server.New,
				),
				fx.Invoke(runServer),
			)
			app.Run()
			return nil
		},
	}
}

func newRegistry() (*project.Registry, error) {
	path, err := project.DefaultRegistryPath()
	if err != nil {
		return nil, err
	}
	return project.NewRegistry(path), nil
}

func runServer(lc fx.Lifecycle, s *server.Server, sd fx.Shutdowner, log zerolog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := s.Run(context.Background()); err != nil {
					log.Error().Err(err).Msg("mcp server stopped")
				}
				_ = sd.Shutdown()
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return s.Close()
		},
	})
}

package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/HendryAvila/homunculus/internal/engine"
	mcpserver "github.com/HendryAvila/homunculus/internal/server"
)

func (a *app) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP server (stdio transport)",
		Long: `Start the MCP server on stdin/stdout. Definition directories are watched
and republished on change while the server runs.

Add to your assistant's MCP config:

  {
    "mcpServers": {
      "homunculus": {
        "command": "homunculus",
        "args": ["serve"]
      }
    }
  }`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(func(ctx context.Context, e *engine.Engine) error {
				watchCtx, cancel := context.WithCancel(ctx)
				defer cancel()
				go func() {
					if err := e.WatchDefinitions(watchCtx); err != nil && !errors.Is(err, context.Canceled) {
						a.log.Error().Err(err).Msg("definition watcher stopped")
					}
				}()

				a.log.Info().Str("version", mcpserver.Version).Str("data_dir", e.Config().DataDir).Msg("mcp server starting")
				return server.ServeStdio(mcpserver.New(e))
			})
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		// No config or logging needed.
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "homunculus v%s\n", mcpserver.Version)
		},
	}
}

// Homunculus: capability evolution engine for AI coding assistants.
//
// It reads the observation log written by assistant hooks, detects missing
// capabilities, synthesizes proposals from templates and installs them only
// after a human approves.
//
// Usage:
//
//	homunculus init            # write config and built-in rules/templates
//	homunculus detect          # ingest events and detect gaps
//	homunculus proposals       # list proposals awaiting review
//	homunculus serve           # start the MCP server (stdio transport)
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/HendryAvila/homunculus/internal/config"
	"github.com/HendryAvila/homunculus/internal/engine"
	"github.com/HendryAvila/homunculus/internal/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, styles.Error.Render("Error: ")+err.Error())
		os.Exit(1)
	}
}

// app carries state shared by every subcommand.
type app struct {
	configPath string
	jsonOut    bool
	verbose    bool

	cfg      *config.Config
	log      zerolog.Logger
	closeLog func() error
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "homunculus",
		Short: "Learn missing assistant capabilities from observed friction",
		Long: `Homunculus watches tool failures and friction recorded by assistant hooks,
detects capability gaps, proposes skills, hooks, agents, commands and MCP
servers to fill them, and installs a proposal only after you approve it.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if a.closeLog != nil {
				return a.closeLog()
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", config.DefaultPath(), "config file")
	root.PersistentFlags().BoolVar(&a.jsonOut, "json", false, "print results as JSON")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		a.initCmd(),
		a.ingestCmd(),
		a.statusCmd(),
		a.gapsCmd(),
		a.gapCmd(),
		a.detectCmd(),
		a.synthesizeCmd(),
		a.proposalsCmd(),
		a.reviewCmd(),
		a.approveCmd(),
		a.rejectCmd(),
		a.installCmd(),
		a.dismissGapCmd(),
		a.capabilitiesCmd(),
		a.rollbackCmd(),
		a.disableCmd(),
		a.dependCmd(),
		a.metaStatusCmd(),
		a.configCmd(),
		a.serveCmd(),
		versionCmd(),
	)
	return root
}

func (a *app) setup() error {
	cfg, err := config.LoadFromPath(a.configPath)
	if err != nil {
		return err
	}
	if a.verbose {
		cfg.Log.Level = "debug"
	}
	log, closeLog, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	a.cfg, a.log, a.closeLog = cfg, log, closeLog
	return nil
}

// run opens the engine, runs fn with a context cancelled on interrupt, and
// closes the engine.
func (a *app) run(fn func(ctx context.Context, e *engine.Engine) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := engine.Open(ctx, a.cfg, a.log)
	if err != nil {
		return err
	}
	defer e.Close()

	if rec := e.Recovered; rec != nil && len(rec.RolledForward)+len(rec.RolledBack) > 0 {
		a.log.Warn().
			Strs("rolled_forward", rec.RolledForward).
			Strs("rolled_back", rec.RolledBack).
			Msg("recovered interrupted installs")
	}
	return fn(ctx, e)
}

// emit prints v as JSON when --json is set; otherwise it calls human.
func (a *app) emit(cmd *cobra.Command, v any, human func()) error {
	if !a.jsonOut {
		human()
		return nil
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/wesleyorama2/mobu/internal/log"
	"github.com/wesleyorama2/mobu/internal/output"
)

var version = "0.1.0"

// globalFlags are the persistent flags shared by every command.
type globalFlags struct {
	settingsPath string
	logLevel     string
	format       string
	noColor      bool
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:     "mobu",
		Short:   "Synthetic load and health checks for a notebook service",
		Version: version,
		Long: `mobu runs flocks of simulated users ("monkeys") against a JupyterHub
deployment. Each monkey logs in, spawns a lab, runs code and tears the lab
down again, reporting failures as alerts.

Run a long-lived server with a management API:
  mobu serve --settings settings.yaml

Run one user through one pass and print its log:
  mobu solitary run.yaml

Check flock documents without starting anything:
  mobu validate flock.yaml`,
		SilenceUsage: true,
		Run: func(cmd *cobra.Command, args []string) {
			// If no subcommand is provided, print help
			_ = cmd.Help()
		},
	}

	root.PersistentFlags().StringVarP(&flags.settingsPath, "settings", "s", "", "Settings file (YAML or JSON); MOBU_* environment variables override it")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVarP(&flags.format, "format", "o", "text", "Output format: text, json or yaml")
	root.PersistentFlags().BoolVar(&flags.noColor, "no-color", false, "Disable colored output")

	root.AddCommand(newServeCmd(flags))
	root.AddCommand(newSolitaryCmd(flags))
	root.AddCommand(newValidateCmd(flags))
	root.AddCommand(newStatusCmd(flags))
	return root
}

// Execute runs the root command with the process arguments.
// This is called by main.main().
func Execute() error {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}
	return nil
}

// formatter builds the output formatter for w from the global flags.
func (g *globalFlags) formatter(w io.Writer) (*output.Formatter, error) {
	format, err := output.ParseFormat(g.format)
	if err != nil {
		return nil, err
	}
	noColor := g.noColor
	if f, ok := w.(*os.File); ok {
		noColor = !output.UseColor(f, noColor)
	} else {
		noColor = true
	}
	return output.NewFormatter(format, noColor), nil
}

// configureLogging sets up the process logger. Commands that print results
// on stdout log to stderr.
func (g *globalFlags) configureLogging(level string, w io.Writer) {
	if g.logLevel != "" {
		level = g.logLevel
	}
	log.Configure(log.Config{Level: level, Output: w, Service: "mobu"})
}

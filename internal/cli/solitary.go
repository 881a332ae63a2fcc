package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wesleyorama2/mobu/internal/config"
	"github.com/wesleyorama2/mobu/internal/flock"
)

// errRunFailed is returned when a solitary run completes without success.
var errRunFailed = errors.New("solitary run failed")

func newSolitaryCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "solitary FILE",
		Short: "Run one monkey through a single pass of its business",
		Long: `Authenticate one user, run its business once and print the result
together with the monkey's log. The exit status is non-zero if the run
failed. Alerts are not sent.

Example document:
  user:
    username: bot-mobu-solitary
  scopes: ["exec:notebook"]
  business:
    type: JupyterPythonLoop
    options:
      max_executions: 1`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadSettings(flags.settingsPath)
			if err != nil {
				return err
			}
			if err := settings.Validate(); err != nil {
				return err
			}
			flags.configureLogging(settings.LogLevel, cmd.ErrOrStderr())

			cfg, err := config.LoadSolitary(args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			formatter, err := flags.formatter(out)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			opts := flockOptions(settings)
			opts.Output = io.Discard
			result, err := flock.RunSolitary(ctx, *cfg, opts)
			if err != nil {
				return err
			}

			text, err := formatter.FormatSolitary(result)
			if err != nil {
				return err
			}
			fmt.Fprint(out, text)
			if !result.Success {
				return errRunFailed
			}
			return nil
		},
	}
}

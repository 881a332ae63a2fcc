package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wesleyorama2/mobu/internal/api"
	"github.com/wesleyorama2/mobu/internal/flock"
	"github.com/wesleyorama2/mobu/internal/log"
)

func newServeCmd(flags *globalFlags) *cobra.Command {
	var listen, autostart string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run flocks and serve the management API",
		Long: `Start the management API and, if an autostart file is configured, the
flocks it lists. Flocks keep running until the process receives SIGINT or
SIGTERM, at which point every monkey is stopped and its lab deleted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadSettings(flags.settingsPath)
			if err != nil {
				return err
			}
			if listen != "" {
				settings.ListenAddress = listen
			}
			if autostart != "" {
				settings.Autostart = autostart
			}
			if err := settings.Validate(); err != nil {
				return err
			}
			flags.configureLogging(settings.LogLevel, os.Stdout)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			manager := flock.NewManager(flockOptions(settings), settings.ConcurrencyLimit)
			return serve(ctx, manager, settings.Autostart, settings.ListenAddress)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "Listen address for the management API (default :8080)")
	cmd.Flags().StringVar(&autostart, "autostart", "", "File of flocks to start immediately")
	return cmd
}

// serve runs the API until ctx is cancelled and then stops every flock.
func serve(ctx context.Context, manager *flock.Manager, autostart, addr string) error {
	logger := log.WithComponent("serve")

	if autostart != "" {
		if err := manager.Autostart(ctx, autostart); err != nil {
			_ = manager.Close(context.WithoutCancel(ctx))
			return err
		}
	}

	serveErr := api.New(manager).ListenAndServe(ctx, addr)

	logger.Info().Msg("stopping all flocks")
	if err := manager.Close(context.WithoutCancel(ctx)); err != nil {
		logger.Error().Err(err).Msg("error stopping flocks")
		if serveErr == nil {
			serveErr = fmt.Errorf("stop flocks: %w", err)
		}
	}
	return serveErr
}

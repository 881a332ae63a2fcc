package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wesleyorama2/mobu/internal/config"
)

func newValidateCmd(flags *globalFlags) *cobra.Command {
	var list, solitary bool

	cmd := &cobra.Command{
		Use:   "validate FILE...",
		Short: "Check flock documents without running them",
		Long: `Check each file against the flock schema and field rules. With
--autostart each file must hold a list of flocks, as read by serve; with
--solitary each file is a solitary run document.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if list && solitary {
				return fmt.Errorf("--autostart and --solitary are mutually exclusive")
			}
			flags.configureLogging("warn", cmd.ErrOrStderr())

			out := cmd.OutOrStdout()
			formatter, err := flags.formatter(out)
			if err != nil {
				return err
			}

			invalid := 0
			for _, path := range args {
				var err error
				switch {
				case list:
					_, err = config.LoadFlocks(path)
				case solitary:
					_, err = config.LoadSolitary(path)
				default:
					_, err = config.LoadFlock(path)
				}
				if err != nil {
					invalid++
				}
				fmt.Fprint(out, formatter.FormatValidation(path, err))
			}
			if invalid > 0 {
				return fmt.Errorf("%d of %d files invalid", invalid, len(args))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&list, "autostart", false, "Files are autostart lists of flocks")
	cmd.Flags().BoolVar(&solitary, "solitary", false, "Files are solitary run documents")
	return cmd
}

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/wesleyorama2/mobu/internal/flock"
	"github.com/wesleyorama2/mobu/internal/output"
)

const defaultServer = "http://localhost:8080"

func newStatusCmd(flags *globalFlags) *cobra.Command {
	var server, flockName string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the flocks of a running server",
		Long: `Query the management API of a running mobu server. Without --flock
print a summary of every flock; with --flock print event latency
statistics for that flock.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if server == "" {
				server = os.Getenv("MOBU_SERVER")
			}
			if server == "" {
				server = defaultServer
			}

			out := cmd.OutOrStdout()
			formatter, err := flags.formatter(out)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			var text string
			if flockName == "" {
				var summaries []flock.Summary
				if err := getJSON(ctx, server, "/mobu/summary", &summaries); err != nil {
					return err
				}
				text, err = formatter.FormatSummaries(summaries)
			} else {
				var report output.EventReport
				if err := getJSON(ctx, server, "/mobu/flocks/"+url.PathEscape(flockName)+"/timings", &report); err != nil {
					return err
				}
				text, err = formatter.FormatEventReport(report)
			}
			if err != nil {
				return err
			}
			fmt.Fprint(out, text)
			return nil
		},
	}

	cmd.Flags().StringVar(&server, "server", "", "Base URL of the mobu server (default $MOBU_SERVER or "+defaultServer+")")
	cmd.Flags().StringVar(&flockName, "flock", "", "Show event statistics for this flock")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Request timeout")
	return cmd
}

// getJSON fetches path from the server and decodes the JSON reply.
func getJSON(ctx context.Context, server, path string, out any) error {
	endpoint := strings.TrimRight(server, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var body struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		if json.Unmarshal(data, &body) == nil && body.Error != "" {
			return fmt.Errorf("GET %s: %s (status %d)", endpoint, body.Error, resp.StatusCode)
		}
		return fmt.Errorf("GET %s: status %d", endpoint, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", endpoint, err)
	}
	return nil
}

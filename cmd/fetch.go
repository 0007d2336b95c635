package cmd

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/og-crawler/internal/api"
)

// newFetchCmd creates the 'fetch' subcommand. It runs one crawl through the
// same pipeline as the HTTP API and prints the response body.
func newFetchCmd() *cobra.Command {
	var (
		mode    string
		timings bool
	)
	cmd := &cobra.Command{
		Use:   "fetch <url>",
		Short: "Extracts metadata for a single URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}

			req, err := api.ParseCrawlRequest(url.Values{
				"url":     {args[0]},
				"mode":    {mode},
				"timings": {strconv.FormatBool(timings)},
			})
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")

			resp, err := appInstance.Runner().Run(cmd.Context(), req)
			if err != nil {
				if encErr := enc.Encode(map[string]any{"ok": false, "error": api.MessageOf(err)}); encErr != nil {
					return fmt.Errorf("write response: %w", encErr)
				}
				return fmt.Errorf("crawl %s: %w", req.URL, err)
			}
			if err := enc.Encode(resp); err != nil {
				return fmt.Errorf("write response: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "auto", "crawl mode: auto, static or dynamic")
	cmd.Flags().BoolVar(&timings, "timings", false, "include timing and cache diagnostics")
	return cmd
}

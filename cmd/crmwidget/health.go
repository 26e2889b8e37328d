package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/comigor/crm-query-widget/internal/query"
)

func newHealthCmd() *cobra.Command {
	var (
		baseURL string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check that the query service is reachable",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("base-url") {
				baseURL = cfg.Query.BaseURL
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, infoStyle.Render("Query service: "+baseURL))
			if err := query.NewClient(baseURL).Health(ctx); err != nil {
				fmt.Fprintln(out, errorStyle.Render("✗ Unreachable: "+query.Cause(err)))
				return err
			}
			fmt.Fprintln(out, successStyle.Render("✓ Healthy"))
			return nil
		},
	}

	cmd.Flags().StringVar(&baseURL, "base-url", "", "query service base URL (default from config)")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "how long to wait for the service")
	return cmd
}

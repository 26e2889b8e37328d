package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/comigor/crm-query-widget/internal/inject"
)

func newInjectCmd() *cobra.Command {
	var path, scriptURL string

	cmd := &cobra.Command{
		Use:   "inject",
		Short: "Add the widget script to the CRM client metadata",
		Long: `Writes the CRM client metadata file so that every CRM page appends the
widget script. Run it where the CRM's custom directory is mounted, then clear
the CRM cache and reload.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("path") {
				path = cfg.Inject.Path
			}
			if !cmd.Flags().Changed("script-url") {
				scriptURL = cfg.Inject.ScriptURL
			}

			out := cmd.OutOrStdout()
			if err := inject.Write(path, scriptURL); err != nil {
				fmt.Fprintln(out, errorStyle.Render("✗ Widget script not injected"))
				return err
			}
			fmt.Fprintln(out, successStyle.Render("✓ Widget script injected"))
			fmt.Fprintln(out, infoStyle.Render("  "+path+" → "+scriptURL))
			fmt.Fprintln(out, "  Clear the CRM cache and reload.")
			return nil
		},
	}

	cmd.Flags().StringVar(&path, "path", "", "client metadata file to write (default from config)")
	cmd.Flags().StringVar(&scriptURL, "script-url", "", "widget script URL (default from config)")
	return cmd
}

package main

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/comigor/crm-query-widget/internal/config"
	"github.com/comigor/crm-query-widget/internal/logger"
)

var (
	version = "dev"
	commit  = "unknown"
)

var (
	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("39"))
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "crmwidget",
		Short: "Host the CRM natural-language query widget",
		Long: `crmwidget serves the chat widget that lets CRM users ask questions
about their data in plain language. Questions are forwarded to the query
service, and its tables, SQL and errors are rendered in the page.

  crmwidget serve     # run the widget host
  crmwidget inject    # make the CRM load the widget script
  crmwidget health    # check that the query service is reachable`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	root.AddCommand(newServeCmd(), newInjectCmd(), newHealthCmd())
	return root
}

// loadConfig reads the configuration and applies its log level.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger.SetLevel(cfg.Log.Level)
	return cfg, nil
}

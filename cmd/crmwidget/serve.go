package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/comigor/crm-query-widget/internal/config"
	"github.com/comigor/crm-query-widget/internal/journal"
	"github.com/comigor/crm-query-widget/internal/logger"
	"github.com/comigor/crm-query-widget/internal/query"
	"github.com/comigor/crm-query-widget/internal/server"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the widget host",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Watch(func(next *config.Config) {
				logger.SetLevel(next.Log.Level)
				logger.L.Info("configuration reloaded", "log_level", logger.Level().String())
			})
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger.SetLevel(cfg.Log.Level)

			j := journal.Open(cfg.Journal.Path)
			defer j.Close()

			srv, err := server.New(cfg, query.NewClient(cfg.Query.BaseURL), j)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return srv.Run(ctx)
		},
	}
}

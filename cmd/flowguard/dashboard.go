package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"flowguard/internal/config"
	"flowguard/internal/dashboard"
	"flowguard/internal/logger"
	"flowguard/internal/storage"
)

func dashboardCmd(g *globalOptions) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Serve the alert dashboard API",
		Long: `Serve alert statistics over HTTP. The alert log is read once at startup
(keeping the most recent dashboard.recent_limit alerts) and then polled
for new lines.

Endpoints:
  GET /api/stats
  GET /api/alerts?limit=N
  GET /api/alerts/severity/:severity
  GET /api/events        (server-sent events: initialData, newAlert, statsUpdate)
  GET /api/index/stats   (only when sqlite.enabled)`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, l, err := g.load()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Dashboard.Listen = listen
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serveDashboard(ctx, cfg, l)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "Listen address (overrides dashboard.listen)")
	return cmd
}

func dashboardOptions(cfg *config.Config) dashboard.Options {
	alertLog := cfg.Dashboard.AlertLog
	if alertLog == "" {
		alertLog = cfg.Sinks.AlertLog
	}
	return dashboard.Options{
		Listen:       cfg.Dashboard.Listen,
		AlertLog:     alertLog,
		RecentLimit:  cfg.Dashboard.RecentLimit,
		PollInterval: cfg.Dashboard.PollInterval,
	}
}

func serveDashboard(ctx context.Context, cfg *config.Config, l logger.Logger) error {
	opts := dashboardOptions(cfg)
	if cfg.Sqlite.Enabled {
		idx, err := storage.OpenIndex(cfg.Sqlite.Dsn, cfg.Sqlite.Prefix, l.With("component", "storage"))
		if err != nil {
			return err
		}
		defer idx.Close()
		opts.Index = idx
	}
	return dashboard.New(opts, l.With("component", "dashboard")).Start(ctx)
}

package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"flowguard/internal/cdp"
	"flowguard/internal/config"
	"flowguard/internal/logger"
	"flowguard/pkg/api"
)

type runOptions struct {
	devtools  string
	target    string
	dashboard bool
}

func runCmd(g *globalOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Attach to a browser and inspect its traffic",
		Long: `Attach to the DevTools endpoint, intercept every request and response and
inspect their bodies. Traffic is never modified or blocked.

SIGHUP reloads the pattern rules; SIGINT or SIGTERM drains pending
requests and exits.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, l, err := g.load()
			if err != nil {
				return err
			}
			if opts.devtools != "" {
				cfg.CDP.DevToolsURL = opts.devtools
			}
			if opts.target != "" {
				cfg.CDP.Target = opts.target
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, l, opts.dashboard)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.devtools, "devtools", "", "DevTools HTTP endpoint (overrides cdp.devtools_url)")
	f.StringVar(&opts.target, "target", "", "Target ID to attach to (default: first page)")
	f.BoolVar(&opts.dashboard, "dashboard", false, "Also serve the alert dashboard")
	return cmd
}

func run(ctx context.Context, cfg *config.Config, l logger.Logger, withDashboard bool) error {
	svc, err := api.NewService(cfg, l)
	if err != nil {
		return err
	}
	go svc.Run(ctx)
	go reloadOnHangup(ctx, svc, l)

	if withDashboard {
		go func() {
			if err := serveDashboard(ctx, cfg, l); err != nil {
				l.Error("告警看板异常退出", "error", err)
			}
		}()
	}

	mgr := cdp.New(cdp.Options{
		DevToolsURL:      cfg.CDP.DevToolsURL,
		Target:           cfg.CDP.Target,
		ProcessTimeoutMS: cfg.CDP.ProcessTimeoutMS,
		Workers:          cfg.CDP.Workers,
		Pipeline:         svc,
		Logger:           l.With("component", "cdp"),
	})
	runErr := mgr.Attach(ctx)
	if runErr == nil {
		runErr = mgr.Run(ctx)
	}
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}

	st := svc.Stats()
	l.Info("正在退出",
		"alerts", st.Alerts,
		"pending", st.Correlator.Pending,
		"misses", st.Correlator.Misses,
		"writeErrors", st.WriteErrors)
	return errors.Join(runErr, mgr.Close(), svc.Close())
}

// reloadOnHangup 收到 SIGHUP 时重新加载规则
func reloadOnHangup(ctx context.Context, svc api.Service, l logger.Logger) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)
	defer signal.Stop(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
			n, err := svc.ReloadRules()
			if err != nil {
				l.Error("规则重载失败，继续使用旧规则", "error", err)
				continue
			}
			l.Info("规则已重载", "count", n)
		}
	}
}

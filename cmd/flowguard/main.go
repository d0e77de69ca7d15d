// flowguard inspects browser traffic for sensitive data and serves the alert dashboard.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"flowguard/internal/config"
	"flowguard/internal/logger"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type globalOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	g := &globalOptions{}
	cmd := &cobra.Command{
		Use:   "flowguard",
		Short: "DLP inspection for browser HTTP traffic",
		Long: `flowguard attaches to a Chromium DevTools endpoint, inspects request and
response bodies against sensitive-data patterns and records alerts and
completed flows to append-only JSON-lines files.

Configuration is merged from defaults, the YAML file given by --config and
FLOWGUARD_* environment variables (nested keys use a double underscore,
e.g. FLOWGUARD_SINKS__ALERT_LOG).`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "Path to YAML config file")
	cmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Override log level (trace, debug, info, warn, error)")

	cmd.AddCommand(runCmd(g))
	cmd.AddCommand(dashboardCmd(g))
	cmd.AddCommand(rulesCmd(g))
	return cmd
}

// load 读取配置并按配置创建日志
func (g *globalOptions) load() (*config.Config, logger.Logger, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, nil, err
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
		if err := cfg.Validate(); err != nil {
			return nil, nil, err
		}
	}
	l, err := logger.New(logger.Options{
		Level:      cfg.Log.Level,
		Writers:    cfg.Log.Writer,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	if err != nil {
		return nil, nil, err
	}
	return cfg, l, nil
}

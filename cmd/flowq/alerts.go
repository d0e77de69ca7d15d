package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"flowguard/internal/alertstats"
	"flowguard/internal/config"
	"flowguard/internal/handler"
	"flowguard/internal/storage"
	"flowguard/pkg/model"
)

type alertsOptions struct {
	file     string
	db       string
	prefix   string
	recent   int
	severity string
}

func alertsCmd() *cobra.Command {
	def := config.NewConfig()
	opts := &alertsOptions{}
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "Summarize DLP alerts",
		Long: `Summarize DLP alerts from the append-only alert log, or from the
SQLite index when --db is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.db != "" {
				return runIndexAlerts(cmd.Context(), cmd.OutOrStdout(), opts)
			}
			return runLogAlerts(cmd.OutOrStdout(), opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.file, "file", def.Sinks.AlertLog, "Path to alert log")
	f.StringVar(&opts.db, "db", "", "Read from the SQLite index at this path instead of the alert log")
	f.StringVar(&opts.prefix, "prefix", def.Sqlite.Prefix, "SQLite table prefix")
	f.IntVar(&opts.recent, "recent", 10, "Number of recent alerts to list")
	f.StringVar(&opts.severity, "severity", "", "Only list alerts of this severity")
	return cmd
}

func runLogAlerts(out io.Writer, opts *alertsOptions) error {
	tracker := alertstats.NewTracker(alertstats.DefaultRecent)
	n, err := alertstats.NewTailer(opts.file, tracker, nil).LoadExisting()
	if err != nil {
		return fmt.Errorf("load alerts: %w", err)
	}
	if n == 0 {
		fmt.Fprintln(out, "No alerts found")
		return nil
	}

	s := tracker.Stats()
	writeCounts(out, s.Total, map[string]int64{
		string(model.SeverityCritical): s.Critical,
		string(model.SeverityHigh):     s.High,
		string(model.SeverityMedium):   s.Medium,
		string(model.SeverityLow):      s.Low,
	}, s.ByType, destinationTotals(s.ByDestination))

	var list []model.Alert
	if opts.severity != "" {
		list = tracker.BySeverity(opts.severity)
	} else {
		list = tracker.Recent(0)
	}
	writeRecent(out, list, opts.recent)
	return nil
}

func runIndexAlerts(ctx context.Context, out io.Writer, opts *alertsOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	idx, err := storage.OpenIndex(opts.db, opts.prefix, nil)
	if err != nil {
		return err
	}
	defer idx.Close()

	counts, err := idx.CountAlerts(ctx)
	if err != nil {
		return err
	}
	if counts.Total == 0 {
		fmt.Fprintln(out, "No alerts found")
		return nil
	}
	writeCounts(out, counts.Total, counts.BySeverity, counts.ByType, counts.ByHost)

	// gorm 中 -1 表示不限制条数
	limit := opts.recent
	if opts.severity != "" || limit <= 0 {
		limit = -1
	}
	list, err := idx.RecentAlerts(ctx, limit)
	if err != nil {
		return err
	}
	if opts.severity != "" {
		filtered := list[:0]
		for _, a := range list {
			if strings.EqualFold(string(a.Severity), opts.severity) {
				filtered = append(filtered, a)
			}
		}
		list = filtered
	}
	writeRecent(out, list, opts.recent)
	return nil
}

func destinationTotals(m map[string]*alertstats.Destination) map[string]int64 {
	out := make(map[string]int64, len(m))
	for host, d := range m {
		out[host] = d.Total
	}
	return out
}

func writeCounts(out io.Writer, total int64, bySeverity, byType, byHost map[string]int64) {
	fmt.Fprintln(out, "\n"+strings.Repeat("=", 80))
	fmt.Fprintln(out, "DLP ALERT STATISTICS")
	fmt.Fprintln(out, strings.Repeat("=", 80))
	fmt.Fprintf(out, "\nTotal Alerts: %d\n", total)

	fmt.Fprintln(out, "\nBy Severity:")
	for _, sev := range []model.Severity{model.SeverityCritical, model.SeverityHigh, model.SeverityMedium, model.SeverityLow} {
		fmt.Fprintf(out, "  %-10s %d\n", strings.ToUpper(string(sev)), bySeverity[string(sev)])
	}

	fmt.Fprintln(out, "\nBy Type:")
	for _, kv := range sortedCounts(byType, 0) {
		fmt.Fprintf(out, "  %-30s %d\n", kv.key, kv.n)
	}

	fmt.Fprintln(out, "\nTop Destinations:")
	for _, kv := range sortedCounts(byHost, 10) {
		fmt.Fprintf(out, "  %-50s %d\n", kv.key, kv.n)
	}
}

func writeRecent(out io.Writer, list []model.Alert, n int) {
	if n > 0 && len(list) > n {
		list = list[len(list)-n:]
	}
	if len(list) == 0 {
		return
	}
	fmt.Fprintf(out, "\nRecent Alerts (%d):\n", len(list))
	for _, a := range list {
		fmt.Fprintf(out, "  %s %s\n", a.Timestamp.UTC().Format("2006-01-02T15:04:05Z"), handler.AlertLine(a))
	}
}

type keyCount struct {
	key string
	n   int64
}

// sortedCounts 按计数降序，计数相同按键名升序；limit<=0 表示不截断
func sortedCounts(m map[string]int64, limit int) []keyCount {
	out := make([]keyCount, 0, len(m))
	for k, n := range m {
		out = append(out, keyCount{k, n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].n != out[j].n {
			return out[i].n > out[j].n
		}
		return out[i].key < out[j].key
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

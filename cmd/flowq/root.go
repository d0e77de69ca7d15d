package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"flowguard/internal/config"
	"flowguard/internal/flowquery"
	"flowguard/pkg/model"
)

type rootOptions struct {
	file     string
	query    flowquery.Query
	stats    bool
	detailed bool
	json     bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "flowq",
		Short: "View and search captured HTTP flows",
		Long: `flowq loads the JSON-lines flow log and runs one search per invocation.

Only the highest-priority criterion is honored:
  --stats > --flow-id > --url > --host > --method > --status > --recent > last 10 flows

Examples:
  flowq --host api.example.com
  flowq --status 500 --detailed
  flowq --recent 5 --json`,
		Version:       version,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runQuery(cmd.OutOrStdout(), cmd.ErrOrStderr(), opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.file, "file", config.NewConfig().Sinks.FlowLog, "Path to flows file")
	f.StringVar(&opts.query.URL, "url", "", "Search by URL substring")
	f.StringVar(&opts.query.Host, "host", "", "Search by host substring")
	f.StringVar(&opts.query.Method, "method", "", "Search by HTTP method")
	f.IntVar(&opts.query.Status, "status", 0, "Search by response status code")
	f.StringVar(&opts.query.FlowID, "flow-id", "", "Get a specific flow by ID")
	f.IntVar(&opts.query.Recent, "recent", 0, "Show the N most recent flows")
	f.BoolVar(&opts.stats, "stats", false, "Show statistics")
	f.BoolVar(&opts.detailed, "detailed", false, "Show detailed view (headers and bodies)")
	f.BoolVar(&opts.json, "json", false, "Print matching flows as JSON lines with bodies trimmed")

	cmd.AddCommand(alertsCmd())
	return cmd
}

func loadFlows(out, errOut io.Writer, path string) ([]model.CompletedFlow, error) {
	res, err := flowquery.Load(path)
	if errors.Is(err, flowquery.ErrStoreNotFound) {
		fmt.Fprintf(out, "Error: Flows file not found: %s\n", path)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load flows: %w", err)
	}
	if res.Skipped > 0 {
		fmt.Fprintf(errOut, "Warning: skipped %d malformed record(s) in %s\n", res.Skipped, path)
	}
	return res.Flows, nil
}

func runQuery(out, errOut io.Writer, opts *rootOptions) error {
	flows, err := loadFlows(out, errOut, opts.file)
	if err != nil {
		return err
	}

	if opts.stats {
		if len(flows) == 0 {
			fmt.Fprintln(out, "No flows found")
			return nil
		}
		flowquery.WriteStats(out, flowquery.ComputeStats(flows))
		return nil
	}

	matched, err := opts.query.Run(flows)
	if errors.Is(err, flowquery.ErrFlowNotFound) {
		fmt.Fprintf(out, "Flow not found: %s\n", opts.query.FlowID)
		return nil
	}
	if err != nil {
		return err
	}
	if len(matched) == 0 {
		fmt.Fprintln(out, "No flows found")
		return nil
	}

	if opts.json {
		for _, f := range matched {
			if err := flowquery.WriteJSON(out, f); err != nil {
				return err
			}
		}
		return nil
	}

	fmt.Fprintf(out, "\nFound %d flow(s)\n", len(matched))
	for _, f := range matched {
		if opts.detailed {
			flowquery.WriteDetailed(out, f)
		} else {
			flowquery.WriteSummary(out, f)
		}
	}
	return nil
}

package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"flowguard/internal/rules"
	"flowguard/pkg/model"
)

func rulesCmd(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect DLP pattern rules",
	}
	cmd.AddCommand(rulesCheckCmd(g))
	cmd.AddCommand(rulesListCmd(g))
	return cmd
}

func rulesCheckCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check [file]",
		Short: "Validate a rule file",
		Long: `Parse and compile every pattern in a rule file and report the entries
that would be skipped at load time. Without an argument the file named by
rules.file is checked. Exits non-zero when any entry is invalid.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := rulePath(g, args)
			if err != nil {
				return err
			}
			if path == "" {
				return fmt.Errorf("no rule file given and rules.file is not set")
			}
			return checkRules(cmd.OutOrStdout(), path)
		},
	}
}

func rulesListCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list [file]",
		Short: "List the rules that would be loaded",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := rulePath(g, args)
			if err != nil {
				return err
			}
			defs := rules.DefaultRules()
			if path != "" {
				f, err := rules.ReadFile(path)
				if err != nil {
					return err
				}
				defs = f.Rules
			}
			listRules(cmd.OutOrStdout(), defs)
			return nil
		},
	}
}

func rulePath(g *globalOptions, args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	cfg, _, err := g.load()
	if err != nil {
		return "", err
	}
	return cfg.Rules.File, nil
}

func checkRules(out io.Writer, path string) error {
	f, err := rules.ReadFile(path)
	if err != nil {
		return err
	}
	reg, diags := f.Load()
	for _, d := range diags {
		fmt.Fprintf(out, "INVALID %s\n", d.Error())
	}
	fmt.Fprintf(out, "%s: %d rule(s) loaded, %d skipped\n", path, reg.Count(), len(diags))
	if len(diags) > 0 {
		return fmt.Errorf("%d invalid rule(s) in %s", len(diags), path)
	}
	return nil
}

func listRules(out io.Writer, defs []model.PatternRule) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSEVERITY\tPATTERN")
	for _, d := range defs {
		fmt.Fprintf(w, "%s\t%s\t%s\n", d.Name, d.Severity, d.Pattern)
	}
	w.Flush()
}

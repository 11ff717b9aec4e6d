package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/go-drift/relay/pkg/manifest"
)

func newValidateCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [manifest]",
		Short: "Validate a component manifest",
		Long: `Validate loads the manifest, checks its schema version, component kinds,
launch modes and filter patterns, and prints the components per tree.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := e.cfg.Manifest.Path
			if len(args) == 1 {
				path = args[0]
			}
			m, err := manifest.Load(path)
			if err != nil {
				return err
			}
			e.log.Debug("manifest loaded", zap.String("path", path), zap.String("version", m.Version))

			out := cmd.OutOrStdout()
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TREE\tTYPE\tKIND\tLAUNCH\tRETAINED\tFILTERS")
			for _, tree := range m.Trees() {
				for _, c := range m.Components {
					if c.Tree != tree {
						continue
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%s\n", tree, c.Type, c.Kind, c.Launch, c.Retained, actions(c.Filters))
				}
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			_, err = fmt.Fprintf(out, "ok: %s, %d components in %d trees\n", m.Version, len(m.Components), len(m.Trees()))
			return err
		},
	}
}

func actions(filters []manifest.Filter) string {
	if len(filters) == 0 {
		return "-"
	}
	names := make([]string, len(filters))
	for i, f := range filters {
		names[i] = f.Action
	}
	return strings.Join(names, ",")
}

package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	relayerrors "github.com/go-drift/relay/pkg/errors"
	"github.com/go-drift/relay/pkg/manifest"
	"github.com/go-drift/relay/pkg/routing"
)

func newResolveCmd(e *env) *cobra.Command {
	var (
		typ, action, uri, mime string
		categories             []string
	)
	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Resolve a message against the manifest",
		Long: `Resolve prints the candidate component types for a message, most specific
first, the way a running host would pick a dispatch target.

  relay resolve --type compose
  relay resolve --action SEND --category DEFAULT --mime text/plain
  relay resolve --action VIEW --category DEFAULT,BROWSABLE --uri https://example.com/docs`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var desc routing.Descriptor
			switch {
			case typ != "" && action != "":
				return relayerrors.Newf("relay.resolve", relayerrors.KindValidation, "", "--type and --action are mutually exclusive")
			case typ != "":
				desc.Target = routing.Explicit{Type: typ}
			default:
				desc.Target = routing.Implicit{
					Action:     action,
					Categories: categories,
					Data:       routing.Data{URI: uri, MimeType: mime},
				}
			}

			m, err := manifest.Load(e.cfg.Manifest.Path)
			if err != nil {
				return err
			}
			router, err := routing.NewRouter(m, routing.Options{CacheSize: -1})
			if err != nil {
				return err
			}
			candidates, err := router.Resolve(desc)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RANK\tTYPE\tTREE\tFILTER\tSPECIFICITY")
			for i, c := range candidates {
				filter, spec := "-", "-"
				if c.Filter >= 0 {
					filter = fmt.Sprint(c.Filter)
					spec = c.Specificity.String()
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", i+1, c.Type, c.Tree, filter, spec)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&typ, "type", "", "explicit target type")
	cmd.Flags().StringVar(&action, "action", "", "implicit action")
	cmd.Flags().StringSliceVar(&categories, "category", nil, "implicit categories (repeatable or comma separated)")
	cmd.Flags().StringVar(&uri, "uri", "", "data URI")
	cmd.Flags().StringVar(&mime, "mime", "", "data mime type")
	return cmd
}

package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/go-drift/relay/pkg/platform"
	"github.com/go-drift/relay/pkg/state"
)

func newStateCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect the durable state sink",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.PersistentFlags().String(flagDB, "", "sink database, overriding persistence.path")
	cmd.AddCommand(newStateDumpCmd(e))
	cmd.AddCommand(newStateRmCmd(e))
	return cmd
}

func (e *env) openSink(cmd *cobra.Command) (*platform.SQLiteSink, error) {
	path := e.cfg.Persistence.Path
	if db, _ := cmd.Flags().GetString(flagDB); db != "" {
		path = db
	}
	return platform.OpenSQLite(path, platform.SQLiteOptions{
		BusyTimeout: e.cfg.Persistence.BusyTimeout,
		MaxRetries:  e.cfg.Persistence.MaxRetries,
	})
}

func newStateDumpCmd(e *env) *cobra.Command {
	var prefix string
	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Print stored bundles",
		Long: `Dump prints every stored root bundle whose key starts with --prefix.
Keys are <tree>/<tag>; nested children appear under @child/<tag>.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sink, err := e.openSink(cmd)
			if err != nil {
				return err
			}
			defer sink.Close()

			ctx := cmd.Context()
			keys, err := sink.Keys(ctx, prefix)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, key := range keys {
				b, ok, err := sink.Get(ctx, key)
				if err != nil {
					return err
				}
				if !ok {
					continue
				}
				raw, err := state.Encode(b)
				if err != nil {
					return err
				}
				var pretty bytes.Buffer
				if err := json.Indent(&pretty, raw, "", "  "); err != nil {
					return err
				}
				if _, err := fmt.Fprintf(out, "%s\n%s\n", key, pretty.String()); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "only keys with this prefix, e.g. main/")
	return cmd
}

func newStateRmCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "rm KEY...",
		Short: "Delete stored bundles",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sink, err := e.openSink(cmd)
			if err != nil {
				return err
			}
			defer sink.Close()
			for _, key := range args {
				if err := sink.Delete(cmd.Context(), key); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

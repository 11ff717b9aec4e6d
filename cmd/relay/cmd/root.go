// Package cmd implements the relay CLI commands.
//
// The command structure follows a root command that loads configuration once
// and dispatches to subcommands (validate, resolve, state, version).
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/go-drift/relay/pkg/config"
	relayerrors "github.com/go-drift/relay/pkg/errors"
)

// Version information set at build time.
var (
	Version   = "0.1.0-dev"
	BuildTime = "unknown"
)

const (
	flagConfig   = "config"
	flagManifest = "manifest"
	flagLogLevel = "log-level"
	flagDB       = "db"
)

// env is shared by every subcommand once the root has loaded configuration.
type env struct {
	cfg config.Config
	log *zap.Logger
}

// New builds the root command.
func New() *cobra.Command {
	e := &env{}
	root := &cobra.Command{
		Use:   "relay [command]",
		Short: "Inspect relay manifests and persisted component state",
		Long: `relay works with the component manifest and the durable state sink
used by a relay host.

Configuration is read from relay.yaml (or --config / RELAY_CONFIG) and
RELAY_* environment variables; flags override both.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return e.load(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if e.log != nil {
				_ = e.log.Sync()
			}
		},
		DisableAutoGenTag: true,
		SilenceUsage:      true,
	}

	root.PersistentFlags().String(flagConfig, "", "config file (default: ./relay.yaml if present)")
	root.PersistentFlags().String(flagManifest, "", "component manifest, overriding manifest.path")
	root.PersistentFlags().String(flagLogLevel, "", "log level, overriding log.level")

	root.AddCommand(newValidateCmd(e))
	root.AddCommand(newResolveCmd(e))
	root.AddCommand(newStateCmd(e))
	root.AddCommand(newVersionCmd())
	return root
}

func (e *env) load(cmd *cobra.Command) error {
	path, _ := cmd.Flags().GetString(flagConfig)
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if m, _ := cmd.Flags().GetString(flagManifest); m != "" {
		cfg.Manifest.Path = m
	}
	if l, _ := cmd.Flags().GetString(flagLogLevel); l != "" {
		cfg.Log.Level = l
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := cfg.Log.Logger()
	if err != nil {
		return err
	}
	relayerrors.SetLogger(log)
	relayerrors.SetHandler(&relayerrors.LogHandler{Verbose: cfg.Log.Development})

	e.cfg = cfg
	e.log = log
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "relay version %s (built %s)\n", Version, BuildTime)
			return err
		},
	}
}

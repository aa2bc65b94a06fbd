// Package cli implements the strata command-line interface: inspect the
// event log, dispatch events, and query models declared in the config file.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/stratadb/strata/pkg/strata"
)

const (
	exitSuccess   = 0
	exitUserError = 1
	exitSysError  = 2
)

// rootFlags holds global flag values accessible to all subcommands.
type rootFlags struct {
	configFile string
	dbPath     string
	verbose    bool
}

var flags rootFlags

// NewRootCmd creates the top-level "strata" command with global flags and
// all subcommands registered.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "strata",
		Short: "An event-sourced document store over SQLite",
		Long: "Strata stores JSON documents in SQLite behind an append-only event log.\n" +
			"Models and their columns are declared in strata.yaml; every write is an\n" +
			"event, replayed deterministically into document tables.",
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flags.configFile, "config", "", "config file (default: strata.yaml)")
	root.PersistentFlags().StringVar(&flags.dbPath, "db", "", "database file (overrides config)")
	root.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "log engine activity")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newEventsCmd())
	root.AddCommand(newDispatchCmd())
	root.AddCommand(newGetCmd())
	root.AddCommand(newSearchCmd())

	return root
}

// Execute runs the root command and exits with the appropriate code.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		os.Exit(exitUserError)
	}
}

// openStore loads the config and opens the store with its declared models.
func openStore(ctx context.Context) (*strata.DB, error) {
	cfg, models, err := loadConfig(flags.configFile, flags.dbPath)
	if err != nil {
		return nil, err
	}
	log := zap.NewNop()
	if flags.verbose {
		if log, err = zap.NewDevelopment(); err != nil {
			return nil, err
		}
	}
	db, err := strata.Open(ctx, cfg, models, strata.WithLogger(log))
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	return db, nil
}

// printJSON writes v to the command's stdout as indented JSON.
func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

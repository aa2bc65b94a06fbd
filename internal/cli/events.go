package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newEventsCmd() *cobra.Command {
	var (
		after int64
		limit int
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "List logged events",
		Long:  "Print events from the append-only log in version order, with their results and errors.",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			v, err := db.Version(cmd.Context())
			if err != nil {
				return err
			}
			events, err := db.Events(cmd.Context(), after, limit)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied version: %d\n", v)
			return printJSON(cmd, events)
		},
	}
	cmd.Flags().Int64Var(&after, "after", 0, "list events with a version above this")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of events (0 for all)")
	return cmd
}

package cli

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stratadb/strata/pkg/strata"
)

func newDispatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dispatch <type> [data]",
		Short: "Dispatch an event and wait for it to be applied",
		Long: "Append an event to the log and wait until it has been replayed.\n" +
			"Data is a JSON value; the default model events use the payload\n" +
			`["set"|"ins"|"upd"|"sav"|"rm", id, object].`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var data any
			if len(args) == 2 {
				if err := json.Unmarshal([]byte(args[1]), &data); err != nil {
					return fmt.Errorf("parsing event data: %w", err)
				}
			}
			db, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			ev, err := db.Dispatch(cmd.Context(), args[0], data)
			var evErr *strata.EventError
			if errors.As(err, &evErr) {
				// The event itself failed; show its error annotations.
				printJSON(cmd, evErr.Event)
				return err
			}
			if err != nil {
				return err
			}
			return printJSON(cmd, ev)
		},
	}
	return cmd
}

package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <model> <id>",
		Short: "Fetch one document by id",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			m := db.Model(args[0])
			if m == nil {
				return fmt.Errorf("unknown model %q; declare it in the config file", args[0])
			}
			doc, err := m.Get(cmd.Context(), args[1])
			if err != nil {
				return err
			}
			if doc == nil {
				return fmt.Errorf("%s %s: not found", args[0], args[1])
			}
			return printJSON(cmd, doc)
		},
	}
}

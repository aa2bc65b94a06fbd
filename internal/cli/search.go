package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/stratadb/strata/pkg/strata"
)

func newSearchCmd() *cobra.Command {
	var (
		filters []string
		sortCol string
		desc    bool
		limit   int
		cursor  string
	)
	cmd := &cobra.Command{
		Use:   "search <model>",
		Short: "Search documents of a model",
		Long: "Search a model's documents with column filters and keyset pagination.\n" +
			"Filters are col=value pairs matched through the column's filter\n" +
			"strategy; the printed cursor resumes the next page.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			attrs := make(map[string]any, len(filters))
			for _, f := range filters {
				col, val, ok := strings.Cut(f, "=")
				if !ok {
					return fmt.Errorf("filter %q is not col=value", f)
				}
				attrs[col] = val
			}
			db, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			m := db.Model(args[0])
			if m == nil {
				return fmt.Errorf("unknown model %q; declare it in the config file", args[0])
			}
			opts := &strata.SearchOptions{Limit: limit, Cursor: cursor}
			if sortCol != "" {
				opts.Sort = []strata.SortSpec{{Column: sortCol, Desc: desc}}
			}
			res, err := m.Search(cmd.Context(), attrs, opts)
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
	cmd.Flags().StringArrayVar(&filters, "where", nil, "column filter col=value (repeatable)")
	cmd.Flags().StringVar(&sortCol, "sort", "", "sort column")
	cmd.Flags().BoolVar(&desc, "desc", false, "sort descending")
	cmd.Flags().IntVar(&limit, "limit", 20, "page size")
	cmd.Flags().StringVar(&cursor, "cursor", "", "resume from a previous page's cursor")
	return cmd
}

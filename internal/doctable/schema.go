package doctable

import (
	"context"
	"fmt"
	"strings"

	"github.com/stratadb/strata/internal/sqlite"
	"github.com/stratadb/strata/pkg/types"
)

// Migrations returns the forward-only schema steps for the table: the create
// with id and blob, then one step per dedicated column and per index, in
// declaration order. Computed-path columns have no physical migration; they
// are extraction expressions at read time.
func (t *Table) Migrations() []sqlite.Migration {
	migs := []sqlite.Migration{{
		Key: "0 table",
		Run: func(ctx context.Context, tx *sqlite.Tx) error {
			idType := string(t.idCol.def.Type)
			pk := " PRIMARY KEY"
			if t.idCol.def.AutoIncrement {
				pk = " PRIMARY KEY AUTOINCREMENT"
			}
			_, err := tx.Exec(ctx, fmt.Sprintf(
				"CREATE TABLE %s (%s %s%s, %s JSON)",
				t.quoted, t.idCol.quoted, idType, pk, sqlite.QuoteIdent(jsonColumn)))
			return err
		},
	}}

	for i, c := range t.cols {
		if c == t.idCol {
			continue
		}
		c := c
		if c.real {
			migs = append(migs, sqlite.Migration{
				Key: fmt.Sprintf("%d %s", i, c.def.Name),
				Run: func(ctx context.Context, tx *sqlite.Tx) error {
					_, err := tx.Exec(ctx, fmt.Sprintf(
						"ALTER TABLE %s ADD COLUMN %s %s",
						t.quoted, c.quoted, c.def.Type))
					return err
				},
			})
		}
		if c.def.Index != types.IndexNone {
			migs = append(migs, sqlite.Migration{
				Key: fmt.Sprintf("%d index %s", i, c.def.Name),
				Run: func(ctx context.Context, tx *sqlite.Tx) error {
					unique := ""
					if c.def.Unique {
						unique = "UNIQUE "
					}
					where := ""
					if c.def.Index == types.IndexSparse {
						where = fmt.Sprintf(" WHERE %s IS NOT NULL", c.selfExpr())
					}
					_, err := tx.Exec(ctx, fmt.Sprintf(
						"CREATE %sINDEX %s ON %s(%s)%s",
						unique,
						sqlite.QuoteIdent("idx_"+t.name+"_"+c.def.Name),
						t.quoted, c.selfExpr(), where))
					return err
				},
			})
		}
	}
	return migs
}

// selfExpr is the column expression without the table qualifier, as index
// definitions require.
func (c *col) selfExpr() string {
	if c.real {
		return c.quoted
	}
	// json_extract("json", '$.path')
	return fmt.Sprintf("json_extract(%s, '$.%s')",
		sqlite.QuoteIdent(jsonColumn), strings.Join(c.path, "."))
}

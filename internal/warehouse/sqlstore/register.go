package sqlstore

import (
	"context"

	"stagegate/internal/warehouse"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/microsoft/go-mssqldb"
	_ "github.com/snowflakedb/gosnowflake"
	_ "modernc.org/sqlite"
)

func init() {
	for _, d := range Dialects() {
		d := d
		warehouse.Register(d.Kind(), func(ctx context.Context, cfg warehouse.Config) (warehouse.Store, error) {
			return Open(ctx, d, cfg)
		})
	}
}

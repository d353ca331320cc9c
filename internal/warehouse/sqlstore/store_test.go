package sqlstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"stagegate/internal/warehouse"
	apperrors "stagegate/pkg/errors"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var workOrders = warehouse.TableRef{Dataset: "production", Name: "work_orders"}

func newMock(t *testing.T, d Dialect, opts Options) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db, d, opts), mock
}

func TestSnowflakeColumnsAreLowerCased(t *testing.T) {
	s, mock := newMock(t, snowflakeDialect{}, Options{})

	mock.ExpectQuery("SELECT COLUMN_NAME, DATA_TYPE, IS_NULLABLE FROM INFORMATION_SCHEMA.COLUMNS WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ? ORDER BY ORDINAL_POSITION").
		WithArgs("PRODUCTION", "WORK_ORDERS").
		WillReturnRows(sqlmock.NewRows([]string{"COLUMN_NAME", "DATA_TYPE", "IS_NULLABLE"}).
			AddRow("ID", "TEXT", "NO").
			AddRow("UPDATED_AT", "TIMESTAMP_TZ", "YES"))

	cols, err := s.Columns(context.Background(), workOrders)
	require.NoError(t, err)
	assert.Equal(t, []warehouse.Column{
		{Name: "id", Type: "TEXT", Nullable: false},
		{Name: "updated_at", Type: "TIMESTAMP_TZ", Nullable: true},
	}, cols)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTableExistsWhenCatalogIsEmpty(t *testing.T) {
	s, mock := newMock(t, postgresDialect{}, Options{})

	mock.ExpectQuery("SELECT column_name, data_type, is_nullable FROM information_schema.columns WHERE table_schema = $1 AND table_name = $2 ORDER BY ordinal_position").
		WithArgs("production", "work_orders").
		WillReturnRows(sqlmock.NewRows([]string{"column_name", "data_type", "is_nullable"}))

	ok, err := s.TableExists(context.Background(), workOrders)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestApplyWritesInOneTransaction(t *testing.T) {
	s, mock := newMock(t, postgresDialect{}, Options{})

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "production"."work_orders" SET "status" = $1 WHERE "id" = $2`).
		WithArgs("closed", "a").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO "production"."work_orders" ("id", "status") VALUES ($1, $2)`).
		WithArgs("c", "open").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.Apply(context.Background(), workOrders, warehouse.ChangeSet{
		Key:     []string{"id"},
		Updates: []warehouse.Row{{"id": "a", "status": "closed"}},
		Inserts: []warehouse.Row{{"id": "c", "status": "open"}},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyRollsBackOnFailure(t *testing.T) {
	s, mock := newMock(t, sqlServerDialect{}, Options{})

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO [production].[work_orders] ([id]) VALUES (@p1)`).
		WithArgs("c").
		WillReturnError(errors.New("Violation of PRIMARY KEY constraint"))
	mock.ExpectRollback()

	err := s.Apply(context.Background(), workOrders, warehouse.ChangeSet{
		Key:     []string{"id"},
		Inserts: []warehouse.Row{{"id": "c"}},
	})
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeQueryFailed))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyEmptyChangeSetIsNoop(t *testing.T) {
	s, mock := newMock(t, postgresDialect{}, Options{})
	require.NoError(t, s.Apply(context.Background(), workOrders, warehouse.ChangeSet{Key: []string{"id"}}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestScanConvertsBytes(t *testing.T) {
	s, mock := newMock(t, sqlServerDialect{}, Options{})

	mock.ExpectQuery("SELECT * FROM [production].[work_orders]").
		WillReturnRows(sqlmock.NewRows([]string{"id", "qty"}).
			AddRow([]byte("a"), int64(3)).
			AddRow([]byte("b"), nil))

	var got []warehouse.Row
	err := s.Scan(context.Background(), workOrders, func(r warehouse.Row) error {
		got = append(got, r)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []warehouse.Row{{"id": "a", "qty": int64(3)}, {"id": "b", "qty": nil}}, got)
}

func TestScanReturnsCallbackErrorUnchanged(t *testing.T) {
	s, mock := newMock(t, postgresDialect{}, Options{})
	stop := errors.New("stop")

	mock.ExpectQuery(`SELECT * FROM "production"."work_orders"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("a"))

	err := s.Scan(context.Background(), workOrders, func(warehouse.Row) error { return stop })
	assert.Same(t, stop, err)
}

func TestFetchByCompositeKey(t *testing.T) {
	s, mock := newMock(t, postgresDialect{}, Options{})

	mock.ExpectQuery(`SELECT * FROM "production"."work_orders" WHERE ("tenant" = $1 AND "id" = $2) OR ("tenant" = $3 AND "id" = $4)`).
		WithArgs("acme", "a", "acme", "b").
		WillReturnRows(sqlmock.NewRows([]string{"tenant", "id"}).AddRow("acme", "a"))

	rows, err := s.FetchByKeys(context.Background(), workOrders, []string{"tenant", "id"}, [][]any{{"acme", "a"}, {"acme", "b"}})
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestCountDuplicates(t *testing.T) {
	s, mock := newMock(t, sqliteDialect{}, Options{})

	mock.ExpectQuery(`SELECT COUNT(*) FROM "production__work_orders"`).
		WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(int64(10)))
	mock.ExpectQuery(`SELECT "id", COUNT(*) FROM "production__work_orders" WHERE "id" IS NOT NULL GROUP BY "id" HAVING COUNT(*) > 1`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "n"}).AddRow("a", int64(3)).AddRow("b", int64(2)))

	kc, err := s.CountDuplicates(context.Background(), workOrders, []string{"id"}, 1)
	require.NoError(t, err)
	assert.Equal(t, warehouse.KeyCount{Rows: 10, DuplicateRows: 5, DuplicateKeys: 2, SampleKeys: []string{"a"}}, kc)
}

func TestCountOrphans(t *testing.T) {
	s, mock := newMock(t, postgresDialect{}, Options{})
	users := warehouse.TableRef{Dataset: "production", Name: "users"}

	mock.ExpectQuery(`SELECT COUNT(*) FROM "production"."work_orders" WHERE "owner_id" IS NOT NULL`).
		WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(int64(4)))
	mock.ExpectQuery(`SELECT c."owner_id" FROM "production"."work_orders" c WHERE c."owner_id" IS NOT NULL AND NOT EXISTS (SELECT 1 FROM "production"."users" p WHERE p."id" = c."owner_id")`).
		WillReturnRows(sqlmock.NewRows([]string{"owner_id"}).AddRow("u9"))

	oc, err := s.CountOrphans(context.Background(), workOrders, "owner_id", users, "id", 10)
	require.NoError(t, err)
	assert.Equal(t, warehouse.OrphanCount{Checked: 4, Orphans: 1, SampleKeys: []string{"u9"}}, oc)
}

func TestMaxTimestamp(t *testing.T) {
	s, mock := newMock(t, sqliteDialect{}, Options{})
	q := `SELECT MAX("updated_at") FROM "production__work_orders"`

	mock.ExpectQuery(q).WillReturnRows(sqlmock.NewRows([]string{"m"}).AddRow(nil))
	_, ok, err := s.MaxTimestamp(context.Background(), workOrders, "updated_at")
	require.NoError(t, err)
	assert.False(t, ok)

	mock.ExpectQuery(q).WillReturnRows(sqlmock.NewRows([]string{"m"}).AddRow("2025-09-16 22:30:00"))
	ts, ok, err := s.MaxTimestamp(context.Background(), workOrders, "updated_at")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, time.Date(2025, 9, 16, 22, 30, 0, 0, time.UTC).Equal(ts))

	mock.ExpectQuery(q).WillReturnRows(sqlmock.NewRows([]string{"m"}).AddRow("16/09/2025 08:00"))
	_, _, err = s.MaxTimestamp(context.Background(), workOrders, "updated_at")
	var notTimestamp *warehouse.NotTimestampError
	require.ErrorAs(t, err, &notTimestamp)
	assert.Equal(t, "updated_at", notTimestamp.Column)
	assert.Equal(t, "16/09/2025 08:00", notTimestamp.Value)
}

func TestSQLiteListTablesByPrefix(t *testing.T) {
	s, mock := newMock(t, sqliteDialect{}, Options{})

	mock.ExpectQuery("SELECT name FROM sqlite_master WHERE type = 'table' ORDER BY name").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).
			AddRow("production__work_orders").
			AddRow("staging__work_orders").
			AddRow("production__users"))

	names, err := s.ListTables(context.Background(), "production")
	require.NoError(t, err)
	assert.Equal(t, []string{"users", "work_orders"}, names)
}

func TestCloneUsesDialectStatements(t *testing.T) {
	s, mock := newMock(t, postgresDialect{}, Options{})
	snap := warehouse.TableRef{Dataset: "snapshots", Name: "work_orders__snap_20250916_223000"}

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TABLE "snapshots"."work_orders__snap_20250916_223000" (LIKE "production"."work_orders" INCLUDING ALL)`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO "snapshots"."work_orders__snap_20250916_223000" SELECT * FROM "production"."work_orders"`).
		WillReturnResult(sqlmock.NewResult(0, 7))
	mock.ExpectCommit()

	require.NoError(t, s.CloneTable(context.Background(), workOrders, snap))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateTableMapsLogicalTypes(t *testing.T) {
	s, mock := newMock(t, snowflakeDialect{}, Options{})

	mock.ExpectExec(`CREATE TABLE "PRODUCTION"."WORK_ORDERS" ("ID" VARCHAR NOT NULL, "QTY" NUMBER(38,0), "UPDATED_AT" TIMESTAMP_TZ)`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.CreateTable(context.Background(), workOrders, []warehouse.Column{
		{Name: "id", Type: "TEXT"},
		{Name: "qty", Type: "bigint", Nullable: true},
		{Name: "updated_at", Type: "TIMESTAMP_TZ", Nullable: true},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryTimeoutIsClassified(t *testing.T) {
	s, mock := newMock(t, postgresDialect{}, Options{QueryTimeout: 10 * time.Millisecond})

	mock.ExpectQuery(`SELECT COUNT(*) FROM "production"."work_orders"`).
		WillDelayFor(200 * time.Millisecond).
		WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(int64(1)))

	_, err := s.RowCount(context.Background(), workOrders)
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeTimeout))
}

func TestTransientFailuresAreRetried(t *testing.T) {
	retry := &apperrors.RetryConfig{
		MaxRetries:     2,
		InitialDelay:   time.Millisecond,
		MaxDelay:       time.Millisecond,
		RetryableError: apperrors.IsTransient,
	}
	s, mock := newMock(t, postgresDialect{}, Options{Retry: retry})
	q := `SELECT COUNT(*) FROM "production"."work_orders"`

	mock.ExpectQuery(q).WillReturnError(errors.New("read: connection reset by peer"))
	mock.ExpectQuery(q).WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(int64(42)))

	n, err := s.RowCount(context.Background(), workOrders)
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDialectRegistration(t *testing.T) {
	kinds := warehouse.Kinds()
	for _, k := range []string{"snowflake", "postgres", "sqlserver", "sqlite"} {
		assert.Contains(t, kinds, k)
	}

	_, err := warehouse.Open(context.Background(), warehouse.Config{Kind: "postgres"})
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeConfigInvalid))
}

func TestSnowflakeDSN(t *testing.T) {
	dsn, err := SnowflakeDSN("xy12345.us-east-1", "loader", "secret", "ANALYTICS", "LOAD_WH", "LOADER")
	require.NoError(t, err)
	assert.Contains(t, dsn, "loader:secret@")
	assert.Contains(t, dsn, "LOAD_WH")
}

package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/incremental-crawler/internal/crawler"
)

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

func TestCheckpointStoreSaveAndLoad(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store, err := NewCheckpointStore(mock, "")
	require.NoError(t, err)
	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()
	cursor := crawler.CrawlCursor{SourceID: "S", CategoryID: "c1", Offset: 40, UpdatedAt: now}

	mock.ExpectExec("INSERT INTO crawl_checkpoints").
		WithArgs("S", "c1", 40, false, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, store.Save(ctx, cursor))

	mock.ExpectQuery("SELECT source_id").
		WithArgs("S").
		WillReturnRows(pgxmock.NewRows([]string{"source_id", "category_id", "page_or_offset", "completed", "updated_at"}).
			AddRow("S", "c1", 40, false, now))
	got, ok, err := store.Load(ctx, "S")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, cursor, got)

	mock.ExpectQuery("SELECT source_id").
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows([]string{"source_id", "category_id", "page_or_offset", "completed", "updated_at"}))
	_, ok, err = store.Load(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDedupLogAppendAndLoad(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	log, err := NewDedupLog(mock, "")
	require.NoError(t, err)
	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()

	mock.ExpectExec("INSERT INTO crawl_dedup").
		WithArgs("dawn", "https://dawn.com/1", now).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	require.NoError(t, log.Append(ctx, "dawn", crawler.DedupEntry{NaturalKey: "https://dawn.com/1", FirstSeenAt: now}))

	mock.ExpectQuery("SELECT natural_key").
		WithArgs("dawn").
		WillReturnRows(pgxmock.NewRows([]string{"natural_key", "first_seen_at"}).
			AddRow("https://dawn.com/1", now).
			AddRow("https://dawn.com/2", now))
	entries, err := log.LoadAll(ctx, "dawn")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "https://dawn.com/2", entries[1].NaturalKey)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordSinkUpsertReportsInsertOrUpdate(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	sink, err := NewRecordSink(mock, "")
	require.NoError(t, err)
	now := time.Unix(1700000000, 0).UTC()
	sink.now = func() time.Time { return now }
	ctx := context.Background()
	fields := map[string]string{"title": "t"}

	mock.ExpectQuery("INSERT INTO crawl_records").
		WithArgs("dawn_raw", "https://dawn.com/1", []byte(`{"title":"t"}`), now).
		WillReturnRows(pgxmock.NewRows([]string{"inserted"}).AddRow(true))
	res, err := sink.Upsert(ctx, "dawn_raw", "https://dawn.com/1", fields)
	require.NoError(t, err)
	require.Equal(t, crawler.UpsertInserted, res)

	mock.ExpectQuery("INSERT INTO crawl_records").
		WithArgs("dawn_raw", "https://dawn.com/1", []byte(`{"title":"t"}`), now).
		WillReturnRows(pgxmock.NewRows([]string{"inserted"}).AddRow(false))
	res, err = sink.Upsert(ctx, "dawn_raw", "https://dawn.com/1", fields)
	require.NoError(t, err)
	require.Equal(t, crawler.UpsertUpdated, res)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordSinkClassifiesErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want crawler.ErrorKind
	}{
		{"unique", &pgconn.PgError{Code: "23505"}, crawler.KindPersistenceConflict},
		{"connection", &pgconn.PgError{Code: "08006"}, crawler.KindPersistenceConnectivity},
		{"serialization", &pgconn.PgError{Code: "40001"}, crawler.KindPersistenceConnectivity},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, crawler.KindPersistenceConnectivity},
		{"check", &pgconn.PgError{Code: "23514"}, crawler.KindPersistenceRejected},
		{"io", errors.New("connection reset by peer"), crawler.KindPersistenceConnectivity},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			mock := newMock(t)
			sink, err := NewRecordSink(mock, "")
			require.NoError(t, err)
			mock.ExpectQuery("INSERT INTO crawl_records").WillReturnError(tc.err)
			_, err = sink.Upsert(context.Background(), "c", "k", map[string]string{})
			require.Equal(t, tc.want, crawler.KindOf(err))
		})
	}

	mock := newMock(t)
	sink, err := NewRecordSink(mock, "")
	require.NoError(t, err)
	_, err = sink.Upsert(context.Background(), "", "k", nil)
	require.Equal(t, crawler.KindPersistenceRejected, crawler.KindOf(err))
}

func TestTableNameValidation(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	_, err := NewRecordSink(mock, "records; DROP TABLE x")
	require.Error(t, err)
	_, err = TablesFor("bad-prefix_")
	require.Error(t, err)
	tables, err := TablesFor("test_")
	require.NoError(t, err)
	require.Equal(t, "test_crawl_records", tables.Records)

	for i := 0; i < 3; i++ {
		mock.ExpectExec("CREATE TABLE IF NOT EXISTS").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	}
	require.NoError(t, EnsureSchema(context.Background(), mock, tables))
	require.NoError(t, mock.ExpectationsWereMet())
}

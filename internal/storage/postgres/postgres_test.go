package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pathway-indexer/internal/pipeline"
)

func TestStoreDocumentsUpsertsInTransaction(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewManifestStoreWithPool(mock, "")
	require.NoError(t, err)

	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	docs := []pipeline.FetchedDocument{
		{Heading: "Admissions", Title: "Apply", URL: "https://x/a", Filepath: "crawl/html/1.html", ContentType: "html", ContentHash: "h1", LastUpdate: ts},
		{Heading: "Billing", URL: "https://x/b", Filepath: "404 Client Error", ContentType: "404"},
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO indexer_documents").
		WithArgs("run-1", "https://x/a", "Admissions", "", "Apply", "crawl/html/1.html", "html", "h1", &ts).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO indexer_documents").
		WithArgs("run-1", "https://x/b", "Billing", "", "", "404 Client Error", "404", "", (*time.Time)(nil)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, store.StoreDocuments(context.Background(), "run-1", docs))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreDocumentsRollsBackOnError(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewManifestStoreWithPool(mock, "docs")
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO docs").
		WithArgs("run-1", "https://x/a", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(errors.New("boom"))
	mock.ExpectRollback()

	err = store.StoreDocuments(context.Background(), "run-1", []pipeline.FetchedDocument{{URL: "https://x/a"}})
	require.ErrorContains(t, err, "boom")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewManifestStoreRejectsBadTable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewManifestStoreWithPool(mock, "docs; DROP TABLE x")
	require.ErrorContains(t, err, "invalid table name")
}

func TestRunStoreLifecycle(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRunStoreWithPool(mock)
	require.NoError(t, err)

	started := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	finished := started.Add(time.Hour)
	summary := json.RawMessage(`{"fetched":3}`)

	mock.ExpectExec("INSERT INTO indexer_runs").
		WithArgs("run-1", "data/03-01-25", "running", started).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, store.StartRun(context.Background(), pipeline.RunRecord{ID: "run-1", Folder: "data/03-01-25", StartedAt: started}))

	mock.ExpectExec("UPDATE indexer_runs").
		WithArgs(&finished, "succeeded", (*string)(nil), []byte(summary), "run-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, store.FinishRun(context.Background(), pipeline.RunRecord{
		ID: "run-1", Status: pipeline.RunSucceeded, FinishedAt: &finished, Summary: summary,
	}))

	mock.ExpectExec("UPDATE indexer_runs").
		WithArgs(pgxmock.AnyArg(), "failed", pgxmock.AnyArg(), pgxmock.AnyArg(), "missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	err = store.FinishRun(context.Background(), pipeline.RunRecord{ID: "missing", Status: pipeline.RunFailed})
	require.ErrorIs(t, err, ErrRunNotFound)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLatestRun(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRunStoreWithPool(mock)
	require.NoError(t, err)

	started := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	errMsg := "fetch stage failed"
	rows := pgxmock.NewRows([]string{"id", "folder", "status", "started_at", "finished_at", "error_message", "summary"}).
		AddRow("run-9", "data/03-01-25", "failed", started, (*time.Time)(nil), &errMsg, []byte(nil))
	mock.ExpectQuery("SELECT id, folder, status").WillReturnRows(rows)

	run, err := store.LatestRun(context.Background())
	require.NoError(t, err)
	require.Equal(t, pipeline.RunFailed, run.Status)
	require.Equal(t, "fetch stage failed", run.Error)
	require.Nil(t, run.FinishedAt)

	mock.ExpectQuery("SELECT id, folder, status").WillReturnRows(
		pgxmock.NewRows([]string{"id", "folder", "status", "started_at", "finished_at", "error_message", "summary"}))
	_, err = store.LatestRun(context.Background())
	require.ErrorIs(t, err, ErrRunNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS indexer_documents").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS indexer_runs").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	require.NoError(t, EnsureSchema(context.Background(), mock, "indexer_documents"))
	require.NoError(t, mock.ExpectationsWereMet())

	require.Error(t, EnsureSchema(context.Background(), mock, "bad-name"))
}

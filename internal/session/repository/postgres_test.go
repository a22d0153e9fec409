package repository

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
)

func newMockRepo(t *testing.T) (*PostgresHistoryRepo, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewPostgresHistoryRepo(sqlx.NewDb(db, "sqlmock")), mock
}

func TestEnsureSchema(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS v2ray_sessions")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := repo.EnsureSchema(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestOpenInsertsSession(t *testing.T) {
	repo, mock := newMockRepo(t)
	started := time.Now()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO v2ray_sessions")).
		WithArgs("id-1", "home", "CONNECTING", started).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Open(context.Background(), &SessionRecord{
		ID: "id-1", Remark: "home", State: "CONNECTING", StartedAt: started,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestCloseWrapsDriverError(t *testing.T) {
	repo, mock := newMockRepo(t)
	dbErr := errors.New("connection reset")
	mock.ExpectExec(regexp.QuoteMeta("UPDATE v2ray_sessions")).
		WithArgs(sqlmock.AnyArg(), "core crashed", int64(10), int64(20), "id-1").
		WillReturnError(dbErr)

	err := repo.Close(context.Background(), "id-1", time.Now(), "core crashed", 10, 20)
	if !errors.Is(err, dbErr) {
		t.Fatalf("expected wrapped driver error, got %v", err)
	}
}

func TestMarkConnected(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectExec(regexp.QuoteMeta("SET state = 'CONNECTED'")).
		WithArgs(sqlmock.AnyArg(), "id-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.MarkConnected(context.Background(), "id-1", time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestRecentScansRows(t *testing.T) {
	repo, mock := newMockRepo(t)
	started := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	connected := started.Add(time.Second)

	rows := sqlmock.NewRows([]string{
		"id", "remark", "state", "started_at", "connected_at", "ended_at", "last_error", "peak_upload", "peak_download",
	}).
		AddRow("id-2", "office", "CONNECTED", started, connected, nil, "", int64(512), int64(4096)).
		AddRow("id-1", "home", "DISCONNECTED", started.Add(-time.Hour), nil, started, "bad config", int64(0), int64(0))
	mock.ExpectQuery(regexp.QuoteMeta("FROM v2ray_sessions ORDER BY started_at DESC")).
		WithArgs(2).
		WillReturnRows(rows)

	records, err := repo.Recent(context.Background(), 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].ID != "id-2" || records[0].ConnectedAt == nil || records[0].EndedAt != nil {
		t.Errorf("unexpected first record %+v", records[0])
	}
	if records[0].PeakDownload != 4096 {
		t.Errorf("peak download not scanned: %+v", records[0])
	}
	if records[1].LastError != "bad config" || records[1].ConnectedAt != nil {
		t.Errorf("unexpected second record %+v", records[1])
	}
}

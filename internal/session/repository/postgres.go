package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

// SessionRecord is one row of the session history.
type SessionRecord struct {
	ID           string     `db:"id" json:"id"`
	Remark       string     `db:"remark" json:"remark"`
	State        string     `db:"state" json:"state"`
	StartedAt    time.Time  `db:"started_at" json:"startedAt"`
	ConnectedAt  *time.Time `db:"connected_at" json:"connectedAt,omitempty"`
	EndedAt      *time.Time `db:"ended_at" json:"endedAt,omitempty"`
	LastError    string     `db:"last_error" json:"lastError,omitempty"`
	PeakUpload   int64      `db:"peak_upload" json:"peakUploadSpeed"`
	PeakDownload int64      `db:"peak_download" json:"peakDownloadSpeed"`
}

type HistoryRepository interface {
	EnsureSchema(ctx context.Context) error
	Open(ctx context.Context, rec *SessionRecord) error
	MarkConnected(ctx context.Context, id string, connectedAt time.Time) error
	Close(ctx context.Context, id string, endedAt time.Time, lastError string, peakUpload, peakDownload int64) error
	Recent(ctx context.Context, limit int) ([]*SessionRecord, error)
}

type PostgresHistoryRepo struct {
	DB *sqlx.DB
}

func NewPostgresHistoryRepo(db *sqlx.DB) *PostgresHistoryRepo {
	return &PostgresHistoryRepo{DB: db}
}

const schema = `
	CREATE TABLE IF NOT EXISTS v2ray_sessions (
		id            TEXT PRIMARY KEY,
		remark        TEXT NOT NULL,
		state         TEXT NOT NULL,
		started_at    TIMESTAMPTZ NOT NULL,
		connected_at  TIMESTAMPTZ,
		ended_at      TIMESTAMPTZ,
		last_error    TEXT NOT NULL DEFAULT '',
		peak_upload   BIGINT NOT NULL DEFAULT 0,
		peak_download BIGINT NOT NULL DEFAULT 0
	)`

// EnsureSchema создает таблицу истории, если ее еще нет
func (r *PostgresHistoryRepo) EnsureSchema(ctx context.Context) error {
	if _, err := r.DB.ExecContext(ctx, schema); err != nil {
		return errors.Wrap(err, "create v2ray_sessions")
	}
	return nil
}

func (r *PostgresHistoryRepo) Open(ctx context.Context, rec *SessionRecord) error {
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO v2ray_sessions (id, remark, state, started_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.Remark, rec.State, rec.StartedAt,
	)
	return errors.Wrapf(err, "open session %s", rec.ID)
}

func (r *PostgresHistoryRepo) MarkConnected(ctx context.Context, id string, connectedAt time.Time) error {
	_, err := r.DB.ExecContext(ctx,
		`UPDATE v2ray_sessions SET state = 'CONNECTED', connected_at = $1 WHERE id = $2`,
		connectedAt, id,
	)
	return errors.Wrapf(err, "mark session %s connected", id)
}

// Close фиксирует завершение сессии вместе с пиковыми скоростями
func (r *PostgresHistoryRepo) Close(ctx context.Context, id string, endedAt time.Time, lastError string, peakUpload, peakDownload int64) error {
	_, err := r.DB.ExecContext(ctx,
		`UPDATE v2ray_sessions
		 SET state = 'DISCONNECTED', ended_at = $1, last_error = $2,
		     peak_upload = GREATEST(peak_upload, $3), peak_download = GREATEST(peak_download, $4)
		 WHERE id = $5`,
		endedAt, lastError, peakUpload, peakDownload, id,
	)
	return errors.Wrapf(err, "close session %s", id)
}

func (r *PostgresHistoryRepo) Recent(ctx context.Context, limit int) ([]*SessionRecord, error) {
	var records []*SessionRecord
	err := r.DB.SelectContext(ctx, &records,
		`SELECT id, remark, state, started_at, connected_at, ended_at, last_error, peak_upload, peak_download
		 FROM v2ray_sessions ORDER BY started_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, "list sessions")
	}
	return records, nil
}

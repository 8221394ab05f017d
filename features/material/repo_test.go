package material

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresRepo_Save(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	m := &Material{CourseID: "c1", WeekID: "w1", Title: "Cells", StoragePath: "c1/cells.pdf", ContentHash: "h", Status: StatusPending}

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO materials (course_id, week_id, title, storage_path, content_hash, status)")).
		WithArgs("c1", "w1", "Cells", "c1/cells.pdf", "h", StatusPending).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow("m-1", now, now))

	require.NoError(t, NewPostgresRepo(db).Save(context.Background(), m))
	assert.Equal(t, "m-1", m.ID)
	assert.Equal(t, "2026-03-01T10:00:00Z", m.CreatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepo_Get(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now()
	rows := sqlmock.NewRows([]string{"id", "course_id", "week_id", "title", "storage_path", "status", "chunk_count", "error", "created_at", "updated_at"}).
		AddRow("m-1", "c1", "w1", "Cells", "c1/cells.pdf", StatusCompleted, 12, "", now, now)
	mock.ExpectQuery(regexp.QuoteMeta("FROM materials WHERE id = $1")).WithArgs("m-1").WillReturnRows(rows)

	m, err := NewPostgresRepo(db).Get(context.Background(), "m-1")
	require.NoError(t, err)
	assert.Equal(t, 12, m.ChunkCount)
	assert.Equal(t, StatusCompleted, m.Status)
}

func TestPostgresRepo_MarkCompleted(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE materials SET status = $1, chunk_count = $2")).
		WithArgs(StatusCompleted, 7, "m-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE materials SET status = $1, error = $2")).
		WithArgs(StatusFailed, "boom", "gone").
		WillReturnResult(sqlmock.NewResult(0, 0))

	repo := NewPostgresRepo(db)
	require.NoError(t, repo.MarkCompleted(context.Background(), "m-1", 7))
	assert.ErrorIs(t, repo.UpdateStatus(context.Background(), "gone", StatusFailed, "boom"), sql.ErrNoRows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepo_IngestTarget(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, course_id, week_id, storage_path, status FROM materials WHERE id = $1")).
		WithArgs("m-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "course_id", "week_id", "storage_path", "status"}).
			AddRow("m-1", "c1", "w1", "c1/w1/cells.pdf", StatusPending))
	mock.ExpectQuery("FROM materials WHERE id").WithArgs("gone").WillReturnError(sql.ErrNoRows)

	repo := NewPostgresRepo(db)
	target, err := repo.IngestTarget(context.Background(), "m-1")
	require.NoError(t, err)
	assert.Equal(t, "c1/w1/cells.pdf", target.StoragePath)

	_, err = repo.IngestTarget(context.Background(), "gone")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

package orchestrator

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"studyloop/features/content"
)

func TestPostgresRepo_CreateRun(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now()
	mock.ExpectQuery("INSERT INTO orchestration_runs").
		WithArgs("r1", "c1", "w1", pq.Array([]string{"m1"}), RunPending).
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))

	run := &Run{ID: "r1", CourseID: "c1", WeekID: "w1", MaterialIDs: []string{"m1"}, Status: RunPending}
	require.NoError(t, NewPostgresRepo(db).CreateRun(context.Background(), run))
	assert.Equal(t, now, run.CreatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepo_UpdateRunStatus_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("UPDATE orchestration_runs SET status").
		WithArgs(RunFailed, "boom", "missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = NewPostgresRepo(db).UpdateRunStatus(context.Background(), "missing", RunFailed, "boom")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestPostgresRepo_GetRun_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT id, course_id").WithArgs("nope").WillReturnError(sql.ErrNoRows)

	_, err = NewPostgresRepo(db).GetRun(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestPostgresRepo_SaveFeatureRuns_Transactional(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	runs := []FeatureRun{
		{RunID: "r1", BatchID: "b1", ContentType: content.TypeNotes, Status: FeaturePending, Payload: []byte(`{}`)},
		{RunID: "r1", BatchID: "b2", ContentType: content.TypeMCQs, Status: FeaturePending, Payload: []byte(`{}`)},
	}
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO feature_runs").WithArgs("b1", "r1", content.TypeNotes, FeaturePending, []byte(`{}`)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO feature_runs").WithArgs("b2", "r1", content.TypeMCQs, FeaturePending, []byte(`{}`)).
		WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	err = NewPostgresRepo(db).SaveFeatureRuns(context.Background(), runs)
	assert.ErrorIs(t, err, sql.ErrConnDone)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepo_GetConfig(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewPostgresRepo(db)
	updated := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT features, updated_at FROM generation_configs")).
		WithArgs("c1", "w1").
		WillReturnRows(sqlmock.NewRows([]string{"features", "updated_at"}).
			AddRow([]byte(`[{"type":"cuecards","enabled":true,"count":5}]`), updated))

	cfg, err := repo.GetConfig(context.Background(), "c1", "w1")
	require.NoError(t, err)
	assert.Equal(t, []Feature{CuecardsFeature{Enabled: true, Count: 5}}, cfg.Features)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT features, updated_at FROM generation_configs")).
		WithArgs("c1", "w9").
		WillReturnError(sql.ErrNoRows)

	_, err = repo.GetConfig(context.Background(), "c1", "w9")
	assert.ErrorIs(t, err, ErrConfigNotFound)
}

func TestPostgresRepo_SaveConfig_Upserts(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	updated := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta("ON CONFLICT (course_id, week_id) DO UPDATE")).
		WithArgs("c1", "w1", []byte(`[{"enabled":true,"type":"notes"}]`)).
		WillReturnRows(sqlmock.NewRows([]string{"updated_at"}).AddRow(updated))

	cfg := &GenerationConfig{CourseID: "c1", WeekID: "w1", Features: []Feature{NotesFeature{Enabled: true}}}
	require.NoError(t, NewPostgresRepo(db).SaveConfig(context.Background(), cfg))
	assert.Equal(t, updated, cfg.UpdatedAt)
}

func TestPostgresRepo_MarkPublished(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewPostgresRepo(db)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE feature_runs SET published = TRUE")).
		WithArgs("b1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.MarkPublished(context.Background(), "b1"))

	mock.ExpectExec(regexp.QuoteMeta("UPDATE feature_runs SET published = TRUE")).
		WithArgs("gone").
		WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, repo.MarkPublished(context.Background(), "gone"), ErrFeatureRunUnknown)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepo_ListFeatureRuns_ScansPublished(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now()
	mock.ExpectQuery("SELECT run_id, batch_id, content_type, status, generated_count, error, published").
		WithArgs("r1").
		WillReturnRows(sqlmock.NewRows([]string{"run_id", "batch_id", "content_type", "status", "generated_count", "error", "published", "payload", "updated_at"}).
			AddRow("r1", "b1", "notes", "scheduled", 0, "", true, []byte(`{}`), now).
			AddRow("r1", "b2", "mcqs", "failed", 0, "nsqd unavailable", false, []byte(`{}`), now))

	runs, err := NewPostgresRepo(db).ListFeatureRuns(context.Background(), "r1")
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.True(t, runs[0].Published)
	assert.Equal(t, FeatureScheduled, runs[0].Status)
	assert.False(t, runs[1].Published)
	assert.Equal(t, "nsqd unavailable", runs[1].Error)
}

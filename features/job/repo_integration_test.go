package job_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"studyloop/features/job"
	"studyloop/internal/testutils"
)

func TestJobRepo_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := testutils.NewIntegrationSuite(t)
	s.Setup()
	defer s.Teardown()

	repo := job.NewPostgresRepo(s.DB)
	ctx := context.Background()

	var materialID string
	err := s.DB.QueryRowContext(ctx,
		`INSERT INTO materials (course_id, week_id, title, storage_path, content_hash) VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		"course-1", "week-1", "Lecture 1", "course-1/lecture-1.pdf", "hash-1").Scan(&materialID)
	require.NoError(t, err)

	j1 := &job.Job{MaterialID: materialID, Handler: job.HandlerIngest, Payload: json.RawMessage(`{"data": 1}`), Error: "error 1"}
	require.NoError(t, repo.Save(ctx, j1))

	time.Sleep(100 * time.Millisecond)

	j2 := &job.Job{BatchID: "7f9c2a4e-8a52-4b1f-9d44-2a7e1d0f3b61", Handler: job.HandlerGeneration, Payload: json.RawMessage(`{"data": 2}`), Error: "error 2"}
	require.NoError(t, repo.Save(ctx, j2))

	jobs, err := repo.List(ctx, job.Filter{})
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, j2.ID, jobs[0].ID, "newest job first")
	assert.Equal(t, materialID, jobs[1].MaterialID)

	ingest, err := repo.List(ctx, job.Filter{Handler: job.HandlerIngest})
	require.NoError(t, err)
	require.Len(t, ingest, 1)
	assert.Equal(t, j1.ID, ingest[0].ID)

	require.NoError(t, repo.RecordAttempt(ctx, j2.ID, "nsq down"))
	got, err := repo.Get(ctx, j2.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Retries)
	assert.Equal(t, "nsq down", got.Error)

	// failed jobs go away with their material
	_, err = s.DB.ExecContext(ctx, "DELETE FROM materials WHERE id = $1", materialID)
	require.NoError(t, err)

	count, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

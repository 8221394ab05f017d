package material

import (
	"context"
	"database/sql"
	"time"

	"studyloop/internal/worker"
)

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

const materialColumns = `id, course_id, week_id, title, storage_path, status, chunk_count, error, created_at, updated_at`

func (r *PostgresRepo) ExistsByHash(ctx context.Context, hash string) (bool, error) {
	var exists bool
	query := `SELECT EXISTS(SELECT 1 FROM materials WHERE content_hash = $1)`
	err := r.db.QueryRowContext(ctx, query, hash).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

func (r *PostgresRepo) Save(ctx context.Context, m *Material) error {
	query := `INSERT INTO materials (course_id, week_id, title, storage_path, content_hash, status) VALUES ($1, $2, $3, $4, $5, $6) RETURNING id, created_at, updated_at`
	var created, updated time.Time
	err := r.db.QueryRowContext(ctx, query, m.CourseID, m.WeekID, m.Title, m.StoragePath, m.ContentHash, m.Status).Scan(&m.ID, &created, &updated)
	if err != nil {
		return err
	}
	m.CreatedAt = created.Format(time.RFC3339)
	m.UpdatedAt = updated.Format(time.RFC3339)
	return nil
}

func (r *PostgresRepo) Get(ctx context.Context, id string) (*Material, error) {
	query := `SELECT ` + materialColumns + ` FROM materials WHERE id = $1`
	return scanMaterial(r.db.QueryRowContext(ctx, query, id))
}

// IngestTarget loads what the ingest worker needs to process a material.
func (r *PostgresRepo) IngestTarget(ctx context.Context, id string) (*worker.IngestTarget, error) {
	t := &worker.IngestTarget{}
	query := `SELECT id, course_id, week_id, storage_path, status FROM materials WHERE id = $1`
	if err := r.db.QueryRowContext(ctx, query, id).Scan(&t.ID, &t.CourseID, &t.WeekID, &t.StoragePath, &t.Status); err != nil {
		return nil, err
	}
	return t, nil
}

func (r *PostgresRepo) List(ctx context.Context, courseID, weekID string) ([]Material, error) {
	query := `SELECT ` + materialColumns + ` FROM materials WHERE course_id = $1 AND week_id = $2 ORDER BY created_at ASC`
	rows, err := r.db.QueryContext(ctx, query, courseID, weekID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var materials []Material
	for rows.Next() {
		m, err := scanMaterial(rows)
		if err != nil {
			return nil, err
		}
		materials = append(materials, *m)
	}
	return materials, rows.Err()
}

func (r *PostgresRepo) UpdateStatus(ctx context.Context, id, status, errMsg string) error {
	query := `UPDATE materials SET status = $1, error = $2, updated_at = NOW() WHERE id = $3`
	return expectRow(r.db.ExecContext(ctx, query, status, errMsg, id))
}

// MarkCompleted records a finished ingestion together with its chunk count.
func (r *PostgresRepo) MarkCompleted(ctx context.Context, id string, chunkCount int) error {
	query := `UPDATE materials SET status = $1, chunk_count = $2, error = '', updated_at = NOW() WHERE id = $3`
	return expectRow(r.db.ExecContext(ctx, query, StatusCompleted, chunkCount, id))
}

func (r *PostgresRepo) Delete(ctx context.Context, id string) error {
	return expectRow(r.db.ExecContext(ctx, `DELETE FROM materials WHERE id = $1`, id))
}

func (r *PostgresRepo) Count(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM materials`).Scan(&count)
	return count, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMaterial(s scanner) (*Material, error) {
	m := &Material{}
	var created, updated time.Time
	if err := s.Scan(&m.ID, &m.CourseID, &m.WeekID, &m.Title, &m.StoragePath, &m.Status, &m.ChunkCount, &m.Error, &created, &updated); err != nil {
		return nil, err
	}
	m.CreatedAt = created.Format(time.RFC3339)
	m.UpdatedAt = updated.Format(time.RFC3339)
	return m, nil
}

func expectRow(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

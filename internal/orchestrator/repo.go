package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) CreateRun(ctx context.Context, run *Run) error {
	query := `INSERT INTO orchestration_runs (id, course_id, week_id, material_ids, status) VALUES ($1, $2, $3, $4, $5) RETURNING created_at, updated_at`
	return r.db.QueryRowContext(ctx, query, run.ID, run.CourseID, run.WeekID, pq.Array(run.MaterialIDs), run.Status).
		Scan(&run.CreatedAt, &run.UpdatedAt)
}

func (r *PostgresRepo) UpdateRunStatus(ctx context.Context, id string, status RunStatus, errMsg string) error {
	query := `UPDATE orchestration_runs SET status = $1, error = $2, updated_at = NOW() WHERE id = $3`
	res, err := r.db.ExecContext(ctx, query, status, errMsg, id)
	if err != nil {
		return err
	}
	return expectRow(res, ErrRunNotFound)
}

func (r *PostgresRepo) GetRun(ctx context.Context, id string) (*Run, error) {
	run := &Run{}
	query := `SELECT id, course_id, week_id, material_ids, status, error, created_at, updated_at FROM orchestration_runs WHERE id = $1`
	err := r.db.QueryRowContext(ctx, query, id).Scan(&run.ID, &run.CourseID, &run.WeekID, pq.Array(&run.MaterialIDs),
		&run.Status, &run.Error, &run.CreatedAt, &run.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// SaveFeatureRuns inserts all feature runs of a run in one transaction.
func (r *PostgresRepo) SaveFeatureRuns(ctx context.Context, runs []FeatureRun) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	query := `INSERT INTO feature_runs (batch_id, run_id, content_type, status, payload) VALUES ($1, $2, $3, $4, $5)`
	for _, f := range runs {
		if _, err := tx.ExecContext(ctx, query, f.BatchID, f.RunID, f.ContentType, f.Status, []byte(f.Payload)); err != nil {
			return fmt.Errorf("failed to insert feature run %s: %w", f.ContentType, err)
		}
	}
	return tx.Commit()
}

func (r *PostgresRepo) UpdateFeatureRun(ctx context.Context, batchID string, status FeatureStatus, generated int, errMsg string) error {
	query := `UPDATE feature_runs SET status = $1, generated_count = $2, error = $3, updated_at = NOW() WHERE batch_id = $4`
	res, err := r.db.ExecContext(ctx, query, status, generated, errMsg, batchID)
	if err != nil {
		return err
	}
	return expectRow(res, ErrFeatureRunUnknown)
}

// MarkPublished records that the feature's message reached the queue. A
// pending feature becomes scheduled; a result that already landed is kept.
func (r *PostgresRepo) MarkPublished(ctx context.Context, batchID string) error {
	query := `UPDATE feature_runs SET published = TRUE,
		status = CASE WHEN status = 'pending' THEN 'scheduled' ELSE status END,
		updated_at = NOW() WHERE batch_id = $1`
	res, err := r.db.ExecContext(ctx, query, batchID)
	if err != nil {
		return err
	}
	return expectRow(res, ErrFeatureRunUnknown)
}

func (r *PostgresRepo) ListFeatureRuns(ctx context.Context, runID string) ([]FeatureRun, error) {
	query := `SELECT run_id, batch_id, content_type, status, generated_count, error, published, payload, updated_at FROM feature_runs WHERE run_id = $1 ORDER BY content_type`
	rows, err := r.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []FeatureRun
	for rows.Next() {
		var f FeatureRun
		var payload []byte
		if err := rows.Scan(&f.RunID, &f.BatchID, &f.ContentType, &f.Status, &f.GeneratedCount, &f.Error, &f.Published, &payload, &f.UpdatedAt); err != nil {
			return nil, err
		}
		f.Payload = payload
		runs = append(runs, f)
	}
	return runs, rows.Err()
}

func (r *PostgresRepo) GetConfig(ctx context.Context, courseID, weekID string) (*GenerationConfig, error) {
	cfg := &GenerationConfig{CourseID: courseID, WeekID: weekID}
	var features []byte
	query := `SELECT features, updated_at FROM generation_configs WHERE course_id = $1 AND week_id = $2`
	err := r.db.QueryRowContext(ctx, query, courseID, weekID).Scan(&features, &cfg.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: course %s week %s", ErrConfigNotFound, courseID, weekID)
	}
	if err != nil {
		return nil, err
	}
	if cfg.Features, err = UnmarshalFeatures(features); err != nil {
		return nil, fmt.Errorf("corrupt generation config: %w", err)
	}
	return cfg, nil
}

func (r *PostgresRepo) SaveConfig(ctx context.Context, cfg *GenerationConfig) error {
	features, err := MarshalFeatures(cfg.Features)
	if err != nil {
		return err
	}
	query := `INSERT INTO generation_configs (course_id, week_id, features) VALUES ($1, $2, $3)
		ON CONFLICT (course_id, week_id) DO UPDATE SET features = EXCLUDED.features, updated_at = NOW()
		RETURNING updated_at`
	return r.db.QueryRowContext(ctx, query, cfg.CourseID, cfg.WeekID, features).Scan(&cfg.UpdatedAt)
}

func expectRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

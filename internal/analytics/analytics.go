package analytics

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Event is one usage record emitted after a generation run.
type Event struct {
	Timestamp      time.Time     `json:"timestamp"`
	CorrelationID  string        `json:"correlation_id"`
	BatchID        string        `json:"batch_id,omitempty"`
	ContentType    string        `json:"content_type"`
	CourseID       string        `json:"course_id"`
	WeekID         string        `json:"week_id"`
	Model          string        `json:"model"`
	PromptTokens   int32         `json:"prompt_tokens"`
	OutputTokens   int32         `json:"output_tokens"`
	GeneratedCount int           `json:"generated_count"`
	Dropped        int           `json:"dropped"`
	CacheHit       bool          `json:"cache_hit"`
	Duration       time.Duration `json:"duration_ns"`
	LatencyMs      int64         `json:"latency_ms"`
}

type Recorder interface {
	Record(ctx context.Context, e Event) error
}

// FileLogger writes events as JSON lines.
type FileLogger struct {
	writer io.Writer
	mu     sync.Mutex
}

func NewLogger(w io.Writer) *FileLogger {
	return &FileLogger{writer: w}
}

func NewFileLogger(path string) (*FileLogger, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, err
	}

	cleanPath := filepath.Clean(path)
	f, err := os.OpenFile(cleanPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600) // #nosec G304 -- path is from application config, not user input
	if err != nil {
		return nil, err
	}
	return NewLogger(f), nil
}

// Close closes the underlying writer when it is a file opened by NewFileLogger.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if f, ok := l.writer.(*os.File); ok && f != os.Stdout && f != os.Stderr {
		return f.Close()
	}
	return nil
}

func (l *FileLogger) Record(_ context.Context, e Event) error {
	stamp(&e)

	l.mu.Lock()
	defer l.mu.Unlock()
	return json.NewEncoder(l.writer).Encode(e)
}

type PostgresRecorder struct {
	db *sql.DB
}

func NewPostgresRecorder(db *sql.DB) *PostgresRecorder {
	return &PostgresRecorder{db: db}
}

func (r *PostgresRecorder) Record(ctx context.Context, e Event) error {
	stamp(&e)
	query := `INSERT INTO usage_events (correlation_id, batch_id, content_type, course_id, week_id, model, prompt_tokens, output_tokens, generated_count, dropped, cache_hit, latency_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	_, err := r.db.ExecContext(ctx, query, e.CorrelationID, e.BatchID, e.ContentType, e.CourseID, e.WeekID, e.Model,
		e.PromptTokens, e.OutputTokens, e.GeneratedCount, e.Dropped, e.CacheHit, e.LatencyMs, e.Timestamp)
	return err
}

// Multi fans an event out to every recorder and joins their errors.
type Multi []Recorder

func (m Multi) Record(ctx context.Context, e Event) error {
	var errs []error
	for _, r := range m {
		if err := r.Record(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func stamp(e *Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	e.LatencyMs = e.Duration.Milliseconds()
}

package content

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

type column struct {
	name string
	key  string
}

type table struct {
	name    string
	columns []column
}

// Scope columns are written first for every table.
var scopeColumns = []column{{"course_id", "courseId"}, {"week_id", "weekId"}, {"batch_id", "batchId"}, {"position", "position"}}

var tables = map[Type]table{
	TypeNotes: {"notes", []column{
		{"title", "title"}, {"content", "content"}, {"priority", "priority"}, {"category", "category"},
	}},
	TypeCuecards: {"cuecards", []column{
		{"question", "question"}, {"answer", "answer"}, {"difficulty", "difficulty"},
	}},
	TypeMCQs: {"mcqs", []column{
		{"question", "question"}, {"options", "options"}, {"correct_index", "correctIndex"},
		{"explanation", "explanation"}, {"difficulty", "difficulty"},
	}},
	TypeOpenQuestions: {"open_questions", []column{
		{"question", "question"}, {"model_answer", "modelAnswer"}, {"rubric", "rubric"}, {"difficulty", "difficulty"},
	}},
	TypeSummaries: {"summaries", []column{
		{"title", "title"}, {"content", "content"}, {"key_points", "keyPoints"},
	}},
	TypeConceptMaps: {"concept_maps", []column{
		{"title", "title"}, {"nodes", "nodes"}, {"edges", "edges"},
	}},
}

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) SaveNotes(ctx context.Context, scope Scope, items []Note) error {
	rows := make([][]any, 0, len(items))
	for i, it := range items {
		if err := it.Validate(); err != nil {
			return fmt.Errorf("note %d: %w", i, err)
		}
		rows = append(rows, []any{it.Title, it.Content, it.Priority, it.Category})
	}
	return r.insert(ctx, TypeNotes, scope, rows)
}

func (r *PostgresRepo) SaveCuecards(ctx context.Context, scope Scope, items []Cuecard) error {
	rows := make([][]any, 0, len(items))
	for i, it := range items {
		if err := it.Validate(); err != nil {
			return fmt.Errorf("cuecard %d: %w", i, err)
		}
		rows = append(rows, []any{it.Question, it.Answer, it.Difficulty})
	}
	return r.insert(ctx, TypeCuecards, scope, rows)
}

func (r *PostgresRepo) SaveMCQs(ctx context.Context, scope Scope, items []MCQ) error {
	rows := make([][]any, 0, len(items))
	for i, it := range items {
		if err := it.Validate(); err != nil {
			return fmt.Errorf("mcq %d: %w", i, err)
		}
		rows = append(rows, []any{it.Question, pq.Array(it.Options), it.CorrectIndex, it.Explanation, it.Difficulty})
	}
	return r.insert(ctx, TypeMCQs, scope, rows)
}

func (r *PostgresRepo) SaveOpenQuestions(ctx context.Context, scope Scope, items []OpenQuestion) error {
	rows := make([][]any, 0, len(items))
	for i, it := range items {
		if err := it.Validate(); err != nil {
			return fmt.Errorf("open question %d: %w", i, err)
		}
		rubric, err := json.Marshal(it.Rubric)
		if err != nil {
			return err
		}
		rows = append(rows, []any{it.Question, it.ModelAnswer, string(rubric), it.Difficulty})
	}
	return r.insert(ctx, TypeOpenQuestions, scope, rows)
}

func (r *PostgresRepo) SaveSummaries(ctx context.Context, scope Scope, items []Summary) error {
	rows := make([][]any, 0, len(items))
	for i, it := range items {
		if err := it.Validate(); err != nil {
			return fmt.Errorf("summary %d: %w", i, err)
		}
		rows = append(rows, []any{it.Title, it.Content, pq.Array(it.KeyPoints)})
	}
	return r.insert(ctx, TypeSummaries, scope, rows)
}

func (r *PostgresRepo) SaveConceptMaps(ctx context.Context, scope Scope, items []ConceptMap) error {
	rows := make([][]any, 0, len(items))
	for i, it := range items {
		if err := it.Validate(); err != nil {
			return fmt.Errorf("concept map %d: %w", i, err)
		}
		nodes, err := json.Marshal(it.Nodes)
		if err != nil {
			return err
		}
		edges, err := json.Marshal(it.Edges)
		if err != nil {
			return err
		}
		rows = append(rows, []any{it.Title, string(nodes), string(edges)})
	}
	return r.insert(ctx, TypeConceptMaps, scope, rows)
}

// insert writes all rows with a single COPY inside one transaction, so a
// batch lands entirely or not at all.
func (r *PostgresRepo) insert(ctx context.Context, t Type, scope Scope, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}
	tbl := tables[t]
	cols := make([]string, 0, len(scopeColumns)+len(tbl.columns))
	for _, c := range scopeColumns {
		cols = append(cols, c.name)
	}
	for _, c := range tbl.columns {
		cols = append(cols, c.name)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn(tbl.name, cols...))
	if err != nil {
		return fmt.Errorf("failed to prepare copy into %s: %w", tbl.name, err)
	}

	var batchID any
	if scope.BatchID != "" {
		batchID = scope.BatchID
	}
	for i, row := range rows {
		args := append([]any{scope.CourseID, scope.WeekID, batchID, i}, row...)
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			_ = stmt.Close()
			return fmt.Errorf("failed to copy row %d into %s: %w", i, tbl.name, err)
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		_ = stmt.Close()
		return fmt.Errorf("failed to flush copy into %s: %w", tbl.name, err)
	}
	if err := stmt.Close(); err != nil {
		return err
	}
	return tx.Commit()
}

// List returns persisted items as JSON objects keyed like the model output,
// newest batch first and in generation order within a batch.
func (r *PostgresRepo) List(ctx context.Context, t Type, courseID, weekID string) ([]json.RawMessage, error) {
	tbl, ok := tables[t]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
	pairs := []string{"'id', id", "'createdAt', created_at"}
	for _, c := range append(scopeColumns, tbl.columns...) {
		pairs = append(pairs, fmt.Sprintf("'%s', %s", c.key, c.name))
	}
	query := fmt.Sprintf(`SELECT json_build_object(%s) FROM %s WHERE course_id = $1 AND week_id = $2 ORDER BY created_at DESC, position ASC`,
		strings.Join(pairs, ", "), tbl.name)

	rows, err := r.db.QueryContext(ctx, query, courseID, weekID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []json.RawMessage{}
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		items = append(items, json.RawMessage(raw))
	}
	return items, rows.Err()
}

// Counts returns the number of stored items per content type.
func (r *PostgresRepo) Counts(ctx context.Context) (map[Type]int, error) {
	counts := make(map[Type]int, len(AllTypes))
	for _, t := range AllTypes {
		var n int
		query := fmt.Sprintf(`SELECT COUNT(*) FROM %s`, tables[t].name)
		if err := r.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
			return nil, err
		}
		counts[t] = n
	}
	return counts, nil
}

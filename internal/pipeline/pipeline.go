package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"studyloop/features/content"
	"studyloop/internal/analytics"
	"studyloop/internal/generation"
	"studyloop/internal/metrics"
	"studyloop/internal/middleware"
	"studyloop/internal/quality"
	"studyloop/internal/retrieval"
	"studyloop/internal/strategy"
)

var (
	ErrValidation      = errors.New("invalid generation request")
	ErrEmptyGeneration = errors.New("generation produced no usable items")
	ErrQualityRejected = errors.New("generated content rejected by quality gate")
)

const (
	ShapeWrapped   = "wrapped"
	ShapeUnwrapped = "unwrapped"

	defaultAnalyticsTimeout = 5 * time.Second
)

// Request asks for one content type for one course week. It travels as the
// body of a content.generate message.
type Request struct {
	ContentType content.Type     `json:"contentType"`
	CourseID    string           `json:"courseId"`
	WeekID      string           `json:"weekId"`
	MaterialIDs []string         `json:"materialIds"`
	Config      strategy.Options `json:"config"`
	CacheKey    string           `json:"cacheKey,omitempty"`
	BatchID     string           `json:"batchId,omitempty"`
	RunID       string           `json:"runId,omitempty"`
}

func (r Request) Validate() error {
	var missing []string
	if len(r.MaterialIDs) == 0 {
		missing = append(missing, "materialIds")
	}
	if strings.TrimSpace(r.CourseID) == "" {
		missing = append(missing, "courseId")
	}
	if strings.TrimSpace(r.WeekID) == "" {
		missing = append(missing, "weekId")
	}
	if r.ContentType == "" {
		missing = append(missing, "contentType")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrValidation, strings.Join(missing, ", "))
	}
	return nil
}

type Metadata struct {
	Valid     bool             `json:"valid"`
	Shape     string           `json:"shape,omitempty"`
	Dropped   int              `json:"dropped"`
	Source    string           `json:"source,omitempty"`
	CacheHit  bool             `json:"cacheHit"`
	Truncated bool             `json:"truncated"`
	Model     string           `json:"model,omitempty"`
	Quality   *quality.Metrics `json:"quality,omitempty"`
}

type Result struct {
	Success        bool         `json:"success"`
	ContentType    content.Type `json:"contentType"`
	GeneratedCount int          `json:"generatedCount"`
	Error          string       `json:"error,omitempty"`
	Metadata       *Metadata    `json:"metadata,omitempty"`
}

type Strategies interface {
	Get(t content.Type) (strategy.Strategy, error)
}

type Retriever interface {
	Retrieve(ctx context.Context, req retrieval.Request) (*retrieval.Content, error)
}

type Assessor interface {
	Assess(ctx context.Context, text, contentType string, opts quality.Options) quality.Metrics
}

// Deps are the collaborators of a pipeline. Assessor, Recorder and Metrics
// are optional.
type Deps struct {
	Strategies Strategies
	Retriever  Retriever
	Generator  generation.Generator
	Assessor   Assessor
	Recorder   analytics.Recorder
	Metrics    *metrics.Metrics
}

type Config struct {
	MaxChars         int
	AnalyticsTimeout time.Duration

	// QualityGate turns a reject decision into a failed run. Without it the
	// assessment is only recorded.
	QualityGate   bool
	StrictQuality bool
}

type Pipeline struct {
	deps Deps
	cfg  Config
	wg   sync.WaitGroup
}

func New(deps Deps, cfg Config) *Pipeline {
	if cfg.AnalyticsTimeout <= 0 {
		cfg.AnalyticsTimeout = defaultAnalyticsTimeout
	}
	return &Pipeline{deps: deps, cfg: cfg}
}

// Execute runs one generation end to end. The returned Result is never nil;
// on failure it carries the error message and the error is also returned.
func (p *Pipeline) Execute(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	ctx = middleware.WithBatchID(ctx, req.BatchID)
	res := &Result{ContentType: req.ContentType}

	fail := func(err error) (*Result, error) {
		res.Success = false
		res.GeneratedCount = 0
		res.Error = err.Error()
		p.deps.Metrics.ObservePipelineRun(string(req.ContentType), "failed", time.Since(start))
		slog.ErrorContext(ctx, "generation pipeline failed",
			"content_type", req.ContentType, "course_id", req.CourseID, "week_id", req.WeekID, "error", err)
		return res, err
	}

	if err := req.Validate(); err != nil {
		return fail(err)
	}

	s, err := p.deps.Strategies.Get(req.ContentType)
	if err != nil {
		return fail(err)
	}

	material, err := p.deps.Retriever.Retrieve(ctx, retrieval.Request{
		CacheKey:    req.CacheKey,
		MaterialIDs: req.MaterialIDs,
		MaxChars:    p.cfg.MaxChars,
	})
	if err != nil {
		return fail(err)
	}
	meta := &Metadata{
		Source:    material.Provenance.Source,
		CacheHit:  material.Provenance.CacheHit,
		Truncated: material.Provenance.Truncated,
	}
	res.Metadata = meta

	prompt := s.Prompt()
	user, err := strategy.Render(prompt.UserTemplate, s.BuildContext(material.Text, req.Config))
	if err != nil {
		return fail(err)
	}

	resp, err := p.deps.Generator.Generate(ctx, generation.Request{
		System: prompt.System,
		User:   user,
		Schema: s.Schema(),
	})
	if err != nil {
		return fail(err)
	}
	meta.Model = resp.Model
	meta.Shape = shapeOf(resp.Raw, s.ContentType())

	items, err := s.ExtractItems(resp.Raw)
	if err != nil {
		return fail(err)
	}
	if len(items) == 0 || populatedFields(items[0]) == 0 {
		return fail(fmt.Errorf("%w: backend returned an empty %s list", ErrEmptyGeneration, req.ContentType))
	}

	valid := filterValid(ctx, items, s.ItemSchema())
	meta.Dropped = len(items) - len(valid)
	if len(valid) == 0 {
		return fail(fmt.Errorf("%w: all %d items failed schema validation", ErrEmptyGeneration, len(items)))
	}
	meta.Valid = meta.Dropped == 0

	if p.deps.Assessor != nil {
		q := p.assess(ctx, s.ContentType(), valid)
		meta.Quality = &q
		if p.cfg.QualityGate && q.Decision == quality.DecisionReject {
			return fail(fmt.Errorf("%w: overall quality %.2f", ErrQualityRejected, q.OverallQuality))
		}
	}

	scope := content.Scope{CourseID: req.CourseID, WeekID: req.WeekID, BatchID: req.BatchID}
	if err := s.Persist(ctx, valid, scope); err != nil {
		return fail(err)
	}

	res.Success = true
	res.GeneratedCount = len(valid)

	elapsed := time.Since(start)
	p.deps.Metrics.ObservePipelineRun(string(req.ContentType), "success", elapsed)
	p.deps.Metrics.AddItems(string(req.ContentType), len(valid), meta.Dropped)
	slog.InfoContext(ctx, "generation pipeline completed",
		"content_type", req.ContentType, "generated", len(valid), "dropped", meta.Dropped,
		"source", meta.Source, "duration_ms", elapsed.Milliseconds())

	p.emit(ctx, analytics.Event{
		CorrelationID:  middleware.GetCorrelationID(ctx),
		BatchID:        req.BatchID,
		ContentType:    string(req.ContentType),
		CourseID:       req.CourseID,
		WeekID:         req.WeekID,
		Model:          resp.Model,
		PromptTokens:   resp.PromptTokens,
		OutputTokens:   resp.OutputTokens,
		GeneratedCount: len(valid),
		Dropped:        meta.Dropped,
		CacheHit:       meta.CacheHit,
		Duration:       elapsed,
	})
	return res, nil
}

// Wait blocks until detached analytics writes have finished.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

func (p *Pipeline) assess(ctx context.Context, t content.Type, items []strategy.Item) quality.Metrics {
	body, err := json.Marshal(map[string]any{string(t): items})
	if err != nil {
		return quality.Fallback()
	}
	q := p.deps.Assessor.Assess(ctx, string(body), string(t), quality.Options{Strict: p.cfg.StrictQuality})
	p.deps.Metrics.IncQualityDecision(string(t), string(q.Decision))
	slog.InfoContext(ctx, "quality assessed", "content_type", t, "overall", q.OverallQuality,
		"decision", q.Decision, "should_regenerate", q.ShouldRegenerate, "fallback", q.Fallback)
	return q
}

// emit records usage on a detached goroutine. Failures are logged only.
func (p *Pipeline) emit(ctx context.Context, e analytics.Event) {
	if p.deps.Recorder == nil {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.AnalyticsTimeout)
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				slog.ErrorContext(actx, "usage analytics panicked", "panic", r)
			}
		}()
		if err := p.deps.Recorder.Record(actx, e); err != nil {
			slog.WarnContext(actx, "failed to record usage analytics", "content_type", e.ContentType, "error", err)
		}
	}()
}

func filterValid(ctx context.Context, items []strategy.Item, schema *generation.Schema) []strategy.Item {
	valid := make([]strategy.Item, 0, len(items))
	for i, it := range items {
		if err := schema.Check(map[string]any(it)); err != nil {
			slog.WarnContext(ctx, "dropping invalid generated item", "index", i, "error", err)
			continue
		}
		valid = append(valid, it)
	}
	return valid
}

func populatedFields(it strategy.Item) int {
	n := 0
	for _, v := range it {
		switch t := v.(type) {
		case nil:
		case string:
			if strings.TrimSpace(t) != "" {
				n++
			}
		case []any:
			if len(t) > 0 {
				n++
			}
		case map[string]any:
			if len(t) > 0 {
				n++
			}
		default:
			n++
		}
	}
	return n
}

func shapeOf(raw json.RawMessage, t content.Type) string {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return ShapeUnwrapped
	}
	if _, ok := obj[string(t)]; ok {
		return ShapeWrapped
	}
	return ShapeUnwrapped
}

package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"studyloop/features/content"
	"studyloop/internal/config"
	"studyloop/internal/metrics"
	"studyloop/internal/pipeline"
)

var (
	ErrConfigNotFound    = errors.New("generation config not found")
	ErrNoFeaturesEnabled = errors.New("no features enabled")
	ErrRunNotFound       = errors.New("orchestration run not found")
	ErrFeatureRunUnknown = errors.New("feature run not found")
)

type RunStatus string

const (
	RunPending    RunStatus = "pending"
	RunProcessing RunStatus = "processing"
	RunCompleted  RunStatus = "completed"
	RunFailed     RunStatus = "failed"
)

type FeatureStatus string

const (
	// FeaturePending is stored but not yet on the queue.
	FeaturePending   FeatureStatus = "pending"
	FeatureScheduled FeatureStatus = "scheduled"
	FeatureCompleted FeatureStatus = "completed"
	FeatureFailed    FeatureStatus = "failed"
)

// Aggregate statuses reported for a run once its children are considered.
const (
	AggregateProcessing     = "processing"
	AggregateCompleted      = "completed"
	AggregatePartialFailure = "partial_failure"
	AggregateFailed         = "failed"
)

type Run struct {
	ID          string    `json:"id"`
	CourseID    string    `json:"courseId"`
	WeekID      string    `json:"weekId"`
	MaterialIDs []string  `json:"materialIds"`
	Status      RunStatus `json:"status"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type FeatureRun struct {
	RunID          string          `json:"runId"`
	BatchID        string          `json:"batchId"`
	ContentType    content.Type    `json:"contentType"`
	Status         FeatureStatus   `json:"status"`
	GeneratedCount int             `json:"generatedCount"`
	Error          string          `json:"error,omitempty"`
	Published      bool            `json:"published"`
	Payload        json.RawMessage `json:"-"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// Batch is the input of one orchestration: which materials of which week.
// RunID is optional; a repeated RunID resumes the earlier run.
type Batch struct {
	RunID       string   `json:"runId,omitempty"`
	CourseID    string   `json:"courseId"`
	WeekID      string   `json:"weekId"`
	MaterialIDs []string `json:"materialIds"`
}

type RunSummary struct {
	RunID    string       `json:"runId"`
	Status   RunStatus    `json:"status"`
	CacheKey string       `json:"cacheKey,omitempty"`
	Features []FeatureRun `json:"features"`
}

// RunView is a run together with its feature runs and the derived status.
type RunView struct {
	Run
	Aggregate string       `json:"aggregateStatus"`
	Features  []FeatureRun `json:"features"`
}

type RunRepository interface {
	CreateRun(ctx context.Context, run *Run) error
	UpdateRunStatus(ctx context.Context, id string, status RunStatus, errMsg string) error
	GetRun(ctx context.Context, id string) (*Run, error)
	SaveFeatureRuns(ctx context.Context, runs []FeatureRun) error
	UpdateFeatureRun(ctx context.Context, batchID string, status FeatureStatus, generated int, errMsg string) error
	MarkPublished(ctx context.Context, batchID string) error
	ListFeatureRuns(ctx context.Context, runID string) ([]FeatureRun, error)
}

type ConfigStore interface {
	GetConfig(ctx context.Context, courseID, weekID string) (*GenerationConfig, error)
}

type Publisher interface {
	Publish(topic string, body []byte) error
}

type Prefetcher interface {
	Prefetch(ctx context.Context, scope string, materialIDs []string) (string, int, error)
}

type Orchestrator struct {
	runs       RunRepository
	configs    ConfigStore
	pub        Publisher
	prefetcher Prefetcher
	metrics    *metrics.Metrics
}

// New builds an orchestrator. prefetcher and m may be nil.
func New(runs RunRepository, configs ConfigStore, pub Publisher, prefetcher Prefetcher, m *metrics.Metrics) *Orchestrator {
	return &Orchestrator{runs: runs, configs: configs, pub: pub, prefetcher: prefetcher, metrics: m}
}

// Orchestrate schedules one generation per enabled feature and returns once
// every message is published. Completion of the generations themselves is
// reported later through RecordFeatureResult.
//
// When b.RunID names an existing run, the run is resumed: its feature runs
// keep their batch ids and only those never published are sent again.
func (o *Orchestrator) Orchestrate(ctx context.Context, b Batch) (*RunSummary, error) {
	run, features, err := o.openRun(ctx, b)
	if err != nil {
		return nil, err
	}
	summary := &RunSummary{RunID: run.ID, Status: run.Status, Features: []FeatureRun{}}

	fail := func(err error) (*RunSummary, error) {
		summary.Status = RunFailed
		if uerr := o.runs.UpdateRunStatus(context.WithoutCancel(ctx), run.ID, RunFailed, err.Error()); uerr != nil {
			slog.ErrorContext(ctx, "failed to mark run failed", "run_id", run.ID, "error", uerr)
		}
		o.metrics.IncOrchestration(string(RunFailed))
		slog.ErrorContext(ctx, "orchestration failed", "run_id", run.ID, "course_id", run.CourseID, "week_id", run.WeekID, "error", err)
		return summary, err
	}

	if len(features) == 0 {
		if features, err = o.plan(ctx, run, summary); err != nil {
			return fail(err)
		}
	} else {
		if err := o.runs.UpdateRunStatus(ctx, run.ID, RunProcessing, ""); err != nil {
			return fail(err)
		}
		summary.Status = RunProcessing
		summary.CacheKey = cacheKeyOf(features)
		slog.InfoContext(ctx, "resuming orchestration run", "run_id", run.ID, "features", len(features))
	}
	summary.Features = features

	if err := o.publish(ctx, features); err != nil {
		return fail(err)
	}

	if err := o.runs.UpdateRunStatus(ctx, run.ID, RunCompleted, ""); err != nil {
		return fail(err)
	}
	summary.Status = RunCompleted
	o.metrics.IncOrchestration(string(RunCompleted))
	slog.InfoContext(ctx, "orchestration scheduled", "run_id", run.ID, "features", len(features))
	return summary, nil
}

// openRun loads the run named by b.RunID together with its feature runs, or
// creates a fresh run when there is none.
func (o *Orchestrator) openRun(ctx context.Context, b Batch) (*Run, []FeatureRun, error) {
	if b.RunID != "" {
		run, err := o.runs.GetRun(ctx, b.RunID)
		switch {
		case err == nil:
			features, err := o.runs.ListFeatureRuns(ctx, run.ID)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to load feature runs: %w", err)
			}
			return run, features, nil
		case !errors.Is(err, ErrRunNotFound):
			return nil, nil, fmt.Errorf("failed to load run: %w", err)
		}
	}

	id := b.RunID
	if id == "" {
		id = uuid.New().String()
	}
	run := &Run{
		ID:          id,
		CourseID:    b.CourseID,
		WeekID:      b.WeekID,
		MaterialIDs: b.MaterialIDs,
		Status:      RunPending,
	}
	if err := o.runs.CreateRun(ctx, run); err != nil {
		return nil, nil, fmt.Errorf("failed to create run: %w", err)
	}
	return run, nil, nil
}

// plan resolves the week's config into pending feature runs and stores them.
func (o *Orchestrator) plan(ctx context.Context, run *Run, summary *RunSummary) ([]FeatureRun, error) {
	cfg, err := o.configs.GetConfig(ctx, run.CourseID, run.WeekID)
	if err != nil {
		return nil, err
	}
	if err := o.runs.UpdateRunStatus(ctx, run.ID, RunProcessing, ""); err != nil {
		return nil, err
	}
	summary.Status = RunProcessing

	requests, err := o.selectFeatures(run, cfg)
	if err != nil {
		return nil, err
	}

	if o.prefetcher != nil {
		key, n, err := o.prefetcher.Prefetch(ctx, run.ID, run.MaterialIDs)
		if err != nil {
			slog.WarnContext(ctx, "chunk prefetch failed, generations will read the store", "run_id", run.ID, "error", err)
		} else {
			summary.CacheKey = key
			slog.InfoContext(ctx, "prefetched chunks", "run_id", run.ID, "chunks", n)
		}
	}

	features := make([]FeatureRun, len(requests))
	for i := range requests {
		requests[i].CacheKey = summary.CacheKey
		payload, err := json.Marshal(requests[i])
		if err != nil {
			return nil, err
		}
		features[i] = FeatureRun{
			RunID:       run.ID,
			BatchID:     requests[i].BatchID,
			ContentType: requests[i].ContentType,
			Status:      FeaturePending,
			Payload:     payload,
		}
	}
	if err := o.runs.SaveFeatureRuns(ctx, features); err != nil {
		return nil, err
	}
	return features, nil
}

// publish sends every feature that is not on the queue yet. Each send is
// attempted regardless of its siblings; a failed send leaves the feature
// failed and unpublished.
func (o *Orchestrator) publish(ctx context.Context, features []FeatureRun) error {
	var g errgroup.Group
	for i := range features {
		f := &features[i]
		if f.Published || f.Status == FeatureCompleted {
			continue
		}
		g.Go(func() error {
			if f.Status != FeaturePending {
				if err := o.runs.UpdateFeatureRun(ctx, f.BatchID, FeaturePending, 0, ""); err != nil {
					return fmt.Errorf("failed to reset %s: %w", f.ContentType, err)
				}
				f.Status, f.Error = FeaturePending, ""
			}
			if err := o.pub.Publish(config.TopicContentGenerate, f.Payload); err != nil {
				f.Status = FeatureFailed
				f.Error = err.Error()
				if uerr := o.runs.UpdateFeatureRun(context.WithoutCancel(ctx), f.BatchID, FeatureFailed, 0, f.Error); uerr != nil {
					slog.ErrorContext(ctx, "failed to mark feature run failed", "batch_id", f.BatchID, "error", uerr)
				}
				return fmt.Errorf("failed to publish %s: %w", f.ContentType, err)
			}
			f.Status, f.Published = FeatureScheduled, true
			if err := o.runs.MarkPublished(context.WithoutCancel(ctx), f.BatchID); err != nil {
				slog.ErrorContext(ctx, "failed to record feature publish", "batch_id", f.BatchID, "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

func cacheKeyOf(features []FeatureRun) string {
	for _, f := range features {
		var req pipeline.Request
		if err := json.Unmarshal(f.Payload, &req); err == nil && req.CacheKey != "" {
			return req.CacheKey
		}
	}
	return ""
}

func (o *Orchestrator) selectFeatures(run *Run, cfg *GenerationConfig) ([]pipeline.Request, error) {
	var requests []pipeline.Request
	for _, f := range cfg.Features {
		if f == nil || !f.IsEnabled() {
			continue
		}
		t, opts, err := featureRequest(f)
		if err != nil {
			return nil, err
		}
		requests = append(requests, pipeline.Request{
			ContentType: t,
			CourseID:    run.CourseID,
			WeekID:      run.WeekID,
			MaterialIDs: run.MaterialIDs,
			Config:      opts,
			BatchID:     uuid.New().String(),
			RunID:       run.ID,
		})
	}
	if len(requests) == 0 {
		return nil, ErrNoFeaturesEnabled
	}
	return requests, nil
}

// RecordFeatureResult stores the terminal state of one feature. Sibling
// features are untouched.
func (o *Orchestrator) RecordFeatureResult(ctx context.Context, batchID string, res *pipeline.Result) error {
	status := FeatureCompleted
	if res == nil || !res.Success {
		status = FeatureFailed
	}
	var generated int
	var errMsg string
	contentType := ""
	if res != nil {
		generated = res.GeneratedCount
		errMsg = res.Error
		contentType = string(res.ContentType)
	}
	if err := o.runs.UpdateFeatureRun(ctx, batchID, status, generated, errMsg); err != nil {
		return err
	}
	o.metrics.IncFeatureResult(contentType, string(status))
	return nil
}

func (o *Orchestrator) GetRun(ctx context.Context, id string) (*RunView, error) {
	run, err := o.runs.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	features, err := o.runs.ListFeatureRuns(ctx, id)
	if err != nil {
		return nil, err
	}
	if features == nil {
		features = []FeatureRun{}
	}
	return &RunView{Run: *run, Aggregate: Aggregate(run.Status, features), Features: features}, nil
}

// Aggregate derives the overall status of a run from its own state and the
// terminal states of its features.
func Aggregate(status RunStatus, features []FeatureRun) string {
	switch status {
	case RunFailed:
		return AggregateFailed
	case RunPending, RunProcessing:
		return AggregateProcessing
	}

	var completed, failed int
	for _, f := range features {
		switch f.Status {
		case FeatureCompleted:
			completed++
		case FeatureFailed:
			failed++
		default:
			return AggregateProcessing
		}
	}
	switch {
	case failed == 0:
		return AggregateCompleted
	case completed == 0:
		return AggregateFailed
	default:
		return AggregatePartialFailure
	}
}

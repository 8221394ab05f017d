package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"studyloop/internal/config"
)

var ErrUnknownHandler = errors.New("unknown job handler")

const publishTimeout = 5 * time.Second

type EventPublisher interface {
	Publish(topic string, body []byte) error
}

type Service struct {
	repo   Repository
	pub    EventPublisher
	logger *slog.Logger
}

func NewService(repo Repository, pub EventPublisher, logger *slog.Logger) *Service {
	return &Service{repo: repo, pub: pub, logger: logger}
}

func (s *Service) List(ctx context.Context, f Filter) ([]Job, error) {
	if f.Handler != "" {
		if _, err := TopicFor(f.Handler); err != nil {
			return nil, err
		}
	}
	return s.repo.List(ctx, f)
}

// TopicFor returns the topic that re-triggers work recorded by handler.
func TopicFor(handler string) (string, error) {
	switch handler {
	case HandlerIngest:
		return config.TopicIngestMaterial, nil
	case HandlerGeneration:
		return config.TopicContentGenerate, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownHandler, handler)
	}
}

// Retry republishes the stored payload to the originating topic. The job row
// is removed once the publish is acknowledged; a failed publish is counted
// against the job and the row stays.
func (s *Service) Retry(ctx context.Context, id string) (*Job, error) {
	j, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	topic, err := TopicFor(j.Handler)
	if err != nil {
		return nil, err
	}

	if err := s.publish(ctx, topic, j.Payload); err != nil {
		if rerr := s.repo.RecordAttempt(context.WithoutCancel(ctx), id, err.Error()); rerr != nil {
			s.logger.WarnContext(ctx, "failed to record retry attempt", "id", id, "error", rerr)
		}
		return nil, err
	}

	s.logger.InfoContext(ctx, "job republished", "id", id, "topic", topic, "handler", j.Handler, "retries", j.Retries)
	if err := s.repo.Delete(ctx, id); err != nil {
		return nil, err
	}
	return j, nil
}

func (s *Service) publish(ctx context.Context, topic string, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- s.pub.Publish(topic, body)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("timeout waiting for NSQ publish: %w", ctx.Err())
	}
}

func (s *Service) Count(ctx context.Context) (int, error) {
	return s.repo.Count(ctx)
}

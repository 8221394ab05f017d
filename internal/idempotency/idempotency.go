package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

var (
	// ErrAlreadyProcessed means the event completed earlier; callers treat it as a no-op.
	ErrAlreadyProcessed = errors.New("event already processed")

	// ErrPermanentlyFailed means the event exhausted its retries and will not run again.
	ErrPermanentlyFailed = errors.New("event permanently failed")

	// ErrInFlight means another delivery of the same event holds the current attempt.
	ErrInFlight = errors.New("event is being processed by another delivery")

	ErrNotFound = errors.New("idempotency record not found")
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

type Event struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

type Record struct {
	Key        string          `json:"key"`
	EventType  string          `json:"eventType"`
	EventID    string          `json:"eventId"`
	Status     Status          `json:"status"`
	Retries    int             `json:"retries"`
	MaxRetries int             `json:"maxRetries"`
	Payload    json.RawMessage `json:"payload"`
	LastError  string          `json:"lastError,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// Key derives the record key for an event.
func Key(eventType, eventID string) string {
	sum := sha256.Sum256([]byte(eventType + ":" + eventID))
	return hex.EncodeToString(sum[:])
}

// Store persists records. Claim, Complete and Fail are compare-and-swap
// transitions and report whether this caller won.
type Store interface {
	CreateOrGet(ctx context.Context, rec *Record) (*Record, error)
	Get(ctx context.Context, key string) (*Record, error)
	// Claim moves a pending record (or one whose processing lease expired)
	// with retries == n to processing with retries n+1.
	Claim(ctx context.Context, key string, retries int) (bool, error)
	// Release returns a processing record to pending after a failed attempt.
	Release(ctx context.Context, key, lastError string) error
	Complete(ctx context.Context, key string) (bool, error)
	Fail(ctx context.Context, key, lastError string) (bool, error)
}

type Config struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// Lease is how long a processing record is presumed alive. It should
	// match the store's claim lease.
	Lease time.Duration
}

func DefaultConfig() Config {
	return Config{MaxRetries: 5, InitialInterval: 500 * time.Millisecond, MaxInterval: 30 * time.Second, Lease: defaultLease}
}

type Handler func(ctx context.Context, payload json.RawMessage) error

type Processor struct {
	store Store
	cfg   Config
}

func NewProcessor(store Store, cfg Config) *Processor {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultConfig().MaxRetries
	}
	if cfg.Lease <= 0 {
		cfg.Lease = defaultLease
	}
	return &Processor{store: store, cfg: cfg}
}

// Process runs fn at most once to completion for the event. Failed attempts
// are retried with jittered exponential backoff until the record's retry
// ceiling, after which the record is marked failed for good. fn receives the
// payload stored with the first delivery.
func (p *Processor) Process(ctx context.Context, ev Event, fn Handler) (*Record, error) {
	key := Key(ev.Type, ev.ID)
	rec, err := p.store.CreateOrGet(ctx, &Record{
		Key:        key,
		EventType:  ev.Type,
		EventID:    ev.ID,
		Status:     StatusPending,
		MaxRetries: p.cfg.MaxRetries,
		Payload:    ev.Payload,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load idempotency record: %w", err)
	}

	switch rec.Status {
	case StatusCompleted:
		slog.InfoContext(ctx, "skipping processed event", "event_type", ev.Type, "event_id", ev.ID)
		return rec, ErrAlreadyProcessed
	case StatusFailed:
		return rec, ErrPermanentlyFailed
	}
	if rec.Retries >= rec.MaxRetries {
		if rec.Status == StatusProcessing && time.Since(rec.UpdatedAt) < p.cfg.Lease {
			return rec, ErrInFlight
		}
		// No attempts left and the last holder, if any, is gone.
		lastError := rec.LastError
		if lastError == "" && rec.Status == StatusProcessing {
			lastError = "final attempt lease expired"
		}
		won, err := p.store.Fail(ctx, key, lastError)
		if err != nil {
			return rec, err
		}
		if !won {
			return p.settled(ctx, key)
		}
		rec.Status, rec.LastError = StatusFailed, lastError
		slog.WarnContext(ctx, "event exhausted its retries", "event_type", ev.Type, "event_id", ev.ID, "retries", rec.Retries, "error", lastError)
		return rec, ErrPermanentlyFailed
	}

	retries := rec.Retries
	var lastErr error
	op := func() error {
		won, err := p.store.Claim(ctx, key, retries)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !won {
			return backoff.Permanent(ErrInFlight)
		}
		retries++

		if err := fn(ctx, rec.Payload); err != nil {
			lastErr = err
			var perm *backoff.PermanentError
			if errors.As(err, &perm) {
				lastErr = perm.Err
				return err
			}
			if retries >= rec.MaxRetries {
				return backoff.Permanent(err)
			}
			if rerr := p.store.Release(context.WithoutCancel(ctx), key, err.Error()); rerr != nil {
				return backoff.Permanent(fmt.Errorf("failed to release event after attempt error: %w", rerr))
			}
			return err
		}
		return nil
	}
	notify := func(err error, wait time.Duration) {
		slog.WarnContext(ctx, "event attempt failed, retrying", "event_type", ev.Type, "event_id", ev.ID,
			"attempt", retries, "max_retries", rec.MaxRetries, "wait", wait, "error", err)
	}

	err = backoff.RetryNotify(op, backoff.WithContext(p.newBackOff(), ctx), notify)
	rec.Retries = retries
	if err == nil {
		won, cerr := p.store.Complete(context.WithoutCancel(ctx), key)
		if cerr != nil {
			return rec, fmt.Errorf("failed to mark event completed: %w", cerr)
		}
		if !won {
			slog.WarnContext(ctx, "event completed after its claim was taken over", "event_type", ev.Type, "event_id", ev.ID)
		}
		rec.Status = StatusCompleted
		return rec, nil
	}

	if errors.Is(err, ErrInFlight) || lastErr == nil {
		return rec, err
	}
	if retries < rec.MaxRetries && (ctx.Err() != nil || !errors.Is(err, lastErr)) {
		// Cancelled between attempts or the store failed; the record stays
		// claimable for redelivery.
		return rec, err
	}
	rec.LastError = lastErr.Error()
	if _, ferr := p.store.Fail(context.WithoutCancel(ctx), key, rec.LastError); ferr != nil {
		return rec, fmt.Errorf("failed to mark event failed: %w", ferr)
	}
	rec.Status = StatusFailed
	slog.ErrorContext(ctx, "event permanently failed", "event_type", ev.Type, "event_id", ev.ID, "retries", retries, "error", lastErr)
	return rec, fmt.Errorf("%w: %v", ErrPermanentlyFailed, lastErr)
}

// settled reports the outcome after another delivery changed the record first.
func (p *Processor) settled(ctx context.Context, key string) (*Record, error) {
	rec, err := p.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	switch rec.Status {
	case StatusCompleted:
		return rec, ErrAlreadyProcessed
	case StatusFailed:
		return rec, ErrPermanentlyFailed
	default:
		return rec, ErrInFlight
	}
}

func (p *Processor) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.cfg.InitialInterval > 0 {
		b.InitialInterval = p.cfg.InitialInterval
	}
	if p.cfg.MaxInterval > 0 {
		b.MaxInterval = p.cfg.MaxInterval
	}
	b.RandomizationFactor = 0.5
	b.MaxElapsedTime = 0
	return b
}

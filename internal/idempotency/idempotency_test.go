package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu      sync.Mutex
	records map[string]*Record
}

func newMemStore() *memStore {
	return &memStore{records: map[string]*Record{}}
}

func (m *memStore) CreateOrGet(_ context.Context, rec *Record) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.records[rec.Key]; ok {
		cp := *existing
		return &cp, nil
	}
	cp := *rec
	m.records[rec.Key] = &cp
	out := cp
	return &out, nil
}

func (m *memStore) Get(_ context.Context, key string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

// Claim never treats a processing record as expired.
func (m *memStore) Claim(_ context.Context, key string, retries int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.records[key]
	if r.Status != StatusPending || r.Retries != retries {
		return false, nil
	}
	r.Status = StatusProcessing
	r.Retries++
	r.UpdatedAt = time.Now()
	return true, nil
}

func (m *memStore) Release(_ context.Context, key, lastError string) error {
	_, err := m.transition(key, StatusPending, lastError, StatusProcessing)
	return err
}

func (m *memStore) Complete(_ context.Context, key string) (bool, error) {
	return m.transition(key, StatusCompleted, "", StatusProcessing)
}

func (m *memStore) Fail(_ context.Context, key, lastError string) (bool, error) {
	return m.transition(key, StatusFailed, lastError, StatusPending, StatusProcessing)
}

func (m *memStore) transition(key string, to Status, lastError string, from ...Status) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.records[key]
	for _, f := range from {
		if r.Status == f {
			r.Status, r.LastError = to, lastError
			r.UpdatedAt = time.Now()
			return true, nil
		}
	}
	return false, nil
}

func fastConfig(maxRetries int) Config {
	return Config{MaxRetries: maxRetries, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
}

var event = Event{Type: "payment.succeeded", ID: "evt_123", Payload: json.RawMessage(`{"amount":100}`)}

func TestKey_Deterministic(t *testing.T) {
	assert.Equal(t, Key("a", "b"), Key("a", "b"))
	assert.NotEqual(t, Key("a", "b"), Key("a:b", ""))
	assert.Len(t, Key("a", "b"), 64)
}

func TestProcess_SameEventTwiceRunsOnce(t *testing.T) {
	store := newMemStore()
	p := NewProcessor(store, fastConfig(3))
	var calls int32
	fn := func(_ context.Context, payload json.RawMessage) error {
		atomic.AddInt32(&calls, 1)
		assert.JSONEq(t, `{"amount":100}`, string(payload))
		return nil
	}

	rec, err := p.Process(context.Background(), event, fn)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, rec.Status)

	_, err = p.Process(context.Background(), event, fn)
	assert.ErrorIs(t, err, ErrAlreadyProcessed)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestProcess_ConcurrentDeliveriesRunOnce(t *testing.T) {
	store := newMemStore()
	p := NewProcessor(store, fastConfig(3))
	var calls int32
	release := make(chan struct{})
	fn := func(context.Context, json.RawMessage) error {
		atomic.AddInt32(&calls, 1)
		<-release
		return nil
	}

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = p.Process(context.Background(), event, fn)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(t, errors.Is(err, ErrInFlight) || errors.Is(err, ErrAlreadyProcessed), err)
	}
	assert.Equal(t, 1, succeeded)
}

func TestProcess_RetriesThenSucceeds(t *testing.T) {
	store := newMemStore()
	p := NewProcessor(store, fastConfig(3))
	attempts := 0
	rec, err := p.Process(context.Background(), event, func(context.Context, json.RawMessage) error {
		attempts++
		if attempts < 3 {
			return errors.New("upstream 503")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 3, rec.Retries)
	assert.Equal(t, StatusCompleted, store.records[Key(event.Type, event.ID)].Status)
}

func TestProcess_ExhaustedRetriesFailPermanently(t *testing.T) {
	store := newMemStore()
	p := NewProcessor(store, fastConfig(2))
	attempts := 0
	fn := func(context.Context, json.RawMessage) error {
		attempts++
		return errors.New("card declined")
	}

	_, err := p.Process(context.Background(), event, fn)
	assert.ErrorIs(t, err, ErrPermanentlyFailed)
	assert.Equal(t, 2, attempts)

	stored := store.records[Key(event.Type, event.ID)]
	assert.Equal(t, StatusFailed, stored.Status)
	assert.Equal(t, "card declined", stored.LastError)

	_, err = p.Process(context.Background(), event, fn)
	assert.ErrorIs(t, err, ErrPermanentlyFailed)
	assert.Equal(t, 2, attempts)
}

func TestProcess_HandlerPermanentErrorStopsRetrying(t *testing.T) {
	store := newMemStore()
	p := NewProcessor(store, fastConfig(5))
	attempts := 0

	_, err := p.Process(context.Background(), event, func(context.Context, json.RawMessage) error {
		attempts++
		return backoff.Permanent(errors.New("unknown customer"))
	})

	assert.ErrorIs(t, err, ErrPermanentlyFailed)
	assert.Equal(t, 1, attempts)
	stored := store.records[Key(event.Type, event.ID)]
	assert.Equal(t, StatusFailed, stored.Status)
	assert.Equal(t, "unknown customer", stored.LastError)
}

func TestProcess_CancelledLeavesRecordPending(t *testing.T) {
	store := newMemStore()
	p := NewProcessor(store, Config{MaxRetries: 5, InitialInterval: time.Hour, MaxInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())

	_, err := p.Process(ctx, event, func(context.Context, json.RawMessage) error {
		cancel()
		return errors.New("timeout")
	})

	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrPermanentlyFailed)
	assert.Equal(t, StatusPending, store.records[Key(event.Type, event.ID)].Status)
}

// exhaustedRecord seeds a record whose final attempt was claimed at claimedAt.
func exhaustedRecord(store *memStore, claimedAt time.Time) string {
	key := Key(event.Type, event.ID)
	store.records[key] = &Record{
		Key:        key,
		EventType:  event.Type,
		EventID:    event.ID,
		Status:     StatusProcessing,
		Retries:    3,
		MaxRetries: 3,
		Payload:    event.Payload,
		UpdatedAt:  claimedAt,
	}
	return key
}

func TestProcess_ExhaustedWithExpiredLeaseFails(t *testing.T) {
	store := newMemStore()
	key := exhaustedRecord(store, time.Now().Add(-time.Hour))
	cfg := fastConfig(3)
	cfg.Lease = time.Minute
	p := NewProcessor(store, cfg)
	called := false

	rec, err := p.Process(context.Background(), event, func(context.Context, json.RawMessage) error {
		called = true
		return nil
	})

	assert.ErrorIs(t, err, ErrPermanentlyFailed)
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Equal(t, StatusFailed, store.records[key].Status)
	assert.NotEmpty(t, store.records[key].LastError)
	assert.False(t, called)

	_, err = p.Process(context.Background(), event, func(context.Context, json.RawMessage) error { return nil })
	assert.ErrorIs(t, err, ErrPermanentlyFailed)
}

func TestProcess_ExhaustedWithLiveLeaseIsInFlight(t *testing.T) {
	store := newMemStore()
	key := exhaustedRecord(store, time.Now())
	cfg := fastConfig(3)
	cfg.Lease = time.Minute
	p := NewProcessor(store, cfg)

	_, err := p.Process(context.Background(), event, func(context.Context, json.RawMessage) error { return nil })

	assert.ErrorIs(t, err, ErrInFlight)
	assert.Equal(t, StatusProcessing, store.records[key].Status)
}

// lateCompleteStore lets the last attempt finish just before Fail runs.
type lateCompleteStore struct{ *memStore }

func (s lateCompleteStore) Fail(_ context.Context, key, _ string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[key].Status = StatusCompleted
	return false, nil
}

func TestProcess_ExhaustedLosesFailToCompletion(t *testing.T) {
	store := newMemStore()
	exhaustedRecord(store, time.Now().Add(-time.Hour))
	cfg := fastConfig(3)
	cfg.Lease = time.Minute
	p := NewProcessor(lateCompleteStore{store}, cfg)

	rec, err := p.Process(context.Background(), event, func(context.Context, json.RawMessage) error { return nil })

	assert.ErrorIs(t, err, ErrAlreadyProcessed)
	assert.Equal(t, StatusCompleted, rec.Status)
}

package app_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/weaviate/weaviate/entities/models"

	"studyloop/internal/app"
	"studyloop/internal/config"
)

type flakySchema struct {
	calls     int
	failUntil int
	created   bool
}

func (f *flakySchema) ClassExists(ctx context.Context, className string) (bool, error) {
	f.calls++
	if f.calls <= f.failUntil {
		return false, errors.New("connection refused")
	}
	return false, nil
}

func (f *flakySchema) CreateClass(ctx context.Context, class *models.Class) error {
	f.created = true
	return nil
}

func (f *flakySchema) GetClass(ctx context.Context, className string) (*models.Class, error) {
	return &models.Class{Class: className}, nil
}

func (f *flakySchema) AddProperty(ctx context.Context, className string, property *models.Property) error {
	return nil
}

func TestEnsureSchemaWithRetry_Success(t *testing.T) {
	s := &flakySchema{}
	err := app.EnsureSchemaWithRetry(context.Background(), s, 1, time.Millisecond)
	assert.NoError(t, err)
	assert.True(t, s.created)
}

func TestEnsureSchemaWithRetry_Retries(t *testing.T) {
	s := &flakySchema{failUntil: 2}
	err := app.EnsureSchemaWithRetry(context.Background(), s, 5, time.Millisecond)
	assert.NoError(t, err)
	assert.Equal(t, 3, s.calls)
	assert.True(t, s.created)
}

func TestEnsureSchemaWithRetry_Fail(t *testing.T) {
	s := &flakySchema{failUntil: 100}
	err := app.EnsureSchemaWithRetry(context.Background(), s, 3, time.Millisecond)
	assert.Error(t, err)
	assert.Equal(t, 3, s.calls)
	assert.False(t, s.created)
}

func TestEnsureSchemaWithRetry_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := &flakySchema{failUntil: 100}
	err := app.EnsureSchemaWithRetry(ctx, s, 10, time.Second)
	assert.Error(t, err)
	assert.LessOrEqual(t, s.calls, 1)
}

func TestBootstrap_ConfigurationError(t *testing.T) {
	cfg := &config.Config{
		DBHost: "invalid-host",
	}
	deps, err := app.Bootstrap(context.Background(), cfg)
	assert.Error(t, err)
	assert.Nil(t, deps)
}

package config_test

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"studyloop/internal/config"
)

func TestLoadConfig(t *testing.T) {
	os.Setenv("DB_HOST", "test-host")
	defer os.Unsetenv("DB_HOST")

	cfg, err := config.Load()
	assert.NoError(t, err)
	assert.Equal(t, "test-host", cfg.DBHost)
}

func TestLoadConfig_FromEnvFile(t *testing.T) {
	content := []byte("DB_HOST=loaded-from-file")
	err := os.WriteFile(".env", content, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(".env")

	cfg, err := config.Load()
	assert.NoError(t, err)
	assert.Equal(t, "loaded-from-file", cfg.DBHost)
}

func TestLoadConfig_PipelineDefaults(t *testing.T) {
	cfg, err := config.Load()
	assert.NoError(t, err)
	assert.Equal(t, 15000, cfg.MaxContextChars)
	assert.Equal(t, 60*time.Second, cfg.GenerationTimeout)
	assert.Equal(t, 100, cfg.EmbedBatchSize)
	assert.Equal(t, []string{"text-embedding-004", "embedding-001"}, cfg.EmbeddingModels)
	assert.Equal(t, 2*time.Second, cfg.WebhookMaxInterval)
	assert.Equal(t, 30*time.Second, cfg.WebhookTimeout)
}

func TestLoadConfig_Toggles(t *testing.T) {
	os.Setenv("ENABLE_API", "false")
	os.Setenv("ENABLE_GENERATION_WORKER", "false")
	os.Setenv("GENERATION_CONCURRENCY", "3")
	os.Setenv("EMBEDDING_MODELS", "model-a")
	defer os.Unsetenv("ENABLE_API")
	defer os.Unsetenv("ENABLE_GENERATION_WORKER")
	defer os.Unsetenv("GENERATION_CONCURRENCY")
	defer os.Unsetenv("EMBEDDING_MODELS")

	cfg, err := config.Load()
	assert.NoError(t, err)
	assert.False(t, cfg.EnableAPI)
	assert.False(t, cfg.EnableGenerationWorker)
	assert.Equal(t, 3, cfg.GenerationConcurrency)
	assert.Equal(t, []string{"model-a"}, cfg.EmbeddingModels)
}

func TestConfig_DSN(t *testing.T) {
	cfg := config.Config{DBHost: "h", DBPort: 5432, DBUser: "u", DBPass: "p", DBName: "d"}
	assert.Equal(t, "host=h port=5432 user=u password=p dbname=d sslmode=disable", cfg.DSN())
}

package settings

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidSettings = errors.New("invalid settings")

type Settings struct {
	ID              int      `json:"-"`
	GeminiAPIKey    string   `json:"geminiApiKey"`
	GenerationModel string   `json:"generationModel"`
	EmbeddingModels []string `json:"embeddingModels"`
	Temperature     float32  `json:"temperature"`
	MaxOutputTokens int      `json:"maxOutputTokens"`
}

type Repository interface {
	Get(ctx context.Context) (*Settings, error)
	Update(ctx context.Context, s *Settings) error
}

type Service struct {
	repo     Repository
	defaults Settings
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// WithDefaults sets the values Get falls back to for fields left empty in storage.
func (s *Service) WithDefaults(d Settings) *Service {
	s.defaults = d
	return s
}

func (s *Service) Get(ctx context.Context) (*Settings, error) {
	set, err := s.repo.Get(ctx)
	if err != nil {
		return nil, err
	}
	if set.GeminiAPIKey == "" {
		set.GeminiAPIKey = s.defaults.GeminiAPIKey
	}
	if set.GenerationModel == "" {
		set.GenerationModel = s.defaults.GenerationModel
	}
	if len(set.EmbeddingModels) == 0 {
		set.EmbeddingModels = s.defaults.EmbeddingModels
	}
	if set.Temperature == 0 {
		set.Temperature = s.defaults.Temperature
	}
	if set.MaxOutputTokens == 0 {
		set.MaxOutputTokens = s.defaults.MaxOutputTokens
	}
	return set, nil
}

// Masked returns the effective settings with the API key redacted.
func (s *Service) Masked(ctx context.Context) (*Settings, error) {
	set, err := s.Get(ctx)
	if err != nil {
		return nil, err
	}
	set.GeminiAPIKey = MaskKey(set.GeminiAPIKey)
	return set, nil
}

// Update stores set. An empty API key, or one equal to the masked stored
// key, leaves the stored key untouched.
func (s *Service) Update(ctx context.Context, set *Settings) error {
	if set.Temperature < 0 || set.Temperature > 2 {
		return fmt.Errorf("%w: temperature must be within [0, 2]", ErrInvalidSettings)
	}
	if set.MaxOutputTokens < 0 {
		return fmt.Errorf("%w: maxOutputTokens must not be negative", ErrInvalidSettings)
	}
	for _, m := range set.EmbeddingModels {
		if strings.TrimSpace(m) == "" {
			return fmt.Errorf("%w: embeddingModels must not contain blank names", ErrInvalidSettings)
		}
	}

	if set.GeminiAPIKey == "" || strings.HasPrefix(set.GeminiAPIKey, maskPrefix) {
		cur, err := s.repo.Get(ctx)
		if err != nil {
			return err
		}
		set.GeminiAPIKey = cur.GeminiAPIKey
	}
	return s.repo.Update(ctx, set)
}

const maskPrefix = "****"

// MaskKey keeps the last four characters of key.
func MaskKey(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 4 {
		return maskPrefix
	}
	return maskPrefix + key[len(key)-4:]
}

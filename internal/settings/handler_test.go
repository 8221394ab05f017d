package settings_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"studyloop/internal/settings"
)

type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) Get(ctx context.Context) (*settings.Settings, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*settings.Settings), args.Error(1)
}

func (m *MockRepository) Update(ctx context.Context, s *settings.Settings) error {
	args := m.Called(ctx, s)
	return args.Error(0)
}

func TestHandler_GetSettings(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		mockRepo := new(MockRepository)
		handler := settings.NewHandler(settings.NewService(mockRepo))

		mockRepo.On("Get", mock.Anything).Return(&settings.Settings{
			GeminiAPIKey:    "AIzaSecret1234",
			GenerationModel: "gemini-1.5-pro",
			Temperature:     0.5,
		}, nil)

		req := httptest.NewRequest("GET", "/settings", nil)
		w := httptest.NewRecorder()

		handler.GetSettings(w, req)

		assert.Equal(t, http.StatusOK, w.Code)

		var body struct {
			Data map[string]any `json:"data"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, "gemini-1.5-pro", body.Data["generationModel"])
		assert.Equal(t, 0.5, body.Data["temperature"])
		assert.Equal(t, "****1234", body.Data["geminiApiKey"])
		assert.NotContains(t, w.Body.String(), "AIzaSecret")

		mockRepo.AssertExpectations(t)
	})

	t.Run("InternalError", func(t *testing.T) {
		mockRepo := new(MockRepository)
		handler := settings.NewHandler(settings.NewService(mockRepo))

		mockRepo.On("Get", mock.Anything).Return(nil, errors.New("db error"))

		w := httptest.NewRecorder()
		handler.GetSettings(w, httptest.NewRequest("GET", "/settings", nil))

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.NotContains(t, w.Body.String(), "db error")
	})
}

func TestHandler_UpdateSettings(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		mockRepo := new(MockRepository)
		handler := settings.NewHandler(settings.NewService(mockRepo))

		mockRepo.On("Update", mock.Anything, mock.MatchedBy(func(s *settings.Settings) bool {
			return s.GeminiAPIKey == "new-key-9876" && s.GenerationModel == "gemini-1.5-flash" && s.Temperature == 0.7
		})).Return(nil)
		mockRepo.On("Get", mock.Anything).Return(&settings.Settings{
			GeminiAPIKey:    "new-key-9876",
			GenerationModel: "gemini-1.5-flash",
			Temperature:     0.7,
		}, nil)

		body := `{"geminiApiKey":"new-key-9876","generationModel":"gemini-1.5-flash","temperature":0.7}`
		w := httptest.NewRecorder()
		handler.UpdateSettings(w, httptest.NewRequest("PUT", "/settings", bytes.NewBufferString(body)))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"geminiApiKey":"****9876"`)
		mockRepo.AssertExpectations(t)
	})

	t.Run("MaskedKeyKeepsStoredKey", func(t *testing.T) {
		mockRepo := new(MockRepository)
		handler := settings.NewHandler(settings.NewService(mockRepo))

		stored := &settings.Settings{GeminiAPIKey: "stored-key-1234"}
		mockRepo.On("Get", mock.Anything).Return(stored, nil)
		mockRepo.On("Update", mock.Anything, mock.MatchedBy(func(s *settings.Settings) bool {
			return s.GeminiAPIKey == "stored-key-1234" && s.GenerationModel == "gemini-1.5-pro"
		})).Return(nil)

		body := `{"geminiApiKey":"****1234","generationModel":"gemini-1.5-pro"}`
		w := httptest.NewRecorder()
		handler.UpdateSettings(w, httptest.NewRequest("PUT", "/settings", bytes.NewBufferString(body)))

		assert.Equal(t, http.StatusOK, w.Code)
		mockRepo.AssertExpectations(t)
	})

	t.Run("MalformedBody", func(t *testing.T) {
		handler := settings.NewHandler(settings.NewService(new(MockRepository)))

		w := httptest.NewRecorder()
		handler.UpdateSettings(w, httptest.NewRequest("PUT", "/settings", bytes.NewBufferString("invalid json")))

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("Invalid", func(t *testing.T) {
		for _, body := range []string{
			`{"temperature": 3.5}`,
			`{"maxOutputTokens": -1}`,
			`{"embeddingModels": ["text-embedding-004", " "]}`,
		} {
			mockRepo := new(MockRepository)
			handler := settings.NewHandler(settings.NewService(mockRepo))

			w := httptest.NewRecorder()
			handler.UpdateSettings(w, httptest.NewRequest("PUT", "/settings", bytes.NewBufferString(body)))

			assert.Equal(t, http.StatusBadRequest, w.Code, body)
			mockRepo.AssertNotCalled(t, "Update", mock.Anything, mock.Anything)
		}
	})
}

func TestMaskKey(t *testing.T) {
	assert.Equal(t, "", settings.MaskKey(""))
	assert.Equal(t, "****", settings.MaskKey("abc"))
	assert.Equal(t, "****wxyz", settings.MaskKey("abcdwxyz"))
}

func TestService_GetAppliesDefaults(t *testing.T) {
	mockRepo := new(MockRepository)
	svc := settings.NewService(mockRepo).WithDefaults(settings.Settings{
		GeminiAPIKey:    "env-key",
		GenerationModel: "gemini-1.5-flash",
		EmbeddingModels: []string{"text-embedding-004"},
		Temperature:     0.7,
		MaxOutputTokens: 8192,
	})

	mockRepo.On("Get", mock.Anything).Return(&settings.Settings{GenerationModel: "gemini-1.5-pro"}, nil)

	s, err := svc.Get(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, "env-key", s.GeminiAPIKey)
	assert.Equal(t, "gemini-1.5-pro", s.GenerationModel)
	assert.Equal(t, []string{"text-embedding-004"}, s.EmbeddingModels)
	assert.Equal(t, float32(0.7), s.Temperature)
	assert.Equal(t, 8192, s.MaxOutputTokens)
}

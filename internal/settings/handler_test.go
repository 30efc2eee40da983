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

	"pdfqa/backend/internal/settings"
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
			RerankProvider:   "cohere",
			MinSimilarity:    0.3,
			OversampleFactor: 3,
		}, nil)

		req := httptest.NewRequest("GET", "/settings", nil)
		w := httptest.NewRecorder()
		handler.GetSettings(w, req)

		resp := w.Result()
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		data := body["data"].(map[string]interface{})
		assert.Equal(t, "cohere", data["rerank_provider"])
		assert.Equal(t, 0.3, data["min_similarity"])
		assert.Equal(t, 3.0, data["oversample_factor"])
		mockRepo.AssertExpectations(t)
	})

	t.Run("InternalError", func(t *testing.T) {
		mockRepo := new(MockRepository)
		handler := settings.NewHandler(settings.NewService(mockRepo))
		mockRepo.On("Get", mock.Anything).Return(nil, errors.New("db error"))

		w := httptest.NewRecorder()
		handler.GetSettings(w, httptest.NewRequest("GET", "/settings", nil))

		assert.Equal(t, http.StatusInternalServerError, w.Result().StatusCode)
	})
}

func TestHandler_GetSettings_MasksKeys(t *testing.T) {
	mockRepo := new(MockRepository)
	handler := settings.NewHandler(settings.NewService(mockRepo))
	mockRepo.On("Get", mock.Anything).Return(&settings.Settings{
		GeminiAPIKey:     "AIza-secret-1234",
		RerankProvider:   "jina",
		RerankAPIKey:     "abc",
		MinSimilarity:    0.3,
		OversampleFactor: 3,
	}, nil)

	w := httptest.NewRecorder()
	handler.GetSettings(w, httptest.NewRequest("GET", "/settings", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "secret")
	var body struct {
		Data settings.Settings `json:"data"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "****1234", body.Data.GeminiAPIKey)
	assert.Equal(t, "****", body.Data.RerankAPIKey)
}

func current() *settings.Settings {
	return &settings.Settings{
		ID:               1,
		GeminiAPIKey:     "gemini-key-9876",
		RerankProvider:   "none",
		MinSimilarity:    0.3,
		OversampleFactor: 3,
	}
}

func TestHandler_UpdateSettings(t *testing.T) {
	t.Run("PartialUpdate", func(t *testing.T) {
		mockRepo := new(MockRepository)
		handler := settings.NewHandler(settings.NewService(mockRepo))

		mockRepo.On("Get", mock.Anything).Return(current(), nil)
		mockRepo.On("Update", mock.Anything, mock.MatchedBy(func(s *settings.Settings) bool {
			return s.RerankProvider == "jina" && s.OversampleFactor == 4 &&
				s.MinSimilarity == 0.3 && s.GeminiAPIKey == "gemini-key-9876"
		})).Return(nil)

		w := httptest.NewRecorder()
		handler.UpdateSettings(w, httptest.NewRequest("PUT", "/settings",
			bytes.NewBufferString(`{"rerank_provider":"jina","oversample_factor":4}`)))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"gemini_api_key":"****9876"`)
		mockRepo.AssertExpectations(t)
	})

	t.Run("EchoedMaskedKeyIsKept", func(t *testing.T) {
		mockRepo := new(MockRepository)
		handler := settings.NewHandler(settings.NewService(mockRepo))

		mockRepo.On("Get", mock.Anything).Return(current(), nil)
		mockRepo.On("Update", mock.Anything, mock.MatchedBy(func(s *settings.Settings) bool {
			return s.GeminiAPIKey == "gemini-key-9876"
		})).Return(nil)

		w := httptest.NewRecorder()
		handler.UpdateSettings(w, httptest.NewRequest("PUT", "/settings",
			bytes.NewBufferString(`{"gemini_api_key":"****9876"}`)))

		assert.Equal(t, http.StatusOK, w.Code)
		mockRepo.AssertExpectations(t)
	})

	t.Run("InvalidJSON", func(t *testing.T) {
		handler := settings.NewHandler(settings.NewService(new(MockRepository)))

		w := httptest.NewRecorder()
		handler.UpdateSettings(w, httptest.NewRequest("PUT", "/settings", bytes.NewBufferString("invalid json")))

		assert.Equal(t, http.StatusBadRequest, w.Result().StatusCode)
	})

	t.Run("RejectedValues", func(t *testing.T) {
		mockRepo := new(MockRepository)
		handler := settings.NewHandler(settings.NewService(mockRepo))
		mockRepo.On("Get", mock.Anything).Return(current(), nil)

		w := httptest.NewRecorder()
		handler.UpdateSettings(w, httptest.NewRequest("PUT", "/settings", bytes.NewBufferString(`{"rerank_provider":"openai"}`)))

		assert.Equal(t, http.StatusBadRequest, w.Result().StatusCode)
		var resp map[string]interface{}
		json.NewDecoder(w.Body).Decode(&resp)
		assert.Equal(t, "VALIDATION_ERROR", resp["error"].(map[string]interface{})["code"])
		mockRepo.AssertNotCalled(t, "Update", mock.Anything, mock.Anything)
	})

	t.Run("StoreFailure", func(t *testing.T) {
		mockRepo := new(MockRepository)
		handler := settings.NewHandler(settings.NewService(mockRepo))
		mockRepo.On("Get", mock.Anything).Return(current(), nil)
		mockRepo.On("Update", mock.Anything, mock.Anything).Return(errors.New("connection reset"))

		w := httptest.NewRecorder()
		handler.UpdateSettings(w, httptest.NewRequest("PUT", "/settings", bytes.NewBufferString(`{"min_similarity":0.4}`)))

		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})
}

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/attractor-set/pg-rag-orchestrator/internal/auth"
	"github.com/attractor-set/pg-rag-orchestrator/internal/checkpoint"
	"github.com/attractor-set/pg-rag-orchestrator/internal/models"
	"github.com/attractor-set/pg-rag-orchestrator/internal/orchestration"
)

type fakeEngine struct {
	runResult *orchestration.TurnResult
	runErr    error
	state     *models.ConversationState
	threadErr error

	gotThreadID string
	gotContent  string
}

func (f *fakeEngine) RunTurn(ctx context.Context, threadID, content string) (*orchestration.TurnResult, error) {
	f.gotThreadID = threadID
	f.gotContent = content
	return f.runResult, f.runErr
}

func (f *fakeEngine) Thread(ctx context.Context, threadID string) (*models.ConversationState, error) {
	return f.state, f.threadErr
}

func setupRouter(t *testing.T, engine TurnRunner) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	jwtManager, err := auth.NewJWTManager("test-secret")
	require.NoError(t, err)

	handler := NewHandler(engine, jwtManager, nil)

	router := gin.New()
	router.GET("/health", handler.Health)
	router.GET("/ready", handler.Ready)
	router.POST("/api/auth/login", handler.Login)
	router.POST("/api/chat", handler.Chat)
	router.GET("/api/threads/:id", handler.GetThread)
	return router
}

func doJSON(router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHandler_Chat_Success(t *testing.T) {
	engine := &fakeEngine{
		runResult: &orchestration.TurnResult{
			ThreadID: "t1",
			Message: models.Message{
				Role:     models.RoleAssistant,
				Content:  "The query returned 3 rows.",
				Metadata: map[string]string{"outcome": "final"},
			},
			SQL:    "SELECT id FROM orders",
			Result: &models.ExecutionResult{RowCount: 3},
		},
	}
	router := setupRouter(t, engine)

	w := doJSON(router, "POST", "/api/chat", ChatRequest{ThreadID: "t1", Message: "list orders"})

	require.Equal(t, http.StatusOK, w.Code)
	var resp ChatResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "t1", resp.ThreadID)
	assert.Equal(t, "The query returned 3 rows.", resp.Answer)
	assert.Equal(t, "final", resp.Outcome)
	assert.Equal(t, "SELECT id FROM orders", resp.SQL)
	require.NotNil(t, resp.Result)
	assert.Equal(t, 3, resp.Result.RowCount)

	assert.Equal(t, "t1", engine.gotThreadID)
	assert.Equal(t, "list orders", engine.gotContent)
}

func TestHandler_Chat_GeneratesThreadID(t *testing.T) {
	engine := &fakeEngine{
		runResult: &orchestration.TurnResult{
			Message: models.Message{Content: "hi", Metadata: map[string]string{"outcome": "direct"}},
		},
	}
	router := setupRouter(t, engine)

	w := doJSON(router, "POST", "/api/chat", ChatRequest{Message: "hello"})

	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, engine.gotThreadID)
}

func TestHandler_Chat_MissingMessage(t *testing.T) {
	router := setupRouter(t, &fakeEngine{})

	w := doJSON(router, "POST", "/api/chat", map[string]string{"thread_id": "t1"})

	require.Equal(t, http.StatusBadRequest, w.Code)
	var resp models.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, models.ErrCodeInvalidRequest, resp.Code)
}

func TestHandler_Chat_ErrorMapping(t *testing.T) {
	tests := []struct {
		name           string
		err            error
		expectedStatus int
		expectedCode   string
	}{
		{
			name:           "thread_busy",
			err:            orchestration.ErrThreadBusy,
			expectedStatus: http.StatusConflict,
			expectedCode:   models.ErrCodeThreadBusy,
		},
		{
			name: "step_unavailable",
			err: &orchestration.StepError{
				Step: orchestration.StepSchema,
				Kind: orchestration.KindTransient,
				Err:  errors.New("circuit open"),
			},
			expectedStatus: http.StatusServiceUnavailable,
			expectedCode:   models.ErrCodeStepUnavailable,
		},
		{
			name: "pipeline_contract_failure",
			err: &orchestration.StepError{
				Step: orchestration.StepValidate,
				Kind: orchestration.KindContract,
				Err:  errors.New("unrecognized route"),
			},
			expectedStatus: http.StatusBadGateway,
			expectedCode:   models.ErrCodePipelineFailed,
		},
		{
			name:           "internal_error",
			err:            context.DeadlineExceeded,
			expectedStatus: http.StatusInternalServerError,
			expectedCode:   models.ErrCodeInternalError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := setupRouter(t, &fakeEngine{runErr: tt.err})

			w := doJSON(router, "POST", "/api/chat", ChatRequest{ThreadID: "t1", Message: "q"})

			require.Equal(t, tt.expectedStatus, w.Code)
			var resp models.ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tt.expectedCode, resp.Code)
		})
	}
}

func TestHandler_GetThread_Success(t *testing.T) {
	state := models.NewConversationState("t1")
	state.Append(models.UserMessage("hello"))
	state.Append(models.AssistantMessage("hi", nil))
	state.Version = 1
	state.UpdatedAt = time.Now().UTC()

	router := setupRouter(t, &fakeEngine{state: state})

	w := doJSON(router, "GET", "/api/threads/t1", nil)

	require.Equal(t, http.StatusOK, w.Code)
	var resp ThreadResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "t1", resp.ThreadID)
	require.Len(t, resp.Messages, 2)
	assert.Equal(t, int64(1), resp.Version)
}

func TestHandler_GetThread_NotFound(t *testing.T) {
	router := setupRouter(t, &fakeEngine{threadErr: checkpoint.ErrNotFound})

	w := doJSON(router, "GET", "/api/threads/missing", nil)

	require.Equal(t, http.StatusNotFound, w.Code)
	var resp models.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, models.ErrCodeNotFound, resp.Code)
}

func TestHandler_Login_NoUserStore(t *testing.T) {
	router := setupRouter(t, &fakeEngine{})

	w := doJSON(router, "POST", "/api/auth/login", LoginRequest{Email: "a@b.com", Password: "secret123"})

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHandler_HealthAndReady(t *testing.T) {
	router := setupRouter(t, &fakeEngine{})

	w := doJSON(router, "GET", "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// No pool configured: readiness has nothing to probe and reports ready.
	w = doJSON(router, "GET", "/ready", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

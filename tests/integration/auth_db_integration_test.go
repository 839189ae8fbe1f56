package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/attractor-set/pg-rag-orchestrator/internal/auth"
	"github.com/attractor-set/pg-rag-orchestrator/internal/checkpoint"
	"github.com/attractor-set/pg-rag-orchestrator/internal/gateway"
	"github.com/attractor-set/pg-rag-orchestrator/internal/orchestration"
	"github.com/attractor-set/pg-rag-orchestrator/tests/helpers"
)

func loginRouter(t *testing.T, ctx context.Context) (*gin.Engine, *auth.JWTManager) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	pool := helpers.GetTestDatabasePool(t, ctx)
	helpers.EnsureTestSchema(t, ctx, pool)
	helpers.SeedTestUser(t, ctx, pool, "analyst@example.com", "sup3rsecret")

	jwtManager, err := auth.NewJWTManager("integration-test-secret")
	require.NoError(t, err)

	engine := orchestration.NewEngine(orchestration.EngineConfig{
		Steps: orchestration.NewHTTPStepClient(orchestration.StepClientConfig{
			Endpoints: map[orchestration.Step]string{},
		}),
		Store: checkpoint.NewMemoryStore(),
	})
	handler := gateway.NewHandler(engine, jwtManager, pool)

	router := gin.New()
	router.POST("/api/auth/login", handler.Login)
	protected := router.Group("/api", auth.RequireAuth(jwtManager))
	protected.GET("/threads/:id", handler.GetThread)
	return router, jwtManager
}

func TestLogin_ValidCredentials(t *testing.T) {
	ctx := context.Background()
	router, jwtManager := loginRouter(t, ctx)

	body, _ := json.Marshal(gateway.LoginRequest{Email: "analyst@example.com", Password: "sup3rsecret"})
	req := httptest.NewRequest("POST", "/api/auth/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp gateway.LoginResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Token)
	assert.NotEmpty(t, resp.UserID)

	claims, err := jwtManager.ValidateToken(ctx, resp.Token)
	require.NoError(t, err)
	assert.Equal(t, resp.UserID, claims.UserID)
	assert.Equal(t, "analyst@example.com", claims.Username)
}

func TestLogin_WrongPassword(t *testing.T) {
	ctx := context.Background()
	router, _ := loginRouter(t, ctx)

	body, _ := json.Marshal(gateway.LoginRequest{Email: "analyst@example.com", Password: "wrong-password"})
	req := httptest.NewRequest("POST", "/api/auth/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestProtectedEndpoint_RequiresToken(t *testing.T) {
	ctx := context.Background()
	router, jwtManager := loginRouter(t, ctx)

	// No token.
	req := httptest.NewRequest("GET", "/api/threads/some-thread", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Valid token reaches the handler (thread does not exist).
	token, err := jwtManager.GenerateToken(ctx, "user-1", "analyst@example.com", []string{"user"}, time.Hour)
	require.NoError(t, err)

	req = httptest.NewRequest("GET", "/api/threads/some-thread", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

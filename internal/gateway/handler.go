package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"

	"github.com/attractor-set/pg-rag-orchestrator/internal/auth"
	"github.com/attractor-set/pg-rag-orchestrator/internal/checkpoint"
	"github.com/attractor-set/pg-rag-orchestrator/internal/models"
	"github.com/attractor-set/pg-rag-orchestrator/internal/orchestration"
	"github.com/attractor-set/pg-rag-orchestrator/pkg/logx"
)

// TurnRunner is the engine surface the gateway depends on.
type TurnRunner interface {
	RunTurn(ctx context.Context, threadID, content string) (*orchestration.TurnResult, error)
	Thread(ctx context.Context, threadID string) (*models.ConversationState, error)
}

// Handler handles HTTP requests for the gateway layer
type Handler struct {
	engine     TurnRunner
	jwtManager *auth.JWTManager
	pool       *pgxpool.Pool
}

// NewHandler creates a new gateway handler. pool backs the user store and may
// be nil when no Postgres is configured; login is then unavailable.
func NewHandler(engine TurnRunner, jwtManager *auth.JWTManager, pool *pgxpool.Pool) *Handler {
	return &Handler{
		engine:     engine,
		jwtManager: jwtManager,
		pool:       pool,
	}
}

func respondError(c *gin.Context, status int, code, message string) {
	c.JSON(status, models.ErrorResponse{Error: message, Code: code})
}

// LoginRequest represents a login request
type LoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

// LoginResponse represents a login response
type LoginResponse struct {
	Token  string `json:"token"`
	UserID string `json:"user_id"`
}

// Login godoc
// @Summary User login
// @Description Authenticate user and return JWT token
// @Tags auth
// @Accept json
// @Produce json
// @Param request body LoginRequest true "Login credentials"
// @Success 200 {object} LoginResponse
// @Failure 400 {object} models.ErrorResponse
// @Failure 401 {object} models.ErrorResponse
// @Router /auth/login [post]
func (h *Handler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, models.ErrCodeInvalidRequest, "Invalid request")
		return
	}

	if h.pool == nil {
		respondError(c, http.StatusServiceUnavailable, models.ErrCodeInternalError, "User store is not configured")
		return
	}

	var userID string
	var hashedPassword string
	err := h.pool.QueryRow(c.Request.Context(),
		`SELECT id, hashed_password FROM users WHERE email = $1`,
		req.Email,
	).Scan(&userID, &hashedPassword)

	if err != nil {
		logx.Warn().Str("email", req.Email).Msg("user not found")
		respondError(c, http.StatusUnauthorized, models.ErrCodeUnauthorized, "Invalid email or password")
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hashedPassword), []byte(req.Password)); err != nil {
		logx.Warn().Str("email", req.Email).Msg("invalid password")
		respondError(c, http.StatusUnauthorized, models.ErrCodeUnauthorized, "Invalid email or password")
		return
	}

	token, err := h.jwtManager.GenerateToken(
		c.Request.Context(),
		userID,
		req.Email,
		[]string{"user"},
		24*time.Hour,
	)
	if err != nil {
		respondError(c, http.StatusInternalServerError, models.ErrCodeInternalError, "Failed to generate token")
		return
	}

	c.JSON(http.StatusOK, LoginResponse{Token: token, UserID: userID})
}

// ChatRequest represents one user turn on a thread. A missing thread_id
// starts a new thread.
type ChatRequest struct {
	ThreadID string `json:"thread_id"`
	Message  string `json:"message" binding:"required"`
}

// ChatResponse represents the assistant's answer to one turn
type ChatResponse struct {
	ThreadID string                  `json:"thread_id"`
	Answer   string                  `json:"answer"`
	Outcome  string                  `json:"outcome"`
	SQL      string                  `json:"sql,omitempty"`
	Result   *models.ExecutionResult `json:"result,omitempty"`
}

// Chat godoc
// @Summary Ask a question
// @Description Run one user turn through the question-to-SQL pipeline
// @Tags chat
// @Accept json
// @Produce json
// @Param request body ChatRequest true "User turn"
// @Success 200 {object} ChatResponse
// @Failure 400 {object} models.ErrorResponse
// @Failure 409 {object} models.ErrorResponse
// @Failure 502 {object} models.ErrorResponse
// @Failure 503 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /api/chat [post]
func (h *Handler) Chat(c *gin.Context) {
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, models.ErrCodeInvalidRequest, "Invalid request")
		return
	}

	threadID := req.ThreadID
	if threadID == "" {
		threadID = uuid.New().String()
	}

	result, err := h.engine.RunTurn(c.Request.Context(), threadID, req.Message)
	if err != nil {
		h.respondTurnError(c, threadID, err)
		return
	}

	c.JSON(http.StatusOK, ChatResponse{
		ThreadID: result.ThreadID,
		Answer:   result.Message.Content,
		Outcome:  result.Message.Metadata["outcome"],
		SQL:      result.SQL,
		Result:   result.Result,
	})
}

func (h *Handler) respondTurnError(c *gin.Context, threadID string, err error) {
	logx.Error().Str("thread_id", threadID).Err(err).Msg("turn failed")

	switch {
	case errors.Is(err, orchestration.ErrThreadBusy):
		respondError(c, http.StatusConflict, models.ErrCodeThreadBusy, "A turn is already running on this thread")
	case orchestration.IsTransient(err):
		respondError(c, http.StatusServiceUnavailable, models.ErrCodeStepUnavailable, "A reasoning step is temporarily unavailable")
	case orchestration.IsContract(err) || orchestration.IsFatal(err):
		respondError(c, http.StatusBadGateway, models.ErrCodePipelineFailed, "The pipeline could not complete this turn")
	default:
		respondError(c, http.StatusInternalServerError, models.ErrCodeInternalError, "Internal error")
	}
}

// ThreadResponse represents a persisted conversation thread
type ThreadResponse struct {
	ThreadID  string           `json:"thread_id"`
	Messages  []models.Message `json:"messages"`
	Retries   int              `json:"retries"`
	Version   int64            `json:"version"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// GetThread godoc
// @Summary Get thread
// @Description Fetch the persisted message log of a conversation thread
// @Tags chat
// @Produce json
// @Param id path string true "Thread ID"
// @Success 200 {object} ThreadResponse
// @Failure 404 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /api/threads/{id} [get]
func (h *Handler) GetThread(c *gin.Context) {
	threadID := c.Param("id")

	state, err := h.engine.Thread(c.Request.Context(), threadID)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			respondError(c, http.StatusNotFound, models.ErrCodeNotFound, "Thread not found")
			return
		}
		respondError(c, http.StatusInternalServerError, models.ErrCodeInternalError, "Failed to load thread")
		return
	}

	c.JSON(http.StatusOK, ThreadResponse{
		ThreadID:  state.ThreadID,
		Messages:  state.Log,
		Retries:   state.Retries,
		Version:   state.Version,
		UpdatedAt: state.UpdatedAt,
	})
}

// Health godoc
// @Summary Liveness probe
// @Tags system
// @Produce json
// @Success 200 {object} map[string]string
// @Router /health [get]
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Ready godoc
// @Summary Readiness probe
// @Description Reports whether the checkpoint store is reachable
// @Tags system
// @Produce json
// @Success 200 {object} map[string]string
// @Failure 503 {object} map[string]string
// @Router /ready [get]
func (h *Handler) Ready(c *gin.Context) {
	if h.pool != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := h.pool.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "database": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

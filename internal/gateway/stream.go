package gateway

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/attractor-set/pg-rag-orchestrator/internal/orchestration"
	"github.com/attractor-set/pg-rag-orchestrator/pkg/logx"
)

const (
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingPeriod      = (pongWait * 9) / 10
	subscriberSlack = 32
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Auth happens via JWT before the upgrade.
		return true
	},
}

// Hub fans turn events out to WebSocket subscribers watching a thread. It
// implements orchestration.EventSink; Publish never blocks, a slow subscriber
// loses events rather than stalling the pipeline.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[chan orchestration.TurnEvent]struct{}
}

// NewHub creates an empty event hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan orchestration.TurnEvent]struct{})}
}

// Publish delivers an event to every subscriber of its thread.
func (h *Hub) Publish(ev orchestration.TurnEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs[ev.ThreadID] {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (h *Hub) subscribe(threadID string) chan orchestration.TurnEvent {
	ch := make(chan orchestration.TurnEvent, subscriberSlack)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[threadID] == nil {
		h.subs[threadID] = make(map[chan orchestration.TurnEvent]struct{})
	}
	h.subs[threadID][ch] = struct{}{}
	return ch
}

func (h *Hub) unsubscribe(threadID string, ch chan orchestration.TurnEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.subs[threadID]; ok {
		delete(set, ch)
		if len(set) == 0 {
			delete(h.subs, threadID)
		}
	}
}

// StreamTurns godoc
// @Summary Stream turn events
// @Description Upgrade to WebSocket and receive progress events for a thread
// @Tags chat
// @Param id path string true "Thread ID"
// @Success 101
// @Security BearerAuth
// @Router /api/threads/{id}/stream [get]
func (h *Hub) StreamTurns(c *gin.Context) {
	threadID := c.Param("id")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logx.Warn().Str("thread_id", threadID).Err(err).Msg("websocket upgrade failed")
		return
	}

	events := h.subscribe(threadID)
	defer func() {
		h.unsubscribe(threadID, events)
		conn.Close()
	}()

	logx.Debug().Str("thread_id", threadID).Msg("stream subscriber connected")

	// Reader goroutine: drains control frames and detects disconnects.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-c.Request.Context().Done():
			return
		case ev := <-events:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				logx.Debug().Str("thread_id", threadID).Err(err).Msg("stream write failed")
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

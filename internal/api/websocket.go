package api

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/rawblock/shark-indexer/internal/syncer"
)

const writeTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin policy is enforced by the CORS layer; the feed is read-only.
		return true
	},
}

// Hub fans committed-block events out to websocket subscribers.
type Hub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]bool
	feed    chan []byte
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[*websocket.Conn]bool),
		feed:    make(chan []byte, 256),
	}
}

// Run drains the feed and writes each event to every subscriber. Clients
// that cannot keep up within the write timeout are dropped.
func (h *Hub) Run() {
	for message := range h.feed {
		h.mu.Lock()
		for conn := range h.clients {
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Printf("[Hub] Dropping slow client: %v", err)
				conn.Close()
				delete(h.clients, conn)
			}
		}
		h.mu.Unlock()
	}
}

// Subscribe upgrades the request and registers the connection on the feed.
func (h *Hub) Subscribe(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("[Hub] Upgrade failed: %v", err)
		return
	}

	h.mu.Lock()
	h.clients[conn] = true
	total := len(h.clients)
	h.mu.Unlock()
	log.Printf("[Hub] Client connected (%d total)", total)

	// Reads are discarded; the loop exists to notice disconnects.
	go func() {
		defer func() {
			h.mu.Lock()
			delete(h.clients, conn)
			remaining := len(h.clients)
			h.mu.Unlock()
			conn.Close()
			log.Printf("[Hub] Client disconnected (%d remaining)", remaining)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					log.Printf("[Hub] Read error: %v", err)
				}
				return
			}
		}
	}()
}

// BroadcastBlock queues one committed block event. Wired as the controller's
// notify callback; drops the event if the feed is saturated rather than
// stalling ingestion.
func (h *Hub) BroadcastBlock(ev syncer.BlockEvent) {
	payload, err := json.Marshal(map[string]any{
		"type":  "block",
		"block": ev,
	})
	if err != nil {
		return
	}
	select {
	case h.feed <- payload:
	default:
		log.Println("[Hub] Feed saturated, dropping block event")
	}
}

// Package api serves the indexer's read-only HTTP surface: sync status,
// block and token queries, top-holder rankings, a websocket block feed,
// and Prometheus metrics.
package api

import (
	"errors"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rawblock/shark-indexer/internal/store"
	"github.com/rawblock/shark-indexer/internal/syncer"
)

const serviceName = "shark-indexer"

// ProgressSource exposes the controller's live state to the status endpoint.
type ProgressSource interface {
	GetProgress() syncer.Progress
}

type APIHandler struct {
	db       *store.PostgresStore
	progress ProgressSource
}

func SetupRouter(db *store.PostgresStore, progress ProgressSource, hub *Hub) *gin.Engine {
	r := gin.Default()

	// CORS — configurable via ALLOWED_ORIGINS (comma-separated), "*" default.
	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	r.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if allowedOrigins == "" || allowedOrigins == "*" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else {
			for _, allowed := range strings.Split(allowedOrigins, ",") {
				if strings.TrimSpace(allowed) == origin {
					c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Origin, Authorization")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	handler := &APIHandler{db: db, progress: progress}
	limiter := NewRateLimiter(120, 30)

	api := r.Group("/api/v1", limiter.Middleware())
	{
		api.GET("/health", handler.handleHealth)
		api.GET("/status", handler.handleStatus)
		api.GET("/blocks", handler.handleRecentBlocks)
		api.GET("/blocks/:id", handler.handleBlock)
		api.GET("/tokens", handler.handleTokens)
		api.GET("/tokens/top", handler.handleTopTokens)
		api.GET("/tokens/:id", handler.handleToken)
		api.GET("/tokens/:id/holders", handler.handleTokenHolders)
		api.GET("/addresses/:address", handler.handleAddress)
		api.GET("/stream", hub.Subscribe)
	}

	admin := r.Group("/api/v1/admin", AuthMiddleware())
	{
		admin.POST("/rewind", handler.handleForceRewind)
	}

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

// handleHealth reports service liveness for load balancers.
func (h *APIHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "operational",
		"service":     serviceName,
		"dbConnected": h.db != nil,
	})
}

// handleStatus combines the controller's live state with the persisted
// sync_status row.
func (h *APIHandler) handleStatus(c *gin.Context) {
	resp := gin.H{}
	if h.progress != nil {
		resp["controller"] = h.progress.GetProgress()
	}
	if h.db != nil {
		status, err := h.db.SyncStatus(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read sync status", "details": err.Error()})
			return
		}
		resp["sync"] = status
	}
	c.JSON(http.StatusOK, resp)
}

func (h *APIHandler) handleRecentBlocks(c *gin.Context) {
	if !h.requireDB(c) {
		return
	}
	limit := clampedIntQuery(c, "limit", 20, 100)
	blocks, err := h.db.RecentBlocks(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch blocks", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": blocks, "limit": limit})
}

func (h *APIHandler) handleBlock(c *gin.Context) {
	if !h.requireDB(c) {
		return
	}
	id := c.Param("id")
	blk, err := h.db.Block(c.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Block not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch block", "details": err.Error()})
		return
	}
	txs, err := h.db.BlockTransactions(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch transactions", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"block": blk, "transactions": txs})
}

func (h *APIHandler) handleTokens(c *gin.Context) {
	if !h.requireDB(c) {
		return
	}
	limit := clampedIntQuery(c, "limit", 50, 200)
	offset := clampedIntQuery(c, "offset", 0, 1<<30)
	tokens, err := h.db.Tokens(c.Request.Context(), limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch tokens", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": tokens, "limit": limit, "offset": offset})
}

func (h *APIHandler) handleTopTokens(c *gin.Context) {
	if !h.requireDB(c) {
		return
	}
	limit := clampedIntQuery(c, "limit", 20, 100)
	tokens, err := h.db.TopTokens(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to rank tokens", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": tokens, "limit": limit})
}

func (h *APIHandler) handleToken(c *gin.Context) {
	if !h.requireDB(c) {
		return
	}
	id := c.Param("id")
	tok, err := h.db.Token(c.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Token not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch token", "details": err.Error()})
		return
	}
	holders, err := h.db.HolderCount(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to count holders", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": tok, "holderCount": holders})
}

func (h *APIHandler) handleTokenHolders(c *gin.Context) {
	if !h.requireDB(c) {
		return
	}
	limit := clampedIntQuery(c, "limit", 50, 500)
	holders, err := h.db.TopHolders(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch holders", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": holders, "limit": limit})
}

func (h *APIHandler) handleAddress(c *gin.Context) {
	if !h.requireDB(c) {
		return
	}
	addr := c.Param("address")
	ctx := c.Request.Context()

	balances, err := h.db.AddressBalances(ctx, addr)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch balances", "details": err.Error()})
		return
	}
	resp := gin.H{"address": addr, "balances": balances}

	if stats, err := h.db.AddressStats(ctx, addr); err == nil {
		resp["stats"] = stats
	}
	c.JSON(http.StatusOK, resp)
}

// handleForceRewind rolls the store back to a height. Operator escape hatch
// for reorgs deeper than the automatic walkback budget; requires the admin
// bearer token.
func (h *APIHandler) handleForceRewind(c *gin.Context) {
	if !h.requireDB(c) {
		return
	}
	var req struct {
		Height uint64 `json:"height"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body. Expected: {height}"})
		return
	}
	if err := h.db.RewindToHeight(c.Request.Context(), req.Height); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Rewind failed", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "rewound", "height": req.Height})
}

func (h *APIHandler) requireDB(c *gin.Context) bool {
	if h.db == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Database not connected"})
		return false
	}
	return true
}

func clampedIntQuery(c *gin.Context, name string, def, max int) int {
	v, err := strconv.Atoi(c.DefaultQuery(name, strconv.Itoa(def)))
	if err != nil || v < 0 {
		return def
	}
	if v > max {
		return max
	}
	return v
}

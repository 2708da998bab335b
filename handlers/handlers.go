package handlers

import (
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"

	"trade-club-engine/engine"
	"trade-club-engine/models"
	"trade-club-engine/storage"

	"github.com/gin-gonic/gin"
)

// maxEventBody bounds how much of a webhook payload is read.
const maxEventBody = 1 << 20

// Handler handles HTTP requests
type Handler struct {
	store  storage.DataStore
	router *engine.Router
}

// NewHandler creates a new handler
func NewHandler(store storage.DataStore, router *engine.Router) *Handler {
	return &Handler{
		store:  store,
		router: router,
	}
}

// HandleWebhook receives one authenticated event and runs it through the
// pipeline synchronously. Unknown event kinds are acknowledged and dropped.
func (h *Handler) HandleWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxEventBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unable to read request body"})
		return
	}

	ev, err := models.ParseEvent(body)
	if err != nil {
		var unknown models.ErrUnknownEvent
		if errors.As(err, &unknown) {
			log.Printf("[Webhook] Dropping unknown event type %q", unknown.Type)
			c.JSON(http.StatusOK, gin.H{"status": "dropped"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event: " + err.Error()})
		return
	}

	if err := h.router.HandleEvent(c.Request.Context(), ev); err != nil {
		log.Printf("[Webhook] Event %s failed: %v", ev.Kind(), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "event processing failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "processed"})
}

// ListMatches returns recent matches.
func (h *Handler) ListMatches(c *gin.Context) {
	limit := 200
	if limitStr := c.Query("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = l
		}
	}

	matches, err := h.store.ListMatches(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load matches"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"matches": matches,
		"count":   len(matches),
	})
}

// GetMatch returns one match by id.
func (h *Handler) GetMatch(c *gin.Context) {
	matchID := c.Param("id")
	if matchID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "match ID required"})
		return
	}

	match, err := h.store.GetMatch(c.Request.Context(), matchID)
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "match not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load match"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"match": match,
	})
}

// GetMatchParticipants returns all participants of a match.
func (h *Handler) GetMatchParticipants(c *gin.Context) {
	matchID := c.Param("id")
	if matchID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "match ID required"})
		return
	}

	participants, err := h.store.ListMatchParticipants(c.Request.Context(), matchID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load participants"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"participants": participants,
		"count":        len(participants),
	})
}

// GetMatchTrades returns the trade ledger of a match, newest first.
func (h *Handler) GetMatchTrades(c *gin.Context) {
	matchID := c.Param("id")
	if matchID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "match ID required"})
		return
	}

	limit := 200
	if limitStr := c.Query("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = l
		}
	}

	trades, err := h.store.ListMatchTrades(c.Request.Context(), matchID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load trades"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"trades": trades,
		"count":  len(trades),
	})
}

// GetFollowerDelegations returns all delegations granted by a follower.
func (h *Handler) GetFollowerDelegations(c *gin.Context) {
	follower := strings.ToLower(strings.TrimSpace(c.Param("address")))
	if follower == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "follower address required"})
		return
	}

	delegations, err := h.store.ListFollowerDelegations(c.Request.Context(), follower)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load delegations"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"delegations": delegations,
		"count":       len(delegations),
	})
}

package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"wa-gateway-lite/internal/messagelog"
)

type MessagesHandler struct {
	Log messagelog.Log
}

func (h *MessagesHandler) List(c *gin.Context) {
	limit := messagelog.DefaultListLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			fail(c, http.StatusBadRequest, "invalid_request", "limit must be a positive integer", nil)
			return
		}
		limit = n
	}

	entries, err := h.Log.List(c.Request.Context(), limit)
	if err != nil {
		fail(c, http.StatusInternalServerError, "log_unavailable", "Message log could not be read", nil)
		return
	}
	resp := make([]gin.H, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, gin.H{
			"id":         e.ID,
			"direction":  e.Direction,
			"address":    e.Address,
			"body":       e.Body,
			"externalId": e.ExternalID,
			"createdAt":  e.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"messages": resp})
}

package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"wa-gateway-lite/internal/lifecycle"
	"wa-gateway-lite/internal/model"
)

type Controller interface {
	Reset(ctx context.Context, clearSession bool) (model.Status, error)
	Logout(ctx context.Context) (model.Status, error)
}

// ControlHandler exposes the operator actions. All of them are safe to
// repeat.
type ControlHandler struct {
	Manager Controller
}

func (h *ControlHandler) Logout(c *gin.Context) {
	st, err := h.Manager.Logout(c.Request.Context())
	h.reply(c, st, err, "Logged out; pair again after reset")
}

// Reset drops the stored session and starts over with a fresh pairing.
func (h *ControlHandler) Reset(c *gin.Context) {
	st, err := h.Manager.Reset(c.Request.Context(), true)
	h.reply(c, st, err, "Session cleared; client restarting")
}

// Restart recreates the engine but keeps the stored session.
func (h *ControlHandler) Restart(c *gin.Context) {
	st, err := h.Manager.Reset(c.Request.Context(), false)
	h.reply(c, st, err, "Client restarting")
}

func (h *ControlHandler) reply(c *gin.Context, st model.Status, err error, message string) {
	if err != nil {
		if errors.Is(err, lifecycle.ErrStopped) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			fail(c, http.StatusServiceUnavailable, "unavailable", "Gateway is shutting down", gin.H{"state": st.State})
			return
		}
		fail(c, http.StatusInternalServerError, "store_error", err.Error(), gin.H{"state": st.State})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": message, "state": st.State})
}

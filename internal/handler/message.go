package handler

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"pkt.systems/pslog"

	"wa-gateway-lite/internal/dispatch"
)

type Sender interface {
	Send(ctx context.Context, destination, body string) (dispatch.Result, error)
}

type MessageHandler struct {
	Gateway Sender
}

// sendBody accepts both the current field names and the legacy
// number/message pair.
type sendBody struct {
	Destination string `json:"destination"`
	Number      string `json:"number"`
	Body        string `json:"body"`
	Message     string `json:"message"`
}

func (h *MessageHandler) Send(c *gin.Context) {
	var body sendBody
	if err := c.ShouldBindJSON(&body); err != nil && !errors.Is(err, io.EOF) {
		fail(c, http.StatusBadRequest, "invalid_request", "Request body must be JSON", gin.H{"example": dispatch.Example})
		return
	}
	destination := firstNonEmpty(body.Destination, body.Number)
	text := firstNonEmpty(body.Body, body.Message)

	res, err := h.Gateway.Send(c.Request.Context(), destination, text)
	if err == nil {
		c.JSON(http.StatusOK, gin.H{"success": true, "messageId": res.MessageID, "to": res.Address})
		return
	}

	var dErr *dispatch.Error
	state := gin.H{}
	if errors.As(err, &dErr) {
		state["state"] = dErr.State
	}
	switch dispatch.Category(err) {
	case dispatch.CategoryNotConnected:
		fail(c, http.StatusServiceUnavailable, dispatch.CategoryNotConnected, "Client is not connected; poll /status and retry", state)
	case dispatch.CategoryMissingParameters:
		state["example"] = dispatch.Example
		fail(c, http.StatusBadRequest, dispatch.CategoryMissingParameters, "Both destination and body are required", state)
	case dispatch.CategoryNotRegistered:
		fail(c, http.StatusUnprocessableEntity, dispatch.CategoryNotRegistered, "Destination is not registered on the network", state)
	default:
		pslog.LoggerFromContext(c.Request.Context()).Error("http.send.failed", "destination", destination, "error", err)
		fail(c, http.StatusInternalServerError, dispatch.CategoryDispatchFailed, "Engine rejected the message", state)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

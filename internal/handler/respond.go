package handler

import (
	"time"

	"github.com/gin-gonic/gin"

	"wa-gateway-lite/internal/model"
)

// fail writes the common error body. extra is merged in for fields such
// as the current state or an example payload.
func fail(c *gin.Context, code int, category, message string, extra gin.H) {
	body := gin.H{
		"success": false,
		"error":   category,
		"message": message,
	}
	for k, v := range extra {
		body[k] = v
	}
	c.JSON(code, body)
}

// StatusBody is the JSON projection of a status snapshot shared by the
// status endpoints and the websocket stream.
func StatusBody(st model.Status) gin.H {
	body := gin.H{
		"state":            st.State,
		"lastUpdate":       st.LastUpdate.UTC().Format(time.RFC3339Nano),
		"hasQR":            st.HasQR(),
		"isReady":          st.Ready(),
		"progress":         st.Progress,
		"reconnectPending": st.ReconnectPending,
		"attempts":         st.Attempts,
		"halted":           st.Halted,
	}
	if st.ProgressMessage != "" {
		body["progressMessage"] = st.ProgressMessage
	}
	if st.Reason != "" {
		body["reason"] = st.Reason
	}
	return body
}

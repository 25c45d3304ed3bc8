package handler

import (
	"context"
	"html/template"
	"net/http"

	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"

	"wa-gateway-lite/internal/model"
)

type StatusSource interface {
	Status() model.Status
}

type SessionChecker interface {
	Exists(ctx context.Context, key string) bool
}

// StatusHandler serves read-only projections of the connection status.
type StatusHandler struct {
	Status   StatusSource
	Sessions SessionChecker
	Key      string
}

func (h *StatusHandler) Get(c *gin.Context) {
	st := h.Status.Status()
	body := StatusBody(st)
	body["hasSession"] = h.Sessions.Exists(c.Request.Context(), h.Key)
	c.JSON(http.StatusOK, body)
}

func (h *StatusHandler) QR(c *gin.Context) {
	st := h.Status.Status()
	if !st.HasQR() {
		fail(c, http.StatusNotFound, "no_qr", "No pairing code is available", gin.H{"state": st.State})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "qr": st.QR, "state": st.State})
}

var indexTemplate = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta http-equiv="refresh" content="5">
<title>wa-gateway-lite</title>
<style>body{font-family:sans-serif;margin:2em}pre{background:#f4f4f4;padding:1em;word-break:break-all;white-space:pre-wrap}</style>
</head>
<body>
<h1>{{.State}}</h1>
<p>Last change {{.Since}}{{if .Reason}} ({{.Reason}}){{end}}.</p>
{{if .Ready}}<p>The client is connected and accepting messages.</p>
{{else if .QR}}<p>Scan this pairing code with the phone app (render it with any QR tool):</p>
<pre>{{.QR}}</pre>
{{else if .Progress}}<p>Synchronizing: {{.Progress}}%{{if .ProgressMessage}} {{.ProgressMessage}}{{end}}</p>
{{else if .ReconnectPending}}<p>Reconnect scheduled (attempt {{.Next}}).</p>
{{end}}
</body>
</html>
`))

func (h *StatusHandler) Index(c *gin.Context) {
	st := h.Status.Status()
	data := struct {
		State            model.State
		Since            string
		Reason           string
		Ready            bool
		QR               string
		Progress         int
		ProgressMessage  string
		ReconnectPending bool
		Next             string
	}{
		State:            st.State,
		Since:            humanize.Time(st.LastUpdate),
		Reason:           st.Reason,
		Ready:            st.Ready(),
		QR:               st.QR,
		Progress:         st.Progress,
		ProgressMessage:  st.ProgressMessage,
		ReconnectPending: st.ReconnectPending,
		Next:             humanize.Ordinal(st.Attempts + 1),
	}
	c.Status(http.StatusOK)
	c.Header("Content-Type", "text/html; charset=utf-8")
	if err := indexTemplate.Execute(c.Writer, data); err != nil {
		_ = c.Error(err)
	}
}

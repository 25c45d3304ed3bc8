package server

import (
	"time"

	"github.com/gin-gonic/gin"
	"pkt.systems/pslog"

	"wa-gateway-lite/internal/auth"
	"wa-gateway-lite/internal/dispatch"
	"wa-gateway-lite/internal/handler"
	"wa-gateway-lite/internal/hub"
	"wa-gateway-lite/internal/messagelog"
	"wa-gateway-lite/internal/metrics"
	"wa-gateway-lite/internal/middleware"
)

// Connection is what the router needs from the lifecycle manager.
type Connection interface {
	handler.StatusSource
	handler.Controller
}

type Deps struct {
	Connection  Connection
	Sender      handler.Sender
	Sessions    handler.SessionChecker
	SessionKey  string
	MessageLog  messagelog.Log
	Hub         *hub.Hub
	Metrics     *metrics.Metrics
	TokenConfig auth.TokenConfig
	Logger      pslog.Logger

	// SendLimiter throttles /send-message; nil disables it.
	SendLimiter *middleware.SendLimiter
}

func NewRouter(deps Deps) *gin.Engine {
	if deps.Hub == nil {
		deps.Hub = hub.New()
	}
	r := gin.New()
	r.Use(middleware.Recovery(deps.Logger))
	r.Use(middleware.RequestLogger(deps.Logger))

	statusHandler := &handler.StatusHandler{Status: deps.Connection, Sessions: deps.Sessions, Key: deps.SessionKey}
	r.GET("/", statusHandler.Index)
	r.GET("/status", statusHandler.Get)
	r.GET("/health", statusHandler.Get)
	r.GET("/qr", statusHandler.QR)

	messageHandler := &handler.MessageHandler{Gateway: deps.Sender}
	if deps.SendLimiter != nil {
		r.POST("/send-message", deps.SendLimiter.Middleware(), messageHandler.Send)
	} else {
		r.POST("/send-message", messageHandler.Send)
	}

	control := r.Group("/")
	control.Use(middleware.RequireAuth(deps.TokenConfig))
	controlHandler := &handler.ControlHandler{Manager: deps.Connection}
	control.POST("/logout", controlHandler.Logout)
	control.POST("/reset", controlHandler.Reset)
	control.POST("/restart", controlHandler.Restart)

	if deps.MessageLog != nil {
		messagesHandler := &handler.MessagesHandler{Log: deps.MessageLog}
		control.GET("/messages", messagesHandler.List)
	}

	streamHandler := &handler.StatusStreamHandler{Hub: deps.Hub, Status: deps.Connection}
	r.GET("/ws", streamHandler.Serve)

	r.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))

	return r
}

// NewSendLimiter builds per-minute budgets per client IP and per recipient.
// A zero budget is not enforced; nil is returned when both are zero.
// Recipients are bucketed by the address the engine receives.
func NewSendLimiter(perClient, perRecipient int, suffix string) *middleware.SendLimiter {
	if perClient <= 0 && perRecipient <= 0 {
		return nil
	}
	if suffix == "" {
		suffix = dispatch.DefaultSuffix
	}
	s := &middleware.SendLimiter{
		Normalize: func(destination string) string {
			return dispatch.NormalizeAddress(destination, suffix)
		},
	}
	if perClient > 0 {
		s.PerClient = middleware.NewRateLimiter(perClient, time.Minute)
	}
	if perRecipient > 0 {
		s.PerRecipient = middleware.NewRateLimiter(perRecipient, time.Minute)
	}
	return s
}

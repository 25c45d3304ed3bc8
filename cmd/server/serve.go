package main

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"wa-gateway-lite/internal/auth"
	"wa-gateway-lite/internal/config"
	"wa-gateway-lite/internal/dispatch"
	"wa-gateway-lite/internal/engine"
	"wa-gateway-lite/internal/engine/bridge"
	"wa-gateway-lite/internal/handler"
	"wa-gateway-lite/internal/hub"
	"wa-gateway-lite/internal/lifecycle"
	"wa-gateway-lite/internal/messagelog"
	"wa-gateway-lite/internal/metrics"
	"wa-gateway-lite/internal/model"
	"wa-gateway-lite/internal/server"
	"wa-gateway-lite/internal/sqlitedb"
	"wa-gateway-lite/internal/store"
)

func newServeCommand(logger pslog.Logger, v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfigFromEnv(viperEnv{v: v})
			if err != nil {
				return err
			}
			if level, ok := pslog.ParseLevel(cfg.LogLevel); ok {
				logger = logger.LogLevel(level)
			}
			return serve(cmd.Context(), cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg config.Config, logger pslog.Logger) error {
	gin.SetMode(cfg.GinMode)
	logger.Info("gateway.start", "pid", os.Getpid(), "client_id", cfg.ClientID, "engine_url", cfg.EngineURL)

	m := metrics.New()
	pools := sqlitedb.NewCache(logger.With("subsystem", "sqlitedb"))

	backend, backendName, err := store.OpenBackend(ctx, cfg.SessionStore, pools)
	if err != nil {
		return fmt.Errorf("session store: %w", err)
	}
	sessions := store.New(backend, store.Options{Name: backendName, Logger: logger, Metrics: m})
	defer sessions.Close()

	msgLog, err := messagelog.Open(ctx, cfg.MessageLog, pools)
	if err != nil {
		return fmt.Errorf("message log: %w", err)
	}
	defer msgLog.Close()

	wsHub := hub.New()
	var gateway *dispatch.Gateway
	manager := lifecycle.New(lifecycle.Options{
		Key:                  cfg.ClientID,
		Store:                sessions,
		Factory:              bridge.NewFactory(bridge.Config{URL: cfg.EngineURL, Logger: logger}),
		ReconnectDelay:       cfg.ReconnectDelay,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		AuthFailureRetry:     cfg.AuthFailureRetry,
		Logger:               logger,
		Metrics:              m,
		OnMessage: func(ctx context.Context, msg engine.IncomingMessage) {
			gateway.HandleInbound(ctx, msg)
		},
		OnStatus: func(st model.Status) {
			if !wsHub.Publish(handler.StatusMessage(st)) {
				logger.Warn("hub.publish.dropped", "state", string(st.State))
			}
		},
	})
	gateway = dispatch.New(dispatch.Options{
		Source:           manager,
		Log:              msgLog,
		Suffix:           cfg.AddressSuffix,
		VerifyRecipients: cfg.VerifyRecipients,
		LogInbound:       cfg.LogInbound,
		Logger:           logger,
		Metrics:          m,
	})

	tokens := auth.DefaultTokenConfig(cfg.APISecret)
	tokens.Expiry = cfg.TokenExpiry
	if !tokens.Enabled() {
		logger.Warn("gateway.control.open", "hint", "set API_SECRET to require operator tokens")
	}
	limiter := server.NewSendLimiter(cfg.SendRateLimit, cfg.RecipientRateLimit, cfg.AddressSuffix)
	if limiter != nil {
		defer limiter.Stop()
	}

	router := server.NewRouter(server.Deps{
		Connection:  manager,
		Sender:      gateway,
		Sessions:    sessions,
		SessionKey:  cfg.ClientID,
		MessageLog:  msgLog,
		Hub:         wsHub,
		Metrics:     m,
		TokenConfig: tokens,
		Logger:      logger,
		SendLimiter: limiter,
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = manager.Run(runCtx)
	}()
	go func() {
		defer wg.Done()
		wsHub.Run(runCtx)
	}()

	err = server.Run(runCtx, cfg, router, logger)
	cancel()
	wg.Wait()
	gateway.Wait()
	logger.Info("gateway.stopped")
	return err
}

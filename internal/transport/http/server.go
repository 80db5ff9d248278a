package http

import (
	"context"
	"errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"bankchat/internal/app"
	"bankchat/internal/bootstrap"
	"bankchat/internal/transport/http/handler"
	"bankchat/internal/transport/http/middleware"
)

type routerDeps struct {
	GinMode   string
	JWTSecret string
	Registry  *app.Registry
	Health    *handler.HealthHandler
	Logger    *zap.Logger
}

func NewRouter(a *bootstrap.App) *gin.Engine {
	health := handler.NewHealthHandler(a.Config.App.Name, a.Config.App.Env, a.StartedAt,
		handler.Dependency{Name: "mysql", Check: func(ctx context.Context) error {
			sqlDB, err := a.MySQL.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		}},
		handler.Dependency{Name: "redis", Check: func(ctx context.Context) error {
			return a.Redis.Ping(ctx).Err()
		}},
		handler.Dependency{Name: "rabbitmq", Check: func(context.Context) error {
			if a.MQConn == nil || a.MQConn.IsClosed() {
				return errors.New("connection closed")
			}
			return nil
		}},
		handler.Dependency{Name: "backend", Optional: true, Check: func(ctx context.Context) error {
			_, err := a.Backend.Health(ctx)
			return err
		}},
	)

	return newRouter(routerDeps{
		GinMode:   a.Config.App.GinMode,
		JWTSecret: a.Config.Auth.JWTSecret,
		Registry:  a.Registry,
		Health:    health,
		Logger:    a.Logger,
	})
}

func newRouter(deps routerDeps) *gin.Engine {
	if deps.GinMode != "" {
		gin.SetMode(deps.GinMode)
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(middleware.RequestLogger(logger.Named("http")), middleware.Recovery(logger))
	router.GET("/healthz", deps.Health.Check)

	chatHandler := handler.NewChatHandler(deps.Registry, logger.Named("http"))

	chatGroup := router.Group("/api/v1/chat")
	chatGroup.Use(middleware.AuthJWT(deps.JWTSecret))
	chatGroup.POST("/sessions", chatHandler.CreateSession)
	chatGroup.GET("/sessions", chatHandler.ListSessions)
	chatGroup.PATCH("/sessions/:id", chatHandler.RenameSession)
	chatGroup.DELETE("/sessions/:id", chatHandler.DeleteSession)
	chatGroup.PUT("/current", chatHandler.SetCurrentSession)

	chatGroup.GET("/sessions/:id/messages", chatHandler.ListMessages)
	chatGroup.DELETE("/sessions/:id/messages", chatHandler.ClearMessages)
	chatGroup.DELETE("/sessions/:id/messages/:mid", chatHandler.DeleteMessage)

	chatGroup.POST("/sessions/:id/stream", chatHandler.Stream)
	chatGroup.POST("/sessions/:id/retry", chatHandler.Retry)
	chatGroup.POST("/stream/cancel", chatHandler.CancelStream)
	chatGroup.GET("/stream", chatHandler.StreamState)
	chatGroup.DELETE("/stream/error", chatHandler.DismissError)

	return router
}

// Package api exposes the conversation engine over HTTP and websocket.
package api

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/alumnihub/messaging/internal/auth"
	"github.com/alumnihub/messaging/internal/config"
	"github.com/alumnihub/messaging/internal/engine"
	"github.com/alumnihub/messaging/internal/repository"
	"github.com/alumnihub/messaging/internal/ws"
)

type Server struct {
	engine   *engine.Engine
	repo     repository.Repository
	hub      *ws.Hub
	presence PresenceWriter
	log      *zap.SugaredLogger
}

func NewServer(cfg *config.Config, eng *engine.Engine, repo repository.Repository,
	hub *ws.Hub, pres PresenceWriter, jv *auth.JWTValidator, log *zap.SugaredLogger) *fiber.App {

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
	})

	s := &Server{engine: eng, repo: repo, hub: hub, presence: pres, log: log}
	limiter := newSendLimiter(cfg.Engine.SendRatePerMinute)

	app.Use(requestLogger(log))
	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	api := app.Group("/v1")
	api.Use(JWTAuthMiddleware(jv))

	api.Post("/messages", limiter.middleware(), s.sendMessage)

	api.Get("/conversations", s.listConversations)
	api.Post("/conversations", s.startConversation)
	api.Get("/conversations/:id/messages", s.openConversation)
	api.Post("/conversations/:id/read", s.markConversationRead)

	api.Post("/connections", s.requestConnection)
	api.Post("/connections/:id/accept", s.acceptConnection)
	api.Post("/connections/:id/decline", s.declineConnection)
	api.Delete("/connections/:id", s.removeConnection)
	api.Get("/connections/requests", s.listConnectionRequests)

	api.Get("/notifications", s.listNotifications)
	api.Get("/profile", s.profile)

	api.Get("/ws", websocket.New(s.wsHandler()))

	return app
}

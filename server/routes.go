package server

import (
	"net/http"
	"time"

	"khisima/metrics"
	custommiddleware "khisima/middleware"

	"github.com/labstack/echo/v4"
)

func (s *Server) SetupRoutes(authMiddleware echo.MiddlewareFunc, adminMiddleware echo.MiddlewareFunc) {
	e := s.Echo
	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/metrics", metrics.Handler())

	api := e.Group("/api")
	// Auth routes
	auth := api.Group("/auth")
	{
		auth.POST("/login", s.AuthHandler.Login)
		auth.GET("/me", s.AuthHandler.GetCurrentUser, authMiddleware)
	}

	searchLimit := custommiddleware.NewRateLimitMiddleware(s.Limiter, custommiddleware.RateLimitConfig{
		Name:   "search",
		Limit:  s.Config.Agent.SearchPerMinute,
		Window: time.Minute,
	}, s.Log)
	inboxLimit := custommiddleware.NewRateLimitMiddleware(s.Limiter, custommiddleware.RateLimitConfig{
		Name:   "inbox",
		Limit:  s.Config.Agent.InboxPerHour,
		Window: time.Hour,
	}, s.Log)

	// 访客接口（公开）
	agent := api.Group("/agent")
	{
		agent.GET("/status", s.AgentHandler.Status)
		agent.GET("/search", s.AgentHandler.Search, searchLimit)
		agent.POST("/search", s.AgentHandler.Search, searchLimit)
		agent.POST("/inbox", s.AgentHandler.CaptureInbox, inboxLimit)
		agent.GET("/ws", s.SocketHandler.HandleWebSocket) // 管理员角色在握手时校验 token
	}

	// 管理员接口
	admin := api.Group("/agent")
	admin.Use(authMiddleware, adminMiddleware)
	{
		admin.GET("/presence", s.AgentHandler.GetPresence)
		admin.PUT("/presence", s.AgentHandler.SetPresence)

		rooms := admin.Group("/rooms")
		{
			rooms.GET("", s.RoomHandler.ListRooms)               // 房间列表
			rooms.GET("/:room/messages", s.RoomHandler.Messages) // 历史消息
			rooms.POST("/:room/forward", s.RoomHandler.Forward)  // 转发记录
			rooms.DELETE("/:room", s.RoomHandler.DeleteRoom)     // 删除房间
		}
		inbox := admin.Group("/inbox")
		{
			inbox.GET("", s.InboxHandler.ListInbox)
			inbox.PATCH("/:id", s.InboxHandler.UpdateStatus)
		}
	}
}

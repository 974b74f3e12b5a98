package handlers

import (
	"errors"
	"net/http"

	"khisima/logger"
	"khisima/protocol"
	"khisima/services"

	"github.com/labstack/echo/v4"
)

// AgentHandler 访客侧公开接口与在线状态
type AgentHandler struct {
	presence *services.PresenceService
	search   *services.SearchService
	inbox    *services.InboxService
	log      *logger.Logger
}

func NewAgentHandler(presence *services.PresenceService, search *services.SearchService, inbox *services.InboxService, log *logger.Logger) *AgentHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &AgentHandler{presence: presence, search: search, inbox: inbox, log: log.With("component", "AgentHandler")}
}

// Status GET /api/agent/status
func (h *AgentHandler) Status(c echo.Context) error {
	online, err := h.presence.Online(c.Request().Context())
	if err != nil {
		h.log.Warn("presence lookup failed", "error", err)
	}
	return c.JSON(http.StatusOK, protocol.StatusPayload{Online: online})
}

// Search GET /api/agent/search?q=&room=，长文本可用 POST body
func (h *AgentHandler) Search(c echo.Context) error {
	req := protocol.SearchRequest{Text: c.QueryParam("q"), Room: c.QueryParam("room")}
	if c.Request().Method == http.MethodPost {
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request"})
		}
	}
	answer, err := h.search.Search(c.Request().Context(), req.Text, req.Room)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrEmptyMessage), errors.Is(err, services.ErrInvalidRoom):
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		default:
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "search failed"})
		}
	}
	return c.JSON(http.StatusOK, protocol.SearchResult{Answer: answer})
}

// CaptureInbox POST /api/agent/inbox；专员在线返回 409
func (h *AgentHandler) CaptureInbox(c echo.Context) error {
	var req protocol.InboxRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request"})
	}
	entry, err := h.inbox.Create(c.Request().Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrInboxConflict):
			return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
		case errors.Is(err, services.ErrInvalidRoom), errors.Is(err, services.ErrInvalidEmail), errors.Is(err, services.ErrEmptyQuestion):
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		default:
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to save question"})
		}
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{"id": entry.ID})
}

// GetPresence GET /api/agent/presence（管理员）
func (h *AgentHandler) GetPresence(c echo.Context) error {
	online, err := h.presence.Online(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "presence unavailable"})
	}
	return c.JSON(http.StatusOK, protocol.PresenceBody{Online: online})
}

// SetPresence PUT /api/agent/presence，变更经订阅广播给所有连接
func (h *AgentHandler) SetPresence(c echo.Context) error {
	var body protocol.PresenceBody
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request"})
	}
	if err := h.presence.SetOnline(c.Request().Context(), body.Online); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "failed to update presence"})
	}
	return c.JSON(http.StatusOK, body)
}

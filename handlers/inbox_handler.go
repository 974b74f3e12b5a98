package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"khisima/protocol"
	"khisima/services"

	"github.com/labstack/echo/v4"
)

// InboxHandler 离线留言处理（管理员）
type InboxHandler struct {
	inbox *services.InboxService
}

func NewInboxHandler(inbox *services.InboxService) *InboxHandler {
	return &InboxHandler{inbox: inbox}
}

// ListInbox GET /api/agent/inbox?status=&page=&limit=
func (h *InboxHandler) ListInbox(c echo.Context) error {
	status := protocol.InboxStatus(c.QueryParam("status")) // queued, in_progress, done
	list, err := h.inbox.List(c.Request().Context(), status, queryInt(c, "page"), queryInt(c, "limit"))
	if err != nil {
		if errors.Is(err, services.ErrInvalidStatus) {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "failed to fetch inbox",
		})
	}
	return c.JSON(http.StatusOK, list)
}

// UpdateStatus PATCH /api/agent/inbox/:id
func (h *InboxHandler) UpdateStatus(c echo.Context) error {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid inbox ID"})
	}
	var req protocol.InboxStatusUpdate
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "invalid request",
		})
	}

	item, err := h.inbox.UpdateStatus(c.Request().Context(), uint(id), req.Status)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrInboxNotFound):
			return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
		case errors.Is(err, services.ErrInvalidStatus):
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		case errors.Is(err, services.ErrStatusRegression):
			return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
		default:
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to update inbox entry"})
		}
	}
	return c.JSON(http.StatusOK, item)
}

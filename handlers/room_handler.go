package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"khisima/logger"
	"khisima/protocol"
	"khisima/services"

	"github.com/labstack/echo/v4"
)

type RoomHandler struct {
	roomService       *services.RoomService
	transcriptService *services.TranscriptService
	flusher           services.Flusher
	log               *logger.Logger
}

func NewRoomHandler(roomService *services.RoomService, transcriptService *services.TranscriptService, flusher services.Flusher, log *logger.Logger) *RoomHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &RoomHandler{roomService: roomService, transcriptService: transcriptService, flusher: flusher, log: log.With("component", "RoomHandler")}
}

// flush 读库前写完该房间排队中的消息
func (h *RoomHandler) flush(c echo.Context, room string) {
	if h.flusher == nil {
		return
	}
	if err := h.flusher.Flush(c.Request().Context(), room); err != nil {
		h.log.Warn("flush room failed", "room", room, "error", err)
	}
}

func queryInt(c echo.Context, name string) int {
	n, err := strconv.Atoi(c.QueryParam(name))
	if err != nil {
		return 0
	}
	return n
}

// roomParam HTTP 职责：校验路径中的房间号
func roomParam(c echo.Context) (string, bool) {
	room := c.Param("room")
	return room, services.ValidRoomID(room)
}

// ListRooms GET /api/agent/rooms?page=&limit=&search=
func (h *RoomHandler) ListRooms(c echo.Context) error {
	list, err := h.roomService.ListRooms(c.Request().Context(), protocol.RoomQuery{
		Page:   queryInt(c, "page"),
		Limit:  queryInt(c, "limit"),
		Search: c.QueryParam("search"),
	})
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "failed to fetch rooms",
		})
	}
	return c.JSON(http.StatusOK, list)
}

// Messages GET /api/agent/rooms/:room/messages
func (h *RoomHandler) Messages(c echo.Context) error {
	room, ok := roomParam(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": services.ErrInvalidRoom.Error()})
	}
	h.flush(c, room)
	ctx := c.Request().Context()
	page, err := h.roomService.Messages(ctx, room, queryInt(c, "page"), queryInt(c, "limit"))
	if err != nil {
		switch {
		case errors.Is(err, services.ErrRoomNotFound):
			return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
		default:
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to fetch messages"})
		}
	}
	return c.JSON(http.StatusOK, page)
}

// Forward POST /api/agent/rooms/:room/forward
func (h *RoomHandler) Forward(c echo.Context) error {
	room, ok := roomParam(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": services.ErrInvalidRoom.Error()})
	}
	var req protocol.ForwardRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request"})
	}
	if err := h.transcriptService.Forward(c.Request().Context(), room, req); err != nil {
		switch {
		case errors.Is(err, services.ErrInvalidEmail):
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		case errors.Is(err, services.ErrRoomNotFound):
			return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
		default:
			h.log.Error("forward transcript failed", "room", room, "error", err)
			return c.JSON(http.StatusBadGateway, map[string]string{"error": "failed to forward transcript"})
		}
	}
	return c.JSON(http.StatusAccepted, map[string]string{"message": "transcript queued"})
}

// DeleteRoom DELETE /api/agent/rooms/:room
func (h *RoomHandler) DeleteRoom(c echo.Context) error {
	room, ok := roomParam(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": services.ErrInvalidRoom.Error()})
	}
	h.flush(c, room)
	if err := h.roomService.DeleteRoom(c.Request().Context(), room); err != nil {
		switch {
		case errors.Is(err, services.ErrRoomNotFound):
			return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
		default:
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to delete room"})
		}
	}
	return c.NoContent(http.StatusNoContent)
}

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"khisima/logger"
	"khisima/metrics"
	"khisima/protocol"
	"khisima/services"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"
)

const (
	maxTextLength = 4000
	pongWait      = 60 * time.Second
	pingPeriod    = 54 * time.Second
	writeWait     = 10 * time.Second
	historyWait   = 5 * time.Second
)

type SocketLimits struct {
	Rate  float64 // 每秒入站事件数
	Burst int
}

type AgentSocketHandler struct {
	hub      *AgentHub
	auth     *services.AuthService
	rooms    *services.RoomService
	flusher  services.Flusher
	presence *services.PresenceService
	limits   SocketLimits
	upgrader websocket.Upgrader
	log      *logger.Logger
}

func NewAgentSocketHandler(hub *AgentHub, auth *services.AuthService, rooms *services.RoomService,
	flusher services.Flusher, presence *services.PresenceService, limits SocketLimits,
	allowedOrigins []string, log *logger.Logger) *AgentSocketHandler {
	if log == nil {
		log = logger.Nop()
	}
	if limits.Rate <= 0 {
		limits.Rate = 5
	}
	if limits.Burst <= 0 {
		limits.Burst = 20
	}
	return &AgentSocketHandler{
		hub:      hub,
		auth:     auth,
		rooms:    rooms,
		flusher:  flusher,
		presence: presence,
		limits:   limits,
		upgrader: websocket.Upgrader{CheckOrigin: originChecker(allowedOrigins)},
		log:      log.With("component", "AgentSocket"),
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, origin) {
				return true
			}
		}
		return false
	}
}

// HandleWebSocket GET /api/agent/ws?room=&role=&token=
func (h *AgentSocketHandler) HandleWebSocket(c echo.Context) error {
	role := protocol.Role(c.QueryParam("role"))
	if role == "" {
		role = protocol.RoleUser
	}
	if role != protocol.RoleUser && role != protocol.RoleAdmin {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid role"})
	}
	room := c.QueryParam("room")
	if room != "" && !services.ValidRoomID(room) {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": services.ErrInvalidRoom.Error()})
	}

	var userID uint
	if role == protocol.RoleAdmin {
		user, err := h.auth.UserFromToken(c.Request().Context(), bearerToken(c))
		if err != nil {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid token"})
		}
		if !user.IsAdmin() {
			return c.JSON(http.StatusForbidden, map[string]string{"error": "admin only"})
		}
		userID = user.ID
	}

	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := &AgentClient{
		ID:      uuid.New().String(),
		Role:    role,
		UserID:  userID,
		Conn:    ws,
		Send:    make(chan protocol.Envelope, sendBuffer),
		limiter: rate.NewLimiter(rate.Limit(h.limits.Rate), h.limits.Burst),
		ctx:     ctx,
		cancel:  cancel,
	}
	metrics.Connections.WithLabelValues(string(role)).Inc()
	h.log.Debug("socket connected", "client", client.ID, "role", role, "room", room)

	if role == protocol.RoleAdmin {
		h.hub.JoinLobby(client)
	} else if room != "" {
		h.hub.Join(client, room)
	}

	go h.writePump(client)
	h.readPump(client)
	return nil
}

func bearerToken(c echo.Context) string {
	if auth := c.Request().Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return strings.TrimSpace(strings.TrimPrefix(c.QueryParam("token"), "Bearer "))
}

// 读取客户端消息。断线只离开房间，不结束对话
func (h *AgentSocketHandler) readPump(client *AgentClient) {
	defer func() {
		client.cancel()
		if client.Role == protocol.RoleAdmin {
			h.hub.LeaveLobby(client)
		} else {
			h.hub.Leave(client)
		}
		client.Conn.Close()
		metrics.Connections.WithLabelValues(string(client.Role)).Dec()
		h.log.Debug("socket closed", "client", client.ID)
	}()

	client.Conn.SetReadLimit(64 * 1024)
	client.Conn.SetReadDeadline(time.Now().Add(pongWait))
	client.Conn.SetPongHandler(func(string) error {
		client.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				h.log.Warn("websocket error", "client", client.ID, "error", err)
			}
			return
		}
		var env protocol.Envelope
		if err := json.Unmarshal(raw, &env); err != nil || env.Type == "" {
			h.sendError(client, "", "malformed frame")
			continue
		}
		if !client.limiter.Allow() {
			metrics.Events.WithLabelValues(env.Type, "limited").Inc()
			h.sendError(client, env.Type, "too many events")
			continue
		}
		if err := h.handleMessage(client, env); err != nil {
			metrics.Events.WithLabelValues(env.Type, "rejected").Inc()
			h.sendError(client, env.Type, err.Error())
			continue
		}
		metrics.Events.WithLabelValues(env.Type, "ok").Inc()
	}
}

// 向客户端写入消息
func (h *AgentSocketHandler) writePump(client *AgentClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.Conn.Close()
	}()

	for {
		select {
		case <-client.ctx.Done():
			client.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			client.Conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case env := <-client.Send:
			client.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Conn.WriteJSON(env); err != nil {
				h.log.Debug("write failed", "client", client.ID, "error", err)
				client.cancel()
				return
			}

		case <-ticker.C:
			client.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				client.cancel()
				return
			}
		}
	}
}

var (
	errAdminOnly   = errors.New("admin only")
	errVisitorOnly = errors.New("visitor only")
	errWrongRoom   = errors.New("not joined to this room")
	errTooLong     = errors.New("message too long")
	errUnknown     = errors.New("unknown event")
)

// 消息类型分发
func (h *AgentSocketHandler) handleMessage(client *AgentClient, env protocol.Envelope) error {
	switch env.Type {
	case protocol.EventJoinRoom:
		return h.handleJoin(client, env)
	case protocol.EventUserMessage:
		return h.handleUserMessage(client, env)
	case protocol.EventAdminReply:
		return h.handleAdminReply(client, env)
	case protocol.EventUserEnd:
		return h.handleUserEnd(client, env)
	case protocol.EventGetHistory:
		return h.handleGetHistory(client, env)
	case protocol.EventRequestEmail:
		return h.handleRequestEmail(client, env)
	case protocol.EventAdminStatusGet:
		return h.handleStatus(client)
	}
	return errUnknown
}

func decodeRoom(env protocol.Envelope) (string, error) {
	var ref protocol.RoomRef
	if err := env.Decode(&ref); err != nil {
		return "", err
	}
	if !services.ValidRoomID(ref.Room) {
		return "", services.ErrInvalidRoom
	}
	return ref.Room, nil
}

func decodeText(env protocol.Envelope) (protocol.TextPayload, error) {
	var p protocol.TextPayload
	if err := env.Decode(&p); err != nil {
		return p, err
	}
	if !services.ValidRoomID(p.Room) {
		return p, services.ErrInvalidRoom
	}
	p.Text = strings.TrimSpace(p.Text)
	if p.Text == "" {
		return p, services.ErrEmptyMessage
	}
	if utf8.RuneCountInString(p.Text) > maxTextLength {
		return p, errTooLong
	}
	return p, nil
}

// 管理员加入房间不改变订阅（大厅已接收所有房间事件）
func (h *AgentSocketHandler) handleJoin(client *AgentClient, env protocol.Envelope) error {
	room, err := decodeRoom(env)
	if err != nil {
		return err
	}
	if client.Role == protocol.RoleUser {
		h.hub.Join(client, room)
	}
	return nil
}

// visitorRoom 访客只能操作自己加入的房间；尚未加入时以此房间为准
func (h *AgentSocketHandler) visitorRoom(client *AgentClient, room string) error {
	if client.Role != protocol.RoleUser {
		return errVisitorOnly
	}
	current := client.CurrentRoom()
	if current == "" {
		h.hub.Join(client, room)
		return nil
	}
	if current != room {
		return errWrongRoom
	}
	return nil
}

func (h *AgentSocketHandler) handleUserMessage(client *AgentClient, env protocol.Envelope) error {
	p, err := decodeText(env)
	if err != nil {
		return err
	}
	if err := h.visitorRoom(client, p.Room); err != nil {
		return err
	}
	email := strings.TrimSpace(p.Email)
	if email != "" && !protocol.ValidEmail(email) {
		return services.ErrInvalidEmail
	}
	h.hub.PostToRoom(p.Room, &RoomPost{
		Type:     protocol.EventUserMessage,
		Role:     protocol.RoleUser,
		Text:     p.Text,
		Email:    email,
		SenderID: client.ID,
		Audience: toRoom | toAdmins,
		Persist:  true,
	})
	return nil
}

func (h *AgentSocketHandler) handleAdminReply(client *AgentClient, env protocol.Envelope) error {
	if client.Role != protocol.RoleAdmin {
		return errAdminOnly
	}
	p, err := decodeText(env)
	if err != nil {
		return err
	}
	h.hub.PostToRoom(p.Room, &RoomPost{
		Type:     protocol.EventAdminReply,
		Role:     protocol.RoleAdmin,
		Text:     p.Text,
		SenderID: client.ID,
		Audience: toRoom | toAdmins,
		Persist:  true,
	})
	return nil
}

func (h *AgentSocketHandler) handleUserEnd(client *AgentClient, env protocol.Envelope) error {
	room, err := decodeRoom(env)
	if err != nil {
		return err
	}
	if err := h.visitorRoom(client, room); err != nil {
		return err
	}
	h.hub.PostToRoom(room, &RoomPost{
		Type:     protocol.EventUserEnded,
		Role:     protocol.RoleSystem,
		Text:     VisitorEndText,
		Audience: toAdmins,
		Persist:  true,
	})
	h.hub.Leave(client)
	return nil
}

func (h *AgentSocketHandler) handleGetHistory(client *AgentClient, env protocol.Envelope) error {
	room, err := decodeRoom(env)
	if err != nil {
		return err
	}
	if client.Role == protocol.RoleUser {
		if err := h.visitorRoom(client, room); err != nil {
			return err
		}
	}

	h.hub.RequestHistory(room, client, func() (protocol.History, error) {
		return h.loadHistory(client, room)
	})
	return nil
}

// loadHistory 在房间循环内调用：先等写入队列落库，再读快照
func (h *AgentSocketHandler) loadHistory(client *AgentClient, room string) (protocol.History, error) {
	ctx, cancel := context.WithTimeout(client.ctx, historyWait)
	defer cancel()
	if h.flusher != nil {
		if err := h.flusher.Flush(ctx, room); err != nil {
			return protocol.History{}, err
		}
	}
	history, err := h.rooms.History(ctx, room)
	if err != nil {
		return history, err
	}
	if client.Role == protocol.RoleAdmin {
		if err := h.rooms.MarkRead(ctx, room); err != nil {
			h.log.Warn("mark read failed", "room", room, "error", err)
		}
	}
	return history, nil
}

func (h *AgentSocketHandler) handleRequestEmail(client *AgentClient, env protocol.Envelope) error {
	if client.Role != protocol.RoleAdmin {
		return errAdminOnly
	}
	room, err := decodeRoom(env)
	if err != nil {
		return err
	}
	h.hub.PostToRoom(room, &RoomPost{Type: protocol.EventRequestEmail, Audience: toRoom})
	return nil
}

func (h *AgentSocketHandler) handleStatus(client *AgentClient) error {
	ctx, cancel := context.WithTimeout(client.ctx, historyWait)
	defer cancel()
	online, err := h.presence.Online(ctx)
	if err != nil {
		h.log.Warn("presence lookup failed", "error", err)
	}
	h.reply(client, protocol.EventAdminStatus, protocol.StatusPayload{Online: online})
	return nil
}

func (h *AgentSocketHandler) reply(client *AgentClient, event string, payload interface{}) {
	env, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		h.log.Error("build envelope failed", "event", event, "error", err)
		return
	}
	if !client.enqueue(env) {
		client.cancel()
	}
}

func (h *AgentSocketHandler) sendError(client *AgentClient, event, message string) {
	h.reply(client, protocol.EventError, protocol.ErrorPayload{Event: event, Message: message})
}

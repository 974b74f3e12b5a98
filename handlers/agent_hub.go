package handlers

import (
	"context"
	"sync"
	"time"

	"khisima/logger"
	"khisima/metrics"
	"khisima/protocol"
	"khisima/services"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	sendBuffer     = 256
	roomIdleTTL    = 5 * time.Minute
	VisitorEndText = "The visitor ended the chat."
)

// BroadcastMessage 已构建好的帧
type BroadcastMessage struct {
	Data      protocol.Envelope
	ExceptIDs map[string]bool // 排除的客户端ID（不发送给这些客户端）
	OnlyID    string          // 非空时只发给该客户端
}

// audience 房间事件的投递对象
type audience uint8

const (
	toRoom   audience = 1 << iota // 房间内的访客连接
	toAdmins                      // 大厅中的全部管理员
)

// RoomPost 需要在房间循环内定序、打时间戳的事件
type RoomPost struct {
	Type     string
	Role     protocol.Role
	Text     string
	Email    string
	SenderID string
	Audience audience
	Persist  bool

	history *historyRequest // 非空时为历史请求，与普通事件同队列定序
}

// historyRequest 在房间循环内取快照，快照与实时分发共用同一顺序
type historyRequest struct {
	client *AgentClient
	load   func() (protocol.History, error)
}

// AgentClient 一个 WebSocket 连接
type AgentClient struct {
	ID      string
	Role    protocol.Role
	UserID  uint
	Conn    *websocket.Conn
	Send    chan protocol.Envelope // 发送消息队列（缓冲256条）
	limiter *rate.Limiter
	ctx     context.Context
	cancel  context.CancelFunc

	mu   sync.Mutex
	room string // 访客当前所在房间
}

func (c *AgentClient) CurrentRoom() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

// enqueue 不阻塞；缓冲区满或连接已关闭返回 false
func (c *AgentClient) enqueue(env protocol.Envelope) bool {
	select {
	case <-c.ctx.Done():
		return false
	default:
	}
	select {
	case c.Send <- env:
		return true
	default:
		return false
	}
}

// hubRoom 一个房间（或管理员大厅）的全部连接与分发循环
type hubRoom struct {
	ID         string
	lobby      bool
	hub        *AgentHub
	clients    map[string]*AgentClient
	Register   chan *AgentClient
	Unregister chan *AgentClient
	Broadcast  chan *BroadcastMessage
	Post       chan *RoomPost

	mu     sync.RWMutex // 保护 closed；持读锁向通道投递
	closed bool
	lastTS time.Time
}

// AgentHub 房间管理器：每个房间一个 goroutine，房间内事件全序
type AgentHub struct {
	rooms   map[string]*hubRoom
	mu      sync.RWMutex
	lobby   *hubRoom
	writer  RoomWriter
	tracker services.OnlineTracker
	log     *logger.Logger
	idleTTL time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// RoomWriter 持久化出口
type RoomWriter interface {
	Enqueue(msg services.RoomMessage) bool
}

func NewAgentHub(writer RoomWriter, tracker services.OnlineTracker, log *logger.Logger) *AgentHub {
	if log == nil {
		log = logger.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &AgentHub{
		rooms:   make(map[string]*hubRoom),
		writer:  writer,
		tracker: tracker,
		log:     log.With("component", "AgentHub"),
		idleTTL: roomIdleTTL,
		ctx:     ctx,
		cancel:  cancel,
	}
	h.lobby = h.newRoom("lobby", true)
	return h
}

func (h *AgentHub) newRoom(id string, lobby bool) *hubRoom {
	room := &hubRoom{
		ID:         id,
		lobby:      lobby,
		hub:        h,
		clients:    make(map[string]*AgentClient),
		Register:   make(chan *AgentClient, 16),
		Unregister: make(chan *AgentClient, 16),
		Broadcast:  make(chan *BroadcastMessage, 256),
		Post:       make(chan *RoomPost, 256),
	}
	h.wg.Add(1)
	go room.run()
	return room
}

func (h *AgentHub) getOrCreateRoom(roomID string) *hubRoom {
	h.mu.Lock()
	defer h.mu.Unlock()

	if room, exists := h.rooms[roomID]; exists {
		return room
	}
	room := h.newRoom(roomID, false)
	h.rooms[roomID] = room
	return room
}

func (h *AgentHub) forget(room *hubRoom) {
	h.mu.Lock()
	if h.rooms[room.ID] == room {
		delete(h.rooms, room.ID)
	}
	h.mu.Unlock()
}

// withRoom 房间可能刚因空闲被回收，失败时重新获取
func (h *AgentHub) withRoom(roomID string, fn func(*hubRoom) bool) {
	for i := 0; i < 3; i++ {
		if fn(h.getOrCreateRoom(roomID)) {
			return
		}
	}
	h.log.Warn("room unavailable, event dropped", "room", roomID)
}

// Join 访客进入房间；已在其他房间时先离开
func (h *AgentHub) Join(client *AgentClient, roomID string) {
	client.mu.Lock()
	prev := client.room
	client.room = roomID
	client.mu.Unlock()
	if prev == roomID {
		return
	}
	if prev != "" {
		h.leaveRoom(client, prev)
	}
	h.withRoom(roomID, func(r *hubRoom) bool { return r.register(client) })
}

// Leave 访客离开当前房间（断线时调用，不结束对话）
func (h *AgentHub) Leave(client *AgentClient) {
	client.mu.Lock()
	prev := client.room
	client.room = ""
	client.mu.Unlock()
	if prev != "" {
		h.leaveRoom(client, prev)
	}
}

func (h *AgentHub) leaveRoom(client *AgentClient, roomID string) {
	h.mu.RLock()
	room, ok := h.rooms[roomID]
	h.mu.RUnlock()
	if ok {
		room.unregister(client)
	}
}

func (h *AgentHub) JoinLobby(client *AgentClient) {
	h.lobby.register(client)
}

func (h *AgentHub) LeaveLobby(client *AgentClient) {
	h.lobby.unregister(client)
}

// PostToRoom 在房间循环中定序后分发
func (h *AgentHub) PostToRoom(roomID string, p *RoomPost) {
	h.withRoom(roomID, func(r *hubRoom) bool { return r.post(p) })
}

// RequestHistory load 在房间循环内执行，之前分发过的事件都已落库
func (h *AgentHub) RequestHistory(roomID string, client *AgentClient, load func() (protocol.History, error)) {
	p := &RoomPost{history: &historyRequest{client: client, load: load}}
	h.withRoom(roomID, func(r *hubRoom) bool { return r.post(p) })
}

// RecordForAdmins 写入记录并只推送给管理员（访客端已在本地展示）
func (h *AgentHub) RecordForAdmins(roomID string, event string, role protocol.Role, text string) {
	h.PostToRoom(roomID, &RoomPost{Type: event, Role: role, Text: text, Audience: toAdmins, Persist: true})
}

// BroadcastAll 发给所有连接（在线状态变更）
func (h *AgentHub) BroadcastAll(env protocol.Envelope) {
	msg := &BroadcastMessage{Data: env}
	h.lobby.broadcast(msg)
	h.mu.RLock()
	rooms := make([]*hubRoom, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.mu.RUnlock()
	for _, r := range rooms {
		r.broadcast(msg)
	}
}

// Close 停止所有房间循环
func (h *AgentHub) Close() {
	h.cancel()
	h.wg.Wait()
}

func (r *hubRoom) register(c *AgentClient) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return false
	}
	select {
	case r.Register <- c:
		return true
	case <-r.hub.ctx.Done():
		return true
	}
}

func (r *hubRoom) unregister(c *AgentClient) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.Unregister <- c:
	case <-r.hub.ctx.Done():
	}
}

func (r *hubRoom) post(p *RoomPost) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return false
	}
	select {
	case r.Post <- p:
		return true
	case <-r.hub.ctx.Done():
		return true
	}
}

func (r *hubRoom) broadcast(m *BroadcastMessage) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.Broadcast <- m:
	case <-r.hub.ctx.Done():
	}
}

// 房间的核心消息分发循环
func (r *hubRoom) run() {
	defer r.hub.wg.Done()
	idle := time.NewTimer(r.hub.idleTTL)
	defer idle.Stop()

	for {
		select {
		case <-r.hub.ctx.Done():
			for _, client := range r.clients {
				client.cancel()
			}
			return

		case client := <-r.Register:
			r.add(client)

		case client := <-r.Unregister:
			if _, ok := r.clients[client.ID]; ok {
				delete(r.clients, client.ID)
				r.track(client, false)
			}
			if len(r.clients) == 0 {
				idle.Reset(r.hub.idleTTL)
			}

		case message := <-r.Broadcast:
			r.drainRegister()
			r.fanout(message)

		case p := <-r.Post:
			r.drainRegister()
			r.handlePost(p)

		case <-idle.C:
			if r.tryClose() {
				return
			}
			idle.Reset(r.hub.idleTTL)
		}
	}
}

func (r *hubRoom) add(client *AgentClient) {
	r.clients[client.ID] = client
	r.track(client, true)
}

// drainRegister 已排队的注册先于之后投递的事件生效
func (r *hubRoom) drainRegister() {
	for {
		select {
		case client := <-r.Register:
			r.add(client)
		default:
			return
		}
	}
}

// tryClose 空闲且无待处理事件时回收房间
func (r *hubRoom) tryClose() bool {
	if r.lobby || len(r.clients) > 0 {
		return false
	}
	if !r.mu.TryLock() {
		return false
	}
	defer r.mu.Unlock()
	if len(r.Register)+len(r.Unregister)+len(r.Broadcast)+len(r.Post) > 0 {
		return false
	}
	r.closed = true
	r.hub.forget(r)
	return true
}

// nextTS 房间内时间戳严格递增
func (r *hubRoom) nextTS() time.Time {
	ts := time.Now().UTC().Truncate(time.Microsecond)
	if !ts.After(r.lastTS) {
		ts = r.lastTS.Add(time.Microsecond)
	}
	r.lastTS = ts
	return ts
}

func (r *hubRoom) handlePost(p *RoomPost) {
	if p.history != nil {
		r.handleHistory(p.history)
		return
	}
	ts := r.nextTS()
	if p.Persist && r.hub.writer != nil {
		r.hub.writer.Enqueue(services.RoomMessage{
			Room:  r.ID,
			Role:  p.Role,
			Text:  p.Text,
			TS:    ts,
			Email: p.Email,
			Ended: p.Type == protocol.EventUserEnded,
		})
	}

	var payload interface{}
	switch p.Type {
	case protocol.EventUserEnded, protocol.EventRequestEmail:
		payload = protocol.RoomRef{Room: r.ID}
	default:
		payload = protocol.RoomEvent{Room: r.ID, Role: p.Role, Text: p.Text, TS: ts, Email: p.Email}
	}
	env, err := protocol.NewEnvelope(p.Type, payload)
	if err != nil {
		r.hub.log.Error("build envelope failed", "type", p.Type, "error", err)
		return
	}

	var except map[string]bool
	if p.SenderID != "" {
		except = map[string]bool{p.SenderID: true}
	}
	msg := &BroadcastMessage{Data: env, ExceptIDs: except}
	if p.Audience&toRoom != 0 {
		r.fanout(msg)
	}
	if p.Audience&toAdmins != 0 {
		r.hub.lobby.broadcast(msg)
	}
}

func (r *hubRoom) handleHistory(req *historyRequest) {
	history, err := req.load()
	var env protocol.Envelope
	if err != nil {
		r.hub.log.Error("load history failed", "room", r.ID, "error", err)
		env, err = protocol.NewEnvelope(protocol.EventError, protocol.ErrorPayload{Event: protocol.EventGetHistory, Message: "history unavailable"})
	} else {
		env, err = protocol.NewEnvelope(protocol.EventRoomHistory, history)
	}
	if err != nil {
		r.hub.log.Error("build envelope failed", "room", r.ID, "error", err)
		return
	}

	msg := &BroadcastMessage{Data: env, OnlyID: req.client.ID}
	if req.client.Role == protocol.RoleAdmin {
		// 管理员经大厅收到本房间事件，快照也排进大厅队列
		r.hub.lobby.broadcast(msg)
		return
	}
	r.fanout(msg)
}

func (r *hubRoom) fanout(message *BroadcastMessage) {
	for id, client := range r.clients {
		if message.ExceptIDs != nil && message.ExceptIDs[id] {
			continue
		}
		if message.OnlyID != "" && message.OnlyID != id {
			continue
		}
		if !client.enqueue(message.Data) {
			r.hub.log.Warn("client send buffer full, disconnecting", "client", id, "room", r.ID)
			metrics.Evictions.Inc()
			delete(r.clients, id)
			r.track(client, false)
			client.cancel()
		}
	}
}

// track 访客在线表（管理员大厅不记录）
func (r *hubRoom) track(client *AgentClient, online bool) {
	if r.lobby || r.hub.tracker == nil || client.Role != protocol.RoleUser {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var err error
	if online {
		err = r.hub.tracker.Join(ctx, r.ID, client.ID, string(client.Role))
	} else {
		err = r.hub.tracker.Leave(ctx, r.ID, client.ID)
	}
	if err != nil {
		r.hub.log.Warn("online tracker failed", "room", r.ID, "error", err)
	}
}

package console

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"khisima/logger"
	"khisima/protocol"

	"github.com/google/uuid"
)

var (
	ErrNoRoomSelected = errors.New("no room selected")
	ErrEmptyMessage   = errors.New("message is empty")
	ErrNotConfirmed   = errors.New("action not confirmed")
	ErrInvalidEmail   = errors.New("invalid email address")
	ErrBusy           = errors.New("another action is in flight")
)

const (
	NoticeHistoryFailed  = "Could not load the conversation history."
	NoticeReplyFailed    = "Reply may not have been delivered."
	NoticeDeleteFailed   = "Could not delete the conversation."
	NoticeForwardFailed  = "Could not forward the transcript."
	NoticeForwarded      = "Transcript forwarded."
	NoticePresenceFailed = "Could not update your availability."
	NoticeRoomsFailed    = "Could not load conversations."
	VisitorEndedText     = "The visitor ended the chat."
)

// Channel 实时通道
type Channel interface {
	Emit(event string, payload interface{}) error
	Connected() bool
}

// API 管理端 REST 接口
type API interface {
	RoomMessages(ctx context.Context, room string, page, limit int) (protocol.History, error)
	ListRooms(ctx context.Context, q protocol.RoomQuery) (protocol.RoomList, error)
	DeleteRoom(ctx context.Context, room string) error
	ForwardTranscript(ctx context.Context, room string, req protocol.ForwardRequest) error
	Presence(ctx context.Context) (bool, error)
	SetPresence(ctx context.Context, online bool) error
}

type Config struct {
	RESTFallbackDelay time.Duration
	RequestTimeout    time.Duration
	HistoryLimit      int
}

func DefaultConfig() Config {
	return Config{
		RESTFallbackDelay: 600 * time.Millisecond,
		RequestTimeout:    10 * time.Second,
		HistoryLimit:      500,
	}
}

type State struct {
	Selected    string
	Messages    []protocol.Message
	Email       string
	Loading     bool
	Rooms       []protocol.RoomSummary
	AdminOnline bool
	Connected   bool
	Busy        bool
	Notice      string
}

// Console 管理员控制台会话：一次只看一个房间
type Console struct {
	mu  sync.Mutex
	cfg Config
	api API
	ch  Channel
	log *logger.Logger

	selected     string
	gen          uint64
	socketLanded bool
	fallback     *time.Timer
	messages     []protocol.Message
	live         []protocol.Message // 选中后实时收到的消息，快照落地时补回
	email        string
	loading      bool

	rooms       []protocol.RoomSummary
	adminOnline bool
	connected   bool
	busy        bool
	notice      string
}

func New(cfg Config, api API, log *logger.Logger) *Console {
	def := DefaultConfig()
	if cfg.RESTFallbackDelay < 0 {
		cfg.RESTFallbackDelay = def.RESTFallbackDelay
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = def.HistoryLimit
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Console{cfg: cfg, api: api, log: log.With("component", "Console")}
}

func (c *Console) Attach(ch Channel) {
	c.mu.Lock()
	c.ch = ch
	c.mu.Unlock()
}

func (c *Console) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	msgs := make([]protocol.Message, len(c.messages))
	copy(msgs, c.messages)
	rooms := make([]protocol.RoomSummary, len(c.rooms))
	copy(rooms, c.rooms)
	return State{
		Selected:    c.selected,
		Messages:    msgs,
		Email:       c.email,
		Loading:     c.loading,
		Rooms:       rooms,
		AdminOnline: c.adminOnline,
		Connected:   c.connected,
		Busy:        c.busy,
		Notice:      c.notice,
	}
}

// SelectRoom 同时发起 socket get_history 与延迟的 REST 兜底；以代次号丢弃过期结果
func (c *Console) SelectRoom(room string) {
	room = strings.TrimSpace(room)
	if room == "" {
		c.ClearSelection()
		return
	}

	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.selected = room
	c.messages = nil
	c.live = nil
	c.email = ""
	c.loading = true
	c.socketLanded = false
	c.stopFallbackLocked()
	c.fallback = time.AfterFunc(c.cfg.RESTFallbackDelay, func() { c.fetchREST(gen, room) })
	c.markReadLocked(room)
	ch, connected := c.ch, c.connected
	c.mu.Unlock()

	if ch != nil && connected {
		c.emit(ch, protocol.EventJoinRoom, protocol.RoomRef{Room: room})
		c.emit(ch, protocol.EventGetHistory, protocol.RoomRef{Room: room})
	}
}

func (c *Console) ClearSelection() {
	c.mu.Lock()
	c.clearSelectionLocked()
	c.mu.Unlock()
}

func (c *Console) clearSelectionLocked() {
	c.gen++
	c.selected = ""
	c.messages = nil
	c.live = nil
	c.email = ""
	c.loading = false
	c.socketLanded = false
	c.stopFallbackLocked()
}

func (c *Console) stopFallbackLocked() {
	if c.fallback != nil {
		c.fallback.Stop()
		c.fallback = nil
	}
}

func (c *Console) fetchREST(gen uint64, room string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
	defer cancel()
	history, err := c.api.RoomMessages(ctx, room, 1, c.cfg.HistoryLimit)

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || room != c.selected || c.socketLanded {
		return
	}
	if err != nil {
		c.log.Warn("history fetch failed", "room", room, "error", err)
		c.loading = false
		c.notice = NoticeHistoryFailed
		return
	}
	c.replaceLocked(history)
}

func (c *Console) onRoomHistory(history protocol.History) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if history.Room == "" || history.Room != c.selected {
		return
	}
	c.socketLanded = true
	c.stopFallbackLocked()
	c.replaceLocked(history)
}

// replaceLocked 以快照替换列表；晚于快照末条的实时消息接在后面
func (c *Console) replaceLocked(history protocol.History) {
	msgs := make([]protocol.Message, len(history.Messages))
	copy(msgs, history.Messages)
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].TS.Before(msgs[j].TS) })
	var last time.Time
	if n := len(msgs); n > 0 {
		last = msgs[n-1].TS
	}
	kept := c.live[:0]
	for _, m := range c.live {
		if m.TS.After(last) {
			kept = append(kept, m)
		}
	}
	c.live = kept
	c.messages = append(msgs, kept...)
	if history.Email != "" || c.email == "" {
		c.email = history.Email
	}
	c.loading = false
}

// Reply 乐观追加后发送；发送失败不回滚
func (c *Console) Reply(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}
	c.mu.Lock()
	room := c.selected
	if room == "" {
		c.mu.Unlock()
		return ErrNoRoomSelected
	}
	c.messages = append(c.messages, protocol.Message{ID: uuid.NewString(), Role: protocol.RoleAdmin, Text: text, TS: time.Now().UTC()})
	ch := c.ch
	c.mu.Unlock()

	if err := c.emit(ch, protocol.EventAdminReply, protocol.TextPayload{Room: room, Text: text}); err != nil {
		c.setNotice(NoticeReplyFailed)
		return err
	}
	return nil
}

// RequestEmail 让访客端弹出留邮箱
func (c *Console) RequestEmail() error {
	c.mu.Lock()
	room, ch := c.selected, c.ch
	c.mu.Unlock()
	if room == "" {
		return ErrNoRoomSelected
	}
	return c.emit(ch, protocol.EventRequestEmail, protocol.RoomRef{Room: room})
}

// DeleteRoom 删除前需确认；成功后清理缓存并在当前打开时取消选中
func (c *Console) DeleteRoom(ctx context.Context, room string, confirm func(room string) bool) error {
	if confirm == nil || !confirm(room) {
		return ErrNotConfirmed
	}
	if !c.beginBusy() {
		return ErrBusy
	}
	err := c.api.DeleteRoom(ctx, room)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.busy = false
	if err != nil {
		c.log.Warn("delete room failed", "room", room, "error", err)
		c.notice = NoticeDeleteFailed
		return err
	}
	kept := c.rooms[:0]
	for _, r := range c.rooms {
		if r.RoomID != room {
			kept = append(kept, r)
		}
	}
	c.rooms = kept
	if c.selected == room {
		c.clearSelectionLocked()
	}
	return nil
}

// Forward 转发聊天记录到邮箱
func (c *Console) Forward(ctx context.Context, room, to, subject string) error {
	to = strings.TrimSpace(to)
	if !protocol.ValidEmail(to) {
		c.setNotice(ErrInvalidEmail.Error())
		return ErrInvalidEmail
	}
	if !c.beginBusy() {
		return ErrBusy
	}
	err := c.api.ForwardTranscript(ctx, room, protocol.ForwardRequest{To: to, Subject: strings.TrimSpace(subject)})

	c.mu.Lock()
	defer c.mu.Unlock()
	c.busy = false
	if err != nil {
		c.log.Warn("forward transcript failed", "room", room, "error", err)
		c.notice = NoticeForwardFailed
		return err
	}
	c.notice = NoticeForwarded
	return nil
}

// SetPresence 切换全局在线标记（最后写入者胜出）
func (c *Console) SetPresence(ctx context.Context, online bool) error {
	if err := c.api.SetPresence(ctx, online); err != nil {
		c.log.Warn("set presence failed", "online", online, "error", err)
		c.setNotice(NoticePresenceFailed)
		return err
	}
	c.mu.Lock()
	c.adminOnline = online
	c.mu.Unlock()
	return nil
}

// LoadPresence 读取服务端的在线标记
func (c *Console) LoadPresence(ctx context.Context) error {
	online, err := c.api.Presence(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.adminOnline = online
	c.mu.Unlock()
	return nil
}

// RefreshRooms 拉取房间列表
func (c *Console) RefreshRooms(ctx context.Context, q protocol.RoomQuery) error {
	list, err := c.api.ListRooms(ctx, q)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.notice = NoticeRoomsFailed
		return err
	}
	c.rooms = list.Items
	if c.selected != "" {
		c.markReadLocked(c.selected)
	}
	return nil
}

func (c *Console) beginBusy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busy {
		return false
	}
	c.busy = true
	return true
}

func (c *Console) OnConnect() {
	c.mu.Lock()
	c.connected = true
	room, ch := c.selected, c.ch
	c.mu.Unlock()

	c.emit(ch, protocol.EventAdminStatusGet, nil)
	if room != "" {
		c.emit(ch, protocol.EventJoinRoom, protocol.RoomRef{Room: room})
		c.emit(ch, protocol.EventGetHistory, protocol.RoomRef{Room: room})
	}
}

func (c *Console) OnDisconnect() {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}

func (c *Console) OnEvent(env protocol.Envelope) {
	switch env.Type {
	case protocol.EventRoomHistory:
		var h protocol.History
		if err := env.Decode(&h); err != nil {
			c.log.Warn("bad room_history", "error", err)
			return
		}
		c.onRoomHistory(h)
	case protocol.EventAdminStatus:
		var p protocol.StatusPayload
		if err := env.Decode(&p); err != nil {
			return
		}
		c.mu.Lock()
		c.adminOnline = p.Online
		c.mu.Unlock()
	case protocol.EventUserMessage, protocol.EventAdminReply, protocol.EventAgentReply, protocol.EventSystem:
		var ev protocol.RoomEvent
		if err := env.Decode(&ev); err != nil {
			c.log.Warn("bad room event", "type", env.Type, "error", err)
			return
		}
		c.onRoomEvent(env.Type, ev)
	case protocol.EventUserEnded:
		var ref protocol.RoomRef
		_ = env.Decode(&ref)
		c.onUserEnded(ref.Room)
	case protocol.EventError:
		var p protocol.ErrorPayload
		_ = env.Decode(&p)
		c.log.Warn("server rejected event", "event", p.Event, "message", p.Message)
	}
}

func (c *Console) onRoomEvent(event string, ev protocol.RoomEvent) {
	role := ev.Role
	switch event {
	case protocol.EventUserMessage:
		role = protocol.RoleUser
	case protocol.EventAdminReply:
		role = protocol.RoleAdmin
	case protocol.EventAgentReply:
		role = protocol.RoleAgent
	case protocol.EventSystem:
		role = protocol.RoleSystem
	}
	ts := ev.TS
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.touchRoomLocked(ev.Room, ts, ev.Email, event == protocol.EventUserMessage && ev.Room != c.selected)
	if ev.Room == "" || ev.Room != c.selected {
		return
	}
	if ev.Email != "" {
		c.email = ev.Email
	}
	msg := protocol.Message{ID: uuid.NewString(), Role: role, Text: ev.Text, TS: ts}
	c.messages = append(c.messages, msg)
	c.live = append(c.live, msg)
}

func (c *Console) onUserEnded(room string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.rooms {
		if c.rooms[i].RoomID == room {
			c.rooms[i].Ended = true
		}
	}
	if room != "" && room == c.selected {
		c.messages = append(c.messages, protocol.Message{ID: uuid.NewString(), Role: protocol.RoleSystem, Text: VisitorEndedText, TS: time.Now().UTC()})
	}
}

// touchRoomLocked 更新房间列表：新房间置顶，非当前房间的访客消息累加未读
func (c *Console) touchRoomLocked(room string, ts time.Time, email string, unread bool) {
	if room == "" {
		return
	}
	for i := range c.rooms {
		if c.rooms[i].RoomID != room {
			continue
		}
		c.rooms[i].LastMsgAt = ts
		if email != "" {
			c.rooms[i].Email = email
		}
		if unread {
			c.rooms[i].Unread++
		}
		return
	}
	summary := protocol.RoomSummary{RoomID: room, LastMsgAt: ts, Email: email, Online: true}
	if unread {
		summary.Unread = 1
	}
	c.rooms = append([]protocol.RoomSummary{summary}, c.rooms...)
}

func (c *Console) markReadLocked(room string) {
	for i := range c.rooms {
		if c.rooms[i].RoomID == room {
			c.rooms[i].Unread = 0
		}
	}
}

func (c *Console) setNotice(n string) {
	c.mu.Lock()
	c.notice = n
	c.mu.Unlock()
}

func (c *Console) emit(ch Channel, event string, payload interface{}) error {
	if ch == nil {
		return nil
	}
	if err := ch.Emit(event, payload); err != nil {
		c.log.Warn("emit failed", "event", event, "error", err)
		return err
	}
	return nil
}

package widget

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"khisima/intent"
	"khisima/logger"
	"khisima/protocol"
	"khisima/roomstore"

	"github.com/google/uuid"
)

var (
	ErrEmptyMessage = errors.New("message is empty")
	ErrInvalidEmail = errors.New("invalid email address")
)

// 访客侧提示文案
const (
	WelcomeText        = "Hi! I'm the Khisima assistant. Ask me about our languages, services or pricing, or leave a question for our team."
	MoreDetailText     = "Could you tell us a little more about what you need? A short sentence helps us route your question."
	EmailPromptText    = "No specialist is online right now. Leave your email and we will reply as soon as possible."
	RequestEmailText   = "Our specialist would like your email to follow up. Please share it below."
	SpecialistOnline   = "A specialist is now available. You can continue here in live chat."
	ChatEndedText      = "Chat ended."
	NoticeInvalidEmail = "Please enter a valid email address."
	NoticeEmpty        = "Please type a message."
	NoticeSendFailed   = "Your message could not be delivered. Please try again."
	NoticeCaptureFail  = "We couldn't save your question. Please try again."
)

// Channel 实时通道（WebSocket 客户端实现）
type Channel interface {
	Emit(event string, payload interface{}) error
	Connected() bool
}

// API 访客使用的 REST 接口
type API interface {
	Status(ctx context.Context) (bool, error)
	Search(ctx context.Context, text, room string) (string, error)
	CaptureOffline(ctx context.Context, req protocol.InboxRequest) error
}

type Config struct {
	PresenceProbeDelay time.Duration
}

func DefaultConfig() Config {
	return Config{PresenceProbeDelay: 400 * time.Millisecond}
}

// State 界面状态快照
type State struct {
	RoomID      string
	Messages    []protocol.Message
	Email       string
	EmailNeeded bool
	AdminOnline bool
	Connected   bool
	Searching   bool
	Notice      string
}

// Widget 访客聊天会话：本地意图应答、实时转人工、离线留言
type Widget struct {
	mu    sync.Mutex
	cfg   Config
	rooms *roomstore.RoomStore
	api   API
	ch    Channel
	log   *logger.Logger

	roomID          string
	messages        []protocol.Message
	email           string
	emailNeeded     bool
	pendingQuestion string
	adminOnline     bool
	connected       bool
	searching       bool
	notice          string

	probe    *time.Timer
	probeGen uint64
}

func New(cfg Config, rooms *roomstore.RoomStore, api API, log *logger.Logger) *Widget {
	if cfg.PresenceProbeDelay <= 0 {
		cfg.PresenceProbeDelay = DefaultConfig().PresenceProbeDelay
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Widget{cfg: cfg, rooms: rooms, api: api, log: log.With("component", "Widget")}
}

// Attach 绑定实时通道；通道的回调应调用 OnConnect/OnDisconnect/OnEvent
func (w *Widget) Attach(ch Channel) {
	w.mu.Lock()
	w.ch = ch
	w.mu.Unlock()
}

// Open 读取或创建房间，恢复本地历史，拉取一次在线状态
func (w *Widget) Open(ctx context.Context) string {
	room := w.rooms.GetOrCreateRoomID()
	msgs := w.rooms.LoadMessages(room)
	if len(msgs) == 0 {
		msgs = []protocol.Message{newMessage(protocol.RoleAgent, WelcomeText)}
		w.rooms.SaveMessages(room, msgs)
	}

	w.mu.Lock()
	w.roomID = room
	w.messages = msgs
	w.email = w.rooms.LoadEmail(room)
	w.mu.Unlock()

	online, err := w.api.Status(ctx)
	if err != nil {
		w.log.Warn("status fetch failed", "room", room, "error", err)
		return room
	}
	w.mu.Lock()
	w.adminOnline = online
	w.mu.Unlock()
	return room
}

func (w *Widget) RoomID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.roomID
}

func (w *Widget) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	msgs := make([]protocol.Message, len(w.messages))
	copy(msgs, w.messages)
	return State{
		RoomID:      w.roomID,
		Messages:    msgs,
		Email:       w.email,
		EmailNeeded: w.emailNeeded,
		AdminOnline: w.adminOnline,
		Connected:   w.connected,
		Searching:   w.searching,
		Notice:      w.notice,
	}
}

// DismissNotice 关闭提示
func (w *Widget) DismissNotice() {
	w.mu.Lock()
	w.notice = ""
	w.mu.Unlock()
}

// Send 访客发消息：本地作答 → 实时转人工 → 词数门槛 → 远程搜索 → 留邮箱
func (w *Widget) Send(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		w.mu.Lock()
		w.notice = NoticeEmpty
		w.mu.Unlock()
		return ErrEmptyMessage
	}

	w.mu.Lock()
	room := w.roomID
	w.notice = ""
	w.appendLocked(protocol.RoleUser, text)

	decision := intent.Decide(text)
	if decision.OK {
		w.appendLocked(protocol.RoleAgent, decision.Answer)
		w.mu.Unlock()
		return nil
	}

	if w.liveLocked() {
		ch := w.ch
		w.mu.Unlock()
		return w.emit(ch, protocol.EventUserMessage, protocol.TextPayload{Room: room, Text: text})
	}

	if !intent.Meaningful(text) {
		w.appendLocked(protocol.RoleAgent, MoreDetailText)
		w.mu.Unlock()
		return nil
	}
	w.searching = true
	w.mu.Unlock()

	answer, err := w.api.Search(ctx, text, room)

	w.mu.Lock()
	w.searching = false
	if room != w.roomID {
		w.mu.Unlock()
		return nil
	}
	if err != nil {
		w.log.Warn("search failed", "room", room, "error", err)
	} else if answer != "" {
		w.appendLocked(protocol.RoleAgent, answer)
		w.mu.Unlock()
		return nil
	}

	if w.email != "" {
		email := w.email
		w.pendingQuestion = text
		w.mu.Unlock()
		return w.capture(ctx, room, email, text)
	}
	w.emailNeeded = true
	w.pendingQuestion = text
	w.appendLocked(protocol.RoleAgent, EmailPromptText)
	w.mu.Unlock()
	return nil
}

// SubmitEmail 提交邮箱。格式错误只在本地提示，不发请求
func (w *Widget) SubmitEmail(ctx context.Context, email string) error {
	email = strings.TrimSpace(email)
	if !protocol.ValidEmail(email) {
		w.mu.Lock()
		w.notice = NoticeInvalidEmail
		w.mu.Unlock()
		return ErrInvalidEmail
	}

	w.mu.Lock()
	room := w.roomID
	question := w.pendingQuestion
	w.notice = ""
	if question == "" {
		// 实时对话中管理员索要邮箱：本地保存并随消息带给服务端
		w.email = email
		w.emailNeeded = false
		w.rooms.SaveEmail(room, email)
		ch := w.ch
		connected := w.connected
		w.mu.Unlock()
		if connected {
			return w.emit(ch, protocol.EventUserMessage, protocol.TextPayload{Room: room, Text: "My email is " + email, Email: email})
		}
		return nil
	}
	w.mu.Unlock()
	return w.capture(ctx, room, email, question)
}

func (w *Widget) capture(ctx context.Context, room, email, question string) error {
	err := w.api.CaptureOffline(ctx, protocol.InboxRequest{Room: room, Email: email, Question: question})

	w.mu.Lock()
	if room != w.roomID {
		w.mu.Unlock()
		return nil
	}
	switch {
	case err == nil:
		w.email = email
		w.rooms.SaveEmail(room, email)
		w.emailNeeded = false
		w.pendingQuestion = ""
		w.appendLocked(protocol.RoleAgent, "Thank you! We received your question and will reply to "+email+" shortly.")
		w.mu.Unlock()
		return nil
	case errors.Is(err, protocol.ErrConflict):
		w.adminOnline = true
		relay := w.specialistAvailableLocked()
		w.mu.Unlock()
		w.relayPending(room, relay)
		return nil
	default:
		w.notice = NoticeCaptureFail
		w.mu.Unlock()
		w.log.Warn("offline capture failed", "room", room, "error", err)
		return err
	}
}

// specialistAvailableLocked 管理员上线抢占离线留言流程；幂等，只提示一次
func (w *Widget) specialistAvailableLocked() string {
	question := w.pendingQuestion
	w.emailNeeded = false
	w.pendingQuestion = ""
	w.appendLocked(protocol.RoleSystem, SpecialistOnline)
	if !w.connected || w.ch == nil {
		return ""
	}
	return question
}

func (w *Widget) relayPending(room, question string) {
	if question == "" {
		return
	}
	w.mu.Lock()
	ch := w.ch
	w.mu.Unlock()
	_ = w.emit(ch, protocol.EventUserMessage, protocol.TextPayload{Room: room, Text: question})
}

// EndChat 软结束：通知服务端，本地追加系统提示，然后换新房间号
func (w *Widget) EndChat() string {
	w.mu.Lock()
	old := w.roomID
	w.appendLocked(protocol.RoleSystem, ChatEndedText)

	room := w.rooms.RotateRoomID()
	w.roomID = room
	w.messages = []protocol.Message{newMessage(protocol.RoleAgent, WelcomeText)}
	w.rooms.SaveMessages(room, w.messages)
	w.email = w.rooms.LoadEmail(room)
	w.emailNeeded = false
	w.pendingQuestion = ""
	w.notice = ""
	ch := w.ch
	connected := w.connected
	w.mu.Unlock()

	if connected {
		_ = w.emit(ch, protocol.EventUserEnd, protocol.RoomRef{Room: old})
		_ = w.emit(ch, protocol.EventJoinRoom, protocol.RoomRef{Room: room})
	}
	return room
}

// OnConnect 加入房间并在去抖后探测管理员在线状态
func (w *Widget) OnConnect() {
	w.mu.Lock()
	w.connected = true
	room := w.roomID
	ch := w.ch
	w.resetProbeLocked()
	w.probeGen++
	gen := w.probeGen
	w.probe = time.AfterFunc(w.cfg.PresenceProbeDelay, func() { w.probePresence(gen) })
	w.mu.Unlock()

	_ = w.emit(ch, protocol.EventJoinRoom, protocol.RoomRef{Room: room})
}

// OnDisconnect 断线只清理探测定时器，重连后重新探测
func (w *Widget) OnDisconnect() {
	w.mu.Lock()
	w.connected = false
	w.resetProbeLocked()
	w.probeGen++
	w.mu.Unlock()
}

func (w *Widget) resetProbeLocked() {
	if w.probe != nil {
		w.probe.Stop()
		w.probe = nil
	}
}

func (w *Widget) probePresence(gen uint64) {
	w.mu.Lock()
	if gen != w.probeGen || !w.connected {
		w.mu.Unlock()
		return
	}
	ch := w.ch
	w.probe = nil
	w.mu.Unlock()
	_ = w.emit(ch, protocol.EventAdminStatusGet, nil)
}

// OnEvent 处理服务端推送
func (w *Widget) OnEvent(env protocol.Envelope) {
	switch env.Type {
	case protocol.EventAdminStatus:
		var p protocol.StatusPayload
		if err := env.Decode(&p); err != nil {
			w.log.Warn("bad admin_status", "error", err)
			return
		}
		w.setAdminOnline(p.Online)
	case protocol.EventUserMessage, protocol.EventAdminReply, protocol.EventAgentReply, protocol.EventSystem:
		var ev protocol.RoomEvent
		if err := env.Decode(&ev); err != nil {
			w.log.Warn("bad room event", "type", env.Type, "error", err)
			return
		}
		w.appendRemote(env.Type, ev)
	case protocol.EventRequestEmail:
		w.mu.Lock()
		if w.email == "" && !w.emailNeeded {
			w.emailNeeded = true
			w.appendLocked(protocol.RoleAgent, RequestEmailText)
		}
		w.mu.Unlock()
	case protocol.EventError:
		var p protocol.ErrorPayload
		_ = env.Decode(&p)
		w.log.Warn("server rejected event", "event", p.Event, "message", p.Message)
	}
}

func (w *Widget) setAdminOnline(online bool) {
	w.mu.Lock()
	w.adminOnline = online
	relay := ""
	room := w.roomID
	if online && w.emailNeeded && w.pendingQuestion != "" {
		relay = w.specialistAvailableLocked()
	}
	w.mu.Unlock()
	w.relayPending(room, relay)
}

func (w *Widget) appendRemote(event string, ev protocol.RoomEvent) {
	role := ev.Role
	switch event {
	case protocol.EventUserMessage:
		// 同一房间另一个标签页发出的消息（发送方本身不会收到回显）
		role = protocol.RoleUser
	case protocol.EventAdminReply:
		role = protocol.RoleAdmin
	case protocol.EventAgentReply:
		role = protocol.RoleAgent
	case protocol.EventSystem:
		role = protocol.RoleSystem
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if ev.Room != w.roomID && (ev.Room != "" || event == protocol.EventUserMessage) {
		return
	}
	msg := protocol.Message{ID: uuid.NewString(), Role: role, Text: ev.Text, TS: ev.TS}
	if msg.TS.IsZero() {
		msg.TS = time.Now().UTC()
	}
	w.messages = append(w.messages, msg)
	w.rooms.SaveMessages(w.roomID, w.messages)
}

func (w *Widget) liveLocked() bool {
	return w.ch != nil && w.connected && w.adminOnline
}

func (w *Widget) appendLocked(role protocol.Role, text string) {
	w.messages = append(w.messages, newMessage(role, text))
	w.rooms.SaveMessages(w.roomID, w.messages)
}

func (w *Widget) emit(ch Channel, event string, payload interface{}) error {
	if ch == nil {
		return nil
	}
	if err := ch.Emit(event, payload); err != nil {
		w.log.Warn("emit failed", "event", event, "error", err)
		w.mu.Lock()
		w.notice = NoticeSendFailed
		w.mu.Unlock()
		return err
	}
	return nil
}

func newMessage(role protocol.Role, text string) protocol.Message {
	return protocol.Message{ID: uuid.NewString(), Role: role, Text: text, TS: time.Now().UTC()}
}

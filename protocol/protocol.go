package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"
)

// ErrConflict 离线留言时管理员恰好上线（HTTP 409），不是错误而是回到实时对话
var ErrConflict = errors.New("a specialist is online")

// 实时通道事件名（客户端与服务端共用）
const (
	EventJoinRoom       = "agent:join_room"
	EventUserMessage    = "agent:user_message"
	EventAdminReply     = "agent:admin_reply"
	EventAgentReply     = "agent:agent_reply"
	EventSystem         = "agent:system"
	EventUserEnd        = "agent:user_end"
	EventUserEnded      = "agent:user_ended"
	EventGetHistory     = "agent:get_history"
	EventRoomHistory    = "agent:room_history"
	EventRequestEmail   = "agent:request_email"
	EventAdminStatusGet = "agent:admin_status:get"
	EventAdminStatus    = "agent:admin_status"
	EventError          = "agent:error"
)

// Role 消息角色（封闭集合）
type Role string

const (
	RoleUser   Role = "user"
	RoleAgent  Role = "agent"
	RoleAdmin  Role = "admin"
	RoleSystem Role = "system"
)

func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAgent, RoleAdmin, RoleSystem:
		return true
	}
	return false
}

// Envelope 通道上的每一帧：{"type": 事件名, "payload": 数据}
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope 序列化 payload 并包装成帧
func NewEnvelope(event string, payload interface{}) (Envelope, error) {
	env := Envelope{Type: event}
	if payload == nil {
		return env, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return env, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	env.Payload = raw
	return env, nil
}

// Decode 解析 payload；空 payload 视为 {}
func (e Envelope) Decode(v interface{}) error {
	if len(e.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// Message 一条聊天消息。ID 只用于客户端列表渲染，不是持久键
type Message struct {
	ID   string    `json:"id,omitempty"`
	Role Role      `json:"role"`
	Text string    `json:"text"`
	TS   time.Time `json:"ts"`
}

// UnmarshalJSON 兼容 REST 历史接口的别名字段：role|sender, text|message, ts|createdAt
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID        string     `json:"id"`
		Role      Role       `json:"role"`
		Sender    Role       `json:"sender"`
		Text      *string    `json:"text"`
		Message   *string    `json:"message"`
		TS        *time.Time `json:"ts"`
		CreatedAt *time.Time `json:"createdAt"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.ID = raw.ID
	m.Role = raw.Role
	if m.Role == "" {
		m.Role = raw.Sender
	}
	switch {
	case raw.Text != nil:
		m.Text = *raw.Text
	case raw.Message != nil:
		m.Text = *raw.Message
	default:
		m.Text = ""
	}
	switch {
	case raw.TS != nil:
		m.TS = *raw.TS
	case raw.CreatedAt != nil:
		m.TS = *raw.CreatedAt
	default:
		m.TS = time.Time{}
	}
	return nil
}

// RoomRef 只携带房间号的事件：join_room, user_end, get_history, request_email
type RoomRef struct {
	Room string `json:"room"`
}

// TextPayload 客户端发送文本：user_message, admin_reply。Email 仅访客在实时对话中留邮箱时携带
type TextPayload struct {
	Room  string `json:"room"`
	Text  string `json:"text"`
	Email string `json:"email,omitempty"`
}

// RoomEvent 服务端广播：user_message, admin_reply, agent_reply, system
type RoomEvent struct {
	Room  string    `json:"room"`
	Role  Role      `json:"role"`
	Text  string    `json:"text"`
	TS    time.Time `json:"ts"`
	Email string    `json:"email,omitempty"`
}

// Message 转换为消息
func (e RoomEvent) Message(id string) Message {
	return Message{ID: id, Role: e.Role, Text: e.Text, TS: e.TS}
}

// StatusPayload admin_status
type StatusPayload struct {
	Online bool `json:"online"`
}

// History room_history 以及 REST 历史响应
type History struct {
	Room     string    `json:"room,omitempty"`
	Messages []Message `json:"messages"`
	Email    string    `json:"email,omitempty"`
}

// ErrorPayload 服务端拒绝某个事件时回送
type ErrorPayload struct {
	Event   string `json:"event"`
	Message string `json:"message"`
}

// RoomSummary 管理端房间列表项
type RoomSummary struct {
	RoomID    string    `json:"roomId"`
	LastMsgAt time.Time `json:"lastMsgAt"`
	Unread    int       `json:"unread"`
	Email     string    `json:"email,omitempty"`
	Online    bool      `json:"online"`
	Ended     bool      `json:"ended"`
}

type RoomList struct {
	Items []RoomSummary `json:"items"`
	Total int64         `json:"total"`
}

type MessagePage struct {
	Items []Message `json:"items"`
	Email string    `json:"email,omitempty"`
}

type InboxRequest struct {
	Room     string `json:"room"`
	Email    string `json:"email"`
	Question string `json:"question"`
}

type ForwardRequest struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
}

type PresenceBody struct {
	Online bool `json:"online"`
}

type SearchResult struct {
	Answer string `json:"answer,omitempty"`
}

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// ValidEmail 简化版邮箱校验，客户端与服务端共用
func ValidEmail(email string) bool {
	return emailPattern.MatchString(email)
}

// RoomQuery 房间列表分页与搜索
type RoomQuery struct {
	Page   int
	Limit  int
	Search string
}

type SearchRequest struct {
	Text string `json:"text"`
	Room string `json:"room,omitempty"`
}

// InboxStatus 离线留言处理状态，只能前进
type InboxStatus string

const (
	InboxQueued     InboxStatus = "queued"
	InboxInProgress InboxStatus = "in_progress"
	InboxDone       InboxStatus = "done"
)

func (s InboxStatus) Rank() int {
	switch s {
	case InboxQueued:
		return 1
	case InboxInProgress:
		return 2
	case InboxDone:
		return 3
	}
	return 0
}

type InboxItem struct {
	ID        uint        `json:"id"`
	Room      string      `json:"room"`
	Email     string      `json:"email"`
	Question  string      `json:"question"`
	Status    InboxStatus `json:"status"`
	CreatedAt time.Time   `json:"createdAt"`
	UpdatedAt time.Time   `json:"updatedAt"`
}

type InboxList struct {
	Items []InboxItem `json:"items"`
	Total int64       `json:"total"`
}

type InboxStatusUpdate struct {
	Status InboxStatus `json:"status"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	Username  string    `json:"username"`
}

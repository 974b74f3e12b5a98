package roomstore

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"khisima/logger"
	"khisima/protocol"

	"github.com/google/uuid"
)

const (
	RoomKey        = "khisima_agent_room"
	messagesPrefix = "khisima_agent_msgs_"
	emailPrefix    = "khisima_agent_email_"
)

func MessagesKey(room string) string { return messagesPrefix + room }
func EmailKey(room string) string    { return emailPrefix + room }

// RoomStore 访客房间身份与本地历史。存储异常一律降级为空，不向上抛
type RoomStore struct {
	store Store
	log   *logger.Logger
	now   func() time.Time
}

func New(store Store, log *logger.Logger) *RoomStore {
	if log == nil {
		log = logger.Nop()
	}
	return &RoomStore{store: store, log: log.With("component", "RoomStore"), now: time.Now}
}

// NewRoomID {uuid}-{毫秒时间戳}；uuid 失败时退回随机十六进制
func (s *RoomStore) NewRoomID() string {
	id, err := uuid.NewRandom()
	var head string
	if err == nil {
		head = id.String()
	} else {
		buf := make([]byte, 16)
		if _, rerr := rand.Read(buf); rerr == nil {
			head = hex.EncodeToString(buf)
		} else {
			head = fmt.Sprintf("room%x", s.now().UnixNano())
		}
	}
	return fmt.Sprintf("%s-%d", head, s.now().UnixMilli())
}

// GetOrCreateRoomID 读取固定键；不存在则生成并先写入再返回
func (s *RoomStore) GetOrCreateRoomID() string {
	if v, ok, err := s.store.Get(RoomKey); err == nil && ok && v != "" {
		return v
	} else if err != nil {
		s.log.Warn("read room id failed", "error", err)
	}
	id := s.NewRoomID()
	s.write(RoomKey, id)
	return id
}

// RotateRoomID 总是生成新房间号并覆盖；旧房间历史保留在旧键下
func (s *RoomStore) RotateRoomID() string {
	id := s.NewRoomID()
	s.write(RoomKey, id)
	return id
}

func (s *RoomStore) LoadMessages(room string) []protocol.Message {
	raw, ok, err := s.store.Get(MessagesKey(room))
	if err != nil {
		s.log.Warn("read history failed", "room", room, "error", err)
		return []protocol.Message{}
	}
	if !ok || raw == "" {
		return []protocol.Message{}
	}
	var msgs []protocol.Message
	if err := json.Unmarshal([]byte(raw), &msgs); err != nil {
		s.log.Warn("decode history failed", "room", room, "error", err)
		return []protocol.Message{}
	}
	return msgs
}

func (s *RoomStore) SaveMessages(room string, msgs []protocol.Message) {
	raw, err := json.Marshal(msgs)
	if err != nil {
		s.log.Warn("encode history failed", "room", room, "error", err)
		return
	}
	s.write(MessagesKey(room), string(raw))
}

func (s *RoomStore) AppendMessage(room string, msg protocol.Message) []protocol.Message {
	msgs := append(s.LoadMessages(room), msg)
	s.SaveMessages(room, msgs)
	return msgs
}

func (s *RoomStore) LoadEmail(room string) string {
	v, ok, err := s.store.Get(EmailKey(room))
	if err != nil || !ok {
		return ""
	}
	return v
}

func (s *RoomStore) SaveEmail(room, email string) {
	s.write(EmailKey(room), email)
}

// Clear 删除某房间的本地历史与邮箱
func (s *RoomStore) Clear(room string) {
	for _, key := range []string{MessagesKey(room), EmailKey(room)} {
		if err := s.store.Delete(key); err != nil {
			s.log.Warn("clear key failed", "key", key, "error", err)
		}
	}
}

func (s *RoomStore) write(key, value string) {
	if err := s.store.Set(key, value); err != nil {
		s.log.Warn("write store failed", "key", key, "error", err)
	}
}

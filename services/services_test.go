package services

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"khisima/config"
	"khisima/models"
	"khisima/protocol"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "agent.db")), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, models.AutoMigrateAll(db))
	return db
}

func newTestWriter(t *testing.T, db *gorm.DB) *MessageWriter {
	t.Helper()
	w := NewMessageWriter(db, 4, 100, nil)
	t.Cleanup(w.Close)
	return w
}

func flush(t *testing.T, w *MessageWriter, room string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, w.Flush(ctx, room))
}

func seed(t *testing.T, w *MessageWriter, room string, msgs ...RoomMessage) {
	t.Helper()
	base := time.Now().UTC().Truncate(time.Microsecond)
	for i, m := range msgs {
		m.Room = room
		if m.TS.IsZero() {
			m.TS = base.Add(time.Duration(i) * time.Millisecond)
		}
		require.True(t, w.Enqueue(m))
	}
	flush(t, w, room)
}

func TestWriterKeepsRoomOrder(t *testing.T) {
	db := newTestDB(t)
	w := newTestWriter(t, db)
	rooms := NewRoomService(db, nil, nil)

	base := time.Now().UTC().Truncate(time.Microsecond)
	for i := 0; i < 50; i++ {
		role := protocol.RoleUser
		if i%2 == 1 {
			role = protocol.RoleAdmin
		}
		require.True(t, w.Enqueue(RoomMessage{Room: "r1", Role: role, Text: string(rune('a' + i%26)), TS: base.Add(time.Duration(i) * time.Microsecond)}))
	}
	flush(t, w, "r1")

	h, err := rooms.History(context.Background(), "r1")
	require.NoError(t, err)
	require.Len(t, h.Messages, 50)
	for i := 1; i < len(h.Messages); i++ {
		require.True(t, h.Messages[i].TS.After(h.Messages[i-1].TS))
	}

	var room models.AgentRoom
	require.NoError(t, db.First(&room, "id = ?", "r1").Error)
	require.Equal(t, 25, room.Unread)
}

func TestWriterMarksEndedAndEmail(t *testing.T) {
	db := newTestDB(t)
	w := newTestWriter(t, db)
	seed(t, w, "r2",
		RoomMessage{Role: protocol.RoleUser, Text: "hello", Email: "ana@example.com"},
		RoomMessage{Role: protocol.RoleSystem, Text: "ended", Ended: true},
	)

	var room models.AgentRoom
	require.NoError(t, db.First(&room, "id = ?", "r2").Error)
	require.True(t, room.Ended)
	require.Equal(t, "ana@example.com", room.Email)
}

func TestWriterRejectsAfterClose(t *testing.T) {
	db := newTestDB(t)
	w := NewMessageWriter(db, 1, 1, nil)
	w.Close()
	require.False(t, w.Enqueue(RoomMessage{Room: "r", Role: protocol.RoleUser, Text: "x"}))
	require.NoError(t, w.Flush(context.Background(), "r"))
}

func TestListRoomsSearchAndOnline(t *testing.T) {
	db := newTestDB(t)
	w := newTestWriter(t, db)
	tracker := NewMemoryTracker()
	rooms := NewRoomService(db, tracker, nil)
	ctx := context.Background()

	seed(t, w, "alpha", RoomMessage{Role: protocol.RoleUser, Text: "hi"})
	seed(t, w, "beta", RoomMessage{Role: protocol.RoleUser, Text: "hi", Email: "Jean@Acme.com"})
	require.NoError(t, tracker.Join(ctx, "beta", "c1", string(protocol.RoleUser)))

	list, err := rooms.ListRooms(ctx, protocol.RoomQuery{})
	require.NoError(t, err)
	require.EqualValues(t, 2, list.Total)
	require.Equal(t, "beta", list.Items[0].RoomID)
	require.True(t, list.Items[0].Online)
	require.False(t, list.Items[1].Online)

	list, err = rooms.ListRooms(ctx, protocol.RoomQuery{Search: "acme"})
	require.NoError(t, err)
	require.EqualValues(t, 1, list.Total)
	require.Equal(t, "beta", list.Items[0].RoomID)

	list, err = rooms.ListRooms(ctx, protocol.RoomQuery{Page: 2, Limit: 1})
	require.NoError(t, err)
	require.Len(t, list.Items, 1)
	require.Equal(t, "alpha", list.Items[0].RoomID)
}

func TestMessagesResetsUnread(t *testing.T) {
	db := newTestDB(t)
	w := newTestWriter(t, db)
	rooms := NewRoomService(db, nil, nil)
	ctx := context.Background()

	seed(t, w, "r3",
		RoomMessage{Role: protocol.RoleUser, Text: "one"},
		RoomMessage{Role: protocol.RoleUser, Text: "two"},
		RoomMessage{Role: protocol.RoleAdmin, Text: "three"},
	)
	page, err := rooms.Messages(ctx, "r3", 1, 2)
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	require.Equal(t, "one", page.Items[0].Text)

	list, err := rooms.ListRooms(ctx, protocol.RoomQuery{})
	require.NoError(t, err)
	require.Equal(t, 0, list.Items[0].Unread)

	_, err = rooms.Messages(ctx, "missing", 1, 10)
	require.ErrorIs(t, err, ErrRoomNotFound)
}

func TestHistoryUnknownRoomIsEmpty(t *testing.T) {
	rooms := NewRoomService(newTestDB(t), nil, nil)
	h, err := rooms.History(context.Background(), "nobody")
	require.NoError(t, err)
	require.Equal(t, "nobody", h.Room)
	require.NotNil(t, h.Messages)
	require.Empty(t, h.Messages)
}

func TestDeleteRoom(t *testing.T) {
	db := newTestDB(t)
	w := newTestWriter(t, db)
	tracker := NewMemoryTracker()
	rooms := NewRoomService(db, tracker, nil)
	ctx := context.Background()

	seed(t, w, "gone", RoomMessage{Role: protocol.RoleUser, Text: "bye"})
	require.NoError(t, tracker.Join(ctx, "gone", "c1", string(protocol.RoleUser)))
	require.NoError(t, rooms.DeleteRoom(ctx, "gone"))

	var count int64
	require.NoError(t, db.Model(&models.AgentMessage{}).Where("room_id = ?", "gone").Count(&count).Error)
	require.Zero(t, count)
	online, err := tracker.VisitorOnline(ctx, "gone")
	require.NoError(t, err)
	require.False(t, online)

	require.ErrorIs(t, rooms.DeleteRoom(ctx, "gone"), ErrRoomNotFound)
}

type recordedEvent struct {
	topic, key string
	value      []byte
}

type fakePublisher struct {
	mu     sync.Mutex
	events []recordedEvent
	err    error
}

func (p *fakePublisher) Publish(_ context.Context, topic, key string, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, recordedEvent{topic: topic, key: key, value: value})
	return nil
}

func TestInboxConflictWhenOnline(t *testing.T) {
	db := newTestDB(t)
	store := NewMemoryPresence()
	presence := NewPresenceService(store, nil)
	pub := &fakePublisher{}
	inbox := NewInboxService(db, presence, NewRoomService(db, nil, nil), pub, "agent.inbox", nil)
	ctx := context.Background()

	req := protocol.InboxRequest{Room: "r1", Email: "ana@example.com", Question: "Do you translate contracts?"}
	require.NoError(t, presence.SetOnline(ctx, true))
	_, err := inbox.Create(ctx, req)
	require.ErrorIs(t, err, ErrInboxConflict)

	require.NoError(t, presence.SetOnline(ctx, false))
	entry, err := inbox.Create(ctx, req)
	require.NoError(t, err)
	require.Equal(t, string(protocol.InboxQueued), entry.Status)

	var room models.AgentRoom
	require.NoError(t, db.First(&room, "id = ?", "r1").Error)
	require.Equal(t, "ana@example.com", room.Email)

	require.Len(t, pub.events, 1)
	require.Equal(t, "agent.inbox", pub.events[0].topic)
	require.Equal(t, "r1", pub.events[0].key)
	var ev InboxEvent
	require.NoError(t, json.Unmarshal(pub.events[0].value, &ev))
	require.Equal(t, entry.ID, ev.ID)
}

func TestInboxValidation(t *testing.T) {
	db := newTestDB(t)
	inbox := NewInboxService(db, NewPresenceService(NewMemoryPresence(), nil), NewRoomService(db, nil, nil), nil, "", nil)
	ctx := context.Background()

	_, err := inbox.Create(ctx, protocol.InboxRequest{Room: "r", Email: "nope", Question: "q q"})
	require.ErrorIs(t, err, ErrInvalidEmail)
	_, err = inbox.Create(ctx, protocol.InboxRequest{Room: "r", Email: "a@b.co", Question: "  "})
	require.ErrorIs(t, err, ErrEmptyQuestion)
	_, err = inbox.Create(ctx, protocol.InboxRequest{Room: "", Email: "a@b.co", Question: "q"})
	require.ErrorIs(t, err, ErrInvalidRoom)
}

func TestInboxStatusIsMonotonic(t *testing.T) {
	db := newTestDB(t)
	inbox := NewInboxService(db, NewPresenceService(NewMemoryPresence(), nil), NewRoomService(db, nil, nil), nil, "", nil)
	ctx := context.Background()

	entry, err := inbox.Create(ctx, protocol.InboxRequest{Room: "r", Email: "a@b.co", Question: "rates please"})
	require.NoError(t, err)

	item, err := inbox.UpdateStatus(ctx, entry.ID, protocol.InboxInProgress)
	require.NoError(t, err)
	require.Equal(t, protocol.InboxInProgress, item.Status)

	_, err = inbox.UpdateStatus(ctx, entry.ID, protocol.InboxQueued)
	require.ErrorIs(t, err, ErrStatusRegression)

	item, err = inbox.UpdateStatus(ctx, entry.ID, protocol.InboxDone)
	require.NoError(t, err)
	require.Equal(t, protocol.InboxDone, item.Status)

	_, err = inbox.UpdateStatus(ctx, entry.ID, "archived")
	require.ErrorIs(t, err, ErrInvalidStatus)
	_, err = inbox.UpdateStatus(ctx, 9999, protocol.InboxDone)
	require.ErrorIs(t, err, ErrInboxNotFound)

	list, err := inbox.List(ctx, protocol.InboxDone, 1, 10)
	require.NoError(t, err)
	require.EqualValues(t, 1, list.Total)
	list, err = inbox.List(ctx, protocol.InboxQueued, 1, 10)
	require.NoError(t, err)
	require.Zero(t, list.Total)
}

const testKnowledge = `
entries:
  - id: payment
    phrases: ["payment", "mobile money", "bank transfer"]
    answer: We accept bank transfer and mobile money.
  - id: formats
    phrases: ["pdf", "scanned"]
    answer: We accept PDF and scanned documents.
`

type recordedPost struct {
	room, event string
	role        protocol.Role
	text        string
}

type fakeRecorder struct {
	posts []recordedPost
}

func (r *fakeRecorder) RecordForAdmins(room, event string, role protocol.Role, text string) {
	r.posts = append(r.posts, recordedPost{room, event, role, text})
}

func TestKnowledgeBaseMatch(t *testing.T) {
	kb, err := ParseKnowledgeBase([]byte(testKnowledge))
	require.NoError(t, err)

	answer, ok := kb.Match("Can I pay by Mobile Money or bank transfer?")
	require.True(t, ok)
	require.Contains(t, answer, "mobile money")

	_, ok = kb.Match("is there parking nearby")
	require.False(t, ok)

	_, err = ParseKnowledgeBase([]byte("entries:\n  - id: empty\n    phrases: [x]\n"))
	require.Error(t, err)
}

func TestSearchRecordsKnowledgeAnswers(t *testing.T) {
	kb, err := ParseKnowledgeBase([]byte(testKnowledge))
	require.NoError(t, err)
	rec := &fakeRecorder{}
	search := NewSearchService(kb, rec, nil)
	ctx := context.Background()

	answer, err := search.Search(ctx, "Do you take scanned pdf files?", "r1")
	require.NoError(t, err)
	require.Contains(t, answer, "PDF")
	require.Len(t, rec.posts, 2)
	require.Equal(t, protocol.EventUserMessage, rec.posts[0].event)
	require.Equal(t, protocol.RoleAgent, rec.posts[1].role)

	answer, err = search.Search(ctx, "is there parking nearby", "r1")
	require.NoError(t, err)
	require.Empty(t, answer)
	require.Len(t, rec.posts, 2)

	_, err = search.Search(ctx, "   ", "")
	require.ErrorIs(t, err, ErrEmptyMessage)
}

type fakeMailer struct {
	mu   sync.Mutex
	sent []Mail
}

func (m *fakeMailer) Send(_ context.Context, mail Mail) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, mail)
	return nil
}

func TestForwardTranscriptDirect(t *testing.T) {
	db := newTestDB(t)
	w := newTestWriter(t, db)
	rooms := NewRoomService(db, nil, nil)
	mailer := &fakeMailer{}
	svc := NewTranscriptService(rooms, w, nil, "", mailer, "agent@khisima.com", nil)
	ctx := context.Background()

	w.Enqueue(RoomMessage{Room: "r1", Role: protocol.RoleUser, Text: "Need a sworn translation", Email: "ana@example.com", TS: time.Now().UTC()})
	require.NoError(t, svc.Forward(ctx, "r1", protocol.ForwardRequest{To: "desk@khisima.com"}))

	require.Len(t, mailer.sent, 1)
	mail := mailer.sent[0]
	require.Equal(t, "Chat transcript", mail.Subject)
	require.Equal(t, "ana@example.com", mail.ReplyTo)
	require.Contains(t, mail.Body, "Need a sworn translation")

	require.ErrorIs(t, svc.Forward(ctx, "r1", protocol.ForwardRequest{To: "bad"}), ErrInvalidEmail)
	require.ErrorIs(t, svc.Forward(ctx, "nope", protocol.ForwardRequest{To: "desk@khisima.com"}), ErrRoomNotFound)
}

func TestForwardTranscriptViaTopic(t *testing.T) {
	db := newTestDB(t)
	w := newTestWriter(t, db)
	rooms := NewRoomService(db, nil, nil)
	pub := &fakePublisher{}
	mailer := &fakeMailer{}
	svc := NewTranscriptService(rooms, w, pub, "agent.transcripts", mailer, "agent@khisima.com", nil)
	ctx := context.Background()

	seed(t, w, "r1", RoomMessage{Role: protocol.RoleUser, Text: "hello there"})
	require.NoError(t, svc.Forward(ctx, "r1", protocol.ForwardRequest{To: "desk@khisima.com", Subject: "Lead"}))
	require.Empty(t, mailer.sent)
	require.Len(t, pub.events, 1)

	// 消费端收到同一条消息后发信
	require.NoError(t, svc.HandleTranscriptMessage(ctx, pub.events[0].value))
	require.Len(t, mailer.sent, 1)
	require.Equal(t, "Lead", mailer.sent[0].Subject)
}

func TestInboxNotifier(t *testing.T) {
	mailer := &fakeMailer{}
	n := NewInboxNotifier(mailer, "agent@khisima.com", "desk@khisima.com")
	value, err := json.Marshal(InboxEvent{ID: 1, Room: "r1", Email: "ana@example.com", Question: "Rates for French?"})
	require.NoError(t, err)
	require.NoError(t, n.HandleInboxMessage(context.Background(), value))
	require.Len(t, mailer.sent, 1)
	require.Equal(t, "desk@khisima.com", mailer.sent[0].To)
	require.Contains(t, mailer.sent[0].Body, "Rates for French?")

	require.Error(t, n.HandleInboxMessage(context.Background(), []byte("{")))
}

func TestMemoryPresenceNotifiesWatchers(t *testing.T) {
	presence := NewPresenceService(NewMemoryPresence(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan bool, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		presence.Watch(ctx, func(online bool) {
			select {
			case got <- online:
			default:
			}
		})
	}()

	// 订阅可能晚于第一次写入，重复写直到收到通知
	require.Eventually(t, func() bool {
		_ = presence.SetOnline(context.Background(), true)
		select {
		case v := <-got:
			return v
		default:
			return false
		}
	}, 2*time.Second, 20*time.Millisecond)

	online, err := presence.Online(context.Background())
	require.NoError(t, err)
	require.True(t, online)
	cancel()
	<-done
}

func TestAuthLoginAndToken(t *testing.T) {
	db := newTestDB(t)
	auth := NewAuthService(db, &config.AuthConfig{JWTSecret: "0123456789abcdef-secret", TokenExpiry: 1})
	ctx := context.Background()

	admin, err := auth.EnsureAdmin(ctx, "desk", "s3cret")
	require.NoError(t, err)
	require.True(t, admin.IsAdmin())

	_, err = auth.Login(ctx, "desk", "wrong")
	require.ErrorIs(t, err, ErrInvalidCredentials)

	user, err := auth.Login(ctx, "desk", "s3cret")
	require.NoError(t, err)
	resp, err := auth.GenerateToken(user)
	require.NoError(t, err)
	require.Equal(t, "desk", resp.Username)

	loaded, err := auth.UserFromToken(ctx, resp.Token)
	require.NoError(t, err)
	require.Equal(t, user.ID, loaded.ID)

	other := NewAuthService(db, &config.AuthConfig{JWTSecret: "another-secret-entirely"})
	_, err = other.UserFromToken(ctx, resp.Token)
	require.Error(t, err)

	// 重复初始化只重置密码
	_, err = auth.EnsureAdmin(ctx, "desk", "n3w")
	require.NoError(t, err)
	_, err = auth.Login(ctx, "desk", "n3w")
	require.NoError(t, err)
	var count int64
	require.NoError(t, db.Model(&models.User{}).Count(&count).Error)
	require.EqualValues(t, 1, count)
}

package handlers

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"khisima/models"
	"khisima/protocol"
	"khisima/services"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type fakeWriter struct {
	mu   sync.Mutex
	msgs []services.RoomMessage
}

func (w *fakeWriter) Enqueue(msg services.RoomMessage) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msgs = append(w.msgs, msg)
	return true
}

func (w *fakeWriter) snapshot() []services.RoomMessage {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]services.RoomMessage(nil), w.msgs...)
}

func newTestClient(id string, role protocol.Role, buffer int) *AgentClient {
	ctx, cancel := context.WithCancel(context.Background())
	return &AgentClient{
		ID:     id,
		Role:   role,
		Send:   make(chan protocol.Envelope, buffer),
		ctx:    ctx,
		cancel: cancel,
	}
}

func recv(t *testing.T, c *AgentClient) protocol.Envelope {
	t.Helper()
	select {
	case env := <-c.Send:
		return env
	case <-time.After(2 * time.Second):
		t.Fatalf("client %s received nothing", c.ID)
		return protocol.Envelope{}
	}
}

func TestHubPostAudience(t *testing.T) {
	w := &fakeWriter{}
	h := NewAgentHub(w, nil, nil)
	defer h.Close()

	admin := newTestClient("admin", protocol.RoleAdmin, 8)
	visitor := newTestClient("visitor", protocol.RoleUser, 8)
	other := newTestClient("other", protocol.RoleUser, 8)
	h.JoinLobby(admin)
	h.Join(visitor, "r1")
	h.Join(other, "r2")

	h.PostToRoom("r1", &RoomPost{Type: protocol.EventUserMessage, Role: protocol.RoleUser, Text: "hi",
		SenderID: visitor.ID, Audience: toRoom | toAdmins, Persist: true})

	var ev protocol.RoomEvent
	require.NoError(t, recv(t, admin).Decode(&ev))
	require.Equal(t, "r1", ev.Room)
	require.Equal(t, "hi", ev.Text)

	h.PostToRoom("r1", &RoomPost{Type: protocol.EventAdminReply, Role: protocol.RoleAdmin, Text: "hello",
		SenderID: admin.ID, Audience: toRoom | toAdmins, Persist: true})
	env := recv(t, visitor)
	require.Equal(t, protocol.EventAdminReply, env.Type)

	// 发送者和其他房间都收不到
	time.Sleep(50 * time.Millisecond)
	require.Len(t, admin.Send, 0)
	require.Len(t, other.Send, 0)

	require.Eventually(t, func() bool { return len(w.snapshot()) == 2 }, time.Second, 10*time.Millisecond)
}

func TestHubTimestampsIncrease(t *testing.T) {
	w := &fakeWriter{}
	h := NewAgentHub(w, nil, nil)
	defer h.Close()

	for i := 0; i < 50; i++ {
		h.RecordForAdmins("r1", protocol.EventUserMessage, protocol.RoleUser, "q")
	}
	require.Eventually(t, func() bool { return len(w.snapshot()) == 50 }, 2*time.Second, 10*time.Millisecond)
	msgs := w.snapshot()
	for i := 1; i < len(msgs); i++ {
		require.True(t, msgs[i].TS.After(msgs[i-1].TS))
	}
}

func TestHubEvictsSlowClient(t *testing.T) {
	h := NewAgentHub(nil, nil, nil)
	defer h.Close()

	slow := newTestClient("slow", protocol.RoleUser, 1)
	fast := newTestClient("fast", protocol.RoleUser, 8)
	h.Join(slow, "r1")
	h.Join(fast, "r1")

	for i := 0; i < 3; i++ {
		h.PostToRoom("r1", &RoomPost{Type: protocol.EventAdminReply, Role: protocol.RoleAdmin, Text: "x", Audience: toRoom})
	}
	select {
	case <-slow.ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("slow client was not disconnected")
	}
	require.Eventually(t, func() bool { return len(fast.Send) == 3 }, time.Second, 10*time.Millisecond)
	require.NoError(t, fast.ctx.Err())
}

func TestHubTracksVisitorsAndReclaimsIdleRooms(t *testing.T) {
	tracker := services.NewMemoryTracker()
	h := NewAgentHub(nil, tracker, nil)
	h.idleTTL = 20 * time.Millisecond
	defer h.Close()
	ctx := context.Background()

	visitor := newTestClient("visitor", protocol.RoleUser, 8)
	h.Join(visitor, "r1")
	require.Eventually(t, func() bool {
		online, _ := tracker.VisitorOnline(ctx, "r1")
		return online
	}, time.Second, 5*time.Millisecond)

	h.Leave(visitor)
	require.Eventually(t, func() bool {
		online, _ := tracker.VisitorOnline(ctx, "r1")
		h.mu.RLock()
		_, exists := h.rooms["r1"]
		h.mu.RUnlock()
		return !online && !exists
	}, time.Second, 5*time.Millisecond)

	// 回收后的房间按需重建
	h.Join(visitor, "r1")
	h.PostToRoom("r1", &RoomPost{Type: protocol.EventAdminReply, Role: protocol.RoleAdmin, Text: "back", Audience: toRoom})
	require.Equal(t, protocol.EventAdminReply, recv(t, visitor).Type)
}

func TestHubBroadcastAllAndClose(t *testing.T) {
	h := NewAgentHub(nil, nil, nil)

	admin := newTestClient("admin", protocol.RoleAdmin, 8)
	visitor := newTestClient("visitor", protocol.RoleUser, 8)
	h.JoinLobby(admin)
	h.Join(visitor, "r1")

	env, err := protocol.NewEnvelope(protocol.EventAdminStatus, protocol.StatusPayload{Online: true})
	require.NoError(t, err)
	h.BroadcastAll(env)
	require.Equal(t, protocol.EventAdminStatus, recv(t, admin).Type)
	require.Equal(t, protocol.EventAdminStatus, recv(t, visitor).Type)

	h.Close()
	require.Error(t, admin.ctx.Err())
	require.Error(t, visitor.ctx.Err())
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "hub.db")), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, models.AutoMigrateAll(db))
	return db
}

func historyLoader(w *services.MessageWriter, rooms *services.RoomService, room string) func() (protocol.History, error) {
	return func() (protocol.History, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := w.Flush(ctx, room); err != nil {
			return protocol.History{}, err
		}
		return rooms.History(ctx, room)
	}
}

// 历史快照必须恰好包含该连接此前已收到的全部实时事件
func TestHubHistoryMatchesDeliveredEvents(t *testing.T) {
	db := newTestDB(t)
	w := services.NewMessageWriter(db, 2, 1000, nil)
	defer w.Close()
	rooms := services.NewRoomService(db, nil, nil)
	h := NewAgentHub(w, nil, nil)
	defer h.Close()

	admin := newTestClient("admin", protocol.RoleAdmin, 1024)
	h.JoinLobby(admin)
	load := historyLoader(w, rooms, "r1")

	const total, requests = 200, 40
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < total; i++ {
			h.PostToRoom("r1", &RoomPost{Type: protocol.EventUserMessage, Role: protocol.RoleUser,
				Text: fmt.Sprintf("m%03d", i), Audience: toRoom | toAdmins, Persist: true})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < requests; i++ {
			h.RequestHistory("r1", admin, load)
			time.Sleep(100 * time.Microsecond)
		}
	}()
	wg.Wait()
	h.RequestHistory("r1", admin, load)

	seen, histories := 0, 0
	for histories < requests+1 {
		env := recv(t, admin)
		switch env.Type {
		case protocol.EventUserMessage:
			seen++
		case protocol.EventRoomHistory:
			histories++
			var hist protocol.History
			require.NoError(t, env.Decode(&hist))
			require.Len(t, hist.Messages, seen)
			if seen > 0 {
				require.Equal(t, fmt.Sprintf("m%03d", seen-1), hist.Messages[seen-1].Text)
			}
		default:
			t.Fatalf("unexpected event %s", env.Type)
		}
	}
	require.Equal(t, total, seen)
}

func TestHubHistoryForVisitorAndLoadError(t *testing.T) {
	h := NewAgentHub(nil, nil, nil)
	defer h.Close()

	visitor := newTestClient("visitor", protocol.RoleUser, 8)
	other := newTestClient("other", protocol.RoleUser, 8)
	h.Join(visitor, "r1")
	h.Join(other, "r1")

	h.RequestHistory("r1", visitor, func() (protocol.History, error) {
		return protocol.History{Room: "r1", Messages: []protocol.Message{}}, nil
	})
	require.Equal(t, protocol.EventRoomHistory, recv(t, visitor).Type)

	h.RequestHistory("r1", visitor, func() (protocol.History, error) {
		return protocol.History{}, fmt.Errorf("db down")
	})
	var p protocol.ErrorPayload
	require.NoError(t, recv(t, visitor).Decode(&p))
	require.Equal(t, protocol.EventGetHistory, p.Event)

	// 只回给请求者
	time.Sleep(50 * time.Millisecond)
	require.Len(t, other.Send, 0)
}

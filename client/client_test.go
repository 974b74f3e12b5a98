package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"khisima/protocol"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func TestCaptureOfflineConflict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/agent/inbox", r.URL.Path)
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":"a specialist is online"}`))
	}))
	defer srv.Close()

	err := NewAPI(srv.URL, nil).CaptureOffline(context.Background(), protocol.InboxRequest{Room: "r", Email: "a@b.co", Question: "q"})
	require.ErrorIs(t, err, protocol.ErrConflict)
}

func TestAPIErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid email"}`))
	}))
	defer srv.Close()

	err := NewAPI(srv.URL, nil).CaptureOffline(context.Background(), protocol.InboxRequest{})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusBadRequest, apiErr.Status)
	require.Equal(t, "invalid email", apiErr.Message)
}

func TestLoginStoresTokenForAdminCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/auth/login":
			json.NewEncoder(w).Encode(protocol.LoginResponse{Token: "tok-1", Username: "ops"})
		case "/api/agent/rooms":
			require.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
			require.Equal(t, "2", r.URL.Query().Get("page"))
			require.Equal(t, "acme", r.URL.Query().Get("search"))
			json.NewEncoder(w).Encode(protocol.RoomList{Items: []protocol.RoomSummary{{RoomID: "r1", Unread: 3}}, Total: 1})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	api := NewAPI(srv.URL, nil)
	ctx := context.Background()
	_, err := api.Login(ctx, "ops", "pw")
	require.NoError(t, err)

	list, err := api.ListRooms(ctx, protocol.RoomQuery{Page: 2, Limit: 20, Search: "acme"})
	require.NoError(t, err)
	require.Equal(t, int64(1), list.Total)
	require.Equal(t, 3, list.Items[0].Unread)
}

func TestRoomMessagesAcceptsAliases(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/agent/rooms/room-1/messages", r.URL.Path)
		w.Write([]byte(`{"items":[{"sender":"user","message":"hi","createdAt":"2025-01-01T00:00:00Z"}],"email":"v@x.io"}`))
	}))
	defer srv.Close()

	h, err := NewAPI(srv.URL, nil).RoomMessages(context.Background(), "room-1", 1, 50)
	require.NoError(t, err)
	require.Equal(t, "room-1", h.Room)
	require.Equal(t, "v@x.io", h.Email)
	require.Equal(t, "hi", h.Messages[0].Text)
	require.Equal(t, protocol.RoleUser, h.Messages[0].Role)
}

func TestDeleteRoomNoContent(t *testing.T) {
	var method string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	require.NoError(t, NewAPI(srv.URL, nil).DeleteRoom(context.Background(), "room-1"))
	require.Equal(t, http.MethodDelete, method)
}

type recorder struct {
	mu         sync.Mutex
	connects   int
	disconnect int
	events     []protocol.Envelope
}

func (r *recorder) OnConnect() {
	r.mu.Lock()
	r.connects++
	r.mu.Unlock()
}

func (r *recorder) OnDisconnect() {
	r.mu.Lock()
	r.disconnect++
	r.mu.Unlock()
}

func (r *recorder) OnEvent(env protocol.Envelope) {
	r.mu.Lock()
	r.events = append(r.events, env)
	r.mu.Unlock()
}

func (r *recorder) snapshot() (int, int, []protocol.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connects, r.disconnect, append([]protocol.Envelope(nil), r.events...)
}

func TestSocketEchoAndReconnect(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var mu sync.Mutex
	var queries []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		queries = append(queries, r.URL.RawQuery)
		first := len(queries) == 1
		mu.Unlock()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		conn.WriteJSON(env)
		if first {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	rec := &recorder{}
	sock, err := Dial(context.Background(), srv.URL, rec, SocketOptions{
		Room:       "room-1",
		Role:       protocol.RoleUser,
		MinBackoff: 10 * time.Millisecond,
		MaxBackoff: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	defer sock.Close()

	require.Eventually(t, sock.Connected, time.Second, 5*time.Millisecond)
	require.NoError(t, sock.Emit(protocol.EventJoinRoom, protocol.RoomRef{Room: "room-1"}))

	// 第一条连接回显后被服务端关闭，客户端应自动重连
	require.Eventually(t, func() bool {
		c, d, events := rec.snapshot()
		return c >= 2 && d >= 1 && len(events) == 1
	}, 2*time.Second, 5*time.Millisecond)

	_, _, events := rec.snapshot()
	require.Equal(t, protocol.EventJoinRoom, events[0].Type)
	mu.Lock()
	require.Contains(t, queries[0], "room=room-1")
	require.Contains(t, queries[0], "role=user")
	mu.Unlock()
}

func TestEmitWhileDisconnected(t *testing.T) {
	sock, err := Dial(context.Background(), "http://127.0.0.1:1", &recorder{}, SocketOptions{MinBackoff: time.Hour})
	require.NoError(t, err)
	require.ErrorIs(t, sock.Emit(protocol.EventAdminStatusGet, nil), ErrNotConnected)
	require.False(t, sock.Connected())
	require.NoError(t, sock.Close())
}

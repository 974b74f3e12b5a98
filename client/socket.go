package client

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"khisima/logger"
	"khisima/protocol"

	"github.com/gorilla/websocket"
)

var ErrNotConnected = errors.New("socket not connected")

// Handler 接收连接生命周期与服务端事件。回调在读协程中串行执行
type Handler interface {
	OnConnect()
	OnDisconnect()
	OnEvent(env protocol.Envelope)
}

type SocketOptions struct {
	Room       string
	Role       protocol.Role
	Token      string
	MinBackoff time.Duration
	MaxBackoff time.Duration
	Header     http.Header
	Logger     *logger.Logger
}

// Socket 带自动重连的 WebSocket 客户端
type Socket struct {
	endpoint string
	opts     SocketOptions
	dialer   *websocket.Dialer
	h        Handler
	log      *logger.Logger

	mu   sync.Mutex
	conn *websocket.Conn

	cancel context.CancelFunc
	done   chan struct{}
}

// Dial 立即返回，连接与重连在后台进行
func Dial(ctx context.Context, baseURL string, h Handler, opts SocketOptions) (*Socket, error) {
	endpoint, err := socketURL(baseURL, opts)
	if err != nil {
		return nil, err
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = 500 * time.Millisecond
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = max(30*time.Second, opts.MinBackoff)
	}
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &Socket{
		endpoint: endpoint,
		opts:     opts,
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second, Proxy: http.ProxyFromEnvironment},
		h:        h,
		log:      log.With("component", "Socket", "room", opts.Room, "role", opts.Role),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go s.run(ctx)
	return s, nil
}

func socketURL(baseURL string, opts SocketOptions) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/api/agent/ws"
	q := u.Query()
	if opts.Room != "" {
		q.Set("room", opts.Room)
	}
	if opts.Role != "" {
		q.Set("role", string(opts.Role))
	}
	if opts.Token != "" {
		q.Set("token", opts.Token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (s *Socket) run(ctx context.Context) {
	defer close(s.done)
	backoff := s.opts.MinBackoff
	for {
		conn, _, err := s.dialer.DialContext(ctx, s.endpoint, s.opts.Header)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Debug("dial failed", "error", err, "retry_in", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > s.opts.MaxBackoff {
				backoff = s.opts.MaxBackoff
			}
			continue
		}
		backoff = s.opts.MinBackoff

		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()

		stop := context.AfterFunc(ctx, func() { conn.Close() })
		s.h.OnConnect()
		s.readPump(conn)
		stop()

		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		conn.Close()
		s.h.OnDisconnect()

		if ctx.Err() != nil {
			return
		}
	}
}

// readPump 服务端每 54 秒 ping 一次，收到 ping 时顺延读超时
func (s *Socket) readPump(conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		s.mu.Lock()
		defer s.mu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(10*time.Second))
	})

	for {
		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				s.log.Warn("socket read error", "error", err)
			}
			return
		}
		s.h.OnEvent(env)
	}
}

// Emit 断线时返回 ErrNotConnected，不排队
func (s *Socket) Emit(event string, payload interface{}) error {
	env, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return ErrNotConnected
	}
	s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteJSON(env)
}

func (s *Socket) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Close 停止重连并等待后台协程退出
func (s *Socket) Close() error {
	s.cancel()
	s.mu.Lock()
	if s.conn != nil {
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	}
	s.mu.Unlock()
	<-s.done
	return nil
}

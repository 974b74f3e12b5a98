package services

import (
	"context"
	"sync"

	"khisima/logger"
	"khisima/redis"
)

// PresenceStore 全局“专员在线”标记的存储
type PresenceStore interface {
	GetPresence(ctx context.Context) (bool, error)
	SetPresence(ctx context.Context, online bool) error
	SubscribePresence(ctx context.Context, fn func(online bool)) error
}

var _ PresenceStore = (*redis.RedisClient)(nil)

// OnlineTracker 访客连接在线状态
type OnlineTracker interface {
	Join(ctx context.Context, room, connID, role string) error
	Leave(ctx context.Context, room, connID string) error
	VisitorOnline(ctx context.Context, room string) (bool, error)
	Forget(ctx context.Context, room string) error
}

var _ OnlineTracker = (*redis.OnlineTracker)(nil)

// PresenceService 单一全局标记，最后写入者胜出
type PresenceService struct {
	store PresenceStore
	log   *logger.Logger
}

func NewPresenceService(store PresenceStore, log *logger.Logger) *PresenceService {
	if log == nil {
		log = logger.Nop()
	}
	return &PresenceService{store: store, log: log.With("component", "PresenceService")}
}

func (s *PresenceService) Online(ctx context.Context) (bool, error) {
	return s.store.GetPresence(ctx)
}

func (s *PresenceService) SetOnline(ctx context.Context, online bool) error {
	if err := s.store.SetPresence(ctx, online); err != nil {
		return err
	}
	s.log.Info("presence changed", "online", online)
	return nil
}

// Watch 阻塞订阅变更
func (s *PresenceService) Watch(ctx context.Context, fn func(online bool)) error {
	return s.store.SubscribePresence(ctx, fn)
}

// MemoryPresence 单实例部署（未配置 Redis）时使用
type MemoryPresence struct {
	mu       sync.Mutex
	online   bool
	watchers map[int]func(bool)
	nextID   int
}

func NewMemoryPresence() *MemoryPresence {
	return &MemoryPresence{watchers: make(map[int]func(bool))}
}

func (m *MemoryPresence) GetPresence(context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online, nil
}

func (m *MemoryPresence) SetPresence(_ context.Context, online bool) error {
	m.mu.Lock()
	m.online = online
	fns := make([]func(bool), 0, len(m.watchers))
	for _, fn := range m.watchers {
		fns = append(fns, fn)
	}
	m.mu.Unlock()
	for _, fn := range fns {
		fn(online)
	}
	return nil
}

func (m *MemoryPresence) SubscribePresence(ctx context.Context, fn func(bool)) error {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.watchers[id] = fn
	m.mu.Unlock()

	<-ctx.Done()

	m.mu.Lock()
	delete(m.watchers, id)
	m.mu.Unlock()
	return nil
}

// MemoryTracker 单实例部署的在线表
type MemoryTracker struct {
	mu    sync.Mutex
	rooms map[string]map[string]string
}

func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{rooms: make(map[string]map[string]string)}
}

func (m *MemoryTracker) Join(_ context.Context, room, connID, role string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	conns, ok := m.rooms[room]
	if !ok {
		conns = make(map[string]string)
		m.rooms[room] = conns
	}
	conns[connID] = role
	return nil
}

func (m *MemoryTracker) Leave(_ context.Context, room, connID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if conns, ok := m.rooms[room]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(m.rooms, room)
		}
	}
	return nil
}

func (m *MemoryTracker) VisitorOnline(_ context.Context, room string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, role := range m.rooms[room] {
		if role == "user" {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryTracker) Forget(_ context.Context, room string) error {
	m.mu.Lock()
	delete(m.rooms, room)
	m.mu.Unlock()
	return nil
}

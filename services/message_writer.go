package services

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"khisima/logger"
	"khisima/metrics"
	"khisima/models"
	"khisima/protocol"

	"gorm.io/gorm"
)

// RoomMessage 待持久化的一条房间消息
type RoomMessage struct {
	Room  string
	Role  protocol.Role
	Text  string
	TS    time.Time
	Email string
	Ended bool // 访客结束对话
}

type writeJob struct {
	msg     *RoomMessage
	barrier chan struct{}
}

// MessageWriter 异步写库。按房间哈希分片，同一房间的写入顺序与接收顺序一致
type MessageWriter struct {
	db     *gorm.DB
	log    *logger.Logger
	shards []chan writeJob
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func NewMessageWriter(db *gorm.DB, shards, queue int, log *logger.Logger) *MessageWriter {
	if shards <= 0 {
		shards = 4
	}
	if queue <= 0 {
		queue = 1000
	}
	if log == nil {
		log = logger.Nop()
	}
	w := &MessageWriter{
		db:     db,
		log:    log.With("component", "MessageWriter"),
		shards: make([]chan writeJob, shards),
	}
	for i := range w.shards {
		w.shards[i] = make(chan writeJob, queue)
		w.wg.Add(1)
		go w.dbWorker(w.shards[i])
	}
	return w
}

func (w *MessageWriter) shard(room string) chan writeJob {
	h := fnv.New32a()
	h.Write([]byte(room))
	return w.shards[h.Sum32()%uint32(len(w.shards))]
}

// Enqueue 队列满时丢弃并计数，不阻塞房间循环
func (w *MessageWriter) Enqueue(msg RoomMessage) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return false
	}
	select {
	case w.shard(msg.Room) <- writeJob{msg: &msg}:
		return true
	default:
		metrics.DroppedWrites.Inc()
		w.log.Warn("write queue full, dropping message", "room", msg.Room, "role", msg.Role)
		return false
	}
}

// Flush 等待该房间此前入队的消息全部落库
func (w *MessageWriter) Flush(ctx context.Context, room string) error {
	done := make(chan struct{})
	w.mu.RLock()
	if w.closed {
		w.mu.RUnlock()
		return nil
	}
	select {
	case w.shard(room) <- writeJob{barrier: done}:
	case <-ctx.Done():
		w.mu.RUnlock()
		return ctx.Err()
	}
	w.mu.RUnlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close 停止接收并写完剩余队列
func (w *MessageWriter) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	for _, ch := range w.shards {
		close(ch)
	}
	w.mu.Unlock()
	w.wg.Wait()
}

func (w *MessageWriter) dbWorker(jobs <-chan writeJob) {
	defer w.wg.Done()
	for job := range jobs {
		if job.barrier != nil {
			close(job.barrier)
			continue
		}
		if err := w.persist(job.msg); err != nil {
			w.log.Error("failed to save message", "room", job.msg.Room, "error", err)
		}
	}
}

// persist 建档或更新房间摘要，再写消息
func (w *MessageWriter) persist(msg *RoomMessage) error {
	ts := msg.TS
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	unread := 0
	if msg.Role == protocol.RoleUser {
		unread = 1
	}
	return w.db.Transaction(func(tx *gorm.DB) error {
		var room models.AgentRoom
		err := tx.First(&room, "id = ?", msg.Room).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			room = models.AgentRoom{ID: msg.Room, Email: msg.Email, Unread: unread, Ended: msg.Ended, LastMsgAt: ts}
			if err := tx.Create(&room).Error; err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			updates := map[string]interface{}{
				"last_msg_at": ts,
				"unread":      gorm.Expr("unread + ?", unread),
			}
			if msg.Email != "" {
				updates["email"] = msg.Email
			}
			if msg.Ended {
				updates["ended"] = true
			}
			if err := tx.Model(&room).Updates(updates).Error; err != nil {
				return err
			}
		}
		return tx.Create(&models.AgentMessage{
			RoomID:    msg.Room,
			Role:      string(msg.Role),
			Text:      msg.Text,
			CreatedAt: ts,
		}).Error
	})
}

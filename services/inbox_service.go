package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"khisima/logger"
	"khisima/metrics"
	"khisima/models"
	"khisima/protocol"

	"gorm.io/gorm"
)

var (
	ErrInboxConflict    = errors.New("a specialist is online")
	ErrEmptyQuestion    = errors.New("question is required")
	ErrInboxNotFound    = errors.New("inbox entry not found")
	ErrInvalidStatus    = errors.New("invalid status")
	ErrStatusRegression = errors.New("status cannot move backwards")
)

// EventPublisher 领域事件出口（Kafka 生产者）
type EventPublisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// InboxEvent inbox 主题的消息体
type InboxEvent struct {
	ID       uint   `json:"id"`
	Room     string `json:"room"`
	Email    string `json:"email"`
	Question string `json:"question"`
}

type InboxService struct {
	db        *gorm.DB
	presence  *PresenceService
	rooms     *RoomService
	publisher EventPublisher
	topic     string
	log       *logger.Logger
}

func NewInboxService(db *gorm.DB, presence *PresenceService, rooms *RoomService, publisher EventPublisher, topic string, log *logger.Logger) *InboxService {
	if log == nil {
		log = logger.Nop()
	}
	return &InboxService{
		db:        db,
		presence:  presence,
		rooms:     rooms,
		publisher: publisher,
		topic:     topic,
		log:       log.With("component", "InboxService"),
	}
}

// Create 专员在线时拒绝（调用方映射为 409），访客应回到实时对话
func (s *InboxService) Create(ctx context.Context, req protocol.InboxRequest) (*models.InboxEntry, error) {
	email := strings.TrimSpace(req.Email)
	question := strings.TrimSpace(req.Question)
	if !ValidRoomID(req.Room) {
		return nil, ErrInvalidRoom
	}
	if !protocol.ValidEmail(email) {
		return nil, ErrInvalidEmail
	}
	if question == "" {
		return nil, ErrEmptyQuestion
	}

	online, err := s.presence.Online(ctx)
	if err != nil {
		s.log.Warn("presence lookup failed, accepting inbox entry", "error", err)
	}
	if online {
		metrics.InboxCaptures.WithLabelValues("conflict").Inc()
		return nil, ErrInboxConflict
	}

	entry := &models.InboxEntry{
		RoomID:   req.Room,
		Email:    email,
		Question: question,
		Status:   string(protocol.InboxQueued),
	}
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		metrics.InboxCaptures.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.InboxCaptures.WithLabelValues("accepted").Inc()

	if err := s.rooms.AttachEmail(ctx, req.Room, email); err != nil {
		s.log.Warn("attach email failed", "room", req.Room, "error", err)
	}
	s.publish(ctx, entry)
	s.log.Info("inbox entry created", "id", entry.ID, "room", entry.RoomID, "email", entry.Email)
	return entry, nil
}

func (s *InboxService) publish(ctx context.Context, entry *models.InboxEntry) {
	if s.publisher == nil || s.topic == "" {
		return
	}
	value, err := json.Marshal(InboxEvent{ID: entry.ID, Room: entry.RoomID, Email: entry.Email, Question: entry.Question})
	if err != nil {
		return
	}
	if err := s.publisher.Publish(ctx, s.topic, entry.RoomID, value); err != nil {
		s.log.Warn("publish inbox event failed", "id", entry.ID, "error", err)
	}
}

func (s *InboxService) List(ctx context.Context, status protocol.InboxStatus, page, limit int) (protocol.InboxList, error) {
	if status != "" && status.Rank() == 0 {
		return protocol.InboxList{}, ErrInvalidStatus
	}
	page, limit = pageBounds(page, limit)
	scoped := func() *gorm.DB {
		q := s.db.WithContext(ctx).Model(&models.InboxEntry{})
		if status != "" {
			q = q.Where("status = ?", string(status))
		}
		return q
	}
	var total int64
	if err := scoped().Count(&total).Error; err != nil {
		return protocol.InboxList{}, err
	}
	var rows []models.InboxEntry
	if err := scoped().Order("created_at DESC, id DESC").Offset((page - 1) * limit).Limit(limit).Find(&rows).Error; err != nil {
		return protocol.InboxList{}, err
	}
	items := make([]protocol.InboxItem, 0, len(rows))
	for _, r := range rows {
		items = append(items, toInboxItem(r))
	}
	return protocol.InboxList{Items: items, Total: total}, nil
}

// UpdateStatus 状态只能前进：queued → in_progress → done
func (s *InboxService) UpdateStatus(ctx context.Context, id uint, status protocol.InboxStatus) (protocol.InboxItem, error) {
	if status.Rank() == 0 {
		return protocol.InboxItem{}, ErrInvalidStatus
	}
	var entry models.InboxEntry
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&entry, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrInboxNotFound
			}
			return err
		}
		current := protocol.InboxStatus(entry.Status)
		if status.Rank() < current.Rank() {
			return ErrStatusRegression
		}
		if status == current {
			return nil
		}
		entry.Status = string(status)
		return tx.Save(&entry).Error
	})
	if err != nil {
		return protocol.InboxItem{}, err
	}
	return toInboxItem(entry), nil
}

func toInboxItem(e models.InboxEntry) protocol.InboxItem {
	return protocol.InboxItem{
		ID:        e.ID,
		Room:      e.RoomID,
		Email:     e.Email,
		Question:  e.Question,
		Status:    protocol.InboxStatus(e.Status),
		CreatedAt: e.CreatedAt,
		UpdatedAt: e.UpdatedAt,
	}
}

// InboxNotifier inbox 主题的消费端：给专员邮箱发提醒
type InboxNotifier struct {
	mailer Mailer
	from   string
	to     string
}

func NewInboxNotifier(mailer Mailer, from, to string) *InboxNotifier {
	return &InboxNotifier{mailer: mailer, from: from, to: to}
}

func (n *InboxNotifier) HandleInboxMessage(ctx context.Context, value []byte) error {
	var ev InboxEvent
	if err := json.Unmarshal(value, &ev); err != nil {
		return fmt.Errorf("decode inbox event: %w", err)
	}
	return n.mailer.Send(ctx, Mail{
		From:    n.from,
		To:      n.to,
		ReplyTo: ev.Email,
		Subject: fmt.Sprintf("New question from %s", ev.Email),
		Body:    fmt.Sprintf("Conversation %s\n\n%s\n", ev.Room, ev.Question),
	})
}

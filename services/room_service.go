package services

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"khisima/logger"
	"khisima/models"
	"khisima/protocol"

	"gorm.io/gorm"
)

var (
	ErrRoomNotFound = errors.New("room not found")
	ErrInvalidRoom  = errors.New("invalid room id")
	ErrInvalidEmail = errors.New("invalid email")
	ErrEmptyMessage = errors.New("message is empty")
)

const (
	defaultPageSize = 20
	maxPageSize     = 500
	// HistoryLimit get_history 返回的最近消息条数
	HistoryLimit = 500
)

type RoomService struct {
	db      *gorm.DB
	tracker OnlineTracker
	log     *logger.Logger
}

func NewRoomService(db *gorm.DB, tracker OnlineTracker, log *logger.Logger) *RoomService {
	if log == nil {
		log = logger.Nop()
	}
	return &RoomService{db: db, tracker: tracker, log: log.With("component", "RoomService")}
}

func ValidRoomID(room string) bool {
	return room != "" && len(room) <= 64 && strings.TrimSpace(room) == room
}

func pageBounds(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	return page, limit
}

// ListRooms 按最后消息时间倒序；search 匹配房间号或邮箱
func (s *RoomService) ListRooms(ctx context.Context, q protocol.RoomQuery) (protocol.RoomList, error) {
	page, limit := pageBounds(q.Page, q.Limit)
	scoped := func() *gorm.DB {
		query := s.db.WithContext(ctx).Model(&models.AgentRoom{})
		if term := strings.TrimSpace(q.Search); term != "" {
			like := "%" + strings.ToLower(term) + "%"
			query = query.Where("LOWER(id) LIKE ? OR LOWER(email) LIKE ?", like, like)
		}
		return query
	}

	var total int64
	if err := scoped().Count(&total).Error; err != nil {
		return protocol.RoomList{}, err
	}
	var rooms []models.AgentRoom
	err := scoped().Order("last_msg_at DESC").Offset((page - 1) * limit).Limit(limit).Find(&rooms).Error
	if err != nil {
		return protocol.RoomList{}, err
	}

	items := make([]protocol.RoomSummary, 0, len(rooms))
	for _, r := range rooms {
		summary := protocol.RoomSummary{
			RoomID:    r.ID,
			LastMsgAt: r.LastMsgAt,
			Unread:    r.Unread,
			Email:     r.Email,
			Ended:     r.Ended,
		}
		if s.tracker != nil {
			online, err := s.tracker.VisitorOnline(ctx, r.ID)
			if err != nil {
				s.log.Warn("online lookup failed", "room", r.ID, "error", err)
			}
			summary.Online = online
		}
		items = append(items, summary)
	}
	return protocol.RoomList{Items: items, Total: total}, nil
}

// Messages 分页历史（正序），读取即清零未读
func (s *RoomService) Messages(ctx context.Context, room string, page, limit int) (protocol.MessagePage, error) {
	page, limit = pageBounds(page, limit)
	r, err := s.find(ctx, room)
	if err != nil {
		return protocol.MessagePage{}, err
	}
	var rows []models.AgentMessage
	err = s.db.WithContext(ctx).
		Where("room_id = ?", room).
		Order("created_at ASC, id ASC").
		Offset((page - 1) * limit).Limit(limit).
		Find(&rows).Error
	if err != nil {
		return protocol.MessagePage{}, err
	}
	if err := s.MarkRead(ctx, room); err != nil {
		s.log.Warn("mark read failed", "room", room, "error", err)
	}
	return protocol.MessagePage{Items: toMessages(rows), Email: r.Email}, nil
}

// History 最近 HistoryLimit 条，未建档的房间返回空历史
func (s *RoomService) History(ctx context.Context, room string) (protocol.History, error) {
	h := protocol.History{Room: room, Messages: []protocol.Message{}}
	r, err := s.find(ctx, room)
	if errors.Is(err, ErrRoomNotFound) {
		return h, nil
	}
	if err != nil {
		return h, err
	}
	var rows []models.AgentMessage
	err = s.db.WithContext(ctx).
		Where("room_id = ?", room).
		Order("created_at DESC, id DESC").
		Limit(HistoryLimit).
		Find(&rows).Error
	if err != nil {
		return h, err
	}
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
	h.Messages = toMessages(rows)
	h.Email = r.Email
	return h, nil
}

func (s *RoomService) MarkRead(ctx context.Context, room string) error {
	return s.db.WithContext(ctx).Model(&models.AgentRoom{}).Where("id = ?", room).Update("unread", 0).Error
}

// AttachEmail 记录访客邮箱，房间不存在则建档
func (s *RoomService) AttachEmail(ctx context.Context, room, email string) error {
	if !ValidRoomID(room) {
		return ErrInvalidRoom
	}
	if !protocol.ValidEmail(email) {
		return ErrInvalidEmail
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var r models.AgentRoom
		err := tx.First(&r, "id = ?", room).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.Create(&models.AgentRoom{ID: room, Email: email, LastMsgAt: time.Now().UTC()}).Error
		}
		if err != nil {
			return err
		}
		return tx.Model(&r).Update("email", email).Error
	})
}

// DeleteRoom 删除房间及其全部消息
func (s *RoomService) DeleteRoom(ctx context.Context, room string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var r models.AgentRoom
		if err := tx.First(&r, "id = ?", room).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrRoomNotFound
			}
			return err
		}
		if err := tx.Where("room_id = ?", room).Delete(&models.AgentMessage{}).Error; err != nil {
			return err
		}
		return tx.Delete(&r).Error
	})
	if err != nil {
		return err
	}
	if s.tracker != nil {
		if err := s.tracker.Forget(ctx, room); err != nil {
			s.log.Warn("forget online state failed", "room", room, "error", err)
		}
	}
	return nil
}

// Transcript 完整记录，用于转发
func (s *RoomService) Transcript(ctx context.Context, room string) (Transcript, error) {
	r, err := s.find(ctx, room)
	if err != nil {
		return Transcript{}, err
	}
	var rows []models.AgentMessage
	err = s.db.WithContext(ctx).Where("room_id = ?", room).Order("created_at ASC, id ASC").Find(&rows).Error
	if err != nil {
		return Transcript{}, err
	}
	return Transcript{Room: room, Email: r.Email, Messages: toMessages(rows)}, nil
}

func (s *RoomService) find(ctx context.Context, room string) (models.AgentRoom, error) {
	var r models.AgentRoom
	if err := s.db.WithContext(ctx).First(&r, "id = ?", room).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return r, ErrRoomNotFound
		}
		return r, err
	}
	return r, nil
}

func toMessages(rows []models.AgentMessage) []protocol.Message {
	out := make([]protocol.Message, 0, len(rows))
	for _, m := range rows {
		out = append(out, protocol.Message{ID: strconv.FormatUint(uint64(m.ID), 10), Role: protocol.Role(m.Role), Text: m.Text, TS: m.CreatedAt})
	}
	return out
}

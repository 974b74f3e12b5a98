package models

import "time"

// InboxEntry 离线留言
type InboxEntry struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	RoomID    string    `json:"room_id" gorm:"index;size:64"`
	Email     string    `json:"email"`
	Question  string    `json:"question" gorm:"type:text"`
	Status    string    `json:"status" gorm:"default:'queued';index"` // queued, in_progress, done
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

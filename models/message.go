package models

import "time"

type AgentMessage struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	RoomID    string    `json:"room_id" gorm:"index:idx_room_created;size:64"`
	Role      string    `json:"role" gorm:"size:16"` // user, agent, admin, system
	Text      string    `json:"text" gorm:"type:text"`
	CreatedAt time.Time `json:"created_at" gorm:"index:idx_room_created"`
}

package models

import "time"

// AgentRoom 访客会话。ID 由访客端生成，首次收到事件时建档
type AgentRoom struct {
	ID        string    `json:"id" gorm:"primaryKey;size:64"`
	Email     string    `json:"email"`
	Unread    int       `json:"unread" gorm:"default:0"`
	Ended     bool      `json:"ended"`
	LastMsgAt time.Time `json:"last_msg_at" gorm:"index"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

package models

import "time"

type User struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	Email     string    `json:"email"`
	Username  string    `json:"username" gorm:"uniqueIndex"`
	Password  string    `json:"-"`    // hashed
	Type      string    `json:"type"` // admin
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (u *User) IsAdmin() bool {
	return u != nil && u.Type == "admin"
}

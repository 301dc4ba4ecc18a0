package models

import "time"

// Subscriber is one chat-platform identity, created or refreshed on first
// interaction with the bot. Profile fields are a best-effort cache of what
// the platform reported last.
type Subscriber struct {
	ChatID       int64     `gorm:"column:chat_id;primary_key;autoIncrement:false" json:"chat_id"`
	Username     string    `gorm:"column:username;type:varchar(128)" json:"username"`
	FirstName    string    `gorm:"column:first_name;type:varchar(128)" json:"first_name"`
	LastName     string    `gorm:"column:last_name;type:varchar(128)" json:"last_name"`
	LastActivity time.Time `gorm:"column:last_activity" json:"last_activity"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (Subscriber) TableName() string {
	return "users"
}

// DisplayName prefers the platform handle and falls back to the first name.
func (u *Subscriber) DisplayName() string {
	if u == nil {
		return ""
	}
	if u.Username != "" {
		return "@" + u.Username
	}
	return u.FirstName
}

package models

import "time"

// Collaborator grants a user editor or viewer access to a document.
type Collaborator struct {
	DocumentID string    `gorm:"type:uuid;primaryKey" json:"document_id"`
	UserID     string    `gorm:"type:uuid;primaryKey" json:"user_id"`
	Permission string    `gorm:"type:varchar(16);not null" json:"permission"`
	Status     string    `gorm:"type:varchar(16);not null;default:accepted;index" json:"status"`
	InvitedBy  string    `gorm:"type:uuid;not null" json:"invited_by"`
	InvitedAt  time.Time `gorm:"not null" json:"invited_at"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`

	User *User `gorm:"foreignKey:UserID" json:"user,omitempty"`
}

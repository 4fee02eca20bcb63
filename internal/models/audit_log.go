package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Audit results.
const (
	AuditResultSuccess = "success"
	AuditResultDenied  = "denied"
)

// AuditLog records one change made to a document or its collaborator list.
type AuditLog struct {
	ID         string         `gorm:"primaryKey;type:uuid" json:"id"`
	DocumentID string         `gorm:"type:uuid;not null;index" json:"document_id"`
	ActorID    string         `gorm:"type:uuid;index" json:"actor_id"`
	Action     string         `gorm:"not null;index" json:"action"`
	Result     string         `gorm:"not null" json:"result"`
	IPAddress  string         `json:"ip_address,omitempty"`
	UserAgent  string         `json:"user_agent,omitempty"`
	Metadata   datatypes.JSON `gorm:"type:json" json:"metadata,omitempty"`
	CreatedAt  time.Time      `gorm:"index" json:"created_at"`
}

func (a *AuditLog) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	return nil
}

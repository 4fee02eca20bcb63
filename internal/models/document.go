package models

import (
	"gorm.io/datatypes"
)

// Collaborator permission levels stored on a document.
const (
	CollaboratorEditor = "editor"
	CollaboratorViewer = "viewer"
)

// Collaborator invitation states.
const (
	CollaboratorPending  = "pending"
	CollaboratorAccepted = "accepted"
	CollaboratorDeclined = "declined"
)

// Document is a collaboratively edited rich-text document.
type Document struct {
	BaseModel

	Title         string         `gorm:"not null" json:"title"`
	Content       datatypes.JSON `gorm:"type:json" json:"content"`
	OwnerID       string         `gorm:"type:uuid;not null;index" json:"owner_id"`
	IsPublic      bool           `gorm:"not null;default:false" json:"is_public"`
	ShareableLink *string        `gorm:"uniqueIndex;size:64" json:"shareable_link,omitempty"`
	ShareSettings ShareSettings  `gorm:"embedded;embeddedPrefix:share_" json:"share_settings"`

	Owner         *User          `gorm:"foreignKey:OwnerID" json:"owner,omitempty"`
	Collaborators []Collaborator `gorm:"foreignKey:DocumentID;constraint:OnDelete:CASCADE" json:"collaborators,omitempty"`
}

// ShareSettings toggles what collaborators may do beyond their permission level.
type ShareSettings struct {
	AllowViewerComments                bool `gorm:"not null;default:false" json:"allow_viewer_comments"`
	AllowEditorInvites                 bool `gorm:"not null;default:false" json:"allow_editor_invites"`
	RequireApprovalForNewCollaborators bool `gorm:"not null;default:false" json:"require_approval_for_new_collaborators"`
}

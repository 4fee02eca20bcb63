package permissions

import (
	"strings"

	"github.com/charlesng35/coedit/internal/models"
)

// Grant is a collaborator entry attached to a document.
type Grant struct {
	UserID     string
	Permission string
	Status     string
}

// Subject is the authorization state of a document at the moment it is evaluated.
type Subject struct {
	OwnerID            string
	IsPublic           bool
	AllowEditorInvites bool
	Collaborators      []Grant
}

// SubjectFromDocument snapshots the authorization fields of a persisted document.
func SubjectFromDocument(doc *models.Document) Subject {
	if doc == nil {
		return Subject{}
	}
	subject := Subject{
		OwnerID:            doc.OwnerID,
		IsPublic:           doc.IsPublic,
		AllowEditorInvites: doc.ShareSettings.AllowEditorInvites,
		Collaborators:      make([]Grant, 0, len(doc.Collaborators)),
	}
	for _, collaborator := range doc.Collaborators {
		subject.Collaborators = append(subject.Collaborators, Grant{
			UserID:     collaborator.UserID,
			Permission: collaborator.Permission,
			Status:     collaborator.Status,
		})
	}
	return subject
}

// Resolve returns the permission level identity holds on the document. It never fails:
// an empty identity, a pending invitation or an unknown user all yield LevelNone.
// Public visibility is ignored here; use ResolveForRead for read-only decisions.
func Resolve(doc Subject, identity string) Level {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return LevelNone
	}
	if doc.OwnerID != "" && doc.OwnerID == identity {
		return LevelOwner
	}

	for _, grant := range doc.Collaborators {
		if grant.UserID != identity || !isAccepted(grant.Status) {
			continue
		}
		switch level := ParseLevel(grant.Permission); level {
		case LevelEditor, LevelViewer:
			return level
		}
	}
	return LevelNone
}

// ResolveForRead behaves like Resolve but treats public documents as viewable by anyone.
func ResolveForRead(doc Subject, identity string) Level {
	level := Resolve(doc, identity)
	if level == LevelNone && doc.IsPublic {
		return LevelViewer
	}
	return level
}

func isAccepted(status string) bool {
	status = strings.ToLower(strings.TrimSpace(status))
	// Rows written before invitations existed carry no status and count as accepted.
	return status == "" || status == models.CollaboratorAccepted
}

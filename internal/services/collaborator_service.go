package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/charlesng35/coedit/internal/models"
	"github.com/charlesng35/coedit/internal/permissions"
	apperrors "github.com/charlesng35/coedit/pkg/errors"
)

// CollaboratorDTO describes one collaborator of a document.
type CollaboratorDTO struct {
	UserID     string    `json:"user_id"`
	Name       string    `json:"name"`
	Email      string    `json:"email,omitempty"`
	Permission string    `json:"permission"`
	Status     string    `json:"status"`
	InvitedBy  string    `json:"invited_by"`
	InvitedAt  time.Time `json:"invited_at"`
}

// AddCollaboratorInput identifies the invited user by id or email.
type AddCollaboratorInput struct {
	UserID     string
	Email      string
	Permission string
}

// CollaboratorService manages the collaborator list of documents.
type CollaboratorService struct {
	db        *gorm.DB
	documents *DocumentService
	now       func() time.Time
}

// NewCollaboratorService constructs a collaborator service.
func NewCollaboratorService(db *gorm.DB, documents *DocumentService) (*CollaboratorService, error) {
	if db == nil {
		return nil, errors.New("collaborator service: db is required")
	}
	if documents == nil {
		return nil, errors.New("collaborator service: document service is required")
	}
	return &CollaboratorService{db: db, documents: documents, now: time.Now}, nil
}

// List returns the collaborators of a document visible to requesterID.
func (s *CollaboratorService) List(ctx context.Context, requesterID, documentID string) ([]CollaboratorDTO, error) {
	ctx = ensureContext(ctx)

	if _, err := s.documents.Get(ctx, requesterID, documentID); err != nil {
		return nil, err
	}

	var rows []models.Collaborator
	if err := s.db.WithContext(ctx).
		Preload("User").
		Where("document_id = ?", documentID).
		Order("invited_at ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("collaborator service: list collaborators: %w", err)
	}

	out := make([]CollaboratorDTO, 0, len(rows))
	for _, row := range rows {
		out = append(out, toCollaboratorDTO(row))
	}
	return out, nil
}

// Add grants a user access to the document. Collaborators added by anyone but the owner
// stay pending when the document requires approval.
func (s *CollaboratorService) Add(ctx context.Context, requesterID, documentID string, input AddCollaboratorInput) (*CollaboratorDTO, error) {
	ctx = ensureContext(ctx)

	permission, err := normaliseCollaboratorPermission(input.Permission)
	if err != nil {
		return nil, err
	}

	document, err := s.documentForManage(ctx, requesterID, documentID)
	if err != nil {
		return nil, err
	}

	user, err := s.findUser(ctx, input)
	if err != nil {
		return nil, err
	}
	if user.ID == document.OwnerID {
		return nil, apperrors.NewBadRequest("the owner cannot be added as a collaborator")
	}
	for _, existing := range document.Collaborators {
		if existing.UserID == user.ID {
			return nil, apperrors.ErrConflict.WithMessage("User is already a collaborator")
		}
	}

	status := models.CollaboratorAccepted
	if document.ShareSettings.RequireApprovalForNewCollaborators && requesterID != document.OwnerID {
		status = models.CollaboratorPending
	}

	row := models.Collaborator{
		DocumentID: document.ID,
		UserID:     user.ID,
		Permission: permission,
		Status:     status,
		InvitedBy:  requesterID,
		InvitedAt:  s.now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if isUniqueConstraintError(err) {
			return nil, apperrors.ErrConflict.WithMessage("User is already a collaborator")
		}
		return nil, fmt.Errorf("collaborator service: add collaborator: %w", err)
	}
	row.User = user

	recordAudit(s.documents.audit, ctx, AuditEntry{
		DocumentID: document.ID,
		ActorID:    requesterID,
		Action:     AuditCollaboratorAdd,
		Metadata:   map[string]any{"user_id": user.ID, "permission": permission, "status": status},
	})

	dto := toCollaboratorDTO(row)
	return &dto, nil
}

// Remove revokes a collaborator. Collaborators may always remove themselves.
func (s *CollaboratorService) Remove(ctx context.Context, requesterID, documentID, userID string) error {
	ctx = ensureContext(ctx)

	userID = strings.TrimSpace(userID)
	if userID != strings.TrimSpace(requesterID) {
		if _, err := s.documentForManage(ctx, requesterID, documentID); err != nil {
			return err
		}
	}

	result := s.db.WithContext(ctx).
		Where("document_id = ? AND user_id = ?", documentID, userID).
		Delete(&models.Collaborator{})
	if result.Error != nil {
		return fmt.Errorf("collaborator service: remove collaborator: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return apperrors.ErrNotFound.WithMessage("Collaborator not found")
	}

	recordAudit(s.documents.audit, ctx, AuditEntry{
		DocumentID: documentID,
		ActorID:    requesterID,
		Action:     AuditCollaboratorRemove,
		Metadata:   map[string]any{"user_id": userID},
	})
	return nil
}

// UpdatePermission changes the permission level of an existing collaborator.
func (s *CollaboratorService) UpdatePermission(ctx context.Context, requesterID, documentID, userID, permission string) error {
	ctx = ensureContext(ctx)

	level, err := normaliseCollaboratorPermission(permission)
	if err != nil {
		return err
	}
	if _, err := s.documentForManage(ctx, requesterID, documentID); err != nil {
		return err
	}

	result := s.db.WithContext(ctx).Model(&models.Collaborator{}).
		Where("document_id = ? AND user_id = ?", documentID, strings.TrimSpace(userID)).
		Update("permission", level)
	if result.Error != nil {
		return fmt.Errorf("collaborator service: update permission: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return apperrors.ErrNotFound.WithMessage("Collaborator not found")
	}

	recordAudit(s.documents.audit, ctx, AuditEntry{
		DocumentID: documentID,
		ActorID:    requesterID,
		Action:     AuditCollaboratorPermission,
		Metadata:   map[string]any{"user_id": strings.TrimSpace(userID), "permission": level},
	})
	return nil
}

func (s *CollaboratorService) documentForManage(ctx context.Context, requesterID, documentID string) (*models.Document, error) {
	document, err := s.documents.FindByID(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if !permissions.SubjectFromDocument(document).Allows(requesterID, permissions.ActionManage) {
		return nil, apperrors.ErrAuthorizationDenied.WithMessage("You cannot manage collaborators on this document")
	}
	return document, nil
}

func (s *CollaboratorService) findUser(ctx context.Context, input AddCollaboratorInput) (*models.User, error) {
	query := s.db.WithContext(ctx)
	switch {
	case strings.TrimSpace(input.UserID) != "":
		query = query.Where("id = ?", strings.TrimSpace(input.UserID))
	case strings.TrimSpace(input.Email) != "":
		query = query.Where("LOWER(email) = ?", strings.ToLower(strings.TrimSpace(input.Email)))
	default:
		return nil, apperrors.NewBadRequest("user id or email is required")
	}

	var user models.User
	if err := query.First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrNotFound.WithMessage("User not found")
		}
		return nil, fmt.Errorf("collaborator service: load user: %w", err)
	}
	return &user, nil
}

func normaliseCollaboratorPermission(value string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case models.CollaboratorEditor:
		return models.CollaboratorEditor, nil
	case models.CollaboratorViewer:
		return models.CollaboratorViewer, nil
	default:
		return "", apperrors.NewBadRequest("permission must be editor or viewer")
	}
}

func toCollaboratorDTO(row models.Collaborator) CollaboratorDTO {
	dto := CollaboratorDTO{
		UserID:     row.UserID,
		Permission: row.Permission,
		Status:     row.Status,
		InvitedBy:  row.InvitedBy,
		InvitedAt:  row.InvitedAt,
	}
	if row.User != nil {
		dto.Name = row.User.DisplayName()
		dto.Email = row.User.Email
	}
	return dto
}

package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/charlesng35/coedit/internal/models"
	"github.com/charlesng35/coedit/internal/permissions"
	"github.com/charlesng35/coedit/pkg/crypto"
	apperrors "github.com/charlesng35/coedit/pkg/errors"
)

// DocumentService reads documents and their collaborators and enforces document level permissions.
type DocumentService struct {
	db    *gorm.DB
	audit *AuditService
}

// DocumentOption customises a DocumentService.
type DocumentOption func(*DocumentService)

// WithAudit records document and collaborator changes in the audit trail.
func WithAudit(audit *AuditService) DocumentOption {
	return func(s *DocumentService) {
		s.audit = audit
	}
}

// NewDocumentService constructs a document service.
func NewDocumentService(db *gorm.DB, opts ...DocumentOption) (*DocumentService, error) {
	if db == nil {
		return nil, errors.New("document service: db is required")
	}
	svc := &DocumentService{db: db}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// UpdateDocumentInput carries the mutable fields of a document. Nil fields are left unchanged.
type UpdateDocumentInput struct {
	Title    *string
	Content  datatypes.JSON
	IsPublic *bool
}

// FindByID loads a document together with its collaborator list.
func (s *DocumentService) FindByID(ctx context.Context, documentID string) (*models.Document, error) {
	ctx = ensureContext(ctx)

	documentID = strings.TrimSpace(documentID)
	if documentID == "" {
		return nil, apperrors.ErrDocumentNotFound
	}

	var document models.Document
	if err := s.db.WithContext(ctx).
		Preload("Collaborators").
		First(&document, "id = ?", documentID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrDocumentNotFound
		}
		return nil, fmt.Errorf("document service: load document: %w", err)
	}
	return &document, nil
}

// LoadSubject returns the authorization view of a document used by the realtime gateway.
func (s *DocumentService) LoadSubject(ctx context.Context, documentID string) (permissions.Subject, error) {
	document, err := s.FindByID(ctx, documentID)
	if err != nil {
		return permissions.Subject{}, err
	}
	return permissions.SubjectFromDocument(document), nil
}

// GetUserPermission resolves the explicit permission of userID on the document.
func (s *DocumentService) GetUserPermission(ctx context.Context, documentID, userID string) (permissions.Level, error) {
	subject, err := s.LoadSubject(ctx, documentID)
	if err != nil {
		return permissions.LevelNone, err
	}
	return permissions.Resolve(subject, userID), nil
}

// CanView reports whether userID may read the document. Public documents are readable by anyone.
func (s *DocumentService) CanView(ctx context.Context, documentID, userID string) (bool, error) {
	subject, err := s.LoadSubject(ctx, documentID)
	if err != nil {
		return false, err
	}
	return subject.Allows(userID, permissions.ActionView), nil
}

// CanEdit reports whether userID may modify the document.
func (s *DocumentService) CanEdit(ctx context.Context, documentID, userID string) (bool, error) {
	subject, err := s.LoadSubject(ctx, documentID)
	if err != nil {
		return false, err
	}
	return subject.Allows(userID, permissions.ActionEdit), nil
}

// Get returns the document when requesterID may view it.
func (s *DocumentService) Get(ctx context.Context, requesterID, documentID string) (*models.Document, error) {
	document, err := s.FindByID(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if !permissions.SubjectFromDocument(document).Allows(requesterID, permissions.ActionView) {
		return nil, apperrors.ErrAuthorizationDenied
	}
	return document, nil
}

// Update persists title, content or visibility changes. Content and title require edit
// access; changing visibility requires manage access.
func (s *DocumentService) Update(ctx context.Context, requesterID, documentID string, input UpdateDocumentInput) (*models.Document, error) {
	ctx = ensureContext(ctx)

	document, err := s.FindByID(ctx, documentID)
	if err != nil {
		return nil, err
	}
	subject := permissions.SubjectFromDocument(document)
	if !subject.Allows(requesterID, permissions.ActionEdit) {
		return nil, apperrors.ErrAuthorizationDenied.WithMessage("You do not have permission to edit this document")
	}

	updates := make(map[string]any)
	if input.Title != nil {
		title := strings.TrimSpace(*input.Title)
		if title == "" {
			return nil, apperrors.NewBadRequest("title is required")
		}
		updates["title"] = title
	}
	if input.Content != nil {
		updates["content"] = input.Content
	}
	if input.IsPublic != nil {
		if !subject.Allows(requesterID, permissions.ActionManage) {
			return nil, apperrors.ErrAuthorizationDenied.WithMessage("Only document managers can change visibility")
		}
		updates["is_public"] = *input.IsPublic
	}
	if len(updates) == 0 {
		return document, nil
	}

	if err := s.db.WithContext(ctx).Model(&models.Document{}).
		Where("id = ?", document.ID).
		Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("document service: update document: %w", err)
	}

	fields := make([]string, 0, len(updates))
	for _, key := range []string{"title", "content", "is_public"} {
		if _, ok := updates[key]; ok {
			fields = append(fields, key)
		}
	}
	recordAudit(s.audit, ctx, AuditEntry{
		DocumentID: document.ID,
		ActorID:    requesterID,
		Action:     AuditDocumentUpdate,
		Metadata:   map[string]any{"fields": fields},
	})
	return s.FindByID(ctx, document.ID)
}

// GenerateShareLink assigns a fresh random share token to the document and returns it.
// Any previously issued token stops working.
func (s *DocumentService) GenerateShareLink(ctx context.Context, requesterID, documentID string) (string, error) {
	ctx = ensureContext(ctx)

	document, err := s.FindByID(ctx, documentID)
	if err != nil {
		return "", err
	}
	if !permissions.SubjectFromDocument(document).Allows(requesterID, permissions.ActionManage) {
		return "", apperrors.ErrAuthorizationDenied.WithMessage("Only document managers can share this document")
	}

	token, err := crypto.GenerateToken(crypto.ShareTokenBytes)
	if err != nil {
		return "", fmt.Errorf("document service: generate share link: %w", err)
	}
	if err := s.db.WithContext(ctx).Model(&models.Document{}).
		Where("id = ?", document.ID).
		Update("shareable_link", token).Error; err != nil {
		if isUniqueConstraintError(err) {
			return "", apperrors.ErrConflict.WithMessage("share link collision, try again")
		}
		return "", fmt.Errorf("document service: store share link: %w", err)
	}

	recordAudit(s.audit, ctx, AuditEntry{
		DocumentID: document.ID,
		ActorID:    requesterID,
		Action:     AuditDocumentShareLink,
		Metadata:   map[string]any{"rotated": document.ShareableLink != nil},
	})
	return token, nil
}

// FindByShareLink resolves a share token to its document.
func (s *DocumentService) FindByShareLink(ctx context.Context, token string) (*models.Document, error) {
	ctx = ensureContext(ctx)

	token = strings.TrimSpace(token)
	if token == "" {
		return nil, apperrors.ErrDocumentNotFound
	}

	var document models.Document
	if err := s.db.WithContext(ctx).
		Preload("Collaborators").
		First(&document, "shareable_link = ?", token).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrDocumentNotFound
		}
		return nil, fmt.Errorf("document service: load shared document: %w", err)
	}
	return &document, nil
}

// AuditTrail returns a page of the document's audit trail. Only document managers may read it.
func (s *DocumentService) AuditTrail(ctx context.Context, requesterID, documentID string, opts AuditListOptions) ([]models.AuditLog, int64, error) {
	ctx = ensureContext(ctx)

	document, err := s.FindByID(ctx, documentID)
	if err != nil {
		return nil, 0, err
	}
	if !permissions.SubjectFromDocument(document).Allows(requesterID, permissions.ActionManage) {
		return nil, 0, apperrors.ErrAuthorizationDenied.WithMessage("Only document managers can view the audit trail")
	}
	if s.audit == nil {
		return []models.AuditLog{}, 0, nil
	}
	return s.audit.List(ctx, document.ID, opts)
}

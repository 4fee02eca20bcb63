package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/charlesng35/coedit/internal/auditctx"
	"github.com/charlesng35/coedit/internal/models"
)

// Audited actions.
const (
	AuditDocumentUpdate         = "document.update"
	AuditDocumentShareLink      = "document.share_link"
	AuditCollaboratorAdd        = "collaborator.add"
	AuditCollaboratorPermission = "collaborator.update_permission"
	AuditCollaboratorRemove     = "collaborator.remove"
)

const (
	defaultAuditPageSize = 50
	maxAuditPageSize     = 200
)

// AuditEntry captures a single audit event to persist. ActorID, IPAddress and UserAgent
// fall back to the actor stored in the context.
type AuditEntry struct {
	DocumentID string
	ActorID    string
	Action     string
	Result     string
	IPAddress  string
	UserAgent  string
	Metadata   map[string]any
}

// AuditFilters encapsulates optional filters when querying a document's audit trail.
type AuditFilters struct {
	ActorID string
	Action  string
	Since   *time.Time
	Until   *time.Time
}

// AuditListOptions controls pagination and filtering for audit queries.
type AuditListOptions struct {
	Page     int
	PageSize int
	Filters  AuditFilters
}

// AuditService persists and retrieves the audit trail of document changes.
type AuditService struct {
	db  *gorm.DB
	now func() time.Time
}

// NewAuditService constructs an AuditService using the provided database handle.
func NewAuditService(db *gorm.DB) (*AuditService, error) {
	if db == nil {
		return nil, errors.New("audit service: db is required")
	}
	return &AuditService{db: db, now: time.Now}, nil
}

// Log stores an audit entry, marshalling metadata into JSON form.
func (s *AuditService) Log(ctx context.Context, entry AuditEntry) error {
	ctx = ensureContext(ctx)

	if strings.TrimSpace(entry.DocumentID) == "" {
		return errors.New("audit service: document id is required")
	}
	if strings.TrimSpace(entry.Action) == "" {
		return errors.New("audit service: action is required")
	}
	if strings.TrimSpace(entry.Result) == "" {
		entry.Result = models.AuditResultSuccess
	}

	actor := auditctx.Merge(ctx, auditctx.Actor{
		UserID:    entry.ActorID,
		IPAddress: entry.IPAddress,
		UserAgent: entry.UserAgent,
	})

	var payload datatypes.JSON
	if len(entry.Metadata) > 0 {
		encoded, err := json.Marshal(entry.Metadata)
		if err != nil {
			return fmt.Errorf("audit service: marshal metadata: %w", err)
		}
		payload = datatypes.JSON(encoded)
	}

	row := models.AuditLog{
		DocumentID: strings.TrimSpace(entry.DocumentID),
		ActorID:    strings.TrimSpace(actor.UserID),
		Action:     strings.TrimSpace(entry.Action),
		Result:     strings.TrimSpace(entry.Result),
		IPAddress:  strings.TrimSpace(actor.IPAddress),
		UserAgent:  strings.TrimSpace(actor.UserAgent),
		Metadata:   payload,
		CreatedAt:  s.now().UTC(),
	}

	return s.db.WithContext(ctx).Create(&row).Error
}

// List returns a page of a document's audit trail, newest first, and the total match count.
func (s *AuditService) List(ctx context.Context, documentID string, opts AuditListOptions) ([]models.AuditLog, int64, error) {
	ctx = ensureContext(ctx)

	page := opts.Page
	if page <= 0 {
		page = 1
	}
	perPage := opts.PageSize
	if perPage <= 0 || perPage > maxAuditPageSize {
		perPage = defaultAuditPageSize
	}

	var (
		results []models.AuditLog
		total   int64
	)

	query := s.db.WithContext(ctx).Model(&models.AuditLog{}).Where("document_id = ?", documentID)
	query = applyAuditFilters(query, opts.Filters)

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("audit service: count logs: %w", err)
	}

	if err := query.
		Order("created_at DESC").
		Offset((page - 1) * perPage).
		Limit(perPage).
		Find(&results).Error; err != nil {
		return nil, 0, fmt.Errorf("audit service: list logs: %w", err)
	}

	return results, total, nil
}

// CleanupOlderThan removes audit logs older than the supplied retention window.
func (s *AuditService) CleanupOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	ctx = ensureContext(ctx)

	if retention <= 0 {
		return 0, errors.New("audit service: retention must be positive")
	}

	cutoff := s.now().UTC().Add(-retention)

	result := s.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&models.AuditLog{})
	if result.Error != nil {
		return 0, fmt.Errorf("audit service: cleanup logs: %w", result.Error)
	}

	return result.RowsAffected, nil
}

func applyAuditFilters(query *gorm.DB, filters AuditFilters) *gorm.DB {
	if filters.ActorID != "" {
		query = query.Where("actor_id = ?", filters.ActorID)
	}
	if filters.Action != "" {
		query = query.Where("action = ?", filters.Action)
	}
	if filters.Since != nil {
		query = query.Where("created_at >= ?", *filters.Since)
	}
	if filters.Until != nil {
		query = query.Where("created_at <= ?", *filters.Until)
	}
	return query
}

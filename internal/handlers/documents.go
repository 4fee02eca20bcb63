package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/datatypes"

	"github.com/charlesng35/coedit/internal/middleware"
	"github.com/charlesng35/coedit/internal/presence"
	"github.com/charlesng35/coedit/internal/services"
	"github.com/charlesng35/coedit/pkg/errors"
	"github.com/charlesng35/coedit/pkg/response"
)

// DocumentHandler exposes document reads, updates, sharing and presence over REST.
type DocumentHandler struct {
	documents *services.DocumentService
	presence  presence.Store
}

type updateDocumentRequest struct {
	Title    *string         `json:"title" validate:"omitempty,max=255"`
	Content  json.RawMessage `json:"content"`
	IsPublic *bool           `json:"is_public"`
}

// NewDocumentHandler constructs a document handler. store may be nil, in which case
// the presence endpoint reports the backend as unavailable.
func NewDocumentHandler(documents *services.DocumentService, store presence.Store) *DocumentHandler {
	return &DocumentHandler{documents: documents, presence: store}
}

// GET /api/documents/:id
func (h *DocumentHandler) Get(c *gin.Context) {
	document, err := h.documents.Get(requestContext(c), c.GetString(middleware.CtxUserIDKey), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, document)
}

// PATCH /api/documents/:id
func (h *DocumentHandler) Update(c *gin.Context) {
	var body updateDocumentRequest
	if !bindAndValidate(c, &body) {
		return
	}

	if body.Title == nil && len(body.Content) == 0 && body.IsPublic == nil {
		response.Error(c, errors.NewBadRequest("no fields provided for update"))
		return
	}

	input := services.UpdateDocumentInput{Title: body.Title, IsPublic: body.IsPublic}
	if len(body.Content) > 0 {
		if !json.Valid(body.Content) || string(body.Content) == "null" {
			response.Error(c, errors.NewBadRequest("content must be a JSON document"))
			return
		}
		input.Content = datatypes.JSON(body.Content)
	}

	document, err := h.documents.Update(requestContext(c), c.GetString(middleware.CtxUserIDKey), c.Param("id"), input)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, document)
}

// GET /api/documents/:id/audit
func (h *DocumentHandler) AuditTrail(c *gin.Context) {
	page := parseIntQuery(c, "page", 1)
	perPage := parseIntQuery(c, "per_page", 50)

	opts := services.AuditListOptions{
		Page:     page,
		PageSize: perPage,
		Filters: services.AuditFilters{
			ActorID: strings.TrimSpace(c.Query("actor_id")),
			Action:  strings.TrimSpace(c.Query("action")),
		},
	}

	logs, total, err := h.documents.AuditTrail(requestContext(c), c.GetString(middleware.CtxUserIDKey), c.Param("id"), opts)
	if err != nil {
		response.Error(c, err)
		return
	}

	if perPage <= 0 {
		perPage = 50
	}
	totalPages := 0
	if total > 0 {
		totalPages = int((total + int64(perPage) - 1) / int64(perPage))
	}
	response.SuccessWithMeta(c, http.StatusOK, logs, &response.Meta{
		Page:       page,
		PerPage:    perPage,
		Total:      int(total),
		TotalPages: totalPages,
	})
}

// POST /api/documents/:id/share-link
func (h *DocumentHandler) GenerateShareLink(c *gin.Context) {
	token, err := h.documents.GenerateShareLink(requestContext(c), c.GetString(middleware.CtxUserIDKey), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusCreated, gin.H{"shareable_link": token})
}

// GET /api/documents/shared/:token
func (h *DocumentHandler) GetShared(c *gin.Context) {
	document, err := h.documents.FindByShareLink(requestContext(c), c.Param("token"))
	if err != nil {
		response.Error(c, err)
		return
	}
	document.Collaborators = nil
	response.Success(c, http.StatusOK, document)
}

// GET /api/documents/:id/presence
func (h *DocumentHandler) Presence(c *gin.Context) {
	ctx := requestContext(c)
	document, err := h.documents.Get(ctx, c.GetString(middleware.CtxUserIDKey), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	if h.presence == nil {
		response.Error(c, errors.ErrTransientBackend)
		return
	}

	members, err := h.presence.ListMembers(ctx, document.ID)
	if err != nil {
		response.Error(c, errors.ErrTransientBackend.WithInternal(err))
		return
	}
	if members == nil {
		members = []presence.Member{}
	}
	response.Success(c, http.StatusOK, members)
}

// CollaboratorHandler manages document collaborators.
type CollaboratorHandler struct {
	svc *services.CollaboratorService
}

type addCollaboratorRequest struct {
	UserID     string `json:"user_id" validate:"omitempty,max=64"`
	Email      string `json:"email" validate:"omitempty,email"`
	Permission string `json:"permission" validate:"required,oneof=editor viewer"`
}

type updateCollaboratorRequest struct {
	Permission string `json:"permission" validate:"required,oneof=editor viewer"`
}

// NewCollaboratorHandler constructs a collaborator handler.
func NewCollaboratorHandler(svc *services.CollaboratorService) *CollaboratorHandler {
	return &CollaboratorHandler{svc: svc}
}

// GET /api/documents/:id/collaborators
func (h *CollaboratorHandler) List(c *gin.Context) {
	collaborators, err := h.svc.List(requestContext(c), c.GetString(middleware.CtxUserIDKey), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, collaborators)
}

// POST /api/documents/:id/collaborators
func (h *CollaboratorHandler) Add(c *gin.Context) {
	var body addCollaboratorRequest
	if !bindAndValidate(c, &body) {
		return
	}
	if strings.TrimSpace(body.UserID) == "" && strings.TrimSpace(body.Email) == "" {
		response.Error(c, errors.NewBadRequest("user_id or email is required"))
		return
	}

	collaborator, err := h.svc.Add(requestContext(c), c.GetString(middleware.CtxUserIDKey), c.Param("id"), services.AddCollaboratorInput{
		UserID:     strings.TrimSpace(body.UserID),
		Email:      strings.TrimSpace(body.Email),
		Permission: body.Permission,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusCreated, collaborator)
}

// PATCH /api/documents/:id/collaborators/:userID
func (h *CollaboratorHandler) UpdatePermission(c *gin.Context) {
	var body updateCollaboratorRequest
	if !bindAndValidate(c, &body) {
		return
	}

	err := h.svc.UpdatePermission(requestContext(c), c.GetString(middleware.CtxUserIDKey), c.Param("id"), c.Param("userID"), body.Permission)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"user_id": c.Param("userID"), "permission": body.Permission})
}

// DELETE /api/documents/:id/collaborators/:userID
func (h *CollaboratorHandler) Remove(c *gin.Context) {
	if err := h.svc.Remove(requestContext(c), c.GetString(middleware.CtxUserIDKey), c.Param("id"), c.Param("userID")); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"removed": true})
}

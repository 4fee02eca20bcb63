package handlers

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/charlesng35/coedit/internal/auditctx"
	"github.com/charlesng35/coedit/internal/database/testutil"
	"github.com/charlesng35/coedit/internal/middleware"
	"github.com/charlesng35/coedit/internal/models"
	"github.com/charlesng35/coedit/internal/presence"
	"github.com/charlesng35/coedit/internal/services"
	"github.com/charlesng35/coedit/pkg/response"
)

const testUserHeader = "X-Test-User"

type env struct {
	t        *testing.T
	db       *gorm.DB
	router   *gin.Engine
	presence *presence.MemoryStore
}

func newEnv(t *testing.T) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	for _, user := range []models.User{
		{ID: "user-owner", Username: "olivia", Email: "olivia@example.com", Name: "Olivia Owner", IsActive: true},
		{ID: "user-editor", Username: "edgar", Email: "edgar@example.com", Name: "Edgar Editor", IsActive: true},
		{ID: "user-viewer", Username: "vera", Email: "vera@example.com", Name: "Vera Viewer", IsActive: true},
		{ID: "user-outsider", Username: "oscar", Email: "oscar@example.com", Name: "Oscar Outsider", IsActive: true},
	} {
		require.NoError(t, db.Create(&user).Error)
	}
	require.NoError(t, db.Create(&models.Document{
		BaseModel: models.BaseModel{ID: "doc-alpha"},
		Title:     "Alpha",
		Content:   datatypes.JSON(`{"ops":[{"insert":"hello"}]}`),
		OwnerID:   "user-owner",
	}).Error)
	for _, collaborator := range []models.Collaborator{
		{DocumentID: "doc-alpha", UserID: "user-editor", Permission: models.CollaboratorEditor, Status: models.CollaboratorAccepted, InvitedBy: "user-owner"},
		{DocumentID: "doc-alpha", UserID: "user-viewer", Permission: models.CollaboratorViewer, Status: models.CollaboratorAccepted, InvitedBy: "user-owner"},
	} {
		require.NoError(t, db.Create(&collaborator).Error)
	}

	audit, err := services.NewAuditService(db)
	require.NoError(t, err)
	documents, err := services.NewDocumentService(db, services.WithAudit(audit))
	require.NoError(t, err)
	collaborators, err := services.NewCollaboratorService(db, documents)
	require.NoError(t, err)
	store := presence.NewMemoryStore(presence.Options{})

	documentHandler := NewDocumentHandler(documents, store)
	collaboratorHandler := NewCollaboratorHandler(collaborators)

	r := gin.New()
	api := r.Group("/api", func(c *gin.Context) {
		if user := c.GetHeader(testUserHeader); user != "" {
			c.Set(middleware.CtxUserIDKey, user)
			ctx := auditctx.WithActor(c.Request.Context(), auditctx.Actor{UserID: user, IPAddress: c.ClientIP()})
			c.Request = c.Request.WithContext(ctx)
		}
		c.Next()
	})
	api.GET("/documents/shared/:token", documentHandler.GetShared)
	api.GET("/documents/:id", documentHandler.Get)
	api.PATCH("/documents/:id", documentHandler.Update)
	api.POST("/documents/:id/share-link", documentHandler.GenerateShareLink)
	api.GET("/documents/:id/presence", documentHandler.Presence)
	api.GET("/documents/:id/audit", documentHandler.AuditTrail)
	api.GET("/documents/:id/collaborators", collaboratorHandler.List)
	api.POST("/documents/:id/collaborators", collaboratorHandler.Add)
	api.PATCH("/documents/:id/collaborators/:userID", collaboratorHandler.UpdatePermission)
	api.DELETE("/documents/:id/collaborators/:userID", collaboratorHandler.Remove)

	return &env{t: t, db: db, router: r, presence: store}
}

func (e *env) do(method, path, user string, body any) (*httptest.ResponseRecorder, response.Response) {
	e.t.Helper()

	var reader *bytes.Reader
	switch v := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(v))
	default:
		raw, err := json.Marshal(v)
		require.NoError(e.t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(testUserHeader, user)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)

	var payload response.Response
	require.NoError(e.t, json.Unmarshal(w.Body.Bytes(), &payload), w.Body.String())
	return w, payload
}

func dataMap(t *testing.T, payload response.Response) map[string]any {
	t.Helper()
	data, ok := payload.Data.(map[string]any)
	require.True(t, ok, "unexpected data %#v", payload.Data)
	return data
}

package services

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/charlesng35/coedit/internal/database/testutil"
	"github.com/charlesng35/coedit/internal/models"
)

type fixture struct {
	db        *gorm.DB
	documents *DocumentService
	owner     models.User
	editor    models.User
	viewer    models.User
	outsider  models.User
	document  models.Document
}

func seedUser(t *testing.T, db *gorm.DB, id, username, name string) models.User {
	t.Helper()
	user := models.User{
		ID:       id,
		Username: username,
		Email:    username + "@example.com",
		Name:     name,
		IsActive: true,
	}
	require.NoError(t, db.Create(&user).Error)
	return user
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())

	f := &fixture{db: db}
	f.owner = seedUser(t, db, "user-owner", "olivia", "Olivia Owner")
	f.editor = seedUser(t, db, "user-editor", "edgar", "Edgar Editor")
	f.viewer = seedUser(t, db, "user-viewer", "vera", "")
	f.outsider = seedUser(t, db, "user-outsider", "oscar", "Oscar Outsider")

	f.document = models.Document{
		BaseModel: models.BaseModel{ID: "doc-alpha"},
		Title:     "Alpha",
		Content:   datatypes.JSON(`{"ops":[{"insert":"hello"}]}`),
		OwnerID:   f.owner.ID,
	}
	require.NoError(t, db.Create(&f.document).Error)

	for _, collab := range []models.Collaborator{
		{DocumentID: f.document.ID, UserID: f.editor.ID, Permission: models.CollaboratorEditor, Status: models.CollaboratorAccepted, InvitedBy: f.owner.ID},
		{DocumentID: f.document.ID, UserID: f.viewer.ID, Permission: models.CollaboratorViewer, Status: models.CollaboratorAccepted, InvitedBy: f.owner.ID},
	} {
		require.NoError(t, db.Create(&collab).Error)
	}

	documents, err := NewDocumentService(db)
	require.NoError(t, err)
	f.documents = documents
	return f
}

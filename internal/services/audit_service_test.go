package services

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/coedit/internal/auditctx"
	"github.com/charlesng35/coedit/internal/models"
	apperrors "github.com/charlesng35/coedit/pkg/errors"
)

func newAuditedFixture(t *testing.T) (*fixture, *AuditService) {
	t.Helper()
	f := newFixture(t)

	audit, err := NewAuditService(f.db)
	require.NoError(t, err)

	documents, err := NewDocumentService(f.db, WithAudit(audit))
	require.NoError(t, err)
	f.documents = documents
	return f, audit
}

func TestAuditService_LogUsesContextActor(t *testing.T) {
	f, audit := newAuditedFixture(t)

	ctx := auditctx.WithActor(context.Background(), auditctx.Actor{
		UserID:    f.owner.ID,
		IPAddress: "10.0.0.1",
		UserAgent: "test-agent",
	})
	require.NoError(t, audit.Log(ctx, AuditEntry{
		DocumentID: f.document.ID,
		Action:     AuditDocumentUpdate,
		Metadata:   map[string]any{"fields": []string{"title"}},
	}))

	logs, total, err := audit.List(context.Background(), f.document.ID, AuditListOptions{})
	require.NoError(t, err)
	require.EqualValues(t, 1, total)
	require.Equal(t, f.owner.ID, logs[0].ActorID)
	require.Equal(t, "10.0.0.1", logs[0].IPAddress)
	require.Equal(t, "test-agent", logs[0].UserAgent)
	require.Equal(t, models.AuditResultSuccess, logs[0].Result)

	var meta map[string]any
	require.NoError(t, json.Unmarshal(logs[0].Metadata, &meta))
	require.Equal(t, []any{"title"}, meta["fields"])
}

func TestAuditService_LogValidation(t *testing.T) {
	_, audit := newAuditedFixture(t)

	require.Error(t, audit.Log(context.Background(), AuditEntry{Action: AuditDocumentUpdate}))
	require.Error(t, audit.Log(context.Background(), AuditEntry{DocumentID: "doc-alpha"}))
}

func TestAuditService_ListFiltersAndPaginates(t *testing.T) {
	f, audit := newAuditedFixture(t)
	ctx := context.Background()

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for i, action := range []string{AuditCollaboratorAdd, AuditCollaboratorRemove, AuditCollaboratorAdd} {
		audit.now = func() time.Time { return base.Add(time.Duration(i) * time.Minute) }
		require.NoError(t, audit.Log(ctx, AuditEntry{DocumentID: f.document.ID, ActorID: f.owner.ID, Action: action}))
	}
	require.NoError(t, audit.Log(ctx, AuditEntry{DocumentID: "doc-other", ActorID: f.owner.ID, Action: AuditCollaboratorAdd}))

	logs, total, err := audit.List(ctx, f.document.ID, AuditListOptions{Filters: AuditFilters{Action: AuditCollaboratorAdd}})
	require.NoError(t, err)
	require.EqualValues(t, 2, total)
	require.True(t, logs[0].CreatedAt.After(logs[1].CreatedAt))

	logs, total, err = audit.List(ctx, f.document.ID, AuditListOptions{Page: 2, PageSize: 2})
	require.NoError(t, err)
	require.EqualValues(t, 3, total)
	require.Len(t, logs, 1)
	require.Equal(t, AuditCollaboratorAdd, logs[0].Action)
}

func TestAuditService_CleanupOlderThan(t *testing.T) {
	f, audit := newAuditedFixture(t)
	ctx := context.Background()

	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	audit.now = func() time.Time { return now.Add(-100 * 24 * time.Hour) }
	require.NoError(t, audit.Log(ctx, AuditEntry{DocumentID: f.document.ID, Action: AuditDocumentUpdate}))
	audit.now = func() time.Time { return now.Add(-time.Hour) }
	require.NoError(t, audit.Log(ctx, AuditEntry{DocumentID: f.document.ID, Action: AuditDocumentUpdate}))

	audit.now = func() time.Time { return now }
	removed, err := audit.CleanupOlderThan(ctx, 90*24*time.Hour)
	require.NoError(t, err)
	require.EqualValues(t, 1, removed)

	_, err = audit.CleanupOlderThan(ctx, 0)
	require.Error(t, err)
}

func TestDocumentService_AuditTrailRecordsChanges(t *testing.T) {
	f, _ := newAuditedFixture(t)
	ctx := context.Background()

	title := "Renamed"
	_, err := f.documents.Update(ctx, f.editor.ID, f.document.ID, UpdateDocumentInput{Title: &title})
	require.NoError(t, err)
	_, err = f.documents.GenerateShareLink(ctx, f.owner.ID, f.document.ID)
	require.NoError(t, err)

	collaborators, err := NewCollaboratorService(f.db, f.documents)
	require.NoError(t, err)
	_, err = collaborators.Add(ctx, f.owner.ID, f.document.ID, AddCollaboratorInput{UserID: f.outsider.ID, Permission: models.CollaboratorViewer})
	require.NoError(t, err)
	require.NoError(t, collaborators.UpdatePermission(ctx, f.owner.ID, f.document.ID, f.outsider.ID, models.CollaboratorEditor))
	require.NoError(t, collaborators.Remove(ctx, f.outsider.ID, f.document.ID, f.outsider.ID))

	logs, total, err := f.documents.AuditTrail(ctx, f.owner.ID, f.document.ID, AuditListOptions{})
	require.NoError(t, err)
	require.EqualValues(t, 5, total)

	actions := make(map[string]string, len(logs))
	for _, entry := range logs {
		actions[entry.Action] = entry.ActorID
	}
	require.Equal(t, f.editor.ID, actions[AuditDocumentUpdate])
	require.Equal(t, f.owner.ID, actions[AuditDocumentShareLink])
	require.Equal(t, f.owner.ID, actions[AuditCollaboratorAdd])
	require.Equal(t, f.owner.ID, actions[AuditCollaboratorPermission])
	require.Equal(t, f.outsider.ID, actions[AuditCollaboratorRemove])
}

func TestDocumentService_AuditTrailRequiresManage(t *testing.T) {
	f, _ := newAuditedFixture(t)

	_, _, err := f.documents.AuditTrail(context.Background(), f.editor.ID, f.document.ID, AuditListOptions{})
	require.ErrorIs(t, err, apperrors.ErrAuthorizationDenied)

	_, _, err = f.documents.AuditTrail(context.Background(), f.owner.ID, "missing", AuditListOptions{})
	require.ErrorIs(t, err, apperrors.ErrDocumentNotFound)
}

func TestDocumentService_AuditTrailWithoutAuditService(t *testing.T) {
	f := newFixture(t)

	logs, total, err := f.documents.AuditTrail(context.Background(), f.owner.ID, f.document.ID, AuditListOptions{})
	require.NoError(t, err)
	require.Zero(t, total)
	require.Empty(t, logs)
}

package permissions

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/coedit/internal/models"
)

func sampleSubject() Subject {
	return Subject{
		OwnerID: "owner-1",
		Collaborators: []Grant{
			{UserID: "editor-1", Permission: "editor", Status: "accepted"},
			{UserID: "viewer-1", Permission: "viewer", Status: "accepted"},
			{UserID: "pending-1", Permission: "editor", Status: "pending"},
			{UserID: "declined-1", Permission: "viewer", Status: "declined"},
			{UserID: "legacy-1", Permission: "viewer"},
			{UserID: "bogus-1", Permission: "admin", Status: "accepted"},
		},
	}
}

func TestResolve(t *testing.T) {
	subject := sampleSubject()

	cases := map[string]Level{
		"owner-1":    LevelOwner,
		"editor-1":   LevelEditor,
		"viewer-1":   LevelViewer,
		"pending-1":  LevelNone,
		"declined-1": LevelNone,
		"legacy-1":   LevelViewer,
		"bogus-1":    LevelNone,
		"stranger":   LevelNone,
		"":           LevelNone,
		"  ":         LevelNone,
	}
	for identity, want := range cases {
		require.Equal(t, want, Resolve(subject, identity), "identity %q", identity)
	}
}

func TestResolveIsDeterministic(t *testing.T) {
	subject := sampleSubject()
	for _, identity := range []string{"owner-1", "editor-1", "viewer-1", "stranger"} {
		first := Resolve(subject, identity)
		for i := 0; i < 10; i++ {
			require.Equal(t, first, Resolve(subject, identity))
		}
	}
}

func TestResolveOwnerIsUnique(t *testing.T) {
	subject := sampleSubject()
	// an owner listed as collaborator still resolves once as owner, nobody else does
	subject.Collaborators = append(subject.Collaborators, Grant{UserID: "owner-1", Permission: "viewer", Status: "accepted"})

	owners := 0
	for _, identity := range []string{"owner-1", "editor-1", "viewer-1", "pending-1", "stranger"} {
		if Resolve(subject, identity) == LevelOwner {
			owners++
		}
	}
	require.Equal(t, 1, owners)
	require.Equal(t, LevelOwner, Resolve(subject, "owner-1"))
}

func TestResolveEmptySubject(t *testing.T) {
	require.Equal(t, LevelNone, Resolve(Subject{}, "anyone"))
	require.Equal(t, LevelNone, Resolve(Subject{}, ""))
}

func TestResolveForReadPublicDocument(t *testing.T) {
	subject := sampleSubject()
	require.Equal(t, LevelNone, ResolveForRead(subject, "stranger"))

	subject.IsPublic = true
	require.Equal(t, LevelNone, Resolve(subject, "stranger"))
	require.Equal(t, LevelViewer, ResolveForRead(subject, "stranger"))
	require.Equal(t, LevelEditor, ResolveForRead(subject, "editor-1"))
	require.Equal(t, LevelOwner, ResolveForRead(subject, "owner-1"))
}

func TestSubjectFromDocument(t *testing.T) {
	doc := &models.Document{
		OwnerID:  "owner-1",
		IsPublic: true,
		ShareSettings: models.ShareSettings{
			AllowEditorInvites: true,
		},
		Collaborators: []models.Collaborator{
			{UserID: "editor-1", Permission: models.CollaboratorEditor, Status: models.CollaboratorAccepted},
		},
	}

	subject := SubjectFromDocument(doc)
	require.Equal(t, "owner-1", subject.OwnerID)
	require.True(t, subject.IsPublic)
	require.True(t, subject.AllowEditorInvites)
	require.Len(t, subject.Collaborators, 1)
	require.Equal(t, LevelEditor, Resolve(subject, "editor-1"))

	require.Equal(t, Subject{}, SubjectFromDocument(nil))
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, LevelEditor, ParseLevel(" Editor "))
	require.Equal(t, LevelOwner, ParseLevel("owner"))
	require.Equal(t, LevelNone, ParseLevel("superuser"))
	require.Equal(t, "none", Level("").String())
}

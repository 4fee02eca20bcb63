package permissions

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCanTable(t *testing.T) {
	cases := []struct {
		level  Level
		action Action
		want   bool
	}{
		{LevelOwner, ActionView, true},
		{LevelOwner, ActionEdit, true},
		{LevelOwner, ActionManage, true},
		{LevelEditor, ActionView, true},
		{LevelEditor, ActionEdit, true},
		{LevelEditor, ActionManage, false},
		{LevelViewer, ActionView, true},
		{LevelViewer, ActionEdit, false},
		{LevelViewer, ActionManage, false},
		{LevelNone, ActionView, false},
		{LevelNone, ActionEdit, false},
		{LevelOwner, Action("delete"), false},
	}

	for _, tc := range cases {
		require.Equal(t, tc.want, Can(tc.level, tc.action), "%s/%s", tc.level, tc.action)
	}
}

func TestSubjectAllows(t *testing.T) {
	subject := sampleSubject()

	require.True(t, subject.Allows("viewer-1", ActionView))
	require.False(t, subject.Allows("viewer-1", ActionEdit))
	require.True(t, subject.Allows("editor-1", ActionEdit))
	require.False(t, subject.Allows("editor-1", ActionManage))
	require.True(t, subject.Allows("owner-1", ActionManage))
	require.False(t, subject.Allows("stranger", ActionView))

	subject.AllowEditorInvites = true
	require.True(t, subject.Allows("editor-1", ActionManage))
	require.False(t, subject.Allows("viewer-1", ActionManage))

	subject.IsPublic = true
	require.True(t, subject.Allows("stranger", ActionView))
	require.False(t, subject.Allows("stranger", ActionEdit))
}

package permissions

import (
	"github.com/charlesng35/coedit/pkg/metrics"
)

// Action is an operation gated by a document permission level.
type Action string

const (
	ActionView   Action = "view"
	ActionEdit   Action = "edit"
	ActionManage Action = "manage"
)

var minimumLevel = map[Action]Level{
	ActionView:   LevelViewer,
	ActionEdit:   LevelEditor,
	ActionManage: LevelOwner,
}

// Can reports whether level permits action. Unknown actions are always denied.
func Can(level Level, action Action) bool {
	required, ok := minimumLevel[action]
	if !ok {
		return false
	}
	return level.AtLeast(required)
}

// Allows evaluates action for identity against the document, applying the sharing
// rules layered on top of the level table: public documents are viewable by anyone
// and editors may manage collaborators when editor invites are enabled.
func (s Subject) Allows(identity string, action Action) bool {
	allowed := s.allows(identity, action)
	result := "deny"
	if allowed {
		result = "allow"
	}
	metrics.PermissionChecks.WithLabelValues(string(action), result).Inc()
	return allowed
}

func (s Subject) allows(identity string, action Action) bool {
	switch action {
	case ActionView:
		return Can(ResolveForRead(s, identity), ActionView)
	case ActionManage:
		level := Resolve(s, identity)
		if level == LevelEditor && s.AllowEditorInvites {
			return true
		}
		return Can(level, ActionManage)
	default:
		return Can(Resolve(s, identity), action)
	}
}

package permissions

import "strings"

// Level is the access an identity holds on a single document.
type Level string

const (
	LevelNone   Level = "none"
	LevelViewer Level = "viewer"
	LevelEditor Level = "editor"
	LevelOwner  Level = "owner"
)

var levelRank = map[Level]int{
	LevelNone:   0,
	LevelViewer: 1,
	LevelEditor: 2,
	LevelOwner:  3,
}

// ParseLevel converts a stored permission string into a Level. Unknown values map to LevelNone.
func ParseLevel(value string) Level {
	level := Level(strings.ToLower(strings.TrimSpace(value)))
	if _, ok := levelRank[level]; !ok {
		return LevelNone
	}
	return level
}

// AtLeast reports whether l grants at least the access of other.
func (l Level) AtLeast(other Level) bool {
	return levelRank[l] >= levelRank[other]
}

// CanWrite reports whether the level may modify document content.
func (l Level) CanWrite() bool {
	return l.AtLeast(LevelEditor)
}

func (l Level) String() string {
	if l == "" {
		return string(LevelNone)
	}
	return string(l)
}

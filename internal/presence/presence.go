// Package presence tracks which identities are active in which document rooms.
// Records expire lazily: a member whose last heartbeat is older than the staleness
// threshold is dropped the next time the room is read.
package presence

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"
)

const (
	// DefaultStaleAfter is how long a member may go without a heartbeat before it is purged.
	DefaultStaleAfter = 2 * time.Minute
	// DefaultRoomTTL expires an entire room after this much inactivity.
	DefaultRoomTTL = 5 * time.Minute
	// AllDocuments subscribes to changes in every room.
	AllDocuments = "*"
)

var (
	errDocumentRequired = errors.New("presence: document id is required")
	errUserRequired     = errors.New("presence: user id is required")
	errHandlerRequired  = errors.New("presence: change handler is required")
)

// Member is the presence record of one identity inside a document room.
type Member struct {
	UserID       string    `json:"userId"`
	DisplayName  string    `json:"userName"`
	ConnectionID string    `json:"socketId"`
	Permission   string    `json:"permission,omitempty"`
	JoinedAt     time.Time `json:"joinedAt"`
	LastSeen     time.Time `json:"lastSeen"`
}

// ChangeType identifies a membership transition.
type ChangeType string

const (
	ChangeJoined ChangeType = "user_joined"
	ChangeLeft   ChangeType = "user_left"
)

// Change is published whenever a room gains or loses a member.
type Change struct {
	Type       ChangeType `json:"type"`
	DocumentID string     `json:"documentId"`
	UserID     string     `json:"userId"`
	Member     *Member    `json:"userData,omitempty"`
	// Origin names the process that made the change so it can ignore its own echoes.
	Origin string `json:"origin,omitempty"`
}

// ChangeHandler receives membership changes.
type ChangeHandler func(Change)

// Subscription is an active change feed.
type Subscription interface {
	Close() error
}

// Store is the presence registry shared by gateway instances.
type Store interface {
	AddMember(ctx context.Context, documentID string, member Member) error
	RemoveMember(ctx context.Context, documentID, userID string) error
	ListMembers(ctx context.Context, documentID string) ([]Member, error)
	// Touch refreshes a member's liveness and reports whether a record was found.
	// An absent member is left absent.
	Touch(ctx context.Context, documentID, userID string) (bool, error)
	Subscribe(ctx context.Context, documentID string, handler ChangeHandler) (Subscription, error)
}

// Sweeper is implemented by stores that can purge stale members across all rooms.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// Options tune store behaviour.
type Options struct {
	StaleAfter time.Duration
	RoomTTL    time.Duration
	Origin     string
	// Clock overrides time.Now for liveness bookkeeping.
	Clock func() time.Time
}

func (o Options) withDefaults() Options {
	if o.StaleAfter <= 0 {
		o.StaleAfter = DefaultStaleAfter
	}
	if o.RoomTTL <= 0 {
		o.RoomTTL = DefaultRoomTTL
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

func validateKeys(documentID, userID string) error {
	if strings.TrimSpace(documentID) == "" {
		return errDocumentRequired
	}
	if strings.TrimSpace(userID) == "" {
		return errUserRequired
	}
	return nil
}

func isStale(member Member, now time.Time, staleAfter time.Duration) bool {
	return now.Sub(member.LastSeen) > staleAfter
}

func sortMembers(members []Member) {
	sort.SliceStable(members, func(i, j int) bool {
		if members[i].JoinedAt.Equal(members[j].JoinedAt) {
			return members[i].UserID < members[j].UserID
		}
		return members[i].JoinedAt.Before(members[j].JoinedAt)
	})
}

// stamp fills timestamps the caller left empty.
func stamp(member Member, now time.Time) Member {
	if member.JoinedAt.IsZero() {
		member.JoinedAt = now
	}
	member.LastSeen = now
	return member
}

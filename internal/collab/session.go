package collab

import (
	"sort"
	"sync"
	"time"

	"github.com/charlesng35/coedit/internal/permissions"
	"github.com/charlesng35/coedit/internal/realtime"
)

// State is the lifecycle stage of a connection.
type State int

const (
	StateConnected State = iota
	StateJoined
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateJoined:
		return "joined"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Member is one connection's participation in one document room. Its permission is
// captured at join time and is not re-evaluated for the rest of the membership.
type Member struct {
	ConnectionID string
	DocumentID   string
	UserID       string
	DisplayName  string
	Permission   permissions.Level
	JoinedAt     time.Time
	LastActivity time.Time
}

func (m Member) info() MemberInfo {
	return MemberInfo{
		UserID:       m.UserID,
		DisplayName:  m.DisplayName,
		Permission:   m.Permission.String(),
		ConnectionID: m.ConnectionID,
	}
}

// Session is the per-connection state machine driven by the gateway.
type Session struct {
	peer     realtime.Peer
	identity string

	mu           sync.Mutex
	members      map[string]*Member
	disconnected bool
}

func newSession(peer realtime.Peer, identity string) *Session {
	return &Session{
		peer:     peer,
		identity: identity,
		members:  make(map[string]*Member),
	}
}

// Peer returns the connection backing the session.
func (s *Session) Peer() realtime.Peer {
	return s.peer
}

// Identity is the authenticated user id of the connection.
func (s *Session) Identity() string {
	return s.identity
}

// State reports Joined while the session belongs to at least one room.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.disconnected:
		return StateDisconnected
	case len(s.members) > 0:
		return StateJoined
	default:
		return StateConnected
	}
}

// Member returns a copy of the membership for documentID.
func (s *Session) Member(documentID string) (Member, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	member, ok := s.members[documentID]
	if !ok {
		return Member{}, false
	}
	return *member, true
}

// Documents lists the rooms the session belongs to.
func (s *Session) Documents() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	docs := make([]string, 0, len(s.members))
	for id := range s.members {
		docs = append(docs, id)
	}
	sort.Strings(docs)
	return docs
}

func (s *Session) addMember(member *Member) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disconnected {
		return false
	}
	s.members[member.DocumentID] = member
	return true
}

func (s *Session) removeMember(documentID string) (Member, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	member, ok := s.members[documentID]
	if !ok {
		return Member{}, false
	}
	delete(s.members, documentID)
	return *member, true
}

func (s *Session) touch(documentID string, now time.Time) (Member, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	member, ok := s.members[documentID]
	if !ok {
		return Member{}, false
	}
	member.LastActivity = now
	return *member, true
}

// markDisconnected moves the session to its terminal state and returns the
// memberships it held. Subsequent calls return nothing.
func (s *Session) markDisconnected() []Member {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disconnected {
		return nil
	}
	s.disconnected = true

	members := make([]Member, 0, len(s.members))
	for _, member := range s.members {
		members = append(members, *member)
	}
	s.members = make(map[string]*Member)
	sort.Slice(members, func(i, j int) bool { return members[i].DocumentID < members[j].DocumentID })
	return members
}

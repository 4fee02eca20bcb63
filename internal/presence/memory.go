package presence

import (
	"context"
	"sync"
	"time"

	"github.com/charlesng35/coedit/pkg/metrics"
)

type memoryRoom struct {
	members   map[string]Member
	expiresAt time.Time
}

// MemoryStore keeps presence in process. It is the single-instance Store and the
// fallback when no shared backend is configured.
type MemoryStore struct {
	mu      sync.Mutex
	rooms   map[string]*memoryRoom
	opts    Options
	timeNow func() time.Time

	subsMu  sync.RWMutex
	subs    map[uint64]memorySubscriber
	nextSub uint64
}

type memorySubscriber struct {
	documentID string
	handler    ChangeHandler
}

// NewMemoryStore constructs an empty in-process Store.
func NewMemoryStore(opts Options) *MemoryStore {
	opts = opts.withDefaults()
	return &MemoryStore{
		rooms:   make(map[string]*memoryRoom),
		opts:    opts,
		timeNow: opts.Clock,
		subs:    make(map[uint64]memorySubscriber),
	}
}

// AddMember records or replaces the user's membership and publishes a joined change.
func (s *MemoryStore) AddMember(_ context.Context, documentID string, member Member) error {
	if err := validateKeys(documentID, member.UserID); err != nil {
		return err
	}
	now := s.timeNow()
	member = stamp(member, now)

	s.mu.Lock()
	room := s.liveRoom(documentID, now)
	if room == nil {
		room = &memoryRoom{members: make(map[string]Member)}
		s.rooms[documentID] = room
	}
	room.members[member.UserID] = member
	room.expiresAt = now.Add(s.opts.RoomTTL)
	s.mu.Unlock()

	record := member
	s.publish(Change{Type: ChangeJoined, DocumentID: documentID, UserID: member.UserID, Member: &record, Origin: s.opts.Origin})
	return nil
}

// RemoveMember deletes the user's record, releasing the room once it is empty.
func (s *MemoryStore) RemoveMember(_ context.Context, documentID, userID string) error {
	if err := validateKeys(documentID, userID); err != nil {
		return err
	}

	s.mu.Lock()
	room := s.liveRoom(documentID, s.timeNow())
	if room == nil {
		s.mu.Unlock()
		return nil
	}
	member, ok := room.members[userID]
	delete(room.members, userID)
	if len(room.members) == 0 {
		delete(s.rooms, documentID)
	}
	s.mu.Unlock()

	if ok {
		s.publish(Change{Type: ChangeLeft, DocumentID: documentID, UserID: userID, Member: &member, Origin: s.opts.Origin})
	}
	return nil
}

// ListMembers returns live members, purging stale ones first.
func (s *MemoryStore) ListMembers(_ context.Context, documentID string) ([]Member, error) {
	now := s.timeNow()

	s.mu.Lock()
	room := s.liveRoom(documentID, now)
	if room == nil {
		s.mu.Unlock()
		return []Member{}, nil
	}
	purged := s.purgeRoom(documentID, room, now)
	members := make([]Member, 0, len(room.members))
	for _, member := range room.members {
		members = append(members, member)
	}
	s.mu.Unlock()

	if purged > 0 {
		metrics.PresencePurged.Add(float64(purged))
	}
	sortMembers(members)
	return members, nil
}

// Touch refreshes LastSeen and the room TTL for an existing member.
func (s *MemoryStore) Touch(_ context.Context, documentID, userID string) (bool, error) {
	if err := validateKeys(documentID, userID); err != nil {
		return false, err
	}
	now := s.timeNow()

	s.mu.Lock()
	defer s.mu.Unlock()

	room := s.liveRoom(documentID, now)
	if room == nil {
		return false, nil
	}
	member, ok := room.members[userID]
	if !ok {
		return false, nil
	}
	member.LastSeen = now
	room.members[userID] = member
	room.expiresAt = now.Add(s.opts.RoomTTL)
	return true, nil
}

// Subscribe registers handler for changes on one room, or on every room when documentID is AllDocuments.
func (s *MemoryStore) Subscribe(_ context.Context, documentID string, handler ChangeHandler) (Subscription, error) {
	if documentID == "" {
		return nil, errDocumentRequired
	}
	if handler == nil {
		return nil, errHandlerRequired
	}

	s.subsMu.Lock()
	s.nextSub++
	id := s.nextSub
	s.subs[id] = memorySubscriber{documentID: documentID, handler: handler}
	s.subsMu.Unlock()

	return &memorySubscription{store: s, id: id}, nil
}

// Sweep purges stale members and expired rooms across the whole store.
func (s *MemoryStore) Sweep(_ context.Context) (int, error) {
	now := s.timeNow()
	purged := 0

	s.mu.Lock()
	for documentID := range s.rooms {
		room := s.liveRoom(documentID, now)
		if room == nil {
			continue
		}
		purged += s.purgeRoom(documentID, room, now)
	}
	s.mu.Unlock()

	if purged > 0 {
		metrics.PresencePurged.Add(float64(purged))
	}
	return purged, nil
}

// RoomCount returns the number of rooms currently tracked.
func (s *MemoryStore) RoomCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rooms)
}

// liveRoom returns the room, dropping it when its TTL elapsed. Callers hold s.mu.
func (s *MemoryStore) liveRoom(documentID string, now time.Time) *memoryRoom {
	room, ok := s.rooms[documentID]
	if !ok {
		return nil
	}
	if !now.Before(room.expiresAt) {
		delete(s.rooms, documentID)
		return nil
	}
	return room
}

// purgeRoom removes stale members and releases the room once empty. Callers hold s.mu.
func (s *MemoryStore) purgeRoom(documentID string, room *memoryRoom, now time.Time) int {
	purged := 0
	for userID, member := range room.members {
		if isStale(member, now, s.opts.StaleAfter) {
			delete(room.members, userID)
			purged++
		}
	}
	if len(room.members) == 0 {
		delete(s.rooms, documentID)
	}
	return purged
}

func (s *MemoryStore) publish(change Change) {
	s.subsMu.RLock()
	handlers := make([]ChangeHandler, 0, len(s.subs))
	for _, sub := range s.subs {
		if sub.documentID == AllDocuments || sub.documentID == change.DocumentID {
			handlers = append(handlers, sub.handler)
		}
	}
	s.subsMu.RUnlock()

	for _, handler := range handlers {
		handler(change)
	}
}

type memorySubscription struct {
	store *MemoryStore
	id    uint64
	once  sync.Once
}

func (m *memorySubscription) Close() error {
	m.once.Do(func() {
		m.store.subsMu.Lock()
		delete(m.store.subs, m.id)
		m.store.subsMu.Unlock()
	})
	return nil
}
